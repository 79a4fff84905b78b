package crypt

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocistack/stevedore/app/store"
)

func TestFieldEncrypter_RoundTrip(t *testing.T) {
	enc, err := NewFieldEncrypter("super-secret")
	require.NoError(t, err)

	for _, plaintext := range []string{"", "robot-token-value", "пароль", strings.Repeat("x", 4096)} {
		envelope, errEncrypt := enc.EncryptValue(plaintext)
		require.NoError(t, errEncrypt)
		assert.True(t, strings.HasPrefix(envelope, "v0$$"), "envelope should carry version prefix")

		got, errDecrypt := enc.DecryptValue(envelope)
		require.NoError(t, errDecrypt)
		assert.Equal(t, plaintext, got)
	}
}

func TestFieldEncrypter_WrongKey(t *testing.T) {
	enc, err := NewFieldEncrypter("key-one")
	require.NoError(t, err)
	other, err := NewFieldEncrypter("key-two")
	require.NoError(t, err)

	envelope, err := enc.EncryptValue("value")
	require.NoError(t, err)

	_, err = other.DecryptValue(envelope)
	assert.True(t, errors.Is(err, store.ErrDecryptionFailure))
}

func TestFieldEncrypter_Tampered(t *testing.T) {
	enc, err := NewFieldEncrypter("secret")
	require.NoError(t, err)

	envelope, err := enc.EncryptValue("value")
	require.NoError(t, err)

	// flip one payload character
	tampered := envelope[:len(envelope)-2] + "AA"
	_, err = enc.DecryptValue(tampered)
	assert.True(t, errors.Is(err, store.ErrDecryptionFailure))

	_, err = enc.DecryptValue("no-separator")
	assert.True(t, errors.Is(err, store.ErrDecryptionFailure))

	_, err = enc.DecryptValue("v9$$AAAA")
	assert.True(t, errors.Is(err, store.ErrDecryptionFailure), "unknown scheme version rejected")
}

func TestLazyEncrypted(t *testing.T) {
	enc, err := NewFieldEncrypter("secret")
	require.NoError(t, err)

	envelope, err := enc.EncryptValue("mirror-password")
	require.NoError(t, err)

	lazy := enc.Wrap(envelope)
	assert.True(t, lazy.Matches("mirror-password"))
	assert.False(t, lazy.Matches("wrong"))
	assert.False(t, lazy.Matches("mirror-password "), "length difference is a mismatch")
	assert.False(t, lazy.Matches("mirror-passwore"), "candidate differing in the last byte only")
	assert.False(t, lazy.Matches(""))

	plaintext, err := lazy.Decrypt()
	require.NoError(t, err)
	assert.Equal(t, "mirror-password", plaintext)

	broken := enc.Wrap("v0$$garbage")
	assert.False(t, broken.Matches("mirror-password"))
	_, err = broken.Decrypt()
	assert.Error(t, err)
}

func TestHasherStateSigner(t *testing.T) {
	signer, err := NewHasherStateSigner("secret")
	require.NoError(t, err)

	state := []byte("native-sha256-state-bytes")
	signed := signer.Sign(state)

	got, err := signer.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, state, got)

	// tampered body
	signed[len(signed)-1] ^= 0xff
	_, err = signer.Verify(signed)
	assert.True(t, errors.Is(err, store.ErrDecryptionFailure))

	// unsigned legacy blob must be rejected
	_, err = signer.Verify(state)
	assert.True(t, errors.Is(err, store.ErrDecryptionFailure))

	// signer with different secret must reject
	other, err := NewHasherStateSigner("other")
	require.NoError(t, err)
	_, err = other.Verify(signer.Sign(state))
	assert.True(t, errors.Is(err, store.ErrDecryptionFailure))
}
