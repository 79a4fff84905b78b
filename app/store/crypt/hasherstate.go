package crypt

// Persisted rolling-SHA state for resumable blob uploads. Stored as
// version(1B) || mac(32B) || length(4B) || hasher-native-state-bytes, where mac
// is HMAC-SHA256 over length||state. Unsigned legacy blobs are rejected
// outright, the stored format must never be a deserialization gadget.

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/store"
)

const (
	hasherStateVersion = 0x01
	hasherMacSize      = sha256.Size
	hasherHeaderSize   = 1 + hasherMacSize + 4
)

// HasherStateSigner signs and verifies serialized hasher state under a key
// derived from the same process secret as field encryption.
type HasherStateSigner struct {
	key []byte
}

// NewHasherStateSigner derives the signing key from the process secret.
func NewHasherStateSigner(secret string) (*HasherStateSigner, error) {
	if secret == "" {
		return nil, errors.New("hasher state signing secret is empty")
	}
	sum := sha256.Sum256([]byte("stevedore-hasher-state:" + secret))
	return &HasherStateSigner{key: sum[:]}, nil
}

// Sign wraps native hasher state bytes into the signed format.
func (s *HasherStateSigner) Sign(state []byte) []byte {
	body := make([]byte, 4+len(state))
	binary.BigEndian.PutUint32(body, uint32(len(state)))
	copy(body[4:], state)

	mac := hmac.New(sha256.New, s.key)
	mac.Write(body)

	out := make([]byte, 0, hasherHeaderSize+len(state))
	out = append(out, hasherStateVersion)
	out = append(out, mac.Sum(nil)...)
	out = append(out, body...)
	return out
}

// Verify checks the signature and returns the native hasher state bytes.
// Unsigned or tampered blobs yield store.ErrDecryptionFailure.
func (s *HasherStateSigner) Verify(blob []byte) ([]byte, error) {
	if len(blob) < hasherHeaderSize {
		return nil, errors.Wrap(store.ErrDecryptionFailure, "hasher state blob too short")
	}
	if blob[0] != hasherStateVersion {
		return nil, errors.Wrapf(store.ErrDecryptionFailure, "unknown hasher state version %d", blob[0])
	}

	declaredMac := blob[1 : 1+hasherMacSize]
	body := blob[1+hasherMacSize:]

	mac := hmac.New(sha256.New, s.key)
	mac.Write(body)
	if !hmac.Equal(declaredMac, mac.Sum(nil)) {
		return nil, errors.Wrap(store.ErrDecryptionFailure, "hasher state signature mismatch")
	}

	length := binary.BigEndian.Uint32(body[:4])
	if int(length) != len(body)-4 {
		return nil, errors.Wrap(store.ErrDecryptionFailure, "hasher state length mismatch")
	}
	return body[4:], nil
}
