package crypt

// Package crypt implements the versioned AEAD envelope used for encrypted
// string fields (robot tokens, mirror credentials, oauth client secrets) and
// the HMAC-signed serialization of resumable hasher state.
//
// Envelope format: <version-prefix> "$$" base64(nonce || ciphertext || tag).
// The version prefix allows in-place rotation to future schemes while keeping
// decrypt of already persisted values working.

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"

	"github.com/ocistack/stevedore/app/store"
)

const (
	envelopeSeparator = "$$"

	// v0 is AES-256-GCM with a pbkdf2-derived key and a 12 byte random nonce
	schemeV0 = "v0"

	keyIterations = 4096
	keyLength     = 32
)

var keySalt = []byte("stevedore-field-encryption")

// FieldEncrypter encrypts and decrypts string field values under a key derived
// from the configured secret.
type FieldEncrypter struct {
	key []byte
}

// NewFieldEncrypter derives the AEAD key from the process secret.
func NewFieldEncrypter(secret string) (*FieldEncrypter, error) {
	if secret == "" {
		return nil, errors.New("field encryption secret is empty")
	}
	return &FieldEncrypter{key: pbkdf2.Key([]byte(secret), keySalt, keyIterations, keyLength, sha256.New)}, nil
}

// EncryptValue seals the plaintext into a v0 envelope.
func (e *FieldEncrypter) EncryptValue(plaintext string) (string, error) {
	aead, err := e.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "failed to generate nonce")
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return schemeV0 + envelopeSeparator + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptValue opens an envelope produced by any supported scheme version.
// A wrong key or tampered ciphertext yields store.ErrDecryptionFailure.
func (e *FieldEncrypter) DecryptValue(envelope string) (string, error) {
	version, payload, found := strings.Cut(envelope, envelopeSeparator)
	if !found {
		return "", errors.Wrap(store.ErrDecryptionFailure, "missing envelope separator")
	}
	if version != schemeV0 {
		return "", errors.Wrapf(store.ErrDecryptionFailure, "unknown scheme version %q", version)
	}

	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", errors.Wrap(store.ErrDecryptionFailure, "bad base64 payload")
	}

	aead, err := e.aead()
	if err != nil {
		return "", err
	}
	if len(sealed) < aead.NonceSize() {
		return "", errors.Wrap(store.ErrDecryptionFailure, "payload shorter than nonce")
	}

	plaintext, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], nil)
	if err != nil {
		return "", store.ErrDecryptionFailure
	}
	return string(plaintext), nil
}

// Wrap returns a lazy wrapper over a persisted envelope. Decryption happens on
// first use, not on row load.
func (e *FieldEncrypter) Wrap(envelope string) *LazyEncrypted {
	return &LazyEncrypted{encrypter: e, envelope: envelope}
}

func (e *FieldEncrypter) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to init cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to init aead")
	}
	return aead, nil
}

// LazyEncrypted holds ciphertext and decrypts on demand. It deliberately has no
// String, Equal or comparison surface so application code cannot leak plaintext
// through comparisons; only Matches and Decrypt are available.
type LazyEncrypted struct {
	encrypter *FieldEncrypter
	envelope  string
}

// Matches decrypts and compares with the candidate plaintext in constant
// time. Any decryption failure reads as no-match.
func (l *LazyEncrypted) Matches(plaintext string) bool {
	v, err := l.encrypter.DecryptValue(l.envelope)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(v), []byte(plaintext)) == 1
}

// Decrypt returns the plaintext or store.ErrDecryptionFailure.
func (l *LazyEncrypted) Decrypt() (string, error) {
	return l.encrypter.DecryptValue(l.envelope)
}
