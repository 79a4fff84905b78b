package store

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// Credential is a bcrypt hash with a constant-time match predicate. The
// plaintext never leaves the call which created it.
type Credential struct {
	Hash []byte `json:"-"`
}

// NewCredential hashes the plaintext with the given bcrypt cost. Cost 0 selects
// the library default.
func NewCredential(plaintext string, cost int) (Credential, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(plaintext), cost)
	if err != nil {
		return Credential{}, errors.Wrap(err, "failed to hash credential")
	}
	return Credential{Hash: h}, nil
}

// Matches verifies plaintext against the stored hash in constant time.
func (c Credential) Matches(plaintext string) bool {
	return bcrypt.CompareHashAndPassword(c.Hash, []byte(plaintext)) == nil
}

// prefix+secret token format: the first TokenNamePrefixLength bytes of a token
// string are an indexed lookup name, the remainder is verified against a stored
// credential. Wrong-length input fails closed without touching the store.
const (
	TokenNamePrefixLength = 60
	TokenSecretMinLength  = 60
)

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateTokenString produces a fresh random prefix+secret token and returns
// the full string with its parts.
func GenerateTokenString() (full, name, secret string, err error) {
	name, err = randomString(TokenNamePrefixLength)
	if err != nil {
		return "", "", "", err
	}
	secret, err = randomString(TokenSecretMinLength)
	if err != nil {
		return "", "", "", err
	}
	return name + secret, name, secret, nil
}

// SplitTokenString splits a presented token into prefix name and secret.
// Returns ok=false for input which cannot possibly be a valid token.
func SplitTokenString(token string) (name, secret string, ok bool) {
	if len(token) < TokenNamePrefixLength+TokenSecretMinLength {
		return "", "", false
	}
	return token[:TokenNamePrefixLength], token[TokenNamePrefixLength:], true
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", errors.Wrap(err, "failed to read random source")
		}
		b[i] = tokenAlphabet[idx.Int64()]
	}
	return string(b), nil
}

// AppSpecificToken is a long-lived user token. The secret is verified via the
// hashed credential, the full token is additionally kept field-encrypted for
// one-time redisplay.
type AppSpecificToken struct {
	ID             int64      `json:"id"`
	UUID           string     `json:"uuid"`
	UserID         int64      `json:"user_id"`
	Title          string     `json:"title"`
	TokenName      string     `json:"-"`
	TokenSecret    Credential `json:"-"`
	EncryptedToken string     `json:"-"` // crypt envelope, lazy decrypted
	CreatedAtMs    int64      `json:"created_at_ms"`
	ExpirationMs   *int64     `json:"expiration_ms,omitempty"`
	LastAccessedMs *int64     `json:"last_accessed_ms,omitempty"`
}

// OAuthApplication is a registered OAuth 2.0 client. ClientSecret uses the
// encryption envelope rather than hashing, it must be redisplayable.
type OAuthApplication struct {
	ID           int64  `json:"id"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"` // crypt envelope
	Name         string `json:"name"`
	RedirectURI  string `json:"redirect_uri"`
}

// OAuthAccessToken is an issued bearer token in prefix+secret form.
type OAuthAccessToken struct {
	ID            int64      `json:"id"`
	ApplicationID int64      `json:"application_id"`
	UserID        int64      `json:"user_id"`
	TokenName     string     `json:"-"`
	TokenSecret   Credential `json:"-"`
	Scope         string     `json:"scope"`
	ExpiresAtMs   int64      `json:"expires_at_ms"`
}

// OAuthAuthorizationCode is a short-lived authorization-code-flow code in
// prefix+secret form.
type OAuthAuthorizationCode struct {
	ID            int64      `json:"id"`
	ApplicationID int64      `json:"application_id"`
	CodeName      string     `json:"-"`
	CodeSecret    Credential `json:"-"`
	Scope         string     `json:"scope"`
	ExpiresAtMs   int64      `json:"expires_at_ms"`
}
