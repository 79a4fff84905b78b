package embedded

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine"
)

// CreateAppSpecificToken persists a long-lived user token. The secret arrives
// already hashed, the redisplay copy already encrypted.
func (e *Embedded) CreateAppSpecificToken(ctx context.Context, token *store.AppSpecificToken) error {
	if token.CreatedAtMs == 0 {
		token.CreatedAtMs = nowMs()
	}
	res, err := e.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (uuid, user_id, title, token_name, token_hash, encrypted_token, created_at_ms, expiration_ms, last_accessed_ms)
		 values(?, ?, ?, ?, ?, ?, ?, ?, ?)`, appTokensTable),
		token.UUID, token.UserID, token.Title, token.TokenName, string(token.TokenSecret.Hash),
		token.EncryptedToken, token.CreatedAtMs, token.ExpirationMs, token.LastAccessedMs)
	if err != nil {
		return errors.Wrapf(err, "failed to create app token %s", token.UUID)
	}
	token.ID, err = res.LastInsertId()
	return err
}

// LookupAppSpecificToken resolves a token by its prefix name and touches the
// last-access timestamp. Expired tokens are not returned.
func (e *Embedded) LookupAppSpecificToken(ctx context.Context, tokenName string) (t store.AppSpecificToken, err error) {
	var hash string
	now := nowMs()
	err = e.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, uuid, user_id, title, token_name, token_hash, encrypted_token, created_at_ms, expiration_ms, last_accessed_ms
		 FROM %s WHERE token_name = ? AND (expiration_ms IS NULL OR expiration_ms > ?)`, appTokensTable),
		tokenName, now).Scan(&t.ID, &t.UUID, &t.UserID, &t.Title, &t.TokenName, &hash,
		&t.EncryptedToken, &t.CreatedAtMs, &t.ExpirationMs, &t.LastAccessedMs)
	if err == sql.ErrNoRows {
		return t, engine.ErrNotFound
	}
	if err != nil {
		return t, errors.Wrap(err, "failed to lookup app token")
	}
	t.TokenSecret = store.Credential{Hash: []byte(hash)}

	if _, err = e.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET last_accessed_ms = ? WHERE id = ?`, appTokensTable), now, t.ID); err != nil {
		return t, errors.Wrap(err, "failed to touch app token")
	}
	t.LastAccessedMs = &now
	return t, nil
}

// DeleteExpiredAppTokens removes tokens whose expiration passed more than the
// grace window ago and returns the count.
func (e *Embedded) DeleteExpiredAppTokens(ctx context.Context, window time.Duration) (int64, error) {
	threshold := nowMs() - window.Milliseconds()
	res, err := e.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expiration_ms IS NOT NULL AND expiration_ms < ?`, appTokensTable), threshold)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete expired app tokens")
	}
	return res.RowsAffected()
}

// CreateOAuthAccessToken persists an issued bearer token.
func (e *Embedded) CreateOAuthAccessToken(ctx context.Context, token *store.OAuthAccessToken) error {
	res, err := e.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (application_id, user_id, token_name, token_hash, scope, expires_at_ms) values(?, ?, ?, ?, ?, ?)`,
		oauthTokensTable),
		token.ApplicationID, token.UserID, token.TokenName, string(token.TokenSecret.Hash), token.Scope, token.ExpiresAtMs)
	if err != nil {
		return errors.Wrap(err, "failed to create oauth access token")
	}
	token.ID, err = res.LastInsertId()
	return err
}

// LookupOAuthAccessToken resolves an unexpired bearer token by prefix name.
func (e *Embedded) LookupOAuthAccessToken(ctx context.Context, tokenName string) (t store.OAuthAccessToken, err error) {
	var hash string
	err = e.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, application_id, user_id, token_name, token_hash, scope, expires_at_ms
		 FROM %s WHERE token_name = ? AND expires_at_ms > ?`, oauthTokensTable),
		tokenName, nowMs()).Scan(&t.ID, &t.ApplicationID, &t.UserID, &t.TokenName, &hash, &t.Scope, &t.ExpiresAtMs)
	if err == sql.ErrNoRows {
		return t, engine.ErrNotFound
	}
	if err != nil {
		return t, errors.Wrap(err, "failed to lookup oauth access token")
	}
	t.TokenSecret = store.Credential{Hash: []byte(hash)}
	return t, nil
}

// CreateOAuthAuthorizationCode persists a short-lived authorization code.
func (e *Embedded) CreateOAuthAuthorizationCode(ctx context.Context, code *store.OAuthAuthorizationCode) error {
	res, err := e.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (application_id, code_name, code_hash, scope, expires_at_ms) values(?, ?, ?, ?, ?)`,
		oauthCodesTable),
		code.ApplicationID, code.CodeName, string(code.CodeSecret.Hash), code.Scope, code.ExpiresAtMs)
	if err != nil {
		return errors.Wrap(err, "failed to create oauth authorization code")
	}
	code.ID, err = res.LastInsertId()
	return err
}

// LookupOAuthAuthorizationCode resolves an unexpired code by prefix name.
func (e *Embedded) LookupOAuthAuthorizationCode(ctx context.Context, codeName string) (c store.OAuthAuthorizationCode, err error) {
	var hash string
	err = e.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, application_id, code_name, code_hash, scope, expires_at_ms
		 FROM %s WHERE code_name = ? AND expires_at_ms > ?`, oauthCodesTable),
		codeName, nowMs()).Scan(&c.ID, &c.ApplicationID, &c.CodeName, &hash, &c.Scope, &c.ExpiresAtMs)
	if err == sql.ErrNoRows {
		return c, engine.ErrNotFound
	}
	if err != nil {
		return c, errors.Wrap(err, "failed to lookup oauth authorization code")
	}
	c.CodeSecret = store.Credential{Hash: []byte(hash)}
	return c, nil
}
