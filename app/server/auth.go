package server

import (
	"context"
	"net/http"
	"strings"

	log "github.com/go-pkgz/lgr"

	"github.com/ocistack/stevedore/app/store"
)

// tokenStore resolves app-specific tokens by their prefix name.
type tokenStore interface {
	LookupAppSpecificToken(ctx context.Context, tokenName string) (store.AppSpecificToken, error)
}

// tokenAuthenticator gates requests on a valid app-specific token presented as
// the basic-auth password, the username is ignored. Docker clients send
// `docker login -u <anything> -p <token>`.
type tokenAuthenticator struct {
	eng     tokenStore
	enabled bool
	l       log.L
}

// Handler wraps next with token verification. Disabled auth passes everything
// through, registries behind a trusted proxy run that way.
func (a *tokenAuthenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled {
			next.ServeHTTP(w, r)
			return
		}
		_, password, ok := r.BasicAuth()
		if !ok || !a.verify(r.Context(), password) {
			a.unauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *tokenAuthenticator) verify(ctx context.Context, token string) bool {
	name, secret, ok := store.SplitTokenString(token)
	if !ok {
		return false
	}
	// the lookup filters expired tokens itself
	appToken, err := a.eng.LookupAppSpecificToken(ctx, name)
	if err != nil {
		return false
	}
	return appToken.TokenSecret.Matches(secret)
}

func (a *tokenAuthenticator) unauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Basic realm="registry"`)
	if strings.HasPrefix(r.URL.Path, "/v2") {
		sendOCIError(w, r, a.l, http.StatusUnauthorized, errCodeUnauthorized, "authentication required", nil)
		return
	}
	SendErrorJSON(w, r, a.l, http.StatusUnauthorized, nil, "authentication required")
}
