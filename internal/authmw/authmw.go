// Package authmw implements the bearer-token and query-token guards the
// HTTP layer wraps its routes in: RequireAPIKey for tenant-scoped routes,
// RequireMasterToken for admin routes, and a query-parameter variant of the
// master-token check for admin HTML pages that can't set an Authorization
// header. Error messages come from the fixed domain.AuthErr* set so clients
// can match on them.
package authmw

import (
	"context"
	"net/http"
	"strings"

	"transcribeengine/internal/domain"
)

// KeyVerifier is the KeyManager subset used to check API keys.
type KeyVerifier interface {
	VerifyAPIKey(ctx context.Context, key string) (bool, error)
}

// MasterVerifier is the KeyManager subset used to check master tokens.
type MasterVerifier interface {
	VerifyMasterToken(ctx context.Context, token string) (bool, error)
}

type contextKey string

const apiKeyContextKey contextKey = "authAPIKey"

// APIKeyFromContext returns the verified API key stored by RequireAPIKey.
func APIKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(apiKeyContextKey).(string)
	return key, ok
}

func extractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errAuth(domain.AuthErrMissingToken)
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errAuth(domain.AuthErrInvalidFormat)
	}
	return strings.TrimPrefix(header, "Bearer "), nil
}

// authError carries the exact message the HTTP layer should put in a 401
// body's "detail" field.
type authError struct{ message string }

func (e authError) Error() string { return e.message }

func errAuth(message string) error { return authError{message} }

// WriteUnauthorized maps err (if it is an authmw error) to a 401 response
// with {"detail": message}; the caller (HTTP layer) supplies the encoder.
func WriteUnauthorized(w http.ResponseWriter, err error, encodeDetail func(http.ResponseWriter, int, string)) {
	message := "Unauthorized"
	if ae, ok := err.(authError); ok {
		message = ae.message
	}
	encodeDetail(w, http.StatusUnauthorized, message)
}

// RequireAPIKey wraps next so it only runs once the Authorization header
// carries a bearer token verified against verifier. On success, the
// verified key is placed in the request context (APIKeyFromContext).
func RequireAPIKey(verifier KeyVerifier, onUnauthorized func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := extractBearer(r)
			if err != nil {
				onUnauthorized(w, r, err)
				return
			}
			ok, verr := verifier.VerifyAPIKey(r.Context(), key)
			if verr != nil {
				onUnauthorized(w, r, verr)
				return
			}
			if !ok {
				onUnauthorized(w, r, errAuth(domain.AuthErrInvalidAPIKey))
				return
			}
			ctx := context.WithValue(r.Context(), apiKeyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireMasterToken wraps next so it only runs once the Authorization
// header carries a bearer token verified as a master token.
func RequireMasterToken(verifier MasterVerifier, onUnauthorized func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractBearer(r)
			if err != nil {
				onUnauthorized(w, r, err)
				return
			}
			ok, verr := verifier.VerifyMasterToken(r.Context(), token)
			if verr != nil {
				onUnauthorized(w, r, verr)
				return
			}
			if !ok {
				onUnauthorized(w, r, errAuth(domain.AuthErrInvalidMasterToken))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireMasterTokenQuery verifies a master token passed as the
// "master_token" query parameter instead of a header -- used by admin HTML
// pages that cannot set an Authorization header.
func RequireMasterTokenQuery(verifier MasterVerifier, onUnauthorized func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.URL.Query().Get("master_token")
			if token == "" {
				onUnauthorized(w, r, errAuth(domain.AuthErrMissingMasterQuery))
				return
			}
			ok, verr := verifier.VerifyMasterToken(r.Context(), token)
			if verr != nil {
				onUnauthorized(w, r, verr)
				return
			}
			if !ok {
				onUnauthorized(w, r, errAuth(domain.AuthErrInvalidMasterToken))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
