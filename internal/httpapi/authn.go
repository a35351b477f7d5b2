package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"pumpctl.org/internal/auth"
	"pumpctl.org/internal/obs"
)

const (
	authHeader  = "Authorization"
	bearer      = "Bearer "
	tokenCookie = "id_token"
)

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
}

// withAuth verifies the bearer token (or id_token cookie), resolves the
// principal and scope, and stores them in the request context. A token
// without a usable email is refused; there is no anonymous session.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if a.verifier == nil || a.resolver == nil {
			writeError(w, r, http.StatusServiceUnavailable, "authentication is not configured")
			return
		}

		token, err := extractToken(r)
		if err != nil {
			unauthorized(w, r, err.Error())
			return
		}
		claims, err := a.verifier.Verify(r.Context(), token)
		if err != nil {
			obs.Debug("token_rejected", map[string]any{"request_id": RequestIDFromContext(r.Context()), "error": err})
			unauthorized(w, r, "invalid token")
			return
		}
		principal, scope, err := a.resolver.Resolve(claims)
		if err != nil {
			obs.Warn("identity_rejected", map[string]any{"request_id": RequestIDFromContext(r.Context()), "error": err})
			unauthorized(w, r, "missing identity")
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithScope(ctx, scope)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="pumpd"`)
	writeError(w, r, http.StatusUnauthorized, msg)
}

func extractToken(r *http.Request) (string, error) {
	if header := strings.TrimSpace(r.Header.Get(authHeader)); header != "" {
		return extractBearerToken(header)
	}
	if c, err := r.Cookie(tokenCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value), nil
	}
	return "", errors.New("missing bearer token")
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
