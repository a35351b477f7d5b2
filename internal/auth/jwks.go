package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSVerifier validates identity provider id tokens (RS256) against one or
// more JWKS endpoints. Keys are cached and refreshed by keyfunc, so there is
// no network call per token.
type JWKSVerifier struct {
	kf       jwt.Keyfunc
	issuer   string
	audience string
}

// NewJWKSVerifier fetches the key sets from the comma-separated URLs.
func NewJWKSVerifier(ctx context.Context, jwksURLs, issuer, audience string) (*JWKSVerifier, error) {
	urls := splitTrimmed(jwksURLs)
	if len(urls) == 0 {
		return nil, fmt.Errorf("auth: no JWKS URLs provided")
	}
	k, err := keyfunc.NewDefaultCtx(ctx, urls)
	if err != nil {
		return nil, fmt.Errorf("auth: fetch JWKS: %w", err)
	}
	return newJWKSVerifier(k.Keyfunc, issuer, audience), nil
}

func newJWKSVerifier(kf jwt.Keyfunc, issuer, audience string) *JWKSVerifier {
	return &JWKSVerifier{
		kf:       kf,
		issuer:   strings.TrimSpace(issuer),
		audience: strings.TrimSpace(audience),
	}
}

// Verify parses the token and enforces issuer, audience and token_use=id.
func (v *JWKSVerifier) Verify(_ context.Context, token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, v.kf, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenUse != "id" {
		return nil, fmt.Errorf("%w: token is not an id token", ErrInvalidToken)
	}
	return claims, nil
}

func splitTrimmed(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
