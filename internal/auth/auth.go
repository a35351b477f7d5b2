package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "pumpctl"

var errMissingSecret = fmt.Errorf("%w: auth secret is not configured", ErrInvalidInput)

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("invalid token")

// Claims represents the identity claims consumed by the session layer.
type Claims struct {
	Email    string `json:"email"`
	TokenUse string `json:"token_use,omitempty"`
	jwt.RegisteredClaims
}

// Verifier turns a raw token into verified claims.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// HMACVerifier signs and verifies HS256 tokens. It backs local development,
// the CLI and tests; production deployments verify identity provider tokens
// with JWKSVerifier.
type HMACVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// HMACOption configures HMACVerifier.
type HMACOption func(*HMACVerifier)

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) HMACOption {
	return func(v *HMACVerifier) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			v.issuer = issuer
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) HMACOption {
	return func(v *HMACVerifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

// NewHMACVerifier requires a non-empty secret.
func NewHMACVerifier(secret string, opts ...HMACOption) (*HMACVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	v := &HMACVerifier{secret: []byte(secret), issuer: defaultIssuer, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// GenerateToken signs an id token carrying the given email.
func (v *HMACVerifier) GenerateToken(email string, ttl time.Duration) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}
	now := v.now().UTC()
	claims := Claims{
		Email:    email,
		TokenUse: "id",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer and timestamps.
func (v *HMACVerifier) Verify(_ context.Context, token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithExpirationRequired(), jwt.WithIssuedAt())
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := validateClaims(claims, v.issuer); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func validateClaims(claims *Claims, issuer string) error {
	if issuer != "" && claims.Issuer != issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	if claims.TokenUse != "" && claims.TokenUse != "id" {
		return errors.New("token is not an id token")
	}
	return nil
}
