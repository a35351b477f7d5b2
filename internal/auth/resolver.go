package auth

import (
	"fmt"
	"strings"

	"pumpctl.org/internal/device"
)

// Resolver maps verified claims to a principal and its scope.
type Resolver struct {
	admins map[string]struct{}
}

// NewResolver builds a resolver with a case-insensitive admin allowlist.
func NewResolver(adminEmails []string) *Resolver {
	set := make(map[string]struct{}, len(adminEmails))
	for _, e := range adminEmails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		set[e] = struct{}{}
	}
	return &Resolver{admins: set}
}

// Resolve derives the session identity. Claims must already be verified.
// A missing email is a hard failure; callers must deny the session.
func (r *Resolver) Resolve(claims *Claims) (Principal, Scope, error) {
	if claims == nil {
		return Principal{}, Scope{}, ErrMissingIdentity
	}
	p, err := r.PrincipalForEmail(claims.Email)
	if err != nil {
		return Principal{}, Scope{}, err
	}
	return p, ScopeFor(p), nil
}

// PrincipalForEmail applies the email → device mapping.
func (r *Resolver) PrincipalForEmail(email string) (Principal, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return Principal{}, ErrMissingIdentity
	}
	local, _, _ := strings.Cut(email, "@")
	// The local part becomes a topic segment, so MQTT wildcards such as the
	// '+' of plus-addressing cannot map to a device.
	id, err := device.ParseID(local)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: email %q has no usable local part", ErrMissingIdentity, email)
	}
	_, admin := r.admins[strings.ToLower(email)]
	return Principal{Email: email, Device: id, IsAdmin: admin}, nil
}
