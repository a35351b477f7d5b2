package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestResolveDerivesDeviceFromLocalPart(t *testing.T) {
	r := NewResolver([]string{"Ops@Example.com"})

	cases := []struct {
		email  string
		device string
		admin  bool
	}{
		{"contact@example.com", "contact", false},
		{"Shey@Example.com", "shey", false},
		{"ops@example.com", "ops", true},
		{"OPS@EXAMPLE.COM", "ops", true},
		{"noatsign", "noatsign", false},
		{"a@b@c", "a", false},
	}
	for _, tc := range cases {
		t.Run(tc.email, func(t *testing.T) {
			p, scope, err := r.Resolve(&Claims{Email: tc.email})
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			want := strings.ToLower(strings.SplitN(tc.email, "@", 2)[0])
			if string(p.Device) != want || want != tc.device {
				t.Fatalf("device=%q want %q", p.Device, tc.device)
			}
			if p.IsAdmin != tc.admin || scope.All() != tc.admin {
				t.Fatalf("admin=%v scope.All=%v want %v", p.IsAdmin, scope.All(), tc.admin)
			}
			if !tc.admin && scope.Device() != p.Device {
				t.Fatalf("scope device %q != principal device %q", scope.Device(), p.Device)
			}
		})
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	r := NewResolver(nil)
	claims := &Claims{Email: "KhanDilawar1441@example.com"}
	p1, s1, err1 := r.Resolve(claims)
	p2, s2, err2 := r.Resolve(claims)
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v %v", err1, err2)
	}
	if p1 != p2 || s1 != s2 {
		t.Fatalf("resolution not idempotent: %+v %+v", p1, p2)
	}
}

func TestResolveRejectsTopicWildcardsInLocalPart(t *testing.T) {
	r := NewResolver(nil)
	for _, email := range []string{"pump+farm@example.com", "pump#1@example.com", "a/b@example.com"} {
		if _, err := r.PrincipalForEmail(email); !errors.Is(err, ErrMissingIdentity) {
			t.Fatalf("expected ErrMissingIdentity for %q, got %v", email, err)
		}
	}
	if p, err := r.PrincipalForEmail("pump-farm@example.com"); err != nil || p.Device != "pump-farm" {
		t.Fatalf("unexpected resolution %+v %v", p, err)
	}
}

func TestResolveMissingEmail(t *testing.T) {
	r := NewResolver(nil)
	for _, claims := range []*Claims{nil, {}, {Email: "   "}, {Email: "@example.com"}} {
		if _, _, err := r.Resolve(claims); !errors.Is(err, ErrMissingIdentity) {
			t.Fatalf("expected ErrMissingIdentity for %+v, got %v", claims, err)
		}
	}
}
