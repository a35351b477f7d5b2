package ids

import (
	"testing"
	"time"
)

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("unexpected ulid length: %q %q", a, b)
	}
	if a >= b {
		t.Fatalf("expected monotonic ids, got %s then %s", a, b)
	}
}

func TestTokenMonotonicWithinSameMillisecond(t *testing.T) {
	now := time.Now()
	first := Token(now)
	second := Token(now)
	third := Token(now.Add(-time.Second))
	if !(first < second && second < third) {
		t.Fatalf("tokens not strictly increasing: %d %d %d", first, second, third)
	}
	if first < now.UnixMilli() {
		t.Fatalf("token %d predates clock %d", first, now.UnixMilli())
	}
}
