package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)

	tokenMu   sync.Mutex
	lastToken int64
)

// New returns a lexicographically sortable identifier for sessions and
// transport client names.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Token returns a millisecond creation-time token that is strictly greater
// than every token previously returned by this process.
func Token(now time.Time) int64 {
	tokenMu.Lock()
	defer tokenMu.Unlock()
	v := now.UnixMilli()
	if v <= lastToken {
		v = lastToken + 1
	}
	lastToken = v
	return v
}
