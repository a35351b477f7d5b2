// Package transfer splits firmware images into ordered chunks and streams
// them to a device at a fixed pace.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultChunkSize = 4096
	DefaultPace      = 50 * time.Millisecond
)

var (
	ErrEmptyPayload = errors.New("transfer: empty payload")
	ErrAborted      = errors.New("transfer: aborted")
)

// Chunk is one segment of a payload. Data aliases the original payload.
type Chunk struct {
	Offset int
	Total  int
	Data   []byte
}

// End is the offset just past this chunk.
func (c Chunk) End() int { return c.Offset + len(c.Data) }

// Plan is a restartable chunking of one payload.
type Plan struct {
	payload []byte
	size    int
}

// Split prepares payload for transfer in chunks of size bytes (DefaultChunkSize
// when size <= 0).
func Split(payload []byte, size int) (*Plan, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &Plan{payload: payload, size: size}, nil
}

// Total is the payload length in bytes.
func (p *Plan) Total() int { return len(p.payload) }

// Len is the number of chunks.
func (p *Plan) Len() int { return (len(p.payload) + p.size - 1) / p.size }

// Chunks yields the chunks in offset order. Every call starts again at 0.
func (p *Plan) Chunks() iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		total := len(p.payload)
		for off := 0; off < total; off += p.size {
			end := min(off+p.size, total)
			if !yield(Chunk{Offset: off, Total: total, Data: p.payload[off:end]}) {
				return
			}
		}
	}
}

// AbortedError reports the chunk at which a transfer stopped.
type AbortedError struct {
	Offset int
	Total  int
	Err    error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("transfer: aborted at offset %d of %d: %v", e.Offset, e.Total, e.Err)
}

func (e *AbortedError) Unwrap() error { return e.Err }

func (e *AbortedError) Is(target error) bool { return target == ErrAborted }

// SendFunc publishes one chunk.
type SendFunc func(ctx context.Context, c Chunk) error

// Progress is called after every chunk that was sent.
type Progress func(sent, total int)

type Option func(*Uploader)

// WithPace sets the minimum gap between chunks. Zero disables pacing.
func WithPace(d time.Duration) Option {
	return func(u *Uploader) { u.pace = d }
}

func WithProgress(fn Progress) Option {
	return func(u *Uploader) { u.progress = fn }
}

// Uploader sends a Plan chunk by chunk.
type Uploader struct {
	pace     time.Duration
	progress Progress
}

func NewUploader(opts ...Option) *Uploader {
	u := &Uploader{pace: DefaultPace}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upload sends every chunk of p in order. Any send failure, or ctx ending,
// stops the transfer and returns an *AbortedError; there is no resume.
func (u *Uploader) Upload(ctx context.Context, p *Plan, send SendFunc) error {
	limit := rate.Inf
	if u.pace > 0 {
		limit = rate.Every(u.pace)
	}
	lim := rate.NewLimiter(limit, 1)

	for c := range p.Chunks() {
		if err := lim.Wait(ctx); err != nil {
			return &AbortedError{Offset: c.Offset, Total: c.Total, Err: err}
		}
		if err := send(ctx, c); err != nil {
			return &AbortedError{Offset: c.Offset, Total: c.Total, Err: err}
		}
		if u.progress != nil {
			u.progress(c.End(), c.Total)
		}
	}
	return nil
}
