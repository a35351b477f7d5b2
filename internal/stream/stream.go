package stream

import (
	"context"
	"sync"
)

// Stream fan-outs values to all active subscribers (SSE clients, CLI watchers).
type Stream[T any] struct {
	mu     sync.RWMutex
	subs   map[int]chan T
	next   int
	buffer int
	closed bool
	done   chan struct{}
}

// New initialises an empty stream; each subscriber gets a channel with the
// given buffer.
func New[T any](buffer int) *Stream[T] {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream[T]{subs: make(map[int]chan T), buffer: buffer, done: make(chan struct{})}
}

// Subscribe registers a subscriber and returns a channel which will receive values.
// The channel is closed when the provided context ends or the stream is closed.
func (s *Stream[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, s.buffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
			return
		}
		s.mu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the value to all subscribers.
func (s *Stream[T]) Publish(v T) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Len is the number of live subscribers.
func (s *Stream[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Close ends every subscription.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
