// Package telemetry fans decoded sensor frames out to the tasks that consume
// them. Each topic keeps only its latest value; readers never block the
// writer or each other.
package telemetry

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Changed once the watch is closed and the reader
// has seen its final value.
var ErrClosed = errors.New("telemetry closed")

var closedCh = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Watch holds a single value with a version counter. Publishing replaces the
// value and wakes every waiting Receiver.
type Watch[T any] struct {
	mu      sync.Mutex
	value   T
	version uint64
	notify  chan struct{}
	closed  bool
}

// NewWatch returns a watch holding initial.
func NewWatch[T any](initial T) *Watch[T] {
	return &Watch[T]{value: initial, notify: make(chan struct{})}
}

// Publish stores v. It is a no-op after Close.
func (w *Watch[T]) Publish(v T) {
	w.Update(func(cur *T) bool {
		*cur = v
		return true
	})
}

// Update calls fn with the current value under the lock; when fn reports a
// modification the new value is published. It returns what fn returned.
func (w *Watch[T]) Update(fn func(*T) bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	if !fn(&w.value) {
		return false
	}
	w.version++
	close(w.notify)
	w.notify = make(chan struct{})
	return true
}

// Latest returns the current value.
func (w *Watch[T]) Latest() T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value
}

// Close wakes every receiver; later publishes are dropped.
func (w *Watch[T]) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.notify)
}

// Subscribe returns a receiver that has already seen the current value.
func (w *Watch[T]) Subscribe() *Receiver[T] {
	w.mu.Lock()
	defer w.mu.Unlock()
	return &Receiver[T]{w: w, seen: w.version}
}

// Receiver tracks which version of a Watch one reader has seen.
// A Receiver must not be shared between goroutines.
type Receiver[T any] struct {
	w    *Watch[T]
	seen uint64
}

// Borrow returns the latest value and marks it seen.
func (r *Receiver[T]) Borrow() T {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	r.seen = r.w.version
	return r.w.value
}

// Ready returns a channel that is closed once there is an unseen value or
// the watch is closed. Fetch a fresh channel after every Borrow.
func (r *Receiver[T]) Ready() <-chan struct{} {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	if r.w.version != r.seen || r.w.closed {
		return closedCh
	}
	return r.w.notify
}

// HasChanged reports whether there is an unseen value without waiting. It
// returns ErrClosed when the watch is closed and nothing new remains.
func (r *Receiver[T]) HasChanged() (bool, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	if r.w.version != r.seen {
		return true, nil
	}
	if r.w.closed {
		return false, ErrClosed
	}
	return false, nil
}

// Changed waits until there is an unseen value. It returns ErrClosed when
// the watch is closed and nothing new remains, or ctx's error.
func (r *Receiver[T]) Changed(ctx context.Context) error {
	for {
		select {
		case <-r.Ready():
		case <-ctx.Done():
			return ctx.Err()
		}
		r.w.mu.Lock()
		unseen, closed := r.w.version != r.seen, r.w.closed
		r.w.mu.Unlock()
		switch {
		case unseen:
			return nil
		case closed:
			return ErrClosed
		}
	}
}
