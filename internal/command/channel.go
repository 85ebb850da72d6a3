// Package command is the single ordered path from every producer (control
// tasks, the operator gateway, shutdown) to the link writer.
package command

import (
	"context"
	"errors"
	"sync"

	"roland/internal/protocol"
)

// ErrClosed is returned once the channel no longer accepts or delivers frames.
var ErrClosed = errors.New("command channel closed")

// DefaultCapacity matches the controller's receive queue depth.
const DefaultCapacity = 32

// Neutral returns the sequence that puts every peripheral in a safe state:
// buzzer off, LED dark, servo centred, motors stopped.
func Neutral() []protocol.CommandFrame {
	return []protocol.CommandFrame{
		protocol.Buzzer{Freq: 0},
		protocol.LED{R: 0, G: 0, B: 0},
		protocol.Servo{Degrees: 0},
		protocol.Motor{Left: 0, Right: 0},
	}
}

// Channel is a bounded FIFO with many producers and one consumer. Producers
// block while it is full; nothing is ever dropped.
type Channel struct {
	queue chan protocol.CommandFrame
	// lock serialises producers so that SendAll is contiguous. It is a
	// channel so that waiting for it can be cancelled.
	lock chan struct{}
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	shutdown  bool
}

// NewChannel returns a channel holding at most capacity queued frames.
func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Channel{
		queue: make(chan protocol.CommandFrame, capacity),
		lock:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Send enqueues f, waiting for room if necessary.
func (c *Channel) Send(ctx context.Context, f protocol.CommandFrame) error {
	return c.SendAll(ctx, f)
}

// SendAll enqueues fs back to back; no other producer's frame lands between
// them. If ctx ends midway the frames already accepted stay queued.
func (c *Channel) SendAll(ctx context.Context, fs ...protocol.CommandFrame) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	if c.isShutdown() {
		return ErrClosed
	}
	return c.enqueue(ctx, fs)
}

// Shutdown enqueues Reset{Neutral()} as the final frame. Every later send
// fails with ErrClosed; frames already queued are still delivered.
func (c *Channel) Shutdown(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	if c.isShutdown() {
		return ErrClosed
	}
	c.mu.Lock()
	c.shutdown = true
	c.mu.Unlock()
	return c.enqueue(ctx, []protocol.CommandFrame{protocol.Reset{Commands: Neutral()}})
}

// Receive returns the oldest queued frame, blocking until one exists.
func (c *Channel) Receive(ctx context.Context) (protocol.CommandFrame, error) {
	select {
	case f := <-c.queue:
		return f, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases every blocked producer and consumer with ErrClosed. It is
// used when the link is gone and queued frames can no longer be delivered.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.shutdown = true
		c.mu.Unlock()
		close(c.done)
	})
}

// Done is closed by Close.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Len returns the number of queued frames.
func (c *Channel) Len() int { return len(c.queue) }

// Cap returns the channel capacity.
func (c *Channel) Cap() int { return cap(c.queue) }

func (c *Channel) isShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

func (c *Channel) acquire(ctx context.Context) error {
	select {
	case c.lock <- struct{}{}:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) release() { <-c.lock }

func (c *Channel) enqueue(ctx context.Context, fs []protocol.CommandFrame) error {
	for _, f := range fs {
		select {
		case c.queue <- f:
		case <-c.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
