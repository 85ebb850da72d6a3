// Package link runs one session over the byte stream to the controller: a
// read flow that decodes telemetry and a write flow that sends commands.
// The two flows share a fate; when either ends, both end.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"roland/internal/device"
	"roland/internal/protocol"
)

// ReadBufferSize is the size of each blocking read.
const ReadBufferSize = 64

var (
	// ErrClosedByPeer is the cause when the stream reports end of input.
	ErrClosedByPeer = errors.New("link closed by peer")
	// ErrResetSent ends the write flow after a Reset has been written.
	ErrResetSent = errors.New("reset sent")
)

// FrameSink consumes decoded telemetry in stream order.
type FrameSink interface {
	Apply(protocol.TelemetryFrame)
}

// CommandSource yields the next command to write.
type CommandSource interface {
	Receive(ctx context.Context) (protocol.CommandFrame, error)
}

// Session owns a port for its lifetime and closes it when it ends.
type Session struct {
	id   string
	port io.ReadWriteCloser
	sink FrameSink
	cmds CommandSource
	log  zerolog.Logger

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	mu    sync.Mutex
	cause error
}

// NewSession prepares a session; nothing runs until Start.
func NewSession(port io.ReadWriteCloser, sink FrameSink, cmds CommandSource) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		port:   port,
		sink:   sink,
		cmds:   cmds,
		log:    log.With().Str("component", "link").Str("session", id).Logger(),
		cancel: func() {},
		done:   make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Start launches both flows bound to a context derived from ctx. Cancelling
// ctx stops the session.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancel = cancel
		s.mu.Unlock()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.end(ctx, s.readLoop(ctx))
		}()
		go func() {
			defer wg.Done()
			s.end(ctx, s.writeLoop(ctx))
		}()
		go func() {
			wg.Wait()
			s.report()
			close(s.done)
		}()
		s.log.Info().Msg("link session started")
	})
}

// Stop cancels the session. Use Done to wait for both flows.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
	_ = s.port.Close()
}

// Done is closed once both flows have returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cause returns the first reason the session ended, including ErrResetSent
// and context cancellation.
func (s *Session) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Err returns the failure that ended the session, or nil when it ended
// cleanly: a Reset was sent or it was stopped.
func (s *Session) Err() error {
	err := s.Cause()
	if clean(err) {
		return nil
	}
	return err
}

// ResetSent reports whether the session ended after writing a Reset.
func (s *Session) ResetSent() bool {
	return errors.Is(s.Cause(), ErrResetSent)
}

func clean(err error) bool {
	return err == nil || errors.Is(err, ErrResetSent) || errors.Is(err, context.Canceled)
}

// end records the first cause and tears the session down. Closing the port
// is what unblocks a sibling stuck in Read.
func (s *Session) end(ctx context.Context, err error) {
	s.mu.Lock()
	if s.cause == nil {
		if ctx.Err() != nil && !errors.Is(err, ErrResetSent) {
			// The sibling or the owner already ended the session; whatever
			// this flow saw is a consequence.
			err = context.Cause(ctx)
		}
		s.cause = err
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	_ = s.port.Close()
}

func (s *Session) report() {
	err := s.Cause()
	switch {
	case errors.Is(err, ErrResetSent):
		s.log.Info().Msg("link session ended after reset")
	case clean(err):
		s.log.Info().Msg("link session stopped")
	default:
		s.log.Error().Err(err).Msg("link down")
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	dec := protocol.NewTelemetryDecoder()
	buf := make([]byte, ReadBufferSize)
	for {
		n, err := s.port.Read(buf)
		if n > 0 {
			frames, errs := dec.Push(buf[:n])
			for _, e := range errs {
				s.log.Warn().Err(e).Msg("discarded telemetry frame")
			}
			for _, f := range frames {
				s.log.Trace().Interface("frame", f).Msg("rx")
				s.sink.Apply(f)
			}
		}
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, io.EOF):
			return ErrClosedByPeer
		case err != nil:
			return fmt.Errorf("read: %w", err)
		case n == 0:
			return ErrClosedByPeer
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		f, err := s.cmds.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receive command: %w", err)
		}
		if reset, ok := f.(protocol.Reset); ok {
			return s.writeReset(reset)
		}
		if err := s.write(f); err != nil {
			return err
		}
	}
}

// writeReset writes every inner command as its own frame, waits for the
// bytes to leave and ends the flow.
func (s *Session) writeReset(r protocol.Reset) error {
	for _, c := range flatten(r.Commands) {
		if err := s.write(c); err != nil {
			return err
		}
	}
	if err := device.Drain(s.port); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	return ErrResetSent
}

func (s *Session) write(f protocol.CommandFrame) error {
	b, err := protocol.EncodeCommand(f)
	if err != nil {
		return fmt.Errorf("encode %T: %w", f, err)
	}
	if _, err := s.port.Write(b); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	s.log.Trace().Interface("frame", f).Msg("tx")
	return nil
}

func flatten(cmds []protocol.CommandFrame) []protocol.CommandFrame {
	out := make([]protocol.CommandFrame, 0, len(cmds))
	for _, c := range cmds {
		if r, ok := c.(protocol.Reset); ok {
			out = append(out, flatten(r.Commands)...)
			continue
		}
		out = append(out, c)
	}
	return out
}
