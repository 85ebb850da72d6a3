// Package supervisor decides which control task, if any, drives the robot.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"roland/internal/command"
	"roland/internal/protocol"
)

// Mode is the active control mode.
type Mode int

const (
	Manual Mode = iota
	FollowLine
	KeepDistance
)

var (
	// ErrUnknownMode is returned for a mode name or value with no task.
	ErrUnknownMode = errors.New("unknown control mode")
	// ErrStopped is returned by SetMode once Stop has been called.
	ErrStopped = errors.New("supervisor stopped")
)

func (m Mode) String() string {
	switch m {
	case Manual:
		return "Manual"
	case FollowLine:
		return "FollowLine"
	case KeepDistance:
		return "KeepDistance"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts the names used by operators.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "Manual", "ManualControl":
		return Manual, nil
	case "FollowLine":
		return FollowLine, nil
	case "KeepDistance":
		return KeepDistance, nil
	}
	return Manual, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Task is a control loop that runs until its context is cancelled.
type Task func(ctx context.Context) error

// NeutralSender receives the neutral sequence when entering Manual.
type NeutralSender interface {
	SendAll(ctx context.Context, fs ...protocol.CommandFrame) error
}

// Recorder keeps a history of mode transitions. It may be nil.
type Recorder interface {
	Record(kind, session, detail string) error
}

type running struct {
	mode   Mode
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor runs at most one control task at a time.
type Supervisor struct {
	mu     sync.Mutex
	cmds   NeutralSender
	tasks  map[Mode]Task
	rec    Recorder
	mode    Mode
	active  *running
	stopped bool
	log     zerolog.Logger
}

// New returns a supervisor in Manual with no task running.
func New(cmds NeutralSender, tasks map[Mode]Task, rec Recorder) *Supervisor {
	return &Supervisor{
		cmds:  cmds,
		tasks: tasks,
		rec:   rec,
		mode:  Manual,
		log:   log.With().Str("component", "supervisor").Logger(),
	}
}

// Mode returns the current mode.
func (s *Supervisor) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode switches to m. Any running task is cancelled and awaited first.
// Entering Manual always sends the neutral sequence; entering an automatic
// mode starts its task and returns without waiting for it. After Stop every
// switch fails with ErrStopped.
func (s *Supervisor) SetMode(ctx context.Context, m Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("%w: cannot enter %s", ErrStopped, m)
	}

	if m == Manual {
		prev := s.mode
		s.stopTask()
		s.mode = Manual
		s.record(prev, m)
		if err := s.cmds.SendAll(ctx, command.Neutral()...); err != nil {
			return fmt.Errorf("send neutral: %w", err)
		}
		return nil
	}

	task, ok := s.tasks[m]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMode, m)
	}
	prev := s.mode
	s.stopTask()
	s.start(m, task)
	s.mode = m
	s.record(prev, m)
	return nil
}

// Stop cancels and awaits the running task without sending anything and
// refuses further mode switches. It is used on shutdown, where the final
// reset goes out separately.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		s.log.Info().Stringer("mode", s.mode).Msg("stopping control task")
	}
	s.stopTask()
	s.mode = Manual
	s.stopped = true
}

// start launches task with a fresh context. The caller holds s.mu.
func (s *Supervisor) start(m Mode, task Task) {
	if s.active != nil {
		panic(fmt.Sprintf("supervisor: starting %s while %s is active", m, s.active.mode))
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{mode: m, cancel: cancel, done: make(chan struct{})}
	s.active = r

	go func() {
		defer close(r.done)
		err := task(ctx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			s.log.Debug().Stringer("mode", m).Msg("control task ended")
		default:
			s.log.Warn().Err(err).Stringer("mode", m).Msg("control task failed")
		}
	}()
}

// stopTask cancels the running task and waits for it. The caller holds s.mu.
func (s *Supervisor) stopTask() {
	if s.active == nil {
		return
	}
	s.active.cancel()
	<-s.active.done
	s.active = nil
}

func (s *Supervisor) record(from, to Mode) {
	s.log.Info().Stringer("from", from).Stringer("to", to).Msg("mode switch")
	if s.rec == nil {
		return
	}
	if err := s.rec.Record("mode", "", fmt.Sprintf("%s -> %s", from, to)); err != nil {
		s.log.Warn().Err(err).Msg("record mode switch")
	}
}
