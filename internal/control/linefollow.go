package control

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"roland/internal/protocol"
	"roland/internal/telemetry"
)

// LineState is where the line-follower believes the line is relative to
// the chassis.
type LineState int

const (
	Unknown LineState = iota
	OnLine
	HalfLeft
	HalfRight
	Left
	Right
)

// DefaultLineSpeed scales every duty pair.
const DefaultLineSpeed = 0.5

func (s LineState) String() string {
	switch s {
	case Unknown:
		return "Unknown"
	case OnLine:
		return "OnLine"
	case HalfLeft:
		return "HalfLeft"
	case HalfRight:
		return "HalfRight"
	case Left:
		return "Left"
	case Right:
		return "Right"
	}
	return fmt.Sprintf("LineState(%d)", int(s))
}

// NextLineState computes the transition from prev given the two outer
// sensors. a is the left outer sensor and c the right one; true means the
// sensor sees no line. When both are lost the robot commits to the side it
// last saw the line on.
func NextLineState(prev LineState, a, c bool) LineState {
	switch {
	case !a && !c:
		return OnLine
	case !a && c:
		return HalfRight
	case a && !c:
		return HalfLeft
	}
	switch prev {
	case HalfLeft, Left:
		return Left
	case HalfRight, Right:
		return Right
	default:
		return Unknown
	}
}

// Duty returns the (left, right) drive fractions for s.
func (s LineState) Duty() (left, right float64) {
	switch s {
	case OnLine:
		return 0.9, 0.9
	case HalfLeft:
		return 1.0, 0.75
	case HalfRight:
		return 0.75, 1.0
	case Left:
		return 1.0, -0.75
	case Right:
		return -0.75, 1.0
	}
	return 0, 0
}

// Color returns the status LED shown while in s.
func (s LineState) Color() protocol.LED {
	switch s {
	case OnLine:
		return protocol.LED{R: 0, G: 255, B: 0}
	case HalfLeft:
		return protocol.LED{R: 128, G: 128, B: 0}
	case HalfRight:
		return protocol.LED{R: 0, G: 128, B: 128}
	case Left:
		return protocol.LED{R: 255, G: 0, B: 0}
	case Right:
		return protocol.LED{R: 0, G: 0, B: 255}
	}
	return protocol.LED{R: 255, G: 255, B: 255}
}

// Motor scales s's duty pair by speed and full duty.
func (s LineState) Motor(speed float64) protocol.Motor {
	l, r := s.Duty()
	return protocol.Motor{
		Left:  int32(FullDuty * l * speed),
		Right: int32(FullDuty * r * speed),
	}
}

// LineFollower is the line-following state machine with output
// de-duplication.
type LineFollower struct {
	Speed float64

	state LineState
	last  protocol.Motor
	sent  bool
}

// NewLineFollower starts in Unknown.
func NewLineFollower(speed float64) *LineFollower {
	return &LineFollower{Speed: speed, state: Unknown}
}

// State returns the current state.
func (f *LineFollower) State() LineState { return f.state }

// Step advances on a track snapshot. It returns the frames to send, which
// is nothing when the motor pair is unchanged. Only the outer sensors L1
// and R1 are consulted.
func (f *LineFollower) Step(track telemetry.TrackState) []protocol.CommandFrame {
	f.state = NextLineState(f.state, track[protocol.L1], track[protocol.R1])
	m := f.state.Motor(f.Speed)
	if f.sent && m == f.last {
		return nil
	}
	f.last, f.sent = m, true
	return []protocol.CommandFrame{m, f.state.Color()}
}

// RunFollowLine follows the line until ctx ends or the track topic closes.
func RunFollowLine(ctx context.Context, rx *telemetry.Receiver[telemetry.TrackState], cmds Sender, speed float64) error {
	logger := log.With().Str("component", "control").Str("task", "follow_line").Logger()
	f := NewLineFollower(speed)
	for {
		if out := f.Step(rx.Borrow()); out != nil {
			if err := cmds.SendAll(ctx, out...); err != nil {
				return err
			}
			logger.Info().Stringer("state", f.State()).Msg("line state")
		}
		if err := rx.Changed(ctx); err != nil {
			return err
		}
	}
}
