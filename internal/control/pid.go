// Package control holds the closed-loop algorithms that drive the robot in
// the automatic modes.
package control

import (
	"context"
	"time"

	"roland/internal/protocol"
)

// Sender is the part of the command channel a control task writes to.
type Sender interface {
	Send(ctx context.Context, f protocol.CommandFrame) error
	SendAll(ctx context.Context, fs ...protocol.CommandFrame) error
}

// PID is a textbook PID controller with a clamped integral.
type PID struct {
	Kp, Ki, Kd     float64
	IntMin, IntMax float64
	Setpoint       float64

	// Clock is used by Step; nil means time.Now.
	Clock func() time.Time

	integral float64
	lastErr  float64
	lastT    time.Time
	started  bool
}

// NewPID returns a controller with the given gains, integral bounds and
// setpoint.
func NewPID(kp, ki, kd, intMin, intMax, setpoint float64) *PID {
	return &PID{Kp: kp, Ki: ki, Kd: kd, IntMin: intMin, IntMax: intMax, Setpoint: setpoint}
}

// Step runs one iteration against measured at the current time.
func (p *PID) Step(measured float64) float64 {
	now := time.Now
	if p.Clock != nil {
		now = p.Clock
	}
	return p.StepAt(measured, now())
}

// StepAt runs one iteration as of now. The first call after construction or
// Reset has no time base and returns the proportional term only.
func (p *PID) StepAt(measured float64, now time.Time) float64 {
	e := p.Setpoint - measured
	if !p.started {
		p.started = true
		p.lastT = now
		p.lastErr = e
		return p.Kp * e
	}

	dt := now.Sub(p.lastT).Seconds()
	p.lastT = now
	if dt <= 0 {
		// Two samples with the same timestamp carry no rate information.
		return p.Kp*e + p.Ki*p.integral
	}

	p.integral = clamp(p.integral+e*dt, p.IntMin, p.IntMax)
	d := (e - p.lastErr) / dt
	p.lastErr = e
	return p.Kp*e + p.Ki*p.integral + p.Kd*d
}

// Reset forgets the accumulated state; the next step is proportional only.
func (p *PID) Reset() {
	p.integral = 0
	p.lastErr = 0
	p.lastT = time.Time{}
	p.started = false
}

// Integral returns the current integral accumulator.
func (p *PID) Integral() float64 { return p.integral }

func clamp(v, lo, hi float64) float64 {
	if lo > hi {
		lo, hi = hi, lo
	}
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}
