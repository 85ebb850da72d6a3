package mcu

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"roland/internal/protocol"
)

// State is a snapshot of the simulated robot.
type State struct {
	Buzzer      uint16
	LED         [3]uint8
	Servo       int8
	Left, Right int32
	DistanceCm  float64
}

// World simulates the robot on a straight track facing a wall. It implements
// Peripherals and Ranger: driving forward closes the gap to the wall, which
// the ranger reports back.
type World struct {
	mu    sync.Mutex
	now   func() time.Time
	speed float64
	gap   float64
	last  time.Time
	state State
	log   zerolog.Logger
}

// NewWorld places the robot gapCm in front of the wall. speed is the travel
// in cm/s at full duty.
func NewWorld(gapCm, speed float64, now func() time.Time) *World {
	if now == nil {
		now = time.Now
	}
	return &World{
		now:   now,
		speed: speed,
		gap:   gapCm,
		last:  now(),
		log:   log.With().Str("component", "sim").Logger(),
	}
}

// advance integrates motion since the last call. Caller holds mu.
func (w *World) advance() {
	t := w.now()
	dt := t.Sub(w.last).Seconds()
	w.last = t
	if dt <= 0 {
		return
	}
	drive := (float64(w.state.Left) + float64(w.state.Right)) / 2 / protocol.MaxDuty
	w.gap = max(w.gap-drive*w.speed*dt, 0)
}

// SetBuzzer records the buzzer frequency; 0 silences it.
func (w *World) SetBuzzer(freq uint16) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Buzzer = freq
	w.log.Debug().Uint16("freq", freq).Msg("buzzer")
	return nil
}

// SetLED records the LED colour.
func (w *World) SetLED(r, g, b uint8) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.LED = [3]uint8{r, g, b}
	w.log.Debug().Uints8("rgb", []uint8{r, g, b}).Msg("led")
	return nil
}

// SetServo records the servo angle.
func (w *World) SetServo(deg int8) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Servo = deg
	w.log.Debug().Int8("deg", deg).Msg("servo")
	return nil
}

// Drive sets both motor duties. The gap changes from now on at a rate
// proportional to their mean.
func (w *World) Drive(left, right int32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance()
	w.state.Left, w.state.Right = left, right
	w.log.Debug().Int32("left", left).Int32("right", right).Msg("drive")
	return nil
}

// Echo returns the pulse width for the current gap. Beyond the sensor's range
// no echo arrives and Echo waits for ctx.
func (w *World) Echo(ctx context.Context) (time.Duration, error) {
	w.mu.Lock()
	w.advance()
	gap := w.gap
	w.mu.Unlock()

	if gap > MaxRangeCm {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return time.Duration(math.Ceil(gap*20000/350)) * time.Microsecond, nil
}

// State returns the current actuator settings and gap.
func (w *World) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance()
	s := w.state
	s.DistanceCm = w.gap
	return s
}

// SimPin is a track sensor input that toggles at random intervals.
type SimPin struct {
	mu       sync.Mutex
	level    bool
	min, max time.Duration
	rnd      *rand.Rand
}

// NewSimPin returns a pin starting at level whose edges are spaced between
// lo and hi apart.
func NewSimPin(level bool, lo, hi time.Duration, seed int64) *SimPin {
	if hi < lo {
		hi = lo
	}
	return &SimPin{level: level, min: lo, max: hi, rnd: rand.New(rand.NewSource(seed))}
}

// Level returns the current pin level.
func (p *SimPin) Level() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// WaitEdge sleeps for a random interval, then toggles the level.
func (p *SimPin) WaitEdge(ctx context.Context) error {
	p.mu.Lock()
	d := p.min
	if span := p.max - p.min; span > 0 {
		d += time.Duration(p.rnd.Int63n(int64(span)))
	}
	p.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	p.mu.Lock()
	p.level = !p.level
	p.mu.Unlock()
	return nil
}
