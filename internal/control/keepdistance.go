package control

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"roland/internal/protocol"
	"roland/internal/telemetry"
)

// FullDuty is the duty that corresponds to a drive fraction of 1.
const FullDuty = protocol.MaxDuty

// DistanceConfig tunes the distance-holding loop. Drive values are fractions
// of full duty.
type DistanceConfig struct {
	Setpoint float64 // cm
	Kp       float64
	Ki       float64
	Kd       float64
	IntMin   float64
	IntMax   float64
	MinDrive float64
	MaxDrive float64
	Deadband float64 // cm either side of the setpoint
	// Freshness is how old a distance may be before the motors stop.
	Freshness time.Duration
	// Now is the loop clock; nil means time.Now.
	Now func() time.Time
}

// DefaultDistanceConfig returns the tuning used when nothing is configured.
func DefaultDistanceConfig() DistanceConfig {
	return DistanceConfig{
		Setpoint:  20,
		Kp:        0.03,
		Ki:        0.005,
		Kd:        0.002,
		IntMin:    -20,
		IntMax:    20,
		MinDrive:  0.25,
		MaxDrive:  0.6,
		Deadband:  1,
		Freshness: telemetry.DefaultFreshness,
	}
}

// DistanceHolder turns distance readings into motor commands.
type DistanceHolder struct {
	cfg DistanceConfig
	pid *PID
}

// NewDistanceHolder returns a holder with a fresh PID.
func NewDistanceHolder(cfg DistanceConfig) *DistanceHolder {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = telemetry.DefaultFreshness
	}
	return &DistanceHolder{
		cfg: cfg,
		pid: NewPID(cfg.Kp, cfg.Ki, cfg.Kd, cfg.IntMin, cfg.IntMax, cfg.Setpoint),
	}
}

// MotorDuty maps a PID output to a signed duty. The output is negated so a
// too-close reading drives backwards, offset by MinDrive in the direction of
// travel and clamped to MaxDrive. Inside the deadband the result is 0.
func (h *DistanceHolder) MotorDuty(output, errCm float64) int32 {
	if math.Abs(errCm) <= h.cfg.Deadband {
		return 0
	}
	drive := -output
	dir := math.Copysign(1, drive)
	if drive == 0 {
		dir = math.Copysign(1, -errCm)
	}
	drive += dir * h.cfg.MinDrive
	drive = clamp(drive, -h.cfg.MaxDrive, h.cfg.MaxDrive)
	return int32(math.Round(drive * FullDuty))
}

// Step feeds one fresh distance into the PID and returns the motor command.
func (h *DistanceHolder) Step(distance float64, now time.Time) protocol.Motor {
	out := h.pid.StepAt(distance, now)
	duty := h.MotorDuty(out, h.cfg.Setpoint-distance)
	return protocol.Motor{Left: duty, Right: duty}
}

// Stop resets the PID; the next reading starts over with a proportional step.
func (h *DistanceHolder) Stop() { h.pid.Reset() }

// RunKeepDistance holds the configured distance until ctx ends or the
// distance topic closes. It wakes on every new distance and on a freshness
// timer; without a fresh valid distance the motors are stopped.
func RunKeepDistance(ctx context.Context, rx *telemetry.Receiver[telemetry.Distance], cmds Sender, cfg DistanceConfig) error {
	h := NewDistanceHolder(cfg)
	logger := log.With().Str("component", "control").Str("task", "keep_distance").Logger()

	timer := time.NewTimer(h.cfg.Freshness)
	defer timer.Stop()

	var last protocol.Motor
	sent := false
	newReading := true
	for {
		d := rx.Borrow()
		now := h.cfg.Now()

		var m protocol.Motor
		mean, fresh := d.Fresh(now, h.cfg.Freshness)
		if fresh {
			m = h.Step(mean, now)
		} else {
			h.Stop()
		}

		// Fresh readings always close the loop; timer ticks only send when
		// they change the output, which in practice means stopping.
		if !sent || m != last || (fresh && newReading) {
			if err := cmds.Send(ctx, m); err != nil {
				return err
			}
			logger.Debug().Bool("fresh", fresh).Float64("cm", mean).Int32("duty", m.Left).Msg("step")
			last, sent = m, true
		}

		timer.Reset(h.cfg.Freshness)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rx.Ready():
			if _, err := rx.HasChanged(); err != nil {
				return err
			}
			newReading = true
		case <-timer.C:
			newReading = false
		}
	}
}
