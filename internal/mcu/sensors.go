package mcu

import (
	"context"
	"errors"
	"time"

	"roland/internal/protocol"
)

// Ranging limits of the ultrasonic sensor.
const (
	MinRangeCm = 2
	MaxRangeCm = 400

	DefaultRangePeriod  = 60 * time.Millisecond
	DefaultRangeTimeout = 30 * time.Millisecond
)

// Ranger triggers one ultrasonic measurement and returns the echo pulse
// width. It must honour ctx.
type Ranger interface {
	Echo(ctx context.Context) (time.Duration, error)
}

// Pin is a digital input that can wait for its next edge.
type Pin interface {
	Level() bool
	WaitEdge(ctx context.Context) error
}

// EchoDistance converts an echo pulse width to centimetres at 350 m/s.
// ok is false outside the sensor's valid range.
func EchoDistance(echo time.Duration) (cm uint16, ok bool) {
	d := echo.Microseconds() * 350 / 20000
	if d < MinRangeCm || d > MaxRangeCm {
		return 0, false
	}
	return uint16(d), true
}

// RangeTask measures every period and publishes the result. A measurement
// that times out or falls outside the valid range is published as
// NoDistance. It returns when ctx ends.
func (c *Controller) RangeTask(ctx context.Context, r Ranger, period, timeout time.Duration) error {
	if period <= 0 {
		period = DefaultRangePeriod
	}
	if timeout <= 0 {
		timeout = DefaultRangeTimeout
	}
	tick := time.NewTicker(period)
	defer tick.Stop()

	for {
		if err := c.Publish(ctx, c.measure(ctx, r, timeout)); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func (c *Controller) measure(ctx context.Context, r Ranger, timeout time.Duration) protocol.UltraSensor {
	mctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	echo, err := r.Echo(mctx)
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			c.log.Debug().Err(err).Msg("ranging failed")
		}
		return protocol.NoDistance()
	}
	cm, ok := EchoDistance(echo)
	if !ok {
		return protocol.NoDistance()
	}
	return protocol.Distance(cm)
}

// TrackTask publishes every edge on pin as a TrackSensor frame for id. The
// level is toggled on each edge, starting from the pin's current level.
func (c *Controller) TrackTask(ctx context.Context, id protocol.TrackSensorID, pin Pin) error {
	state := pin.Level()
	for {
		if err := pin.WaitEdge(ctx); err != nil {
			return err
		}
		state = !state
		if err := c.Publish(ctx, protocol.TrackSensor{ID: id, State: state}); err != nil {
			return err
		}
	}
}
