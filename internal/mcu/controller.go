// Package mcu mirrors the microcontroller side of the serial link: it decodes
// commands onto a set of peripherals and streams sensor readings back. The
// simulator binary and the end-to-end tests run it in place of the firmware.
package mcu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"roland/internal/protocol"
)

// DefaultQueue is the depth of the outbound telemetry queue.
const DefaultQueue = 64

const readBufferSize = 64

// Peripherals is the set of actuators commands are applied to.
type Peripherals interface {
	SetBuzzer(freq uint16) error
	SetLED(r, g, b uint8) error
	SetServo(deg int8) error
	Drive(left, right int32) error
}

// Controller dispatches decoded commands to its peripherals and owns the
// single writer for outgoing telemetry.
type Controller struct {
	hw  Peripherals
	out chan protocol.TelemetryFrame
	log zerolog.Logger

	mu      sync.Mutex
	applied int
}

// NewController returns a controller driving hw. queue bounds the number of
// telemetry frames waiting for the writer.
func NewController(hw Peripherals, queue int) *Controller {
	if queue <= 0 {
		queue = DefaultQueue
	}
	return &Controller{
		hw:  hw,
		out: make(chan protocol.TelemetryFrame, queue),
		log: log.With().Str("component", "mcu").Logger(),
	}
}

// Publish queues a telemetry frame, blocking while the queue is full.
func (c *Controller) Publish(ctx context.Context, f protocol.TelemetryFrame) error {
	select {
	case c.out <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Applied reports how many commands have reached the peripherals.
func (c *Controller) Applied() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied
}

// Run serves port until ctx is cancelled or the port fails, then closes it.
func (c *Controller) Run(parent context.Context, port io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- c.readLoop(port) }()
	go func() { errc <- c.writeLoop(ctx, port) }()

	err := <-errc
	cancel()
	_ = port.Close()
	<-errc
	if parent.Err() != nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (c *Controller) readLoop(port io.Reader) error {
	dec := protocol.NewCommandDecoder()
	buf := make([]byte, readBufferSize)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			cmds, errs := dec.Push(buf[:n])
			for _, e := range errs {
				c.log.Debug().Err(e).Msg("dropping command frame")
			}
			for _, cmd := range cmds {
				if aerr := c.Apply(cmd); aerr != nil {
					c.log.Warn().Err(aerr).Str("cmd", fmt.Sprintf("%T", cmd)).Msg("apply command")
				}
			}
		}
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
	}
}

func (c *Controller) writeLoop(ctx context.Context, port io.Writer) error {
	for {
		var f protocol.TelemetryFrame
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f = <-c.out:
		}
		b, err := protocol.EncodeTelemetry(f)
		if err != nil {
			c.log.Warn().Err(err).Msg("encode telemetry")
			continue
		}
		if _, err := port.Write(b); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		c.log.Trace().Str("frame", fmt.Sprint(f)).Msg("sent")
	}
}

// Apply drives the peripherals for one command. Out-of-range values are
// clamped to what the hardware accepts. Reset returns every actuator to rest
// before applying the commands it carries.
func (c *Controller) Apply(cmd protocol.CommandFrame) error {
	var err error
	switch v := cmd.(type) {
	case protocol.Buzzer:
		err = c.hw.SetBuzzer(v.Freq)
	case protocol.LED:
		err = c.hw.SetLED(v.R, v.G, v.B)
	case protocol.Servo:
		err = c.hw.SetServo(min(max(v.Degrees, protocol.ServoMin), protocol.ServoMax))
	case protocol.Motor:
		err = c.hw.Drive(clampDuty(v.Left), clampDuty(v.Right))
	case protocol.Reset:
		err = errors.Join(
			c.hw.SetBuzzer(0),
			c.hw.SetLED(0, 0, 0),
			c.hw.SetServo(0),
			c.hw.Drive(0, 0),
		)
		for _, inner := range v.Commands {
			err = errors.Join(err, c.Apply(inner))
		}
		return err
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}
	if err == nil {
		c.mu.Lock()
		c.applied++
		c.mu.Unlock()
	}
	return err
}

func clampDuty(d int32) int32 {
	return min(max(d, -protocol.MaxDuty), protocol.MaxDuty)
}
