package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"roland/internal/protocol"
)

// ErrBadMessage is returned for operator input that cannot be understood.
var ErrBadMessage = errors.New("bad operator message")

// Inbound is one decoded operator message: either a command for the
// controller or a mode switch request.
type Inbound struct {
	Command protocol.CommandFrame
	Mode    string
}

// IsModeSwitch reports whether the message asks for a new control mode.
func (in Inbound) IsModeSwitch() bool { return in.Command == nil }

// ParseInbound decodes an externally tagged operator message such as
// {"Buzzer":440}, {"LED":[255,0,0]}, {"Servo":-30}, {"Motor":[0.5,-0.5]} or
// {"ControlState":"FollowLine"}.
func ParseInbound(data []byte) (Inbound, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if len(obj) != 1 {
		return Inbound{}, fmt.Errorf("%w: want exactly one key, got %d", ErrBadMessage, len(obj))
	}

	var kind string
	var raw json.RawMessage
	for k, v := range obj {
		kind, raw = k, v
	}

	switch kind {
	case "Buzzer":
		var freq uint16
		if err := json.Unmarshal(raw, &freq); err != nil {
			return Inbound{}, fieldErr(kind, err)
		}
		return Inbound{Command: protocol.Buzzer{Freq: freq}}, nil

	case "LED":
		var rgb [3]int
		if err := json.Unmarshal(raw, &rgb); err != nil {
			return Inbound{}, fieldErr(kind, err)
		}
		for _, c := range rgb {
			if c < 0 || c > math.MaxUint8 {
				return Inbound{}, fmt.Errorf("%w: LED channel %d out of range", ErrBadMessage, c)
			}
		}
		return Inbound{Command: protocol.LED{R: uint8(rgb[0]), G: uint8(rgb[1]), B: uint8(rgb[2])}}, nil

	case "Servo":
		var deg int
		if err := json.Unmarshal(raw, &deg); err != nil {
			return Inbound{}, fieldErr(kind, err)
		}
		deg = min(max(deg, protocol.ServoMin), protocol.ServoMax)
		return Inbound{Command: protocol.Servo{Degrees: int8(deg)}}, nil

	case "Motor":
		var lr [2]float64
		if err := json.Unmarshal(raw, &lr); err != nil {
			return Inbound{}, fieldErr(kind, err)
		}
		return Inbound{Command: protocol.Motor{Left: Duty(lr[0]), Right: Duty(lr[1])}}, nil

	case "ControlState":
		var mode string
		if err := json.Unmarshal(raw, &mode); err != nil {
			return Inbound{}, fieldErr(kind, err)
		}
		return Inbound{Mode: mode}, nil

	default:
		return Inbound{}, fmt.Errorf("%w: unknown kind %q", ErrBadMessage, kind)
	}
}

// Duty converts a drive fraction to a motor duty, clamping to [-1, 1].
func Duty(f float64) int32 {
	if math.IsNaN(f) {
		return 0
	}
	f = min(max(f, -1), 1)
	return int32(math.Round(f * protocol.MaxDuty))
}

func fieldErr(kind string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrBadMessage, kind, err)
}

// UltraMessage pushes the filtered distance; Ultra is null without a fresh
// reading.
type UltraMessage struct {
	Ultra *uint16 `json:"Ultra"`
}

// TrackMessage pushes the four track sensor levels.
type TrackMessage struct {
	Track [protocol.TrackSensorCount]bool `json:"Track"`
}

// TextMessage carries free text, used for errors.
type TextMessage struct {
	Text string `json:"Text"`
}

// NewUltraMessage rounds mean to whole centimetres when ok.
func NewUltraMessage(mean float64, ok bool) UltraMessage {
	if !ok {
		return UltraMessage{}
	}
	cm := uint16(math.Round(min(max(mean, 0), math.MaxUint16)))
	return UltraMessage{Ultra: &cm}
}

// Status is served at /api/status.
type Status struct {
	Mode              string                          `json:"mode"`
	DistanceCm        *float64                        `json:"distance_cm"`
	Track             [protocol.TrackSensorCount]bool `json:"track"`
	LinkSession       string                          `json:"link_session,omitempty"`
	OperatorConnected bool                            `json:"operator_connected"`
	QueuedCommands    int                             `json:"queued_commands"`
}
