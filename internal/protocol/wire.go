package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Payload layout (before stuffing):
//
//	variant   uvarint
//	u16/u32   uvarint
//	u8/i8     1 byte
//	i32       zig-zag uvarint
//	bool      1 byte, 0 or 1
//	optional  0 | 1 value
//	list      uvarint length, then items
//
// Telemetry variants: 0 UltraSensor, 1 TrackSensor.
// Command variants:   0 Buzzer, 1 LED, 2 Servo, 3 Motor, 4 Reset.

const (
	tagUltraSensor = 0
	tagTrackSensor = 1
)

const (
	tagBuzzer = 0
	tagLED    = 1
	tagServo  = 2
	tagMotor  = 3
	tagReset  = 4
)

// ErrMalformedPayload is returned when a payload does not parse as a frame.
var ErrMalformedPayload = errors.New("malformed payload")

// AppendTelemetry appends the payload encoding of f to dst.
func AppendTelemetry(dst []byte, f TelemetryFrame) []byte {
	switch v := f.(type) {
	case UltraSensor:
		dst = binary.AppendUvarint(dst, tagUltraSensor)
		if v.Distance == nil {
			return append(dst, 0)
		}
		dst = append(dst, 1)
		return binary.AppendUvarint(dst, uint64(*v.Distance))
	case TrackSensor:
		dst = binary.AppendUvarint(dst, tagTrackSensor)
		dst = binary.AppendUvarint(dst, uint64(v.ID))
		return appendBool(dst, v.State)
	}
	panic(fmt.Sprintf("protocol: unknown telemetry frame %T", f))
}

// AppendCommand appends the payload encoding of f to dst.
func AppendCommand(dst []byte, f CommandFrame) []byte {
	switch v := f.(type) {
	case Buzzer:
		dst = binary.AppendUvarint(dst, tagBuzzer)
		return binary.AppendUvarint(dst, uint64(v.Freq))
	case LED:
		dst = binary.AppendUvarint(dst, tagLED)
		return append(dst, v.R, v.G, v.B)
	case Servo:
		dst = binary.AppendUvarint(dst, tagServo)
		return append(dst, byte(v.Degrees))
	case Motor:
		dst = binary.AppendUvarint(dst, tagMotor)
		dst = binary.AppendVarint(dst, int64(v.Left))
		return binary.AppendVarint(dst, int64(v.Right))
	case Reset:
		dst = binary.AppendUvarint(dst, tagReset)
		dst = binary.AppendUvarint(dst, uint64(len(v.Commands)))
		for _, c := range v.Commands {
			dst = AppendCommand(dst, c)
		}
		return dst
	}
	panic(fmt.Sprintf("protocol: unknown command frame %T", f))
}

// ParseTelemetry decodes a complete telemetry payload.
func ParseTelemetry(p []byte) (TelemetryFrame, error) {
	r := reader{buf: p}
	f := r.telemetry()
	return f, r.finish()
}

// ParseCommand decodes a complete command payload.
func ParseCommand(p []byte) (CommandFrame, error) {
	r := reader{buf: p}
	f := r.command(0)
	return f, r.finish()
}

func appendBool(dst []byte, b bool) []byte {
	if b {
		return append(dst, 1)
	}
	return append(dst, 0)
}

// maxResetDepth bounds Reset nesting so hostile input cannot recurse deeply.
const maxResetDepth = 4

// reader is a cursor over a payload. The first error sticks and turns every
// later read into a no-op.
type reader struct {
	buf []byte
	err error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
	}
}

func (r *reader) finish() error {
	if r.err == nil && len(r.buf) > 0 {
		r.fail("%d trailing bytes", len(r.buf))
	}
	return r.err
}

func (r *reader) u8() byte {
	if r.err != nil {
		return 0
	}
	if len(r.buf) == 0 {
		r.fail("unexpected end of payload")
		return 0
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b
}

func (r *reader) uvarint(max uint64) uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.fail("bad varint")
		return 0
	}
	r.buf = r.buf[n:]
	if v > max {
		r.fail("varint %d exceeds %d", v, max)
		return 0
	}
	return v
}

func (r *reader) varint32() int32 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf)
	if n <= 0 {
		r.fail("bad varint")
		return 0
	}
	r.buf = r.buf[n:]
	if v < math.MinInt32 || v > math.MaxInt32 {
		r.fail("varint %d overflows i32", v)
		return 0
	}
	return int32(v)
}

func (r *reader) duty() int32 {
	d := r.varint32()
	if d < -MaxDuty || d > MaxDuty {
		r.fail("motor duty %d outside ±%d", d, MaxDuty)
		return 0
	}
	return d
}

func (r *reader) boolean() bool {
	switch b := r.u8(); b {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail("bad bool %#x", b)
		return false
	}
}

func (r *reader) telemetry() TelemetryFrame {
	switch tag := r.uvarint(math.MaxUint32); tag {
	case tagUltraSensor:
		if !r.boolean() {
			return UltraSensor{}
		}
		return Distance(uint16(r.uvarint(math.MaxUint16)))
	case tagTrackSensor:
		id := TrackSensorID(r.uvarint(TrackSensorCount - 1))
		return TrackSensor{ID: id, State: r.boolean()}
	default:
		r.fail("unknown telemetry variant %d", tag)
		return nil
	}
}

func (r *reader) command(depth int) CommandFrame {
	switch tag := r.uvarint(math.MaxUint32); tag {
	case tagBuzzer:
		return Buzzer{Freq: uint16(r.uvarint(math.MaxUint16))}
	case tagLED:
		return LED{R: r.u8(), G: r.u8(), B: r.u8()}
	case tagServo:
		deg := int8(r.u8())
		if deg < ServoMin || deg > ServoMax {
			r.fail("servo angle %d outside %d..%d", deg, ServoMin, ServoMax)
			return nil
		}
		return Servo{Degrees: deg}
	case tagMotor:
		return Motor{Left: r.duty(), Right: r.duty()}
	case tagReset:
		if depth >= maxResetDepth {
			r.fail("reset nested too deep")
			return nil
		}
		n := r.uvarint(uint64(len(r.buf)))
		var cmds []CommandFrame
		if n > 0 {
			cmds = make([]CommandFrame, 0, n)
		}
		for i := uint64(0); i < n && r.err == nil; i++ {
			cmds = append(cmds, r.command(depth+1))
		}
		return Reset{Commands: cmds}
	default:
		r.fail("unknown command variant %d", tag)
		return nil
	}
}
