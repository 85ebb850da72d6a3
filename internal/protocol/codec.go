package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// MaxFrameSize is the largest encoded frame, delimiter included, that either
// side will produce or accept.
const MaxFrameSize = 512

// ErrFrameTooLarge is returned when a frame does not fit in MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// EncodeTelemetry returns the delimited wire form of f.
func EncodeTelemetry(f TelemetryFrame) ([]byte, error) {
	return frame(AppendTelemetry(nil, f))
}

// EncodeCommand returns the delimited wire form of f.
func EncodeCommand(f CommandFrame) ([]byte, error) {
	return frame(AppendCommand(nil, f))
}

// frame seals payload with its checksum, stuffs it and appends the delimiter.
func frame(payload []byte) ([]byte, error) {
	n := cobsMaxEncodedLen(len(payload)+CRCSize) + 1
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d byte payload", ErrFrameTooLarge, len(payload))
	}
	out := make([]byte, 0, n)
	out = cobsEncode(out, appendCRC(payload))
	return append(out, Delimiter), nil
}

// Decoder splits an unbounded byte stream into frames. It keeps whatever
// follows the last delimiter until the next Push.
//
// A Decoder is not safe for concurrent use.
type Decoder[T any] struct {
	parse    func([]byte) (T, error)
	buf      []byte
	scratch  []byte
	overflow bool
}

// NewTelemetryDecoder returns a decoder for controller -> host traffic.
func NewTelemetryDecoder() *Decoder[TelemetryFrame] {
	return &Decoder[TelemetryFrame]{parse: ParseTelemetry}
}

// NewCommandDecoder returns a decoder for host -> controller traffic.
func NewCommandDecoder() *Decoder[CommandFrame] {
	return &Decoder[CommandFrame]{parse: ParseCommand}
}

// Push feeds p into the decoder and returns every frame completed by it, in
// stream order. Corrupted blocks are reported in errs and skipped; decoding
// continues after the next delimiter.
func (d *Decoder[T]) Push(p []byte) (frames []T, errs []error) {
	for len(p) > 0 {
		i := bytes.IndexByte(p, Delimiter)
		if i < 0 {
			d.buffer(p)
			return frames, errs
		}
		d.buffer(p[:i])
		p = p[i+1:]

		if d.overflow {
			d.overflow = false
			d.buf = d.buf[:0]
			errs = append(errs, fmt.Errorf("%w: block exceeds %d bytes", ErrFrameTooLarge, MaxFrameSize))
			continue
		}
		if len(d.buf) == 0 {
			continue
		}
		f, err := d.block(d.buf)
		d.buf = d.buf[:0]
		if err != nil {
			errs = append(errs, err)
			continue
		}
		frames = append(frames, f)
	}
	return frames, errs
}

// Reset discards any buffered partial frame.
func (d *Decoder[T]) Reset() {
	d.buf = d.buf[:0]
	d.overflow = false
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder[T]) Buffered() int { return len(d.buf) }

func (d *Decoder[T]) buffer(p []byte) {
	if d.overflow {
		return
	}
	if len(d.buf)+len(p) >= MaxFrameSize {
		d.overflow = true
		d.buf = d.buf[:0]
		return
	}
	d.buf = append(d.buf, p...)
}

func (d *Decoder[T]) block(b []byte) (T, error) {
	var zero T
	payload, err := cobsDecode(d.scratch[:0], b)
	d.scratch = payload
	if err != nil {
		return zero, err
	}
	if payload, err = checkCRC(payload); err != nil {
		return zero, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	f, err := d.parse(payload)
	if err != nil {
		return zero, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return f, nil
}
