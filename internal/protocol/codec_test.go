package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"
)

func TestTelemetryRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame TelemetryFrame
	}{
		{"no distance", NoDistance()},
		{"zero distance", Distance(0)},
		{"small distance", Distance(35)},
		{"max distance", Distance(math.MaxUint16)},
		{"track L1 on", TrackSensor{ID: L1, State: true}},
		{"track L2 off", TrackSensor{ID: L2, State: false}},
		{"track R1 on", TrackSensor{ID: R1, State: true}},
		{"track R2 on", TrackSensor{ID: R2, State: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeTelemetry(tt.frame)
			if err != nil {
				t.Fatalf("EncodeTelemetry() error = %v", err)
			}
			if bytes.IndexByte(encoded, Delimiter) != len(encoded)-1 {
				t.Fatalf("encoded frame %x must contain exactly one trailing delimiter", encoded)
			}

			frames, errs := NewTelemetryDecoder().Push(encoded)
			if len(errs) != 0 {
				t.Fatalf("Push() errs = %v", errs)
			}
			if len(frames) != 1 {
				t.Fatalf("Push() got %d frames, want 1", len(frames))
			}
			if !reflect.DeepEqual(frames[0], tt.frame) {
				t.Errorf("decoded %v, want %v", frames[0], tt.frame)
			}
		})
	}
}

func TestCommandRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame CommandFrame
	}{
		{"buzzer off", Buzzer{}},
		{"buzzer max", Buzzer{Freq: math.MaxUint16}},
		{"led black", LED{}},
		{"led white", LED{R: 255, G: 255, B: 255}},
		{"servo centre", Servo{}},
		{"servo min", Servo{Degrees: ServoMin}},
		{"servo max", Servo{Degrees: ServoMax}},
		{"motor stop", Motor{}},
		{"motor full", Motor{Left: MaxDuty, Right: -MaxDuty}},
		{"empty reset", Reset{}},
		{"neutral reset", Reset{Commands: []CommandFrame{
			Buzzer{}, LED{}, Servo{}, Motor{},
		}}},
		{"nested reset", Reset{Commands: []CommandFrame{
			Reset{Commands: []CommandFrame{Motor{Left: 1, Right: -1}}},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeCommand(tt.frame)
			if err != nil {
				t.Fatalf("EncodeCommand() error = %v", err)
			}

			frames, errs := NewCommandDecoder().Push(encoded)
			if len(errs) != 0 {
				t.Fatalf("Push() errs = %v", errs)
			}
			if len(frames) != 1 {
				t.Fatalf("Push() got %d frames, want 1", len(frames))
			}
			if !reflect.DeepEqual(frames[0], tt.frame) {
				t.Errorf("decoded %#v, want %#v", frames[0], tt.frame)
			}
		})
	}
}

func TestDecoderResynchronises(t *testing.T) {
	first, _ := EncodeCommand(Motor{Left: 1, Right: 2})
	second, _ := EncodeCommand(Buzzer{Freq: 440})

	// Every byte of the first frame except its delimiter, flipped two ways.
	for i := 0; i < len(first)-1; i++ {
		for _, mask := range []byte{0x04, 0xff} {
			t.Run(fmt.Sprintf("byte %d xor %#02x", i, mask), func(t *testing.T) {
				corrupt := append([]byte(nil), first...)
				corrupt[i] ^= mask

				stream := append(corrupt, second...)
				frames, errs := NewCommandDecoder().Push(stream)

				if len(errs) == 0 {
					t.Fatal("corruption not reported")
				}
				for _, err := range errs {
					if !errors.Is(err, ErrMalformedFrame) {
						t.Errorf("error %v is not ErrMalformedFrame", err)
					}
				}
				want := []CommandFrame{Buzzer{Freq: 440}}
				if !reflect.DeepEqual(frames, want) {
					t.Errorf("frames = %v, want %v", frames, want)
				}
			})
		}
	}
}

func TestDecoderChecksum(t *testing.T) {
	tests := []struct {
		name  string
		block []byte
	}{
		{"no trailer", []byte{tagUltraSensor}},
		{"short trailer", []byte{tagUltraSensor, 0, 1, 2}},
		{"wrong trailer", []byte{tagTrackSensor, 0, 1, 0xde, 0xad, 0xbe, 0xef}},
		{"payload changed after sealing", append(appendCRC([]byte{tagTrackSensor, 0, 1}), 0)[1:]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := append(cobsEncode(nil, tt.block), Delimiter)
			frames, errs := NewTelemetryDecoder().Push(stream)
			if len(frames) != 0 {
				t.Errorf("got frames %v, want none", frames)
			}
			if len(errs) != 1 || !errors.Is(errs[0], ErrChecksum) || !errors.Is(errs[0], ErrMalformedFrame) {
				t.Errorf("errs = %v, want one checksum failure", errs)
			}
		})
	}
}

func TestCRCKnownValue(t *testing.T) {
	got := appendCRC([]byte("123456789"))
	want := append([]byte("123456789"), 0x26, 0x39, 0xf4, 0xcb)
	if !bytes.Equal(got, want) {
		t.Errorf("appendCRC() = %x, want %x", got, want)
	}
	payload, err := checkCRC(got)
	if err != nil || string(payload) != "123456789" {
		t.Errorf("checkCRC() = %q, %v", payload, err)
	}
}

func TestDecoderBadPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"unknown variant", []byte{7}},
		{"bad option tag", []byte{tagUltraSensor, 2}},
		{"bad bool", []byte{tagTrackSensor, 0, 2}},
		{"sensor id out of range", []byte{tagTrackSensor, 4, 1}},
		{"truncated distance", []byte{tagUltraSensor, 1}},
		{"u16 overflow", []byte{tagUltraSensor, 1, 0xff, 0xff, 0x04}},
		{"trailing bytes", []byte{tagTrackSensor, 0, 1, 9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream, err := frame(tt.payload)
			if err != nil {
				t.Fatal(err)
			}
			frames, errs := NewTelemetryDecoder().Push(stream)
			if len(frames) != 0 {
				t.Errorf("got frames %v, want none", frames)
			}
			if len(errs) != 1 || !errors.Is(errs[0], ErrMalformedPayload) {
				t.Errorf("errs = %v, want one ErrMalformedPayload", errs)
			}
		})
	}
}

func TestCommandOutOfRange(t *testing.T) {
	tests := []struct {
		name  string
		frame CommandFrame
	}{
		{"servo below min", Servo{Degrees: ServoMin - 1}},
		{"servo above max", Servo{Degrees: ServoMax + 1}},
		{"servo int8 min", Servo{Degrees: math.MinInt8}},
		{"motor left over", Motor{Left: MaxDuty + 1}},
		{"motor right under", Motor{Right: -MaxDuty - 1}},
		{"motor i32 bounds", Motor{Left: math.MinInt32, Right: math.MaxInt32}},
		{"inside reset", Reset{Commands: []CommandFrame{Servo{Degrees: 100}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeCommand(tt.frame)
			if err != nil {
				t.Fatalf("EncodeCommand() error = %v", err)
			}
			frames, errs := NewCommandDecoder().Push(encoded)
			if len(frames) != 0 {
				t.Errorf("got frames %v, want none", frames)
			}
			if len(errs) != 1 || !errors.Is(errs[0], ErrMalformedPayload) {
				t.Errorf("errs = %v, want one ErrMalformedPayload", errs)
			}
		})
	}
}

func TestDecoderIncremental(t *testing.T) {
	a, _ := EncodeCommand(Motor{Left: 1000, Right: -1000})
	b, _ := EncodeCommand(LED{R: 1, G: 2, B: 3})
	stream := append(append([]byte{}, a...), b...)

	dec := NewCommandDecoder()
	var got []CommandFrame
	for i := range stream {
		frames, errs := dec.Push(stream[i : i+1])
		if len(errs) != 0 {
			t.Fatalf("byte %d: errs = %v", i, errs)
		}
		if i == len(a)-1 && len(frames) != 1 {
			t.Fatalf("frame not yielded on its delimiter")
		}
		got = append(got, frames...)
	}
	want := []CommandFrame{Motor{Left: 1000, Right: -1000}, LED{R: 1, G: 2, B: 3}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if dec.Buffered() != 0 {
		t.Errorf("Buffered() = %d after complete frames", dec.Buffered())
	}
}

func TestDecoderIgnoresEmptyBlocks(t *testing.T) {
	f, _ := EncodeTelemetry(NoDistance())
	stream := append([]byte{0, 0, 0}, f...)
	stream = append(stream, 0, 0)

	frames, errs := NewTelemetryDecoder().Push(stream)
	if len(errs) != 0 {
		t.Errorf("errs = %v", errs)
	}
	if len(frames) != 1 {
		t.Errorf("got %d frames, want 1", len(frames))
	}
}

func TestDecoderDropsOversizeBlock(t *testing.T) {
	dec := NewTelemetryDecoder()
	junk := bytes.Repeat([]byte{0x11}, MaxFrameSize)

	// Split across pushes so the overflow spans calls.
	frames, errs := dec.Push(junk[:300])
	if len(frames)+len(errs) != 0 {
		t.Fatalf("unexpected output before delimiter")
	}
	frames, errs = dec.Push(junk[300:])
	if len(frames)+len(errs) != 0 {
		t.Fatalf("unexpected output before delimiter")
	}

	good, _ := EncodeTelemetry(Distance(7))
	frames, errs = dec.Push(append([]byte{Delimiter}, good...))
	if len(errs) != 1 || !errors.Is(errs[0], ErrFrameTooLarge) {
		t.Errorf("errs = %v, want one ErrFrameTooLarge", errs)
	}
	if !reflect.DeepEqual(frames, []TelemetryFrame{Distance(7)}) {
		t.Errorf("frames = %v, want the frame after the oversize block", frames)
	}
}

func TestEncodeTooLarge(t *testing.T) {
	cmds := make([]CommandFrame, 200)
	for i := range cmds {
		cmds[i] = Motor{Left: math.MaxInt32, Right: math.MinInt32}
	}
	if _, err := EncodeCommand(Reset{Commands: cmds}); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("EncodeCommand() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestCOBS(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"empty", []byte{}, []byte{0x01}},
		{"single zero", []byte{0x00}, []byte{0x01, 0x01}},
		{"two zeros", []byte{0x00, 0x00}, []byte{0x01, 0x01, 0x01}},
		{"zero inside", []byte{0x11, 0x22, 0x00, 0x33}, []byte{0x03, 0x11, 0x22, 0x02, 0x33}},
		{"no zeros", []byte{0x11, 0x22, 0x33, 0x44}, []byte{0x05, 0x11, 0x22, 0x33, 0x44}},
		{"trailing zero", []byte{0x11, 0x00}, []byte{0x02, 0x11, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cobsEncode(nil, tt.in)
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("cobsEncode() = %x, want %x", got, tt.want)
			}
			back, err := cobsDecode(nil, got)
			if err != nil {
				t.Fatalf("cobsDecode() error = %v", err)
			}
			if !bytes.Equal(back, tt.in) {
				t.Errorf("cobsDecode() = %x, want %x", back, tt.in)
			}
		})
	}
}

func TestCOBSLongRun(t *testing.T) {
	for _, n := range []int{253, 254, 255, 508, 509} {
		in := bytes.Repeat([]byte{0xab}, n)
		enc := cobsEncode(nil, in)
		if len(enc) > cobsMaxEncodedLen(n) {
			t.Errorf("n=%d: encoded %d bytes, bound %d", n, len(enc), cobsMaxEncodedLen(n))
		}
		if bytes.IndexByte(enc, 0) >= 0 {
			t.Errorf("n=%d: encoding contains a zero", n)
		}
		back, err := cobsDecode(nil, enc)
		if err != nil || !bytes.Equal(back, in) {
			t.Errorf("n=%d: round trip failed: %v", n, err)
		}
	}
}
