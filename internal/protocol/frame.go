// Package protocol implements the framed binary link between the host and the
// microcontroller.
//
// Every message is a small tagged union serialised into a compact payload and
// stuffed with COBS so that 0x00 only ever appears as the frame delimiter:
//
//	COBS(payload) | 0x00
//
// Telemetry frames flow controller -> host, command frames host -> controller.
package protocol

import "fmt"

// TrackSensorID identifies one of the four line-tracking photo-sensors.
// The numeric value is the bit index inside a track snapshot.
type TrackSensorID uint8

const (
	L1 TrackSensorID = iota
	L2
	R1
	R2
)

// TrackSensorCount is the number of line-tracking sensors on the chassis.
const TrackSensorCount = 4

func (id TrackSensorID) String() string {
	switch id {
	case L1:
		return "L1"
	case L2:
		return "L2"
	case R1:
		return "R1"
	case R2:
		return "R2"
	}
	return fmt.Sprintf("TrackSensorID(%d)", uint8(id))
}

// Valid reports whether id names one of the four sensors.
func (id TrackSensorID) Valid() bool { return id < TrackSensorCount }

// TelemetryFrame is a frame sent by the controller. The concrete types are
// UltraSensor and TrackSensor.
type TelemetryFrame interface {
	telemetryFrame()
}

// UltraSensor carries one ranging result in centimetres. Distance is nil when
// the measurement timed out or fell outside the sensor's valid range.
type UltraSensor struct {
	Distance *uint16
}

// TrackSensor is an edge event for a single track sensor.
type TrackSensor struct {
	ID    TrackSensorID
	State bool
}

func (UltraSensor) telemetryFrame() {}
func (TrackSensor) telemetryFrame() {}

// Distance returns an UltraSensor frame holding cm.
func Distance(cm uint16) UltraSensor { return UltraSensor{Distance: &cm} }

// NoDistance returns an UltraSensor frame with no reading.
func NoDistance() UltraSensor { return UltraSensor{} }

func (u UltraSensor) String() string {
	if u.Distance == nil {
		return "UltraSensor(none)"
	}
	return fmt.Sprintf("UltraSensor(%d)", *u.Distance)
}

func (t TrackSensor) String() string {
	return fmt.Sprintf("TrackSensor(%s,%t)", t.ID, t.State)
}

// CommandFrame is an actuation command sent by the host. The concrete types
// are Buzzer, LED, Servo, Motor and Reset.
type CommandFrame interface {
	commandFrame()
}

// Buzzer sets the buzzer frequency in Hz; 0 silences it.
type Buzzer struct {
	Freq uint16
}

// LED sets the RGB LED intensity per channel.
type LED struct {
	R, G, B uint8
}

// Servo rotates the camera servo; 0 is centre, valid range -90..90. Decoders
// reject angles outside that range.
type Servo struct {
	Degrees int8
}

// Motor drives the two H-bridge channels. The sign is the direction and the
// magnitude the duty, in -MaxDuty..MaxDuty. Decoders reject duties outside
// that range.
type Motor struct {
	Left, Right int32
}

// Reset is a host-side pseudo-command: the link writer applies each inner
// command in order and then ends the link session.
type Reset struct {
	Commands []CommandFrame
}

func (Buzzer) commandFrame() {}
func (LED) commandFrame()    {}
func (Servo) commandFrame()  {}
func (Motor) commandFrame()  {}
func (Reset) commandFrame()  {}

// MaxDuty is the full-scale motor duty.
const MaxDuty = 0xffff

// Servo limits in degrees.
const (
	ServoMin = -90
	ServoMax = 90
)
