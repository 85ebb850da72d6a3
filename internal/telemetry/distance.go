package telemetry

import (
	"fmt"
	"time"

	"roland/internal/protocol"
)

// DefaultWindow is the number of readings averaged by DistanceEstimate.
const DefaultWindow = 4

// DefaultFreshness is how long a distance stays usable after it was measured.
const DefaultFreshness = 100 * time.Millisecond

// DistanceEstimate is a fixed-capacity ring of ranging readings.
type DistanceEstimate struct {
	buf  []uint16
	next int
	n    int
}

// NewDistanceEstimate returns an empty ring holding capacity readings.
func NewDistanceEstimate(capacity int) *DistanceEstimate {
	if capacity <= 0 {
		capacity = DefaultWindow
	}
	return &DistanceEstimate{buf: make([]uint16, capacity)}
}

// Push adds cm, evicting the oldest reading when full.
func (d *DistanceEstimate) Push(cm uint16) {
	d.buf[d.next] = cm
	d.next = (d.next + 1) % len(d.buf)
	if d.n < len(d.buf) {
		d.n++
	}
}

// Mean returns the average of the held readings; false when empty.
func (d *DistanceEstimate) Mean() (float64, bool) {
	if d.n == 0 {
		return 0, false
	}
	var sum float64
	for i := 0; i < d.n; i++ {
		sum += float64(d.buf[i])
	}
	return sum / float64(d.n), true
}

// Len returns the number of held readings.
func (d *DistanceEstimate) Len() int { return d.n }

// Cap returns the ring capacity.
func (d *DistanceEstimate) Cap() int { return len(d.buf) }

// Distance is the published ranging state. Valid is false when the last
// frame carried no reading.
type Distance struct {
	Mean    float64
	Valid   bool
	Updated time.Time
}

// Fresh returns the mean if it is valid and no older than window at now.
func (d Distance) Fresh(now time.Time, window time.Duration) (float64, bool) {
	if !d.Valid || d.Updated.IsZero() || now.Sub(d.Updated) > window {
		return 0, false
	}
	return d.Mean, true
}

func (d Distance) String() string {
	if !d.Valid {
		return "none"
	}
	return fmt.Sprintf("%.1fcm", d.Mean)
}

// TrackState holds the last reported level of each track sensor, indexed by
// protocol.TrackSensorID.
type TrackState [protocol.TrackSensorCount]bool

// Set returns a copy of s with id's bit replaced.
func (s TrackState) Set(id protocol.TrackSensorID, state bool) TrackState {
	if id.Valid() {
		s[id] = state
	}
	return s
}
