package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"roland/internal/protocol"
)

// Hub is the single writer for both telemetry topics. The link read flow
// feeds it; control tasks and the gateway subscribe to it.
type Hub struct {
	mu   sync.Mutex
	ring *DistanceEstimate
	now  func() time.Time
	log  zerolog.Logger

	distance *Watch[Distance]
	track    *Watch[TrackState]
}

// NewHub returns a hub averaging over capacity readings. A nil clock uses
// time.Now.
func NewHub(capacity int, clock func() time.Time) *Hub {
	if clock == nil {
		clock = time.Now
	}
	return &Hub{
		ring:     NewDistanceEstimate(capacity),
		now:      clock,
		log:      log.With().Str("component", "telemetry").Logger(),
		distance: NewWatch(Distance{}),
		track:    NewWatch(TrackState{}),
	}
}

// Apply folds one decoded frame into the published state.
func (h *Hub) Apply(f protocol.TelemetryFrame) {
	switch v := f.(type) {
	case protocol.UltraSensor:
		h.applyUltra(v)
	case protocol.TrackSensor:
		h.applyTrack(v)
	default:
		h.log.Warn().Msgf("unhandled telemetry frame %T", f)
	}
}

func (h *Hub) applyUltra(u protocol.UltraSensor) {
	now := h.now()
	if u.Distance == nil {
		// An absent reading is published as such; the ring keeps its history.
		h.distance.Publish(Distance{Valid: false, Updated: now})
		h.log.Trace().Msg("ultra: no reading")
		return
	}

	h.mu.Lock()
	h.ring.Push(*u.Distance)
	mean, _ := h.ring.Mean()
	h.mu.Unlock()

	h.distance.Publish(Distance{Mean: mean, Valid: true, Updated: now})
	h.log.Trace().Uint16("cm", *u.Distance).Float64("mean", mean).Msg("ultra")
}

func (h *Hub) applyTrack(t protocol.TrackSensor) {
	if !t.ID.Valid() {
		h.log.Warn().Uint8("id", uint8(t.ID)).Msg("track frame for unknown sensor")
		return
	}
	changed := h.track.Update(func(s *TrackState) bool {
		if s[t.ID] == t.State {
			return false
		}
		*s = s.Set(t.ID, t.State)
		return true
	})
	if changed {
		h.log.Trace().Stringer("sensor", t.ID).Bool("state", t.State).Msg("track")
	}
}

// SubscribeDistance returns a receiver for the distance topic.
func (h *Hub) SubscribeDistance() *Receiver[Distance] { return h.distance.Subscribe() }

// SubscribeTrack returns a receiver for the track topic.
func (h *Hub) SubscribeTrack() *Receiver[TrackState] { return h.track.Subscribe() }

// Distance returns the latest distance state.
func (h *Hub) Distance() Distance { return h.distance.Latest() }

// Track returns the latest track state.
func (h *Hub) Track() TrackState { return h.track.Latest() }

// Now returns the hub's clock reading.
func (h *Hub) Now() time.Time { return h.now() }

// Close ends both topics. Receivers drain the final value and then get
// ErrClosed.
func (h *Hub) Close() {
	h.distance.Close()
	h.track.Close()
}
