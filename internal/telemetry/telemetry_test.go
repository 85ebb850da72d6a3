package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"roland/internal/protocol"
)

func TestDistanceEstimateAveraging(t *testing.T) {
	d := NewDistanceEstimate(4)
	if _, ok := d.Mean(); ok {
		t.Fatal("empty estimate reported a mean")
	}
	for _, cm := range []uint16{10, 20, 30, 40} {
		d.Push(cm)
	}
	if m, _ := d.Mean(); m != 25 {
		t.Fatalf("Mean() = %v, want 25", m)
	}
	d.Push(50)
	if m, ok := d.Mean(); !ok || m != 35 {
		t.Errorf("Mean() = %v, %v; want 35, true", m, ok)
	}
	if d.Len() != 4 {
		t.Errorf("Len() = %d, want 4", d.Len())
	}
}

func TestTrackStateBitIndependence(t *testing.T) {
	var s TrackState
	s = s.Set(protocol.R1, true)
	if s != (TrackState{false, false, true, false}) {
		t.Fatalf("after R1: %v", s)
	}
	s = s.Set(protocol.L1, true)
	if s != (TrackState{true, false, true, false}) {
		t.Errorf("after L1: %v", s)
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestHubDistance(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	h := NewHub(4, clock.now)
	rx := h.SubscribeDistance()

	for _, cm := range []uint16{10, 20, 30, 40, 50} {
		h.Apply(protocol.Distance(cm))
	}
	d := rx.Borrow()
	if !d.Valid || d.Mean != 35 {
		t.Fatalf("distance = %+v, want mean 35", d)
	}
	if m, ok := d.Fresh(clock.t.Add(50*time.Millisecond), DefaultFreshness); !ok || m != 35 {
		t.Errorf("Fresh() within window = %v, %v", m, ok)
	}
	if _, ok := d.Fresh(clock.t.Add(150*time.Millisecond), DefaultFreshness); ok {
		t.Error("Fresh() past window reported a value")
	}

	h.Apply(protocol.NoDistance())
	if d := h.Distance(); d.Valid {
		t.Errorf("after empty reading distance = %+v, want invalid", d)
	}

	// The ring is untouched by an empty reading.
	h.Apply(protocol.Distance(60))
	if d := h.Distance(); d.Mean != 45 {
		t.Errorf("mean = %v, want 45", d.Mean)
	}
}

func TestHubTrackPublishesOnlyOnChange(t *testing.T) {
	h := NewHub(4, nil)
	rx := h.SubscribeTrack()

	h.Apply(protocol.TrackSensor{ID: protocol.R1, State: true})
	select {
	case <-rx.Ready():
	default:
		t.Fatal("no change signalled")
	}
	if s := rx.Borrow(); s != (TrackState{false, false, true, false}) {
		t.Fatalf("track = %v", s)
	}

	h.Apply(protocol.TrackSensor{ID: protocol.R1, State: true})
	select {
	case <-rx.Ready():
		t.Fatal("repeated state was republished")
	default:
	}

	h.Apply(protocol.TrackSensor{ID: protocol.TrackSensorID(9), State: true})
	if s := h.Track(); s != (TrackState{false, false, true, false}) {
		t.Errorf("unknown sensor changed state: %v", s)
	}
}

func TestWatchChanged(t *testing.T) {
	w := NewWatch(0)
	rx := w.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rx.Changed(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Changed() with nothing new = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- rx.Changed(context.Background()) }()
	time.Sleep(5 * time.Millisecond)
	w.Publish(1)
	w.Publish(2)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Changed() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Changed() did not wake on publish")
	}
	if v := rx.Borrow(); v != 2 {
		t.Errorf("Borrow() = %d, want latest value 2", v)
	}
}

func TestWatchSlowReaderDoesNotBlock(t *testing.T) {
	w := NewWatch(0)
	slow := w.Subscribe()
	fast := w.Subscribe()

	for i := 1; i <= 1000; i++ {
		w.Publish(i)
		if v := fast.Borrow(); v != i {
			t.Fatalf("fast reader saw %d, want %d", v, i)
		}
	}
	if v := slow.Borrow(); v != 1000 {
		t.Errorf("slow reader saw %d, want 1000", v)
	}
}

func TestWatchClose(t *testing.T) {
	w := NewWatch("a")
	rx := w.Subscribe()
	w.Publish("b")
	w.Close()
	w.Publish("c")

	if err := rx.Changed(context.Background()); err != nil {
		t.Fatalf("Changed() with unseen final value = %v", err)
	}
	if v := rx.Borrow(); v != "b" {
		t.Errorf("Borrow() = %q, want b", v)
	}
	if err := rx.Changed(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Changed() after close = %v, want ErrClosed", err)
	}
}
