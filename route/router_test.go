package route

import (
	"log/slog"
	"testing"
	"time"

	"github.com/trackdash/cancore/bus"
	"github.com/trackdash/cancore/codec"
)

func testDefs() []codec.SignalDefinition {
	return []codec.SignalDefinition{
		{
			Channel: "rpm", Source: codec.SourceCANNative, Bus: "vehicle0",
			FrameID: 0x316, StartBit: 16, BitLength: 16, Scale: 0.25,
		},
		{
			Channel: "coolant_temp", Source: codec.SourceOBD, Bus: "obd0",
			Mode: 0x01, PID: 0x05, StartBit: 0, BitLength: 8, Scale: 1, Offset: -40,
		},
	}
}

func newTestRouter(t *testing.T, defs []codec.SignalDefinition) (*Router, *Store) {
	t.Helper()
	store := NewStore(Channels(defs))
	r, err := NewRouter(defs, store, slog.Default())
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return r, store
}

func TestRouteFrame(t *testing.T) {
	r, store := newTestRouter(t, testDefs())

	f := bus.NewFrame("vehicle0", 0x316, []byte{0, 0, 0x40, 0x1F, 0, 0, 0, 0})
	r.HandleFrame(f)

	s, ok := store.Latest("rpm")
	if !ok {
		t.Fatal("rpm not published")
	}
	if s.Value != 8000*0.25 {
		t.Fatalf("rpm = %v, want 2000", s.Value)
	}
}

func TestRoutePID(t *testing.T) {
	r, store := newTestRouter(t, testDefs())

	r.HandlePID("obd0", 0x01, 0x05, []byte{0x7B}, time.Now())

	s, ok := store.Latest("coolant_temp")
	if !ok {
		t.Fatal("coolant_temp not published")
	}
	if s.Value != 123-40 {
		t.Fatalf("coolant = %v, want 83", s.Value)
	}
}

func TestUnmappedFrameDropped(t *testing.T) {
	r, store := newTestRouter(t, testDefs())

	r.HandleFrame(bus.NewFrame("vehicle0", 0x7FF, []byte{1, 2, 3, 4}))
	r.HandleFrame(bus.NewFrame("spare0", 0x316, []byte{0, 0, 0x40, 0x1F}))

	if _, ok := store.Latest("rpm"); ok {
		t.Fatal("unmapped frame published a value")
	}
	if r.Dropped() != 0 {
		t.Fatalf("dropped = %d, want 0 (unmapped is not an error)", r.Dropped())
	}
}

func TestShortFrameCounted(t *testing.T) {
	r, _ := newTestRouter(t, testDefs())

	r.HandleFrame(bus.NewFrame("vehicle0", 0x316, []byte{0, 0}))
	if r.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", r.Dropped())
	}
}

func TestDuplicateChannelRejected(t *testing.T) {
	defs := testDefs()
	dup := defs[0]
	dup.FrameID = 0x317
	defs = append(defs, dup)

	store := NewStore(Channels(defs))
	if _, err := NewRouter(defs, store, slog.Default()); err == nil {
		t.Fatal("duplicate channel accepted")
	}
}

func TestRateGateConflates(t *testing.T) {
	defs := []codec.SignalDefinition{{
		Channel: "speed", Source: codec.SourceCANNative, Bus: "vehicle0",
		FrameID: 0x153, StartBit: 0, BitLength: 16, Scale: 0.01,
		MinInterval: 100 * time.Millisecond,
	}}
	r, store := newTestRouter(t, defs)

	base := time.Now()
	sub, cancel := store.Subscribe(16)
	defer cancel()

	for i := 0; i < 5; i++ {
		raw := uint16(1000 + i)
		f := bus.NewFrame("vehicle0", 0x153, []byte{byte(raw), byte(raw >> 8)})
		f.Timestamp = base.Add(time.Duration(i) * 10 * time.Millisecond)
		r.HandleFrame(f)
	}

	// Only the first update fits the interval; the rest conflate.
	if got := len(sub); got != 1 {
		t.Fatalf("published = %d, want 1", got)
	}
	first := <-sub
	if first.Value != 10.00 {
		t.Fatalf("first = %v, want 10.00", first.Value)
	}

	// Flush after the interval emits the newest pending value only.
	r.Flush(base.Add(150 * time.Millisecond))
	select {
	case s := <-sub:
		if s.Value != 10.04 {
			t.Fatalf("flushed = %v, want 10.04", s.Value)
		}
	default:
		t.Fatal("flush published nothing")
	}
	if len(sub) != 0 {
		t.Fatal("flush published more than the conflated sample")
	}
}

func TestSubscribeCancel(t *testing.T) {
	_, store := newTestRouter(t, testDefs())
	sub, cancel := store.Subscribe(1)
	cancel()
	store.Publish(Sample{Channel: "rpm", Value: 1})
	if len(sub) != 0 {
		t.Fatal("cancelled subscriber still receives")
	}
}
