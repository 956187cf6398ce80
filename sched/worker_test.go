package sched

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trackdash/cancore/bus"
)

// fakeHandle is a scriptable bus handle with a recording send side.
type fakeHandle struct {
	name     string
	rx       chan bus.Frame
	sent     chan bus.Frame
	resets   atomic.Int32
	resetErr error
}

func newFakeHandle(name string) *fakeHandle {
	return &fakeHandle{
		name: name,
		rx:   make(chan bus.Frame, 16),
		sent: make(chan bus.Frame, 64),
	}
}

func (h *fakeHandle) Name() string { return h.name }

func (h *fakeHandle) Receive(ctx context.Context) (bus.Frame, error) {
	select {
	case f := <-h.rx:
		return f, nil
	case <-ctx.Done():
		return bus.Frame{}, ctx.Err()
	}
}

func (h *fakeHandle) Send(f bus.Frame) error {
	select {
	case h.sent <- f:
		return nil
	default:
		return bus.ErrTxQueueFull
	}
}

func (h *fakeHandle) Close() error { return nil }

func (h *fakeHandle) Reset(ctx context.Context) error {
	h.resets.Add(1)
	return h.resetErr
}

func waitFrame(t *testing.T, ch <-chan bus.Frame) bus.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return bus.Frame{}
	}
}

func waitEvent(t *testing.T, ch <-chan HealthEvent, want HealthState) HealthEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.State == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v event", want)
		}
	}
}

func TestSendPriorityOrder(t *testing.T) {
	h := newFakeHandle("radar0")
	cfg := DefaultConfig()
	cfg.Watchdog = 0
	w := NewWorker(h, cfg, func(bus.Frame) {}, nil, slog.Default())

	// Queue lower priorities first so FIFO order alone cannot pass.
	w.Sink(PriorityPoll).Submit(bus.NewFrame("radar0", 0x30, nil))
	w.Sink(PriorityDiag).Submit(bus.NewFrame("radar0", 0x20, nil))
	w.Sink(PriorityDiag).Submit(bus.NewFrame("radar0", 0x21, nil))
	w.Sink(PriorityRadar).Submit(bus.NewFrame("radar0", 0x10, nil))
	w.Sink(PriorityRadar).Submit(bus.NewFrame("radar0", 0x11, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	var got []uint32
	for i := 0; i < 5; i++ {
		got = append(got, waitFrame(t, h.sent).ID)
	}
	want := []uint32{0x10, 0x11, 0x20, 0x21, 0x30}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("send order = %#x, want %#x", got, want)
		}
	}
}

func TestTxQueueBounded(t *testing.T) {
	h := newFakeHandle("obd0")
	cfg := DefaultConfig()
	cfg.QueueDepth = 2
	cfg.Watchdog = 0
	w := NewWorker(h, cfg, func(bus.Frame) {}, nil, slog.Default())

	sink := w.Sink(PriorityPoll)
	sink.Submit(bus.NewFrame("obd0", 1, nil))
	sink.Submit(bus.NewFrame("obd0", 2, nil))
	if err := sink.Submit(bus.NewFrame("obd0", 3, nil)); !errors.Is(err, bus.ErrTxQueueFull) {
		t.Fatalf("err = %v, want ErrTxQueueFull", err)
	}
}

func TestWatchdogRecoversStalledBus(t *testing.T) {
	h := newFakeHandle("vehicle0")
	cfg := Config{Watchdog: 50 * time.Millisecond, QueueDepth: 8, MaxReinits: 3, ReinitBackoff: time.Millisecond}
	health := make(chan HealthEvent, 8)
	w := NewWorker(h, cfg, func(bus.Frame) {}, health, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	waitEvent(t, health, HealthStalled)
	waitEvent(t, health, HealthRecovered)
	if h.resets.Load() == 0 {
		t.Fatal("handle was never reset")
	}
}

func TestWatchdogExhaustionIdlesOnlyThatBus(t *testing.T) {
	stalled := newFakeHandle("radar0")
	stalled.resetErr = errors.New("interface gone")

	lb := bus.NewLoopback("vehicle0")
	defer lb.Close()
	peer := lb.Open()

	var delivered atomic.Int64
	s := New(slog.Default())
	health := s.Health()

	cfgA := Config{Watchdog: 50 * time.Millisecond, QueueDepth: 8, MaxReinits: 1, ReinitBackoff: time.Millisecond}
	if _, err := s.AddBus(stalled, cfgA, func(bus.Frame) {}); err != nil {
		t.Fatalf("AddBus: %v", err)
	}
	cfgB := DefaultConfig()
	cfgB.Watchdog = 0
	if _, err := s.AddBus(lb.Open(), cfgB, func(bus.Frame) { delivered.Add(1) }); err != nil {
		t.Fatalf("AddBus: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				peer.Send(bus.NewFrame("vehicle0", 0x100, []byte{1}))
			}
		}
	}()

	waitEvent(t, health, HealthError)

	// The failed bus idles while the healthy one keeps flowing.
	before := delivered.Load()
	time.Sleep(100 * time.Millisecond)
	if after := delivered.Load(); after <= before {
		t.Fatalf("healthy bus stopped: %d -> %d", before, after)
	}
}
