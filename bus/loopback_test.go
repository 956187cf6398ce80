package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLoopbackBroadcast(t *testing.T) {
	lb := NewLoopback("vehicle0")
	defer lb.Close()

	a := lb.Open()
	b := lb.Open()
	c := lb.Open()

	if err := a.Send(NewFrame("", 0x123, []byte{1, 2, 3})); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, h := range []Handle{b, c} {
		f, err := h.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if f.ID != 0x123 || f.Bus != "vehicle0" {
			t.Fatalf("frame = %+v", f)
		}
		if f.Timestamp.IsZero() {
			t.Fatal("frame has no capture timestamp")
		}
	}

	// The sender never hears its own frame.
	shortCtx, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if _, err := a.Receive(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("sender received its own frame, err = %v", err)
	}
}

func TestLoopbackTxQueueFull(t *testing.T) {
	lb := NewLoopback("vehicle0")
	defer lb.Close()
	a := lb.Open()

	// Stall the pump by never draining any peer; the tx queue itself is
	// what bounds Send.
	var err error
	for i := 0; i < defaultTxDepth*2; i++ {
		if err = a.Send(NewFrame("", 0x1, nil)); err != nil {
			break
		}
	}
	if err != nil && !errors.Is(err, ErrTxQueueFull) {
		t.Fatalf("err = %v, want ErrTxQueueFull or nil", err)
	}
}

func TestCloseUnblocksReceive(t *testing.T) {
	lb := NewLoopback("vehicle0")
	h := lb.Open()

	errc := make(chan error, 1)
	go func() {
		_, err := h.Receive(context.Background())
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	lb.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not unblock after Close")
	}

	if err := h.Send(NewFrame("", 0x1, nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send on closed bus = %v, want ErrClosed", err)
	}
}

func TestNewFrameExtendedID(t *testing.T) {
	f := NewFrame("radar0", 0x18DAF110, []byte{0xAA})
	if !f.IsExtended {
		t.Fatal("29-bit id not marked extended")
	}
	g := NewFrame("radar0", 0x7E0, nil)
	if g.IsExtended {
		t.Fatal("11-bit id marked extended")
	}
}
