package isotp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trackdash/cancore/bus"
)

func frameFor(id uint32, payload []byte) bus.Frame {
	return bus.NewFrame("obd0", id, payload)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.STmin = 0
	cfg.TimeoutN_Bs = 2 * time.Second
	cfg.TimeoutN_Cr = 2 * time.Second
	return cfg
}

// linkPair wires two transports into a virtual bus, counting frames in each
// direction.
func linkPair(ctx context.Context, t *testing.T, a, b *Transport) (aToB, bToA *atomic.Int64) {
	t.Helper()
	aToB = new(atomic.Int64)
	bToA = new(atomic.Int64)
	go a.Run(ctx)
	go b.Run(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-a.out:
				aToB.Add(1)
				select {
				case b.in <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-b.out:
				bToA.Add(1)
				select {
				case a.in <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return aToB, bToA
}

func newPair(t *testing.T, cfgA, cfgB Config) (*Transport, *Transport) {
	t.Helper()
	addr := Address{RequestID: 0x7E0, ResponseID: 0x7E8}
	a, err := New("obd0", addr, cfgA, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New("obd0", addr.Flip(), cfgB, nil)
	if err != nil {
		t.Fatal(err)
	}
	return a, b
}

func TestSegmentationReassembly(t *testing.T) {
	sizes := []int{8, 20, 62, 200, 4095}
	for _, n := range sizes {
		t.Run(fmt.Sprintf("%d_bytes", n), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			a, b := newPair(t, fastConfig(), fastConfig())
			aToB, _ := linkPair(ctx, t, a, b)

			payload := make([]byte, n)
			for i := range payload {
				payload[i] = byte(i * 7)
			}

			if err := a.Send(ctx, payload); err != nil {
				t.Fatalf("Send(%d bytes): %v", n, err)
			}

			select {
			case got := <-b.Inbound():
				if !bytes.Equal(got, payload) {
					t.Fatalf("reassembled payload differs from original (%d bytes)", n)
				}
			case <-ctx.Done():
				t.Fatalf("timed out waiting for %d byte payload", n)
			}

			// ceil((n-6)/7)+1 frames for a segmented payload.
			want := int64((n-6+6)/7) + 1
			if n <= 7 {
				want = 1
			}
			// Give the pump a moment to account for the last frame.
			deadline := time.Now().Add(time.Second)
			for aToB.Load() != want && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			if got := aToB.Load(); got != want {
				t.Errorf("payload of %d bytes used %d frames, want %d", n, got, want)
			}
		})
	}
}

func TestBlockSizePacing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfgB := fastConfig()
	cfgB.BlockSize = 4
	a, b := newPair(t, fastConfig(), cfgB)
	linkPair(ctx, t, a, b)

	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := a.Send(ctx, payload); err != nil {
		t.Fatalf("Send with block size pacing: %v", err)
	}
	select {
	case got := <-b.Inbound():
		if !bytes.Equal(got, payload) {
			t.Fatal("reassembled payload differs under block size pacing")
		}
	case <-ctx.Done():
		t.Fatal("timed out under block size pacing")
	}
}

func TestRequestResponse(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, b := newPair(t, fastConfig(), fastConfig())
	linkPair(ctx, t, a, b)

	// Responder echoes with a long answer to force segmentation both ways.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-b.Inbound():
				resp := append([]byte{req[0] + 0x40}, make([]byte, 60)...)
				if err := b.Send(ctx, resp); err != nil {
					return
				}
			}
		}
	}()

	resp, err := a.Request(ctx, []byte{0x22, 0xF1, 0x90})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if len(resp) != 61 || resp[0] != 0x62 {
		t.Fatalf("unexpected response: % X", resp[:4])
	}
}

func TestFlowControlTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := fastConfig()
	cfg.TimeoutN_Bs = 50 * time.Millisecond
	addr := Address{RequestID: 0x700, ResponseID: 0x708}
	a, err := New("obd0", addr, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	go a.Run(ctx)
	// Nobody drains a.out beyond buffering, and no peer answers.

	start := time.Now()
	err = a.Send(ctx, make([]byte, 100))
	if err == nil {
		t.Fatal("expected abort when flow control never arrives")
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.Phase != "N_Bs" {
		t.Fatalf("want N_Bs timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("abort took %v, want within the configured deadline order", elapsed)
	}
}

func TestConsecutiveFrameTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := fastConfig()
	cfg.TimeoutN_Cr = 50 * time.Millisecond
	addr := Address{RequestID: 0x7E8, ResponseID: 0x7E0}
	b, err := New("obd0", addr, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	go b.Run(ctx)

	// First frame announcing 20 bytes, then silence.
	b.in <- frameFor(0x7E0, []byte{0x10, 0x14, 1, 2, 3, 4, 5, 6})

	select {
	case err := <-b.Errs():
		var te *TimeoutError
		if !errors.As(err, &te) || te.Phase != "N_Cr" {
			t.Fatalf("want N_Cr timeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reception never timed out")
	}
}

// TestFirstFrameScenario walks the exact exchange: FF announcing 20 bytes
// with 6 data bytes, FC(CTS, BS 0), CF seq 1 and 2; reassembly must yield
// exactly 20 bytes in order.
func TestFirstFrameScenario(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr := Address{RequestID: 0x7E8, ResponseID: 0x7E0}
	b, err := New("obd0", addr, fastConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	go b.Run(ctx)

	want := make([]byte, 20)
	for i := range want {
		want[i] = byte(i + 1)
	}

	b.in <- frameFor(0x7E0, append([]byte{0x10, 0x14}, want[:6]...))

	// The receiver must answer with a flow control first.
	select {
	case f := <-b.out:
		fr, err := ParseFrame(f.Payload())
		if err != nil {
			t.Fatal(err)
		}
		fc, ok := fr.(*FlowControlFrame)
		if !ok {
			t.Fatalf("expected flow control, got %T", fr)
		}
		if fc.Status != FlowStatusContinueToSend {
			t.Fatalf("flow status = %d, want continue-to-send", fc.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("no flow control emitted after first frame")
	}

	b.in <- frameFor(0x7E0, append([]byte{0x21}, want[6:13]...))
	b.in <- frameFor(0x7E0, append([]byte{0x22}, want[13:20]...))

	select {
	case got := <-b.Inbound():
		if !bytes.Equal(got, want) {
			t.Fatalf("reassembled % X, want % X", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("payload never completed")
	}
}

func TestWrongSequenceNumberAborts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr := Address{RequestID: 0x7E8, ResponseID: 0x7E0}
	b, err := New("obd0", addr, fastConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	go b.Run(ctx)

	b.in <- frameFor(0x7E0, []byte{0x10, 0x14, 1, 2, 3, 4, 5, 6})
	<-b.out // flow control
	b.in <- frameFor(0x7E0, []byte{0x22, 7, 8, 9, 10, 11, 12, 13})

	select {
	case err := <-b.Errs():
		var wse *WrongSequenceNumberError
		if !errors.As(err, &wse) {
			t.Fatalf("want sequence error, got %v", err)
		}
		if wse.Expected != 1 || wse.Got != 2 {
			t.Fatalf("sequence error %+v, want expected=1 got=2", wse)
		}
	case <-time.After(time.Second):
		t.Fatal("out-of-order frame not rejected")
	}

	select {
	case <-b.Inbound():
		t.Fatal("aborted session delivered a payload")
	case <-time.After(100 * time.Millisecond):
	}
}
