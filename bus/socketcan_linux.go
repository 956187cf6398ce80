//go:build linux

package bus

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.einride.tech/can/pkg/socketcan"
)

// SocketCAN adapts an already-configured SocketCAN interface (e.g. can0,
// vcan1) to the Handle contract. Interface bring-up (bitrate, link state) is
// the host's responsibility.
type SocketCAN struct {
	name   string
	device string

	mu   sync.Mutex
	conn net.Conn

	rx   chan Frame
	tx   chan Frame
	done chan struct{}

	closeOnce sync.Once
}

// DialSocketCAN binds a handle to a named SocketCAN device. txDepth bounds
// the outbound queue; zero selects a default.
func DialSocketCAN(ctx context.Context, busName, device string, txDepth int) (*SocketCAN, error) {
	conn, err := socketcan.DialContext(ctx, "can", device)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", device, err)
	}
	if txDepth <= 0 {
		txDepth = defaultTxDepth
	}
	h := &SocketCAN{
		name:   busName,
		device: device,
		conn:   conn,
		rx:     make(chan Frame, loopbackRxDepth),
		tx:     make(chan Frame, txDepth),
		done:   make(chan struct{}),
	}
	go h.recvLoop(conn)
	go h.sendLoop(conn)
	return h, nil
}

func (h *SocketCAN) Name() string { return h.name }

func (h *SocketCAN) recvLoop(conn net.Conn) {
	rx := socketcan.NewReceiver(conn)
	for rx.Receive() {
		f := Frame{Frame: rx.Frame(), Bus: h.name, Timestamp: time.Now()}
		select {
		case h.rx <- f:
		case <-h.done:
			return
		default:
			// Inbound buffer saturated; the frame is dropped like a
			// controller overrun.
		}
	}
}

func (h *SocketCAN) sendLoop(conn net.Conn) {
	tx := socketcan.NewTransmitter(conn)
	for {
		select {
		case <-h.done:
			return
		case f := <-h.tx:
			if err := tx.TransmitFrame(context.Background(), f.Frame); err != nil {
				return
			}
		}
	}
}

func (h *SocketCAN) Receive(ctx context.Context) (Frame, error) {
	select {
	case f := <-h.rx:
		return f, nil
	case <-h.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (h *SocketCAN) Send(f Frame) error {
	select {
	case <-h.done:
		return ErrClosed
	default:
	}
	select {
	case h.tx <- f:
		return nil
	default:
		return ErrTxQueueFull
	}
}

// Reset re-dials the underlying device. Used by the scheduler watchdog after
// a stall.
func (h *SocketCAN) Reset(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return ErrClosed
	default:
	}
	if h.conn != nil {
		h.conn.Close()
	}
	conn, err := socketcan.DialContext(ctx, "can", h.device)
	if err != nil {
		return fmt.Errorf("redial %s: %w", h.device, err)
	}
	h.conn = conn
	go h.recvLoop(conn)
	go h.sendLoop(conn)
	return nil
}

func (h *SocketCAN) Close() error {
	h.closeOnce.Do(func() { close(h.done) })
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != nil {
		return h.conn.Close()
	}
	return nil
}
