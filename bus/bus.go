// Package bus defines the handle abstraction over one physical or simulated
// CAN bus. A Handle is already bound and configured at the OS level; this
// package only moves frames.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.einride.tech/can"
)

// Role classifies what kind of traffic a bus carries.
type Role string

const (
	RoleRadar   Role = "radar"
	RoleOBD     Role = "obd"
	RoleVehicle Role = "vehicle"
	RoleSpare   Role = "spare"
)

// ParseRole converts a configuration string into a Role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleRadar, RoleOBD, RoleVehicle, RoleSpare:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown bus role %q", s)
}

// Descriptor describes one configured bus. Immutable after configuration
// load.
type Descriptor struct {
	Name        string
	Role        Role
	BitrateKbps int

	// LiveVehicle marks a bus that is attached to a real vehicle. The
	// simulator must never be bound to such a bus.
	LiveVehicle bool
}

// Frame is a classical CAN frame tagged with its source bus and capture
// timestamp. It is passed by value through the pipeline.
type Frame struct {
	can.Frame

	Bus       string
	Timestamp time.Time
}

// NewFrame builds a Frame from raw parts, truncating data to the classical
// CAN limit.
func NewFrame(busName string, id uint32, data []byte) Frame {
	f := Frame{Bus: busName, Timestamp: time.Now()}
	f.ID = id
	if len(data) > can.MaxDataLength {
		data = data[:can.MaxDataLength]
	}
	f.Length = uint8(len(data))
	copy(f.Data[:], data)
	if id > 0x7FF {
		f.IsExtended = true
	}
	return f
}

// Payload returns the valid data bytes of the frame.
func (f Frame) Payload() []byte {
	n := int(f.Length)
	if n > len(f.Data) {
		n = len(f.Data)
	}
	return f.Data[:n]
}

var (
	// ErrClosed indicates the handle has been closed.
	ErrClosed = errors.New("bus: handle closed")

	// ErrTxQueueFull indicates the bounded outbound queue is saturated.
	ErrTxQueueFull = errors.New("bus: tx queue full")
)

// Handle is an opaque interface to one bound CAN bus.
//
// Receive blocks until a frame arrives, the context is cancelled, or the
// handle is closed. Send is non-blocking: frames are staged on a bounded
// outbound queue and ErrTxQueueFull is returned when it is saturated.
// Implementations must be safe for concurrent use.
type Handle interface {
	Name() string
	Receive(ctx context.Context) (Frame, error)
	Send(f Frame) error
	Close() error
}

// Resetter is implemented by handles that support re-initialization after a
// stall or bus-off condition.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Sink accepts outbound frames. The scheduler hands prioritized sinks to
// components that transmit, so all traffic competes for the per-bus send
// slot under one arbiter.
type Sink interface {
	Submit(f Frame) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(f Frame) error

func (fn SinkFunc) Submit(f Frame) error { return fn(f) }
