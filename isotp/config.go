package isotp

import (
	"fmt"
	"time"
)

// Address binds a transport to one diagnostic exchange pair on a bus.
type Address struct {
	// RequestID is the arbitration id this side transmits on.
	RequestID uint32
	// ResponseID is the arbitration id the peer answers on.
	ResponseID uint32
	// Extended selects 29-bit identifiers.
	Extended bool
}

// Accepts reports whether an inbound arbitration id belongs to this session.
func (a Address) Accepts(id uint32) bool { return id == a.ResponseID }

// Flip swaps the directions, turning a requester address into the matching
// responder address. Used by the simulator to act as the peer.
func (a Address) Flip() Address {
	return Address{RequestID: a.ResponseID, ResponseID: a.RequestID, Extended: a.Extended}
}

// Config holds the transport layer parameters.
type Config struct {
	// TimeoutN_Bs bounds the wait for a Flow Control after a First Frame or
	// a completed block.
	TimeoutN_Bs time.Duration
	// TimeoutN_Cr bounds the wait for the next Consecutive Frame.
	TimeoutN_Cr time.Duration

	// BlockSize advertised in our Flow Control frames. 0 lets the peer send
	// every Consecutive Frame without further flow control.
	BlockSize int
	// STmin advertised in our Flow Control frames. Vendor stacks disagree on
	// safe values, so this stays configurable; the default is conservative.
	STmin time.Duration

	// PaddingByte, when set, pads every transmitted frame to MaxDataLength.
	PaddingByte *byte

	// MaxFrameSize caps the reassembled payload length we accept.
	MaxFrameSize int

	// MaxDataLength is the CAN payload capacity: 8 for classical CAN, up to
	// 64 with extended framing.
	MaxDataLength int
}

// DefaultConfig returns ISO 15765-2 recommended parameters for classical
// CAN.
func DefaultConfig() Config {
	return Config{
		TimeoutN_Bs:   1000 * time.Millisecond,
		TimeoutN_Cr:   1000 * time.Millisecond,
		BlockSize:     0,
		STmin:         10 * time.Millisecond,
		MaxFrameSize:  4095,
		MaxDataLength: 8,
	}
}

// Validate checks parameter ranges.
func (c *Config) Validate() error {
	if c.TimeoutN_Bs <= 0 || c.TimeoutN_Cr <= 0 {
		return fmt.Errorf("isotp: session deadlines must be positive")
	}
	if c.BlockSize < 0 || c.BlockSize > 0xFF {
		return fmt.Errorf("isotp: block size must be within 0..255")
	}
	if c.STmin < 0 || c.STmin > 127*time.Millisecond {
		return fmt.Errorf("isotp: stmin must be within 0..127ms")
	}
	switch c.MaxDataLength {
	case 8, 12, 16, 20, 24, 32, 48, 64:
	default:
		return fmt.Errorf("isotp: max data length %d not a valid CAN DLC size", c.MaxDataLength)
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("isotp: max frame size must be positive")
	}
	return nil
}
