// Package codec converts between raw CAN frame bytes and physical signal
// values using bit offset, bit length, scale and offset, the way a DBC entry
// describes a signal.
package codec

import (
	"fmt"
	"math"
	"time"
)

// SourceKind tells the router where a signal's raw bytes come from.
type SourceKind string

const (
	SourceCANNative SourceKind = "can_native"
	SourceOBD       SourceKind = "obd"
	SourceRadar     SourceKind = "radar"
)

// SignalDefinition describes how one telemetry channel is extracted from raw
// bytes. Loaded once from configuration and read-only at runtime.
type SignalDefinition struct {
	Channel string
	Source  SourceKind

	// Bus names the source bus. For OBD signals the bus carries the
	// diagnostic gateway.
	Bus string

	// FrameID is the CAN arbitration id for can_native and radar sources.
	FrameID uint32

	// Mode and PID select an OBD-II parameter for obd sources.
	Mode byte
	PID  byte

	StartBit  int
	BitLength int
	BigEndian bool
	Signed    bool

	Scale  float64
	Offset float64

	// MinInterval is the minimum spacing between published updates for this
	// channel. Zero means unlimited.
	MinInterval time.Duration
}

// Validate checks the static constraints of a definition.
func (d *SignalDefinition) Validate() error {
	if d.Channel == "" {
		return fmt.Errorf("signal has no channel name")
	}
	if d.BitLength < 1 || d.BitLength > 64 {
		return fmt.Errorf("channel %s: bit length %d out of range 1..64", d.Channel, d.BitLength)
	}
	if d.StartBit < 0 {
		return fmt.Errorf("channel %s: negative start bit", d.Channel)
	}
	if d.Scale == 0 {
		return fmt.Errorf("channel %s: zero scale", d.Channel)
	}
	switch d.Source {
	case SourceCANNative, SourceOBD, SourceRadar:
	default:
		return fmt.Errorf("channel %s: unknown source kind %q", d.Channel, d.Source)
	}
	return nil
}

// DecodeError reports raw bytes that cannot satisfy a definition, typically
// a DLC shorter than the signal's bit window. Frames producing it are
// dropped and counted, never fatal.
type DecodeError struct {
	Channel string
	Reason  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.Channel, e.Reason)
}

// Decode extracts the signal from data and applies value = raw*scale+offset.
func Decode(data []byte, def SignalDefinition) (float64, error) {
	if def.StartBit+def.BitLength > len(data)*8 {
		return 0, &DecodeError{
			Channel: def.Channel,
			Reason:  fmt.Sprintf("need %d bits, frame has %d", def.StartBit+def.BitLength, len(data)*8),
		}
	}
	raw := extractBits(data, def.StartBit, def.BitLength, def.BigEndian)
	if def.Signed {
		return float64(signExtend(raw, def.BitLength))*def.Scale + def.Offset, nil
	}
	return float64(raw)*def.Scale + def.Offset, nil
}

// Encode is the algebraic inverse of Decode. It patches the signal's bits in
// data in place. Values outside the representable range saturate at the bit
// width bounds instead of wrapping; the returned flag reports that the value
// was clamped so callers can log the condition.
func Encode(value float64, def SignalDefinition, data []byte) (clamped bool, err error) {
	if def.StartBit+def.BitLength > len(data)*8 {
		return false, &DecodeError{
			Channel: def.Channel,
			Reason:  fmt.Sprintf("need %d bits, frame has %d", def.StartBit+def.BitLength, len(data)*8),
		}
	}
	raw := int64(math.Round((value - def.Offset) / def.Scale))

	var lo, hi int64
	if def.Signed {
		hi = int64(1)<<(def.BitLength-1) - 1
		lo = -(int64(1) << (def.BitLength - 1))
	} else {
		lo = 0
		if def.BitLength == 64 {
			hi = int64(^uint64(0) >> 1)
		} else {
			hi = int64(1)<<def.BitLength - 1
		}
	}
	if raw < lo {
		raw = lo
		clamped = true
	} else if raw > hi {
		raw = hi
		clamped = true
	}

	mask := ^uint64(0)
	if def.BitLength < 64 {
		mask = uint64(1)<<def.BitLength - 1
	}
	patchBits(data, def.StartBit, def.BitLength, def.BigEndian, uint64(raw)&mask)
	return clamped, nil
}

// extractBits reads length bits starting at startBit. Little-endian counts
// bits LSB-first within each byte (Intel); big-endian counts MSB-first
// (Motorola), both over a contiguous bit run.
func extractBits(data []byte, startBit, length int, bigEndian bool) uint64 {
	var raw uint64
	if bigEndian {
		for i := 0; i < length; i++ {
			bit := startBit + i
			b := data[bit/8] >> (7 - uint(bit%8)) & 1
			raw = raw<<1 | uint64(b)
		}
		return raw
	}
	for i := length - 1; i >= 0; i-- {
		bit := startBit + i
		b := data[bit/8] >> uint(bit%8) & 1
		raw = raw<<1 | uint64(b)
	}
	return raw
}

func patchBits(data []byte, startBit, length int, bigEndian bool, raw uint64) {
	if bigEndian {
		for i := 0; i < length; i++ {
			bit := startBit + i
			v := byte(raw >> uint(length-1-i) & 1)
			setBit(data, bit/8, 7-bit%8, v)
		}
		return
	}
	for i := 0; i < length; i++ {
		bit := startBit + i
		v := byte(raw >> uint(i) & 1)
		setBit(data, bit/8, bit%8, v)
	}
}

func setBit(data []byte, byteIdx, bitIdx int, v byte) {
	if v != 0 {
		data[byteIdx] |= 1 << uint(bitIdx)
	} else {
		data[byteIdx] &^= 1 << uint(bitIdx)
	}
}

func signExtend(raw uint64, length int) int64 {
	if length == 64 {
		return int64(raw)
	}
	if raw&(1<<uint(length-1)) != 0 {
		raw |= ^uint64(0) << uint(length)
	}
	return int64(raw)
}
