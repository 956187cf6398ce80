package isotp

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Protocol control information nibbles, ISO 15765-2.
const (
	pciSingleFrame      = 0x00
	pciFirstFrame       = 0x10
	pciConsecutiveFrame = 0x20
	pciFlowControl      = 0x30
)

// FlowStatus is carried in a Flow Control frame.
type FlowStatus uint8

const (
	FlowStatusContinueToSend FlowStatus = 0x00
	FlowStatusWait           FlowStatus = 0x01
	FlowStatusOverflow       FlowStatus = 0x02
)

// Frame is a decoded ISO-TP protocol data unit.
type Frame interface{ isFrame() }

// SingleFrame carries a complete payload of up to 7 bytes (classic CAN).
type SingleFrame struct{ Data []byte }

// FirstFrame opens a segmented transfer: total length plus the first chunk.
type FirstFrame struct {
	TotalSize int
	Data      []byte
}

// ConsecutiveFrame carries one chunk of a segmented transfer with a 4-bit
// wrapping sequence number.
type ConsecutiveFrame struct {
	SequenceNumber int
	Data           []byte
}

// FlowControlFrame gates the sender: block size and minimum separation time.
type FlowControlFrame struct {
	Status    FlowStatus
	BlockSize int
	STmin     time.Duration
}

func (*SingleFrame) isFrame()      {}
func (*FirstFrame) isFrame()       {}
func (*ConsecutiveFrame) isFrame() {}
func (*FlowControlFrame) isFrame() {}

// decodeSTmin decodes the separation-time byte: 0x00..0x7F are milliseconds,
// 0xF1..0xF9 are 100..900 microseconds. Reserved values read as the maximum
// per the standard.
func decodeSTmin(b byte) time.Duration {
	if b <= 0x7F {
		return time.Duration(b) * time.Millisecond
	}
	if b >= 0xF1 && b <= 0xF9 {
		return time.Duration(b-0xF0) * 100 * time.Microsecond
	}
	return 127 * time.Millisecond
}

func encodeSTmin(d time.Duration) byte {
	if d < 0 {
		return 0
	}
	if d > 0 && d < time.Millisecond {
		n := d / (100 * time.Microsecond)
		if n < 1 {
			n = 1
		}
		return byte(0xF0 + n)
	}
	ms := d / time.Millisecond
	if ms > 0x7F {
		ms = 0x7F
	}
	return byte(ms)
}

// ParseFrame decodes the ISO-TP PDU in a raw CAN payload.
func ParseFrame(payload []byte) (Frame, error) {
	if len(payload) == 0 {
		return nil, &InvalidFrameError{Reason: "empty payload"}
	}
	switch payload[0] & 0xF0 {
	case pciSingleFrame:
		length := int(payload[0] & 0x0F)
		if length == 0 {
			// Escaped length used by extended (CAN FD) framing.
			if len(payload) < 2 {
				return nil, &InvalidFrameError{Reason: "escaped single frame shorter than 2 bytes"}
			}
			length = int(payload[1])
			if length == 0 || len(payload)-2 < length {
				return nil, &InvalidFrameError{Reason: "escaped single frame length exceeds payload"}
			}
			return &SingleFrame{Data: payload[2 : 2+length]}, nil
		}
		if len(payload)-1 < length {
			return nil, &InvalidFrameError{Reason: "single frame length exceeds payload"}
		}
		return &SingleFrame{Data: payload[1 : 1+length]}, nil

	case pciFirstFrame:
		if len(payload) < 2 {
			return nil, &InvalidFrameError{Reason: "first frame shorter than 2 bytes"}
		}
		total := int(payload[0]&0x0F)<<8 | int(payload[1])
		start := 2
		if total == 0 {
			// 32-bit escaped length.
			if len(payload) < 6 {
				return nil, &InvalidFrameError{Reason: "escaped first frame shorter than 6 bytes"}
			}
			total = int(binary.BigEndian.Uint32(payload[2:6]))
			start = 6
		}
		return &FirstFrame{TotalSize: total, Data: payload[start:]}, nil

	case pciConsecutiveFrame:
		return &ConsecutiveFrame{SequenceNumber: int(payload[0] & 0x0F), Data: payload[1:]}, nil

	case pciFlowControl:
		if len(payload) < 3 {
			return nil, &InvalidFrameError{Reason: "flow control shorter than 3 bytes"}
		}
		fs := FlowStatus(payload[0] & 0x0F)
		if fs > FlowStatusOverflow {
			return nil, &InvalidFrameError{Reason: fmt.Sprintf("unknown flow status %d", fs)}
		}
		return &FlowControlFrame{
			Status:    fs,
			BlockSize: int(payload[1]),
			STmin:     decodeSTmin(payload[2]),
		}, nil
	}
	return nil, &InvalidFrameError{Reason: fmt.Sprintf("unknown PCI type 0x%02X", payload[0]&0xF0)}
}

func singleFramePayload(data []byte, maxData int) ([]byte, error) {
	var pci []byte
	if len(data) <= 7 {
		pci = []byte{pciSingleFrame | byte(len(data))}
	} else {
		pci = []byte{pciSingleFrame, byte(len(data))}
	}
	if len(pci)+len(data) > maxData {
		return nil, &InvalidFrameError{Reason: fmt.Sprintf("single frame of %d bytes exceeds %d", len(pci)+len(data), maxData)}
	}
	out := make([]byte, 0, len(pci)+len(data))
	out = append(out, pci...)
	return append(out, data...), nil
}

func firstFramePayload(chunk []byte, total, maxData int) ([]byte, error) {
	var pci []byte
	if total <= 0xFFF {
		pci = []byte{pciFirstFrame | byte(total>>8&0x0F), byte(total & 0xFF)}
	} else {
		pci = make([]byte, 6)
		pci[0] = pciFirstFrame
		binary.BigEndian.PutUint32(pci[2:], uint32(total))
	}
	if len(pci)+len(chunk) > maxData {
		return nil, &InvalidFrameError{Reason: "first frame exceeds frame size"}
	}
	out := make([]byte, 0, len(pci)+len(chunk))
	out = append(out, pci...)
	return append(out, chunk...), nil
}

func consecutiveFramePayload(chunk []byte, seq int) []byte {
	out := make([]byte, 0, 1+len(chunk))
	out = append(out, pciConsecutiveFrame|byte(seq&0x0F))
	return append(out, chunk...)
}

func flowControlPayload(status FlowStatus, blockSize int, stMin time.Duration) []byte {
	return []byte{pciFlowControl | byte(status), byte(blockSize), encodeSTmin(stMin)}
}
