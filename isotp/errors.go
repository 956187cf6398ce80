package isotp

import "fmt"

func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

// ProtocolError is the base for all ISO-TP protocol violations. A protocol
// error aborts the session; it is surfaced to the caller as a failed
// exchange and never retried silently.
type ProtocolError struct {
	msg string
}

func NewProtocolError(msg string) ProtocolError {
	return ProtocolError{msg: msg}
}

func (e ProtocolError) Error() string {
	return messageOrDefault(e.msg, "ISO-TP protocol error")
}

// InvalidFrameError reports a CAN payload that does not parse as an ISO-TP
// PDU.
type InvalidFrameError struct {
	ProtocolError
	Reason string
}

func (e *InvalidFrameError) Error() string {
	return messageOrDefault(e.Reason, "invalid ISO-TP frame")
}

// WrongSequenceNumberError reports an out-of-order consecutive frame.
type WrongSequenceNumberError struct {
	ProtocolError
	Expected int
	Got      int
}

func (e *WrongSequenceNumberError) Error() string {
	return fmt.Sprintf("wrong sequence number: expected %d, got %d", e.Expected, e.Got)
}

// UnexpectedFrameError reports a PDU arriving in a state that cannot accept
// it.
type UnexpectedFrameError struct {
	ProtocolError
	Kind string
}

func (e *UnexpectedFrameError) Error() string {
	return fmt.Sprintf("unexpected %s frame for current session state", e.Kind)
}

// OverflowError reports a peer flow control with status overflow.
type OverflowError struct {
	ProtocolError
}

func (e *OverflowError) Error() string {
	return messageOrDefault(e.msg, "peer reported receive buffer overflow")
}

// FrameTooLongError reports a first frame announcing more bytes than the
// configured maximum.
type FrameTooLongError struct {
	ProtocolError
	Size int
}

func (e *FrameTooLongError) Error() string {
	return fmt.Sprintf("announced payload of %d bytes exceeds maximum frame size", e.Size)
}

// TimeoutError reports an expired session deadline. Phase names which
// deadline lapsed: "N_Bs" awaiting flow control, "N_Cr" awaiting the next
// consecutive frame.
type TimeoutError struct {
	Phase string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ISO-TP %s deadline expired", e.Phase)
}

func (e *TimeoutError) Timeout() bool { return true }

// ErrTransportClosed completes pending exchanges when the transport is torn
// down; in-flight sessions are aborted, not finished.
var ErrTransportClosed = NewProtocolError("transport closed")
