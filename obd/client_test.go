package obd

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

// scriptedTransport answers each request from a queue of canned responses
// and records what was sent.
type scriptedTransport struct {
	requests  [][]byte
	responses [][]byte
	inbound   chan []byte
}

func newScriptedTransport(responses ...[]byte) *scriptedTransport {
	return &scriptedTransport{responses: responses, inbound: make(chan []byte, 4)}
}

func (s *scriptedTransport) Request(ctx context.Context, payload []byte) ([]byte, error) {
	s.requests = append(s.requests, append([]byte(nil), payload...))
	if len(s.responses) == 0 {
		return nil, errors.New("no scripted response")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func (s *scriptedTransport) Inbound() <-chan []byte { return s.inbound }

func testOpts() RequestOptions {
	return RequestOptions{
		Timeout:        time.Second,
		MaxRetries:     2,
		RetryDelay:     time.Millisecond,
		PendingTimeout: time.Second,
	}
}

func TestReadPID(t *testing.T) {
	tp := newScriptedTransport([]byte{0x41, 0x0C, 0x1A, 0xF8})
	c := NewClient(tp, testOpts(), slog.Default())

	data, err := c.ReadPID(context.Background(), 0x01, 0x0C)
	if err != nil {
		t.Fatalf("ReadPID: %v", err)
	}
	if !bytes.Equal(data, []byte{0x1A, 0xF8}) {
		t.Fatalf("data = % X, want 1A F8", data)
	}
	if !bytes.Equal(tp.requests[0], []byte{0x01, 0x0C}) {
		t.Fatalf("request = % X", tp.requests[0])
	}
}

func TestNegativeResponse(t *testing.T) {
	tp := newScriptedTransport([]byte{0x7F, 0x01, NRCServiceNotSupported})
	c := NewClient(tp, testOpts(), slog.Default())

	_, err := c.ReadPID(context.Background(), 0x01, 0x0C)
	var nre *NegativeResponseError
	if !errors.As(err, &nre) {
		t.Fatalf("err = %v, want NegativeResponseError", err)
	}
	if nre.Code != NRCServiceNotSupported || nre.Service != 0x01 {
		t.Fatalf("unexpected NRC: %+v", nre)
	}
}

func TestBusyIsRetried(t *testing.T) {
	tp := newScriptedTransport(
		[]byte{0x7F, 0x01, NRCBusyRepeatRequest},
		[]byte{0x41, 0x05, 0x5A},
	)
	c := NewClient(tp, testOpts(), slog.Default())

	data, err := c.ReadPID(context.Background(), 0x01, 0x05)
	if err != nil {
		t.Fatalf("ReadPID: %v", err)
	}
	if !bytes.Equal(data, []byte{0x5A}) {
		t.Fatalf("data = % X", data)
	}
	if len(tp.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(tp.requests))
	}
}

func TestResponsePendingDefersToInbound(t *testing.T) {
	tp := newScriptedTransport([]byte{0x7F, 0x22, NRCResponsePending})
	tp.inbound <- []byte{0x62, 0xF1, 0x90, 0x01}
	c := NewClient(tp, testOpts(), slog.Default())

	resp, err := c.Exchange(context.Background(), []byte{0x22, 0xF1, 0x90})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if !bytes.Equal(resp, []byte{0x62, 0xF1, 0x90, 0x01}) {
		t.Fatalf("resp = % X", resp)
	}
}

func TestSecurityAccess(t *testing.T) {
	secret := []byte{
		0x2B, 0x7E, 0x15, 0x16, 0x28, 0xAE, 0xD2, 0xA6,
		0xAB, 0xF7, 0x15, 0x88, 0x09, 0xCF, 0x4F, 0x3C,
	}
	seed := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	key, err := ComputeKey(secret, seed)
	if err != nil {
		t.Fatalf("ComputeKey: %v", err)
	}

	tp := newScriptedTransport(
		append([]byte{0x67, 0x01}, seed...),
		[]byte{0x67, 0x02},
	)
	c := NewClient(tp, testOpts(), slog.Default())

	if err := c.SecurityAccess(context.Background(), 0x01, secret); err != nil {
		t.Fatalf("SecurityAccess: %v", err)
	}
	want := append([]byte{0x27, 0x02}, key...)
	if !bytes.Equal(tp.requests[1], want) {
		t.Fatalf("key request = % X, want % X", tp.requests[1], want)
	}
}

func TestSecurityAccessAlreadyUnlocked(t *testing.T) {
	tp := newScriptedTransport([]byte{0x67, 0x01, 0x00, 0x00, 0x00, 0x00})
	c := NewClient(tp, testOpts(), slog.Default())

	if err := c.SecurityAccess(context.Background(), 0x01, []byte("0123456789abcdef")); err != nil {
		t.Fatalf("SecurityAccess: %v", err)
	}
	if len(tp.requests) != 1 {
		t.Fatalf("requests = %d, want 1 (no key sent)", len(tp.requests))
	}
}
