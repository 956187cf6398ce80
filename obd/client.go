// Package obd implements OBD-II / UDS diagnostic exchanges on top of an
// ISO-TP transport: PID polling for the signal router and the security
// access handshake some gateways require before streaming.
package obd

import (
	"context"
	"crypto/aes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chmike/cmac-go"
)

// Negative response codes, ISO 14229.
const (
	NRCGeneralReject          = 0x10
	NRCServiceNotSupported    = 0x11
	NRCIncorrectMessageLength = 0x13
	NRCBusyRepeatRequest      = 0x21
	NRCConditionsNotCorrect   = 0x22
	NRCRequestOutOfRange      = 0x31
	NRCSecurityAccessDenied   = 0x33
	NRCInvalidKey             = 0x35
	NRCExceedNumberOfAttempts = 0x36
	NRCResponsePending        = 0x78
)

var nrcDescriptions = map[byte]string{
	NRCGeneralReject:          "general reject",
	NRCServiceNotSupported:    "service not supported",
	NRCIncorrectMessageLength: "incorrect message length",
	NRCBusyRepeatRequest:      "busy, repeat request",
	NRCConditionsNotCorrect:   "conditions not correct",
	NRCRequestOutOfRange:      "request out of range",
	NRCSecurityAccessDenied:   "security access denied",
	NRCInvalidKey:             "invalid key",
	NRCExceedNumberOfAttempts: "exceeded number of attempts",
	NRCResponsePending:        "response pending",
}

// NegativeResponseError is a 0x7F reply from the peer.
type NegativeResponseError struct {
	Service byte
	Code    byte
}

func (e *NegativeResponseError) Error() string {
	desc, ok := nrcDescriptions[e.Code]
	if !ok {
		desc = "unknown"
	}
	return fmt.Sprintf("negative response: SID=0x%02X NRC=0x%02X (%s)", e.Service, e.Code, desc)
}

// Retryable reports whether the request may be repeated.
func (e *NegativeResponseError) Retryable() bool {
	return e.Code == NRCBusyRepeatRequest || e.Code == NRCResponsePending
}

// Transport is the subset of the ISO-TP session the client needs. Inbound
// exposes payloads arriving outside a pending exchange, which is where a
// deferred answer lands after a response-pending notice.
type Transport interface {
	Request(ctx context.Context, payload []byte) ([]byte, error)
	Inbound() <-chan []byte
}

// RequestOptions tune one diagnostic request.
type RequestOptions struct {
	Timeout        time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	PendingTimeout time.Duration
}

// DefaultRequestOptions returns conservative polling defaults.
func DefaultRequestOptions() RequestOptions {
	return RequestOptions{
		Timeout:        500 * time.Millisecond,
		MaxRetries:     2,
		RetryDelay:     100 * time.Millisecond,
		PendingTimeout: 5 * time.Second,
	}
}

// Client performs diagnostic request/response exchanges. One Client owns one
// ISO-TP session; calls are serialized by the underlying transport.
type Client struct {
	tp   Transport
	opts RequestOptions
	log  *slog.Logger
}

// NewClient wraps an ISO-TP transport.
func NewClient(tp Transport, opts RequestOptions, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{tp: tp, opts: opts, log: log.With("component", "obd")}
}

// Exchange sends a raw service request and returns the positive response
// payload, retrying only retryable negative responses.
func (c *Client) Exchange(ctx context.Context, request []byte) ([]byte, error) {
	if len(request) == 0 {
		return nil, errors.New("obd: empty request")
	}
	expectSID := request[0] + 0x40

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			c.log.Debug("retrying request", "sid", fmt.Sprintf("0x%02X", request[0]), "attempt", attempt)
			select {
			case <-time.After(c.opts.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := c.exchangeOnce(ctx, request)
		if err != nil {
			var nre *NegativeResponseError
			if errors.As(err, &nre) && nre.Retryable() && attempt < c.opts.MaxRetries {
				lastErr = err
				continue
			}
			return nil, err
		}
		if len(resp) == 0 || resp[0] != expectSID {
			return nil, fmt.Errorf("obd: response SID mismatch: want 0x%02X, got % X", expectSID, resp)
		}
		return resp, nil
	}
	return nil, fmt.Errorf("obd: retries exhausted: %w", lastErr)
}

func (c *Client) exchangeOnce(ctx context.Context, request []byte) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	resp, err := c.tp.Request(reqCtx, request)
	cancel()
	if err != nil {
		return nil, err
	}

	for isPending(resp, request[0]) {
		// The peer deferred its answer; it arrives as an unsolicited
		// inbound payload within the pending window.
		c.log.Debug("response pending", "sid", fmt.Sprintf("0x%02X", request[0]))
		select {
		case resp = <-c.tp.Inbound():
		case <-time.After(c.opts.PendingTimeout):
			return nil, &NegativeResponseError{Service: request[0], Code: NRCResponsePending}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if len(resp) >= 3 && resp[0] == 0x7F {
		return nil, &NegativeResponseError{Service: resp[1], Code: resp[2]}
	}
	return resp, nil
}

func isPending(resp []byte, sid byte) bool {
	return len(resp) >= 3 && resp[0] == 0x7F && resp[1] == sid && resp[2] == NRCResponsePending
}

// ReadPID requests one OBD-II parameter and returns its data bytes with the
// mode and PID echo stripped.
func (c *Client) ReadPID(ctx context.Context, mode, pid byte) ([]byte, error) {
	resp, err := c.Exchange(ctx, []byte{mode, pid})
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 || resp[1] != pid {
		return nil, fmt.Errorf("obd: PID echo mismatch for mode 0x%02X pid 0x%02X: % X", mode, pid, resp)
	}
	return resp[2:], nil
}

// SecurityAccess performs the UDS 0x27 seed/key handshake for the given
// access level. The key is the AES-CMAC of the seed under the shared
// secret, a scheme common on radar gateways.
func (c *Client) SecurityAccess(ctx context.Context, level byte, secret []byte) error {
	resp, err := c.Exchange(ctx, []byte{0x27, level})
	if err != nil {
		return fmt.Errorf("obd: request seed: %w", err)
	}
	if len(resp) < 3 {
		return fmt.Errorf("obd: seed response too short: % X", resp)
	}
	seed := resp[2:]

	// An all-zero seed means the level is already unlocked.
	unlocked := true
	for _, b := range seed {
		if b != 0 {
			unlocked = false
			break
		}
	}
	if unlocked {
		return nil
	}

	key, err := ComputeKey(secret, seed)
	if err != nil {
		return err
	}
	if _, err := c.Exchange(ctx, append([]byte{0x27, level + 1}, key...)); err != nil {
		return fmt.Errorf("obd: send key: %w", err)
	}
	return nil
}

// ComputeKey derives the security access key as AES-CMAC(secret, seed).
func ComputeKey(secret, seed []byte) ([]byte, error) {
	cm, err := cmac.New(aes.NewCipher, secret)
	if err != nil {
		return nil, fmt.Errorf("obd: cmac init: %w", err)
	}
	cm.Write(seed)
	return cm.Sum(nil), nil
}
