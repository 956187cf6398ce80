// Package isotp implements the ISO 15765-2 transport protocol used for
// multi-frame diagnostic exchanges over CAN. One Transport drives exactly
// one session pair (request id, response id) on one bus; its state machine
// runs in a single goroutine fed by channels, with native timers enforcing
// the N_Bs and N_Cr deadlines.
package isotp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trackdash/cancore/bus"
)

type state uint8

const (
	stateIdle state = iota
	stateWaitFC
	stateWaitCF
	stateTransmit
)

// maxWaitFrames bounds consecutive FlowStatusWait frames from the peer
// before the exchange is abandoned.
const maxWaitFrames = 20

const (
	feedDepth    = 64
	outDepth     = 64
	inboundDepth = 8
	errDepth     = 8
)

type exchange struct {
	payload      []byte
	wantResponse bool
	done         chan error
	resp         chan []byte
}

// Transport is the per-session ISO-TP state machine.
type Transport struct {
	addr    Address
	cfg     Config
	busName string
	log     *slog.Logger

	in      chan bus.Frame
	out     chan bus.Frame
	req     chan *exchange
	cancel  chan struct{}
	inbound chan []byte
	errs    chan error

	reqMu sync.Mutex

	// Session state below is owned by the Run goroutine.
	rxState        state
	txState        state
	rxBuffer       []byte
	rxFrameLen     int
	rxSeqNum       int
	rxBlockCounter int

	txBuffer       []byte
	txSeqNum       int
	txBlockCounter int
	wftCounter     int

	remoteBlockSize int
	remoteSTmin     time.Duration

	pending *exchange

	timerFC    *time.Timer
	timerCF    *time.Timer
	timerSTmin *time.Timer
}

// New builds a Transport for one session on the named bus.
func New(busName string, addr Address, cfg Config, log *slog.Logger) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	t := &Transport{
		addr:    addr,
		cfg:     cfg,
		busName: busName,
		log:     log.With("component", "isotp", "bus", busName),

		in:      make(chan bus.Frame, feedDepth),
		out:     make(chan bus.Frame, outDepth),
		req:     make(chan *exchange),
		cancel:  make(chan struct{}, 1),
		inbound: make(chan []byte, inboundDepth),
		errs:    make(chan error, errDepth),

		timerFC:    newStoppedTimer(),
		timerCF:    newStoppedTimer(),
		timerSTmin: newStoppedTimer(),
	}
	return t, nil
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return t
}

// Address returns the session addressing.
func (t *Transport) Address() Address { return t.addr }

// Feed hands an inbound frame to the state machine. It never blocks; a
// saturated transport drops the frame and reports false.
func (t *Transport) Feed(f bus.Frame) bool {
	if !t.addr.Accepts(f.ID) {
		return false
	}
	select {
	case t.in <- f:
		return true
	default:
		return false
	}
}

// Out exposes frames the transport wants transmitted. The bus worker drains
// this at diagnostic priority.
func (t *Transport) Out() <-chan bus.Frame { return t.out }

// Inbound exposes reassembled payloads that are not responses to a pending
// exchange, for responder-side use.
func (t *Transport) Inbound() <-chan []byte { return t.inbound }

// Errs exposes session errors that occur outside an active exchange.
func (t *Transport) Errs() <-chan error { return t.errs }

// Request performs one complete exchange: transmit payload, await the
// reassembled response. A session error or deadline aborts the exchange and
// is returned; failed exchanges are never retried here.
func (t *Transport) Request(ctx context.Context, payload []byte) ([]byte, error) {
	t.reqMu.Lock()
	defer t.reqMu.Unlock()

	ex := &exchange{
		payload:      payload,
		wantResponse: true,
		done:         make(chan error, 1),
		resp:         make(chan []byte, 1),
	}
	select {
	case t.req <- ex:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case data := <-ex.resp:
		return data, nil
	case err := <-ex.done:
		return nil, err
	case <-ctx.Done():
		t.requestCancel()
		return nil, ctx.Err()
	}
}

// Send transmits payload without awaiting a response, blocking until the
// full payload is on the wire or the session fails.
func (t *Transport) Send(ctx context.Context, payload []byte) error {
	t.reqMu.Lock()
	defer t.reqMu.Unlock()

	ex := &exchange{
		payload: payload,
		done:    make(chan error, 1),
	}
	select {
	case t.req <- ex:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ex.done:
		return err
	case <-ctx.Done():
		t.requestCancel()
		return ctx.Err()
	}
}

func (t *Transport) requestCancel() {
	select {
	case t.cancel <- struct{}{}:
	default:
	}
}

// Run drives the state machine until ctx is cancelled. In-flight sessions
// are aborted on teardown, not completed.
func (t *Transport) Run(ctx context.Context) {
	defer t.teardown()
	for {
		var reqCh chan *exchange
		if t.txState == stateIdle && t.pending == nil {
			reqCh = t.req
		}
		select {
		case <-ctx.Done():
			return

		case f := <-t.in:
			t.processRx(f)

		case ex := <-reqCh:
			t.pending = ex
			t.initiateTx(ex.payload)

		case <-t.cancel:
			t.failExchange(context.Canceled)
			t.stopSending()
			t.stopReceiving()

		case <-t.timerFC.C:
			t.failExchange(&TimeoutError{Phase: "N_Bs"})
			t.stopSending()

		case <-t.timerCF.C:
			t.failExchange(&TimeoutError{Phase: "N_Cr"})
			t.stopReceiving()

		case <-t.timerSTmin.C:
			if t.txState == stateTransmit {
				t.sendNextConsecutive()
			}
		}
	}
}

func (t *Transport) teardown() {
	t.timerFC.Stop()
	t.timerCF.Stop()
	t.timerSTmin.Stop()
	if t.pending != nil {
		t.pending.done <- ErrTransportClosed
		t.pending = nil
	}
}

// failExchange aborts the pending exchange with err. Outside an exchange the
// error is reported on the error channel instead.
func (t *Transport) failExchange(err error) {
	if err == nil {
		return
	}
	if t.pending != nil {
		t.pending.done <- err
		t.pending = nil
		return
	}
	select {
	case t.errs <- err:
	default:
		t.log.Warn("error channel full, dropping session error", "err", err)
	}
}

func (t *Transport) deliver(data []byte) {
	if t.pending != nil && t.pending.wantResponse {
		t.pending.resp <- data
		t.pending = nil
		return
	}
	select {
	case t.inbound <- data:
	default:
		t.log.Warn("inbound buffer full, dropping reassembled payload")
	}
}

func (t *Transport) processRx(f bus.Frame) {
	frame, err := ParseFrame(f.Payload())
	if err != nil {
		t.failExchange(err)
		t.stopReceiving()
		return
	}

	switch fr := frame.(type) {
	case *FlowControlFrame:
		t.handleFlowControl(fr)
	case *SingleFrame:
		if t.rxState != stateIdle {
			t.log.Warn("multi-frame reception interrupted by single frame")
		}
		t.stopReceiving()
		data := make([]byte, len(fr.Data))
		copy(data, fr.Data)
		t.deliver(data)
	case *FirstFrame:
		t.handleFirstFrame(fr)
	case *ConsecutiveFrame:
		t.handleConsecutiveFrame(fr)
	}
}

func (t *Transport) handleFirstFrame(fr *FirstFrame) {
	if t.rxState != stateIdle {
		t.log.Warn("multi-frame reception interrupted by new first frame")
	}
	t.stopReceiving()

	if fr.TotalSize > t.cfg.MaxFrameSize {
		t.emitFlowControl(FlowStatusOverflow)
		t.failExchange(&FrameTooLongError{Size: fr.TotalSize})
		return
	}

	t.rxFrameLen = fr.TotalSize
	t.rxBuffer = make([]byte, 0, fr.TotalSize)
	t.rxBuffer = append(t.rxBuffer, fr.Data...)
	if len(t.rxBuffer) > t.rxFrameLen {
		t.rxBuffer = t.rxBuffer[:t.rxFrameLen]
	}

	t.rxState = stateWaitCF
	t.rxSeqNum = 1
	t.rxBlockCounter = 0
	t.emitFlowControl(FlowStatusContinueToSend)
	resetTimer(t.timerCF, t.cfg.TimeoutN_Cr)
}

func (t *Transport) handleConsecutiveFrame(fr *ConsecutiveFrame) {
	if t.rxState != stateWaitCF {
		t.failExchange(&UnexpectedFrameError{Kind: "consecutive"})
		return
	}
	if fr.SequenceNumber != t.rxSeqNum {
		t.failExchange(&WrongSequenceNumberError{Expected: t.rxSeqNum, Got: fr.SequenceNumber})
		t.stopReceiving()
		return
	}

	resetTimer(t.timerCF, t.cfg.TimeoutN_Cr)
	t.rxSeqNum = (t.rxSeqNum + 1) % 16

	remaining := t.rxFrameLen - len(t.rxBuffer)
	if len(fr.Data) > remaining {
		t.rxBuffer = append(t.rxBuffer, fr.Data[:remaining]...)
	} else {
		t.rxBuffer = append(t.rxBuffer, fr.Data...)
	}

	if len(t.rxBuffer) >= t.rxFrameLen {
		data := make([]byte, len(t.rxBuffer))
		copy(data, t.rxBuffer)
		t.stopReceiving()
		t.deliver(data)
		return
	}

	t.rxBlockCounter++
	if t.cfg.BlockSize > 0 && t.rxBlockCounter >= t.cfg.BlockSize {
		t.rxBlockCounter = 0
		t.emitFlowControl(FlowStatusContinueToSend)
		resetTimer(t.timerCF, t.cfg.TimeoutN_Cr)
	}
}

func (t *Transport) handleFlowControl(fc *FlowControlFrame) {
	if t.txState != stateWaitFC {
		// Late or unsolicited flow control; nothing is waiting on it.
		return
	}

	stopTimer(t.timerFC)

	switch fc.Status {
	case FlowStatusContinueToSend:
		t.wftCounter = 0
		t.remoteBlockSize = fc.BlockSize
		t.remoteSTmin = fc.STmin
		t.txState = stateTransmit
		t.txBlockCounter = 0
		resetTimer(t.timerSTmin, fc.STmin)

	case FlowStatusWait:
		t.wftCounter++
		if t.wftCounter > maxWaitFrames {
			t.failExchange(NewProtocolError("peer exceeded maximum wait frames"))
			t.stopSending()
			return
		}
		resetTimer(t.timerFC, t.cfg.TimeoutN_Bs)

	case FlowStatusOverflow:
		t.failExchange(&OverflowError{})
		t.stopSending()
	}
}

// initiateTx starts transmission of a new payload: a single frame when it
// fits, otherwise a first frame followed by flow-controlled consecutive
// frames.
func (t *Transport) initiateTx(payload []byte) {
	maxData := t.cfg.MaxDataLength

	sfPCI := 1
	if len(payload) > 7 {
		sfPCI = 2
	}
	if len(payload)+sfPCI <= maxData {
		data, err := singleFramePayload(payload, maxData)
		if err != nil {
			t.failExchange(err)
			return
		}
		t.emit(data)
		t.completeSend()
		return
	}

	if len(payload) > t.cfg.MaxFrameSize {
		t.failExchange(&FrameTooLongError{Size: len(payload)})
		return
	}

	ffPCI := 2
	if len(payload) > 0xFFF {
		ffPCI = 6
	}
	chunk := maxData - ffPCI
	data, err := firstFramePayload(payload[:chunk], len(payload), maxData)
	if err != nil {
		t.failExchange(err)
		return
	}

	t.txBuffer = payload[chunk:]
	t.txSeqNum = 1
	t.txBlockCounter = 0
	t.txState = stateWaitFC
	t.emit(data)
	resetTimer(t.timerFC, t.cfg.TimeoutN_Bs)
}

// sendNextConsecutive emits one consecutive frame; called when the STmin
// timer fires in the transmit state.
func (t *Transport) sendNextConsecutive() {
	if len(t.txBuffer) == 0 {
		t.stopSending()
		t.completeSend()
		return
	}

	chunkSize := t.cfg.MaxDataLength - 1
	chunk := t.txBuffer
	if len(chunk) > chunkSize {
		chunk = chunk[:chunkSize]
	}
	t.txBuffer = t.txBuffer[len(chunk):]

	t.emit(consecutiveFramePayload(chunk, t.txSeqNum))
	t.txSeqNum = (t.txSeqNum + 1) % 16
	t.txBlockCounter++

	if len(t.txBuffer) == 0 {
		t.stopSending()
		t.completeSend()
		return
	}

	if t.remoteBlockSize > 0 && t.txBlockCounter >= t.remoteBlockSize {
		t.txState = stateWaitFC
		resetTimer(t.timerFC, t.cfg.TimeoutN_Bs)
		return
	}
	resetTimer(t.timerSTmin, t.remoteSTmin)
}

// completeSend finishes a send-only exchange; request exchanges stay pending
// until the response arrives.
func (t *Transport) completeSend() {
	if t.pending != nil && !t.pending.wantResponse {
		t.pending.done <- nil
		t.pending = nil
	}
}

func (t *Transport) emitFlowControl(status FlowStatus) {
	t.emit(flowControlPayload(status, t.cfg.BlockSize, t.cfg.STmin))
}

func (t *Transport) emit(data []byte) {
	if t.cfg.PaddingByte != nil && len(data) < t.cfg.MaxDataLength {
		padded := make([]byte, t.cfg.MaxDataLength)
		copy(padded, data)
		for i := len(data); i < len(padded); i++ {
			padded[i] = *t.cfg.PaddingByte
		}
		data = padded
	}
	f := bus.NewFrame(t.busName, t.addr.RequestID, data)
	f.IsExtended = f.IsExtended || t.addr.Extended
	select {
	case t.out <- f:
	default:
		t.failExchange(NewProtocolError("transmit buffer full"))
		t.stopSending()
	}
}

func (t *Transport) stopReceiving() {
	t.rxState = stateIdle
	t.rxBuffer = nil
	t.rxFrameLen = 0
	t.rxSeqNum = 0
	t.rxBlockCounter = 0
	stopTimer(t.timerCF)
}

func (t *Transport) stopSending() {
	t.txState = stateIdle
	t.txBuffer = nil
	t.txSeqNum = 0
	t.txBlockCounter = 0
	t.wftCounter = 0
	t.remoteBlockSize = 0
	t.remoteSTmin = 0
	stopTimer(t.timerFC)
	stopTimer(t.timerSTmin)
}

func stopTimer(tm *time.Timer) {
	if !tm.Stop() {
		select {
		case <-tm.C:
		default:
		}
	}
}

func resetTimer(tm *time.Timer, d time.Duration) {
	stopTimer(tm)
	tm.Reset(d)
}
