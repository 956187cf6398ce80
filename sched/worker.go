// Package sched runs one independent worker per bus handle. Each worker
// drains inbound frames into a dispatch callback, arbitrates outbound
// traffic by priority, and watches for a stalled bus, re-initializing it
// with bounded backoff without ever touching another bus's loop.
package sched

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/trackdash/cancore/bus"
)

// Priority orders competing claims on a bus's send slot.
type Priority int

const (
	PriorityRadar Priority = iota
	PriorityDiag
	PriorityPoll
)

// HealthState tracks a bus through stall and recovery.
type HealthState int

const (
	HealthOK HealthState = iota
	HealthStalled
	HealthRecovered
	HealthError
)

func (s HealthState) String() string {
	switch s {
	case HealthStalled:
		return "stalled"
	case HealthRecovered:
		return "recovered"
	case HealthError:
		return "error"
	default:
		return "ok"
	}
}

// HealthEvent is one entry in the per-bus health stream.
type HealthEvent struct {
	Bus   string
	State HealthState
	Time  time.Time
	Err   error
}

// Config tunes one bus worker.
type Config struct {
	// Watchdog is how long the bus may stay silent before the worker
	// treats it as stalled. Zero disables the watchdog.
	Watchdog time.Duration

	// QueueDepth bounds each outbound priority queue.
	QueueDepth int

	// MaxReinits bounds re-initialization attempts per stall.
	MaxReinits uint64

	// ReinitBackoff is the initial backoff interval between attempts.
	ReinitBackoff time.Duration
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		Watchdog:      time.Second,
		QueueDepth:    64,
		MaxReinits:    5,
		ReinitBackoff: 100 * time.Millisecond,
	}
}

// Worker owns one bus handle. Nothing it does can block another worker;
// the only shared state is the health stream and whatever the dispatch
// callback publishes as immutable snapshots.
type Worker struct {
	handle   bus.Handle
	cfg      Config
	dispatch func(bus.Frame)
	health   chan<- HealthEvent
	log      *slog.Logger

	radarQ chan bus.Frame
	diagQ  chan bus.Frame
	pollQ  chan bus.Frame

	lastRx atomic.Int64 // unix nanos of the last received frame
	failed atomic.Bool
}

// NewWorker builds a worker. dispatch runs on the receive goroutine and
// must not block; health may be nil.
func NewWorker(h bus.Handle, cfg Config, dispatch func(bus.Frame), health chan<- HealthEvent, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	return &Worker{
		handle:   h,
		cfg:      cfg,
		dispatch: dispatch,
		health:   health,
		log:      log.With("component", "sched", "bus", h.Name()),
		radarQ:   make(chan bus.Frame, cfg.QueueDepth),
		diagQ:    make(chan bus.Frame, cfg.QueueDepth),
		pollQ:    make(chan bus.Frame, cfg.QueueDepth),
	}
}

// Name returns the bus name this worker serves.
func (w *Worker) Name() string { return w.handle.Name() }

// Sink returns the submission point for outbound frames at the given
// priority. Submission never blocks; a full queue rejects the frame.
func (w *Worker) Sink(p Priority) bus.Sink {
	q := w.queue(p)
	return bus.SinkFunc(func(f bus.Frame) error {
		select {
		case q <- f:
			return nil
		default:
			return bus.ErrTxQueueFull
		}
	})
}

func (w *Worker) queue(p Priority) chan bus.Frame {
	switch p {
	case PriorityRadar:
		return w.radarQ
	case PriorityDiag:
		return w.diagQ
	default:
		return w.pollQ
	}
}

// Run drives the worker until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.lastRx.Store(time.Now().UnixNano())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.recvLoop(ctx) })
	g.Go(func() error { return w.sendLoop(ctx) })
	if w.cfg.Watchdog > 0 {
		g.Go(func() error { return w.watchdogLoop(ctx) })
	}
	return g.Wait()
}

func (w *Worker) recvLoop(ctx context.Context) error {
	for {
		f, err := w.handle.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, bus.ErrClosed) {
				// The watchdog owns recovery; hold off instead of
				// spinning on a dead handle.
				select {
				case <-time.After(100 * time.Millisecond):
					continue
				case <-ctx.Done():
					return nil
				}
			}
			w.log.Warn("receive failed", "err", err)
			continue
		}
		w.lastRx.Store(f.Timestamp.UnixNano())
		w.dispatch(f)
	}
}

// sendLoop enforces the priority order when multiple queues hold pending
// frames: radar, then diagnostic, then best-effort polling. The
// non-blocking cascade settles contention; the final select just waits for
// work.
func (w *Worker) sendLoop(ctx context.Context) error {
	for {
		select {
		case f := <-w.radarQ:
			w.transmit(f)
			continue
		default:
		}
		select {
		case f := <-w.diagQ:
			w.transmit(f)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return nil
		case f := <-w.radarQ:
			w.transmit(f)
		case f := <-w.diagQ:
			w.transmit(f)
		case f := <-w.pollQ:
			w.transmit(f)
		}
	}
}

func (w *Worker) transmit(f bus.Frame) {
	if err := w.handle.Send(f); err != nil {
		w.log.Warn("send failed", "id", f.ID, "err", err)
	}
}

func (w *Worker) watchdogLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Watchdog)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if w.failed.Load() {
			continue
		}
		silent := time.Since(time.Unix(0, w.lastRx.Load()))
		if silent < w.cfg.Watchdog {
			continue
		}

		w.log.Warn("bus stalled", "silent", silent)
		w.emit(HealthEvent{Bus: w.Name(), State: HealthStalled, Time: time.Now()})

		if err := w.reinit(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Retries exhausted: mark the bus failed and idle. Other
			// workers are unaffected.
			w.failed.Store(true)
			w.log.Error("bus re-initialization exhausted", "err", err)
			w.emit(HealthEvent{Bus: w.Name(), State: HealthError, Time: time.Now(), Err: err})
			continue
		}
		w.lastRx.Store(time.Now().UnixNano())
		w.log.Info("bus recovered")
		w.emit(HealthEvent{Bus: w.Name(), State: HealthRecovered, Time: time.Now()})
	}
}

func (w *Worker) reinit(ctx context.Context) error {
	r, ok := w.handle.(bus.Resetter)
	if !ok {
		return errors.New("bus handle does not support reset")
	}
	bo := backoff.NewExponentialBackOff()
	if w.cfg.ReinitBackoff > 0 {
		bo.InitialInterval = w.cfg.ReinitBackoff
	}
	policy := backoff.WithMaxRetries(backoff.WithContext(bo, ctx), w.cfg.MaxReinits)
	return backoff.Retry(func() error { return r.Reset(ctx) }, policy)
}

// emit drops events nobody is draining rather than stalling the watchdog.
func (w *Worker) emit(ev HealthEvent) {
	if w.health == nil {
		return
	}
	select {
	case w.health <- ev:
	default:
	}
}
