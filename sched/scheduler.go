package sched

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trackdash/cancore/bus"
)

// Scheduler supervises one worker per bus plus the periodic flush of
// conflated telemetry. A worker failure never propagates to its siblings;
// the group only stops on ctx cancellation.
type Scheduler struct {
	workers map[string]*Worker
	health  chan HealthEvent
	log     *slog.Logger

	flushEvery time.Duration
	flush      func(time.Time)
}

// New builds an empty scheduler.
func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		workers: make(map[string]*Worker),
		health:  make(chan HealthEvent, 32),
		log:     log.With("component", "sched"),
	}
}

// AddBus creates and registers a worker for the handle.
func (s *Scheduler) AddBus(h bus.Handle, cfg Config, dispatch func(bus.Frame)) (*Worker, error) {
	if _, dup := s.workers[h.Name()]; dup {
		return nil, fmt.Errorf("sched: bus %q already registered", h.Name())
	}
	w := NewWorker(h, cfg, dispatch, s.health, s.log)
	s.workers[h.Name()] = w
	return w, nil
}

// Worker returns the registered worker for a bus name.
func (s *Scheduler) Worker(name string) (*Worker, bool) {
	w, ok := s.workers[name]
	return w, ok
}

// Health exposes the merged per-bus health event stream.
func (s *Scheduler) Health() <-chan HealthEvent { return s.health }

// SetFlush registers a periodic callback, used to drain conflated router
// samples on a fixed cadence.
func (s *Scheduler) SetFlush(every time.Duration, fn func(time.Time)) {
	s.flushEvery = every
	s.flush = fn
}

// Run drives all workers until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		w := w
		g.Go(func() error { return w.Run(ctx) })
	}
	if s.flush != nil && s.flushEvery > 0 {
		g.Go(func() error { return s.flushLoop(ctx) })
	}
	return g.Wait()
}

func (s *Scheduler) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.flush(now)
		}
	}
}

// Pump copies frames from a producer channel into a priority sink until ctx
// is cancelled. It carries ISO-TP transport output onto a bus worker's
// diagnostic queue.
func Pump(ctx context.Context, src <-chan bus.Frame, dst bus.Sink, log *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-src:
			if err := dst.Submit(f); err != nil && log != nil {
				log.Warn("outbound frame dropped", "bus", f.Bus, "id", f.ID, "err", err)
			}
		}
	}
}
