package obd

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// PollItem is one parameter polled on a schedule.
type PollItem struct {
	Mode     byte
	PID      byte
	Interval time.Duration
}

// Handler receives the data bytes of a successful PID read.
type Handler func(mode, pid byte, data []byte, ts time.Time)

// Poller round-robins PID reads over a single diagnostic session. Requests
// are strictly sequential because the session allows one exchange at a time;
// a slow parameter delays the others rather than piling up requests.
type Poller struct {
	client  *Client
	items   []PollItem
	handler Handler
	log     *slog.Logger
}

// NewPoller builds a poller for the given items.
func NewPoller(client *Client, items []PollItem, handler Handler, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{client: client, items: items, handler: handler, log: log.With("component", "obd-poller")}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	if len(p.items) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	due := make([]time.Time, len(p.items))
	now := time.Now()
	for i := range due {
		due[i] = now
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		next := 0
		for i := range due {
			if due[i].Before(due[next]) {
				next = i
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(time.Until(due[next]))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		item := p.items[next]
		data, err := p.client.ReadPID(ctx, item.Mode, item.PID)
		ts := time.Now()
		due[next] = ts.Add(item.Interval)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			p.log.Warn("pid read failed",
				"mode", item.Mode, "pid", item.PID, "err", err)
			continue
		}
		p.handler(item.Mode, item.PID, data, ts)
	}
}
