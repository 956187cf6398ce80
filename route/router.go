package route

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trackdash/cancore/bus"
	"github.com/trackdash/cancore/codec"
)

type frameKey struct {
	bus string
	id  uint32
}

type pidKey struct {
	bus  string
	mode byte
	pid  byte
}

// entry binds one signal definition to its conflating rate gate.
type entry struct {
	def codec.SignalDefinition

	mu      sync.Mutex
	lastPub time.Time
	pending *Sample
}

// publish pushes the sample through the rate gate. When updates arrive
// faster than MinInterval only the most recent one within each interval
// survives; the rest are conflated away, never queued.
func (e *entry) publish(store *Store, s Sample) {
	if e.def.MinInterval <= 0 {
		store.Publish(s)
		return
	}
	e.mu.Lock()
	if s.Timestamp.Sub(e.lastPub) >= e.def.MinInterval {
		e.lastPub = s.Timestamp
		e.pending = nil
		e.mu.Unlock()
		store.Publish(s)
		return
	}
	e.pending = &s
	e.mu.Unlock()
}

// flush emits a conflated pending sample once its interval has elapsed.
func (e *entry) flush(store *Store, now time.Time) {
	if e.def.MinInterval <= 0 {
		return
	}
	e.mu.Lock()
	if e.pending == nil || now.Sub(e.lastPub) < e.def.MinInterval {
		e.mu.Unlock()
		return
	}
	s := *e.pending
	e.pending = nil
	e.lastPub = now
	e.mu.Unlock()
	store.Publish(s)
}

// Router applies the signal routing table. Frames on unmapped (bus, id)
// pairs are dropped silently; a bus carries plenty of frames nobody asked
// for.
type Router struct {
	store   *Store
	byFrame map[frameKey][]*entry
	byPID   map[pidKey][]*entry
	entries []*entry
	log     *slog.Logger

	dropped  int64
	decodeMu sync.Mutex
}

// NewRouter validates the routing table and builds the lookup maps. Two
// definitions claiming the same channel name is a configuration error.
func NewRouter(defs []codec.SignalDefinition, store *Store, log *slog.Logger) (*Router, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		store:   store,
		byFrame: make(map[frameKey][]*entry),
		byPID:   make(map[pidKey][]*entry),
		log:     log.With("component", "router"),
	}
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if seen[def.Channel] {
			return nil, fmt.Errorf("route: channel %q claimed twice", def.Channel)
		}
		seen[def.Channel] = true

		e := &entry{def: def}
		r.entries = append(r.entries, e)
		switch def.Source {
		case codec.SourceOBD:
			k := pidKey{bus: def.Bus, mode: def.Mode, pid: def.PID}
			r.byPID[k] = append(r.byPID[k], e)
		default:
			k := frameKey{bus: def.Bus, id: def.FrameID}
			r.byFrame[k] = append(r.byFrame[k], e)
		}
	}
	return r, nil
}

// HandleFrame routes one received frame. Decode failures drop the frame and
// bump a counter; they are never fatal.
func (r *Router) HandleFrame(f bus.Frame) {
	entries, ok := r.byFrame[frameKey{bus: f.Bus, id: f.ID}]
	if !ok {
		return
	}
	payload := f.Payload()
	for _, e := range entries {
		value, err := codec.Decode(payload, e.def)
		if err != nil {
			r.countDrop(e.def.Channel, err)
			continue
		}
		e.publish(r.store, Sample{
			Channel:   e.def.Channel,
			Bus:       f.Bus,
			Value:     value,
			Timestamp: f.Timestamp,
		})
	}
}

// HandlePID routes the data bytes of a completed diagnostic exchange. Bit
// offsets in OBD definitions are relative to the data bytes, not the frame.
func (r *Router) HandlePID(busName string, mode, pid byte, data []byte, ts time.Time) {
	entries, ok := r.byPID[pidKey{bus: busName, mode: mode, pid: pid}]
	if !ok {
		return
	}
	for _, e := range entries {
		value, err := codec.Decode(data, e.def)
		if err != nil {
			r.countDrop(e.def.Channel, err)
			continue
		}
		e.publish(r.store, Sample{
			Channel:   e.def.Channel,
			Bus:       busName,
			Value:     value,
			Timestamp: ts,
		})
	}
}

// Flush emits any conflated samples whose rate interval has elapsed. Called
// periodically by the owner.
func (r *Router) Flush(now time.Time) {
	for _, e := range r.entries {
		e.flush(r.store, now)
	}
}

// Dropped returns the number of frames discarded due to decode failures.
func (r *Router) Dropped() int64 {
	r.decodeMu.Lock()
	defer r.decodeMu.Unlock()
	return r.dropped
}

func (r *Router) countDrop(channel string, err error) {
	r.decodeMu.Lock()
	r.dropped++
	n := r.dropped
	r.decodeMu.Unlock()
	if n == 1 || n%1000 == 0 {
		r.log.Warn("frame dropped", "channel", channel, "count", n, "err", err)
	}
}

// Channels lists the channel names a definition set will publish, for
// building the Store.
func Channels(defs []codec.SignalDefinition) []string {
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Channel)
	}
	return names
}
