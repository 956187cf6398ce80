// Package route maps raw frames and diagnostic responses to named telemetry
// channels and publishes the latest value of each channel as an immutable
// snapshot.
package route

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sample is one published telemetry value. Samples are immutable; a new
// value replaces the pointer rather than mutating it.
type Sample struct {
	Channel   string
	Bus       string
	Value     float64
	Timestamp time.Time
}

// Store holds the latest Sample per channel. Reads never lock; writers swap
// an atomic pointer. Channels are fixed at construction.
type Store struct {
	latest map[string]*atomic.Pointer[Sample]

	mu   sync.Mutex
	subs []chan Sample
}

// NewStore builds a store for the given channel names.
func NewStore(channels []string) *Store {
	s := &Store{latest: make(map[string]*atomic.Pointer[Sample], len(channels))}
	for _, ch := range channels {
		s.latest[ch] = new(atomic.Pointer[Sample])
	}
	return s
}

// Publish records the sample and fans it out to subscribers. Slow
// subscribers miss samples instead of blocking the bus worker.
func (s *Store) Publish(sample Sample) {
	p, ok := s.latest[sample.Channel]
	if !ok {
		return
	}
	p.Store(&sample)

	s.mu.Lock()
	subs := s.subs
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- sample:
		default:
		}
	}
}

// Latest returns the most recent sample for channel.
func (s *Store) Latest(channel string) (Sample, bool) {
	p, ok := s.latest[channel]
	if !ok {
		return Sample{}, false
	}
	sample := p.Load()
	if sample == nil {
		return Sample{}, false
	}
	return *sample, true
}

// Subscribe returns a buffered stream of published samples and a cancel
// function that detaches it.
func (s *Store) Subscribe(depth int) (<-chan Sample, func()) {
	if depth <= 0 {
		depth = 64
	}
	ch := make(chan Sample, depth)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}
