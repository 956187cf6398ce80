// Package radar defines the vendor driver contract and ships the contisim
// reference decoder. A driver consumes raw frames from the buses it
// declared, publishes immutable object-list and status snapshots, and may
// emit keepalive traffic the vehicle gateway expects.
package radar

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/trackdash/cancore/bus"
)

// Mode summarizes sensor health.
type Mode int

const (
	ModeNoData Mode = iota
	ModeOK
	ModeDegraded
	ModeBlocked
)

func (m Mode) String() string {
	switch m {
	case ModeOK:
		return "OK"
	case ModeDegraded:
		return "DEGRADED"
	case ModeBlocked:
		return "BLOCKED"
	default:
		return "NO_DATA"
	}
}

// Object is one tracked target. Snapshots are immutable; an update produces
// a new Object rather than mutating an old one.
type Object struct {
	ID         uint8
	Timestamp  time.Time
	Range      float64 // meters
	RangeRate  float64 // m/s, negative closing
	Azimuth    float64 // radians, left positive
	LateralVel float64 // m/s
	ExistProb  float64 // 0..1
}

// Status is the latest sensor summary.
type Status struct {
	Timestamp      time.Time
	Mode           Mode
	TrackedObjects int
	FirmwareID     string
	DiagnosticCode uint16
}

// BringupError reports a failed one-time driver initialization.
type BringupError struct {
	Driver string
	Reason string
	Err    error
}

func (e *BringupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("radar %s bringup: %s: %v", e.Driver, e.Reason, e.Err)
	}
	return fmt.Sprintf("radar %s bringup: %s", e.Driver, e.Reason)
}

func (e *BringupError) Unwrap() error { return e.Err }

// Driver is the vendor plugin contract. Exactly one bus worker group owns a
// driver and calls Ingest from its receive loop; Status and Objects are safe
// to call from any goroutine.
type Driver interface {
	Name() string

	// RequiredBuses lists the roles that must be bound before Bringup.
	RequiredBuses() []bus.Role

	// Bringup performs one-time session setup on the given buses. It owns
	// the handles exclusively until it returns.
	Bringup(ctx context.Context, buses map[bus.Role]bus.Handle) error

	// Start begins keepalive emission through tx. Frames submitted to tx
	// are scheduled at radar priority by the owning bus worker.
	Start(tx bus.Sink) error

	// Stop ends keepalive emission. Idempotent, safe before Start.
	Stop()

	// Ingest feeds one received frame to the decoder.
	Ingest(f bus.Frame)

	Status(now time.Time) Status
	Objects(maxAge time.Duration) []Object
}

// Config is the vendor-independent driver configuration.
type Config struct {
	FreshnessWindow   time.Duration
	KeepaliveInterval time.Duration
	AccessLevel       byte
	Secret            []byte // security access secret, empty to skip the handshake
}

// DefaultConfig returns the defaults used when the configuration leaves
// fields unset.
func DefaultConfig() Config {
	return Config{
		FreshnessWindow:   300 * time.Millisecond,
		KeepaliveInterval: 50 * time.Millisecond,
		AccessLevel:       0x01,
	}
}

// Factory builds a driver instance.
type Factory func(cfg Config, log *slog.Logger) Driver

var registry = map[string]Factory{}

// Register adds a vendor driver under name. Called from vendor init.
func Register(name string, f Factory) {
	if _, dup := registry[name]; dup {
		panic("radar: duplicate driver " + name)
	}
	registry[name] = f
}

// New instantiates the named vendor driver.
func New(name string, cfg Config, log *slog.Logger) (Driver, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("radar: unknown driver %q", name)
	}
	return f(cfg, log), nil
}

// Drivers lists the registered vendor names.
func Drivers() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sortObjects orders closest first, ties broken by id so repeated calls are
// deterministic.
func sortObjects(objs []Object) {
	sort.Slice(objs, func(i, j int) bool {
		if objs[i].Range != objs[j].Range {
			return objs[i].Range < objs[j].Range
		}
		return objs[i].ID < objs[j].ID
	})
}
