// Package config loads and validates the declarative startup configuration:
// bus declarations, the signal routing table, radar driver selection, and
// the optional simulator profile. Everything is loaded once; configuration
// errors are fatal before any bus traffic starts.
package config

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/trackdash/cancore/bus"
	"github.com/trackdash/cancore/codec"
	"github.com/trackdash/cancore/obd"
	"github.com/trackdash/cancore/radar"
	"github.com/trackdash/cancore/sim"
)

// Env holds process environment overrides, applied on top of the file.
type Env struct {
	ConfigPath string `env:"CANCORE_CONFIG" envDefault:"cancore.yaml"`
	LogLevel   string `env:"CANCORE_LOG_LEVEL"`
	Simulate   bool   `env:"CANCORE_SIM"`
	TraceDir   string `env:"CANCORE_TRACE_DIR"`
}

// ParseEnv reads the overrides from the process environment.
func ParseEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("config: parse environment: %w", err)
	}
	return e, nil
}

// Config is the root of the configuration file.
type Config struct {
	LogLevel  string         `yaml:"log_level"`
	Buses     []BusConfig    `yaml:"buses"`
	Signals   []SignalConfig `yaml:"signals"`
	OBD       *OBDConfig     `yaml:"obd"`
	Radar     *RadarConfig   `yaml:"radar"`
	Simulator *sim.Profile   `yaml:"simulator"`
	Trace     *TraceConfig   `yaml:"trace"`

	// Watchdog and flush cadence for the bus workers.
	WatchdogMS int `yaml:"watchdog_ms"`
	FlushMS    int `yaml:"flush_ms"`
}

// BusConfig declares one bus. Device names the SocketCAN interface; it is
// ignored for simulated buses.
type BusConfig struct {
	Name        string `yaml:"name"`
	Role        string `yaml:"role"`
	BitrateKbps int    `yaml:"bitrate_kbps"`
	LiveVehicle bool   `yaml:"live_vehicle"`
	Device      string `yaml:"device"`
}

// SignalConfig is one row of the routing table.
type SignalConfig struct {
	Channel   string  `yaml:"channel"`
	Source    string  `yaml:"source"`
	Bus       string  `yaml:"bus"`
	FrameID   uint32  `yaml:"frame_id"`
	Mode      byte    `yaml:"mode"`
	PID       byte    `yaml:"pid"`
	StartBit  int     `yaml:"start_bit"`
	BitLength int     `yaml:"bit_length"`
	BigEndian bool    `yaml:"big_endian"`
	Signed    bool    `yaml:"signed"`
	Scale     float64 `yaml:"scale"`
	Offset    float64 `yaml:"offset"`
	MaxRateHz float64 `yaml:"max_rate_hz"`

	// PollMS schedules the OBD request cadence for obd signals.
	PollMS int `yaml:"poll_ms"`
}

// OBDConfig binds the diagnostic session used for PID polling.
type OBDConfig struct {
	Bus        string `yaml:"bus"`
	RequestID  uint32 `yaml:"request_id"`
	ResponseID uint32 `yaml:"response_id"`
}

// RadarConfig selects the vendor driver and binds its bus roles.
type RadarConfig struct {
	Driver      string            `yaml:"driver"`
	Buses       map[string]string `yaml:"buses"` // role -> bus name
	FreshnessMS int               `yaml:"freshness_ms"`
	KeepaliveMS int               `yaml:"keepalive_ms"`
	AccessLevel byte              `yaml:"access_level"`
	SecretHex   string            `yaml:"secret_hex"`
}

// TraceConfig enables the raw frame trace recorder.
type TraceConfig struct {
	Dir      string `yaml:"dir"`
	MaxFiles int    `yaml:"max_files"`
}

// Load reads the file at path and applies env on top.
func Load(path string, e Env) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open: %w", err)
	}
	defer f.Close()
	return Parse(f, e)
}

// Parse decodes, overrides, and validates a configuration.
func Parse(r io.Reader, e Env) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if e.LogLevel != "" {
		c.LogLevel = e.LogLevel
	}
	if e.TraceDir != "" {
		if c.Trace == nil {
			c.Trace = &TraceConfig{}
		}
		c.Trace.Dir = e.TraceDir
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate enforces the cross-references the runtime assumes: unique bus
// names, known roles, every signal routable to exactly one channel, radar
// and simulator bound to declared buses.
func (c *Config) Validate() error {
	if len(c.Buses) == 0 {
		return fmt.Errorf("config: no buses declared")
	}
	buses := make(map[string]BusConfig, len(c.Buses))
	for _, b := range c.Buses {
		if b.Name == "" {
			return fmt.Errorf("config: bus without a name")
		}
		if _, dup := buses[b.Name]; dup {
			return fmt.Errorf("config: bus %q declared twice", b.Name)
		}
		if _, err := bus.ParseRole(b.Role); err != nil {
			return fmt.Errorf("config: bus %q: %w", b.Name, err)
		}
		buses[b.Name] = b
	}

	channels := make(map[string]bool, len(c.Signals))
	for _, s := range c.Signals {
		def := s.Definition()
		if err := def.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if channels[s.Channel] {
			return fmt.Errorf("config: channel %q claimed twice", s.Channel)
		}
		channels[s.Channel] = true
		if _, ok := buses[s.Bus]; !ok {
			return fmt.Errorf("config: channel %q references unknown bus %q", s.Channel, s.Bus)
		}
	}

	if c.OBD != nil {
		if _, ok := buses[c.OBD.Bus]; !ok {
			return fmt.Errorf("config: obd references unknown bus %q", c.OBD.Bus)
		}
		if c.OBD.RequestID == 0 || c.OBD.ResponseID == 0 {
			return fmt.Errorf("config: obd session needs request_id and response_id")
		}
	}

	if c.Radar != nil {
		if c.Radar.Driver == "" {
			return fmt.Errorf("config: radar section without a driver name")
		}
		for role, name := range c.Radar.Buses {
			if _, err := bus.ParseRole(role); err != nil {
				return fmt.Errorf("config: radar: %w", err)
			}
			if _, ok := buses[name]; !ok {
				return fmt.Errorf("config: radar role %q references unknown bus %q", role, name)
			}
		}
		if c.Radar.SecretHex != "" {
			if _, err := hex.DecodeString(c.Radar.SecretHex); err != nil {
				return fmt.Errorf("config: radar secret: %w", err)
			}
		}
	}

	if c.Simulator != nil {
		if err := c.Simulator.Validate(); err != nil {
			return err
		}
		for _, bp := range c.Simulator.Buses {
			b, ok := buses[bp.Bus]
			if !ok {
				return fmt.Errorf("config: simulator references unknown bus %q", bp.Bus)
			}
			if b.LiveVehicle {
				return fmt.Errorf("config: simulator attached to live vehicle bus %q", bp.Bus)
			}
		}
	}
	return nil
}

// Definition converts one routing table row to a codec definition.
func (s SignalConfig) Definition() codec.SignalDefinition {
	var minInterval time.Duration
	if s.MaxRateHz > 0 {
		minInterval = time.Duration(float64(time.Second) / s.MaxRateHz)
	}
	return codec.SignalDefinition{
		Channel:     s.Channel,
		Source:      codec.SourceKind(s.Source),
		Bus:         s.Bus,
		FrameID:     s.FrameID,
		Mode:        s.Mode,
		PID:         s.PID,
		StartBit:    s.StartBit,
		BitLength:   s.BitLength,
		BigEndian:   s.BigEndian,
		Signed:      s.Signed,
		Scale:       s.Scale,
		Offset:      s.Offset,
		MinInterval: minInterval,
	}
}

// SignalDefinitions converts the whole routing table.
func (c *Config) SignalDefinitions() []codec.SignalDefinition {
	defs := make([]codec.SignalDefinition, len(c.Signals))
	for i, s := range c.Signals {
		defs[i] = s.Definition()
	}
	return defs
}

// PollItems derives the OBD polling schedule from the routing table. Each
// distinct (mode, pid) pair is polled at the fastest interval any of its
// channels asked for.
func (c *Config) PollItems() []obd.PollItem {
	type key struct{ mode, pid byte }
	fastest := make(map[key]time.Duration)
	var order []key
	for _, s := range c.Signals {
		if codec.SourceKind(s.Source) != codec.SourceOBD {
			continue
		}
		interval := time.Second
		if s.PollMS > 0 {
			interval = time.Duration(s.PollMS) * time.Millisecond
		}
		k := key{s.Mode, s.PID}
		cur, seen := fastest[k]
		if !seen {
			order = append(order, k)
			fastest[k] = interval
		} else if interval < cur {
			fastest[k] = interval
		}
	}
	items := make([]obd.PollItem, 0, len(order))
	for _, k := range order {
		items = append(items, obd.PollItem{Mode: k.mode, PID: k.pid, Interval: fastest[k]})
	}
	return items
}

// Descriptors converts the bus declarations.
func (c *Config) Descriptors() []bus.Descriptor {
	descs := make([]bus.Descriptor, len(c.Buses))
	for i, b := range c.Buses {
		role, _ := bus.ParseRole(b.Role)
		descs[i] = bus.Descriptor{
			Name:        b.Name,
			Role:        role,
			BitrateKbps: b.BitrateKbps,
			LiveVehicle: b.LiveVehicle,
		}
	}
	return descs
}

// RadarDriverConfig builds the vendor-independent radar settings.
func (c *Config) RadarDriverConfig() (radar.Config, error) {
	cfg := radar.DefaultConfig()
	if c.Radar == nil {
		return cfg, nil
	}
	if c.Radar.FreshnessMS > 0 {
		cfg.FreshnessWindow = time.Duration(c.Radar.FreshnessMS) * time.Millisecond
	}
	if c.Radar.KeepaliveMS > 0 {
		cfg.KeepaliveInterval = time.Duration(c.Radar.KeepaliveMS) * time.Millisecond
	}
	if c.Radar.AccessLevel != 0 {
		cfg.AccessLevel = c.Radar.AccessLevel
	}
	if c.Radar.SecretHex != "" {
		secret, err := hex.DecodeString(c.Radar.SecretHex)
		if err != nil {
			return cfg, fmt.Errorf("config: radar secret: %w", err)
		}
		cfg.Secret = secret
	}
	return cfg, nil
}
