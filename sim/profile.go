package sim

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile declares the synthetic traffic for every simulated bus.
type Profile struct {
	Buses []BusProfile `yaml:"buses"`
}

// BusProfile drives one bus: cyclic frame generators plus an optional
// diagnostic responder.
type BusProfile struct {
	Bus        string          `yaml:"bus"`
	Generators []GeneratorSpec `yaml:"generators"`
	Responder  *ResponderSpec  `yaml:"responder"`
}

// GeneratorSpec emits one frame id at a fixed rate, filling byte ranges
// from named virtual sources.
type GeneratorSpec struct {
	FrameID  uint32        `yaml:"frame_id"`
	RateHz   float64       `yaml:"rate_hz"`
	Length   int           `yaml:"length"`
	Signals  []SignalRule  `yaml:"signals"`
	Counter  *CounterRule  `yaml:"counter"`
	Checksum *ChecksumRule `yaml:"checksum"`
}

// SignalRule encodes one virtual source into a bit range.
type SignalRule struct {
	Source    string  `yaml:"source"` // ramp | sine | step | const
	StartBit  int     `yaml:"start_bit"`
	BitLength int     `yaml:"bit_length"`
	BigEndian bool    `yaml:"big_endian"`
	Signed    bool    `yaml:"signed"`
	Scale     float64 `yaml:"scale"`
	Offset    float64 `yaml:"offset"`
	Min       float64 `yaml:"min"`
	Max       float64 `yaml:"max"`
	PeriodMS  int     `yaml:"period_ms"`
}

// CounterRule places a rolling counter in one byte.
type CounterRule struct {
	Byte   int `yaml:"byte"`
	Modulo int `yaml:"modulo"` // 0 means 256
}

// ChecksumRule places a CRC-8 over the other payload bytes.
type ChecksumRule struct {
	Byte int `yaml:"byte"`
}

// ResponderSpec makes the simulator answer diagnostic requests on a bus.
// Scripted exchanges are checked first; reads that miss the script are
// served from the optional Intel hex memory image.
type ResponderSpec struct {
	RequestID  uint32         `yaml:"request_id"`
	ResponseID uint32         `yaml:"response_id"`
	Exchanges  []ExchangeSpec `yaml:"exchanges"`
	MemoryHex  string         `yaml:"memory_hex"` // path to an Intel hex file
}

// ExchangeSpec is one scripted request/response pair, hex encoded.
type ExchangeSpec struct {
	Request  string `yaml:"request"`
	Response string `yaml:"response"`
}

// LoadProfile reads a YAML profile from path.
func LoadProfile(path string) (Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return Profile{}, fmt.Errorf("sim: open profile: %w", err)
	}
	defer f.Close()
	return ParseProfile(f)
}

// ParseProfile decodes and validates a YAML profile.
func ParseProfile(r io.Reader) (Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("sim: parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate checks the static constraints of the profile.
func (p Profile) Validate() error {
	if len(p.Buses) == 0 {
		return fmt.Errorf("sim: profile declares no buses")
	}
	seen := make(map[string]bool)
	for _, bp := range p.Buses {
		if bp.Bus == "" {
			return fmt.Errorf("sim: bus profile without a bus name")
		}
		if seen[bp.Bus] {
			return fmt.Errorf("sim: bus %q declared twice", bp.Bus)
		}
		seen[bp.Bus] = true
		for _, g := range bp.Generators {
			if g.RateHz <= 0 {
				return fmt.Errorf("sim: bus %s frame 0x%X: rate_hz must be positive", bp.Bus, g.FrameID)
			}
			if g.Length <= 0 || g.Length > 8 {
				return fmt.Errorf("sim: bus %s frame 0x%X: length %d out of range", bp.Bus, g.FrameID, g.Length)
			}
			for _, rule := range g.Signals {
				if _, err := newSource(rule); err != nil {
					return fmt.Errorf("bus %s frame 0x%X: %w", bp.Bus, g.FrameID, err)
				}
				if rule.StartBit+rule.BitLength > g.Length*8 {
					return fmt.Errorf("sim: bus %s frame 0x%X: signal exceeds payload", bp.Bus, g.FrameID)
				}
			}
			if g.Counter != nil && g.Counter.Byte >= g.Length {
				return fmt.Errorf("sim: bus %s frame 0x%X: counter byte out of range", bp.Bus, g.FrameID)
			}
			if g.Checksum != nil && g.Checksum.Byte >= g.Length {
				return fmt.Errorf("sim: bus %s frame 0x%X: checksum byte out of range", bp.Bus, g.FrameID)
			}
		}
		if rsp := bp.Responder; rsp != nil {
			for i, ex := range rsp.Exchanges {
				if _, err := parseHexBytes(ex.Request); err != nil {
					return fmt.Errorf("sim: bus %s exchange %d request: %w", bp.Bus, i, err)
				}
				if _, err := parseHexBytes(ex.Response); err != nil {
					return fmt.Errorf("sim: bus %s exchange %d response: %w", bp.Bus, i, err)
				}
			}
		}
	}
	return nil
}

func parseHexBytes(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)
	if clean == "" {
		return nil, fmt.Errorf("empty hex string")
	}
	return hex.DecodeString(clean)
}
