// Package sim synthesizes multi-bus CAN traffic from a declarative profile
// and answers scripted diagnostic exchanges, standing in for a vehicle on
// the bench. It refuses to touch any bus flagged as live.
package sim

import (
	"fmt"
	"math"
	"time"
)

// source computes a virtual signal value at elapsed time t. Sources are
// drawn from a small closed set; the profile is data, not a script.
type source interface {
	value(t time.Duration) float64
}

type rampSource struct {
	min, max float64
	period   time.Duration
}

func (s rampSource) value(t time.Duration) float64 {
	frac := float64(t%s.period) / float64(s.period)
	return s.min + (s.max-s.min)*frac
}

type sineSource struct {
	min, max float64
	period   time.Duration
}

func (s sineSource) value(t time.Duration) float64 {
	phase := 2 * math.Pi * float64(t%s.period) / float64(s.period)
	mid := (s.min + s.max) / 2
	amp := (s.max - s.min) / 2
	return mid + amp*math.Sin(phase)
}

type stepSource struct {
	min, max float64
	period   time.Duration
}

func (s stepSource) value(t time.Duration) float64 {
	if (t%s.period)*2 < s.period {
		return s.min
	}
	return s.max
}

type constSource struct{ v float64 }

func (s constSource) value(time.Duration) float64 { return s.v }

func newSource(rule SignalRule) (source, error) {
	period := time.Duration(rule.PeriodMS) * time.Millisecond
	if rule.Source != "const" && period <= 0 {
		return nil, fmt.Errorf("sim: source %q needs period_ms > 0", rule.Source)
	}
	switch rule.Source {
	case "ramp":
		return rampSource{min: rule.Min, max: rule.Max, period: period}, nil
	case "sine":
		return sineSource{min: rule.Min, max: rule.Max, period: period}, nil
	case "step":
		return stepSource{min: rule.Min, max: rule.Max, period: period}, nil
	case "const":
		return constSource{v: rule.Min}, nil
	default:
		return nil, fmt.Errorf("sim: unknown source %q", rule.Source)
	}
}

// crc8 is the SAE J1850 polynomial, the one most vendor checksums use.
func crc8(data []byte) byte {
	var crc byte = 0xFF
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x1D
			} else {
				crc <<= 1
			}
		}
	}
	return crc ^ 0xFF
}
