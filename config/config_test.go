package config

import (
	"strings"
	"testing"
	"time"

	"github.com/trackdash/cancore/codec"
)

const validYAML = `
log_level: info
watchdog_ms: 1000
flush_ms: 50
buses:
  - name: vehicle0
    role: vehicle
    bitrate_kbps: 500
    live_vehicle: true
    device: can0
  - name: radar0
    role: radar
    bitrate_kbps: 500
    device: can1
  - name: obd0
    role: obd
    bitrate_kbps: 500
    device: can2
signals:
  - channel: rpm
    source: can_native
    bus: vehicle0
    frame_id: 0x316
    start_bit: 16
    bit_length: 16
    scale: 0.25
    max_rate_hz: 20
  - channel: coolant_temp
    source: obd
    bus: obd0
    mode: 0x01
    pid: 0x05
    bit_length: 8
    scale: 1
    offset: -40
    poll_ms: 1000
obd:
  bus: obd0
  request_id: 0x7DF
  response_id: 0x7E8
radar:
  driver: contisim
  buses:
    radar: radar0
  freshness_ms: 300
  keepalive_ms: 50
  secret_hex: "000102030405060708090a0b0c0d0e0f"
`

func mustParse(t *testing.T, src string) *Config {
	t.Helper()
	c, err := Parse(strings.NewReader(src), Env{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return c
}

func TestParseValid(t *testing.T) {
	c := mustParse(t, validYAML)

	defs := c.SignalDefinitions()
	if len(defs) != 2 {
		t.Fatalf("defs = %d, want 2", len(defs))
	}
	if defs[0].MinInterval != 50*time.Millisecond {
		t.Fatalf("rpm interval = %v, want 50ms", defs[0].MinInterval)
	}
	if defs[1].Source != codec.SourceOBD || defs[1].PID != 0x05 {
		t.Fatalf("coolant def = %+v", defs[1])
	}

	descs := c.Descriptors()
	if len(descs) != 3 || !descs[0].LiveVehicle {
		t.Fatalf("descriptors = %+v", descs)
	}

	items := c.PollItems()
	if len(items) != 1 || items[0].PID != 0x05 || items[0].Interval != time.Second {
		t.Fatalf("poll items = %+v", items)
	}

	rc, err := c.RadarDriverConfig()
	if err != nil {
		t.Fatalf("RadarDriverConfig: %v", err)
	}
	if len(rc.Secret) != 16 || rc.FreshnessWindow != 300*time.Millisecond {
		t.Fatalf("radar config = %+v", rc)
	}
}

func TestEnvOverridesLogLevel(t *testing.T) {
	c, err := Parse(strings.NewReader(validYAML), Env{LogLevel: "debug"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.LogLevel != "debug" {
		t.Fatalf("log level = %q, want debug", c.LogLevel)
	}
}

func TestRejectsDuplicateChannel(t *testing.T) {
	c := mustParse(t, validYAML)
	dup := c.Signals[0]
	dup.FrameID = 0x317
	c.Signals = append(c.Signals, dup)
	if err := c.Validate(); err == nil {
		t.Fatal("duplicate channel accepted")
	}
}

func TestRejectsUnknownBusRef(t *testing.T) {
	c := mustParse(t, validYAML)
	c.Signals[0].Bus = "ghost0"
	if err := c.Validate(); err == nil {
		t.Fatal("unknown bus reference accepted")
	}
}

func TestRejectsUnknownRole(t *testing.T) {
	c := mustParse(t, validYAML)
	c.Buses[1].Role = "lidar"
	if err := c.Validate(); err == nil {
		t.Fatal("unknown role accepted")
	}
}

func TestRejectsSimulatorOnLiveBus(t *testing.T) {
	src := validYAML + `
simulator:
  buses:
    - bus: vehicle0
      generators:
        - frame_id: 0x100
          rate_hz: 10
          length: 8
          signals:
            - source: const
              start_bit: 0
              bit_length: 8
              min: 1
`
	if _, err := Parse(strings.NewReader(src), Env{}); err == nil {
		t.Fatal("simulator on live bus accepted")
	}
}

func TestRejectsBadSecret(t *testing.T) {
	c := mustParse(t, validYAML)
	c.Radar.SecretHex = "zz"
	if err := c.Validate(); err == nil {
		t.Fatal("bad secret hex accepted")
	}
}
