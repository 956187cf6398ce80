package radar

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trackdash/cancore/bus"
	"github.com/trackdash/cancore/codec"
	"github.com/trackdash/cancore/isotp"
	"github.com/trackdash/cancore/obd"
)

// contisim frame identifiers.
const (
	contisimStatusID    = 0x60A
	contisimObjectID    = 0x60B
	contisimKeepaliveID = 0x300
	contisimEgoSpeedID  = 0x4F0
)

// Diagnostic addressing for the optional security handshake.
var contisimDiagAddr = isotp.Address{RequestID: 0x700, ResponseID: 0x708}

// Object frame payload layout.
var (
	contisimObjRange = codec.SignalDefinition{
		Channel: "contisim.obj.range", StartBit: 8, BitLength: 13, Scale: 0.1,
	}
	contisimObjRangeRate = codec.SignalDefinition{
		Channel: "contisim.obj.range_rate", StartBit: 21, BitLength: 11, Signed: true, Scale: 0.05,
	}
	contisimObjAzimuth = codec.SignalDefinition{
		Channel: "contisim.obj.azimuth", StartBit: 32, BitLength: 10, Signed: true, Scale: 0.002,
	}
	contisimObjLateralVel = codec.SignalDefinition{
		Channel: "contisim.obj.lateral_vel", StartBit: 42, BitLength: 9, Signed: true, Scale: 0.1,
	}
	contisimObjExistProb = codec.SignalDefinition{
		Channel: "contisim.obj.exist_prob", StartBit: 51, BitLength: 7, Scale: 0.01,
	}
)

// Keepalive payload layout: rolling counter in byte 0, ego speed after it.
var contisimEgoSpeed = codec.SignalDefinition{
	Channel: "contisim.ego.speed", StartBit: 8, BitLength: 13, Scale: 0.01,
}

// Decode failures beyond this streak mean the sensor stream is unusable.
const contisimBlockedStreak = 16

// Objects older than this are pruned from the internal map regardless of
// what callers pass as max age.
const contisimObjectTTL = 2 * time.Second

func init() {
	Register("contisim", func(cfg Config, log *slog.Logger) Driver {
		return newContisim(cfg, log)
	})
}

// contisimSnapshot is the read-side view, swapped atomically on every
// ingest so Status and Objects never take a lock.
type contisimSnapshot struct {
	objects   []Object // ascending range
	status    Status
	lastFrame time.Time
}

type contisim struct {
	cfg Config
	log *slog.Logger

	// Writer state. Ingest is wired into every bus worker the driver is
	// bound to, so object and status updates are serialized behind mu.
	mu         sync.Mutex
	objects    map[uint8]Object
	status     Status
	failStreak int
	egoSpeed   atomic.Uint64 // raw centimeters/s, written by Ingest, read by keepalive loop

	snap atomic.Pointer[contisimSnapshot]

	stopOnce sync.Once
	stopc    chan struct{}
	wg       sync.WaitGroup
}

func newContisim(cfg Config, log *slog.Logger) *contisim {
	if log == nil {
		log = slog.Default()
	}
	return &contisim{
		cfg:     cfg,
		log:     log.With("component", "radar", "driver", "contisim"),
		objects: make(map[uint8]Object),
		stopc:   make(chan struct{}),
	}
}

func (d *contisim) Name() string { return "contisim" }

func (d *contisim) RequiredBuses() []bus.Role {
	return []bus.Role{bus.RoleRadar}
}

// Bringup unlocks the sensor gateway when a secret is configured. The
// handshake runs a short-lived ISO-TP session directly on the radar bus;
// the scheduler has not started yet, so the driver pumps frames itself.
func (d *contisim) Bringup(ctx context.Context, buses map[bus.Role]bus.Handle) error {
	h, ok := buses[bus.RoleRadar]
	if !ok {
		return &BringupError{Driver: "contisim", Reason: "radar bus not bound"}
	}
	if len(d.cfg.Secret) == 0 {
		return nil
	}

	tp, err := isotp.New(h.Name(), contisimDiagAddr, isotp.DefaultConfig(), d.log)
	if err != nil {
		return &BringupError{Driver: "contisim", Reason: "transport setup", Err: err}
	}

	hsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		tp.Run(hsCtx)
	}()
	go func() {
		defer wg.Done()
		for {
			f, err := h.Receive(hsCtx)
			if err != nil {
				return
			}
			tp.Feed(f)
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case f := <-tp.Out():
				if err := h.Send(f); err != nil {
					return
				}
			case <-hsCtx.Done():
				return
			}
		}
	}()

	client := obd.NewClient(tp, obd.DefaultRequestOptions(), d.log)
	err = client.SecurityAccess(hsCtx, d.cfg.AccessLevel, d.cfg.Secret)
	cancel()
	wg.Wait()
	if err != nil {
		return &BringupError{Driver: "contisim", Reason: "security access", Err: err}
	}
	d.log.Info("gateway unlocked", "level", d.cfg.AccessLevel)
	return nil
}

// Start launches the keepalive loop. The gateway mutes the object stream
// when keepalives stop, so this runs for the driver's whole lifetime.
func (d *contisim) Start(tx bus.Sink) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.KeepaliveInterval)
		defer ticker.Stop()
		var counter byte
		for {
			select {
			case <-d.stopc:
				return
			case <-ticker.C:
			}
			var data [8]byte
			data[0] = counter
			counter++
			speed := float64(d.egoSpeed.Load()) / 100
			if clamped, _ := codec.Encode(speed, contisimEgoSpeed, data[:]); clamped {
				d.log.Warn("ego speed clamped", "speed", speed)
			}
			f := bus.NewFrame("", contisimKeepaliveID, data[:])
			if err := tx.Submit(f); err != nil {
				d.log.Warn("keepalive dropped", "err", err)
			}
		}
	}()
	return nil
}

func (d *contisim) Stop() {
	d.stopOnce.Do(func() { close(d.stopc) })
	d.wg.Wait()
}

func (d *contisim) Ingest(f bus.Frame) {
	// Ego speed arrives on the vehicle bus and only feeds the keepalive
	// loop; it never refreshes the sensor snapshot.
	if f.ID == contisimEgoSpeedID {
		d.ingestEgoSpeed(f)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch f.ID {
	case contisimStatusID:
		d.ingestStatus(f)
	case contisimObjectID:
		d.ingestObject(f)
	default:
		return
	}
	d.publish(f.Timestamp)
}

// Status frame layout: byte 0 object count, byte 1 measurement counter,
// bytes 2-3 diagnostic code, byte 4 sensor state, bytes 5-6 firmware
// major/minor.
func (d *contisim) ingestStatus(f bus.Frame) {
	p := f.Payload()
	if len(p) < 7 {
		d.decodeFailure("short status frame", len(p))
		return
	}
	d.failStreak = 0
	d.status = Status{
		Timestamp:      f.Timestamp,
		Mode:           contisimMode(p[4]),
		TrackedObjects: int(p[0]),
		FirmwareID:     fmtFirmware(p[5], p[6]),
		DiagnosticCode: uint16(p[2])<<8 | uint16(p[3]),
	}
}

func contisimMode(state byte) Mode {
	switch state {
	case 1:
		return ModeOK
	case 2:
		return ModeBlocked
	case 3:
		return ModeDegraded
	default:
		return ModeNoData
	}
}

func fmtFirmware(major, minor byte) string {
	return fmt.Sprintf("v%d.%d", major, minor)
}

func (d *contisim) ingestObject(f bus.Frame) {
	p := f.Payload()
	if len(p) < 8 {
		d.decodeFailure("short object frame", len(p))
		return
	}
	rng, err := codec.Decode(p, contisimObjRange)
	if err != nil {
		d.decodeFailure("object range", len(p))
		return
	}
	rate, _ := codec.Decode(p, contisimObjRangeRate)
	az, _ := codec.Decode(p, contisimObjAzimuth)
	lat, _ := codec.Decode(p, contisimObjLateralVel)
	prob, _ := codec.Decode(p, contisimObjExistProb)

	d.failStreak = 0
	id := p[0]
	d.objects[id] = Object{
		ID:         id,
		Timestamp:  f.Timestamp,
		Range:      rng,
		RangeRate:  rate,
		Azimuth:    az,
		LateralVel: lat,
		ExistProb:  prob,
	}
}

func (d *contisim) ingestEgoSpeed(f bus.Frame) {
	p := f.Payload()
	if len(p) < 2 {
		return
	}
	// Vehicle bus speed frame: km/h * 100 in the first two bytes.
	kmh := float64(uint16(p[0])<<8|uint16(p[1])) / 100
	d.egoSpeed.Store(uint64(kmh / 3.6 * 100))
}

func (d *contisim) decodeFailure(reason string, dlc int) {
	d.failStreak++
	if d.failStreak == 1 || d.failStreak == contisimBlockedStreak {
		d.log.Warn("decode failure", "reason", reason, "dlc", dlc, "streak", d.failStreak)
	}
}

func (d *contisim) publish(now time.Time) {
	cutoff := now.Add(-contisimObjectTTL)
	for id, obj := range d.objects {
		if obj.Timestamp.Before(cutoff) {
			delete(d.objects, id)
		}
	}
	objs := make([]Object, 0, len(d.objects))
	for _, obj := range d.objects {
		objs = append(objs, obj)
	}
	sortObjects(objs)

	status := d.status
	switch {
	case d.failStreak >= contisimBlockedStreak:
		status.Mode = ModeBlocked
	case d.failStreak > 0:
		status.Mode = ModeDegraded
	}
	d.snap.Store(&contisimSnapshot{
		objects:   objs,
		status:    status,
		lastFrame: now,
	})
}

func (d *contisim) Status(now time.Time) Status {
	snap := d.snap.Load()
	if snap == nil || now.Sub(snap.lastFrame) > d.cfg.FreshnessWindow {
		return Status{Timestamp: now, Mode: ModeNoData}
	}
	return snap.status
}

func (d *contisim) Objects(maxAge time.Duration) []Object {
	snap := d.snap.Load()
	if snap == nil {
		return nil
	}
	cutoff := time.Now().Add(-maxAge)
	out := make([]Object, 0, len(snap.objects))
	for _, obj := range snap.objects {
		if !obj.Timestamp.Before(cutoff) {
			out = append(out, obj)
		}
	}
	return out
}
