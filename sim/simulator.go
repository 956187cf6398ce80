package sim

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/marcinbor85/gohex"
	"golang.org/x/sync/errgroup"

	"github.com/trackdash/cancore/bus"
	"github.com/trackdash/cancore/codec"
	"github.com/trackdash/cancore/isotp"
)

// Binding attaches a profile bus to its handle. The descriptor carries the
// liveness flag the simulator must honor.
type Binding struct {
	Desc   bus.Descriptor
	Handle bus.Handle
}

// Simulator produces the profile's traffic on its bound buses.
type Simulator struct {
	profile  Profile
	bindings map[string]Binding
	memories map[string]*gohex.Memory
	log      *slog.Logger
}

// New validates the profile against the bindings. Attaching to a bus
// flagged live_vehicle is a fatal configuration error; it is rejected here,
// before any frame is generated.
func New(profile Profile, bindings map[string]Binding, log *slog.Logger) (*Simulator, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	s := &Simulator{
		profile:  profile,
		bindings: bindings,
		memories: make(map[string]*gohex.Memory),
		log:      log.With("component", "sim"),
	}
	for _, bp := range profile.Buses {
		b, ok := bindings[bp.Bus]
		if !ok {
			return nil, fmt.Errorf("sim: profile bus %q is not bound", bp.Bus)
		}
		if b.Desc.LiveVehicle {
			return nil, fmt.Errorf("sim: refusing to attach to live vehicle bus %q", bp.Bus)
		}
		if bp.Responder != nil && bp.Responder.MemoryHex != "" {
			mem, err := loadMemoryImage(bp.Responder.MemoryHex)
			if err != nil {
				return nil, err
			}
			s.memories[bp.Bus] = mem
		}
	}
	return s, nil
}

func loadMemoryImage(path string) (*gohex.Memory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sim: open memory image: %w", err)
	}
	defer f.Close()
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(f); err != nil {
		return nil, fmt.Errorf("sim: parse memory image %s: %w", path, err)
	}
	return mem, nil
}

// Run emits frames and serves diagnostics until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, bp := range s.profile.Buses {
		binding := s.bindings[bp.Bus]
		for _, gen := range bp.Generators {
			gen := gen
			g.Go(func() error { return s.generate(ctx, binding, gen) })
		}
		if bp.Responder != nil {
			rsp := *bp.Responder
			mem := s.memories[bp.Bus]
			g.Go(func() error { return s.respond(ctx, binding, rsp, mem) })
		}
	}
	return g.Wait()
}

func (s *Simulator) generate(ctx context.Context, b Binding, gen GeneratorSpec) error {
	type boundSignal struct {
		src source
		def codec.SignalDefinition
	}
	signals := make([]boundSignal, 0, len(gen.Signals))
	for _, rule := range gen.Signals {
		src, err := newSource(rule)
		if err != nil {
			return err
		}
		scale := rule.Scale
		if scale == 0 {
			scale = 1
		}
		signals = append(signals, boundSignal{
			src: src,
			def: codec.SignalDefinition{
				Channel:   fmt.Sprintf("sim.%s.%X", b.Desc.Name, gen.FrameID),
				Source:    codec.SourceCANNative,
				StartBit:  rule.StartBit,
				BitLength: rule.BitLength,
				BigEndian: rule.BigEndian,
				Signed:    rule.Signed,
				Scale:     scale,
				Offset:    rule.Offset,
			},
		})
	}

	interval := time.Duration(float64(time.Second) / gen.RateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	start := time.Now()
	var counter int

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		data := make([]byte, gen.Length)
		elapsed := time.Since(start)
		for _, sig := range signals {
			if _, err := codec.Encode(sig.src.value(elapsed), sig.def, data); err != nil {
				return fmt.Errorf("sim: frame 0x%X: %w", gen.FrameID, err)
			}
		}
		if gen.Counter != nil {
			mod := gen.Counter.Modulo
			if mod <= 0 {
				mod = 256
			}
			data[gen.Counter.Byte] = byte(counter % mod)
			counter++
		}
		if cs := gen.Checksum; cs != nil {
			data[cs.Byte] = 0
			sum := crc8(append(append([]byte{}, data[:cs.Byte]...), data[cs.Byte+1:]...))
			data[cs.Byte] = sum
		}
		if err := b.Handle.Send(bus.NewFrame(b.Desc.Name, gen.FrameID, data)); err != nil {
			s.log.Debug("generated frame dropped", "bus", b.Desc.Name, "id", gen.FrameID, "err", err)
		}
	}
}

// respond plays the simulated diagnostic peer: scripted exchanges first,
// then memory reads from the hex image, then a service-not-supported
// negative response.
func (s *Simulator) respond(ctx context.Context, b Binding, spec ResponderSpec, mem *gohex.Memory) error {
	addr := isotp.Address{RequestID: spec.RequestID, ResponseID: spec.ResponseID}.Flip()
	tp, err := isotp.New(b.Desc.Name, addr, isotp.DefaultConfig(), s.log)
	if err != nil {
		return err
	}

	script := make([]struct{ req, resp []byte }, len(spec.Exchanges))
	for i, ex := range spec.Exchanges {
		script[i].req, _ = parseHexBytes(ex.Request)
		script[i].resp, _ = parseHexBytes(ex.Response)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tp.Run(ctx)
		return nil
	})
	g.Go(func() error {
		for {
			f, err := b.Handle.Receive(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			tp.Feed(f)
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case f := <-tp.Out():
				if err := b.Handle.Send(f); err != nil {
					s.log.Warn("responder frame dropped", "bus", b.Desc.Name, "err", err)
				}
			}
		}
	})
	g.Go(func() error {
		for {
			var req []byte
			select {
			case <-ctx.Done():
				return nil
			case req = <-tp.Inbound():
			}
			resp := s.answer(script, mem, req)
			sendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := tp.Send(sendCtx, resp)
			cancel()
			if err != nil {
				s.log.Warn("responder send failed", "bus", b.Desc.Name, "err", err)
			}
		}
	})
	return g.Wait()
}

func (s *Simulator) answer(script []struct{ req, resp []byte }, mem *gohex.Memory, req []byte) []byte {
	for _, ex := range script {
		if bytes.Equal(ex.req, req) {
			return ex.resp
		}
	}
	if len(req) >= 7 && req[0] == 0x23 && mem != nil {
		// ReadMemoryByAddress: 4-byte address, 2-byte size, big endian.
		addr := binary.BigEndian.Uint32(req[1:5])
		size := binary.BigEndian.Uint16(req[5:7])
		// The positive response byte plus data must fit one segmented payload.
		if size == 0 || size > 4094 {
			return []byte{0x7F, 0x23, 0x31}
		}
		data := mem.ToBinary(addr, uint32(size), 0xFF)
		return append([]byte{0x63}, data...)
	}
	if len(req) > 0 {
		return []byte{0x7F, req[0], 0x11}
	}
	return []byte{0x7F, 0x00, 0x11}
}
