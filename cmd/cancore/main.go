// Command cancore runs the multi-bus telemetry core: one scheduler worker
// per configured bus, the signal router, the selected radar driver, OBD
// polling over ISO-TP, and optionally the bench simulator on loopback
// buses.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trackdash/cancore/bus"
	"github.com/trackdash/cancore/config"
	"github.com/trackdash/cancore/isotp"
	"github.com/trackdash/cancore/obd"
	"github.com/trackdash/cancore/radar"
	"github.com/trackdash/cancore/route"
	"github.com/trackdash/cancore/sched"
	"github.com/trackdash/cancore/sim"
	"github.com/trackdash/cancore/trace"
)

func main() {
	if err := run(); err != nil {
		slog.Error("cancore failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	e, err := config.ParseEnv()
	if err != nil {
		return err
	}
	cfg, err := config.Load(e.ConfigPath, e)
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	simulate := e.Simulate && cfg.Simulator != nil
	simulated := make(map[string]bool)
	if simulate {
		for _, bp := range cfg.Simulator.Buses {
			simulated[bp.Bus] = true
		}
	}

	// Bind every configured bus: loopback when simulated, SocketCAN
	// otherwise.
	devices := make(map[string]string, len(cfg.Buses))
	for _, b := range cfg.Buses {
		devices[b.Name] = b.Device
	}
	handles := make(map[string]bus.Handle)
	loops := make(map[string]*bus.Loopback)
	for _, d := range cfg.Descriptors() {
		if simulated[d.Name] {
			lb := bus.NewLoopback(d.Name)
			loops[d.Name] = lb
			handles[d.Name] = lb.Open()
			defer lb.Close()
			continue
		}
		dev := devices[d.Name]
		if dev == "" {
			return fmt.Errorf("bus %q has no device and is not simulated", d.Name)
		}
		h, err := bus.DialSocketCAN(ctx, d.Name, dev, 0)
		if err != nil {
			return fmt.Errorf("bind bus %q: %w", d.Name, err)
		}
		handles[d.Name] = h
		defer h.Close()
	}

	var recorder *trace.Recorder
	if cfg.Trace != nil && cfg.Trace.Dir != "" {
		opts := trace.DefaultOptions(cfg.Trace.Dir)
		if cfg.Trace.MaxFiles > 0 {
			opts.MaxFiles = cfg.Trace.MaxFiles
		}
		recorder, err = trace.NewRecorder(opts, log)
		if err != nil {
			return err
		}
		defer recorder.Close()
	}

	defs := cfg.SignalDefinitions()
	store := route.NewStore(route.Channels(defs))
	router, err := route.NewRouter(defs, store, log)
	if err != nil {
		return err
	}

	// Radar driver selection and bus binding.
	var drv radar.Driver
	radarBuses := make(map[string]bool)
	roleHandles := make(map[bus.Role]bus.Handle)
	if cfg.Radar != nil {
		rcfg, err := cfg.RadarDriverConfig()
		if err != nil {
			return err
		}
		drv, err = radar.New(cfg.Radar.Driver, rcfg, log)
		if err != nil {
			return err
		}
		for role, name := range cfg.Radar.Buses {
			r, _ := bus.ParseRole(role)
			roleHandles[r] = handles[name]
			radarBuses[name] = true
		}
	}

	// Diagnostic session for PID polling.
	var tp *isotp.Transport
	var poller *obd.Poller
	if cfg.OBD != nil {
		addr := isotp.Address{RequestID: cfg.OBD.RequestID, ResponseID: cfg.OBD.ResponseID}
		tp, err = isotp.New(cfg.OBD.Bus, addr, isotp.DefaultConfig(), log)
		if err != nil {
			return err
		}
		client := obd.NewClient(tp, obd.DefaultRequestOptions(), log)
		obdBus := cfg.OBD.Bus
		poller = obd.NewPoller(client, cfg.PollItems(), func(mode, pid byte, data []byte, ts time.Time) {
			router.HandlePID(obdBus, mode, pid, data, ts)
		}, log)
	}

	scheduler := sched.New(log)
	wcfg := sched.DefaultConfig()
	if cfg.WatchdogMS > 0 {
		wcfg.Watchdog = time.Duration(cfg.WatchdogMS) * time.Millisecond
	}
	for name, h := range handles {
		name := name
		isRadar := drv != nil && radarBuses[name]
		isOBD := tp != nil && cfg.OBD.Bus == name
		dispatch := func(f bus.Frame) {
			if recorder != nil {
				recorder.Record(f)
			}
			router.HandleFrame(f)
			if isRadar {
				drv.Ingest(f)
			}
			if isOBD {
				tp.Feed(f)
			}
		}
		if _, err := scheduler.AddBus(h, wcfg, dispatch); err != nil {
			return err
		}
	}

	flushEvery := 50 * time.Millisecond
	if cfg.FlushMS > 0 {
		flushEvery = time.Duration(cfg.FlushMS) * time.Millisecond
	}
	scheduler.SetFlush(flushEvery, router.Flush)

	g, ctx := errgroup.WithContext(ctx)

	// The simulator must be serving before radar bringup, or the secure
	// handshake on a simulated radar bus has nobody to answer it.
	if simulate {
		bindings := make(map[string]sim.Binding)
		for _, d := range cfg.Descriptors() {
			if lb, ok := loops[d.Name]; ok {
				bindings[d.Name] = sim.Binding{Desc: d, Handle: lb.Open()}
			}
		}
		simulator, err := sim.New(*cfg.Simulator, bindings, log)
		if err != nil {
			return err
		}
		g.Go(func() error { return simulator.Run(ctx) })
		log.Info("simulator attached", "buses", len(bindings))
	}

	// Radar bringup runs before the workers start, while the driver still
	// owns its buses exclusively. A failed bringup degrades to NO_DATA
	// instead of aborting the process.
	if drv != nil {
		if err := drv.Bringup(ctx, roleHandles); err != nil {
			log.Warn("radar bringup failed, continuing without radar", "err", err)
		} else {
			radarWorker, ok := scheduler.Worker(cfg.Radar.Buses[string(bus.RoleRadar)])
			if !ok {
				return fmt.Errorf("radar bus has no worker")
			}
			if err := drv.Start(radarWorker.Sink(sched.PriorityRadar)); err != nil {
				return err
			}
			defer drv.Stop()
		}
	}

	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error { return logHealth(ctx, scheduler.Health(), log) })

	if tp != nil {
		obdWorker, ok := scheduler.Worker(cfg.OBD.Bus)
		if !ok {
			return fmt.Errorf("obd bus has no worker")
		}
		g.Go(func() error {
			tp.Run(ctx)
			return nil
		})
		g.Go(func() error { return sched.Pump(ctx, tp.Out(), obdWorker.Sink(sched.PriorityDiag), log) })
		g.Go(func() error { return ignoreCancel(poller.Run(ctx)) })
	}

	log.Info("cancore running", "buses", len(handles), "channels", len(defs))
	return ignoreCancel(g.Wait())
}

func logHealth(ctx context.Context, events <-chan sched.HealthEvent, log *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			switch ev.State {
			case sched.HealthError:
				log.Error("bus failed", "bus", ev.Bus, "err", ev.Err)
			case sched.HealthStalled:
				log.Warn("bus stalled", "bus", ev.Bus)
			default:
				log.Info("bus health", "bus", ev.Bus, "state", ev.State.String())
			}
		}
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
