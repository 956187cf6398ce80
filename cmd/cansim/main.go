// Command cansim replays a simulator profile onto real CAN interfaces,
// typically vcan devices, so cancore can be exercised on the bench without
// a vehicle. Profile bus names are used as the interface names.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/trackdash/cancore/bus"
	"github.com/trackdash/cancore/sim"
)

func main() {
	profilePath := flag.String("profile", "profile.yaml", "simulator profile YAML")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := run(*profilePath, log); err != nil {
		log.Error("cansim failed", "err", err)
		os.Exit(1)
	}
}

func run(profilePath string, log *slog.Logger) error {
	profile, err := sim.LoadProfile(profilePath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bindings := make(map[string]sim.Binding)
	for _, bp := range profile.Buses {
		h, err := bus.DialSocketCAN(ctx, bp.Bus, bp.Bus, 0)
		if err != nil {
			return fmt.Errorf("bind %q: %w", bp.Bus, err)
		}
		defer h.Close()
		bindings[bp.Bus] = sim.Binding{
			Desc:   bus.Descriptor{Name: bp.Bus, Role: bus.RoleSpare},
			Handle: h,
		}
	}

	s, err := sim.New(profile, bindings, log)
	if err != nil {
		return err
	}
	log.Info("cansim running", "buses", len(bindings))
	err = s.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
