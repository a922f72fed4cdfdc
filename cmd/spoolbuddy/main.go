// Command spoolbuddy is the core's single binary: it loads configuration,
// opens the store, wires every package together, and serves the WebSocket
// and metrics endpoints until terminated.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spoolbuddy/core/config"
	"github.com/spoolbuddy/core/device"
	"github.com/spoolbuddy/core/dispatcher"
	"github.com/spoolbuddy/core/engine"
	"github.com/spoolbuddy/core/eventbus"
	"github.com/spoolbuddy/core/events"
	"github.com/spoolbuddy/core/metrics"
	"github.com/spoolbuddy/core/registry"
	"github.com/spoolbuddy/core/store"
	"github.com/spoolbuddy/core/supervisor"
	"github.com/spoolbuddy/core/workflow"
	"github.com/spoolbuddy/core/wshub"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	configureLogging(cfg.LogLevel)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		panic(err)
	}
	defer st.Close()

	bus := eventbus.New(cfg.SubscriberQueueDepth)
	reg := registry.New(st, bus.Publish)
	disp := dispatcher.New(reg.Lookup, bus.Publish, cfg.CommandTimeout())
	reg.SetResolver(disp.Resolve)
	dev := device.New(bus.Publish)
	hub := wshub.New(bus, snapshotFunc(reg, dev), printerStatesFunc(reg))
	wf := workflow.New(st, disp, reg, spoolLookupStub{}, bus, cfg.StagedAssignmentTTL())

	m := metrics.New()
	reg.SetMetrics(m)
	disp.SetMetrics(m)
	bus.SetMetrics(m)

	sup := &supervisor.Supervisor{
		Router:        engine.NewRouter(),
		HTTPAddr:      cfg.HTTPAddr,
		Registry:      reg,
		Hub:           hub,
		Device:        dev,
		Workflow:      wf,
		Metrics:       m,
		DB:            st.DB(),
		ShutdownDrain: cfg.ShutdownDrain(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		slog.Error("supervisor exited with error", "error", err)
		os.Exit(1)
	}
}

func configureLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func snapshotFunc(reg *registry.Registry, dev *device.Session) wshub.SnapshotFunc {
	return func() wshub.InitialState {
		printers := make(map[string]bool)
		for _, st := range reg.List() {
			printers[st.Serial] = st.Connected
		}
		return wshub.InitialState{
			Device:   wshub.DeviceSnapshot{Connected: dev.Connected()},
			Printers: printers,
		}
	}
}

// printerStatesFunc builds the per-printer printer_state replay a newly
// attached /ws/ui client gets alongside initial_state: one full snapshot for
// every printer currently connected.
func printerStatesFunc(reg *registry.Registry) wshub.PrinterStatesFunc {
	return func() []events.PrinterState {
		var out []events.PrinterState
		for _, st := range reg.List() {
			if !st.Connected {
				continue
			}
			state, err := reg.Snapshot(st.Serial)
			if err != nil {
				continue
			}
			out = append(out, events.PrinterState{Serial: st.Serial, State: state})
		}
		return out
	}
}

// spoolLookupStub satisfies workflow.SpoolLookup. The persistent spool and
// calibration database is an external collaborator (out of scope); a real
// deployment replaces this with a client against that service.
type spoolLookupStub struct{}

func (spoolLookupStub) GetSpool(ctx context.Context, spoolID string) (workflow.Spool, error) {
	return workflow.Spool{}, engine.Errorf(engine.NotFound, "spool lookup not configured: %s", spoolID)
}
