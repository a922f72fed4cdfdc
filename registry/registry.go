// Package registry owns the collection of configured printers and their
// Printer Sessions, per spec.md §4.4. It is the dispatcher.Lookup for
// package dispatcher and the thing the supervisor starts first, mirroring
// the teacher's modules/bambu.Module — a map of printers plus an
// engine.ProcMgr-driven background worker per printer, generalized from one
// poll loop per printer to one full Session.Run per printer.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spoolbuddy/core/bambu"
	"github.com/spoolbuddy/core/dispatcher"
	"github.com/spoolbuddy/core/engine"
	"github.com/spoolbuddy/core/events"
	"github.com/spoolbuddy/core/metrics"
	"github.com/spoolbuddy/core/printer"
	"github.com/spoolbuddy/core/store"
)

// restartWindow is spec.md §7's "second fatal within 60s disables the
// session" policy window.
const restartWindow = 60 * time.Second

// Status is a Registry-level view of one printer, returned by List/GetStatus.
type Status struct {
	Serial      string
	Name        string
	IPAddress   string
	AutoConnect bool
	DualNozzle  bool
	Connected   bool
	SessionStat printer.Status
	Disabled    bool
}

type entry struct {
	cfg     store.PrinterConfig
	session *printer.Session

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	disabled  bool
	lastFatal time.Time
	fatals    int
}

// Registry is the live collection of printer Sessions and their persisted
// configs.
type Registry struct {
	st      *store.Store
	publish func(events.Event)
	resolve func(serial, sequenceID, result string)
	timeout time.Duration
	metrics *metrics.Metrics

	mu      sync.RWMutex
	entries map[string]*entry
}

// New constructs an empty Registry backed by st. publish delivers bus
// events emitted by every Session it starts.
func New(st *store.Store, publish func(events.Event)) *Registry {
	return &Registry{
		st:      st,
		publish: publish,
		entries: make(map[string]*entry),
	}
}

// SetMetrics attaches a Metrics sink. A Registry with no sink attached
// (the zero value, nil) records nothing.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// SetResolver wires each Session's correlated command results back to the
// dispatcher that issued them. Must be called before Connect; package
// dispatcher and package registry otherwise have no reference to each other.
func (r *Registry) SetResolver(resolve func(serial, sequenceID, result string)) {
	r.resolve = resolve
}

// Lookup adapts the Registry to dispatcher.Lookup.
func (r *Registry) Lookup(serial string) (dispatcher.Publisher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[serial]
	if !ok || e.session == nil {
		return nil, false
	}
	return e.session, true
}

// StartAutoConnect loads every persisted printer and connects those with
// AutoConnect set, per spec.md §4.4's startup rule. Call once, after New.
func (r *Registry) StartAutoConnect(ctx context.Context) error {
	cfgs, err := r.st.ListPrinters()
	if err != nil {
		return fmt.Errorf("listing printers: %w", err)
	}
	for _, cfg := range cfgs {
		r.addLocked(cfg)
		if cfg.AutoConnect {
			r.Connect(ctx, cfg.Serial)
		}
	}
	return nil
}

// Add persists a new printer and registers it with the Registry, without
// connecting it. An existing serial is treated as Update (spec.md §4.4).
func (r *Registry) Add(cfg store.PrinterConfig) error {
	if err := r.st.UpsertPrinter(cfg); err != nil {
		return err
	}
	r.addLocked(cfg)
	return nil
}

func (r *Registry) addLocked(cfg store.PrinterConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[cfg.Serial]; ok {
		r.entries[cfg.Serial].cfg = cfg
		return
	}
	r.entries[cfg.Serial] = &entry{cfg: cfg}
}

// Update changes a printer's persisted config. If it's currently connected,
// the running session keeps using its old Config until reconnected.
func (r *Registry) Update(cfg store.PrinterConfig) error {
	return r.Add(cfg)
}

// Remove disconnects (if running) and deletes a printer's persisted config.
func (r *Registry) Remove(serial string) error {
	r.Disconnect(serial)
	r.mu.Lock()
	delete(r.entries, serial)
	r.mu.Unlock()
	return r.st.DeletePrinter(serial)
}

// Connect starts (or restarts) the Session for serial. Idempotent: calling
// it on an already-connecting/connected printer is a no-op.
func (r *Registry) Connect(ctx context.Context, serial string) error {
	r.mu.Lock()
	e, ok := r.entries[serial]
	if !ok {
		r.mu.Unlock()
		return engine.Errorf(engine.NotFound, "no such printer %s", serial)
	}
	if e.session != nil {
		r.mu.Unlock()
		return nil // already connected/connecting
	}

	sessCfg := printer.Config{Serial: e.cfg.Serial, Host: e.cfg.IPAddress, AccessCode: e.cfg.AccessCode}
	var onResult printer.ResultHandler
	if r.resolve != nil {
		onResult = func(sequenceID, result string) { r.resolve(serial, sequenceID, result) }
	}
	sess := printer.New(sessCfg, nil, r.publish, onResult)
	sessCtx, cancel := context.WithCancel(ctx)
	e.session = sess
	e.cancel = cancel
	e.done = make(chan struct{})
	r.mu.Unlock()

	r.metrics.SessionConnected()
	go r.supervise(sessCtx, serial, e, sess)
	return nil
}

// supervise runs one Session.Run to completion, applying spec.md §7's
// restart-once / disable-on-second-fatal-within-60s policy. Run itself only
// returns on ctx.Done (disconnect/shutdown, not a fatal); a panic inside it
// is the "unrecoverable programmer error" §7 has the supervisor restart.
func (r *Registry) supervise(ctx context.Context, serial string, e *entry, sess *printer.Session) {
	defer close(e.done)
	for {
		fatal := runRecovered(ctx, sess)
		if fatal == nil {
			return // clean shutdown via ctx.Done
		}

		disable := e.recordFatal(time.Now())

		slog.Error("printer session failed", "serial", serial, "error", fatal, "disabled", disable)
		if disable || ctx.Err() != nil {
			return
		}
		r.metrics.Reconnected()
		// restart once: loop back into Run with the same session/state
	}
}

// recordFatal counts a fatal at now against restartWindow and reports
// whether it disables the session (a second fatal within the window).
func (e *entry) recordFatal(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Sub(e.lastFatal) < restartWindow {
		e.fatals++
	} else {
		e.fatals = 1
	}
	e.lastFatal = now
	disable := e.fatals >= 2
	if disable {
		e.disabled = true
	}
	return disable
}

func runRecovered(ctx context.Context, sess *printer.Session) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in printer session: %v", p)
		}
	}()
	runErr := sess.Run(ctx)
	if runErr == context.Canceled || runErr == context.DeadlineExceeded {
		return nil
	}
	return runErr
}

// Disconnect stops serial's session, if running. Idempotent.
func (r *Registry) Disconnect(serial string) {
	r.mu.Lock()
	e, ok := r.entries[serial]
	if !ok || e.session == nil {
		r.mu.Unlock()
		return
	}
	cancel := e.cancel
	done := e.done
	r.mu.Unlock()

	cancel()
	<-done

	r.mu.Lock()
	e.session = nil
	e.cancel = nil
	e.done = nil
	r.mu.Unlock()

	r.metrics.SessionDisconnected()
}

// Snapshot returns the current telemetry for a connected printer, for
// package workflow's Configure-vs-Stage decision.
func (r *Registry) Snapshot(serial string) (*bambu.PrinterState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[serial]
	if !ok {
		return nil, engine.Errorf(engine.NotFound, "no such printer %s", serial)
	}
	if e.session == nil {
		return nil, engine.Errorf(engine.Unavailable, "printer %s is not connected", serial)
	}
	return e.session.Snapshot(), nil
}

// List returns a Status for every known printer.
func (r *Registry) List() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, r.statusLocked(e))
	}
	return out
}

// GetStatus returns one printer's Status.
func (r *Registry) GetStatus(serial string) (Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[serial]
	if !ok {
		return Status{}, engine.Errorf(engine.NotFound, "no such printer %s", serial)
	}
	return r.statusLocked(e), nil
}

func (r *Registry) statusLocked(e *entry) Status {
	e.mu.Lock()
	disabled := e.disabled
	e.mu.Unlock()

	st := Status{
		Serial:      e.cfg.Serial,
		Name:        e.cfg.Name,
		IPAddress:   e.cfg.IPAddress,
		AutoConnect: e.cfg.AutoConnect,
		DualNozzle:  e.cfg.DualNozzle,
		Disabled:    disabled,
		SessionStat: printer.StatusDisconnected,
	}
	if e.session != nil {
		st.SessionStat = e.session.Status()
		st.Connected = st.SessionStat == printer.StatusConnected
	}
	return st
}

// Discover returns LAN candidate printer configs found within timeout.
// The discovery mechanism itself (mDNS/SSDP broadcast) is out of scope per
// spec.md §4.4; this always returns no candidates.
func (r *Registry) Discover(ctx context.Context, timeout time.Duration) ([]store.PrinterConfig, error) {
	return nil, nil
}
