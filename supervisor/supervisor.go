// Package supervisor wires up spec.md §4.8: it starts the printer
// registry's auto-connect, the WS Hub and Tag/Scale listeners, and the
// Slot-Assignment Workflow's background watchers behind one global
// cancellation signal. It is grounded on the teacher's engine.App/ProcMgr
// shape, generalized from a fixed slice of Procs to golang.org/x/sync's
// errgroup so a component's unrecoverable failure cancels its siblings.
package supervisor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"golang.org/x/sync/errgroup"

	"github.com/spoolbuddy/core/device"
	"github.com/spoolbuddy/core/engine"
	"github.com/spoolbuddy/core/metrics"
	"github.com/spoolbuddy/core/registry"
	"github.com/spoolbuddy/core/workflow"
	"github.com/spoolbuddy/core/wshub"
)

// Supervisor owns the lifetime of every long-running SpoolBuddy component.
type Supervisor struct {
	Router        *engine.Router
	HTTPAddr      string
	Registry      *registry.Registry
	Hub           *wshub.Hub
	Device        *device.Session
	Workflow      *workflow.Workflow
	Metrics       *metrics.Metrics
	DB            *sql.DB
	ShutdownDrain time.Duration
}

// Run attaches routes, starts every printer configured with auto_connect,
// and then runs the HTTP listener and the workflow's watchers until ctx is
// canceled or one of them fails, in which case that error is returned after
// the same shutdown sequence. Per spec.md §4.8, shutdown must complete within ShutdownDrain;
// anything still running past that is abandoned.
func (s *Supervisor) Run(ctx context.Context) error {
	s.attachRoutes()

	if err := s.Registry.StartAutoConnect(ctx); err != nil {
		return fmt.Errorf("starting auto-connect printers: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Router.Serve(s.HTTPAddr)(gctx) })
	g.Go(func() error { return s.Workflow.RunStagedCommitWatcher(gctx) })
	g.Go(func() error { return s.Workflow.RunTagAssignmentWatcher(gctx) })
	g.Go(func() error { return s.Workflow.RunExpirySweep(gctx) })

	<-gctx.Done()
	slog.Warn("supervisor shutting down", "drain", s.ShutdownDrain)
	s.disconnectAll()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Supervisor) attachRoutes() {
	s.Router.Handle(http.MethodGet, "/ws/ui", s.Hub.Handle)
	s.Router.Handle(http.MethodGet, "/ws/device", s.Device.Handle)
	if s.Metrics != nil {
		s.Router.Handle(http.MethodGet, "/metrics", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
			s.Metrics.Handler().ServeHTTP(w, r)
		})
	}
	if s.DB != nil {
		probe := engine.ServeHealthProbe(s.DB)
		s.Router.Handle(http.MethodGet, "/healthz", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
			probe(w, r)
		})
	}
}

// disconnectAll sends a clean MQTT DISCONNECT to every connected printer,
// giving up after ShutdownDrain rather than blocking shutdown indefinitely
// on an unresponsive session.
func (s *Supervisor) disconnectAll() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, st := range s.Registry.List() {
			if st.Connected {
				s.Registry.Disconnect(st.Serial)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(s.ShutdownDrain):
		slog.Warn("shutdown drain exceeded, abandoning in-flight printer disconnects")
	}
}
