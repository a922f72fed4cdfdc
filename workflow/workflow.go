// Package workflow implements spec.md §4.7's Slot-Assignment Workflow: given
// a request to assign a spool to (printer, ams, tray), decide whether the
// printer can be configured immediately or the assignment must be staged,
// and later commit staged assignments once telemetry shows the slot is
// ready. It is grounded on the conflict-before-replace shape of
// SetToolheadMapping in the pack's filament-bridge reference code, adapted
// from a direct DB write into a decision that also drives live printer
// commands through package dispatcher.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spoolbuddy/core/bambu"
	"github.com/spoolbuddy/core/dispatcher"
	"github.com/spoolbuddy/core/engine"
	"github.com/spoolbuddy/core/eventbus"
	"github.com/spoolbuddy/core/events"
	"github.com/spoolbuddy/core/store"
)

// defaultStagingTTL bounds how long an assignment waits for its slot to
// become ready before the sweep (RunExpirySweep) reclaims it.
const defaultStagingTTL = time.Hour

const sweepInterval = time.Minute

// Spool is the subset of an externally-owned spool record the workflow
// needs to build ams_filament_setting/extrusion_cali_set payloads. The
// spool and calibration database itself is out of scope (spec.md §4.7
// treats it as "external").
type Spool struct {
	ID             string
	Material       string
	ColorHex       string
	TrayInfoIdx    string
	NozzleTempMin  int
	NozzleTempMax  int
	HasCalibration bool
	FilamentID     string
	SettingID      string
	CaliIdx        int
	KValue         float64
	NozzleDiameter float64
}

// SpoolLookup resolves a spool id against the external spool/calibration
// database.
type SpoolLookup interface {
	GetSpool(ctx context.Context, spoolID string) (Spool, error)
}

// Snapshotter is the subset of package registry the workflow needs: a way
// to read a printer's current telemetry without depending on package
// printer directly.
type Snapshotter interface {
	Snapshot(serial string) (*bambu.PrinterState, error)
}

// Workflow implements the decision table and staged-commit retry described
// by spec.md §4.7.
type Workflow struct {
	st       *store.Store
	dispatch *dispatcher.Dispatcher
	printers Snapshotter
	spools   SpoolLookup
	bus      *eventbus.Bus

	stagingTTL time.Duration
}

// New builds a Workflow. stagingTTL of 0 uses defaultStagingTTL.
func New(st *store.Store, dispatch *dispatcher.Dispatcher, printers Snapshotter, spools SpoolLookup, bus *eventbus.Bus, stagingTTL time.Duration) *Workflow {
	if stagingTTL <= 0 {
		stagingTTL = defaultStagingTTL
	}
	return &Workflow{
		st:         st,
		dispatch:   dispatch,
		printers:   printers,
		spools:     spools,
		bus:        bus,
		stagingTTL: stagingTTL,
	}
}

// AssignSpool runs spec.md §4.7's decision rule for one assignment request
// and publishes the resulting assignment_result event. The returned error
// is non-nil only for the Error outcome; the outcome itself is always also
// reported on the bus, so an HTTP handler can choose to answer
// synchronously from the return value or let a UI subscriber observe it.
func (w *Workflow) AssignSpool(ctx context.Context, spoolID, serial string, amsID, trayID int) (events.AssignmentResult, error) {
	result := w.decide(ctx, spoolID, serial, amsID, trayID)
	if w.bus != nil {
		w.bus.Publish(result)
	}
	if result.Outcome == events.OutcomeError {
		return result, fmt.Errorf("%s", result.Reason)
	}
	return result, nil
}

func (w *Workflow) decide(ctx context.Context, spoolID, serial string, amsID, trayID int) events.AssignmentResult {
	base := events.AssignmentResult{SpoolID: spoolID, Printer: serial, AmsID: amsID, TrayID: trayID}

	spool, err := w.spools.GetSpool(ctx, spoolID)
	if err != nil {
		return errorResult(base, fmt.Errorf("looking up spool %s: %w", spoolID, err))
	}

	state, err := w.printers.Snapshot(serial)
	if err != nil {
		if engine.Is(err, engine.NotFound) {
			return errorResult(base, fmt.Errorf("assigning to %s: %w", serial, err))
		}
		// Registered but not connected yet: stage rather than fail outright.
		return w.stage(base, serial, amsID, trayID, spoolID)
	}
	if state == nil {
		return w.stage(base, serial, amsID, trayID, spoolID)
	}

	if busyOnActiveTray(state, amsID, trayID) {
		return w.stage(base, serial, amsID, trayID, spoolID)
	}

	if err := w.configure(ctx, serial, amsID, trayID, spool); err != nil {
		return errorResult(base, err)
	}
	base.Outcome = events.OutcomeConfigured
	return base
}

func errorResult(base events.AssignmentResult, err error) events.AssignmentResult {
	base.Outcome = events.OutcomeError
	base.Reason = err.Error()
	return base
}

// stage persists the pending assignment for (serial, amsID, trayID),
// replacing any prior one for the same slot (spec.md §3/§4.7), and reports
// whether this replaced an existing staged row.
func (w *Workflow) stage(base events.AssignmentResult, serial string, amsID, trayID int, spoolID string) events.AssignmentResult {
	_, hadExisting, err := w.st.GetStagedAssignment(serial, amsID, trayID)
	if err != nil {
		return errorResult(base, fmt.Errorf("checking staged assignment: %w", err))
	}

	if err := w.st.StageAssignment(store.StagedAssignment{
		PrinterSerial: serial,
		AmsID:         amsID,
		TrayID:        trayID,
		SpoolID:       spoolID,
		CreatedTS:     time.Now(),
		TTL:           w.stagingTTL,
	}); err != nil {
		return errorResult(base, fmt.Errorf("persisting staged assignment: %w", err))
	}

	if hadExisting {
		base.Outcome = events.OutcomeStagedReplace
	} else {
		base.Outcome = events.OutcomeStaged
	}
	return base
}

// configure issues the two commands of spec.md §4.7 step 4: ams_filament_setting
// always, extrusion_cali_set only when the spool carries a K-profile.
func (w *Workflow) configure(ctx context.Context, serial string, amsID, trayID int, spool Spool) error {
	setting := bambu.AmsFilamentSetting{
		AmsID:         amsID,
		TrayID:        trayID,
		TrayInfoIdx:   spool.TrayInfoIdx,
		TrayColor:     spool.ColorHex,
		TrayType:      spool.Material,
		SettingID:     spool.SettingID,
		NozzleTempMin: spool.NozzleTempMin,
		NozzleTempMax: spool.NozzleTempMax,
	}
	if _, err := w.dispatch.Dispatch(ctx, serial, bambu.CmdAmsFilamentSetting, setting); err != nil {
		return fmt.Errorf("ams_filament_setting: %w", err)
	}

	if !spool.HasCalibration {
		return nil
	}

	cali := bambu.ExtrusionCaliSet{
		CaliIdx:        spool.CaliIdx,
		FilamentID:     spool.FilamentID,
		SettingID:      spool.SettingID,
		NozzleDiameter: spool.NozzleDiameter,
		KValue:         spool.KValue,
		NozzleTemp:     spool.NozzleTempMax,
	}
	if _, err := w.dispatch.Dispatch(ctx, serial, bambu.CmdExtrusionCaliSet, cali); err != nil {
		return fmt.Errorf("extrusion_cali_set: %w", err)
	}
	return nil
}

// busyOnActiveTray implements spec.md §4.7 step 3: a printer mid-extrusion
// on the exact slot being reassigned must not be disturbed.
func busyOnActiveTray(s *bambu.PrinterState, amsID, trayID int) bool {
	switch s.GcodeState {
	case bambu.StateRunning, bambu.StatePause, bambu.StatePrepare:
		return isActiveTray(s, amsID, trayID)
	default:
		return false
	}
}

// isActiveTray compares (amsID, trayID) against the printer's currently
// selected tray, using the same ams*4+tray combined indexing CanonicalizeAmsID's
// sibling TrayReadingBit uses for regular AMS units.
func isActiveTray(s *bambu.PrinterState, amsID, trayID int) bool {
	combined := amsID*4 + trayID
	if s.TrayNow != bambu.Unknown {
		return s.TrayNow == combined
	}
	return s.TrayNowLeft == combined || s.TrayNowRight == combined
}

// RunStagedCommitWatcher subscribes to printer_state events and retries
// step 4 of the decision rule for any staged assignment whose slot has
// become ready, per spec.md §4.7's "staged commit" rule. It is an
// engine.Proc: it only returns when ctx is done.
func (w *Workflow) RunStagedCommitWatcher(ctx context.Context) error {
	_, ch, unsubscribe := w.bus.Subscribe(func(e events.Event) bool {
		return e.EventType() == events.TypePrinterState
	}, nil)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				<-ctx.Done()
				return ctx.Err()
			}
			ps, ok := e.(events.PrinterState)
			if !ok {
				continue
			}
			w.tryCommitStaged(ctx, ps.Serial)
		}
	}
}

func (w *Workflow) tryCommitStaged(ctx context.Context, serial string) {
	staged, err := w.st.ListStagedAssignments(serial)
	if err != nil || len(staged) == 0 {
		return
	}

	state, err := w.printers.Snapshot(serial)
	if err != nil || state == nil {
		return
	}

	for _, a := range staged {
		if busyOnActiveTray(state, a.AmsID, a.TrayID) {
			continue
		}

		spool, err := w.spools.GetSpool(ctx, a.SpoolID)
		if err != nil {
			slog.Warn("staged commit: spool lookup failed, leaving staged", "spool", a.SpoolID, "error", err)
			continue
		}

		if err := w.configure(ctx, serial, a.AmsID, a.TrayID, spool); err != nil {
			slog.Warn("staged commit: configure failed, leaving staged", "serial", serial, "ams", a.AmsID, "tray", a.TrayID, "error", err)
			continue
		}

		if err := w.st.ClearStagedAssignment(serial, a.AmsID, a.TrayID); err != nil {
			slog.Error("clearing committed staged assignment", "error", err)
		}

		if w.bus != nil {
			w.bus.Publish(events.AssignmentResult{
				SpoolID: a.SpoolID,
				Printer: serial,
				AmsID:   a.AmsID,
				TrayID:  a.TrayID,
				Outcome: events.OutcomeConfigured,
			})
		}
	}
}

// RunTagAssignmentWatcher subscribes to tag_detected events and turns a
// scanned tag into an AssignSpool call, per spec.md §2's "Tag/Scale Session
// also injects tag_detected events into the Event Bus and feeds the
// Slot-Assignment Workflow." It is an engine.Proc: it only returns when ctx
// is done.
func (w *Workflow) RunTagAssignmentWatcher(ctx context.Context) error {
	_, ch, unsubscribe := w.bus.Subscribe(func(e events.Event) bool {
		return e.EventType() == events.TypeTagDetected
	}, nil)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				<-ctx.Done()
				return ctx.Err()
			}
			td, ok := e.(events.TagDetected)
			if !ok {
				continue
			}
			w.handleTagDetected(ctx, td)
		}
	}
}

// handleTagDetected resolves a scanned tag to an assignment request. A tag
// written for inventory purposes only (no target slot) carries none of
// spool_id/printer_serial/ams_id/tray_id in its payload and is ignored here;
// a tag written by the assignment flow carries all four.
func (w *Workflow) handleTagDetected(ctx context.Context, td events.TagDetected) {
	spoolID, _ := td.Payload["spool_id"].(string)
	serial, _ := td.Payload["printer_serial"].(string)
	amsID, amsOK := payloadInt(td.Payload, "ams_id")
	trayID, trayOK := payloadInt(td.Payload, "tray_id")
	if spoolID == "" || serial == "" || !amsOK || !trayOK {
		slog.Debug("tag_detected carries no target slot, ignoring", "tag_id", td.TagID)
		return
	}

	if _, err := w.AssignSpool(ctx, spoolID, serial, amsID, trayID); err != nil {
		slog.Warn("tag-triggered assignment failed", "tag_id", td.TagID, "printer", serial, "error", err)
	}
}

// payloadInt reads an integer out of a tag's decoded JSON payload, where
// json.Unmarshal into map[string]any always produces float64 for numbers.
func payloadInt(payload map[string]any, key string) (int, bool) {
	switch v := payload[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

// RunExpirySweep periodically reclaims staged assignments whose TTL has
// elapsed. It is an engine.Proc: it only returns when ctx is done.
func (w *Workflow) RunExpirySweep(ctx context.Context) error {
	return engine.Poll(sweepInterval, func(context.Context) bool {
		n, err := w.st.SweepExpired(time.Now())
		if err != nil {
			slog.Error("sweeping expired staged assignments", "error", err)
			return false
		}
		return n > 0
	})(ctx)
}
