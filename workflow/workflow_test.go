package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spoolbuddy/core/bambu"
	"github.com/spoolbuddy/core/dispatcher"
	"github.com/spoolbuddy/core/engine"
	"github.com/spoolbuddy/core/events"
	"github.com/spoolbuddy/core/eventbus"
	"github.com/spoolbuddy/core/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db := engine.OpenTestDB(t)
	st, err := store.New(db)
	require.NoError(t, err)
	return st
}

// fakePublisher stands in for a printer.Session: it acks every command it
// receives by resolving the dispatcher with the result string "0".
type fakePublisher struct {
	disp   *dispatcher.Dispatcher
	serial string

	mu       sync.Mutex
	received []string
}

func (f *fakePublisher) Publish(ctx context.Context, raw []byte) error {
	var env map[string]map[string]any
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	for _, group := range env {
		cmd, _ := group["command"].(string)
		seqID, _ := group["sequence_id"].(string)
		f.mu.Lock()
		f.received = append(f.received, cmd)
		f.mu.Unlock()
		f.disp.Resolve(f.serial, seqID, "0")
	}
	return nil
}

func (f *fakePublisher) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

type fakeSnapshotter struct {
	mu          sync.Mutex
	states      map[string]*bambu.PrinterState
	unavailable map[string]bool
}

func newFakeSnapshotter() *fakeSnapshotter {
	return &fakeSnapshotter{
		states:      make(map[string]*bambu.PrinterState),
		unavailable: make(map[string]bool),
	}
}

func (f *fakeSnapshotter) set(serial string, s *bambu.PrinterState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[serial] = s
}

// setUnavailable registers serial as a known printer with no session yet,
// mirroring registry.Registry.Snapshot's engine.Unavailable case.
func (f *fakeSnapshotter) setUnavailable(serial string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable[serial] = true
}

func (f *fakeSnapshotter) Snapshot(serial string) (*bambu.PrinterState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable[serial] {
		return nil, engine.Errorf(engine.Unavailable, "printer %s is not connected", serial)
	}
	s, ok := f.states[serial]
	if !ok {
		return nil, engine.Errorf(engine.NotFound, "no such printer %s", serial)
	}
	return s, nil
}

type fakeSpoolLookup struct {
	spools map[string]Spool
}

func (f *fakeSpoolLookup) GetSpool(ctx context.Context, id string) (Spool, error) {
	s, ok := f.spools[id]
	if !ok {
		return Spool{}, engine.Errorf(engine.NotFound, "no such spool %s", id)
	}
	return s, nil
}

func idleState() *bambu.PrinterState {
	s := bambu.NewPrinterState()
	s.Connected = true
	s.GcodeState = bambu.StateIdle
	return s
}

// newTestWorkflow builds a Workflow whose dispatcher resolves serial to
// whatever fakePublisher pubBox currently holds at dispatch time — letting
// a test construct the publisher after the dispatcher (the publisher needs
// the dispatcher, to resolve its own commands).
func newTestWorkflow(t *testing.T, serial string, pubBox *fakePublisher, snap Snapshotter, spools SpoolLookup) (*Workflow, *store.Store, *eventbus.Bus) {
	t.Helper()
	st := newTestStore(t)
	lookup := func(s string) (dispatcher.Publisher, bool) {
		if s != serial || pubBox == nil {
			return nil, false
		}
		return pubBox, true
	}
	disp := dispatcher.New(lookup, nil, time.Second)
	bus := eventbus.New(16)
	w := New(st, disp, snap, spools, bus, time.Hour)
	return w, st, bus
}

func TestAssignSpoolConfiguresWhenSlotIdle(t *testing.T) {
	const serial = "S1"
	snap := newFakeSnapshotter()
	snap.set(serial, idleState())
	spools := &fakeSpoolLookup{spools: map[string]Spool{
		"spool-1": {ID: "spool-1", Material: "PLA", ColorHex: "FF0000FF", TrayInfoIdx: "GFL96", HasCalibration: true, KValue: 0.02, CaliIdx: 3, FilamentID: "P1", SettingID: "S1"},
	}}

	pub := &fakePublisher{serial: serial}
	w, _, bus := newTestWorkflow(t, serial, pub, snap, spools)
	pub.disp = w.dispatch
	_, ch, unsubscribe := bus.Subscribe(nil, nil)
	defer unsubscribe()

	result, err := w.AssignSpool(context.Background(), "spool-1", serial, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, events.OutcomeConfigured, result.Outcome)
	assert.Equal(t, []string{"ams_filament_setting", "extrusion_cali_set"}, pub.commands())

	select {
	case e := <-ch:
		ar := e.(events.AssignmentResult)
		assert.Equal(t, events.OutcomeConfigured, ar.Outcome)
	case <-time.After(time.Second):
		t.Fatal("expected assignment_result on bus")
	}
}

func TestAssignSpoolStagesWhenPrinterNotConnected(t *testing.T) {
	spools := &fakeSpoolLookup{spools: map[string]Spool{"spool-1": {ID: "spool-1"}}}
	snap := newFakeSnapshotter()
	snap.setUnavailable("S1")
	w, st, _ := newTestWorkflow(t, "S1", nil, snap, spools)

	result, err := w.AssignSpool(context.Background(), "spool-1", "S1", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, events.OutcomeStaged, result.Outcome)

	a, had, err := st.GetStagedAssignment("S1", 0, 1)
	require.NoError(t, err)
	require.True(t, had)
	assert.Equal(t, "spool-1", a.SpoolID)
}

func TestAssignSpoolErrorsWhenPrinterUnknown(t *testing.T) {
	spools := &fakeSpoolLookup{spools: map[string]Spool{"spool-1": {ID: "spool-1"}}}
	w, st, _ := newTestWorkflow(t, "S1", nil, newFakeSnapshotter(), spools)

	result, err := w.AssignSpool(context.Background(), "spool-1", "S1", 0, 1)
	require.Error(t, err)
	assert.Equal(t, events.OutcomeError, result.Outcome)

	_, had, err := st.GetStagedAssignment("S1", 0, 1)
	require.NoError(t, err)
	assert.False(t, had, "assignment to an unknown printer must not be staged")
}

func TestAssignSpoolStagesWhenBusyOnActiveTray(t *testing.T) {
	const serial = "S1"
	snap := newFakeSnapshotter()
	busy := idleState()
	busy.GcodeState = bambu.StateRunning
	busy.TrayNow = 1 // ams 0, tray 1
	snap.set(serial, busy)

	spools := &fakeSpoolLookup{spools: map[string]Spool{"spool-1": {ID: "spool-1"}}}
	w, _, _ := newTestWorkflow(t, serial, nil, snap, spools)

	result, err := w.AssignSpool(context.Background(), "spool-1", serial, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, events.OutcomeStaged, result.Outcome)
}

func TestAssignSpoolStagedReplace(t *testing.T) {
	spools := &fakeSpoolLookup{spools: map[string]Spool{
		"spool-1": {ID: "spool-1"},
		"spool-2": {ID: "spool-2"},
	}}
	snap := newFakeSnapshotter()
	snap.setUnavailable("S1")
	w, st, _ := newTestWorkflow(t, "S1", nil, snap, spools)

	first, err := w.AssignSpool(context.Background(), "spool-1", "S1", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, events.OutcomeStaged, first.Outcome)

	second, err := w.AssignSpool(context.Background(), "spool-2", "S1", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, events.OutcomeStagedReplace, second.Outcome)

	a, had, err := st.GetStagedAssignment("S1", 0, 1)
	require.NoError(t, err)
	require.True(t, had)
	assert.Equal(t, "spool-2", a.SpoolID)
}

func TestAssignSpoolErrorWhenSpoolMissing(t *testing.T) {
	w, _, _ := newTestWorkflow(t, "S1", nil, newFakeSnapshotter(), &fakeSpoolLookup{spools: map[string]Spool{}})

	result, err := w.AssignSpool(context.Background(), "no-such-spool", "S1", 0, 1)
	require.Error(t, err)
	assert.Equal(t, events.OutcomeError, result.Outcome)
}

func TestTryCommitStagedConfiguresReadySlot(t *testing.T) {
	const serial = "S1"
	spools := &fakeSpoolLookup{spools: map[string]Spool{"spool-1": {ID: "spool-1"}}}
	pub := &fakePublisher{serial: serial}
	w, st, bus := newTestWorkflow(t, serial, pub, newFakeSnapshotter(), spools)
	pub.disp = w.dispatch

	require.NoError(t, st.StageAssignment(store.StagedAssignment{
		PrinterSerial: serial, AmsID: 0, TrayID: 1, SpoolID: "spool-1",
		CreatedTS: time.Now(), TTL: time.Hour,
	}))

	snap := w.printers.(*fakeSnapshotter)
	snap.set(serial, idleState())

	_, ch, unsubscribe := bus.Subscribe(nil, nil)
	defer unsubscribe()

	w.tryCommitStaged(context.Background(), serial)

	_, had, err := st.GetStagedAssignment(serial, 0, 1)
	require.NoError(t, err)
	assert.False(t, had)
	assert.Contains(t, pub.commands(), "ams_filament_setting")

	select {
	case e := <-ch:
		ar := e.(events.AssignmentResult)
		assert.Equal(t, events.OutcomeConfigured, ar.Outcome)
	case <-time.After(time.Second):
		t.Fatal("expected assignment_result on bus")
	}
}

func TestTryCommitStagedLeavesBusySlotStaged(t *testing.T) {
	const serial = "S1"
	spools := &fakeSpoolLookup{spools: map[string]Spool{"spool-1": {ID: "spool-1"}}}
	w, st, _ := newTestWorkflow(t, serial, nil, newFakeSnapshotter(), spools)

	require.NoError(t, st.StageAssignment(store.StagedAssignment{
		PrinterSerial: serial, AmsID: 0, TrayID: 1, SpoolID: "spool-1",
		CreatedTS: time.Now(), TTL: time.Hour,
	}))

	busy := idleState()
	busy.GcodeState = bambu.StateRunning
	busy.TrayNow = 1
	w.printers.(*fakeSnapshotter).set(serial, busy)

	w.tryCommitStaged(context.Background(), serial)

	_, had, err := st.GetStagedAssignment(serial, 0, 1)
	require.NoError(t, err)
	assert.True(t, had)
}

func TestRunExpirySweepRunsImmediatelyDespiteCancellation(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.StageAssignment(store.StagedAssignment{
		PrinterSerial: "S1", AmsID: 0, TrayID: 0, SpoolID: "spool-1",
		CreatedTS: time.Now().Add(-time.Hour), TTL: time.Minute,
	}))

	w := New(st, nil, nil, nil, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.RunExpirySweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	_, had, err := st.GetStagedAssignment("S1", 0, 0)
	require.NoError(t, err)
	assert.False(t, had)
}

func TestRunTagAssignmentWatcherStagesOnTargetedTag(t *testing.T) {
	const serial = "S1"
	spools := &fakeSpoolLookup{spools: map[string]Spool{"spool-1": {ID: "spool-1"}}}
	snap := newFakeSnapshotter()
	snap.setUnavailable(serial)
	w, st, bus := newTestWorkflow(t, serial, nil, snap, spools)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.RunTagAssignmentWatcher(ctx) }()

	_, ch, unsubscribe := bus.Subscribe(func(e events.Event) bool {
		return e.EventType() == events.TypeAssignmentResult
	}, nil)
	defer unsubscribe()

	bus.Publish(events.TagDetected{
		TagID: "tag-1",
		Payload: map[string]any{
			"spool_id":       "spool-1",
			"printer_serial": serial,
			"ams_id":         float64(0),
			"tray_id":        float64(1),
		},
	})

	select {
	case e := <-ch:
		ar := e.(events.AssignmentResult)
		assert.Equal(t, events.OutcomeStaged, ar.Outcome)
	case <-time.After(time.Second):
		t.Fatal("expected assignment_result from tag-triggered assignment")
	}

	a, had, err := st.GetStagedAssignment(serial, 0, 1)
	require.NoError(t, err)
	require.True(t, had)
	assert.Equal(t, "spool-1", a.SpoolID)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRunTagAssignmentWatcherIgnoresUntargetedTag(t *testing.T) {
	w, _, bus := newTestWorkflow(t, "S1", nil, newFakeSnapshotter(), &fakeSpoolLookup{spools: map[string]Spool{}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.RunTagAssignmentWatcher(ctx) }()

	_, ch, unsubscribe := bus.Subscribe(func(e events.Event) bool {
		return e.EventType() == events.TypeAssignmentResult
	}, nil)
	defer unsubscribe()

	bus.Publish(events.TagDetected{TagID: "tag-2", Payload: map[string]any{}})

	select {
	case <-ch:
		t.Fatal("an untargeted tag must not produce an assignment_result")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
