package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spoolbuddy/core/engine"
	"github.com/spoolbuddy/core/events"
	"github.com/spoolbuddy/core/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db := engine.OpenTestDB(t)
	st, err := store.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, nil)
}

func TestAddIsPersistedAndListed(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Add(store.PrinterConfig{Serial: "S1", Name: "Printer 1", IPAddress: "10.0.0.1", AccessCode: "x"}))

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "S1", list[0].Serial)
	assert.False(t, list[0].Connected)
}

func TestGetStatusNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.GetStatus("nonexistent")
	require.Error(t, err)
	assert.True(t, engine.Is(err, engine.NotFound))
}

func TestConnectIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Add(store.PrinterConfig{Serial: "S1", Name: "P1", IPAddress: "10.0.0.1", AccessCode: "x"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, r.Connect(ctx, "S1"))
	require.NoError(t, r.Connect(ctx, "S1")) // no-op, no panic/duplicate session

	st, err := r.GetStatus("S1")
	require.NoError(t, err)
	assert.NotEmpty(t, st.SessionStat)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Add(store.PrinterConfig{Serial: "S1", Name: "P1", IPAddress: "10.0.0.1", AccessCode: "x"}))

	r.Disconnect("S1") // never connected
	r.Disconnect("S1")
}

func TestRemoveDeletesAndDisconnects(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Add(store.PrinterConfig{Serial: "S1", Name: "P1", IPAddress: "10.0.0.1", AccessCode: "x"}))

	require.NoError(t, r.Remove("S1"))
	_, err := r.GetStatus("S1")
	assert.True(t, engine.Is(err, engine.NotFound))
}

func TestLookupFindsConnectedPrinter(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Add(store.PrinterConfig{Serial: "S1", Name: "P1", IPAddress: "10.0.0.1", AccessCode: "x"}))

	_, ok := r.Lookup("S1")
	assert.False(t, ok) // not connected yet

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Connect(ctx, "S1"))

	_, ok = r.Lookup("S1")
	assert.True(t, ok)
}

func TestStartAutoConnectOnlyConnectsFlaggedPrinters(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Add(store.PrinterConfig{Serial: "S1", Name: "Auto", IPAddress: "10.0.0.1", AccessCode: "x", AutoConnect: true}))
	require.NoError(t, r.Add(store.PrinterConfig{Serial: "S2", Name: "Manual", IPAddress: "10.0.0.2", AccessCode: "x", AutoConnect: false}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.StartAutoConnect(ctx))

	_, ok := r.Lookup("S1")
	assert.True(t, ok)
	_, ok = r.Lookup("S2")
	assert.False(t, ok)
}

func TestDiscoverReturnsNoCandidates(t *testing.T) {
	r := newTestRegistry(t)
	candidates, err := r.Discover(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestSuperviseRestartsOnceThenDisables(t *testing.T) {
	var fatalEvents []events.Event
	_ = fatalEvents // recorded via publish if wired; supervision policy itself is exercised directly below

	// Exercise supervise's restart/disable counting (entry.recordFatal)
	// directly, without a live MQTT broker.
	e := &entry{}
	now := time.Now()

	e.recordFatal(now) // first fatal: restart, not disabled
	assert.False(t, e.disabled)

	// second fatal within the 60s window disables
	e.recordFatal(now.Add(time.Second))
	assert.True(t, e.disabled)
}
