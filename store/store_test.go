package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spoolbuddy/core/engine"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := engine.OpenTestDB(t)
	s, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGetPrinter(t *testing.T) {
	s := newTestStore(t)

	p := PrinterConfig{
		Serial:      "00M09A123456789",
		Name:        "Office X1C",
		IPAddress:   "192.168.1.50",
		AccessCode:  "12345678",
		AutoConnect: true,
		DualNozzle:  false,
		LastSeen:    time.Now().Truncate(time.Second),
	}
	require.NoError(t, s.UpsertPrinter(p))

	got, err := s.GetPrinter(p.Serial)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, p.IPAddress, got.IPAddress)
	assert.True(t, got.AutoConnect)
	assert.Equal(t, p.LastSeen.Unix(), got.LastSeen.Unix())
}

func TestUpsertPrinterReplacesExisting(t *testing.T) {
	s := newTestStore(t)
	serial := "00M09A123456789"

	require.NoError(t, s.UpsertPrinter(PrinterConfig{Serial: serial, Name: "Old", IPAddress: "10.0.0.1", AccessCode: "a"}))
	require.NoError(t, s.UpsertPrinter(PrinterConfig{Serial: serial, Name: "New", IPAddress: "10.0.0.2", AccessCode: "b"}))

	got, err := s.GetPrinter(serial)
	require.NoError(t, err)
	assert.Equal(t, "New", got.Name)
	assert.Equal(t, "10.0.0.2", got.IPAddress)

	all, err := s.ListPrinters()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetPrinterNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetPrinter("nonexistent")
	require.Error(t, err)
	assert.True(t, engine.Is(err, engine.NotFound))
}

func TestDeletePrinter(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertPrinter(PrinterConfig{Serial: "S1", Name: "A", IPAddress: "x", AccessCode: "y"}))
	require.NoError(t, s.DeletePrinter("S1"))

	_, err := s.GetPrinter("S1")
	assert.True(t, engine.Is(err, engine.NotFound))
}

func TestStageAssignmentReplacesSameSlot(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Truncate(time.Second)

	require.NoError(t, s.StageAssignment(StagedAssignment{
		PrinterSerial: "S1", AmsID: 0, TrayID: 1, SpoolID: "spool-a", CreatedTS: now, TTL: time.Hour,
	}))
	require.NoError(t, s.StageAssignment(StagedAssignment{
		PrinterSerial: "S1", AmsID: 0, TrayID: 1, SpoolID: "spool-b", CreatedTS: now, TTL: time.Hour,
	}))

	got, ok, err := s.GetStagedAssignment("S1", 0, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "spool-b", got.SpoolID)

	all, err := s.ListStagedAssignments("S1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestClearStagedAssignment(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	require.NoError(t, s.StageAssignment(StagedAssignment{PrinterSerial: "S1", AmsID: 0, TrayID: 0, SpoolID: "x", CreatedTS: now, TTL: time.Hour}))
	require.NoError(t, s.ClearStagedAssignment("S1", 0, 0))

	_, ok, err := s.GetStagedAssignment("S1", 0, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepExpiredRemovesOnlyPastTTL(t *testing.T) {
	s := newTestStore(t)
	past := time.Now().Add(-time.Hour)
	future := time.Now()

	require.NoError(t, s.StageAssignment(StagedAssignment{PrinterSerial: "S1", AmsID: 0, TrayID: 0, SpoolID: "expired", CreatedTS: past, TTL: time.Minute}))
	require.NoError(t, s.StageAssignment(StagedAssignment{PrinterSerial: "S1", AmsID: 0, TrayID: 1, SpoolID: "fresh", CreatedTS: future, TTL: time.Hour}))

	n, err := s.SweepExpired(time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	remaining, err := s.ListStagedAssignments("S1")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "fresh", remaining[0].SpoolID)
}
