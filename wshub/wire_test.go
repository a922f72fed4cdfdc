package wshub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spoolbuddy/core/bambu"
	"github.com/spoolbuddy/core/events"
)

func decode(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestMarshalInitialState(t *testing.T) {
	tag := "04:AB"
	raw, ok := MarshalEvent(NewInitialStateEvent(InitialState{
		Device:   DeviceSnapshot{Connected: true, LastWeight: 850.5, WeightStable: true, CurrentTagID: &tag},
		Printers: map[string]bool{"00M09A123456789": true},
	}))
	require.True(t, ok)

	m := decode(t, raw)
	assert.Equal(t, "initial_state", m["type"])
	device := m["device"].(map[string]any)
	assert.Equal(t, 850.5, device["last_weight"])
	printers := m["printers"].(map[string]any)
	assert.Equal(t, true, printers["00M09A123456789"])
}

func TestMarshalPrinterState(t *testing.T) {
	s := bambu.NewPrinterState()
	s.GcodeState = bambu.StateRunning
	s.PrintProgress = 45

	raw, ok := MarshalEvent(events.PrinterState{Serial: "S1", State: s})
	require.True(t, ok)

	m := decode(t, raw)
	assert.Equal(t, "printer_state", m["type"])
	assert.Equal(t, "S1", m["serial"])
	state := m["state"].(map[string]any)
	assert.Equal(t, float64(45), state["print_progress"])
}

func TestMarshalPrinterUnreachable(t *testing.T) {
	raw, ok := MarshalEvent(events.PrinterUnreachable{Serial: "S1", Since: time.Unix(0, 0)})
	require.True(t, ok)
	m := decode(t, raw)
	assert.Equal(t, "printer_unreachable", m["type"])
}

func TestMarshalAssignmentResult(t *testing.T) {
	raw, ok := MarshalEvent(events.AssignmentResult{
		SpoolID: "s1", Printer: "S1", AmsID: 0, TrayID: 0, Outcome: events.OutcomeConfigured,
	})
	require.True(t, ok)
	m := decode(t, raw)
	assert.Equal(t, "assignment_result", m["type"])
	assert.Equal(t, "Configured", m["outcome"])
}

func TestMarshalUnknownEventReturnsFalse(t *testing.T) {
	type notAnEvent struct{ events.Event }
	_, ok := MarshalEvent(notAnEvent{})
	assert.False(t, ok)
}
