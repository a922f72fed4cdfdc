// Package events defines the sum-type of messages carried on the event bus.
// Per spec.md §9's design note, the bus carries a tagged union of Go values;
// conversion to the wire JSON shape happens only at the WebSocket boundary
// (see package wshub), never here.
package events

import (
	"time"

	"github.com/spoolbuddy/core/bambu"
)

// Type is the normative event name from spec.md §4.5.
type Type string

const (
	TypeInitialState        Type = "initial_state"
	TypePrinterConnected    Type = "printer_connected"
	TypePrinterDisconnected Type = "printer_disconnected"
	TypePrinterUnreachable  Type = "printer_unreachable"
	TypePrinterState        Type = "printer_state"
	TypeDeviceConnected     Type = "device_connected"
	TypeDeviceDisconnected  Type = "device_disconnected"
	TypeWeight              Type = "weight"
	TypeDeviceState         Type = "device_state"
	TypeTagDetected         Type = "tag_detected"
	TypeTagRemoved          Type = "tag_removed"
	TypeAssignmentResult    Type = "assignment_result"
	TypeParseWarning        Type = "parse_warning"
	TypeParseError          Type = "parse_error"
	TypeSlowConsumer        Type = "slow_consumer"
	TypeLateResponse        Type = "late_response"
)

// Event is implemented by every concrete event payload.
type Event interface {
	EventType() Type
}

type PrinterConnected struct{ Serial string }

func (PrinterConnected) EventType() Type { return TypePrinterConnected }

type PrinterDisconnected struct{ Serial string }

func (PrinterDisconnected) EventType() Type { return TypePrinterDisconnected }

type PrinterUnreachable struct {
	Serial string
	Since  time.Time
}

func (PrinterUnreachable) EventType() Type { return TypePrinterUnreachable }

// PrinterState always carries the printer's full State snapshot. Events the
// Printer Session emits for a report frame also carry the Delta that frame
// produced; the attach-time replay to a new /ws/ui client has a nil Delta.
type PrinterState struct {
	Serial string
	State  *bambu.PrinterState
	Delta  *bambu.StateDelta
}

func (PrinterState) EventType() Type { return TypePrinterState }

type DeviceConnected struct{}

func (DeviceConnected) EventType() Type { return TypeDeviceConnected }

type DeviceDisconnected struct{}

func (DeviceDisconnected) EventType() Type { return TypeDeviceDisconnected }

type Weight struct {
	Grams  float64
	Stable bool
}

func (Weight) EventType() Type { return TypeWeight }

type DeviceState struct {
	Connected     bool
	LastWeight    float64
	WeightStable  bool
	CurrentTagID  string
}

func (DeviceState) EventType() Type { return TypeDeviceState }

type TagDetected struct {
	TagID   string
	TagType string
	Payload map[string]any
}

func (TagDetected) EventType() Type { return TypeTagDetected }

type TagRemoved struct{ TagID string }

func (TagRemoved) EventType() Type { return TypeTagRemoved }

// AssignmentOutcome mirrors the four outcomes of spec.md §4.7.
type AssignmentOutcome string

const (
	OutcomeConfigured    AssignmentOutcome = "Configured"
	OutcomeStaged        AssignmentOutcome = "Staged"
	OutcomeStagedReplace AssignmentOutcome = "StagedReplace"
	OutcomeError         AssignmentOutcome = "Error"
)

type AssignmentResult struct {
	SpoolID string
	Printer string
	AmsID   int
	TrayID  int
	Outcome AssignmentOutcome
	Reason  string
}

func (AssignmentResult) EventType() Type { return TypeAssignmentResult }

type ParseWarning struct {
	Serial  string
	Message string
}

func (ParseWarning) EventType() Type { return TypeParseWarning }

type ParseError struct {
	Serial  string
	Message string
}

func (ParseError) EventType() Type { return TypeParseError }

// SlowConsumer is delivered to a subscriber whose queue overflowed, per
// spec.md §4.5.
type SlowConsumer struct{ Dropped int }

func (SlowConsumer) EventType() Type { return TypeSlowConsumer }

// LateResponse marks a correlated command result that arrived after its
// caller had already timed out, per spec.md §4.3's edge policy.
type LateResponse struct {
	Serial     string
	SequenceID string
}

func (LateResponse) EventType() Type { return TypeLateResponse }
