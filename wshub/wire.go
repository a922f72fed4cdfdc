// Package wshub exposes the Event Bus over WebSocket at /ws/ui (spec.md
// §4.5/§6): one JSON message per bus event, keyed by a "type" field. It
// never reconstructs spec.md's Go event types on the wire — it converts
// events.Event to the literal JSON shapes of §6 at this boundary only, per
// spec.md §9's design note.
package wshub

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/spoolbuddy/core/bambu"
	"github.com/spoolbuddy/core/events"
)

var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// DeviceSnapshot is the "device" object of the initial_state frame.
type DeviceSnapshot struct {
	Connected       bool    `json:"connected"`
	LastWeight      float64 `json:"last_weight"`
	WeightStable    bool    `json:"weight_stable"`
	CurrentTagID    *string `json:"current_tag_id"`
	UpdateAvailable bool    `json:"update_available"`
}

// InitialState is the atomic snapshot handed to each new /ws/ui subscriber,
// spec.md §4.5/§6.
type InitialState struct {
	Device   DeviceSnapshot
	Printers map[string]bool // serial -> connected
}

type initialStateEvent struct {
	InitialState
}

func (initialStateEvent) EventType() events.Type { return events.TypeInitialState }

// NewInitialStateEvent wraps a snapshot as an events.Event so it can be
// enqueued through the same eventbus.Subscribe(snapshot) path as any other
// event.
func NewInitialStateEvent(s InitialState) events.Event { return initialStateEvent{s} }

// toWire converts one bus event to its §6 JSON frame. A false return means
// the event has no UI-facing wire representation (late_response, and any
// other type without a case here).
func toWire(e events.Event) (any, bool) {
	switch v := e.(type) {
	case initialStateEvent:
		return struct {
			Type     string          `json:"type"`
			Device   DeviceSnapshot  `json:"device"`
			Printers map[string]bool `json:"printers"`
		}{"initial_state", v.Device, v.Printers}, true

	case events.PrinterConnected:
		return struct {
			Type   string `json:"type"`
			Serial string `json:"serial"`
		}{"printer_connected", v.Serial}, true

	case events.PrinterDisconnected:
		return struct {
			Type   string `json:"type"`
			Serial string `json:"serial"`
		}{"printer_disconnected", v.Serial}, true

	case events.PrinterUnreachable:
		return struct {
			Type   string `json:"type"`
			Serial string `json:"serial"`
			Since  string `json:"since"`
		}{"printer_unreachable", v.Serial, v.Since.UTC().Format("2006-01-02T15:04:05Z")}, true

	case events.PrinterState:
		return struct {
			Type   string              `json:"type"`
			Serial string              `json:"serial"`
			State  *bambu.PrinterState `json:"state"`
		}{"printer_state", v.Serial, v.State}, true

	case events.DeviceConnected:
		return struct {
			Type string `json:"type"`
		}{"device_connected"}, true

	case events.DeviceDisconnected:
		return struct {
			Type string `json:"type"`
		}{"device_disconnected"}, true

	case events.Weight:
		return struct {
			Type   string  `json:"type"`
			Grams  float64 `json:"weight_g"`
			Stable bool    `json:"stable"`
		}{"weight", v.Grams, v.Stable}, true

	case events.DeviceState:
		return struct {
			Type         string  `json:"type"`
			Connected    bool    `json:"connected"`
			LastWeight   float64 `json:"last_weight"`
			WeightStable bool    `json:"weight_stable"`
			CurrentTagID string  `json:"current_tag_id"`
		}{"device_state", v.Connected, v.LastWeight, v.WeightStable, v.CurrentTagID}, true

	case events.TagDetected:
		return struct {
			Type    string         `json:"type"`
			TagID   string         `json:"tag_id"`
			TagType string         `json:"tag_type"`
			Data    map[string]any `json:"data"`
		}{"tag_detected", v.TagID, v.TagType, v.Payload}, true

	case events.TagRemoved:
		return struct {
			Type  string `json:"type"`
			TagID string `json:"tag_id"`
		}{"tag_removed", v.TagID}, true

	case events.AssignmentResult:
		return struct {
			Type    string `json:"type"`
			SpoolID string `json:"spool_id"`
			Printer string `json:"printer"`
			AmsID   int    `json:"ams_id"`
			TrayID  int    `json:"tray_id"`
			Outcome string `json:"outcome"`
			Reason  string `json:"reason,omitempty"`
		}{"assignment_result", v.SpoolID, v.Printer, v.AmsID, v.TrayID, string(v.Outcome), v.Reason}, true

	case events.ParseWarning:
		return struct {
			Type    string `json:"type"`
			Serial  string `json:"serial"`
			Message string `json:"message"`
		}{"parse_warning", v.Serial, v.Message}, true

	case events.ParseError:
		return struct {
			Type    string `json:"type"`
			Serial  string `json:"serial"`
			Message string `json:"message"`
		}{"parse_error", v.Serial, v.Message}, true

	case events.SlowConsumer:
		return struct {
			Type    string `json:"type"`
			Dropped int    `json:"dropped"`
		}{"slow_consumer", v.Dropped}, true

	default:
		return nil, false
	}
}

// MarshalEvent converts e to its §6 wire JSON, or (nil, false) if e has no
// UI representation.
func MarshalEvent(e events.Event) ([]byte, bool) {
	wire, ok := toWire(e)
	if !ok {
		return nil, false
	}
	b, err := wireJSON.Marshal(wire)
	if err != nil {
		return nil, false
	}
	return b, true
}
