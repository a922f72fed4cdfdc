// Package bambu holds the canonical, transport-agnostic model of a Bambu Lab
// printer's telemetry plus the reducer that folds report frames into it.
// Nothing in this package knows about MQTT or WebSockets.
package bambu

import "time"

// GcodeState is the printer's current job state.
type GcodeState string

const (
	StateIdle    GcodeState = "IDLE"
	StatePrepare GcodeState = "PREPARE"
	StateRunning GcodeState = "RUNNING"
	StatePause   GcodeState = "PAUSE"
	StateFinish  GcodeState = "FINISH"
	StateFailed  GcodeState = "FAILED"
	StateUnknown GcodeState = "UNKNOWN"
)

// Unknown sentinel for optional small integers that have no "null" in plain
// Go without resorting to pointers everywhere a caller just wants to compare.
const Unknown = -1

// Extruder identifies which nozzle an AMS unit feeds on a dual-nozzle
// printer.
const (
	ExtruderRight = 0
	ExtruderLeft  = 1
)

// AmsTray is one filament position inside an AmsUnit.
type AmsTray struct {
	ID            int     `json:"id"` // 0-3 within the unit
	TrayType      string  `json:"tray_type"`  // material code; empty = no type reported
	TrayColor     string  `json:"tray_color"` // 8-hex RGBA, e.g. "FF0000FF"
	TrayInfoIdx   string  `json:"tray_info_idx"` // filament id the printer uses for its built-in profile
	KValue        float64 `json:"k_value"` // pressure-advance factor, 0 if unset
	NozzleTempMin int     `json:"nozzle_temp_min"`
	NozzleTempMax int     `json:"nozzle_temp_max"`
	Remain        int     `json:"remain"` // percent remaining, 0-100

	// Empty reports spec.md §4.2 rule 3: a slot is empty only when both
	// TrayType and TrayColor are unset. A tray with only TrayColor set
	// ("used colors persist") is not empty.
	empty bool
}

// Empty reports whether the slot currently holds no spool.
func (t AmsTray) Empty() bool { return t.empty }

// MarshalJSON includes the unexported Empty flag in the wire shape without
// making it a mutable exported field reducers elsewhere could set directly.
func (t AmsTray) MarshalJSON() ([]byte, error) {
	type wire AmsTray
	return wireJSON.Marshal(struct {
		wire
		Empty bool `json:"empty"`
	}{wire(t), t.empty})
}

// AmsUnit is one AMS (or HT, or external spool holder) attached to a
// printer.
type AmsUnit struct {
	ID        int     `json:"id"` // raw printer-reported id, pre-canonicalization
	Label     string  `json:"label"`
	Kind      AmsKind `json:"kind"`
	TrayCount int     `json:"tray_count"`
	Humidity  int     `json:"humidity"` // 0-100, Unknown if not reported
	Temp10    int     `json:"temp10"`   // temperature in tenths of a degree C
	Extruder  int     `json:"extruder"` // ExtruderRight, ExtruderLeft, or Unknown
	Trays     []AmsTray `json:"trays"`
}

// AmsKind distinguishes the three physical unit types spec.md §4.2 rule 7
// requires the parser to canonicalize.
type AmsKind string

const (
	AmsKindRegular  AmsKind = "ams"
	AmsKindHT       AmsKind = "ht"
	AmsKindExternal AmsKind = "external"
)

// KProfile is a persisted pressure-advance calibration record for one
// filament on one printer/nozzle.
type KProfile struct {
	CaliIdx    int     `json:"cali_idx"`
	FilamentID string  `json:"filament_id"`
	SettingID  string  `json:"setting_id"`
	Name       string  `json:"name"`
	KValue     float64 `json:"k_value"`
	ExtruderID int     `json:"extruder_id"`
	NozzleTemp int     `json:"nozzle_temp"`
}

// PrinterState is the canonical, single-owner projection of a printer's live
// telemetry. It is exclusively mutated by the owning Printer Session;
// everyone else gets copies via Snapshot.
type PrinterState struct {
	Connected  bool      `json:"connected"`
	LastSeenTS time.Time `json:"last_seen_ts"`

	GcodeState         GcodeState `json:"gcode_state"`
	SubtaskName        string     `json:"subtask_name"`
	GcodeFile          string     `json:"gcode_file"`
	PrintProgress      int        `json:"print_progress"`
	LayerNum           int        `json:"layer_num"`
	TotalLayerNum      int        `json:"total_layer_num"`
	McRemainingTimeMin int        `json:"mc_remaining_time"`
	StgCur             int        `json:"stg_cur"`
	StgCurName         string     `json:"stg_cur_name"`

	AmsUnits []AmsUnit `json:"ams_units"`

	TrayNow         int    `json:"tray_now"` // Unknown if not selected / single-nozzle n/a
	TrayNowLeft     int    `json:"tray_now_left"`
	TrayNowRight    int    `json:"tray_now_right"`
	ActiveExtruder  int    `json:"active_extruder"`
	TrayReadingBits uint32 `json:"tray_reading_bits"`

	Calibration []KProfile `json:"calibration"`

	CoverImage []byte `json:"cover_image,omitempty"`
}

// NewPrinterState returns a state with every optional numeric field set to
// Unknown rather than a misleading zero value.
func NewPrinterState() *PrinterState {
	return &PrinterState{
		GcodeState:     StateUnknown,
		TrayNow:        Unknown,
		TrayNowLeft:    Unknown,
		TrayNowRight:   Unknown,
		ActiveExtruder: Unknown,
	}
}

// Snapshot returns a deep copy safe for a reader to hold onto indefinitely.
func (s *PrinterState) Snapshot() *PrinterState {
	cp := *s
	cp.AmsUnits = make([]AmsUnit, len(s.AmsUnits))
	for i, u := range s.AmsUnits {
		cp.AmsUnits[i] = u
		cp.AmsUnits[i].Trays = append([]AmsTray(nil), u.Trays...)
	}
	cp.Calibration = append([]KProfile(nil), s.Calibration...)
	cp.CoverImage = append([]byte(nil), s.CoverImage...)
	return &cp
}

// MarkDisconnected flips Connected off and nulls the selector fields per
// spec.md §3's invariant "connected=false ⇒ all selector fields null",
// while deliberately preserving AmsUnits/GcodeState/etc so UIs can keep
// showing stale data labeled offline instead of blanking (spec.md §4.1).
func (s *PrinterState) MarkDisconnected() {
	s.Connected = false
	s.TrayNow = Unknown
	s.TrayNowLeft = Unknown
	s.TrayNowRight = Unknown
	s.ActiveExtruder = Unknown
}
