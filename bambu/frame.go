package bambu

import (
	jsoniter "github.com/json-iterator/go"
)

var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxFrameBytes is the hard limit from spec.md §4.2: frames over this size
// are rejected with ParseError rather than parsed.
const MaxFrameBytes = 1 << 20 // 1 MiB

// reportFrame mirrors the subset of a Bambu Lab report-topic JSON payload
// this core understands, generalized from the teacher's mqttMessage (which
// only modeled the `print` section) to also cover `info`, `cover`, and the
// AMS/calibration fields carried on a pushall response.
//
// Every field is a pointer or has an explicit "present" companion where
// spec.md §4.2 rule 1 ("only fields present in the frame are updated")
// requires distinguishing "absent" from "zero value".
type reportFrame struct {
	Print *reportPrint `json:"print"`
	Info  *reportInfo  `json:"info"`
	Cover *reportCover `json:"cover"`
}

type reportPrint struct {
	GcodeFile        *string       `json:"gcode_file"`
	SubtaskName      *string       `json:"subtask_name"`
	GcodeState       *string       `json:"gcode_state"`
	McRemainingTime  *int          `json:"mc_remaining_time"`
	McPercent        *int          `json:"mc_percent"`
	LayerNum         *int          `json:"layer_num"`
	TotalLayerNum    *int          `json:"total_layer_num"`
	StgCur           *int          `json:"stg_cur"`
	Ams              *reportAms    `json:"ams"`
	VtTray           *reportTray   `json:"vt_tray"`
	TrayNow          *string       `json:"tray_now"`
	TrayNowLeft      *string       `json:"tray_now_left"`
	TrayNowRight     *string       `json:"tray_now_right"`
	TrayReadingBits  *uint32       `json:"tray_reading_bits"`
	CaliVersion      *int          `json:"cali_version"`
	ExtrusionCaliSet []reportKProf `json:"extrusion_cali_set"`
}

type reportAms struct {
	AmsList []reportAmsUnit `json:"ams"`
}

type reportAmsUnit struct {
	ID       string      `json:"id"` // decimal string on the wire
	Humidity *string     `json:"humidity"`
	Temp     *string     `json:"temp"`
	Tray     []reportTray `json:"tray"`
}

type reportTray struct {
	ID            string  `json:"id"`
	TrayType      *string `json:"tray_type"`
	TrayColor     *string `json:"tray_color"`
	TrayInfoIdx   *string `json:"tray_info_idx"`
	KValue        *string `json:"k"`
	NozzleTempMin *int    `json:"nozzle_temp_min"`
	NozzleTempMax *int    `json:"nozzle_temp_max"`
	Remain        *int    `json:"remain"`
}

type reportKProf struct {
	CaliIdx    int     `json:"cali_idx"`
	FilamentID string  `json:"filament_id"`
	SettingID  string  `json:"setting_id"`
	Name       string  `json:"name"`
	KValue     float64 `json:"k_value,string"`
	ExtruderID int     `json:"extruder_id"`
	NozzleTemp int     `json:"nozzle_temp"`
}

type reportInfo struct {
	DeviceSerial *string `json:"device_serial"`
}

// reportCover carries one chunk of a chunked, base64-encoded job-cover
// image per spec.md §9's cover-image-assembly design note.
type reportCover struct {
	AssemblyID string `json:"assembly_id"`
	Seq        int    `json:"seq"`
	Final      bool   `json:"final"`
	DataB64    string `json:"data"`
}

// DecodeFrame unmarshals raw report-topic bytes into a reportFrame,
// rejecting oversized or malformed payloads per spec.md §4.2.
func DecodeFrame(raw []byte) (*reportFrame, error) {
	if len(raw) > MaxFrameBytes {
		return nil, &FrameError{Kind: "size", Detail: "frame exceeds 1 MiB"}
	}
	var f reportFrame
	if err := wireJSON.Unmarshal(raw, &f); err != nil {
		return nil, &FrameError{Kind: "malformed", Detail: err.Error()}
	}
	return &f, nil
}

// FrameError is returned by DecodeFrame; the reducer translates it into a
// parse_error bus event without tearing down the session.
type FrameError struct {
	Kind   string
	Detail string
}

func (e *FrameError) Error() string { return "parse_error(" + e.Kind + "): " + e.Detail }
