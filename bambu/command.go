package bambu

import "encoding/json"

// CommandName enumerates the required commands of spec.md §4.3.
type CommandName string

const (
	CmdPushAll            CommandName = "pushall"
	CmdAmsFilamentSetting CommandName = "ams_filament_setting"
	CmdExtrusionCaliSet   CommandName = "extrusion_cali_set"
	CmdAmsGetRFID         CommandName = "ams_get_rfid"
)

// cmdGroup maps a command to the top-level JSON group the printer expects
// it wrapped in, mirroring the teacher's "print"/"pushing" envelope groups,
// generalized to the AMS-focused command set this core actually issues.
var cmdGroup = map[CommandName]string{
	CmdPushAll:            "pushing",
	CmdAmsFilamentSetting: "print",
	CmdExtrusionCaliSet:   "print",
	CmdAmsGetRFID:         "print",
}

// AmsFilamentSetting is the payload for CmdAmsFilamentSetting.
type AmsFilamentSetting struct {
	AmsID         int    `json:"ams_id"`
	TrayID        int    `json:"tray_id"`
	TrayInfoIdx   string `json:"tray_info_idx"`
	TraySubBrands string `json:"tray_sub_brands"`
	TrayColor     string `json:"tray_color"`
	TrayType      string `json:"tray_type"`
	SettingID     string `json:"setting_id"`
	NozzleTempMin int    `json:"nozzle_temp_min"`
	NozzleTempMax int    `json:"nozzle_temp_max"`
}

// ExtrusionCaliSet is the payload for CmdExtrusionCaliSet.
type ExtrusionCaliSet struct {
	CaliIdx        int     `json:"cali_idx"`
	FilamentID     string  `json:"filament_id"`
	SettingID      string  `json:"setting_id"`
	NozzleDiameter float64 `json:"nozzle_diameter"`
	KValue         float64 `json:"k_value"`
	NozzleTemp     int     `json:"nozzle_temp"`
}

// AmsGetRFID is the payload for CmdAmsGetRFID.
type AmsGetRFID struct {
	AmsID  int `json:"ams_id"`
	TrayID int `json:"tray_id"`
}

// BuildEnvelope renders the wire envelope {"<group>":{"sequence_id":...,
// "command":...,...payload}} described by spec.md §4.3. payload may be nil
// for commands with no body, such as pushall.
func BuildEnvelope(cmd CommandName, sequenceID string, payload any) ([]byte, error) {
	group, ok := cmdGroup[cmd]
	if !ok {
		group = "print"
	}

	fields := map[string]any{
		"sequence_id": sequenceID,
		"command":     string(cmd),
	}
	if payload != nil {
		pb, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		var extra map[string]any
		if err := json.Unmarshal(pb, &extra); err != nil {
			return nil, err
		}
		for k, v := range extra {
			fields[k] = v
		}
	}

	return json.Marshal(map[string]any{group: fields})
}

// ExtractResult parses a report frame's command-group for a "result" field
// correlated by sequence id, used by the dispatcher to resolve in-flight
// RPCs. It returns ok=false if this frame carries no correlation-bearing
// group at all.
func ExtractResult(raw []byte) (sequenceID string, result string, ok bool) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", "", false
	}
	for _, group := range []string{"print", "pushing"} {
		rawGroup, present := generic[group]
		if !present {
			continue
		}
		var g struct {
			SequenceID string `json:"sequence_id"`
			Result     string `json:"result"`
		}
		if err := json.Unmarshal(rawGroup, &g); err != nil {
			continue
		}
		if g.SequenceID != "" {
			return g.SequenceID, g.Result, true
		}
	}
	return "", "", false
}
