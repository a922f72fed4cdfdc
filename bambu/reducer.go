package bambu

import (
	"encoding/base64"
	"strconv"
)

// StateDelta is the list of fields a Reduce call changed, diffed against the
// prior snapshot. The Printer Session attaches it to each printer_state
// event; package wshub sends that event's full State on the wire and does
// not serialize the delta. This package knows nothing about wire formats.
type StateDelta struct {
	Fields []DeltaField
}

// DeltaField names one changed leaf.
type DeltaField struct {
	Path string
	Old  any
	New  any
}

func (d *StateDelta) add(path string, old, new any) {
	d.Fields = append(d.Fields, DeltaField{Path: path, Old: old, New: new})
}

// Empty reports whether the delta carries no changes (a frame that touched
// nothing this session cared about, e.g. an unrecognized section).
func (d *StateDelta) Empty() bool { return d == nil || len(d.Fields) == 0 }

// JobTransition names the subtask_name transition a Reduce call observed,
// per spec.md §4.2 rule 6.
type JobTransition string

const (
	JobNone    JobTransition = ""
	JobStarted JobTransition = "job_started"
	JobEnded   JobTransition = "job_ended"
	JobChanged JobTransition = "job_changed"
)

// ReduceResult bundles what a single Reduce call produced, beyond the
// mutation already applied to the PrinterState in place.
type ReduceResult struct {
	Delta    *StateDelta
	Warnings []string // parse_warning messages, e.g. clamped progress
	Job      JobTransition
}

// Reduce decodes raw report-topic bytes and folds them into s, following the
// merge rules of spec.md §4.2. s is mutated in place; the caller (Printer
// Session) is the exclusive owner of s and must not call Reduce
// concurrently with any other mutation or Snapshot.
func Reduce(s *PrinterState, raw []byte, cover *CoverAssembler) (*ReduceResult, error) {
	frame, err := DecodeFrame(raw)
	if err != nil {
		return nil, err
	}

	res := &ReduceResult{Delta: &StateDelta{}}
	prevSubtask := s.SubtaskName

	if frame.Print != nil {
		reducePrint(s, frame.Print, res)
	}
	if frame.Cover != nil && cover != nil {
		if img, done := cover.Accept(frame.Cover); done {
			s.CoverImage = img
			res.Delta.add("cover", nil, len(img))
		}
	}

	if prevSubtask == "" && s.SubtaskName != "" {
		res.Job = JobStarted
	} else if prevSubtask != "" && s.SubtaskName == "" {
		res.Job = JobEnded
	} else if prevSubtask != s.SubtaskName && prevSubtask != "" && s.SubtaskName != "" {
		res.Job = JobChanged
	}

	return res, nil
}

func reducePrint(s *PrinterState, p *reportPrint, res *ReduceResult) {
	if p.GcodeFile != nil && *p.GcodeFile != "" {
		res.Delta.add("gcode_file", s.GcodeFile, *p.GcodeFile)
		s.GcodeFile = *p.GcodeFile
	}
	if p.SubtaskName != nil {
		// subtask_name legitimately transitions to empty (job ended), so an
		// explicitly-present empty string is accepted, unlike most string
		// fields where empty means "absent".
		if *p.SubtaskName != s.SubtaskName {
			res.Delta.add("subtask_name", s.SubtaskName, *p.SubtaskName)
			s.SubtaskName = *p.SubtaskName
		}
	}
	if p.GcodeState != nil && *p.GcodeState != "" {
		gs := GcodeState(*p.GcodeState)
		if gs != s.GcodeState {
			res.Delta.add("gcode_state", s.GcodeState, gs)
			s.GcodeState = gs
		}
	}
	if p.McRemainingTime != nil && *p.McRemainingTime != 0 {
		s.McRemainingTimeMin = *p.McRemainingTime
		res.Delta.add("mc_remaining_time", nil, *p.McRemainingTime)
	}
	if p.McPercent != nil {
		v := *p.McPercent
		if v < 0 || v > 100 {
			res.Warnings = append(res.Warnings, "print_progress out of range, clamped")
			if v < 0 {
				v = 0
			} else {
				v = 100
			}
		}
		s.PrintProgress = v
		res.Delta.add("print_progress", nil, v)
	}
	if p.LayerNum != nil {
		s.LayerNum = *p.LayerNum
	}
	if p.TotalLayerNum != nil {
		s.TotalLayerNum = *p.TotalLayerNum
	}
	if p.StgCur != nil {
		s.StgCur = *p.StgCur
		s.StgCurName = stageName(*p.StgCur)
	}
	if p.TrayReadingBits != nil {
		// Authoritative per spec.md §4.2 rule 4: only update when the
		// printer actually sent the field, zeroed or not.
		s.TrayReadingBits = *p.TrayReadingBits
		res.Delta.add("tray_reading_bits", nil, *p.TrayReadingBits)
	}
	if p.TrayNow != nil {
		s.TrayNow = atoiOr(*p.TrayNow, Unknown)
	}
	if p.TrayNowLeft != nil {
		s.TrayNowLeft = atoiOr(*p.TrayNowLeft, Unknown)
	}
	if p.TrayNowRight != nil {
		s.TrayNowRight = atoiOr(*p.TrayNowRight, Unknown)
	}
	if len(p.ExtrusionCaliSet) > 0 {
		s.Calibration = mergeCalibration(s.Calibration, p.ExtrusionCaliSet)
	}
	if p.Ams != nil {
		s.AmsUnits = mergeAmsUnits(s.AmsUnits, p.Ams.AmsList)
		res.Delta.add("ams_units", nil, len(s.AmsUnits))
	}
}

// mergeAmsUnits implements spec.md §4.2 rule 2: merge per-id, never clear a
// unit or tray absent from this frame.
func mergeAmsUnits(prior []AmsUnit, incoming []reportAmsUnit) []AmsUnit {
	byID := make(map[int]AmsUnit, len(prior))
	order := make([]int, 0, len(prior))
	for _, u := range prior {
		byID[u.ID] = u
		order = append(order, u.ID)
	}

	for _, in := range incoming {
		id, err := strconv.Atoi(in.ID)
		if err != nil {
			continue
		}
		u, existed := byID[id]
		if !existed {
			label, kind, trayCount, cerr := CanonicalizeAmsID(id)
			if cerr != nil {
				continue
			}
			u = AmsUnit{ID: id, Label: label, Kind: kind, TrayCount: trayCount, Humidity: Unknown, Extruder: Unknown}
			order = append(order, id)
		}
		if in.Humidity != nil {
			u.Humidity = atoiOr(*in.Humidity, Unknown)
		}
		if in.Temp != nil {
			if v, err := strconv.Atoi(*in.Temp); err == nil {
				u.Temp10 = v * 10
			}
		}
		u.Trays = mergeTrays(u.Trays, in.Tray, u.TrayCount)
		byID[id] = u
	}

	out := make([]AmsUnit, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

func mergeTrays(prior []AmsTray, incoming []reportTray, trayCount int) []AmsTray {
	byID := make(map[int]AmsTray, len(prior))
	for _, t := range prior {
		byID[t.ID] = t
	}

	for _, in := range incoming {
		id, err := strconv.Atoi(in.ID)
		if err != nil {
			continue
		}
		t := byID[id]
		t.ID = id
		if in.TrayType != nil {
			t.TrayType = *in.TrayType
		}
		if in.TrayColor != nil {
			t.TrayColor = *in.TrayColor
		}
		if in.TrayInfoIdx != nil {
			t.TrayInfoIdx = *in.TrayInfoIdx
		}
		if in.KValue != nil {
			if v, err := strconv.ParseFloat(*in.KValue, 64); err == nil {
				t.KValue = v
			}
		}
		if in.NozzleTempMin != nil {
			t.NozzleTempMin = *in.NozzleTempMin
		}
		if in.NozzleTempMax != nil {
			t.NozzleTempMax = *in.NozzleTempMax
		}
		if in.Remain != nil {
			t.Remain = *in.Remain
		}
		// Rule 3: empty iff both tray_type and tray_color are unset.
		t.empty = t.TrayType == "" && (t.TrayColor == "" || t.TrayColor == "00000000")
		byID[id] = t
	}

	out := make([]AmsTray, trayCount)
	for i := range out {
		out[i] = byID[i]
		out[i].ID = i
		if out[i].TrayType == "" && out[i].TrayColor == "" {
			out[i].empty = true
		}
	}
	return out
}

func mergeCalibration(prior []KProfile, incoming []reportKProf) []KProfile {
	byIdx := make(map[int]KProfile, len(prior))
	order := make([]int, 0, len(prior))
	for _, k := range prior {
		byIdx[k.CaliIdx] = k
		order = append(order, k.CaliIdx)
	}
	for _, in := range incoming {
		if _, existed := byIdx[in.CaliIdx]; !existed {
			order = append(order, in.CaliIdx)
		}
		byIdx[in.CaliIdx] = KProfile{
			CaliIdx:    in.CaliIdx,
			FilamentID: in.FilamentID,
			SettingID:  in.SettingID,
			Name:       in.Name,
			KValue:     in.KValue,
			ExtruderID: in.ExtruderID,
			NozzleTemp: in.NozzleTemp,
		}
	}
	out := make([]KProfile, 0, len(order))
	for _, idx := range order {
		out = append(out, byIdx[idx])
	}
	return out
}

func atoiOr(s string, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func stageName(code int) string {
	if name, ok := stageNames[code]; ok {
		return name
	}
	return "unknown"
}

var stageNames = map[int]string{
	0:  "printing",
	1:  "bed_leveling",
	2:  "heatbed_preheating",
	4:  "extruder_temp_cali",
	6:  "nozzle_temp_preheating",
	8:  "filament_loading",
	9:  "ams_purging",
	13: "ams_changing_filament",
}

// CoverAssembler buffers chunked base64 job-cover images per spec.md §9's
// cover-image design note. One is owned per printer by the Printer Session.
type CoverAssembler struct {
	assemblyID string
	buf        []byte
}

// maxCoverBytes bounds a single cover assembly before it's discarded.
const maxCoverBytes = 2 << 20 // 2 MiB

// Accept appends one chunk. It returns the finalized, decoded image (and
// true) on the terminating chunk, or discards and resets on overflow.
func (c *CoverAssembler) Accept(chunk *reportCover) ([]byte, bool) {
	if chunk.AssemblyID != c.assemblyID {
		c.assemblyID = chunk.AssemblyID
		c.buf = nil
	}
	decoded, err := base64.StdEncoding.DecodeString(chunk.DataB64)
	if err == nil {
		c.buf = append(c.buf, decoded...)
	}
	if len(c.buf) > maxCoverBytes {
		c.buf = nil
		c.assemblyID = ""
		return nil, false
	}
	if chunk.Final {
		img := c.buf
		c.buf = nil
		c.assemblyID = ""
		return img, true
	}
	return nil, false
}
