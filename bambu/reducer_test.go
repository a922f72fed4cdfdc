package bambu

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeRepeated(b byte, n int) string {
	raw := make([]byte, n)
	for i := range raw {
		raw[i] = b
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestCanonicalizeAmsID(t *testing.T) {
	cases := []struct {
		id        int
		label     string
		kind      AmsKind
		trayCount int
	}{
		{0, "AMS-A", AmsKindRegular, 4},
		{1, "AMS-B", AmsKindRegular, 4},
		{2, "AMS-C", AmsKindRegular, 4},
		{3, "AMS-D", AmsKindRegular, 4},
		{128, "HT-A", AmsKindHT, 1},
		{129, "HT-B", AmsKindHT, 1},
		{254, "External L", AmsKindExternal, 1},
		{255, "External R", AmsKindExternal, 1},
	}
	for _, c := range cases {
		label, kind, trayCount, err := CanonicalizeAmsID(c.id)
		require.NoError(t, err)
		assert.Equal(t, c.label, label)
		assert.Equal(t, c.kind, kind)
		assert.Equal(t, c.trayCount, trayCount)
	}

	_, _, _, err := CanonicalizeAmsID(64)
	assert.Error(t, err)
}

func TestReduceMergesWithoutClearingAbsentFields(t *testing.T) {
	s := NewPrinterState()
	frame1 := []byte(`{"print":{"gcode_state":"RUNNING","mc_percent":10,
		"ams":{"ams":[{"id":"0","humidity":"40","temp":"25",
			"tray":[{"id":"0","tray_type":"PLA","tray_color":"FF0000FF"}]}]}}}`)
	_, err := Reduce(s, frame1, nil)
	require.NoError(t, err)
	require.Len(t, s.AmsUnits, 1)
	assert.Equal(t, "PLA", s.AmsUnits[0].Trays[0].TrayType)

	// Second frame omits tray 0's fields entirely and reports tray 1 instead;
	// tray 0 must persist unchanged (spec.md §4.2 rule 2).
	frame2 := []byte(`{"print":{"ams":{"ams":[{"id":"0",
		"tray":[{"id":"1","tray_type":"PETG","tray_color":"00FF00FF"}]}]}}}`)
	_, err = Reduce(s, frame2, nil)
	require.NoError(t, err)
	assert.Equal(t, "PLA", s.AmsUnits[0].Trays[0].TrayType, "tray 0 must persist")
	assert.Equal(t, "PETG", s.AmsUnits[0].Trays[1].TrayType)
}

func TestReduceEmptySlotDetection(t *testing.T) {
	s := NewPrinterState()
	// tray_color alone set: not empty (used colors persist).
	frame := []byte(`{"print":{"ams":{"ams":[{"id":"0",
		"tray":[{"id":"0","tray_color":"FF0000FF"}]}]}}}`)
	_, err := Reduce(s, frame, nil)
	require.NoError(t, err)
	assert.False(t, s.AmsUnits[0].Trays[0].Empty())

	frame2 := []byte(`{"print":{"ams":{"ams":[{"id":"1",
		"tray":[{"id":"0","tray_type":"","tray_color":"00000000"}]}]}}}`)
	_, err = Reduce(s, frame2, nil)
	require.NoError(t, err)
	assert.True(t, s.AmsUnits[1].Trays[0].Empty())
}

func TestReduceClampsOutOfRangeProgress(t *testing.T) {
	s := NewPrinterState()
	frame := []byte(`{"print":{"mc_percent":150}}`)
	res, err := Reduce(s, frame, nil)
	require.NoError(t, err)
	assert.Equal(t, 100, s.PrintProgress)
	assert.NotEmpty(t, res.Warnings)
}

func TestReduceJobTransitions(t *testing.T) {
	s := NewPrinterState()
	res, err := Reduce(s, []byte(`{"print":{"subtask_name":"plate1.gcode"}}`), nil)
	require.NoError(t, err)
	assert.Equal(t, JobStarted, res.Job)

	res, err = Reduce(s, []byte(`{"print":{"subtask_name":"plate2.gcode"}}`), nil)
	require.NoError(t, err)
	assert.Equal(t, JobChanged, res.Job)

	res, err = Reduce(s, []byte(`{"print":{"subtask_name":""}}`), nil)
	require.NoError(t, err)
	assert.Equal(t, JobEnded, res.Job)
}

func TestReduceRejectsMalformedAndOversizedFrames(t *testing.T) {
	s := NewPrinterState()
	_, err := Reduce(s, []byte(`not json`), nil)
	assert.Error(t, err)

	big := make([]byte, MaxFrameBytes+1)
	_, err = Reduce(s, big, nil)
	assert.Error(t, err)
}

func TestCoverAssemblerFinalizesOnTerminatingChunk(t *testing.T) {
	asm := &CoverAssembler{}
	_, done := asm.Accept(&reportCover{AssemblyID: "a1", Seq: 0, DataB64: "aGVsbG8="})
	assert.False(t, done)
	img, done := asm.Accept(&reportCover{AssemblyID: "a1", Seq: 1, Final: true, DataB64: "d29ybGQ="})
	assert.True(t, done)
	assert.Equal(t, "helloworld", string(img))
}

func TestCoverAssemblerDiscardsOnOverflow(t *testing.T) {
	asm := &CoverAssembler{}
	chunk := make([]byte, 0)
	_ = chunk
	huge := &reportCover{AssemblyID: "big", DataB64: encodeRepeated('x', maxCoverBytes+1)}
	_, done := asm.Accept(huge)
	assert.False(t, done)
	assert.Empty(t, asm.buf)
}
