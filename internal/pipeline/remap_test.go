package pipeline

import (
	"testing"

	"github.com/retrace/retrace-agent/internal/cloud"
	"github.com/retrace/retrace-agent/internal/journal"
)

func TestRemapSegments(t *testing.T) {
	// frame i captured at 1000 + 10*i, one frame per video second
	table := make([]int64, 91)
	for i := range table {
		table[i] = 1000 + int64(i*10)
	}

	segs := RemapSegments([]cloud.Segment{
		{RelativeStart: 0, RelativeEnd: 30, Description: "editing"},
	}, table, 1)

	if segs[0].StartTs != 1000 {
		t.Errorf("start = %d, want 1000", segs[0].StartTs)
	}
	if segs[0].EndTs != 1300 {
		t.Errorf("end = %d, want 1300", segs[0].EndTs)
	}
	if want := journal.DisplayClock(1000); segs[0].StartLabel != want {
		t.Errorf("start label = %q, want %q", segs[0].StartLabel, want)
	}
	if segs[0].Description != "editing" {
		t.Errorf("description lost: %q", segs[0].Description)
	}
}

func TestRemapClampsOutOfRange(t *testing.T) {
	table := []int64{100, 110, 120}

	segs := RemapSegments([]cloud.Segment{
		{RelativeStart: -5, RelativeEnd: 99},
	}, table, 1)

	if segs[0].StartTs != 100 {
		t.Errorf("negative offset should clamp to first frame, got %d", segs[0].StartTs)
	}
	if segs[0].EndTs != 120 {
		t.Errorf("overshoot should clamp to last frame, got %d", segs[0].EndTs)
	}
}

func TestRemapHigherFrameRate(t *testing.T) {
	// at 2 fps, relative second S covers frames 2S and 2S+1
	table := []int64{500, 510, 520, 530}

	segs := RemapSegments([]cloud.Segment{
		{RelativeStart: 1, RelativeEnd: 1.5},
	}, table, 2)

	if segs[0].StartTs != 520 {
		t.Errorf("start = %d, want 520", segs[0].StartTs)
	}
	if segs[0].EndTs != 530 {
		t.Errorf("end = %d, want 530", segs[0].EndTs)
	}
}

func TestRemapEmptyTable(t *testing.T) {
	in := []cloud.Segment{{RelativeStart: 0, RelativeEnd: 10}}
	out := RemapSegments(in, nil, 1)
	if len(out) != 1 || out[0].StartTs != 0 {
		t.Errorf("empty table should pass segments through, got %+v", out)
	}
}
