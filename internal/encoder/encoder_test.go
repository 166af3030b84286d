package encoder

import "testing"

func TestSampleFrames(t *testing.T) {
	frames := make([]Frame, 10)
	for i := range frames {
		frames[i] = Frame{Path: "f", Timestamp: int64(i * 10)}
	}

	tests := []struct {
		stride    int
		wantCount int
		wantFirst int64
		wantLast  int64
	}{
		{1, 10, 0, 90},
		{2, 5, 0, 80},
		{3, 4, 0, 90},
		{10, 1, 0, 0},
		{0, 10, 0, 90}, // degenerate stride treated as 1
	}

	for _, tt := range tests {
		got := SampleFrames(frames, tt.stride)
		if len(got) != tt.wantCount {
			t.Errorf("stride %d: got %d frames, want %d", tt.stride, len(got), tt.wantCount)
			continue
		}
		if got[0].Timestamp != tt.wantFirst {
			t.Errorf("stride %d: first timestamp = %d, want %d", tt.stride, got[0].Timestamp, tt.wantFirst)
		}
		if got[len(got)-1].Timestamp != tt.wantLast {
			t.Errorf("stride %d: last timestamp = %d, want %d", tt.stride, got[len(got)-1].Timestamp, tt.wantLast)
		}
	}
}

func TestSampleFrames_TimestampTableRoundTrip(t *testing.T) {
	frames := make([]Frame, 90)
	for i := range frames {
		frames[i] = Frame{Path: "f", Timestamp: 1000 + int64(i*10)}
	}

	sampled := SampleFrames(frames, 3)
	for i, f := range sampled {
		want := 1000 + int64(i*3*10)
		if f.Timestamp != want {
			t.Errorf("sampled[%d].Timestamp = %d, want %d", i, f.Timestamp, want)
		}
	}
}

func TestFitDimensions(t *testing.T) {
	tests := []struct {
		name         string
		w, h, maxDim int
		wantW, wantH int
	}{
		{"landscape downscale", 2560, 1440, 1280, 1280, 720},
		{"portrait downscale", 1440, 2560, 1280, 720, 1280},
		{"no upscale", 640, 480, 1280, 640, 480},
		{"odd result forced even", 1001, 801, 2000, 1000, 800},
		{"odd after scaling", 999, 333, 500, 500, 166},
		{"degenerate input", 0, 0, 1280, 2, 2},
	}

	for _, tt := range tests {
		gotW, gotH := FitDimensions(tt.w, tt.h, tt.maxDim)
		if gotW != tt.wantW || gotH != tt.wantH {
			t.Errorf("%s: FitDimensions(%d, %d, %d) = (%d, %d), want (%d, %d)",
				tt.name, tt.w, tt.h, tt.maxDim, gotW, gotH, tt.wantW, tt.wantH)
		}
		if gotW%2 != 0 || gotH%2 != 0 {
			t.Errorf("%s: dimensions (%d, %d) not even", tt.name, gotW, gotH)
		}
	}
}
