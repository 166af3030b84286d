package pipeline

import (
	"github.com/retrace/retrace-agent/internal/cloud"
	"github.com/retrace/retrace-agent/internal/journal"
)

// RemapSegments converts the model's video-relative seconds into absolute
// unix timestamps using the frame timestamp table. Frame N of the video was
// captured at frameTimestamps[N], and at frameRate frames per second a
// relative offset of S seconds lands on frame S*frameRate. Offsets outside
// the video are clamped to the first or last frame rather than rejected;
// the model occasionally overshoots the final second.
func RemapSegments(segments []cloud.Segment, frameTimestamps []int64, frameRate int) []cloud.Segment {
	if len(frameTimestamps) == 0 {
		return segments
	}
	if frameRate <= 0 {
		frameRate = 1
	}

	out := make([]cloud.Segment, len(segments))
	for i, seg := range segments {
		seg.StartTs = frameTimestamps[frameIndex(seg.RelativeStart, frameRate, len(frameTimestamps))]
		seg.EndTs = frameTimestamps[frameIndex(seg.RelativeEnd, frameRate, len(frameTimestamps))]
		seg.StartLabel = journal.DisplayClock(seg.StartTs)
		seg.EndLabel = journal.DisplayClock(seg.EndTs)
		out[i] = seg
	}
	return out
}

func frameIndex(relSeconds float64, frameRate, frameCount int) int {
	idx := int(relSeconds * float64(frameRate))
	if idx < 0 {
		return 0
	}
	if idx >= frameCount {
		return frameCount - 1
	}
	return idx
}
