// Package cloud talks to the external vision-language model service. Two
// logically distinct calls are made per batch: Phase 1 transcribes the
// time-lapse video into relative-time segments, Phase 2 turns the remapped
// transcription into structured activity cards, optionally as a token
// stream.
package cloud

import "context"

// Segment is one Phase-1 transcription unit. The relative fields are
// offsets into the encoded video; the absolute fields are filled in by the
// pipeline's remapping step before Phase 2 and are never sent on the wire.
type Segment struct {
	RelativeStart float64 `json:"relativeStartSecond"`
	RelativeEnd   float64 `json:"relativeEndSecond"`
	Description   string  `json:"description"`

	StartTs    int64  `json:"-"`
	EndTs      int64  `json:"-"`
	StartLabel string `json:"-"`
	EndLabel   string `json:"-"`
}

// TranscribeHint tells the model what it is looking at.
type TranscribeHint struct {
	FrameCount   int
	VideoSeconds int
}

// ModelClient is the outbound surface to the model service.
type ModelClient interface {
	// Transcribe sends the video inline and returns relative-time segments.
	Transcribe(ctx context.Context, video []byte, mimeType string, hint TranscribeHint) ([]Segment, error)

	// GenerateCards performs the blocking Phase-2 call and returns the raw
	// response text (which may wrap its JSON in a fenced code block).
	GenerateCards(ctx context.Context, prompt string) (string, error)

	// StreamCards performs the streaming Phase-2 call, invoking onToken for
	// every received token, and returns the concatenated full text.
	// Cancelling ctx aborts the underlying stream.
	StreamCards(ctx context.Context, prompt string, onToken func(token string)) (string, error)
}
