package cloud

import (
	"context"
	"errors"
	"log/slog"
)

// ErrNotConfigured is returned by the stub when no model API key is set.
// Capture, segmentation, and encoding still run; analysis fails with this
// until a key is provided, and failed batches can be re-analyzed then.
var ErrNotConfigured = errors.New("model API key not configured")

type StubClient struct {
	logger *slog.Logger
}

func NewStubClient(logger *slog.Logger) *StubClient {
	return &StubClient{logger: logger}
}

func (s *StubClient) Transcribe(ctx context.Context, video []byte, mimeType string, hint TranscribeHint) ([]Segment, error) {
	s.logger.Warn("transcription requested without model configuration")
	return nil, ErrNotConfigured
}

func (s *StubClient) GenerateCards(ctx context.Context, prompt string) (string, error) {
	return "", ErrNotConfigured
}

func (s *StubClient) StreamCards(ctx context.Context, prompt string, onToken func(string)) (string, error) {
	return "", ErrNotConfigured
}
