package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/retrace/retrace-agent/internal/cloud"
	"github.com/retrace/retrace-agent/internal/db"
	"github.com/retrace/retrace-agent/internal/encoder"
	"github.com/retrace/retrace-agent/internal/journal"
	"github.com/retrace/retrace-agent/internal/logging"
)

// fakeEncoder writes a small placeholder file so the analysis phase has
// something to read back.
type fakeEncoder struct {
	err   error
	calls int
}

func (e *fakeEncoder) Encode(ctx context.Context, frames []encoder.Frame, outPath string, opts encoder.Options) (*encoder.Result, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(outPath, []byte("encoded video"), 0644); err != nil {
		return nil, err
	}
	sampled := encoder.SampleFrames(frames, opts.FrameStride)
	timestamps := make([]int64, len(sampled))
	for i, f := range sampled {
		timestamps[i] = f.Timestamp
	}
	return &encoder.Result{VideoPath: outPath, FrameTimestamps: timestamps}, nil
}

type fakeModel struct {
	segments      []cloud.Segment
	transcribeErr error

	streamText string
	streamErr  error
	streaming  chan struct{} // if set, StreamCards blocks until closed

	generateText string
	generateErr  error

	generateCalls int
}

func (m *fakeModel) Transcribe(ctx context.Context, video []byte, mimeType string, hint cloud.TranscribeHint) ([]cloud.Segment, error) {
	if m.transcribeErr != nil {
		return nil, m.transcribeErr
	}
	return m.segments, nil
}

func (m *fakeModel) GenerateCards(ctx context.Context, prompt string) (string, error) {
	m.generateCalls++
	if m.generateErr != nil {
		return "", m.generateErr
	}
	return m.generateText, nil
}

func (m *fakeModel) StreamCards(ctx context.Context, prompt string, onToken func(string)) (string, error) {
	if m.streaming != nil {
		<-m.streaming
	}
	if m.streamErr != nil {
		return "", m.streamErr
	}
	for _, tok := range strings.SplitAfter(m.streamText, " ") {
		onToken(tok)
	}
	return m.streamText, nil
}

func setupPipeline(t *testing.T, enc encoder.Encoder, model cloud.ModelClient) (*Pipeline, journal.Repository, *Bus) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	repo := journal.NewRepository(database.Conn())
	bus := NewBus()
	cfg := func() Config {
		return Config{
			VideosDir:    t.TempDir(),
			FrameRate:    1,
			MaxDimension: 1280,
			BitrateKbps:  1200,
			FrameStride:  1,
		}
	}
	return New(repo, enc, model, bus, cfg, logging.Discard()), repo, bus
}

// seedBatch creates a pending batch with count claimed images spaced 10s
// apart starting at startTs.
func seedBatch(t *testing.T, repo journal.Repository, startTs int64, count int) *journal.Batch {
	t.Helper()
	ctx := context.Background()

	batch := &journal.Batch{
		ID:              journal.NewID(),
		StartTs:         startTs,
		EndTs:           startTs + int64((count-1)*10),
		Status:          journal.BatchStatusPending,
		ScreenshotCount: count,
		CreatedAt:       time.Now(),
	}
	if err := repo.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("create batch: %v", err)
	}

	var ids []string
	for i := 0; i < count; i++ {
		img := &journal.CapturedImage{
			ID:         journal.NewID(),
			FilePath:   fmt.Sprintf("/shots/%s-%d.png", batch.ID, i),
			CapturedAt: startTs + int64(i*10),
			ByteSize:   1024,
			CreatedAt:  time.Now(),
		}
		if err := repo.InsertImage(ctx, img); err != nil {
			t.Fatalf("insert image: %v", err)
		}
		ids = append(ids, img.ID)
	}
	if err := repo.ClaimImages(ctx, batch.ID, ids); err != nil {
		t.Fatalf("claim images: %v", err)
	}
	return batch
}

func cardJSON(startTs, endTs int64, title string) string {
	return fmt.Sprintf(`[{"startTs": %d, "endTs": %d, "category": "coding", "title": %q, "summary": "working"}]`,
		startTs, endTs, title)
}

func TestRunProducesCards(t *testing.T) {
	model := &fakeModel{
		segments: []cloud.Segment{
			{RelativeStart: 0, RelativeEnd: 30, Description: "editing code"},
		},
		streamText: cardJSON(1700000000, 1700000300, "Working on parser"),
	}
	enc := &fakeEncoder{}
	p, repo, bus := setupPipeline(t, enc, model)

	events, cancel := bus.Subscribe(256)
	defer cancel()

	batch := seedBatch(t, repo, 1700000000, 90)
	ctx := context.Background()

	if err := p.Run(ctx, batch.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got, err := repo.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != journal.BatchStatusCompleted {
		t.Errorf("status = %q, want completed (error: %q)", got.Status, got.ErrorMessage)
	}
	if got.VideoPath == "" {
		t.Error("video path not recorded")
	}

	cards, err := repo.CardsByBatch(ctx, batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(cards) != 1 {
		t.Fatalf("got %d cards, want 1", len(cards))
	}
	if cards[0].Title != "Working on parser" {
		t.Errorf("title = %q", cards[0].Title)
	}
	if want := journal.DisplayClock(1700000000); cards[0].StartTime != want {
		t.Errorf("start time = %q, want locally formatted %q", cards[0].StartTime, want)
	}

	var tokens, completed int
	drainEvents(events, func(e Event) {
		switch e.Kind {
		case EventStreamToken:
			tokens++
		case EventCompleted:
			completed++
			if e.CardCount != 1 {
				t.Errorf("completed card count = %d", e.CardCount)
			}
		}
	})
	if tokens == 0 {
		t.Error("no stream token events published")
	}
	if completed != 1 {
		t.Errorf("completed events = %d, want 1", completed)
	}
}

func TestRunFallsBackWhenStreamingFails(t *testing.T) {
	model := &fakeModel{
		segments:     []cloud.Segment{{RelativeStart: 0, RelativeEnd: 10, Description: "browsing"}},
		streamErr:    errors.New("stream cut short"),
		generateText: cardJSON(1700000000, 1700000100, "Reading docs"),
	}
	p, repo, _ := setupPipeline(t, &fakeEncoder{}, model)

	batch := seedBatch(t, repo, 1700000000, 30)
	ctx := context.Background()

	if err := p.Run(ctx, batch.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if model.generateCalls != 1 {
		t.Errorf("non-streaming fallback called %d times, want 1", model.generateCalls)
	}

	cards, _ := repo.CardsByBatch(ctx, batch.ID)
	if len(cards) != 1 || cards[0].Title != "Reading docs" {
		t.Errorf("fallback cards = %+v", cards)
	}
}

func TestRunFailsWhenBothPhaseTwoAttemptsFail(t *testing.T) {
	model := &fakeModel{
		segments:    []cloud.Segment{{RelativeStart: 0, RelativeEnd: 10, Description: "x"}},
		streamErr:   errors.New("stream cut short"),
		generateErr: errors.New("service unavailable"),
	}
	p, repo, _ := setupPipeline(t, &fakeEncoder{}, model)

	batch := seedBatch(t, repo, 1700000000, 30)
	ctx := context.Background()

	err := p.Run(ctx, batch.ID)
	if err == nil {
		t.Fatal("expected error")
	}

	got, _ := repo.GetBatch(ctx, batch.ID)
	if got.Status != journal.BatchStatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	for _, want := range []string{"streaming and non-streaming", "stream cut short", "service unavailable"} {
		if !strings.Contains(got.ErrorMessage, want) {
			t.Errorf("error message %q missing %q", got.ErrorMessage, want)
		}
	}
}

func TestRunFailsOnTranscriptionError(t *testing.T) {
	model := &fakeModel{transcribeErr: errors.New("model rejected video")}
	p, repo, _ := setupPipeline(t, &fakeEncoder{}, model)

	batch := seedBatch(t, repo, 1700000000, 30)
	if err := p.Run(context.Background(), batch.ID); err == nil {
		t.Fatal("expected error")
	}

	got, _ := repo.GetBatch(context.Background(), batch.ID)
	if !strings.HasPrefix(got.ErrorMessage, "transcription failed") {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
	// the encoded video survives the failure for later re-analysis
	if got.VideoPath == "" {
		t.Error("video path should be recorded before analysis")
	}
}

func TestRunRecoversWhenStreamedTextIsNotJSON(t *testing.T) {
	model := &fakeModel{
		segments:     []cloud.Segment{{RelativeStart: 0, RelativeEnd: 10, Description: "x"}},
		streamText:   "Sure! Here are your activity cards for the session.",
		generateText: cardJSON(1700000000, 1700000100, "Reviewing mail"),
	}
	p, repo, _ := setupPipeline(t, &fakeEncoder{}, model)

	batch := seedBatch(t, repo, 1700000000, 30)
	ctx := context.Background()
	if err := p.Run(ctx, batch.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if model.generateCalls != 1 {
		t.Errorf("non-streaming fallback called %d times, want 1", model.generateCalls)
	}
	got, _ := repo.GetBatch(ctx, batch.ID)
	if got.Status != journal.BatchStatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	cards, err := repo.CardsByBatch(ctx, batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(cards) != 1 || cards[0].Title != "Reviewing mail" {
		t.Errorf("cards = %+v, want one card from the blocking call", cards)
	}
}

func TestRunFailsOnUnparseableCardJSON(t *testing.T) {
	model := &fakeModel{
		segments:     []cloud.Segment{{RelativeStart: 0, RelativeEnd: 10, Description: "x"}},
		streamText:   "Sure! Here are your activity cards for the session.",
		generateText: "Apologies, I cannot produce JSON right now.",
	}
	p, repo, _ := setupPipeline(t, &fakeEncoder{}, model)

	batch := seedBatch(t, repo, 1700000000, 30)
	if err := p.Run(context.Background(), batch.ID); err == nil {
		t.Fatal("expected error")
	}

	if model.generateCalls != 1 {
		t.Errorf("non-streaming fallback called %d times, want 1", model.generateCalls)
	}
	got, _ := repo.GetBatch(context.Background(), batch.ID)
	if got.Status != journal.BatchStatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	for _, want := range []string{"streaming and non-streaming", "card JSON parse failed"} {
		if !strings.Contains(got.ErrorMessage, want) {
			t.Errorf("error message %q missing %q", got.ErrorMessage, want)
		}
	}
}

func TestRunDropsMalformedCards(t *testing.T) {
	model := &fakeModel{
		segments: []cloud.Segment{{RelativeStart: 0, RelativeEnd: 10, Description: "x"}},
		streamText: `[
			{"startTs": 1700000000, "endTs": 1700000100, "category": "coding", "title": "Kept"},
			{"startTs": 1700000100, "endTs": 1700000200, "category": "coding"},
			{"endTs": 1700000300, "category": "writing", "title": "No start"},
			{"startTs": 1700000400, "endTs": 1700000300, "category": "media", "title": "Reversed"}
		]`,
	}
	p, repo, _ := setupPipeline(t, &fakeEncoder{}, model)

	batch := seedBatch(t, repo, 1700000000, 30)
	if err := p.Run(context.Background(), batch.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	cards, _ := repo.CardsByBatch(context.Background(), batch.ID)
	if len(cards) != 1 || cards[0].Title != "Kept" {
		t.Errorf("cards = %+v, want only the well-formed one", cards)
	}
}

func TestRunRejectsConcurrentBatch(t *testing.T) {
	gate := make(chan struct{})
	model := &fakeModel{
		segments:   []cloud.Segment{{RelativeStart: 0, RelativeEnd: 10, Description: "x"}},
		streamText: cardJSON(1700000000, 1700000100, "Slow"),
		streaming:  gate,
	}
	p, repo, _ := setupPipeline(t, &fakeEncoder{}, model)

	first := seedBatch(t, repo, 1700000000, 30)
	second := seedBatch(t, repo, 1700010000, 30)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), first.ID) }()

	// wait for the first run to occupy the pipeline
	deadline := time.After(5 * time.Second)
	for {
		if st := p.State(); st.Running && st.BatchID == first.ID {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first run never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := p.Run(context.Background(), second.ID); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent run error = %v, want ErrBusy", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	if st := p.State(); st.Running {
		t.Error("pipeline still reports running after completion")
	}

	// the second batch was rejected, not queued
	got, _ := repo.GetBatch(context.Background(), second.ID)
	if got.Status != journal.BatchStatusPending {
		t.Errorf("second batch status = %q, want pending", got.Status)
	}
}

func TestReanalyzeReplacesCards(t *testing.T) {
	model := &fakeModel{
		segments:   []cloud.Segment{{RelativeStart: 0, RelativeEnd: 30, Description: "x"}},
		streamText: cardJSON(1700000000, 1700000300, "First pass"),
	}
	enc := &fakeEncoder{}
	p, repo, _ := setupPipeline(t, enc, model)

	batch := seedBatch(t, repo, 1700000000, 90)
	ctx := context.Background()

	if err := p.Run(ctx, batch.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	model.streamText = cardJSON(1700000000, 1700000300, "Second pass")
	if err := p.Reanalyze(ctx, batch.ID); err != nil {
		t.Fatalf("reanalyze failed: %v", err)
	}

	if enc.calls != 1 {
		t.Errorf("encoder called %d times, want 1 (re-analysis reuses the video)", enc.calls)
	}

	cards, _ := repo.CardsByBatch(ctx, batch.ID)
	if len(cards) != 1 || cards[0].Title != "Second pass" {
		t.Errorf("cards after reanalysis = %+v", cards)
	}

	got, _ := repo.GetBatch(ctx, batch.ID)
	if got.Status != journal.BatchStatusCompleted {
		t.Errorf("status = %q", got.Status)
	}
}

func TestReanalyzeRequiresVideo(t *testing.T) {
	p, repo, _ := setupPipeline(t, &fakeEncoder{}, &fakeModel{})

	batch := seedBatch(t, repo, 1700000000, 30)
	err := p.Reanalyze(context.Background(), batch.ID)
	if err == nil || !strings.Contains(err.Error(), "no encoded video") {
		t.Errorf("err = %v", err)
	}
}

func TestReanalyzeFailsWhenVideoMissing(t *testing.T) {
	model := &fakeModel{}
	p, repo, _ := setupPipeline(t, &fakeEncoder{}, model)

	batch := seedBatch(t, repo, 1700000000, 30)
	ctx := context.Background()
	if err := repo.SetBatchVideoPath(ctx, batch.ID, "/videos/gone.mp4"); err != nil {
		t.Fatal(err)
	}

	if err := p.Reanalyze(ctx, batch.ID); err == nil {
		t.Fatal("expected error")
	}

	got, _ := repo.GetBatch(ctx, batch.ID)
	if !strings.HasPrefix(got.ErrorMessage, "cannot read video") {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
}

func TestFrameTableSyntheticFallback(t *testing.T) {
	p, repo, _ := setupPipeline(t, &fakeEncoder{}, &fakeModel{})

	// batch with a recorded count but no surviving image rows
	batch := &journal.Batch{
		ID:              journal.NewID(),
		StartTs:         1700000000,
		EndTs:           1700000900,
		Status:          journal.BatchStatusCompleted,
		ScreenshotCount: 10,
		CreatedAt:       time.Now(),
	}
	if err := repo.CreateBatch(context.Background(), batch); err != nil {
		t.Fatal(err)
	}

	table, err := p.frameTable(context.Background(), batch, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(table) != 10 {
		t.Fatalf("table length = %d, want 10", len(table))
	}
	if table[0] != batch.StartTs || table[len(table)-1] != batch.EndTs {
		t.Errorf("table endpoints = %d..%d, want %d..%d",
			table[0], table[len(table)-1], batch.StartTs, batch.EndTs)
	}
	for i := 1; i < len(table); i++ {
		if table[i] < table[i-1] {
			t.Errorf("table not monotonic at %d: %d < %d", i, table[i], table[i-1])
		}
	}
}

func drainEvents(ch <-chan Event, fn func(Event)) {
	for {
		select {
		case e := <-ch:
			fn(e)
		default:
			return
		}
	}
}
