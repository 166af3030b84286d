// Package pipeline drives a batch from claimed screenshots to persisted
// activity cards: encode, transcribe, remap, generate cards, save. Exactly
// one batch is processed at a time; concurrent triggers are rejected, not
// queued.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/retrace/retrace-agent/internal/cloud"
	"github.com/retrace/retrace-agent/internal/encoder"
	"github.com/retrace/retrace-agent/internal/journal"
	"github.com/retrace/retrace-agent/internal/logging"
)

// ErrBusy is returned when a run is requested while another batch is in
// flight. Callers retry later; the pipeline holds no queue.
var ErrBusy = errors.New("another batch is already being processed")

// Config carries the encoding knobs. It is read once per run so runtime
// configuration changes apply to the next batch, not the current one.
type Config struct {
	VideosDir    string
	FrameRate    int
	MaxDimension int
	BitrateKbps  int
	FrameStride  int
}

// State reports what the pipeline is doing right now.
type State struct {
	Running bool   `json:"running"`
	BatchID string `json:"batch_id,omitempty"`
}

type Pipeline struct {
	repo   journal.Repository
	enc    encoder.Encoder
	model  cloud.ModelClient
	bus    *Bus
	cfg    func() Config
	logger *slog.Logger

	mu    sync.Mutex
	state State
}

func New(repo journal.Repository, enc encoder.Encoder, model cloud.ModelClient, bus *Bus, cfg func() Config, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		repo:   repo,
		enc:    enc,
		model:  model,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
	}
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) acquire(batchID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Running {
		return ErrBusy
	}
	p.state = State{Running: true, BatchID: batchID}
	return nil
}

func (p *Pipeline) release() {
	p.mu.Lock()
	p.state = State{}
	p.mu.Unlock()
}

// Run processes one pending batch end to end. On any step failure the batch
// is marked failed with a step-specific message and the error is returned.
func (p *Pipeline) Run(ctx context.Context, batchID string) error {
	if err := p.acquire(batchID); err != nil {
		return err
	}
	defer p.release()

	log := logging.WithBatchID(p.logger, batchID)

	batch, err := p.repo.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}
	if batch == nil {
		return fmt.Errorf("batch %s not found", batchID)
	}

	if err := p.repo.UpdateBatchStatus(ctx, batchID, journal.BatchStatusProcessing, ""); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	images, err := p.repo.ImagesByBatch(ctx, batchID)
	if err != nil {
		return p.fail(ctx, log, batchID, fmt.Sprintf("load images: %v", err))
	}
	if len(images) == 0 {
		return p.fail(ctx, log, batchID, "batch has no claimed images")
	}

	cfg := p.cfg()
	frames := make([]encoder.Frame, len(images))
	for i, img := range images {
		frames[i] = encoder.Frame{Path: img.FilePath, Timestamp: img.CapturedAt}
	}

	p.bus.progress(batchID, fmt.Sprintf("encoding %d screenshots", len(frames)))
	log.Info("encoding batch", slog.Int("frames", len(frames)))

	outPath := filepath.Join(cfg.VideosDir, batchID+".mp4")
	res, err := p.enc.Encode(ctx, frames, outPath, encoder.Options{
		FrameRate:    cfg.FrameRate,
		MaxDimension: cfg.MaxDimension,
		BitrateKbps:  cfg.BitrateKbps,
		FrameStride:  cfg.FrameStride,
	})
	if err != nil {
		return p.fail(ctx, log, batchID, fmt.Sprintf("encode failed: %v", err))
	}

	// Persist the artifact before analysis so a later failure still leaves a
	// playable video and a path for re-analysis.
	if err := p.repo.SetBatchVideoPath(ctx, batchID, res.VideoPath); err != nil {
		return p.fail(ctx, log, batchID, fmt.Sprintf("record video path: %v", err))
	}
	batch.VideoPath = res.VideoPath

	return p.analyze(ctx, log, batch, res.FrameTimestamps, cfg.FrameRate)
}

// Reanalyze discards a batch's cards and reruns the analysis phases against
// the already-encoded video. The encode step is skipped; a batch that never
// produced a video cannot be re-analyzed.
func (p *Pipeline) Reanalyze(ctx context.Context, batchID string) error {
	if err := p.acquire(batchID); err != nil {
		return err
	}
	defer p.release()

	log := logging.WithBatchID(p.logger, batchID)

	batch, err := p.repo.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}
	if batch == nil {
		return fmt.Errorf("batch %s not found", batchID)
	}
	if batch.VideoPath == "" {
		return fmt.Errorf("batch %s has no encoded video", batchID)
	}

	if err := p.repo.DeleteCardsByBatch(ctx, batchID); err != nil {
		return fmt.Errorf("clear cards: %w", err)
	}
	if err := p.repo.UpdateBatchStatus(ctx, batchID, journal.BatchStatusProcessing, ""); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	cfg := p.cfg()
	table, err := p.frameTable(ctx, batch, cfg.FrameStride)
	if err != nil {
		return p.fail(ctx, log, batchID, fmt.Sprintf("rebuild frame table: %v", err))
	}

	log.Info("re-analyzing batch", slog.Int("frames", len(table)))
	return p.analyze(ctx, log, batch, table, cfg.FrameRate)
}

// frameTable reconstructs the frame index to timestamp mapping for an
// existing video by replaying the sampling over the batch's claimed images.
// If the image rows are gone, timestamps are synthesized by spreading the
// recorded screenshot count uniformly across the batch span.
func (p *Pipeline) frameTable(ctx context.Context, batch *journal.Batch, stride int) ([]int64, error) {
	images, err := p.repo.ImagesByBatch(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	if len(images) > 0 {
		frames := make([]encoder.Frame, len(images))
		for i, img := range images {
			frames[i] = encoder.Frame{Path: img.FilePath, Timestamp: img.CapturedAt}
		}
		sampled := encoder.SampleFrames(frames, stride)
		table := make([]int64, len(sampled))
		for i, f := range sampled {
			table[i] = f.Timestamp
		}
		return table, nil
	}

	if stride <= 0 {
		stride = 1
	}
	n := batch.ScreenshotCount / stride
	if n < 1 {
		n = 1
	}
	table := make([]int64, n)
	if n == 1 {
		table[0] = batch.StartTs
		return table, nil
	}
	span := batch.EndTs - batch.StartTs
	for i := range table {
		table[i] = batch.StartTs + span*int64(i)/int64(n-1)
	}
	return table, nil
}

// analyze runs Phase 1 (transcription), remapping, and Phase 2 (card
// generation) against batch.VideoPath, then persists the resulting cards.
func (p *Pipeline) analyze(ctx context.Context, log *slog.Logger, batch *journal.Batch, table []int64, frameRate int) error {
	video, err := os.ReadFile(batch.VideoPath)
	if err != nil {
		return p.fail(ctx, log, batch.ID, fmt.Sprintf("cannot read video: %v", err))
	}

	p.bus.progress(batch.ID, "transcribing video")
	log.Info("transcribing video", slog.Int("bytes", len(video)))

	if frameRate <= 0 {
		frameRate = 1
	}
	hint := cloud.TranscribeHint{
		FrameCount:   len(table),
		VideoSeconds: (len(table) + frameRate - 1) / frameRate,
	}
	segments, err := p.model.Transcribe(ctx, video, "video/mp4", hint)
	if err != nil {
		return p.fail(ctx, log, batch.ID, fmt.Sprintf("transcription failed: %v", err))
	}

	segments = RemapSegments(segments, table, frameRate)

	priorJSON, err := p.priorCardsJSON(ctx, batch)
	if err != nil {
		log.Warn("cannot load prior cards for context", slog.String("error", err.Error()))
		priorJSON = "[]"
	}
	prompt := cloud.CardPrompt(cloud.FormatTranscript(segments), priorJSON)

	p.bus.progress(batch.ID, "generating activity cards")
	cards, err := p.generateWithFallback(ctx, log, batch.ID, prompt)
	if err != nil {
		return p.fail(ctx, log, batch.ID, err.Error())
	}

	if err := p.repo.SaveCards(ctx, cards); err != nil {
		return p.fail(ctx, log, batch.ID, fmt.Sprintf("save cards: %v", err))
	}
	if err := p.repo.UpdateBatchStatus(ctx, batch.ID, journal.BatchStatusCompleted, ""); err != nil {
		return p.fail(ctx, log, batch.ID, fmt.Sprintf("mark completed: %v", err))
	}

	log.Info("batch completed", slog.Int("cards", len(cards)))
	p.bus.Publish(Event{BatchID: batch.ID, Kind: EventCompleted, CardCount: len(cards)})
	return nil
}

// generateWithFallback tries the streaming card-generation call first and
// falls back to the blocking call when the stream fails, or when it succeeds
// but its text yields no parseable card array. Only when both attempts come
// up empty is the batch lost, with a message naming both errors.
func (p *Pipeline) generateWithFallback(ctx context.Context, log *slog.Logger, batchID, prompt string) ([]*journal.ActivityCard, error) {
	text, streamErr := p.model.StreamCards(ctx, prompt, func(token string) {
		p.bus.Publish(Event{BatchID: batchID, Kind: EventStreamToken, Token: token})
	})
	if streamErr == nil {
		p.bus.Publish(Event{BatchID: batchID, Kind: EventStreamDone, Text: text})
		cards, parseErr := p.parseCards(log, batchID, text)
		if parseErr == nil {
			return cards, nil
		}
		streamErr = fmt.Errorf("card JSON parse failed: %v", parseErr)
	}

	log.Warn("streaming card generation failed, retrying without streaming",
		slog.String("error", streamErr.Error()))
	p.bus.progress(batchID, "streaming failed, retrying without streaming")

	text, err := p.model.GenerateCards(ctx, prompt)
	if err == nil {
		cards, parseErr := p.parseCards(log, batchID, text)
		if parseErr == nil {
			return cards, nil
		}
		err = fmt.Errorf("card JSON parse failed: %v", parseErr)
	}
	return nil, fmt.Errorf("card generation failed after streaming and non-streaming attempts: %v; %v", streamErr, err)
}

// cardPayload is the shape the model is asked to produce. Timestamps are
// absolute epoch seconds because the transcript it works from already
// carries remapped times.
type cardPayload struct {
	StartTs         int64                 `json:"startTs"`
	EndTs           int64                 `json:"endTs"`
	Category        string                `json:"category"`
	Subcategory     string                `json:"subcategory"`
	Title           string                `json:"title"`
	Summary         string                `json:"summary"`
	DetailedSummary string                `json:"detailedSummary"`
	Distractions    []journal.Distraction `json:"distractions"`
	AppPrimary      string                `json:"appPrimary"`
	AppSecondary    string                `json:"appSecondary"`
	GoalAlignment   string                `json:"goalAlignment"`
}

// parseCards extracts the JSON card array from the model's raw response and
// builds persistable cards. Objects missing a required field are dropped
// with a warning; only unparseable JSON is fatal.
func (p *Pipeline) parseCards(log *slog.Logger, batchID, text string) ([]*journal.ActivityCard, error) {
	raw, err := cloud.ExtractJSON(text)
	if err != nil {
		return nil, err
	}

	var payloads []cardPayload
	if err := json.Unmarshal([]byte(raw), &payloads); err != nil {
		return nil, fmt.Errorf("not a card array: %w", err)
	}

	now := time.Now()
	cards := make([]*journal.ActivityCard, 0, len(payloads))
	for i, c := range payloads {
		if c.Title == "" || c.Category == "" || c.StartTs == 0 || c.EndTs == 0 || c.EndTs < c.StartTs {
			log.Warn("dropping malformed card",
				slog.Int("index", i), slog.String("title", c.Title))
			continue
		}

		distractions := ""
		if len(c.Distractions) > 0 {
			b, err := json.Marshal(c.Distractions)
			if err == nil {
				distractions = string(b)
			}
		}

		cards = append(cards, &journal.ActivityCard{
			ID:      journal.NewID(),
			BatchID: batchID,
			// display times are always computed locally, never taken from
			// the model, which does not know the local time zone
			StartTime:       journal.DisplayClock(c.StartTs),
			EndTime:         journal.DisplayClock(c.EndTs),
			StartTs:         c.StartTs,
			EndTs:           c.EndTs,
			Category:        c.Category,
			Subcategory:     c.Subcategory,
			Title:           c.Title,
			Summary:         c.Summary,
			DetailedSummary: c.DetailedSummary,
			Distractions:    distractions,
			AppPrimary:      c.AppPrimary,
			AppSecondary:    c.AppSecondary,
			GoalAlignment:   c.GoalAlignment,
			CreatedAt:       now,
		})
	}
	return cards, nil
}

// priorCardsJSON serializes the day's existing cards into the compact form
// the Phase-2 prompt expects as context for title continuity.
func (p *Pipeline) priorCardsJSON(ctx context.Context, batch *journal.Batch) (string, error) {
	prior, err := p.repo.CardsByDay(ctx, time.Unix(batch.StartTs, 0))
	if err != nil {
		return "", err
	}

	type priorCard struct {
		StartTime string `json:"startTime"`
		EndTime   string `json:"endTime"`
		Category  string `json:"category"`
		Title     string `json:"title"`
		Summary   string `json:"summary,omitempty"`
	}

	out := make([]priorCard, 0, len(prior))
	for _, c := range prior {
		if c.BatchID == batch.ID {
			continue
		}
		out = append(out, priorCard{
			StartTime: c.StartTime,
			EndTime:   c.EndTime,
			Category:  c.Category,
			Title:     c.Title,
			Summary:   c.Summary,
		})
	}

	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (p *Pipeline) fail(ctx context.Context, log *slog.Logger, batchID, msg string) error {
	log.Error("batch failed", slog.String("error", msg))
	if err := p.repo.UpdateBatchStatus(ctx, batchID, journal.BatchStatusFailed, msg); err != nil {
		log.Error("cannot record batch failure", slog.String("error", err.Error()))
	}
	p.bus.Publish(Event{BatchID: batchID, Kind: EventFailed, Message: msg})
	return errors.New(msg)
}
