package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/retrace/retrace-agent/internal/cloud"
	"github.com/retrace/retrace-agent/internal/journal"
	"github.com/retrace/retrace-agent/internal/logging"
)

func setupScheduler(t *testing.T, model *fakeModel) (*Scheduler, journal.Repository) {
	t.Helper()

	p, repo, _ := setupPipeline(t, &fakeEncoder{}, model)
	seg := journal.NewSegmenter(repo, func() journal.SegmenterConfig {
		return journal.SegmenterConfig{
			Target:       15 * time.Minute,
			MaxGap:       2 * time.Minute,
			Min:          5 * time.Minute,
			BacklogLimit: 1000,
		}
	}, logging.Discard())
	return NewScheduler(seg, p, repo, time.Minute, logging.Discard()), repo
}

func seedUnassigned(t *testing.T, repo journal.Repository, startTs int64, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		img := &journal.CapturedImage{
			ID:         journal.NewID(),
			FilePath:   fmt.Sprintf("/shots/loose-%d-%d.png", startTs, i),
			CapturedAt: startTs + int64(i*10),
			ByteSize:   1024,
			CreatedAt:  time.Now(),
		}
		if err := repo.InsertImage(context.Background(), img); err != nil {
			t.Fatal(err)
		}
	}
}

func TestTickSegmentsAndProcesses(t *testing.T) {
	model := &fakeModel{
		segments:   []cloud.Segment{{RelativeStart: 0, RelativeEnd: 30, Description: "x"}},
		streamText: cardJSON(1700000000, 1700000300, "Ticked"),
	}
	sched, repo := setupScheduler(t, model)
	ctx := context.Background()

	// an hour-old finished session: 90 shots 10s apart
	startTs := time.Now().Add(-time.Hour).Unix()
	seedUnassigned(t, repo, startTs, 90)

	sched.tick(ctx)

	completed, err := repo.ListBatchesByStatus(ctx, journal.BatchStatusCompleted, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(completed) != 1 {
		t.Fatalf("completed batches = %d, want 1", len(completed))
	}

	cards, _ := repo.CardsByBatch(ctx, completed[0].ID)
	if len(cards) != 1 {
		t.Errorf("cards = %d, want 1", len(cards))
	}
}

func TestTickSkipsWhenPaused(t *testing.T) {
	sched, repo := setupScheduler(t, &fakeModel{})
	ctx := context.Background()

	seedUnassigned(t, repo, time.Now().Add(-time.Hour).Unix(), 90)

	sched.Pause()
	if !sched.Paused() {
		t.Fatal("Paused() = false after Pause")
	}
	sched.tick(ctx)

	images, err := repo.UnassignedImages(ctx, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 90 {
		t.Errorf("paused tick claimed images: %d unassigned, want 90", len(images))
	}

	sched.Resume()
	if sched.Paused() {
		t.Fatal("Paused() = true after Resume")
	}
}

func TestTickLeavesFailedBatchesAlone(t *testing.T) {
	model := &fakeModel{transcribeErr: fmt.Errorf("model down")}
	sched, repo := setupScheduler(t, model)
	ctx := context.Background()

	seedUnassigned(t, repo, time.Now().Add(-time.Hour).Unix(), 90)

	sched.tick(ctx)
	failed, _ := repo.ListBatchesByStatus(ctx, journal.BatchStatusFailed, 10)
	if len(failed) != 1 {
		t.Fatalf("failed batches = %d, want 1", len(failed))
	}

	// next tick must not retry the failed batch
	model.transcribeErr = nil
	model.segments = []cloud.Segment{{RelativeStart: 0, RelativeEnd: 10, Description: "x"}}
	model.streamText = cardJSON(1700000000, 1700000100, "Retry")
	sched.tick(ctx)

	got, _ := repo.GetBatch(ctx, failed[0].ID)
	if got.Status != journal.BatchStatusFailed {
		t.Errorf("failed batch was retried automatically: status = %q", got.Status)
	}
}
