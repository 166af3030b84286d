package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/retrace/retrace-agent/internal/journal"
)

// Scheduler ticks the background loop: run a segmentation pass, then hand
// the oldest pending batch to the pipeline. Failed batches are left alone
// until a manual re-analysis request.
type Scheduler struct {
	segmenter *journal.Segmenter
	pipeline  *Pipeline
	repo      journal.Repository
	interval  time.Duration
	logger    *slog.Logger
	paused    atomic.Bool
}

func NewScheduler(segmenter *journal.Segmenter, pipeline *Pipeline, repo journal.Repository, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		segmenter: segmenter,
		pipeline:  pipeline,
		repo:      repo,
		interval:  interval,
		logger:    logger,
	}
}

// Pause stops new work from starting. A batch already in flight finishes.
func (s *Scheduler) Pause()       { s.paused.Store(true) }
func (s *Scheduler) Resume()      { s.paused.Store(false) }
func (s *Scheduler) Paused() bool { return s.paused.Load() }

// Start blocks until ctx is cancelled, running one pass immediately and then
// one per interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.paused.Load() {
		return
	}

	if _, err := s.segmenter.Run(ctx); err != nil {
		s.logger.Error("segmentation pass failed", slog.String("error", err.Error()))
	}

	pending, err := s.repo.ListBatchesByStatus(ctx, journal.BatchStatusPending, 1)
	if err != nil {
		s.logger.Error("cannot list pending batches", slog.String("error", err.Error()))
		return
	}
	if len(pending) == 0 {
		return
	}

	if err := s.pipeline.Run(ctx, pending[0].ID); err != nil {
		if errors.Is(err, ErrBusy) {
			return
		}
		s.logger.Error("batch processing failed",
			slog.String("batch_id", pending[0].ID),
			slog.String("error", err.Error()))
	}
}
