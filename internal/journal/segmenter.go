package journal

import (
	"context"
	"log/slog"
	"time"
)

// SegmenterConfig carries the gap/duration heuristics. Values are re-read
// on every pass, so configuration changes apply between runs.
type SegmenterConfig struct {
	Target       time.Duration // close a group once it spans this long
	MaxGap       time.Duration // a larger gap between images splits groups
	Min          time.Duration // discard candidates shorter than this (clamped to Target/2)
	BacklogLimit int           // max unassigned images considered per pass
}

// Segmenter partitions the backlog of unassigned captured images into
// batches. It performs no network I/O and is not safe for concurrent use;
// the pipeline scheduler is its only caller and serializes access.
type Segmenter struct {
	repo   Repository
	cfg    func() SegmenterConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewSegmenter(repo Repository, cfg func() SegmenterConfig, logger *slog.Logger) *Segmenter {
	return &Segmenter{
		repo:   repo,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Run performs one segmentation pass and returns the batches it created.
// Images belonging to discarded candidates stay unassigned for future runs.
func (s *Segmenter) Run(ctx context.Context) ([]*Batch, error) {
	cfg := s.cfg()

	if cfg.Min > cfg.Target/2 && s.logger != nil {
		s.logger.Warn("minimum batch duration exceeds half the target; clamping",
			"min", cfg.Min, "target", cfg.Target)
	}

	images, err := s.repo.UnassignedImages(ctx, cfg.BacklogLimit)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, nil
	}

	candidates := groupByTime(images, s.now().Unix(), cfg)

	effectiveMin := cfg.Min
	if half := cfg.Target / 2; half < effectiveMin {
		effectiveMin = half
	}
	minSeconds := int64(effectiveMin / time.Second)

	var created []*Batch
	for _, group := range candidates {
		first, last := group[0], group[len(group)-1]
		duration := last.CapturedAt - first.CapturedAt
		if duration < minSeconds {
			if s.logger != nil {
				s.logger.Debug("discarding short candidate batch",
					"images", len(group), "duration_s", duration, "min_s", minSeconds)
			}
			continue
		}

		batch := &Batch{
			ID:              NewID(),
			StartTs:         first.CapturedAt,
			EndTs:           last.CapturedAt,
			Status:          BatchStatusPending,
			ScreenshotCount: len(group),
			CreatedAt:       s.now(),
		}
		if err := s.repo.CreateBatch(ctx, batch); err != nil {
			return created, err
		}

		ids := make([]string, len(group))
		for i, img := range group {
			ids[i] = img.ID
		}
		if err := s.repo.ClaimImages(ctx, batch.ID, ids); err != nil {
			return created, err
		}

		if s.logger != nil {
			s.logger.Info("batch created",
				"batch_id", batch.ID,
				"images", batch.ScreenshotCount,
				"start_ts", batch.StartTs,
				"end_ts", batch.EndTs,
			)
		}
		created = append(created, batch)
	}

	return created, nil
}

// groupByTime splits time-ordered images into candidate groups. A gap wider
// than MaxGap closes the current group; reaching Target closes it after
// appending. The trailing group is only closed once the session looks over
// (no image for MaxGap) or it already spans Target, so late-arriving images
// can still extend it on a later pass.
func groupByTime(images []*CapturedImage, nowTs int64, cfg SegmenterConfig) [][]*CapturedImage {
	maxGap := int64(cfg.MaxGap / time.Second)
	target := int64(cfg.Target / time.Second)

	var groups [][]*CapturedImage
	var current []*CapturedImage

	for _, img := range images {
		if len(current) == 0 {
			current = []*CapturedImage{img}
			continue
		}

		last := current[len(current)-1]
		if img.CapturedAt-last.CapturedAt > maxGap {
			groups = append(groups, current)
			current = []*CapturedImage{img}
			continue
		}

		current = append(current, img)
		if img.CapturedAt-current[0].CapturedAt >= target {
			groups = append(groups, current)
			current = nil
		}
	}

	if len(current) > 0 {
		sinceLast := nowTs - current[len(current)-1].CapturedAt
		duration := current[len(current)-1].CapturedAt - current[0].CapturedAt
		if sinceLast > maxGap || duration >= target {
			groups = append(groups, current)
		}
	}

	return groups
}
