// Package capture ingests screenshots from the capture directory into the
// journal. Screenshots are produced by an external capture tool (or dropped
// in by hand); this package only discovers and registers them.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/retrace/retrace-agent/internal/journal"
	"github.com/retrace/retrace-agent/internal/logging"
)

// settleWindow keeps half-written files out of the journal: a file modified
// more recently than this is picked up on a later pass.
const settleWindow = 2 * time.Second

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

func IsImageFile(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// Ingestor polls a directory and registers new screenshots. The file's
// modification time becomes the capture timestamp.
type Ingestor struct {
	repo     journal.Repository
	dir      func() string
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewIngestor(repo journal.Repository, dir func() string, interval time.Duration, logger *slog.Logger) *Ingestor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Ingestor{
		repo:     repo,
		dir:      dir,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Start blocks until ctx is cancelled, scanning once per interval.
func (in *Ingestor) Start(ctx context.Context) {
	in.logger.Info("ingestor started",
		slog.String("dir", logging.SanitizePath(in.dir())),
		slog.Duration("interval", in.interval))

	ticker := time.NewTicker(in.interval)
	defer ticker.Stop()

	in.scanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			in.logger.Info("ingestor stopped")
			return
		case <-ticker.C:
			in.scanOnce(ctx)
		}
	}
}

func (in *Ingestor) scanOnce(ctx context.Context) {
	n, err := in.Scan(ctx)
	if err != nil {
		in.logger.Error("capture scan failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		in.logger.Info("ingested screenshots", slog.Int("count", n))
	}
}

// Scan walks the capture directory once and returns how many new images were
// registered. Unreadable files are skipped with a warning.
func (in *Ingestor) Scan(ctx context.Context) (int, error) {
	dir := in.dir()
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return 0, nil
	}

	cutoff := in.now().Add(-settleWindow)
	added := 0

	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsImageFile(d.Name()) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ok, err := in.ingestFile(ctx, p, cutoff)
		if err != nil {
			in.logger.Warn("cannot ingest screenshot",
				slog.String("path", logging.SanitizePath(p)), slog.String("error", err.Error()))
			return nil
		}
		if ok {
			added++
		}
		return nil
	})
	if err != nil {
		return added, fmt.Errorf("walk %s: %w", dir, err)
	}
	return added, nil
}

func (in *Ingestor) ingestFile(ctx context.Context, path string, cutoff time.Time) (bool, error) {
	known, err := in.repo.HasImagePath(ctx, path)
	if err != nil || known {
		return false, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if info.ModTime().After(cutoff) {
		return false, nil
	}

	img := &journal.CapturedImage{
		ID:         journal.NewID(),
		FilePath:   path,
		CapturedAt: info.ModTime().Unix(),
		ByteSize:   info.Size(),
		CreatedAt:  in.now(),
	}
	return true, in.repo.InsertImage(ctx, img)
}
