package playback

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/retrace/retrace-agent/internal/journal"
)

// Server streams a batch's encoded time-lapse video. Videos are always mp4;
// the encoder produces nothing else.
type Server struct {
	logger *slog.Logger
}

func NewServer(logger *slog.Logger) *Server {
	return &Server{logger: logger}
}

// ServeBatchVideo writes the batch's video, honoring a Range header. A batch
// without an encoded video (never processed, or encode failed) is a 404.
func (s *Server) ServeBatchVideo(w http.ResponseWriter, r *http.Request, batch *journal.Batch) error {
	if batch.VideoPath == "" {
		http.Error(w, "batch has no video", http.StatusNotFound)
		return nil
	}

	file, err := os.Open(batch.VideoPath)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("batch video missing on disk",
				slog.String("batch_id", batch.ID), slog.String("path", batch.VideoPath))
			http.Error(w, "video file not found", http.StatusNotFound)
			return nil
		}
		return fmt.Errorf("open video: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat video: %w", err)
	}
	size := stat.Size()

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", "video/mp4")

	br, err := ParseRange(r.Header.Get("Range"), size)
	if err == ErrUnsatisfiable {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	}
	if err == ErrInvalidRange {
		// malformed header: fall through and serve the whole file
		br = nil
	} else if err != nil {
		return err
	}

	if br == nil {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
		w.WriteHeader(http.StatusOK)
		io.Copy(w, file)
		return nil
	}

	w.Header().Set("Content-Length", fmt.Sprintf("%d", br.Length()))
	w.Header().Set("Content-Range", br.ContentRange(size))
	w.WriteHeader(http.StatusPartialContent)

	if _, err := file.Seek(br.Start, io.SeekStart); err != nil {
		return fmt.Errorf("seek video: %w", err)
	}
	io.CopyN(w, file, br.Length())
	return nil
}
