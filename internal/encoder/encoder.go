// Package encoder turns an ordered list of timestamped screenshots into a
// single time-lapse video via an ffmpeg subprocess, returning the frame
// index to real-timestamp table that bridges video-relative seconds back to
// wall-clock time.
package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	_ "image/jpeg"
	_ "image/png"
)

const maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics

var (
	// ErrNoFrames means no usable frame survived sampling and loading.
	ErrNoFrames = errors.New("no frames to encode")
	// ErrBackend wraps ffmpeg startup or exit failures.
	ErrBackend = errors.New("encoding backend failure")
)

// LoadError reports a single frame that could not be read or decoded.
// These are tolerated: the frame is skipped, not fatal.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("cannot load image %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Frame pairs a screenshot file with the real time it was captured.
type Frame struct {
	Path      string
	Timestamp int64 // epoch seconds
}

type Options struct {
	FrameRate    int // frames per video second
	MaxDimension int // longer output axis is scaled down to this
	BitrateKbps  int
	FrameStride  int // keep every Nth source image
}

// Result carries the encoded artifact path and the authoritative mapping
// FrameTimestamps[i] = real timestamp of the i-th sampled source image.
type Result struct {
	VideoPath       string
	FrameTimestamps []int64
}

type Encoder interface {
	Encode(ctx context.Context, frames []Frame, outPath string, opts Options) (*Result, error)
}

// FFmpegEncoder pipes still images into an ffmpeg subprocess. Encoding runs
// in the subprocess; the caller's goroutine blocks only on pipe
// backpressure while feeding frames.
type FFmpegEncoder struct {
	ffmpeg  string
	timeout time.Duration
	logger  *slog.Logger
}

func NewFFmpegEncoder(logger *slog.Logger) (*FFmpegEncoder, error) {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("cannot locate ffmpeg on PATH: %w", err)
	}
	return &FFmpegEncoder{
		ffmpeg:  path,
		timeout: 10 * time.Minute,
		logger:  logger,
	}, nil
}

func (e *FFmpegEncoder) Encode(ctx context.Context, frames []Frame, outPath string, opts Options) (*Result, error) {
	sampled := SampleFrames(frames, opts.FrameStride)
	if len(sampled) == 0 {
		return nil, ErrNoFrames
	}

	loaded, timestamps := e.loadFrames(sampled)
	if len(loaded) == 0 {
		return nil, fmt.Errorf("%w: all %d sampled frames failed to load", ErrNoFrames, len(sampled))
	}

	w, h := FitDimensions(loaded[0].width, loaded[0].height, opts.MaxDimension)

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create output dir: %v", ErrBackend, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := []string{
		"-y",
		"-f", "image2pipe",
		"-framerate", fmt.Sprintf("%d", opts.FrameRate),
		"-i", "pipe:0",
		"-vf", fmt.Sprintf("scale=%d:%d", w, h),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-b:v", fmt.Sprintf("%dk", opts.BitrateKbps),
		"-movflags", "+faststart",
		outPath,
	}
	cmd := exec.CommandContext(ctx, e.ffmpeg, args...)

	var stderrBuf bytes.Buffer
	cmd.Stderr = io.Writer(&limitedWriter{w: &stderrBuf, limit: maxStderrBytes})
	cmd.Stdout = io.Discard

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	if e.logger != nil {
		e.logger.Info("encoding batch video",
			"frames", len(loaded),
			"dimensions", fmt.Sprintf("%dx%d", w, h),
			"frame_rate", opts.FrameRate,
			"output", outPath,
		)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: cannot start ffmpeg: %v", ErrBackend, err)
	}

	// Feed frames sequentially; writes block when ffmpeg is not ready for
	// more data, which is the encoder's pacing mechanism.
	writeErr := func() error {
		defer stdin.Close()
		for _, f := range loaded {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if _, err := stdin.Write(f.data); err != nil {
				return err
			}
		}
		return nil
	}()

	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg exited: %v: %s", ErrBackend, err, stderrBuf.String())
	}
	if writeErr != nil {
		return nil, fmt.Errorf("%w: writing frames: %v", ErrBackend, writeErr)
	}

	if e.logger != nil {
		e.logger.Info("encode complete",
			"output", outPath,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	return &Result{VideoPath: outPath, FrameTimestamps: timestamps}, nil
}

type loadedFrame struct {
	data   []byte
	width  int
	height int
}

// loadFrames reads and validates each sampled frame. Unreadable or
// undecodable frames are skipped with a warning; timestamps track only the
// frames actually fed to the encoder so the table stays aligned.
func (e *FFmpegEncoder) loadFrames(sampled []Frame) ([]loadedFrame, []int64) {
	loaded := make([]loadedFrame, 0, len(sampled))
	timestamps := make([]int64, 0, len(sampled))

	for _, f := range sampled {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			e.warnLoad(&LoadError{Path: f.Path, Err: err})
			continue
		}
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			e.warnLoad(&LoadError{Path: f.Path, Err: err})
			continue
		}
		loaded = append(loaded, loadedFrame{data: data, width: cfg.Width, height: cfg.Height})
		timestamps = append(timestamps, f.Timestamp)
	}
	return loaded, timestamps
}

func (e *FFmpegEncoder) warnLoad(lerr *LoadError) {
	if e.logger != nil {
		e.logger.Warn("skipping frame", "path", lerr.Path, "error", lerr.Err)
	}
}

// SampleFrames keeps every strideth frame, starting with the first.
func SampleFrames(frames []Frame, stride int) []Frame {
	if stride <= 1 {
		return frames
	}
	sampled := make([]Frame, 0, (len(frames)+stride-1)/stride)
	for i := 0; i < len(frames); i += stride {
		sampled = append(sampled, frames[i])
	}
	return sampled
}

// FitDimensions scales (w, h) down so the longer axis is at most maxDim,
// then forces both axes even as common codecs require. Never upscales.
func FitDimensions(w, h, maxDim int) (int, int) {
	if w <= 0 || h <= 0 {
		return 2, 2
	}

	longer := w
	if h > longer {
		longer = h
	}
	if maxDim > 0 && longer > maxDim {
		scale := float64(maxDim) / float64(longer)
		w = int(float64(w) * scale)
		h = int(float64(h) * scale)
	}

	w -= w % 2
	h -= h % 2
	if w < 2 {
		w = 2
	}
	if h < 2 {
		h = 2
	}
	return w, h
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}
