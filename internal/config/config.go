// Package config provides configuration management for the Retrace Agent.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// Default values
	DefaultPort     = 8799
	DefaultLogLevel = "info"
	DefaultDataDir  = ".retrace"

	// Environment variable names
	EnvPort          = "RETRACE_PORT"
	EnvLogLevel      = "RETRACE_LOG_LEVEL"
	EnvDataDir       = "RETRACE_DATA_DIR"
	EnvScreenshotDir = "RETRACE_SCREENSHOT_DIR"
	EnvHeadless      = "RETRACE_HEADLESS"

	// Model service environment variable names
	EnvModelBaseURL = "RETRACE_MODEL_BASE_URL"
	EnvModelAPIKey  = "RETRACE_MODEL_API_KEY"
	EnvModelName    = "RETRACE_MODEL_NAME"

	// Batching environment variable names
	EnvBatchTargetSeconds = "RETRACE_BATCH_TARGET_SECONDS"
	EnvBatchMaxGapSeconds = "RETRACE_BATCH_MAX_GAP_SECONDS"
	EnvBatchMinSeconds    = "RETRACE_BATCH_MIN_SECONDS"

	// Encoder environment variable names
	EnvFrameRate    = "RETRACE_FRAME_RATE"
	EnvMaxDimension = "RETRACE_MAX_DIMENSION"
	EnvBitrateKbps  = "RETRACE_BITRATE_KBPS"
	EnvFrameStride  = "RETRACE_FRAME_STRIDE"

	// Database filename
	DBFilename = "retrace.db"

	// Batching defaults (seconds)
	DefaultBatchTargetSeconds = 900 // 15 minutes per session
	DefaultBatchMaxGapSeconds = 120 // 2 minute idle gap closes a session
	DefaultBatchMinSeconds    = 300 // 5 minute floor

	// Encoder defaults
	DefaultFrameRate    = 1 // one sampled screenshot per video second
	DefaultMaxDimension = 1280
	DefaultBitrateKbps  = 1200
	DefaultFrameStride  = 1

	// Model defaults
	DefaultModelBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModelName    = "gemini-2.0-flash"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	VideosDir() string
	ScreenshotDir() string
	Headless() bool

	ModelBaseURL() string
	ModelAPIKey() string
	ModelName() string

	BatchTarget() time.Duration
	BatchMaxGap() time.Duration
	BatchMin() time.Duration

	FrameRate() int
	MaxDimension() int
	BitrateKbps() int
	FrameStride() int
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port          int
	logLevel      string
	dataDir       string
	screenshotDir string
	headless      bool

	modelBaseURL string
	modelAPIKey  string
	modelName    string

	batchTargetSeconds int
	batchMaxGapSeconds int
	batchMinSeconds    int

	frameRate    int
	maxDimension int
	bitrateKbps  int
	frameStride  int
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:               DefaultPort,
		logLevel:           DefaultLogLevel,
		dataDir:            defaultDataDir(),
		modelBaseURL:       DefaultModelBaseURL,
		modelName:          DefaultModelName,
		batchTargetSeconds: DefaultBatchTargetSeconds,
		batchMaxGapSeconds: DefaultBatchMaxGapSeconds,
		batchMinSeconds:    DefaultBatchMinSeconds,
		frameRate:          DefaultFrameRate,
		maxDimension:       DefaultMaxDimension,
		bitrateKbps:        DefaultBitrateKbps,
		frameStride:        DefaultFrameStride,
	}

	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	cfg.screenshotDir = os.Getenv(EnvScreenshotDir)
	if cfg.screenshotDir == "" {
		cfg.screenshotDir = filepath.Join(cfg.dataDir, "screenshots")
	}

	cfg.headless = os.Getenv(EnvHeadless) == "1" || os.Getenv(EnvHeadless) == "true"

	if v := os.Getenv(EnvModelBaseURL); v != "" {
		cfg.modelBaseURL = v
	}
	cfg.modelAPIKey = os.Getenv(EnvModelAPIKey)
	if v := os.Getenv(EnvModelName); v != "" {
		cfg.modelName = v
	}

	intVars := []struct {
		env  string
		dst  *int
		min  int
		what string
	}{
		{EnvBatchTargetSeconds, &cfg.batchTargetSeconds, 1, "target duration"},
		{EnvBatchMaxGapSeconds, &cfg.batchMaxGapSeconds, 1, "max gap"},
		{EnvBatchMinSeconds, &cfg.batchMinSeconds, 0, "min duration"},
		{EnvFrameRate, &cfg.frameRate, 1, "frame rate"},
		{EnvMaxDimension, &cfg.maxDimension, 2, "max dimension"},
		{EnvBitrateKbps, &cfg.bitrateKbps, 1, "bitrate"},
		{EnvFrameStride, &cfg.frameStride, 1, "frame stride"},
	}
	for _, v := range intVars {
		raw := os.Getenv(v.env)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", v.env, err)
		}
		if n < v.min {
			return nil, fmt.Errorf("invalid %s: %s must be >= %d", v.env, v.what, v.min)
		}
		*v.dst = n
	}

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// VideosDir returns the directory where encoded batch videos are written
func (c *EnvConfig) VideosDir() string {
	return filepath.Join(c.dataDir, "videos")
}

// ScreenshotDir returns the directory watched for incoming screenshots
func (c *EnvConfig) ScreenshotDir() string {
	return c.screenshotDir
}

// Headless reports whether the system tray should be skipped
func (c *EnvConfig) Headless() bool {
	return c.headless
}

func (c *EnvConfig) ModelBaseURL() string {
	return c.modelBaseURL
}

func (c *EnvConfig) ModelAPIKey() string {
	return c.modelAPIKey
}

func (c *EnvConfig) ModelName() string {
	return c.modelName
}

func (c *EnvConfig) BatchTarget() time.Duration {
	return time.Duration(c.batchTargetSeconds) * time.Second
}

func (c *EnvConfig) BatchMaxGap() time.Duration {
	return time.Duration(c.batchMaxGapSeconds) * time.Second
}

func (c *EnvConfig) BatchMin() time.Duration {
	return time.Duration(c.batchMinSeconds) * time.Second
}

func (c *EnvConfig) FrameRate() int {
	return c.frameRate
}

func (c *EnvConfig) MaxDimension() int {
	return c.maxDimension
}

func (c *EnvConfig) BitrateKbps() int {
	return c.bitrateKbps
}

func (c *EnvConfig) FrameStride() int {
	return c.frameStride
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
