package config

import (
	"os"
	"testing"
	"time"
)

func TestBatchKnobs_Defaults(t *testing.T) {
	os.Unsetenv(EnvBatchTargetSeconds)
	os.Unsetenv(EnvBatchMaxGapSeconds)
	os.Unsetenv(EnvBatchMinSeconds)

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BatchTarget() != 15*time.Minute {
		t.Errorf("default BatchTarget = %v, want 15m", cfg.BatchTarget())
	}
	if cfg.BatchMaxGap() != 2*time.Minute {
		t.Errorf("default BatchMaxGap = %v, want 2m", cfg.BatchMaxGap())
	}
	if cfg.BatchMin() != 5*time.Minute {
		t.Errorf("default BatchMin = %v, want 5m", cfg.BatchMin())
	}
}

func TestBatchKnobs_FromEnv(t *testing.T) {
	os.Setenv(EnvBatchTargetSeconds, "600")
	defer os.Unsetenv(EnvBatchTargetSeconds)

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BatchTarget() != 10*time.Minute {
		t.Errorf("BatchTarget = %v, want 10m", cfg.BatchTarget())
	}
}

func TestBatchKnobs_Invalid(t *testing.T) {
	os.Setenv(EnvBatchTargetSeconds, "zero")
	defer os.Unsetenv(EnvBatchTargetSeconds)

	if _, err := New(); err == nil {
		t.Error("New() should reject non-numeric target duration")
	}
}

func TestFrameStride_RejectsZero(t *testing.T) {
	os.Setenv(EnvFrameStride, "0")
	defer os.Unsetenv(EnvFrameStride)

	if _, err := New(); err == nil {
		t.Error("New() should reject frame stride 0")
	}
}

func TestScreenshotDir_DefaultUnderDataDir(t *testing.T) {
	os.Setenv(EnvDataDir, "/tmp/retrace-test")
	os.Unsetenv(EnvScreenshotDir)
	defer os.Unsetenv(EnvDataDir)

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ScreenshotDir() != "/tmp/retrace-test/screenshots" {
		t.Errorf("ScreenshotDir = %q, want /tmp/retrace-test/screenshots", cfg.ScreenshotDir())
	}
}
