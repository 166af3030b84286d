package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/retrace/retrace-agent/internal/api"
	"github.com/retrace/retrace-agent/internal/capture"
	"github.com/retrace/retrace-agent/internal/cloud"
	"github.com/retrace/retrace-agent/internal/config"
	"github.com/retrace/retrace-agent/internal/db"
	"github.com/retrace/retrace-agent/internal/encoder"
	"github.com/retrace/retrace-agent/internal/journal"
	"github.com/retrace/retrace-agent/internal/logging"
	"github.com/retrace/retrace-agent/internal/pipeline"
	"github.com/retrace/retrace-agent/internal/playback"
	"github.com/retrace/retrace-agent/internal/ui"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	for _, dir := range []string{cfg.DataDir(), cfg.VideosDir(), cfg.ScreenshotDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting retrace agent", "version", config.Version, "data_dir", cfg.DataDir())

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := journal.NewRepository(database.Conn())

	deviceID, err := ensureDeviceID(repo)
	if err != nil {
		return fmt.Errorf("failed to ensure device ID: %w", err)
	}
	authToken, err := ensureAuthToken(repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                    RETRACE AGENT v0.1.0                   ║")
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken)
	fmt.Printf("║  Device ID:  %-45s ║\n", deviceID[:16]+"...")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	var model cloud.ModelClient
	if cfg.ModelAPIKey() != "" {
		model = cloud.NewHTTPClient(cfg.ModelBaseURL(), cfg.ModelAPIKey(), cfg.ModelName(), logger)
		logger.Info("model client configured",
			"base_url", cfg.ModelBaseURL(), "model", cfg.ModelName())
	} else {
		logger.Warn("no model API key set, analysis will fail until " + config.EnvModelAPIKey + " is provided")
		model = cloud.NewStubClient(logger)
	}

	enc, err := encoder.NewFFmpegEncoder(logger)
	if err != nil {
		return fmt.Errorf("encoder unavailable: %w", err)
	}

	bus := pipeline.NewBus()

	pipe := pipeline.New(repo, enc, model, bus, func() pipeline.Config {
		return pipeline.Config{
			VideosDir:    cfg.VideosDir(),
			FrameRate:    cfg.FrameRate(),
			MaxDimension: cfg.MaxDimension(),
			BitrateKbps:  cfg.BitrateKbps(),
			FrameStride:  cfg.FrameStride(),
		}
	}, logger)

	segmenter := journal.NewSegmenter(repo, func() journal.SegmenterConfig {
		return journal.SegmenterConfig{
			Target:       cfg.BatchTarget(),
			MaxGap:       cfg.BatchMaxGap(),
			Min:          cfg.BatchMin(),
			BacklogLimit: 5000,
		}
	}, logger)

	scheduler := pipeline.NewScheduler(segmenter, pipe, repo, time.Minute, logging.WithComponent(logger, "scheduler"))
	ingestor := capture.NewIngestor(repo, cfg.ScreenshotDir, 15*time.Second, logging.WithComponent(logger, "capture"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ingestor.Start(ctx)
	go scheduler.Start(ctx)

	apiServer := api.NewServer(api.ServerConfig{
		Port:       cfg.Port(),
		Repository: repo,
		Pipeline:   pipe,
		Scheduler:  scheduler,
		Bus:        bus,
		Playback:   playback.NewServer(logger),
		Ingestor:   ingestor,
		Logger:     logger,
		StartTime:  startTime,
		DeviceID:   deviceID,
		Version:    config.Version,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quitCh := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			close(quitCh)
		case <-quitCh:
		}
	}()

	if cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			Scheduler: scheduler,
			Bus:       bus,
			Logger:    logger,
			OnQuit: func() {
				close(quitCh)
			},
		})
		go tray.Run()
	}

	<-quitCh

	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func ensureDeviceID(repo journal.Repository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, "device_id")
	if err == nil && existing != "" {
		return existing, nil
	}

	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return "", err
	}
	deviceID := hex.EncodeToString(idBytes)

	if err := repo.SetConfig(ctx, "device_id", deviceID); err != nil {
		return "", err
	}
	return deviceID, nil
}

func ensureAuthToken(repo journal.Repository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, "auth_token")
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, "auth_token", token); err != nil {
		return "", err
	}
	return token, nil
}
