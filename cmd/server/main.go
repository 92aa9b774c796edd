package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/kdimtricp/mediadex/internal/api"
	"github.com/kdimtricp/mediadex/internal/config"
	"github.com/kdimtricp/mediadex/internal/database"
	"github.com/kdimtricp/mediadex/internal/extractor"
	"github.com/kdimtricp/mediadex/internal/inference"
	"github.com/kdimtricp/mediadex/internal/mediasource"
	"github.com/kdimtricp/mediadex/internal/observability"
	"github.com/kdimtricp/mediadex/internal/pipeline"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file (optional)")
	flag.Parse()

	logger := slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: "15:04:05",
		}),
	)
	slog.SetDefault(logger)

	settings, err := config.New(configPath, logger)
	if err != nil {
		logger.Error("failed to load settings", "error", err)
		os.Exit(1)
	}
	srv := settings.Server()

	db, err := database.NewDB(database.Config{Path: srv.DBPath})
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	mediaRepo := database.NewMediaRepo(db)
	frameRepo := database.NewFrameRepo(db)

	ocr, err := inference.NewTesseractOCR(srv.OCRBinary)
	if err != nil {
		logger.Error("failed to initialize OCR", "error", err)
		os.Exit(1)
	}

	adapter := inference.NewAdapter(ocr, srv.ModelDir, logger)
	defer adapter.Close()

	sampler, err := extractor.NewFrameExtractor(srv.FrameCacheDir, logger)
	if err != nil {
		logger.Error("failed to initialize frame extractor", "error", err)
		os.Exit(1)
	}
	defer sampler.Cleanup()

	source := mediasource.NewFSSource(srv.ImageRoots, srv.VideoRoots)
	metrics := observability.New()

	orchestrator := pipeline.NewOrchestrator(
		mediaRepo, frameRepo, adapter, sampler, source, settings, metrics, logger,
	)

	app := &api.App{
		Orchestrator: orchestrator,
		MediaRepo:    mediaRepo,
		FrameRepo:    frameRepo,
		Settings:     settings,
	}

	server := &http.Server{
		Addr:              ":" + srv.Port,
		Handler:           api.NewRouter(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Batches started over the API must keep running after the request
	// handler returns; only process shutdown cancels them.
	orchestrator.SetRunContext(ctx)

	go func() {
		logger.Info("server starting",
			"port", srv.Port,
			"db", srv.DBPath,
			"image_roots", srv.ImageRoots,
			"video_roots", srv.VideoRoots,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	orchestrator.Stop()
	orchestrator.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
}
