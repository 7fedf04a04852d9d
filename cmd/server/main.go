package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/tidemeet/media-server/internal/adapters/http"
	"github.com/tidemeet/media-server/internal/config"
	"github.com/tidemeet/media-server/internal/core"
	"github.com/tidemeet/media-server/internal/media"
	"github.com/tidemeet/media-server/internal/media/pion"
	"github.com/tidemeet/media-server/internal/recording"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	engine, err := pion.NewEngine(cfg.MediaListenIP, cfg.MediaAnnouncedIP)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create media engine")
	}
	mediaRouter, err := engine.CreateRouter(media.DefaultCodecs())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create media router")
	}

	recordingSvc := &recording.Service{
		Ledger: recording.NewLedger(cfg.LedgerURL, cfg.LedgerTimeout),
		Ports:  recording.NewPortPool(cfg.RecordingPortMin, cfg.RecordingPortMax),
		NewPipeline: func(sdpPath, outputPath string) recording.Pipeline {
			return recording.NewFFmpegPipeline(cfg.PipelineBinary, sdpPath, outputPath)
		},
		Opts: recording.Options{
			OutputDir:    cfg.RecordingPath,
			ListenIP:     cfg.MediaListenIP,
			StopTimeout:  cfg.PipelineStopTimeout,
			ReadyTimeout: cfg.PipelineReadyTimeout,
		},
	}

	registry := core.NewRegistry(recordingSvc.Factory())

	r := router.SetupRouter(ctx, cfg, registry, mediaRouter, engine)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("media server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	// A dead media worker is fatal; no partial-worker recovery.
	go func() {
		<-engine.Done()
		log.Fatal().Msg("media engine worker died")
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	_ = engine.Close()
	log.Info().Msg("Server exited gracefully")
}
