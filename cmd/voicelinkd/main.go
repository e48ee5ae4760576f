package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voicelink/voicelink/internal/audio"
	"github.com/voicelink/voicelink/internal/config"
	"github.com/voicelink/voicelink/internal/logging"
	"github.com/voicelink/voicelink/internal/pipeline"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func main() {
	// Load config from XDG/Library/AppData
	cfg, err := config.Load()
	if err != nil {
		log := logging.New()
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	log := logging.NewWithLevel(cfg.LogLevel)
	log.Info().Str("version", Version).Str("commit", Commit).Msg("voicelinkd starting")

	if err := audio.Init(); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize audio")
	}
	defer audio.Terminate()

	p, err := pipeline.New(pipeline.Config{
		Cfg:    cfg,
		Logger: log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build pipeline")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup shutdown signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := p.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Shutdown error")
		}
		cancel()
	}()

	if err := p.Run(ctx); err != nil {
		if errors.Is(err, audio.ErrDeviceLost) {
			// Terminal status for the supervising restart loop.
			log.Error().Err(err).Msg("capture device lost")
			os.Exit(2)
		}
		log.Fatal().Err(err).Msg("Pipeline error")
	}

	log.Info().Msg("voicelinkd stopped")
}
