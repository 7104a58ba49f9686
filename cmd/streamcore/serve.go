package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudcade/streamcore/internal/config"
	"github.com/cloudcade/streamcore/internal/logging"
	"github.com/cloudcade/streamcore/internal/media"
	"github.com/cloudcade/streamcore/internal/server"
	"github.com/cloudcade/streamcore/internal/telemetry"
)

const serviceVersion = "dev"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling and media-relay server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup(cfg.Environment)
	logger.Info().Msg("streamcore starting")

	tracerProvider, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "streamcore",
		ServiceVersion: serviceVersion,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}

	videoFrames := make(chan media.Frame)
	audioFrames := make(chan media.Frame)

	srv, err := server.New(cfg, server.Collaborators{
		Capture:     server.NewNoopCapture(logger),
		Sink:        server.NewNoopSink(logger),
		VideoFrames: videoFrames,
		AudioFrames: audioFrames,
	}, logger)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	httpServer := srv.HTTPServer()

	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := srv.Close(); err != nil {
		logger.Error().Err(err).Msg("shutdown cleanup failed")
	}
	if err := tracerProvider.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("tracer shutdown failed")
	}

	logger.Info().Msg("streamcore stopped")
	return nil
}
