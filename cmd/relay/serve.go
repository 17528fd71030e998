package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/leopard618/Browser-Softphone/internal/config"
	"github.com/leopard618/Browser-Softphone/internal/metrics"
	"github.com/leopard618/Browser-Softphone/internal/relay"
	"github.com/leopard618/Browser-Softphone/internal/server"
	"github.com/leopard618/Browser-Softphone/internal/sink"
	"github.com/leopard618/Browser-Softphone/internal/stream"
	"github.com/leopard618/Browser-Softphone/internal/token"
	"github.com/leopard618/Browser-Softphone/internal/transcription"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Long: `Run the HTTP server hosting the media-stream WebSocket endpoint and the
call-control webhooks. Settings come from the YAML file given by --config,
overridden by environment variables such as PORT and TWILIO_ACCOUNT_SID.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), configPath)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults are used when empty)")
}

func runServe(parent context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", version),
		slog.String("config_path", path),
	)

	logger.Info("Configuration loaded",
		slog.String("listen_address", cfg.Server.ListenAddress()),
		slog.String("media_path", cfg.Server.MediaPath),
		slog.Duration("idle_timeout", cfg.Server.GetIdleTimeoutDuration()),
		slog.Int("summary_interval", cfg.Relay.SummaryInterval),
		slog.Bool("transcription_enabled", cfg.Transcription.Enabled),
		slog.Bool("has_credentials", cfg.Twilio.HasCredentials()),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Service metrics plus runtime collectors on a private registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	sinks := sink.NopFactory
	var transcriber *transcription.Client
	if cfg.Transcription.Enabled {
		transcriber, err = transcription.NewClient(transcription.Config{
			Endpoint:      cfg.Transcription.Endpoint,
			APIKey:        cfg.Transcription.APIKey,
			Timeout:       cfg.Transcription.GetTimeoutDuration(),
			MaxRetries:    cfg.Transcription.MaxRetries,
			MaxConcurrent: cfg.Transcription.MaxConcurrent,
			OutputFormat:  cfg.Transcription.OutputFormat,
			Language:      cfg.Transcription.Language,
			Model:         cfg.Transcription.Model,
		})
		if err != nil {
			return fmt.Errorf("failed to create transcription client: %w", err)
		}
		defer transcriber.Close()

		sinks = sink.NewTranscriptionFactory(transcriber, sink.TranscriptionConfig{
			ChunkDuration:  cfg.Transcription.GetChunkDuration(),
			QueueSize:      cfg.Transcription.QueueSize,
			RequestTimeout: cfg.Transcription.GetTimeoutDuration() * time.Duration(cfg.Transcription.MaxRetries+1),
		}, logger, appMetrics)

		logger.Info("Transcription client initialized",
			slog.String("endpoint", cfg.Transcription.Endpoint),
			slog.Duration("chunk_duration", cfg.Transcription.GetChunkDuration()),
		)
	}

	mediaRelay := relay.New(stream.NewRegistry(), logger, appMetrics, relay.Config{
		SummaryInterval: uint64(cfg.Relay.SummaryInterval),
		SinkTimeout:     cfg.Relay.GetSinkTimeoutDuration(),
		Sinks:           sinks,
	})

	issuer := token.NewIssuer(token.Config{
		AccountSID:   cfg.Twilio.AccountSID,
		APIKeySID:    cfg.Twilio.APIKeySID,
		APIKeySecret: cfg.Twilio.APIKeySecret,
		TwiMLAppSID:  cfg.Twilio.TwiMLAppSID,
		TTL:          cfg.Twilio.GetTokenTTLDuration(),
	})
	if err := issuer.Validate(); err != nil {
		logger.Warn("Voice tokens unavailable", slog.String("error", err.Error()))
	}

	deps := server.Deps{
		Config:   cfg,
		Logger:   logger,
		Metrics:  appMetrics,
		Gatherer: registry,
		Relay:    mediaRelay,
		Issuer:   issuer,
	}
	if transcriber != nil {
		deps.Transcription = transcriber
	}

	httpServer := server.NewHTTPServer(deps)
	if err := httpServer.Start(); err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", cfg.Server.ListenAddress()),
	)

	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeoutDuration())
	defer cancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	stats := httpServer.Media().Stats()
	logger.Info("Final media stream statistics",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("messages_received", stats.MessagesReceived),
		slog.Uint64("binary_dropped", stats.BinaryDropped),
		slog.Uint64("idle_timeouts", stats.IdleTimeouts),
	)
	if transcriber != nil {
		ts := transcriber.Stats()
		logger.Info("Final transcription statistics",
			slog.Uint64("total_requests", ts.TotalRequests),
			slog.Uint64("failed_requests", ts.FailedRequests),
		)
	}

	logger.Info("Service stopped")
	return nil
}
