package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/broadcast"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/config"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/metrics"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/notes"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/recording"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/server"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/speech"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/speech/assemblyai"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/speech/deepgram"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/store"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/transcript"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "halo-backend"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	envFile := flag.String("env-file", ".env", "Optional .env file supplying secrets")
	flag.Parse()

	// Secrets from .env must be in the environment before the config is loaded
	if err := config.LoadEnvFiles(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load env file: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
		slog.String("speech_provider", cfg.Speech.Provider),
		slog.String("speech_model", cfg.Speech.Model),
		slog.Int("sample_rate", cfg.Speech.SampleRate),
		slog.Int("reconnect_max_attempts", cfg.Speech.Reconnect.MaxAttempts),
		slog.String("store_backend", cfg.Store.Backend),
		slog.Bool("notes_enabled", cfg.Notes.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Prometheus metrics on a dedicated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	visits, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		logger.Error("Failed to open visit store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeStore()
	logger.Info("Visit store initialized", slog.String("backend", cfg.Store.Backend))

	provider := newProvider(cfg.Speech)

	clients := broadcast.NewManager(logger, appMetrics, broadcast.Config{
		HealthCheckInterval: cfg.Broadcast.GetHealthCheckIntervalDuration(),
	})

	noteRunner, noteClient, err := newNoteRunner(cfg, visits, clients, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create note client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	assembler := transcript.NewAssembler(visits, logger, appMetrics, cfg.Store.GetTimeoutDuration())

	streams := recording.NewSpeechStreamFactory(provider, streamConfig(cfg.Speech), logger, appMetrics)
	recordings := recording.NewService(visits, streams, clients, assembler, noteRunner, logger, appMetrics, recording.Config{
		Timeout: cfg.Store.GetTimeoutDuration(),
	})

	httpServer := server.NewHTTPServer(cfg, logger, clients, recordings, noteRunner, appMetrics, registry)
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("speech_provider", provider.Name()),
	)

	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeoutDuration())
	defer shutdownCancel()

	// Stop accepting new connections first
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Pause live recordings so no visit keeps accruing duration
	recordings.Stop(shutdownCtx)

	clients.Stop()
	noteRunner.Stop()
	if noteClient != nil {
		noteClient.Close()
	}

	logger.Info("Service stopped",
		slog.Any("notes", noteRunner.Stats()),
	)
}

// openStore opens the configured visit store and returns its close function
func openStore(ctx context.Context, cfg config.StoreConfig) (store.VisitStore, func(), error) {
	switch cfg.Backend {
	case config.StoreMongo:
		mongoStore, err := store.NewMongoStore(ctx, store.MongoConfig{
			URI:        cfg.URI,
			Database:   cfg.Database,
			Collection: cfg.Collection,
			Timeout:    cfg.GetTimeoutDuration(),
		})
		if err != nil {
			return nil, nil, err
		}
		return mongoStore, func() { mongoStore.Close(context.Background()) }, nil

	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}

// newProvider creates the configured speech-to-text vendor adapter
func newProvider(cfg config.SpeechConfig) speech.Provider {
	switch cfg.Provider {
	case config.ProviderAssemblyAI:
		return assemblyai.NewProvider(assemblyai.Config{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
		})
	default:
		return deepgram.NewProvider(deepgram.Config{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
		})
	}
}

func streamConfig(cfg config.SpeechConfig) speech.StreamConfig {
	sc := speech.StreamConfig{
		Options: speech.Options{
			SampleRate:     cfg.SampleRate,
			Channels:       cfg.Channels,
			Encoding:       cfg.Encoding,
			Model:          cfg.Model,
			Language:       cfg.Language,
			Diarize:        cfg.Diarize,
			UtteranceEndMs: cfg.UtteranceEndMs,
		},
		MaxAttempts:  cfg.Reconnect.MaxAttempts,
		BaseDelay:    cfg.Reconnect.GetBaseDelayDuration(),
		MaxDelay:     cfg.Reconnect.GetMaxDelayDuration(),
		CloseTimeout: cfg.GetCloseTimeoutDuration(),
	}
	if cfg.KeepAlive.Override() {
		sc.KeepAlive = speech.KeepAlivePolicy{
			Interval:      cfg.KeepAlive.GetIntervalDuration(),
			IdleThreshold: cfg.KeepAlive.GetIdleThresholdDuration(),
		}
	}
	return sc
}

// newNoteRunner creates the note runner; it is disabled unless notes are enabled
func newNoteRunner(cfg *config.Config, visits store.VisitStore, clients *broadcast.Manager,
	logger *slog.Logger, m *metrics.Metrics) (*notes.Runner, *notes.Client, error) {

	runnerConfig := notes.RunnerConfig{Timeout: cfg.Notes.GetTimeoutDuration() * 2}

	if !cfg.Notes.Enabled {
		return notes.NewRunner(nil, visits, clients, logger, m, runnerConfig), nil, nil
	}

	client, err := notes.NewClient(notes.Config{
		Endpoint:      cfg.Notes.Endpoint,
		APIKey:        cfg.Notes.APIKey,
		Model:         cfg.Notes.Model,
		MaxTokens:     cfg.Notes.MaxTokens,
		Timeout:       cfg.Notes.GetTimeoutDuration(),
		MaxRetries:    cfg.Notes.MaxRetries,
		MaxConcurrent: cfg.Notes.MaxConcurrent,
	})
	if err != nil {
		return nil, nil, err
	}

	return notes.NewRunner(client, visits, clients, logger, m, runnerConfig), client, nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
