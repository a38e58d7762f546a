package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/artifact"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/config"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/generation"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/history"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/metrics"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/pipeline"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/server"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/stream"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/synthesis"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/transcode"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/transcription"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/turn"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "voice-turn-service"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	envPath := flag.String("env", ".env", "Path to .env file (optional)")
	flag.Parse()

	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load environment: %v\n", err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Float64("vad_threshold_db", cfg.VAD.ThresholdDB),
		slog.Int("vad_silence_ms", cfg.VAD.SilenceDuration),
		slog.String("transcription_provider", cfg.Transcription.Provider),
		slog.String("generation_provider", cfg.Generation.Provider),
		slog.String("generation_model", cfg.Generation.Model),
		slog.String("synthesis_provider", cfg.Synthesis.Provider),
		slog.String("history_backend", cfg.History.Backend),
		slog.String("artifacts_backend", cfg.Artifacts.Backend),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

// run wires the components and serves until ctx is cancelled
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Initialize Prometheus metrics on a dedicated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	transcriber, err := newTranscriber(cfg.Transcription, logger)
	if err != nil {
		return err
	}
	generator, err := newGenerator(ctx, cfg.Generation, logger)
	if err != nil {
		return err
	}
	synthesizer, err := newSynthesizer(cfg.Synthesis, logger)
	if err != nil {
		return err
	}

	store, err := newHistoryStore(ctx, cfg.History, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Error closing history store", slog.String("error", err.Error()))
		}
	}()

	artifacts, err := newArtifactStore(ctx, cfg.Artifacts)
	if err != nil {
		return err
	}

	transcoder := transcode.New(transcode.Config{
		FFmpegPath:       cfg.Transcode.FFmpegPath,
		TempDir:          cfg.Transcode.TempDir,
		Timeout:          cfg.Transcode.GetTimeoutDuration(),
		TargetSampleRate: cfg.Transcode.TargetSampleRate,
	}, logger)

	orchestrator, err := pipeline.New(pipeline.Config{
		MaxRetries:        cfg.Pipeline.MaxRetries,
		RetryBackoff:      cfg.Pipeline.GetRetryBackoffDuration(),
		SpeakFallback:     cfg.Pipeline.SpeakFallback,
		FallbackText:      cfg.Pipeline.FallbackText,
		Instruction:       cfg.Pipeline.Instruction,
		DefaultMode:       pipeline.Mode(cfg.Pipeline.DefaultMode),
		HistoryWindow:     cfg.History.Window,
		Language:          cfg.Transcription.Language,
		TranscodeTimeout:  cfg.Transcode.GetTimeoutDuration(),
		TranscribeTimeout: cfg.Transcription.GetTimeoutDuration(),
		GenerateTimeout:   cfg.Generation.GetTimeoutDuration(),
		SynthesizeTimeout: cfg.Synthesis.GetTimeoutDuration(),
	}, pipeline.Dependencies{
		Transcoder:  transcoder,
		Transcriber: transcriber,
		Generator:   generator,
		Synthesizer: synthesizer,
		History:     store,
		Artifacts:   artifacts,
		Metrics:     appMetrics,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	logger.Info("Pipeline initialized",
		slog.String("transcriber", transcriber.Name()),
		slog.String("generator", generator.Name()),
		slog.String("synthesizer", synthesizer.Name()),
		slog.String("default_mode", cfg.Pipeline.DefaultMode),
	)

	// Initialize call session manager
	calls, err := stream.NewManager(stream.ManagerConfig{
		Turn: turn.Config{
			SampleRate: cfg.Audio.SampleRate,
			Timing: turn.Timing{
				ResumeDelay:   cfg.Turn.GetResumeDelay(),
				FallbackDelay: cfg.Turn.GetFallbackDelay(),
			},
			VAD: vad.Config{
				ThresholdDB:     cfg.VAD.ThresholdDB,
				SilenceDuration: cfg.VAD.GetSilenceDuration(),
				FrameSize:       cfg.VAD.FrameSize,
				SampleInterval:  cfg.VAD.GetSampleInterval(),
			},
			PreRoll:      cfg.Turn.GetPreRollDuration(),
			MaxUtterance: cfg.Turn.GetMaxUtteranceDuration(),
		},
		Mode:        pipeline.ModeStreaming,
		MaxSessions: cfg.Session.MaxSessions,
		Timeout:     cfg.Session.GetInactivityTimeoutDuration(),
	}, orchestrator, appMetrics, logger)
	if err != nil {
		return fmt.Errorf("failed to create call manager: %w", err)
	}
	defer calls.Stop()
	logger.Info("Call manager initialized",
		slog.Int("max_sessions", cfg.Session.MaxSessions),
		slog.Duration("inactivity_timeout", cfg.Session.GetInactivityTimeoutDuration()),
	)

	httpServer := server.NewHTTPServer(cfg, server.Dependencies{
		Pipeline:    orchestrator,
		Synthesizer: synthesizer,
		History:     store,
		Artifacts:   artifacts,
		Calls:       calls,
		Metrics:     appMetrics,
		Gatherer:    registry,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpServer.Run(gctx)
	})

	logger.Info("Service started successfully, waiting for signals...")

	err = g.Wait()
	logger.Info("Starting graceful shutdown...")

	stats := orchestrator.GetStats()
	logger.Info("Final pipeline statistics",
		slog.Int64("processed", stats.Processed),
		slog.Int64("succeeded", stats.Succeeded),
		slog.Int64("degraded", stats.Degraded),
		slog.Int64("failed", stats.Failed),
		slog.Int64("busy_rejected", stats.BusyRejected),
	)

	return err
}

func newTranscriber(cfg config.TranscriptionConfig, logger *slog.Logger) (transcription.Service, error) {
	switch cfg.Provider {
	case "whisper":
		return transcription.NewWhisper(transcription.WhisperConfig{
			APIKey:   cfg.APIKey,
			BaseURL:  cfg.Endpoint,
			Model:    cfg.Model,
			Language: cfg.Language,
		}, logger), nil
	case "http":
		client, err := transcription.NewClient(transcription.Config{
			Endpoint:      cfg.Endpoint,
			APIKey:        cfg.APIKey,
			Timeout:       cfg.GetTimeoutDuration(),
			MaxConcurrent: cfg.MaxConcurrent,
			OutputFormat:  cfg.OutputFormat,
			Language:      cfg.Language,
			Model:         cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create transcription client: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown transcription provider %q", cfg.Provider)
	}
}

// textGenerator hides StreamingService so replies are generated in one call
type textGenerator struct {
	generation.Service
}

func newGenerator(ctx context.Context, cfg config.GenerationConfig, logger *slog.Logger) (generation.Service, error) {
	var svc generation.Service
	switch cfg.Provider {
	case "ollama", "openai":
		svc = generation.NewOpenAI(generation.OpenAIConfig{
			Provider:    cfg.Provider,
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		}, logger)
	case "gemini":
		gemini, err := generation.NewGemini(ctx, generation.GeminiConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini client: %w", err)
		}
		svc = gemini
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}

	if !cfg.Stream {
		return textGenerator{svc}, nil
	}
	return svc, nil
}

func newSynthesizer(cfg config.SynthesisConfig, logger *slog.Logger) (synthesis.Service, error) {
	switch cfg.Provider {
	case "elevenlabs":
		return synthesis.NewElevenLabs(synthesis.ElevenLabsConfig{
			APIKey:          cfg.APIKey,
			BaseURL:         cfg.BaseURL,
			VoiceID:         cfg.VoiceID,
			Model:           cfg.Model,
			OutputFormat:    cfg.OutputFormat,
			Stability:       cfg.Stability,
			SimilarityBoost: cfg.SimilarityBoost,
			UseSpeakerBoost: cfg.UseSpeakerBoost,
		}, logger), nil
	case "openai":
		return synthesis.NewOpenAI(synthesis.OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Voice:   cfg.VoiceID,
			Model:   cfg.Model,
			Format:  cfg.OutputFormat,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown synthesis provider %q", cfg.Provider)
	}
}

func newHistoryStore(ctx context.Context, cfg config.HistoryConfig, logger *slog.Logger) (history.Store, error) {
	switch cfg.Backend {
	case "memory":
		return history.NewMemoryStore(), nil
	case "file":
		store, err := history.NewFileStore(cfg.Dir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create history store: %w", err)
		}
		return store, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store := history.NewRedisStore(client, history.WithPrefix(cfg.KeyPrefix))

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
	}
}

func newArtifactStore(ctx context.Context, cfg config.ArtifactsConfig) (artifact.Store, error) {
	switch cfg.Backend {
	case "local":
		store, err := artifact.NewLocal(cfg.Dir, cfg.URLPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to create artifact store: %w", err)
		}
		return store, nil
	case "s3":
		client, err := artifact.NewS3Client(ctx, artifact.S3Options{
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 client: %w", err)
		}
		return artifact.NewS3(client, artifact.S3Config{
			Bucket:        cfg.Bucket,
			Prefix:        cfg.Prefix,
			URLPrefix:     cfg.URLPrefix,
			PublicBaseURL: cfg.PublicBaseURL,
		}), nil
	default:
		return nil, fmt.Errorf("unknown artifacts backend %q", cfg.Backend)
	}
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
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	return slog.New(handler)
}
