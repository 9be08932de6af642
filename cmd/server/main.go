package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/practice-gateway/internal/attempts"
	"github.com/lexiqai/practice-gateway/internal/config"
	"github.com/lexiqai/practice-gateway/internal/drafts"
	"github.com/lexiqai/practice-gateway/internal/httpapi"
	"github.com/lexiqai/practice-gateway/internal/observability"
	"github.com/lexiqai/practice-gateway/internal/question"
	"github.com/lexiqai/practice-gateway/internal/resilience"
	"github.com/lexiqai/practice-gateway/internal/session"
	"github.com/lexiqai/practice-gateway/internal/stt"
	"github.com/lexiqai/practice-gateway/internal/transport"
	"github.com/lexiqai/practice-gateway/internal/tts"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("log_level", cfg.LogLevel).
		Bool("batch_enabled", cfg.BatchEnabled()).
		Bool("live_enabled", cfg.LiveEnabled()).
		Bool("narration_enabled", cfg.NarrationEnabled()).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Practice Gateway Service starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bank, err := question.Load(cfg.QuestionsFile)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.QuestionsFile).Msg("Failed to load question bank")
	}

	store, err := attempts.Open(ctx, cfg.AttemptsDBPath, observability.WithComponent("attempts"))
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.AttemptsDBPath).Msg("Failed to open attempt store")
	}
	defer store.Close()

	azure := stt.NewAzureTranscriber(cfg, observability.WithComponent("azure"))
	if !azure.Enabled() {
		logger.Warn().Msg("Azure Speech is not configured, batch transcription disabled")
	}

	var newEngine func() stt.Engine
	deepgramLogger := observability.WithComponent("deepgram")
	if cfg.LiveEnabled() {
		newEngine = func() stt.Engine { return stt.NewDeepgramEngine(cfg, deepgramLogger) }
	} else {
		logger.Warn().Msg("Deepgram is not configured, live transcription disabled")
	}

	var batch stt.BatchTranscriber
	if azure.Enabled() {
		batch = azure
	}

	narrator := tts.NewCartesiaClient(cfg, observability.WithComponent("cartesia"))

	mux := http.NewServeMux()

	mux.Handle("GET /ws/practice", transport.NewHandler(bank, transport.Config{
		NewEngine: newEngine,
		Batch:     batch,
		Attempts:  store,
		Session:   sessionOptions(cfg),
	}))

	httpapi.New(httpapi.Deps{
		Bank:        bank,
		Transcriber: azure,
		Narrator:    narrator,
		Attempts:    store,
		Drafts:      drafts.NewStore(cfg.DraftTTL()),
		Logger:      observability.WithComponent("api"),
	}).Register(mux)

	mux.HandleFunc("/health", observability.HealthCheckHandler())

	checks := map[string]observability.HealthCheckFunc{
		"attempts": store.Ping,
		"azure":    azure.HealthCheck,
		"deepgram": func(ctx context.Context) (bool, error) {
			// Configuration only; opening a stream would be billed
			if !cfg.LiveEnabled() {
				return false, fmt.Errorf("deepgram not configured")
			}
			return true, nil
		},
	}
	if narrator.Enabled() {
		checks["cartesia"] = narrator.HealthCheck
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// WriteTimeout stays unset: practice websockets outlive any fixed deadline
	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", practiceEndpoint(cfg)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	if cfg.GRPCHealthPort != "" {
		grpcHealth := observability.NewGRPCHealth(checks, 15*time.Second)
		go func() {
			addr := net.JoinHostPort("", cfg.GRPCHealthPort)
			logger.Info().Str("addr", addr).Msg("gRPC health service listening")
			if err := grpcHealth.Serve(ctx, addr); err != nil {
				logger.Error().Err(err).Msg("gRPC health service stopped")
			}
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// sessionOptions builds the per-connection session template from config
func sessionOptions(cfg *config.Config) session.Options {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return session.Options{
		Stages: session.StageDurations{
			Analyzing:  ms(cfg.StageAnalyzingMS),
			Exiting:    ms(cfg.StageExitingMS),
			Experts:    ms(cfg.StageExpertsMS),
			Concluding: ms(cfg.StageConcludingMS),
		},
		MaxDuration:  time.Duration(cfg.MaxRecordingSeconds) * time.Second,
		BatchTimeout: cfg.BatchTimeoutDuration(),
		Reconnect: &resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     ms(cfg.ReconnectBackoff),
			Multiplier:  2.0,
			MaxBackoff:  5 * time.Second,
		},
	}
}

func practiceEndpoint(cfg *config.Config) string {
	if cfg.PublicURL != "" {
		return cfg.PublicURL + "/ws/practice"
	}
	return fmt.Sprintf("ws://localhost:%s/ws/practice", cfg.Port)
}
