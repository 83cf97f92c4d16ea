package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/focus-engine/internal/api"
	"github.com/p-blackswan/focus-engine/internal/config"
	"github.com/p-blackswan/focus-engine/internal/focus"
	"github.com/p-blackswan/focus-engine/internal/health"
	"github.com/p-blackswan/focus-engine/internal/ledger"
	"github.com/p-blackswan/focus-engine/internal/metrics"
	"github.com/p-blackswan/focus-engine/internal/notify"
	"github.com/p-blackswan/focus-engine/internal/rank"
	"github.com/p-blackswan/focus-engine/internal/store"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("http_port", cfg.HTTPPort).
		Str("api_addr", cfg.APIListenAddr).
		Str("auth_mode", cfg.APIAuthMode).
		Str("db_path", cfg.DBPath).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("starting focus engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}

	ranks, err := rank.Load(cfg.RankTablePath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.RankTablePath).Msg("failed to load rank table")
	}

	notifiers := []notify.Notifier{notify.NewLogNotifier(logger)}
	if cfg.SlackEnabled() {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.SlackWebhookURL, cfg.SlackChannel, logger))
	} else {
		logger.Info().Msg("Slack webhook not configured, completions are announced to the log only")
	}

	m := metrics.New()

	ledgerCfg := ledger.DefaultConfig()
	ledgerCfg.Retry.MaxAttempts = cfg.PersistRetries
	led := ledger.New(st, ranks, notify.NewMulti(notifiers...), ledgerCfg, logger, ledger.WithRecorder(m))

	directory := store.NewTaskDirectory(st, cfg.TaskCacheSize, cfg.TaskCacheTTL, logger)
	m.WatchTaskCache(directory)

	svc := focus.NewService(focus.ServiceConfig{
		Durations:      cfg.Durations(),
		TickInterval:   cfg.TickInterval,
		PersistTimeout: cfg.PersistTimeout,
	}, directory, led, led, logger, focus.WithInstruments(m))

	checker := health.NewChecker(logger)
	checker.Register("sqlite", health.PingCheck(st, logger))

	// HTTP server for health checks and metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.LivenessHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	apiServer := api.NewServer(api.ServerConfig{
		ListenAddr: cfg.APIListenAddr,
		AuthConfig: api.AuthConfig{
			Mode:      cfg.APIAuthMode,
			APIKey:    cfg.APIKey,
			JWTSecret: cfg.APIJWTSecret,
		},
		RateLimit: api.RateLimitConfig{
			RPS:   cfg.APIRateLimitRPS,
			Burst: cfg.APIRateLimitBurst,
		},
		CORSOrigins: cfg.APICORSOrigins,
		TLSCert:     cfg.APITLSCert,
		TLSKey:      cfg.APITLSKey,
		Durations:   cfg.Durations(),
	}, api.Deps{
		Service:   svc,
		Store:     st,
		Directory: directory,
		Ranks:     ranks,
		Checker:   checker,
		Metrics:   m,
	}, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(); err != nil {
			logger.Error().Err(err).Msg("control API server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		led.RunBackfill(ctx, cfg.BackfillInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runHousekeeping(ctx, st, store.RetentionPolicy{ResolvedDeadLetters: cfg.DeadLetterRetention},
			cfg.RetentionInterval, logger)
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("control API server shutdown error")
	}

	// Stop runners and let queued writes land before the backfill stops.
	svc.Close()
	cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	if held := led.Held(); held > 0 {
		logger.Warn().Int("held", held).Msg("unpersisted records dropped at shutdown")
	}
	if err := st.Close(); err != nil {
		logger.Error().Err(err).Msg("store close error")
	}

	logger.Info().Msg("focus engine stopped")
}

// runHousekeeping prunes resolved dead letters and reports store size until
// ctx is done.
func runHousekeeping(ctx context.Context, st *store.Store, policy store.RetentionPolicy, every time.Duration, logger zerolog.Logger) {
	logger = logger.With().Str("component", "housekeeping").Logger()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := st.RunRetention(ctx, policy)
			if err != nil {
				logger.Error().Err(err).Msg("retention failed")
				continue
			}
			ev := logger.Info().Int64("removed", removed)
			if size, err := st.DBSizeBytes(); err == nil {
				ev = ev.Int64("db_bytes", size)
			}
			if open, err := st.CountUnresolved(ctx); err == nil {
				ev = ev.Int("dead_letters_open", open)
			}
			ev.Msg("housekeeping done")
		}
	}
}
