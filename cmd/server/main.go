package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Plaza/internal/adapters/alert"
	"github.com/dkeye/Plaza/internal/adapters/api"
	router "github.com/dkeye/Plaza/internal/adapters/http"
	"github.com/dkeye/Plaza/internal/adapters/store/sqlite"
	"github.com/dkeye/Plaza/internal/app"
	"github.com/dkeye/Plaza/internal/app/gateway"
	"github.com/dkeye/Plaza/internal/app/grants"
	"github.com/dkeye/Plaza/internal/app/moderation"
	"github.com/dkeye/Plaza/internal/app/orch"
	"github.com/dkeye/Plaza/internal/app/persist"
	"github.com/dkeye/Plaza/internal/app/ratelimit"
	"github.com/dkeye/Plaza/internal/config"
	"github.com/dkeye/Plaza/internal/core"
	"github.com/dkeye/Plaza/internal/domain"
	"github.com/dkeye/Plaza/internal/metrics"
	"github.com/dkeye/Plaza/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Str("code", string(domain.CodeServerStart)).Msg("failed to load config")
	}

	alerts := alert.New(cfg.AlertWebhookURL)
	var out zerolog.LevelWriter = zerolog.MultiLevelWriter(os.Stderr, alerts)
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		out = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr}, alerts)
	}
	log.Logger = zerolog.New(out).With().Timestamp().Str("service", "plaza").Logger()

	if err := run(ctx, cfg, alerts); err != nil {
		log.Fatal().Err(err).Str("code", string(domain.CodeServerError)).Msg("server error")
	}
	log.Info().Str("code", string(domain.CodeServerShutdown)).Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config, alerts *alert.Writer) (err error) {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelEndpoint, "plaza")
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
	}

	store, err := sqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	clk := clock.New()
	runner := persist.NewRunner(cfg.ExternalTimeout)
	defer func() {
		runner.Wait()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		err = multierr.Combine(err, shutdownTracing(sctx), store.Close())
	}()

	if cfg.APIBaseURL == "" {
		log.Warn().Msg("api_base_url not set, guest verification and member admin calls will fail")
	}
	client := api.New(cfg.APIBaseURL, cfg.APIKey, cfg.ExternalTimeout)

	manager := app.NewRoomManager()
	reg := app.NewRegistry()
	parties := core.NewPartyRegistry()
	spotlight := grants.New(store, runner, clk)

	o := &orch.Orchestrator{
		Registry: reg,
		Rooms:    manager,
		Parties:  parties,
		Policy:   app.SimplePolicy{},
		Gateway: gateway.New(gateway.Config{
			DevMode:     cfg.DevMode,
			AuthSecret:  cfg.AuthSecret,
			MaxRoomSize: cfg.MaxRoomSize,
			Timeout:     cfg.ExternalTimeout,
		}, manager, reg, client, store, spotlight, store, clk),
		Moderation: moderation.New(moderation.Config{DevMode: cfg.DevMode}, store, client, reg, runner, clk),
		Grants:     spotlight,
		Limiter:    ratelimit.New(cfg.RateLimit, clk),
		Chat:       store,
		Objects:    store,
		Exits:      client,
		Runner:     runner,
		Clock:      clk,
		Timeout:    cfg.ExternalTimeout,
	}

	m := metrics.New(
		func() int { return len(manager.List()) },
		parties.Count,
	)
	host := &metrics.Sampler{}

	g, gctx := errgroup.WithContext(ctx)

	r := router.SetupRouter(gctx, cfg, router.Deps{
		Orch:    o,
		Metrics: m,
		Host:    host,
		Started: clk.Now(),
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g.Go(func() error { return alerts.Run(gctx) })
	g.Go(func() error { return host.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("code", string(domain.CodeServerStart)).Msg("Plaza server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Str("code", string(domain.CodeServerShutdown)).Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("code", string(domain.CodeServerShutdown)).Msg("Server forced to shutdown")
		}
		return nil
	})

	return g.Wait()
}
