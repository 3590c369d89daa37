package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wisbric/gatekeep/internal/config"
	"github.com/wisbric/gatekeep/internal/httpserver"
	"github.com/wisbric/gatekeep/internal/platform"
	"github.com/wisbric/gatekeep/internal/telemetry"
	"github.com/wisbric/gatekeep/pkg/abuse"
	"github.com/wisbric/gatekeep/pkg/bloom"
	"github.com/wisbric/gatekeep/pkg/breaker"
	"github.com/wisbric/gatekeep/pkg/cache"
	"github.com/wisbric/gatekeep/pkg/configstore"
	"github.com/wisbric/gatekeep/pkg/coordstore"
	"github.com/wisbric/gatekeep/pkg/gateway"
	"github.com/wisbric/gatekeep/pkg/quota"
	"github.com/wisbric/gatekeep/pkg/ratelimit"
	"github.com/wisbric/gatekeep/pkg/upstream"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, wires C1-C9 into a request Pipeline, and starts the
// HTTP server.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting gatekeep", "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	store, closeStore, err := newCoordStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to coordination store: %w", err)
	}
	defer closeStore()

	metricsReg := telemetry.NewMetricsRegistry()

	configReader := configstore.NewPgxStore(db, logger)

	pipelineCfg := gateway.Config{
		DefaultRateLimitRPS:    cfg.DefaultRateLimitRPS,
		DefaultRateLimitBurst:  cfg.DefaultRateLimitBurst,
		DefaultUpstreamTimeout: cfg.DefaultUpstreamTimeout(),
		Breaker: breaker.Config{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			HalfOpenMaxCalls: 3,
		},
	}

	pipeline := gateway.New(
		configReader,
		ratelimit.NewTokenBucket(store),
		quota.NewManager(store),
		abuse.New(store, cfg.AbuseEWMAAlpha, cfg.AbuseZScoreThreshold, cfg.AbuseBlockDuration()),
		bloom.NewNegativeCacheManager(store, cfg.BloomExpectedItems, cfg.BloomFalsePositiveRate),
		cache.New(store, logger),
		upstream.New(),
		logger,
		pipelineCfg,
		func(name string) *breaker.Breaker {
			return breaker.New(store, name, pipelineCfg.Breaker)
		},
	)

	srv := httpserver.NewServer(cfg, logger, db, store, metricsReg)
	gateway.Mount(srv.Router, pipeline)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gatekeep listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down gatekeep")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newCoordStore selects the Redis-backed coordination store, or the
// in-process fallback when CoordinationURL is empty (spec.md §6's
// "COORDINATION_URL empty selects the in-memory fallback").
func newCoordStore(ctx context.Context, cfg *config.Config) (coordstore.Store, func(), error) {
	if cfg.CoordinationURL == "" {
		return coordstore.NewMemory(), func() {}, nil
	}

	client, err := platform.NewRedisClient(ctx, cfg.CoordinationURL)
	if err != nil {
		return nil, nil, err
	}
	return coordstore.NewRedis(client), func() { _ = client.Close() }, nil
}
