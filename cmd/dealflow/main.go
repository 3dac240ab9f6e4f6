// Package main is the entry point for the dealflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/dealflow/internal/capability"
	"github.com/pitabwire/dealflow/internal/config"
	"github.com/pitabwire/dealflow/internal/idempotency"
	"github.com/pitabwire/dealflow/internal/observability"
	"github.com/pitabwire/dealflow/internal/pipeline"
	"github.com/pitabwire/dealflow/internal/store"
	"github.com/pitabwire/dealflow/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Persistence.
	backing, storeCloser, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	traced := observability.NewTracedStore(backing)
	catalog := store.NewCachedCatalog(traced, cfg.Pipeline.CatalogCacheTTL)

	// Authorization.
	policy, err := buildPolicy(cfg.Capability)
	if err != nil {
		logger.Error("capability policy initialization failed", zap.Error(err))
		return 1
	}
	capResolver := capability.NewResolver(policy, cfg.Capability.Cache.TTL,
		capability.WithCacheCounters(metrics.CapabilityCacheHitsTotal, metrics.CapabilityCacheMissesTotal),
	)
	go reloadPolicyOnHangup(ctx, policy, capResolver, logger.Named("capability"))

	executor := pipeline.NewExecutor(traced, catalog, traced,
		pipeline.WithObserver(metrics),
		pipeline.WithCapabilityResolver(capResolver),
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithActivityDefaults(cfg.Pipeline.ActivityType, cfg.Pipeline.ActivityStatus),
	)

	// Idempotency.
	idemStore, idemHealth, idemCloser, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	guard := idempotency.NewGuard(executor, idemStore,
		idempotency.WithTTL(cfg.Idempotency.Store.DefaultTTL),
		idempotency.WithLogger(logger.Named("idempotency")),
		idempotency.WithReplayHook(metrics.RecordIdempotentReplay),
	)

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL,
		transport.WithJWKSLogger(logger.Named("jwks")),
	)

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks),
		CapabilityResolver: capResolver,
		Opportunities:      executor,
		Advancer:           guard,
		Metrics:            metrics,
		Gatherer:           prometheus.DefaultGatherer,
		Readiness: observability.ReadinessChecks{
			Store:            traced,
			IdempotencyStore: idemHealth,
			PolicyLoaded:     func() bool { return policy.RoleCount() > 0 },
		},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store_driver", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if idemCloser != nil {
		idemCloser()
	}
	if storeCloser != nil {
		storeCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStore opens the opportunity store selected by cfg.Driver.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory opportunity store; data is lost on restart")
		return store.NewMemoryStore(), nil, nil
	case "postgres", "":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("store: ping: %w", err)
		}
		return store.NewPgStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildPolicy loads the role policy file, or the built-in roles when none
// is configured.
func buildPolicy(cfg config.CapabilityConfig) (*capability.StaticPolicyEvaluator, error) {
	if cfg.StaticPolicyFile == "" {
		return capability.NewStaticPolicyFromRoles(capability.DefaultRoles), nil
	}
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.StaticPolicyFile)
	if err != nil {
		return nil, fmt.Errorf("static policy: %w", err)
	}
	return evaluator, nil
}

// reloadPolicyOnHangup rereads the policy file on SIGHUP and flushes the
// capability cache so new grants apply to the next request.
func reloadPolicyOnHangup(ctx context.Context, policy *capability.StaticPolicyEvaluator, resolver *capability.Resolver, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := policy.Sync(); err != nil {
				logger.Error("policy reload failed, keeping previous policy", zap.Error(err))
				continue
			}
			resolver.Flush()
			logger.Info("capability policy reloaded", zap.Int("roles", policy.RoleCount()))
		}
	}
}

// buildIdempotencyStore creates the idempotency store based on config. A
// disabled store returns nil, which makes the guard a pass-through.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, observability.HealthChecker, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, nil, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("idempotency: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		rs := idempotency.NewRedisStore(client)
		closer := func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close failed", zap.Error(err))
			}
		}
		return rs, observability.CheckFunc(rs.Ping), closer, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}
