package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/felipemaragno/boardhooks/internal/clock"
	"github.com/felipemaragno/boardhooks/internal/config"
	"github.com/felipemaragno/boardhooks/internal/observability"
	"github.com/felipemaragno/boardhooks/internal/queue"
	"github.com/felipemaragno/boardhooks/internal/queue/memqueue"
	"github.com/felipemaragno/boardhooks/internal/queue/postgres"
	"github.com/felipemaragno/boardhooks/internal/queue/redisq"
	"github.com/felipemaragno/boardhooks/internal/resilience"
)

const (
	startupTimeout  = 10 * time.Second
	shutdownTimeout = 30 * time.Second
)

// store is the opened queue backend plus anything that must be closed with it.
type store struct {
	queue queue.Queue
	// redis is set when the queue lives in Redis so the guards can share it.
	redis   *redis.Client
	closers []func() error
}

func (s *store) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *store) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*store, error) {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	switch cfg.Store.Backend {
	case config.StorePostgres:
		poolConfig, err := pgxpool.ParseConfig(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse database url: %w", err)
		}
		poolConfig.MaxConns = cfg.Store.MaxConns
		poolConfig.MinConns = cfg.Store.MaxConns / 3

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("connected to database", "max_conns", poolConfig.MaxConns)

		q := postgres.New(pool, postgres.Config{Channel: cfg.Store.Channel}, clock.RealClock{})
		if cfg.Store.BatchInserts > 0 {
			b := postgres.NewBatcher(q, postgres.BatcherConfig{MaxSize: cfg.Store.BatchInserts})
			st := &store{queue: b}
			st.onClose(b.Close)
			return st, nil
		}
		st := &store{queue: q}
		st.onClose(q.Close)
		return st, nil

	case config.StoreRedis:
		client, err := resilience.NewRedisClient(ctx, redisConfig(cfg))
		if err != nil {
			return nil, err
		}
		logger.Info("connected to Redis", "key_prefix", cfg.Store.KeyPrefix)

		// Close also closes the client.
		q := redisq.New(client, redisq.Config{KeyPrefix: cfg.Store.KeyPrefix}, clock.RealClock{}, logger)
		st := &store{queue: q, redis: client}
		st.onClose(q.Close)
		return st, nil

	case config.StoreMemory:
		logger.Warn("using in-memory queue; records are lost on exit and not shared between processes")
		q := memqueue.New(clock.RealClock{})
		st := &store{queue: q}
		st.onClose(q.Close)
		return st, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func redisConfig(cfg config.Config) resilience.RedisConfig {
	rc := resilience.DefaultRedisConfig()
	rc.URL = cfg.Store.RedisURL
	return rc
}

// buildGuards creates the per-host rate limiter, circuit breaker and
// semaphore for the configured resilience mode. Any of them may be nil.
func buildGuards(ctx context.Context, cfg config.Config, st *store, metrics *observability.Metrics, logger *slog.Logger) (resilience.RateLimiter, resilience.CircuitBreaker, resilience.Semaphore, error) {
	rc := cfg.Resilience

	switch rc.Mode {
	case config.ResilienceOff:
		return nil, nil, nil, nil

	case config.ResilienceLocal:
		rl := resilience.NewLocalRateLimiter(resilience.RateLimiterConfig{
			RequestsPerSecond: rc.RateLimitRPS,
			BurstSize:         rc.RateLimitBurst,
		})

		cbConfig := resilience.DefaultCircuitBreakerConfig()
		cbConfig.Timeout = rc.BreakerTimeout
		cbConfig.FailureRatio = rc.BreakerFailureRatio
		cbConfig.MinRequests = rc.BreakerMinRequests
		cb := resilience.NewLocalCircuitBreaker(cbConfig)
		cb.OnStateChange(circuitObserver(metrics, logger))

		var sem resilience.Semaphore
		if rc.HostConcurrency > 0 {
			sem = resilience.NewLocalSemaphore(rc.HostConcurrency)
		}
		return rl, cb, sem, nil

	case config.ResilienceRedis:
		client := st.redis
		if client == nil {
			startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
			defer cancel()
			var err error
			client, err = resilience.NewRedisClient(startCtx, redisConfig(cfg))
			if err != nil {
				return nil, nil, nil, fmt.Errorf("resilience: %w", err)
			}
			st.onClose(client.Close)
		}
		prefix := cfg.Store.KeyPrefix

		rl := resilience.NewRedisRateLimiter(client, resilience.RedisRateLimiterConfig{
			Limit:     int(math.Ceil(rc.RateLimitRPS)),
			Window:    time.Second,
			KeyPrefix: prefix + ":ratelimit",
		}, logger)

		cbConfig := resilience.DefaultRedisCircuitBreakerConfig()
		cbConfig.FailureThreshold = int(rc.BreakerMinRequests)
		cbConfig.Timeout = rc.BreakerTimeout
		cbConfig.KeyPrefix = prefix + ":cb"
		cb := resilience.NewRedisCircuitBreaker(client, cbConfig, logger)
		cb.OnStateChange(circuitObserver(metrics, logger))

		var sem resilience.Semaphore
		if rc.HostConcurrency > 0 {
			// A slot must outlive the slowest request it guards.
			ttl := max(2*cfg.Delivery.Timeout, resilience.DefaultRedisSemaphoreConfig().TTL)
			sem = resilience.NewRedisSemaphore(client, resilience.RedisSemaphoreConfig{
				Limit:     rc.HostConcurrency,
				TTL:       ttl,
				KeyPrefix: prefix + ":sem",
			}, logger)
		}
		logger.Info("using Redis-backed resilience", "key_prefix", prefix)
		return rl, cb, sem, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown resilience mode %q", rc.Mode)
}

// circuitObserver exports breaker transitions to metrics and the log.
func circuitObserver(metrics *observability.Metrics, logger *slog.Logger) func(host string, from, to resilience.CircuitState) {
	return func(host string, from, to resilience.CircuitState) {
		metrics.CircuitBreakerState.WithLabelValues(host).Set(to.Float())
		if to == resilience.CircuitStateOpen {
			metrics.CircuitBreakerTrips.WithLabelValues(host).Inc()
		}
		logger.Warn("circuit breaker state changed", "host", host, "from", from, "to", to)
	}
}

// opsRouter serves the worker's health and metrics endpoints.
func opsRouter(health *observability.HealthHandler, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func newServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func serveHTTP(srv *http.Server, logger *slog.Logger) {
	logger.Info("starting HTTP server", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("HTTP server error", "error", err)
	}
}

func shutdownHTTP(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
}
