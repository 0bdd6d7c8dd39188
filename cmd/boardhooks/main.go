// Command boardhooks runs the webhook delivery pipeline.
//
//	boardhooks worker  [--interval-seconds F] [--metrics-addr ADDR]
//	boardhooks serve                          HTTP ingest API
//	boardhooks ingest                         Kafka ingest consumer
//	boardhooks enqueue --url U --type T [--payload JSON] [--max-attempts N] [--id ID]
//
// Configuration comes from the environment (and .env / WEBHOOK_CONFIG_FILE);
// see internal/config. Exit status is 0 after a SIGINT/SIGTERM shutdown and
// 1 when start-up fails.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/felipemaragno/boardhooks/internal/api"
	"github.com/felipemaragno/boardhooks/internal/clock"
	"github.com/felipemaragno/boardhooks/internal/config"
	"github.com/felipemaragno/boardhooks/internal/delivery"
	ingest "github.com/felipemaragno/boardhooks/internal/ingest/kafka"
	"github.com/felipemaragno/boardhooks/internal/observability"
	"github.com/felipemaragno/boardhooks/internal/producer"
	"github.com/felipemaragno/boardhooks/internal/worker"
)

const usage = `usage: boardhooks <command> [flags]

commands:
  worker    claim and deliver pending webhooks
  serve     run the HTTP ingest API
  ingest    consume webhook requests from Kafka
  enqueue   enqueue a single webhook
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "invalid configuration: %v\n", err)
		return 1
	}

	logger := observability.NewLogger(stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	e := env{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  observability.NewMetrics("boardhooks", registry),
	}

	var cmdErr error
	switch args[0] {
	case "worker":
		cmdErr = runWorker(ctx, e, args[1:])
	case "serve":
		cmdErr = runServe(ctx, e)
	case "ingest":
		cmdErr = runIngest(ctx, e)
	case "enqueue":
		cmdErr = runEnqueue(ctx, e, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 1
	}

	if cmdErr != nil {
		if errors.Is(cmdErr, flag.ErrHelp) {
			return 0
		}
		logger.Error("command failed", "command", args[0], "error", cmdErr)
		return 1
	}
	return 0
}

// env is what every command shares.
type env struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
}

type workerFlags struct {
	interval    time.Duration
	metricsAddr string
}

// parseWorkerFlags reads the worker flags. --interval-seconds defaults to the
// configured interval. Negative values clamp to 0 and values above
// config.MaxInterval clamp to it.
func parseWorkerFlags(cfg config.Config, args []string, output io.Writer) (workerFlags, error) {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(output)

	seconds := fs.Float64("interval-seconds", cfg.Worker.IntervalSeconds,
		"maximum seconds a flush waits for work (env WEBHOOK_WORKER_INTERVAL_SECONDS)")
	metricsAddr := fs.String("metrics-addr", "", "serve /health, /ready and /metrics on this address")

	if err := fs.Parse(args); err != nil {
		return workerFlags{}, err
	}
	if math.IsNaN(*seconds) || math.IsInf(*seconds, 0) {
		return workerFlags{}, fmt.Errorf("--interval-seconds must be a finite number, got %v", *seconds)
	}
	return workerFlags{
		interval:    config.SecondsToDuration(*seconds),
		metricsAddr: *metricsAddr,
	}, nil
}

func runWorker(ctx context.Context, e env, args []string) error {
	cfg, logger, metrics := e.cfg, e.logger, e.metrics

	flags, err := parseWorkerFlags(cfg, args, os.Stderr)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	rl, cb, sem, err := buildGuards(ctx, cfg, st, metrics, logger)
	if err != nil {
		return err
	}

	clientConfig := delivery.DefaultClientConfig()
	clientConfig.Timeout = cfg.Delivery.Timeout
	dispatcher := delivery.New(delivery.Config{
		Secret:     cfg.Delivery.Secret,
		UserAgent:  cfg.Delivery.UserAgent,
		DeferDelay: cfg.Delivery.DeferDelay,
	}, delivery.NewHTTPClient(clientConfig), cfg.RetryPolicy(), clock.RealClock{}, logger).
		WithMetrics(metrics).
		WithResilience(rl, cb, sem)

	flusher := worker.NewFlusher(worker.FlushConfig{
		BatchSize:      cfg.Worker.BatchSize,
		Concurrency:    cfg.Worker.Concurrency,
		StaleAfter:     cfg.Worker.StaleAfter,
		AttemptTimeout: cfg.Delivery.Timeout,
	}, st.queue, dispatcher, logger).WithMetrics(metrics).WithClock(clock.RealClock{})

	loopConfig := worker.DefaultLoopConfig()
	loopConfig.Interval = flags.interval
	loopConfig.SweepInterval = cfg.Worker.SweepInterval
	loopConfig.StaleAfter = cfg.Worker.StaleAfter
	loop := worker.NewLoop(loopConfig, st.queue, flusher, logger).WithMetrics(metrics)

	health := observability.NewHealthHandler(st.queue)
	if flags.metricsAddr != "" {
		srv := newServer(flags.metricsAddr, opsRouter(health, e.registry))
		go serveHTTP(srv, logger)
		defer shutdownHTTP(srv, logger)
	}
	health.SetReady(true)

	logger.Info("worker started",
		"store", cfg.Store.Backend,
		"interval", flags.interval,
		"batch_size", cfg.Worker.BatchSize,
		"concurrency", cfg.Worker.Concurrency,
		"resilience", cfg.Resilience.Mode,
	)

	if err := loop.Run(ctx); err != nil {
		return err
	}
	health.SetReady(false)
	logger.Info("worker stopped")
	return nil
}

func runServe(ctx context.Context, e env) error {
	cfg, logger, metrics := e.cfg, e.logger, e.metrics

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	prod := producer.New(st.queue, clock.RealClock{}, cfg.Delivery.MaxAttempts, logger).WithMetrics(metrics)
	handler := api.NewHandler(prod, st.queue, logger)

	health := observability.NewHealthHandler(st.queue)
	if cfg.Kafka.Publish {
		pubConfig := ingest.DefaultPublisherConfig()
		pubConfig.Brokers = cfg.Kafka.Brokers
		pubConfig.Topic = cfg.Kafka.Topic
		publisher := ingest.NewPublisher(pubConfig, logger)
		defer publisher.Close()
		handler.WithPublisher(publisher)
		health.AddCheck("kafka", publisher.Ping)
	}

	router := api.NewRouter(api.RouterConfig{
		Handler:       handler,
		HealthHandler: health,
		Metrics:       metrics,
		Gatherer:      e.registry,
		Logger:        logger,
	})

	srv := newServer(cfg.HTTP.Addr, router)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTP.Addr, "kafka_publish", cfg.Kafka.Publish)
		errCh <- srv.ListenAndServe()
	}()
	health.SetReady(true)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info("shutting down...")
	health.SetReady(false)
	shutdownHTTP(srv, logger)
	logger.Info("shutdown complete")
	return nil
}

func runIngest(ctx context.Context, e env) error {
	cfg, logger, metrics := e.cfg, e.logger, e.metrics

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	prod := producer.New(st.queue, clock.RealClock{}, cfg.Delivery.MaxAttempts, logger).WithMetrics(metrics)

	consumerConfig := ingest.DefaultConsumerConfig()
	consumerConfig.Brokers = cfg.Kafka.Brokers
	consumerConfig.Topic = cfg.Kafka.Topic
	consumerConfig.GroupID = cfg.Kafka.GroupID

	consumer := ingest.NewConsumer(consumerConfig, ingest.NewReader(consumerConfig), prod, logger)

	logger.Info("ingest consumer started",
		"brokers", cfg.Kafka.Brokers,
		"topic", cfg.Kafka.Topic,
		"group", cfg.Kafka.GroupID,
	)
	return consumer.Run(ctx)
}

type enqueueFlags struct {
	params producer.Params
}

func parseEnqueueFlags(args []string, output io.Writer) (enqueueFlags, error) {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	fs.SetOutput(output)

	id := fs.String("id", "", "idempotency id (default: random UUID)")
	url := fs.String("url", "", "target URL (required)")
	eventType := fs.String("type", "", "event type, e.g. task.created (required)")
	payload := fs.String("payload", "{}", "JSON payload")
	maxAttempts := fs.Int("max-attempts", 0, "delivery attempts before failing (default: WEBHOOK_MAX_ATTEMPTS)")

	if err := fs.Parse(args); err != nil {
		return enqueueFlags{}, err
	}
	if *url == "" || *eventType == "" {
		return enqueueFlags{}, errors.New("--url and --type are required")
	}

	return enqueueFlags{params: producer.Params{
		ID:          *id,
		TargetURL:   *url,
		EventType:   *eventType,
		Payload:     json.RawMessage(*payload),
		MaxAttempts: *maxAttempts,
	}}, nil
}

func runEnqueue(ctx context.Context, e env, args []string, stdout, stderr io.Writer) error {
	cfg, logger := e.cfg, e.logger

	flags, err := parseEnqueueFlags(args, stderr)
	if err != nil {
		return err
	}
	if err := producer.Validate(flags.params); err != nil {
		return err
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := producer.New(st.queue, clock.RealClock{}, cfg.Delivery.MaxAttempts, logger).Enqueue(ctx, flags.params)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}
