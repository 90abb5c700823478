// Command auditd runs the delivery side of the audit pipeline: the
// queue consumer, partition maintenance, pattern detection, alerting,
// and the tracer. Producers embed the ingest service in-process and
// share the same redis queue.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/infrastructure/cache"
	"github.com/caretrail/auditcore/internal/infrastructure/config"
	"github.com/caretrail/auditcore/internal/infrastructure/database"
	"github.com/caretrail/auditcore/internal/infrastructure/queue"
	"github.com/caretrail/auditcore/internal/infrastructure/telemetry"
	"github.com/caretrail/auditcore/internal/metrics"
	"github.com/caretrail/auditcore/internal/service/monitor"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to config file (optional)")
		listenAddr = flag.String("listen", ":9464", "metrics and alert stream listen address")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		return 2
	}
	versioned := config.NewVersioned(cfg)

	logger, err := telemetry.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		return 2
	}
	defer logger.Sync()

	logger.Info("auditd starting",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment),
		zap.String("queue", cfg.Queue.Name))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()

	// One redis connection pool serves the queue, the detection windows,
	// and the alert dedupe markers.
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.URL,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("redis connection failed", zap.Error(err))
		return 3
	}
	sharedCache := cache.NewRedisCacheFromClient(rdb, logger)

	db, err := database.NewClient(ctx, cfg.Database, reg, logger)
	if err != nil {
		logger.Error("database connection failed", zap.Error(err))
		return 3
	}
	defer db.Close()

	partitions := database.NewPartitionManager(db, cfg.Partition, logger)
	if err := partitions.EnsureAhead(ctx); err != nil {
		logger.Error("initial partition ensure failed", zap.Error(err))
		return 1
	}
	partitions.Start(ctx)
	defer partitions.Stop()

	writer := database.NewWriter(db, partitions, logger)

	// Detection runs after commit so a storage failure never produces an
	// alert for an event that was not durably stored.
	stream := monitor.NewStream(logger)
	defer stream.Close()

	handlers, err := buildHandlers(cfg, logger)
	if err != nil {
		logger.Error("alert handler setup failed", zap.Error(err))
		return 2
	}
	alerts := monitor.NewAlertManager(cfg.Monitor.Alerts,
		monitor.NewPostgresAlertStore(db.Pool()), sharedCache, stream, reg, logger, handlers...)
	pipeline := monitor.NewPipeline(alerts, logger,
		monitor.NewFailedAuthDetector(sharedCache, cfg.Monitor.FailedAuth),
		monitor.NewUnauthorizedAccessDetector(sharedCache, cfg.Monitor.UnauthorizedAccess),
		monitor.NewBulkExportDetector(sharedCache, cfg.Monitor.BulkExport),
		monitor.NewOffHoursDetector(cfg.Monitor.OffHours))
	writer.AddPostCommitHook(pipeline.InspectBatch)

	tracer, err := buildTracer(cfg, logger)
	if err != nil {
		logger.Error("tracer setup failed", zap.Error(err))
		return 2
	}
	tracer.Start()
	defer tracer.Stop()

	breaker := queue.NewBreaker(cfg.Queue.Name, cfg.Queue.Breaker, rdb, reg, logger)
	dlq := queue.NewDeadLetter(rdb, reg, logger)
	dlq.OnDead = func(ctx context.Context, dead *audit.DeadJob) {
		alert, err := audit.NewAlert(audit.SeverityCritical, "audit job dead-lettered",
			fmt.Sprintf("job %s exhausted its retry budget on queue %s", dead.Job.JobID, dead.Queue),
			"dead-letter")
		if err != nil {
			return
		}
		if _, err := alerts.Raise(ctx, alert); err != nil {
			logger.Error("dead-letter alert failed", zap.Error(err))
		}
	}
	dlq.OnSpike = func(ctx context.Context, q string, arrivals int) {
		alert, err := audit.NewAlert(audit.SeverityCritical, "dead-letter arrival spike",
			fmt.Sprintf("%d jobs dead-lettered on queue %s within one interval", arrivals, q),
			"dead-letter")
		if err != nil {
			return
		}
		if _, err := alerts.Raise(ctx, alert); err != nil {
			logger.Error("dead-letter spike alert failed", zap.Error(err))
		}
	}

	deliver := func(ctx context.Context, job *audit.QueueJob) error {
		return writer.WriteBatch(ctx, []*audit.Event{job.Payload})
	}
	processor, err := queue.NewProcessor(cfg.Queue.Processor, rdb, cfg.Queue.Retry,
		breaker, deliver, dlq, tracer, reg, logger)
	if err != nil {
		logger.Error("processor setup failed", zap.Error(err))
		return 2
	}
	processor.Start(ctx)
	defer processor.Stop()

	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, versioned, logger)
		if err != nil {
			logger.Warn("config hot reload unavailable", zap.Error(err))
		} else {
			watcher.Start()
			defer watcher.Stop()
		}
	}

	server := newHTTPServer(*listenAddr, reg, db, stream)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()
	logger.Info("auditd ready", zap.String("listen", *listenAddr))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	return 0
}

// buildHandlers enables each alert destination that is configured;
// console is always on.
func buildHandlers(cfg *config.Config, logger *zap.Logger) ([]monitor.Handler, error) {
	handlers := []monitor.Handler{
		monitor.NewConsoleHandler(logger, ""),
	}

	if cfg.Monitor.Webhook.URL != "" {
		webhook, err := monitor.NewWebhookHandler(cfg.Monitor.Webhook)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, webhook)
	}
	if cfg.Monitor.Email.Host != "" {
		email, err := monitor.NewEmailHandler(cfg.Monitor.Email)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, email)
	}
	return handlers, nil
}

func buildTracer(cfg *config.Config, logger *zap.Logger) (*telemetry.Tracer, error) {
	var (
		exporter telemetry.Exporter
		err      error
	)

	switch cfg.Tracing.Exporter {
	case "", "console":
		exporter = telemetry.NewConsoleExporter(logger)
	case "otlp":
		otlpCfg := cfg.Tracing.OTLP
		if token := config.Secret(config.EnvOTLPAPIKey); token != "" {
			otlpCfg.BearerToken = token
		}
		if header := config.Secret(config.EnvOTLPAuth); header != "" {
			otlpCfg.AuthValue = header
		}
		exporter, err = telemetry.NewOTLPExporter(otlpCfg, logger)
	case "jaeger":
		exporter, err = telemetry.NewJaegerExporter(cfg.Tracing.Endpoint, cfg.Tracing.Tracer.ServiceName)
	case "zipkin":
		exporter, err = telemetry.NewZipkinExporter(cfg.Tracing.Endpoint, cfg.Tracing.Tracer.ServiceName)
	default:
		return nil, fmt.Errorf("unknown tracing exporter %q", cfg.Tracing.Exporter)
	}
	if err != nil {
		return nil, err
	}

	return telemetry.NewTracer(cfg.Tracing.Tracer, exporter, logger), nil
}

func newHTTPServer(addr string, reg *metrics.Registry, db *database.Client, stream *monitor.Stream) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	mux.Handle("/alerts/stream", stream)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // websocket stream writes are long-lived
	}
}
