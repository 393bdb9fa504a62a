package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/cuongbtq/agentflow/internal/budget"
	"github.com/cuongbtq/agentflow/internal/config"
	"github.com/cuongbtq/agentflow/internal/domain"
	"github.com/cuongbtq/agentflow/internal/engine"
	"github.com/cuongbtq/agentflow/internal/ingest"
	"github.com/cuongbtq/agentflow/internal/jobstore"
	"github.com/cuongbtq/agentflow/internal/llm"
	"github.com/cuongbtq/agentflow/internal/metrics"
	"github.com/cuongbtq/agentflow/internal/monitoring"
	"github.com/cuongbtq/agentflow/internal/notify"
	"github.com/cuongbtq/agentflow/internal/progress"
	"github.com/cuongbtq/agentflow/internal/ratelimit"
	"github.com/cuongbtq/agentflow/internal/tools"
	"github.com/cuongbtq/agentflow/internal/worker"
	"github.com/cuongbtq/agentflow/migrations"
	"github.com/cuongbtq/agentflow/shared/logger"
	"github.com/cuongbtq/agentflow/shared/postgresql"
	"github.com/cuongbtq/agentflow/shared/rabbitmq"
	"github.com/cuongbtq/agentflow/shared/redis"
)

const snapshotLogInterval = time.Minute

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL client and apply the ledger schema
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if err := dbClient.Migrate(ctx, migrations.FS); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	// Initialize Redis client
	redisClient, err := initRedis(&cfg.Redis, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}
	defer redisClient.Close()
	rdb := redisClient.GetClient()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Queue, admission and budget
	limiter := ratelimit.New(rdb, cfg.RateLimits, m, appLogger.Component("ratelimit"))
	store := jobstore.New(rdb, cfg.Queues, limiter, m, appLogger.Component("jobstore"))
	ledger := budget.NewLedger(dbClient.GetDB(), appLogger.Component("ledger"))
	guard := budget.NewGuard(ledger, cfg.Budget, appLogger.Component("budget"))

	// Tool-execution engine
	registry, err := tools.RegistryFromConfig(cfg.Tools)
	if err != nil {
		return fmt.Errorf("failed to build tool registry: %w", err)
	}
	model := llm.NewHTTPProvider(cfg.LLM, appLogger.Component("llm"))
	exec := engine.New(model, registry, guard, ledger, budget.NewPricing(cfg.Pricing), cfg.Engine, m, appLogger.Component("engine"))

	// Progress side channel
	publisher := progress.NewRedisPublisher(rdb, cfg.Progress, m, appLogger.Component("progress"))
	publisher.Start(ctx)

	// Outbound delivery
	var deliverer notify.Deliverer = notify.NewLogDeliverer(appLogger.Component("notify"))
	var deliveryClient *rabbitmq.Client
	if cfg.Delivery.Enabled {
		deliveryClient, err = initRabbitMQ(&cfg.Delivery, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize delivery broker: %w", err)
		}
		defer deliveryClient.Close()
		deliverer = notify.NewAMQPDeliverer(deliveryClient, appLogger.Component("notify"))
	}

	eventHandler := worker.NewEventHandler(rdb, store, cfg.Dedupe.EventTTL, m, appLogger.Component("events"))
	orchestrationHandler := worker.NewOrchestrationHandler(exec, store, store, publisher, cfg.Engine.MaxRequestLength, appLogger.Component("orchestration"))
	notificationHandler := worker.NewNotificationHandler(rdb, deliverer, cfg.Dedupe.DeliveryTTL, m, appLogger.Component("notifications"))

	handlers := map[string]worker.Handler{
		domain.QueueEvents:        eventHandler,
		domain.QueueOrchestration: orchestrationHandler,
		domain.QueueNotifications: notificationHandler,
	}

	var pools []*worker.Pool
	for _, queue := range store.Queues() {
		handler, ok := handlers[queue]
		if !ok {
			appLogger.Warn("No handler for queue, skipping", slog.String("queue", queue))
			continue
		}
		pool := worker.NewPool(&worker.Config{
			Logger:   appLogger.Component("worker"),
			Metrics:  m,
			Store:    store,
			Queue:    queue,
			WorkerID: workerID,
			Settings: cfg.Queues[queue],
			Handler:  handler,
		})
		pool.Start(ctx)
		pools = append(pools, pool)
	}

	errChan := make(chan error, 2)

	// Ingestion bridge from the platform connector queue
	var bridgeDone sync.WaitGroup
	var ingestClient *rabbitmq.Client
	if cfg.Ingest.Enabled {
		ingestClient, err = initRabbitMQ(&cfg.Ingest, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize ingest broker: %w", err)
		}
		defer ingestClient.Close()

		bridge := ingest.NewBridge(ingestClient, store, workerID, cfg.Ingest.Consumer.PrefetchCount, appLogger.Component("ingest"))
		bridgeDone.Add(1)
		go func() {
			defer bridgeDone.Done()
			if err := bridge.Run(ctx); err != nil {
				errChan <- err
			}
		}()
	}

	// Metrics and health endpoint
	monitor := monitoring.New(store, limiter, guard, cfg.Monitoring, appLogger.Component("monitoring"))
	checks := []healthChecker{redisClient, dbClient}
	for _, broker := range []*rabbitmq.Client{ingestClient, deliveryClient} {
		if broker != nil {
			checks = append(checks, broker)
		}
	}
	metricsSrv := initMetricsServer(cfg.Server.MetricsPort, reg, checks...)
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server failed: %w", err)
		}
	}()

	go logSnapshots(ctx, monitor, snapshotLogInterval, appLogger.Component("monitoring"))

	appLogger.Info("Worker service started successfully",
		slog.Int("pools", len(pools)),
		slog.Bool("ingest", cfg.Ingest.Enabled),
		slog.Bool("delivery", cfg.Delivery.Enabled),
		slog.Int("metrics_port", cfg.Server.MetricsPort),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", runErr),
		)
	}

	// Cancel context to stop pools and the bridge
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		for _, pool := range pools {
			pool.Stop()
		}
		bridgeDone.Wait()
		publisher.Close()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Workers stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Metrics server forced to shutdown", slog.Any("error", err))
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// logSnapshots writes a queue summary to the log every interval
func logSnapshots(ctx context.Context, monitor *monitoring.Monitor, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := monitor.Snapshot(ctx)
			if err != nil {
				logger.Warn("Failed to read queue snapshot", slog.Any("error", err))
				continue
			}
			for _, q := range snap.Queues {
				logger.Info("Queue status",
					slog.String("queue", q.Queue),
					slog.Int64("waiting", q.Waiting),
					slog.Int64("active", q.Active),
					slog.Int64("delayed", q.Delayed),
					slog.Float64("throughput_per_minute", q.Throughput),
					slog.Int64("p95_ms", q.Latency.P95),
				)
			}
		}
	}
}

// healthChecker is a dependency the worker cannot run without
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// initMetricsServer serves Prometheus metrics and a dependency health check
func initMetricsServer(port int, reg *prometheus.Registry, checks ...healthChecker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.MetricsHandler(reg))
	mux.HandleFunc("/health", healthHandler(checks...))

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRedis initializes the Redis client
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(&redis.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, logger)
}

// initRabbitMQ initializes a RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		DeadLetterExchange: cfg.Queue.DeadLetterExchange,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// healthHandler answers 503 with the first failing dependency
func healthHandler(checks ...healthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, check := range checks {
			if err := check.HealthCheck(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"agentflow-worker"}`))
	}
}
