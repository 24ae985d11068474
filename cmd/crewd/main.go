package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crewdock/crewd/internal/application/budget"
	"github.com/crewdock/crewd/internal/application/classifier"
	"github.com/crewdock/crewd/internal/application/orchestrator"
	"github.com/crewdock/crewd/internal/application/synthesizer"
	"github.com/crewdock/crewd/internal/application/workers"
	"github.com/crewdock/crewd/internal/config"
	memoryevents "github.com/crewdock/crewd/pkg/adapters/events/memory"
	redisevents "github.com/crewdock/crewd/pkg/adapters/events/redis"
	"github.com/crewdock/crewd/pkg/adapters/llm"
	"github.com/crewdock/crewd/pkg/adapters/metrics/prometheus"
	memorystore "github.com/crewdock/crewd/pkg/adapters/store/memory"
	redisstore "github.com/crewdock/crewd/pkg/adapters/store/redis"
	"github.com/crewdock/crewd/pkg/api/grpc"
	"github.com/crewdock/crewd/pkg/api/http"
	"github.com/crewdock/crewd/pkg/api/websocket"
	"github.com/crewdock/crewd/pkg/domain"
	"github.com/crewdock/crewd/pkg/ports"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting crewd coordinator",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("store_backend", cfg.StoreBackend))

	// Initialize storage and event bus
	var (
		store       ports.CoordinationStore
		eventBus    ports.EventBus
		redisClient *goredis.Client
	)

	switch cfg.StoreBackend {
	case "redis":
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})

		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

		store = redisstore.NewStore(redisClient, 24*time.Hour, logger)
		eventBus = redisevents.NewStreamsBus(
			redisClient,
			"crewd-workers",
			fmt.Sprintf("crewd-%d", os.Getpid()),
			logger,
		)
	default:
		store = memorystore.NewStore()
		eventBus = memoryevents.NewBus(logger)
	}

	llmClient, err := llm.NewClient(&cfg.LLM, logger)
	if err != nil {
		logger.Fatal("failed to create LLM client", zap.Error(err))
	}

	metricsCollector := prometheus.NewCollector()

	// Initialize application components
	tracker := budget.NewTracker(
		cfg.Budget.WindowLimit,
		cfg.Budget.WindowDuration,
		metricsCollector,
		logger,
		budget.WithTierChangeHook(func(from, to domain.BudgetTier, state domain.BudgetState) {
			// Fleet-wide signal, not tied to any one request.
			go func() {
				event := domain.Event{
					ID:        uuid.New().String(),
					Type:      domain.EventTypeBudgetTier,
					Timestamp: time.Now().UTC(),
					Data: map[string]interface{}{
						"from":         string(from),
						"to":           string(to),
						"window_spend": state.WindowSpend,
						"window_limit": state.WindowLimit,
					},
				}
				if err := eventBus.Publish(context.Background(), domain.TopicRequestEvents, event); err != nil {
					logger.Error("failed to publish budget tier event", zap.Error(err))
				}
			}()
		}),
	)

	taskClassifier := classifier.New(metricsCollector, logger)
	resultSynthesizer := synthesizer.New(store, logger)

	// Terminal outputs log here; channel collaborators subscribe to
	// request.events for delivery.
	notifier := ports.NotifierFunc(func(ctx context.Context, output *domain.FinalOutput) {
		logger.Info("request reached terminal state",
			zap.String("request_id", output.RequestID),
			zap.String("source_channel", output.SourceChannel),
			zap.Float64("confidence", output.Confidence),
			zap.Int("failures", len(output.Failures)))
	})

	orchestratorMgr := orchestrator.NewManager(
		orchestrator.Config{
			Interval:      cfg.Scheduler.Interval,
			MaxAttempts:   cfg.Scheduler.MaxAttempts,
			TaskTimeout:   cfg.Scheduler.TaskTimeout,
			MaxHoldPasses: cfg.Scheduler.MaxHoldPasses,
		},
		eventBus,
		store,
		taskClassifier,
		tracker,
		resultSynthesizer,
		notifier,
		cfg.Roster(),
		metricsCollector,
		logger,
	)

	workerPool := workers.NewPool(
		workers.Options{
			Size:                cfg.Scheduler.PoolSize,
			CacheTTL:            cfg.Scheduler.CacheTTL,
			TaskTimeout:         cfg.Scheduler.TaskTimeout,
			HealthCheckInterval: cfg.Scheduler.HealthCheckInterval,
		},
		eventBus,
		store,
		llmClient,
		tracker,
		metricsCollector,
		logger,
	)

	// Start the pool before the orchestrator so dispatched tasks always
	// have a consumer.
	if err := workerPool.Start(); err != nil {
		logger.Fatal("failed to start worker pool", zap.Error(err))
	}

	if err := orchestratorMgr.Start(); err != nil {
		logger.Fatal("failed to start orchestrator", zap.Error(err))
	}

	// Initialize API servers
	httpServer := http.NewServer(&http.Config{
		Port:         cfg.HTTPPort,
		Orchestrator: orchestratorMgr,
		Pool:         workerPool,
		Logger:       logger,
	})

	wsHandler := websocket.NewHandler(eventBus, logger)
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:   cfg.GRPCPort,
		Pool:   workerPool,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	// Start servers
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("crewd coordinator started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("worker_pool_size", cfg.Scheduler.PoolSize),
		zap.Float64("budget_window_limit", cfg.Budget.WindowLimit))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	// Graceful shutdown. Stop the rim first so no new requests arrive while
	// the core drains.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	if err := orchestratorMgr.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", zap.Error(err))
	}

	if err := workerPool.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker pool shutdown error", zap.Error(err))
	}

	if err := eventBus.Close(); err != nil {
		logger.Error("event bus close error", zap.Error(err))
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Redis close error", zap.Error(err))
		}
	}

	logger.Info("crewd coordinator shut down complete")
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
