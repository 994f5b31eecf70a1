package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aescanero/conductor/internal/application/endpoints"
	"github.com/aescanero/conductor/internal/application/orchestrator"
	"github.com/aescanero/conductor/internal/application/workers"
	"github.com/aescanero/conductor/internal/config"
	redisevents "github.com/aescanero/conductor/pkg/adapters/events/redis"
	"github.com/aescanero/conductor/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/conductor/pkg/adapters/rpc"
	redisscheduler "github.com/aescanero/conductor/pkg/adapters/scheduler/redis"
	memorystorage "github.com/aescanero/conductor/pkg/adapters/storage/memory"
	redisstorage "github.com/aescanero/conductor/pkg/adapters/storage/redis"
	sqlitestorage "github.com/aescanero/conductor/pkg/adapters/storage/sqlite"
	"github.com/aescanero/conductor/pkg/api/grpc"
	"github.com/aescanero/conductor/pkg/api/http"
	"github.com/aescanero/conductor/pkg/api/websocket"
	"github.com/aescanero/conductor/pkg/domain"
	"github.com/aescanero/conductor/pkg/ports"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// repository is what a storage backend provides
type repository interface {
	ports.ExecutionRepository
	ports.EndpointRepository
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the conductor",
		Long: `Starts the dispatch pool together with the HTTP, WebSocket and gRPC APIs.
Configuration is read from the environment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func openRepository(cfg *config.Config, redisClient *goredis.Client, logger *zap.Logger) (repository, func() error, error) {
	switch cfg.Storage.Backend {
	case config.StorageSQLite:
		store, err := sqlitestorage.Open(cfg.Storage.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.StorageMemory:
		return memorystorage.NewInMemoryStore(), func() error { return nil }, nil
	default:
		return redisstorage.NewStore(redisClient, cfg.Storage.TTL, logger), func() error { return nil }, nil
	}
}

func serve(cfg *config.Config) error {
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting conductor",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("storage", cfg.Storage.Backend))

	// Initialize Redis client
	redisClient := goredis.NewClient(&goredis.Options{
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

	// Test Redis connection
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

	// Initialize adapters
	eventBus, err := redisevents.NewStreamsEventBus(
		redisClient,
		cfg.Redis.StreamGroup,
		fmt.Sprintf("conductor-%d", os.Getpid()),
		cfg.Redis.StreamMaxLen,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}

	store, closeStore, err := openRepository(cfg, redisClient, logger)
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
	}

	taskTypes := domain.DefaultTaskTypes()
	metricsCollector := prometheus.NewCollector(nil)

	registry := redisscheduler.NewRegistry(redisClient, cfg.Workers.ServiceTTL, logger)
	scheduler := redisscheduler.NewScheduler(registry, taskTypes, logger)
	clients := rpc.NewClientFactory(cfg.Timeouts.RPCCallTimeout, logger)

	// Initialize application components
	resolver := workers.NewResolver(
		scheduler,
		registry,
		clients,
		store,
		metricsCollector,
		logger,
		workers.ResolverConfig{
			RetryCount:  cfg.Resolver.RetryCount,
			RetryPeriod: cfg.Resolver.RetryPeriod,
		},
	)

	pool := workers.NewPool(
		cfg.Workers.PoolSize,
		resolver,
		store,
		eventBus,
		metricsCollector,
		logger,
		workers.HealthConfig{
			Interval:     cfg.Workers.HealthCheckInterval,
			ProbeTimeout: cfg.Workers.ProbeTimeout,
			Scheduler:    scheduler,
			Clients:      clients,
		},
	)

	orchestratorMgr := orchestrator.NewManager(
		store,
		store,
		pool,
		eventBus,
		metricsCollector,
		orchestrator.NewPlanner(orchestrator.NewBuilder(taskTypes)),
		orchestrator.NewValidator(taskTypes),
		logger,
		cfg.Timeouts.ExecutionTimeout,
	)
	pool.SetResultHandler(orchestratorMgr)

	endpointService := endpoints.NewService(store, store, resolver, scheduler, clients, logger)

	if err := pool.Start(); err != nil {
		return fmt.Errorf("failed to start dispatch pool: %w", err)
	}

	// Initialize API servers
	httpServer := http.NewServer(&http.Config{
		Port:       cfg.HTTPPort,
		Executions: orchestratorMgr,
		Endpoints:  endpointService,
		Health:     pool.Health(),
		TaskTypes:  taskTypes,
		Logger:     logger,
	})

	wsHandler := websocket.NewHandler(eventBus, logger)
	if err := wsHandler.Start(ctx); err != nil {
		return fmt.Errorf("failed to subscribe WebSocket handler: %w", err)
	}
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:       cfg.GRPCPort,
		Executions: orchestratorMgr,
		Registry:   registry,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create gRPC server: %w", err)
	}

	// Start servers
	errCh := make(chan error, 2)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- fmt.Errorf("gRPC server failed: %w", err)
		}
	}()

	logger.Info("conductor started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("dispatch_pool_size", cfg.Workers.PoolSize))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-errCh:
		logger.Error("server stopped", zap.Error(runErr))
	}

	// Graceful shutdown
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

	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Error("dispatch pool shutdown error", zap.Error(err))
	}

	if err := eventBus.Close(); err != nil {
		logger.Error("event bus close error", zap.Error(err))
	}

	if err := closeStore(); err != nil {
		logger.Error("storage close error", zap.Error(err))
	}

	if err := redisClient.Close(); err != nil {
		logger.Error("Redis close error", zap.Error(err))
	}

	logger.Info("conductor shut down complete")
	return runErr
}
