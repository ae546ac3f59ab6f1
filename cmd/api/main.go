package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iago/bulkupload-back/internal/clients"
	"github.com/iago/bulkupload-back/internal/config"
	"github.com/iago/bulkupload-back/internal/domain"
	httpserver "github.com/iago/bulkupload-back/internal/http"
	"github.com/iago/bulkupload-back/internal/http/handlers"
	"github.com/iago/bulkupload-back/internal/ingest"
	"github.com/iago/bulkupload-back/internal/logging"
	"github.com/iago/bulkupload-back/internal/lookup"
	"github.com/iago/bulkupload-back/internal/queue"
	"github.com/iago/bulkupload-back/internal/repository"
	"github.com/iago/bulkupload-back/internal/service"
	"github.com/iago/bulkupload-back/internal/worker"
)

func main() {
	cfg, err := config.Load(".env", ".env.local", "config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := setupStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("initialize record store", zap.Error(err))
	}
	defer closeStore()

	producer, consumer, closeQueue := setupQueue(ctx, cfg, logger)
	defer closeQueue()

	columns, err := setupColumns(cfg)
	if err != nil {
		logger.Fatal("load column config", zap.Error(err))
	}

	downstream := func(baseURL string) clients.Config {
		return clients.Config{
			BaseURL:    baseURL,
			AuthToken:  cfg.DownstreamAuthToken,
			Timeout:    cfg.DownstreamTimeout(),
			MaxRetries: cfg.DownstreamMaxRetries,
		}
	}
	var directory service.EntityReader
	if cfg.DirectoryBaseURL != "" {
		directory = clients.NewDirectoryClient(downstream(cfg.DirectoryBaseURL))
	} else {
		logger.Warn("DIRECTORY_BASE_URL not configured, uploads carry no requester scope")
	}

	writer := ingest.NewBatchWriter(store, cfg.StoreWriteBatchSize, logger)
	jobsService := service.NewJobsService(store, producer)
	uploadService := service.NewUploadService(
		store,
		ingest.NewIngestor(store, writer, logger),
		columns,
		directory,
		jobsService,
		service.UploadConfig{MaxRows: cfg.UploadMaxRows},
		logger,
	)

	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            handlers.NewAPI(uploadService, jobsService, cfg.UploadMaxBytes, logger),
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	if cfg.WorkerEnabled {
		locker, closeLocker := setupLocker(cfg, logger)
		defer closeLocker()

		runner := worker.NewPassRunner(
			store,
			writer,
			clients.NewLocationClient(downstream(cfg.LocationServiceBaseURL)),
			locker,
			logger,
			worker.PassConfig{Shards: cfg.WorkerPassShards},
		)
		runner.Register(domain.ObjectTypeOrganisation, service.NewOrgTaskHandler(
			clients.NewOrgClient(downstream(cfg.OrgServiceBaseURL)),
			columns,
			logger,
		))

		processor := worker.NewProcessor(consumer, runner, logger)
		go processor.Start(ctx)
		logger.Info("worker enabled and started", zap.Int("pass_shards", cfg.WorkerPassShards))
	} else {
		logger.Info("worker disabled by configuration")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("api listening", zap.String("port", cfg.Port))
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func setupStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (repository.RecordStore, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		store, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		logger.Info("postgres record store initialized")
		return store, store.Close, nil
	case "mysql":
		store, err := repository.NewMySQLStore(cfg.MySQLDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		logger.Info("mysql record store initialized")
		return store, func() { _ = store.Close() }, nil
	default:
		logger.Warn("using in-memory record store, jobs are lost on restart")
		return repository.NewMemoryStore(), func() {}, nil
	}
}

func setupQueue(ctx context.Context, cfg config.Config, logger *zap.Logger) (queue.Producer, queue.Consumer, func()) {
	local := func() (queue.Producer, queue.Consumer, func()) {
		q := queue.NewLocalQueue(cfg.QueueBufferSize, cfg.QueueMaxAttempts, logger)
		return q, q, func() {}
	}

	switch cfg.QueueBackend {
	case "redis":
		streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			Stream:      cfg.RedisStream,
			DLQStream:   cfg.RedisDLQ,
			Group:       cfg.RedisGroup,
			Consumer:    cfg.RedisConsumer,
			MaxAttempts: cfg.QueueMaxAttempts,
		})
		if err != nil {
			logger.Error("redis streams queue unavailable, falling back to local queue", zap.Error(err))
			return local()
		}
		logger.Info("redis streams queue initialized")
		return streams, streams, func() { _ = streams.Close() }
	case "rabbitmq":
		rabbit, err := queue.NewRabbitQueue(queue.RabbitConfig{
			URL:         cfg.RabbitMQURL,
			Queue:       cfg.RabbitMQQueue,
			MaxAttempts: cfg.QueueMaxAttempts,
		}, logger)
		if err != nil {
			logger.Error("rabbitmq queue unavailable, falling back to local queue", zap.Error(err))
			return local()
		}
		logger.Info("rabbitmq queue initialized")
		return rabbit, rabbit, rabbit.Close
	default:
		logger.Info("using local in-process queue")
		return local()
	}
}

// setupLocker shares pass locks through Redis when it is configured.
func setupLocker(cfg config.Config, logger *zap.Logger) (worker.JobLocker, func()) {
	if cfg.RedisAddr == "" {
		return worker.NewLocalLocker(), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	logger.Info("redis job locks enabled", zap.Duration("ttl", cfg.JobLockTTL()))
	return worker.NewRedisLocker(client, worker.RedisLockerConfig{TTL: cfg.JobLockTTL()}, logger), func() {
		_ = client.Close()
	}
}

func setupColumns(cfg config.Config) (lookup.ColumnConfigProvider, error) {
	if cfg.ColumnConfigFile == "" {
		return lookup.NewStaticProvider(nil), nil
	}
	return lookup.NewFileProvider(cfg.ColumnConfigFile)
}
