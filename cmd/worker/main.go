// Package main runs the background job worker (session archive and cleanup).
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-tokprompt/backend/config"
	"github.com/aura-tokprompt/backend/internal/clock"
	"github.com/aura-tokprompt/backend/internal/docstore"
	"github.com/aura-tokprompt/backend/internal/messagebus"
	"github.com/aura-tokprompt/backend/internal/sessionlog"
	"github.com/aura-tokprompt/backend/internal/sessions"
	"github.com/aura-tokprompt/backend/internal/worker"
	"github.com/aura-tokprompt/backend/pkg/database"
	"github.com/aura-tokprompt/backend/pkg/queue"
	"github.com/aura-tokprompt/backend/pkg/redis"
	"github.com/aura-tokprompt/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	redisOpts, err := redis.Options(cfg.Redis.URL, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("redis config", zap.Error(err))
	}
	rdb, err := redis.NewClient(ctx, redisOpts, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var archive worker.Archiver
	if cfg.AWS.ArchiveBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			ArchiveBucket:   cfg.AWS.ArchiveBucket,
			Endpoint:        cfg.AWS.Endpoint,
		}, logger)
		if err != nil {
			logger.Fatal("s3", zap.Error(err))
		}
		archive = s3Client
	} else {
		logger.Warn("AWS_S3_ARCHIVE_BUCKET not set, session archiving disabled")
	}

	clk := clock.Real()
	store := docstore.NewRedisStore(rdb.Client, logger)
	sessionManager := sessions.NewManager(store, clk, logger, cfg.Session.Retention)
	bus := messagebus.NewBus(store, sessionManager, clk, logger, cfg.Session.MessageQueue)
	tracker := sessionlog.NewTracker(sessionlog.NewRepository(pool), clk, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		processor := worker.NewCleanupProcessor(jobQueue, sessionManager, bus, tracker, archive, logger.With(zap.Int("worker", i)))
		processor.SetBackoff(cfg.Worker.RetryBackoff)
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor.Run(workerCtx)
		}()
	}
	logger.Info("worker started", zap.Int("concurrency", cfg.Worker.Concurrency))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	wg.Wait()
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
