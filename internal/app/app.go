// Package app holds the wiring shared by the bot, the worker and the admin
// CLI: opening the queue store and choosing the drain lock.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/FieldLedger/internal/config"
	"github.com/dharsanguruparan/FieldLedger/internal/database"
	"github.com/dharsanguruparan/FieldLedger/internal/delivery"
	"github.com/dharsanguruparan/FieldLedger/internal/model"
	"github.com/dharsanguruparan/FieldLedger/internal/repository"
	"github.com/dharsanguruparan/FieldLedger/internal/storage"
)

// Store is the full queue surface used across binaries. Both
// repository.QueueRepository and storage.MemoryQueue implement it.
type Store interface {
	delivery.Queue
	RecoverStale(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (model.QueueStats, error)
	Get(ctx context.Context, id int64) (*model.QueueRecord, error)
	ListFailed(ctx context.Context, limit int) ([]model.QueueRecord, error)
	Retry(ctx context.Context, id int64) (int64, error)
	PurgeDone(ctx context.Context, olderThan time.Time) (int64, error)
	Ping(ctx context.Context) error
}

var (
	_ Store = (*repository.QueueRepository)(nil)
	_ Store = (*storage.MemoryQueue)(nil)
)

// WorkerID names this process in leased_by, e.g. "bot@host-5f1c2a".
func WorkerID(role string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s@%s-%s", role, host, uuid.NewString()[:8])
}

// OpenStore opens the configured queue backend. For Postgres, migrations are
// applied first. The returned close function is never nil.
func OpenStore(ctx context.Context, cfg *config.Config, workerID string, logger *logrus.Logger) (Store, func(), error) {
	if cfg.QueueBackend == config.BackendMemory {
		logger.WithField("component", "queue").Warn("using in-memory queue; queued reports are lost on restart")
		return storage.NewMemoryQueue(workerID), func() {}, nil
	}
	if err := cfg.ValidateQueue(); err != nil {
		return nil, func() {}, err
	}
	if err := database.Migrate(cfg.DatabaseURL, logger); err != nil {
		return nil, func() {}, fmt.Errorf("migrate: %w", err)
	}
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, func() {}, fmt.Errorf("connect database: %w", err)
	}
	return repository.NewQueueRepository(pool, workerID), pool.Close, nil
}

// NewRedis returns a go-redis client when REDIS_ADDR is set, nil otherwise.
func NewRedis(cfg *config.Config) *redis.Client {
	if !cfg.RedisEnabled() {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewAsynqClient connects the drain task client to the same Redis.
func NewAsynqClient(cfg *config.Config) *asynq.Client {
	return asynq.NewClient(RedisOpt(cfg))
}

// RedisOpt is the asynq connection option for REDIS_*.
func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// NewLocker picks the drain lock: Redis-backed when a client is given so the
// bot and the worker exclude each other, in-process otherwise.
func NewLocker(rdb *redis.Client, logger *logrus.Logger) delivery.Locker {
	if rdb == nil {
		return delivery.NewLocalLocker()
	}
	return delivery.NewRedisLocker(rdb, time.Minute, logger)
}

// RecoverStale re-queues records orphaned in processing by a crash. It holds
// the drain lock so a record another process is delivering right now is left
// alone. When the lock is busy recovery is skipped here; every drain repeats
// it under the same lock, so the records are picked up by the next drain.
func RecoverStale(ctx context.Context, store Store, locker delivery.Locker, logger *logrus.Logger) error {
	entry := logger.WithField("component", "queue")
	release, ok, err := locker.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire drain lock: %w", err)
	}
	if !ok {
		entry.Info("drain in progress elsewhere, skipping stale record recovery")
		return nil
	}
	defer release()

	n, err := store.RecoverStale(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		entry.WithField("records", n).Warn("re-queued records left in processing")
	}
	return nil
}
