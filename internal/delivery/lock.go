package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Locker hands out the drain lock. Acquire never blocks waiting for a holder:
// ok is false when another drain is running. release must be called exactly
// once when ok is true.
type Locker interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

// LocalLocker serializes drains inside one process.
type LocalLocker struct {
	mu sync.Mutex
}

// NewLocalLocker constructs a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{}
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(context.Context) (func(), bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	return l.mu.Unlock, true, nil
}

const (
	// DrainLockKey is shared by the bot and the worker binary.
	DrainLockKey   = "fieldledger:drain"
	defaultLockTTL = time.Minute
)

// RedisLocker holds the drain lock in Redis so separate processes never drain
// at the same time. The lock is refreshed while held; if the holder dies the
// key expires after the TTL.
type RedisLocker struct {
	client *redislock.Client
	key    string
	ttl    time.Duration
	log    *logrus.Entry
}

// NewRedisLocker builds a RedisLocker on an existing go-redis client.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration, logger *logrus.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{
		client: redislock.New(rdb),
		key:    DrainLockKey,
		ttl:    ttl,
		log:    logger.WithField("component", "drain-lock"),
	}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context) (func(), bool, error) {
	lock, err := l.client.Obtain(ctx, l.key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("obtain redis lock: %w", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				refreshCtx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
				err := lock.Refresh(refreshCtx, l.ttl, nil)
				cancel()
				if err != nil {
					l.log.WithError(err).Warn("refresh drain lock")
				}
			}
		}
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				l.log.WithError(err).Warn("release drain lock")
			}
		})
	}
	return release, true, nil
}
