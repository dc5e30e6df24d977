// Package lock provides distributed generic.KeyLocker implementations.
//
// RedisLocker serializes allocations for one payee across several server
// instances sharing a database. Within one process generic.MutexLocker is
// enough.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/truetype/debt-engine/generic"
)

// ErrLockNotObtained is returned when the payee lock stays held by someone
// else until the caller's deadline (or the TTL) runs out. It matches
// generic.ErrConcurrentAllocationConflict.
var ErrLockNotObtained = fmt.Errorf("%w: payee lock not obtained", generic.ErrConcurrentAllocationConflict)

const (
	DefaultTTL           = 30 * time.Second
	DefaultRetryInterval = 50 * time.Millisecond
	DefaultPrefix        = "debt:payee:"
)

// RedisLocker leases one Redis key per payee.
type RedisLocker struct {
	client        *redislock.Client
	TTL           time.Duration
	RetryInterval time.Duration
	Prefix        string
	Logger        logrus.FieldLogger
}

var _ generic.KeyLocker = (*RedisLocker)(nil)

func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration, logger logrus.FieldLogger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisLocker{
		client:        redislock.New(rdb),
		TTL:           ttl,
		RetryInterval: DefaultRetryInterval,
		Prefix:        DefaultPrefix,
		Logger:        logger,
	}
}

// Lock blocks until the payee lease is obtained or ctx is done. Without a
// deadline on ctx the wait is bounded by TTL. Running out of time waiting
// is reported as ErrLockNotObtained. While held, the lease is refreshed
// every TTL/3 so long allocations keep the payee.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lease, err := l.client.Obtain(ctx, l.Prefix+key, l.TTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.RetryInterval),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s", ErrLockNotObtained, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(lease, key, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// Release on a fresh context so a cancelled request still frees the key.
			err := lease.Release(context.Background())
			if err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				l.Logger.WithFields(logrus.Fields{
					"key": key,
				}).WithError(err).Warn("failed to release payee lock")
			}
		})
	}, nil
}

func (l *RedisLocker) keepAlive(lease *redislock.Lock, key string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := l.TTL / 3
	if interval <= 0 {
		interval = l.TTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := lease.Refresh(ctx, l.TTL, nil)
			cancel()
			if err != nil {
				l.Logger.WithFields(logrus.Fields{
					"key": key,
				}).WithError(err).Warn("failed to refresh payee lock")
				return
			}
		}
	}
}
