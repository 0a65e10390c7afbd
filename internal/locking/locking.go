// Package locking serializes balance mutations per user, either within one
// process or across processes through redis.
package locking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/storecredits/pkg/ledger"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix     = "storecredits:lock:user:"
	defaultExpiration    = 30 * time.Second
	defaultRetryInterval = 50 * time.Millisecond
	defaultMaxRetries    = 100
	releaseTimeout       = 2 * time.Second

	releaseScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
)

// MemoryLocker holds one mutex per user inside the current process.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mutex   sync.Mutex
	holders int
}

// NewMemoryLocker returns an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*userLock)}
}

// Lock implements ledger.Locker. Waiting stops when ctx is done.
func (locker *MemoryLocker) Lock(ctx context.Context, userID ledger.UserID) (func(), error) {
	key := userID.String()
	locker.mu.Lock()
	entry, ok := locker.locks[key]
	if !ok {
		entry = &userLock{}
		locker.locks[key] = entry
	}
	entry.holders++
	locker.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		entry.mutex.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		return func() { locker.release(key, entry) }, nil
	case <-ctx.Done():
		go func() {
			<-acquired
			locker.release(key, entry)
		}()
		return nil, fmt.Errorf("%w: %v", ledger.ErrLockUnavailable, ctx.Err())
	}
}

func (locker *MemoryLocker) release(key string, entry *userLock) {
	entry.mutex.Unlock()
	locker.mu.Lock()
	defer locker.mu.Unlock()
	entry.holders--
	if entry.holders == 0 {
		delete(locker.locks, key)
	}
}

// RedisLocker acquires SET NX locks in redis with an owner token so a
// holder whose lock expired cannot release someone else's lock.
type RedisLocker struct {
	client        redis.Cmdable
	logger        *zap.Logger
	keyPrefix     string
	expiration    time.Duration
	retryInterval time.Duration
	maxRetries    int
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithExpiration sets the lock time-to-live.
func WithExpiration(expiration time.Duration) RedisOption {
	return func(locker *RedisLocker) {
		if expiration > 0 {
			locker.expiration = expiration
		}
	}
}

// WithRetry sets the polling interval and attempt count while waiting.
func WithRetry(interval time.Duration, maxRetries int) RedisOption {
	return func(locker *RedisLocker) {
		if interval > 0 {
			locker.retryInterval = interval
		}
		if maxRetries > 0 {
			locker.maxRetries = maxRetries
		}
	}
}

// WithKeyPrefix overrides the redis key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(locker *RedisLocker) {
		if prefix != "" {
			locker.keyPrefix = prefix
		}
	}
}

// NewRedisLocker wires a RedisLocker.
func NewRedisLocker(client redis.Cmdable, logger *zap.Logger, options ...RedisOption) *RedisLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	locker := &RedisLocker{
		client:        client,
		logger:        logger,
		keyPrefix:     defaultKeyPrefix,
		expiration:    defaultExpiration,
		retryInterval: defaultRetryInterval,
		maxRetries:    defaultMaxRetries,
	}
	for _, option := range options {
		if option != nil {
			option(locker)
		}
	}
	return locker
}

// Key returns the redis key guarding userID.
func (locker *RedisLocker) Key(userID ledger.UserID) string {
	return locker.keyPrefix + userID.String()
}

// Lock implements ledger.Locker.
func (locker *RedisLocker) Lock(ctx context.Context, userID ledger.UserID) (func(), error) {
	key := locker.Key(userID)
	owner := uuid.NewString()
	for attempt := 0; attempt < locker.maxRetries; attempt++ {
		acquired, err := locker.client.SetNX(ctx, key, owner, locker.expiration).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ledger.ErrLockUnavailable, err)
		}
		if acquired {
			return func() { locker.unlock(key, owner) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ledger.ErrLockUnavailable, ctx.Err())
		case <-time.After(locker.retryInterval):
		}
	}
	return nil, fmt.Errorf("%w: %s held after %d attempts", ledger.ErrLockUnavailable, key, locker.maxRetries)
}

func (locker *RedisLocker) unlock(key string, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := locker.client.Eval(ctx, releaseScript, []string{key}, owner).Err(); err != nil {
		locker.logger.Warn("lock release failed", zap.String("key", key), zap.Error(err))
	}
}
