// Package storage holds the pieces shared by every backing store: the error
// taxonomy, bounded retries and the Redis client constructor.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"

	"showsync/broker/internal/config"
)

var (
	// ErrUnavailable reports that the backing store could not be reached after retries.
	ErrUnavailable = errors.New("store unavailable")
	// ErrConflict reports that a conditional write lost against a concurrent writer.
	ErrConflict = errors.New("revision conflict")
	// ErrNotFound reports that the requested record does not exist.
	ErrNotFound = errors.New("not found")
)

// RetryPolicy bounds how often a failing store call is retried.
type RetryPolicy struct {
	MaxRetries  int
	InitialWait time.Duration
	MaxWait     time.Duration
}

// DefaultRetryPolicy mirrors the configured defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: config.DefaultStoreRetries, InitialWait: config.DefaultStoreBackoff, MaxWait: time.Second}
}

// PolicyFromConfig derives the retry policy from the store configuration.
func PolicyFromConfig(cfg config.StoreConfig) RetryPolicy {
	policy := DefaultRetryPolicy()
	policy.MaxRetries = cfg.MaxRetries
	if cfg.RetryBackoff > 0 {
		policy.InitialWait = cfg.RetryBackoff
	}
	return policy
}

// Retry runs fn until it succeeds, returns a permanent error, or the policy is
// exhausted. Conflicts and not-found results are returned immediately. Exhausted
// transient failures are wrapped in ErrUnavailable.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	exp := backoff.NewExponentialBackOff()
	if policy.InitialWait > 0 {
		exp.InitialInterval = policy.InitialWait
	}
	if policy.MaxWait > 0 {
		exp.MaxInterval = policy.MaxWait
	}
	exp.MaxElapsedTime = 0
	retries := policy.MaxRetries
	if retries < 0 {
		retries = 0
	}
	strategy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)

	var last error
	err := backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		//1.- Permanent failures end the loop and are returned unwrapped.
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			last = nil
			return err
		}
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
			last = nil
			return backoff.Permanent(err)
		}
		last = err
		return err
	}, strategy)
	if err == nil {
		return nil
	}
	if last != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, last)
	}
	return err
}

// Permanent marks err as non-retryable for Retry.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// NewRedisClient dials Redis and verifies the connection with a ping.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}
