package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWrapsExhaustedFailuresAsUnavailable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(2), func() error {
		calls++
		return errors.New("connection refused")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
}

func TestRetryStopsOnConflict(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), func() error {
		calls++
		return ErrConflict
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, calls)
}

func TestRetryReturnsPermanentErrorsUnwrapped(t *testing.T) {
	sentinel := errors.New("duplicate")
	calls := 0
	err := Retry(context.Background(), fastPolicy(4), func() error {
		calls++
		if calls == 1 {
			return errors.New("timeout")
		}
		return Permanent(sentinel)
	})
	assert.ErrorIs(t, err, sentinel)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, calls)
}
