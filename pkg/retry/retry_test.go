package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldvault/backupstore/pkg/errors"
)

func TestRetryerSuccess(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryerRetriesRetryableError(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 4
	config.InitialDelay = time.Millisecond
	config.MaxDelay = 5 * time.Millisecond
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		if attempts < 3 {
			return errors.New(errors.ErrStorageIO, "transient stripe read error")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryerDoesNotRetryNonRetryableError(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 5
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return errors.New(errors.ErrTargetNameExists, "name already exists")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryerExhaustsAttempts(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = time.Millisecond
	config.MaxDelay = 2 * time.Millisecond
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return errors.New(errors.ErrStorageIO, "always fails")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryerHonorsContextCancellation(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 10
	config.InitialDelay = 50 * time.Millisecond
	retryer := New(config)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	attempts := 0
	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		attempts++
		return errors.New(errors.ErrStorageIO, "still failing")
	})

	require.Error(t, err)
	assert.Less(t, attempts, 10)
}

func TestLockRetryConfigIsConstantInterval(t *testing.T) {
	cfg := LockRetryConfig(3)
	assert.True(t, cfg.Constant)
	assert.Equal(t, time.Second, cfg.InitialDelay)
	assert.Equal(t, 3, cfg.MaxAttempts)

	retryer := New(cfg)
	attempts := 0
	start := time.Now()
	err := retryer.Do(func() error {
		attempts++
		return errors.New(errors.ErrCannotLockStoreForWriting, "locked by housekeeping")
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
}

func TestStatsCollector(t *testing.T) {
	sc := NewStatsCollector()
	sc.RecordAttempt(1, true, 0)
	sc.RecordAttempt(3, false, 300*time.Millisecond)

	stats := sc.GetStats()
	assert.Equal(t, 2, stats.TotalAttempts)
	assert.Equal(t, 1, stats.SuccessfulRetry)
	assert.Equal(t, 1, stats.FailedRetry)
	assert.Equal(t, 3, stats.MaxAttemptsUsed)

	sc.Reset()
	assert.Equal(t, Stats{}, sc.GetStats())
}
