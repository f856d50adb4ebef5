// Package retry provides retry logic with exponential backoff, shared by
// the account write-lock acquisition loop (component H) and the optional
// cloud-mirror uploads (internal/raid/clouddisc).
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/coldvault/backupstore/pkg/errors"
)

// Config defines retry behavior configuration.
type Config struct {
	// MaxAttempts is the maximum number of retry attempts (including the
	// initial attempt).
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which delay increases after each retry.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds randomness to delay to prevent thundering herd.
	Jitter bool `yaml:"jitter" json:"jitter"`

	// Constant, when true, uses a fixed InitialDelay between attempts
	// instead of exponential backoff. The write-lock acquisition loop
	// (spec §4.I: "retry a bounded number of times with 1-second
	// sleeps") uses this.
	Constant bool `yaml:"constant" json:"constant"`

	// RetryableErrors is the list of error codes that should trigger a
	// retry. An error not carrying one of these codes (via
	// errors.CodeOf) is returned immediately.
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns a sensible default exponential-backoff config.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrStorageIO,
			errors.ErrRetryExhausted,
			errors.ErrInternal,
		},
	}
}

// LockRetryConfig returns the bounded, constant-interval retry policy
// spec §4.I mandates for account write-lock acquisition: a small number
// of attempts, one second apart, no jitter.
func LockRetryConfig(maxAttempts int) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Second,
		MaxDelay:     time.Second,
		Multiplier:   1.0,
		Constant:     true,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCannotLockStoreForWriting,
		},
	}
}

// Retryer executes operations under a Config, backed by
// github.com/cenkalti/backoff/v4 for the underlying delay schedule.
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration.
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	return &Retryer{config: config}
}

func (r *Retryer) newBackOff() backoff.BackOff {
	if r.config.Constant {
		return backoff.NewConstantBackOff(r.config.InitialDelay)
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.config.InitialDelay
	eb.MaxInterval = r.config.MaxDelay
	eb.Multiplier = r.config.Multiplier
	eb.MaxElapsedTime = 0 // bounded by MaxAttempts via WithMaxRetries, not elapsed time
	if !r.config.Jitter {
		eb.RandomizationFactor = 0
	}
	eb.Reset()
	return eb
}

// Do executes fn with retry logic using a background context.
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes fn with retry logic, honoring ctx cancellation.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), uint64(r.config.MaxAttempts-1)), ctx)

	attempt := 0
	var lastErr error
	operation := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !r.shouldRetry(err, attempt) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}
	}

	err := backoff.RetryNotify(operation, b, notify)
	if err == nil {
		return nil
	}
	if stderr.Is(ctx.Err(), context.Canceled) || stderr.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("operation canceled after %d attempts: %w", attempt, ctx.Err())
	}
	if attempt >= r.config.MaxAttempts {
		return fmt.Errorf("max retry attempts (%d) exceeded: %w", r.config.MaxAttempts, lastErr)
	}
	return err
}

// shouldRetry determines if an error is retryable.
func (r *Retryer) shouldRetry(err error, attempt int) bool {
	if attempt >= r.config.MaxAttempts {
		return false
	}
	code := errors.CodeOf(err)
	for _, c := range r.config.RetryableErrors {
		if c == code {
			return true
		}
	}
	return false
}

// WithMaxAttempts returns a new Retryer with modified max attempts.
func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	newConfig := r.config
	newConfig.MaxAttempts = attempts
	return New(newConfig)
}

// WithOnRetry returns a new Retryer with a retry callback.
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	newConfig := r.config
	newConfig.OnRetry = callback
	return New(newConfig)
}

// Stats tracks aggregate retry statistics recorded by a StatsCollector.
type Stats struct {
	TotalAttempts   int           `json:"total_attempts"`
	SuccessfulRetry int           `json:"successful_retry"`
	FailedRetry     int           `json:"failed_retry"`
	TotalDelay      time.Duration `json:"total_delay"`
	MaxAttemptsUsed int           `json:"max_attempts_used"`
}

// StatsCollector collects retry statistics across many Retryer calls.
type StatsCollector struct {
	stats Stats
}

// NewStatsCollector creates a new stats collector.
func NewStatsCollector() *StatsCollector { return &StatsCollector{} }

// RecordAttempt records a retry attempt.
func (sc *StatsCollector) RecordAttempt(attempts int, success bool, delay time.Duration) {
	sc.stats.TotalAttempts++
	if success {
		sc.stats.SuccessfulRetry++
	} else {
		sc.stats.FailedRetry++
	}
	sc.stats.TotalDelay += delay
	if attempts > sc.stats.MaxAttemptsUsed {
		sc.stats.MaxAttemptsUsed = attempts
	}
}

// GetStats returns current statistics.
func (sc *StatsCollector) GetStats() Stats { return sc.stats }

// Reset resets statistics.
func (sc *StatsCollector) Reset() { sc.stats = Stats{} }
