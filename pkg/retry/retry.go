// Package retry retries transient storage failures with exponential backoff.
package retry

import (
	"context"
	stderr "errors"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/objectfs/chunkcache/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts counts the initial attempt
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`

	// Jitter spreads each delay by up to ±20%
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors are retried even when the error is not flagged retryable
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the retry policy used for chunk sources
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeConnectionTimeout,
			errors.ErrCodeConnectionFailed,
			errors.ErrCodeNetworkError,
			errors.ErrCodeStorageRead,
			errors.ErrCodeRateLimited,
		},
	}
}

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config Config
	stats  Stats
}

// Stats counts retry activity since the Retryer was created
type Stats struct {
	Calls     uint64 `json:"calls"`
	Retries   uint64 `json:"retries"`
	Exhausted uint64 `json:"exhausted"`
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 50 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 2 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}

	return &Retryer{config: config}
}

// Do runs fn until it succeeds, fails permanently, runs out of attempts or
// ctx is done. Exhaustion is reported as RETRY_EXHAUSTED wrapping the last
// error.
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) error {
	atomic.AddUint64(&r.stats.Calls, 1)

	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.ErrCodeOperationCanceled, "operation canceled").
				WithComponent("retry")
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.retryable(err) {
			return err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.delay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}
		atomic.AddUint64(&r.stats.Retries, 1)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "operation canceled during backoff").
				WithComponent("retry").
				WithDetail("attempt", attempt)
		case <-timer.C:
		}
	}

	atomic.AddUint64(&r.stats.Exhausted, 1)
	return errors.Wrap(lastErr, errors.ErrCodeRetryExhausted, "retry attempts exhausted").
		WithComponent("retry").
		WithDetail("attempts", r.config.MaxAttempts)
}

func (r *Retryer) retryable(err error) bool {
	if stderr.Is(err, context.Canceled) || stderr.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.IsRetryable(err) {
		return true
	}
	code := errors.CodeOf(err)
	for _, c := range r.config.RetryableErrors {
		if c == code {
			return true
		}
	}
	return false
}

func (r *Retryer) delay(attempt int) time.Duration {
	d := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if d > float64(r.config.MaxDelay) {
		d = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		d += d * 0.2 * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

// Stats returns a snapshot of retry counters
func (r *Retryer) Stats() Stats {
	return Stats{
		Calls:     atomic.LoadUint64(&r.stats.Calls),
		Retries:   atomic.LoadUint64(&r.stats.Retries),
		Exhausted: atomic.LoadUint64(&r.stats.Exhausted),
	}
}
