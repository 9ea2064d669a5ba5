package storage

import (
	"context"
	stderrors "errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/objectfs/chunkcache/internal/circuit"
	"github.com/objectfs/chunkcache/pkg/errors"
	"github.com/objectfs/chunkcache/pkg/retry"
	"github.com/objectfs/chunkcache/pkg/utils"
)

// ResilientConfig configures the wrapper. A nil Breaker or a zero
// RequestsPerSecond disables that stage.
type ResilientConfig struct {
	Retry   retry.Config
	Breaker *circuit.Config

	// RequestsPerSecond caps calls to the wrapped store
	RequestsPerSecond float64
	Burst             int

	// Timeout bounds each attempt
	Timeout time.Duration

	Logger *utils.StructuredLogger
}

// Resilient wraps a BlobStore with a rate limiter, a circuit breaker and
// retries, applied per Get in that order from the inside out.
type Resilient struct {
	next    BlobStore
	name    string
	retryer *retry.Retryer
	breaker *circuit.CircuitBreaker
	limiter *rate.Limiter
	timeout time.Duration
	logger  *utils.StructuredLogger
}

// NewResilient wraps next. name labels log lines and the breaker.
func NewResilient(next BlobStore, name string, cfg ResilientConfig) *Resilient {
	logger := cfg.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	logger = logger.WithComponent("resilient-store").WithField("store", name)

	r := &Resilient{
		next:    next,
		name:    name,
		timeout: cfg.Timeout,
		logger:  logger,
	}

	rc := cfg.Retry
	if rc.OnRetry == nil {
		rc.OnRetry = func(attempt int, err error, delay time.Duration) {
			logger.Debug("Retrying object read", map[string]interface{}{
				"attempt": attempt,
				"delay":   delay.String(),
				"error":   err,
			})
		}
	}
	r.retryer = retry.New(rc)

	if cfg.Breaker != nil {
		bc := *cfg.Breaker
		prev := bc.OnStateChange
		bc.OnStateChange = func(name string, from, to circuit.State) {
			logger.Warn("Circuit breaker state changed", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
			if prev != nil {
				prev(name, from, to)
			}
		}
		r.breaker = circuit.NewCircuitBreaker(name, bc)
	}

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return r
}

// Get reads name through the configured stages
func (r *Resilient) Get(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := r.retryer.Do(ctx, func(ctx context.Context) error {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return errors.Wrap(err, errors.ErrCodeRateLimited, "rate limiter wait failed").
					WithComponent("resilient-store").
					WithRetryable(false)
			}
		}

		attempt := func(ctx context.Context) error {
			actx := ctx
			if r.timeout > 0 {
				var cancel context.CancelFunc
				actx, cancel = context.WithTimeout(ctx, r.timeout)
				defer cancel()
			}
			d, err := r.next.Get(actx, name)
			if err != nil {
				return classify(ctx, err)
			}
			data = d
			return nil
		}

		if r.breaker != nil {
			return r.breaker.Execute(ctx, attempt)
		}
		return attempt(ctx)
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Put forwards to the wrapped store when it is writable
func (r *Resilient) Put(ctx context.Context, name string, data []byte) error {
	w, ok := r.next.(BlobWriter)
	if !ok {
		return errors.NewError(errors.ErrCodeValidationFailed, "store is read-only").
			WithComponent("resilient-store")
	}
	return w.Put(ctx, name, data)
}

// BreakerState reports the breaker state, or closed if there is none
func (r *Resilient) BreakerState() circuit.State {
	if r.breaker == nil {
		return circuit.StateClosed
	}
	return r.breaker.State()
}

// RetryStats returns the retry counters
func (r *Resilient) RetryStats() retry.Stats {
	return r.retryer.Stats()
}

// classify gives uncoded errors a retryable code. An attempt that ran out
// of its own deadline while the caller is still waiting is a timeout; the
// context error is not attached so the retryer does not treat it as final.
func classify(parent context.Context, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return errors.NewError(errors.ErrCodeConnectionTimeout, "object read timed out").
			WithComponent("resilient-store").
			WithDetail("error", err.Error())
	}
	var ce *errors.CacheError
	if stderrors.As(err, &ce) {
		return err
	}
	if parent.Err() != nil {
		return err
	}
	return errors.Wrap(err, errors.ErrCodeStorageRead, "object read failed").
		WithComponent("resilient-store")
}
