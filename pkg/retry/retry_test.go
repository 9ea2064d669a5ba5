package retry

import (
	"context"
	stderr "errors"
	"testing"
	"time"

	"github.com/objectfs/chunkcache/pkg/errors"
)

func fastConfig(attempts int) Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = attempts
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.Jitter = false
	return cfg
}

func TestRetryer_Success(t *testing.T) {
	retryer := New(fastConfig(3))

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return nil
	})
	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_RetryableError(t *testing.T) {
	retryer := New(fastConfig(3))

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.NewError(errors.ErrCodeConnectionTimeout, "connection timeout")
		}
		return nil
	})
	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	if s := retryer.Stats(); s.Retries != 2 || s.Calls != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestRetryer_NonRetryableError(t *testing.T) {
	retryer := New(fastConfig(3))

	attempts := 0
	testErr := errors.NewError(errors.ErrCodeObjectNotFound, "chunk missing")
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return testErr
	})
	if err != testErr {
		t.Errorf("Expected the original error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt (no retry), got %d", attempts)
	}
}

func TestRetryer_PlainErrorsAreNotRetried(t *testing.T) {
	retryer := New(fastConfig(4))

	attempts := 0
	_ = retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return stderr.New("decode failed")
	})
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_ConfiguredCode(t *testing.T) {
	cfg := fastConfig(2)
	cfg.RetryableErrors = []errors.ErrorCode{errors.ErrCodeAccessDenied}
	retryer := New(cfg)

	attempts := 0
	_ = retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeAccessDenied, "denied")
	})
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestRetryer_Exhausted(t *testing.T) {
	var retried []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		retried = append(retried, attempt)
	}
	retryer := New(cfg)

	err := retryer.Do(context.Background(), func(context.Context) error {
		return errors.NewError(errors.ErrCodeStorageRead, "eof")
	})

	if !stderr.Is(err, &errors.CacheError{Code: errors.ErrCodeRetryExhausted}) {
		t.Fatalf("Expected RETRY_EXHAUSTED, got %v", err)
	}
	if !stderr.Is(err, &errors.CacheError{Code: errors.ErrCodeStorageRead}) {
		t.Error("Exhaustion error should wrap the last failure")
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Errorf("OnRetry attempts = %v", retried)
	}
	if retryer.Stats().Exhausted != 1 {
		t.Errorf("Exhausted = %d", retryer.Stats().Exhausted)
	}
}

func TestRetryer_ContextCanceled(t *testing.T) {
	cfg := fastConfig(5)
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = time.Second
	retryer := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := retryer.Do(ctx, func(context.Context) error {
		attempts++
		cancel()
		return errors.NewError(errors.ErrCodeNetworkError, "reset")
	})

	if errors.CodeOf(err) != errors.ErrCodeOperationCanceled {
		t.Errorf("Expected OPERATION_CANCELED, got %v", err)
	}
	if !stderr.Is(err, context.Canceled) {
		t.Error("Expected context.Canceled in chain")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_DelayBackoff(t *testing.T) {
	cfg := fastConfig(5)
	cfg.InitialDelay = 10 * time.Millisecond
	cfg.MaxDelay = 25 * time.Millisecond
	retryer := New(cfg)

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	for i, w := range want {
		if got := retryer.delay(i + 1); got != w {
			t.Errorf("delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	r := New(Config{})
	if r.config.MaxAttempts != 3 || r.config.Multiplier != 2.0 {
		t.Errorf("defaults not applied: %+v", r.config)
	}
}
