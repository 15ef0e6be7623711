// Package retry repeats connection attempts with backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/ruslano69/mssqlpool/pkg/config"
)

// Backoff определяет стратегию задержки между попытками
type Backoff string

const (
	// BackoffConstant - постоянная задержка
	BackoffConstant Backoff = "constant"
	// BackoffLinear - линейное увеличение задержки
	BackoffLinear Backoff = "linear"
	// BackoffExponential - экспоненциальное увеличение задержки
	BackoffExponential Backoff = "exponential"
)

// Policy - параметры повторов
type Policy struct {
	// MaxAttempts - максимальное количество попыток (включая первую), не меньше 1
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Backoff      Backoff
	Multiplier   float64 // для exponential, по умолчанию 2.0

	// Jitter - доля случайного разброса задержки (0.0 - 1.0)
	Jitter float64

	// Retryable decides whether err is worth another attempt.
	// nil retries everything except context errors.
	Retryable func(err error) bool

	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// FromConfig builds a policy from the resilience section of the config.
func FromConfig(c config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		Backoff:      Backoff(c.Backoff),
		Jitter:       c.Jitter,
	}
}

func (p *Policy) validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("initial_delay must be >= 0")
	}
	if p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("max_delay (%v) must be >= initial_delay (%v)", p.MaxDelay, p.InitialDelay)
	}
	switch p.Backoff {
	case BackoffConstant, BackoffLinear, BackoffExponential:
	case "":
		p.Backoff = BackoffExponential
	default:
		return fmt.Errorf("invalid backoff strategy: %s", p.Backoff)
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.Jitter < 0 || p.Jitter > 1.0 {
		return fmt.Errorf("jitter must be between 0.0 and 1.0, got %f", p.Jitter)
	}
	if p.Retryable == nil {
		p.Retryable = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
	}
	return nil
}

// Retryer выполняет повторы по политике
type Retryer struct {
	policy Policy
}

// New создает Retryer
func New(p Policy) (*Retryer, error) {
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	return &Retryer{policy: p}, nil
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. The last error is wrapped.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.policy.Retryable(err) {
			return err
		}
		if attempt >= r.policy.MaxAttempts {
			return fmt.Errorf("after %d attempts: %w", attempt, lastErr)
		}
		if ctx.Err() != nil {
			return lastErr
		}

		delay := r.Delay(attempt)
		if r.policy.OnRetry != nil {
			r.policy.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		}
	}
}

// Delay returns the wait before attempt+1.
func (r *Retryer) Delay(attempt int) time.Duration {
	p := r.policy
	var delay time.Duration

	switch p.Backoff {
	case BackoffLinear:
		delay = p.InitialDelay * time.Duration(attempt)
	case BackoffExponential:
		delay = time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
	default:
		delay = p.InitialDelay
	}

	if delay > p.MaxDelay || delay < 0 {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		delay += time.Duration(float64(delay) * p.Jitter * (rand.Float64()*2 - 1))
		if delay < 0 {
			delay = p.InitialDelay
		}
	}
	return delay
}
