// Package resilience guards connection establishment with a circuit breaker:
// after repeated dial failures the pool fails fast instead of queueing
// callers behind a server that cannot be reached.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruslano69/mssqlpool/pkg/config"
)

var (
	// ErrCircuitOpen - circuit breaker открыт, попытка отклонена без обращения к серверу
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTooManyProbes - в Half-Open уже идет пробное подключение
	ErrTooManyProbes = errors.New("circuit breaker probe already in flight")
)

// Settings - параметры breaker'а
type Settings struct {
	Name             string
	MaxFailures      uint32        // последовательных ошибок до открытия
	OpenTimeout      time.Duration // время в Open перед Half-Open
	SuccessThreshold uint32        // успешных проб в Half-Open для закрытия

	// IsFailure decides whether err counts against the breaker.
	// nil counts every error except context cancellation.
	IsFailure func(err error) bool

	// OnStateChange is called synchronously after a transition, without locks held.
	OnStateChange func(name string, from, to State)
}

// FromConfig builds settings from the resilience section of the config.
func FromConfig(name string, c config.BreakerConfig) Settings {
	return Settings{
		Name:             name,
		MaxFailures:      c.MaxFailures,
		OpenTimeout:      c.Timeout,
		SuccessThreshold: c.SuccessThreshold,
	}
}

func (s *Settings) validate() error {
	if s.MaxFailures == 0 {
		return fmt.Errorf("MaxFailures must be greater than 0")
	}
	if s.OpenTimeout <= 0 {
		return fmt.Errorf("OpenTimeout must be greater than 0")
	}
	if s.SuccessThreshold == 0 {
		s.SuccessThreshold = 1
	}
	if s.Name == "" {
		s.Name = "dial"
	}
	if s.IsFailure == nil {
		s.IsFailure = func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}
	}
	return nil
}

// Breaker - circuit breaker вокруг открытия физических соединений
type Breaker struct {
	settings Settings
	state    *stateMachine
	log      zerolog.Logger
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(s Settings, log zerolog.Logger) (*Breaker, error) {
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker settings: %w", err)
	}
	b := &Breaker{settings: s, log: log.With().Str("breaker", s.Name).Logger()}
	b.state = newStateMachine(s, b.transitioned)
	return b, nil
}

func (b *Breaker) transitioned(from, to State) {
	ev := b.log.Info()
	if to == StateOpen {
		ev = b.log.Warn()
	}
	ev.Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.settings.Name, from, to)
	}
}

// Execute runs fn unless the breaker is open and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	gen, err := b.state.admit(time.Now())
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.state.record(gen, false, time.Now())
			panic(r)
		}
	}()

	err = fn(ctx)
	switch {
	case err == nil:
		b.state.record(gen, true, time.Now())
	case b.settings.IsFailure(err):
		b.state.record(gen, false, time.Now())
	default:
		b.state.release(gen)
	}
	return err
}

// State returns the current state, moving Open to Half-Open when the
// open timeout has elapsed.
func (b *Breaker) State() State { return b.state.current(time.Now()) }

// Stats returns a snapshot of counters.
func (b *Breaker) Stats() Stats { return b.state.stats(time.Now()) }

// Reset forces the breaker closed.
func (b *Breaker) Reset() { b.state.reset(time.Now()) }

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.settings.Name }

func (b *Breaker) String() string {
	st := b.Stats()
	return fmt.Sprintf("Breaker(%s state=%s failures=%d/%d)",
		b.settings.Name, st.State, st.Counts.ConsecutiveFailures, b.settings.MaxFailures)
}
