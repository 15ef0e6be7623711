package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruslano69/mssqlpool/pkg/config"
)

var errDial = errors.New("dial tcp: connection refused")

func newTestBreaker(t *testing.T, maxFailures uint32, timeout time.Duration) *Breaker {
	t.Helper()
	b, err := NewBreaker(Settings{Name: "test", MaxFailures: maxFailures, OpenTimeout: timeout}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create breaker: %v", err)
	}
	return b
}

func fail(ctx context.Context) error    { return errDial }
func succeed(ctx context.Context) error { return nil }

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	b := newTestBreaker(t, 3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := b.Execute(context.Background(), fail); !errors.Is(err, errDial) {
			t.Fatalf("attempt %d: expected dial error, got %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("Expected StateOpen, got %v", b.State())
	}

	called := false
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("функция не должна вызываться в Open")
	}
	if st := b.Stats(); st.Rejected != 1 || st.Opened != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(t, 2, time.Minute)
	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), succeed)
	_ = b.Execute(context.Background(), fail)
	if b.State() != StateClosed {
		t.Errorf("Expected StateClosed, got %v", b.State())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := newTestBreaker(t, 1, 50*time.Millisecond)
	_ = b.Execute(context.Background(), fail)
	if b.State() != StateOpen {
		t.Fatalf("Expected StateOpen, got %v", b.State())
	}

	time.Sleep(70 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("Expected StateHalfOpen after timeout, got %v", b.State())
	}

	if err := b.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("Expected StateClosed after successful probe, got %v", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(t, 1, 50*time.Millisecond)
	_ = b.Execute(context.Background(), fail)
	time.Sleep(70 * time.Millisecond)

	_ = b.Execute(context.Background(), fail)
	if b.State() != StateOpen {
		t.Errorf("Expected StateOpen after failed probe, got %v", b.State())
	}
}

func TestBreaker_SingleProbe(t *testing.T) {
	b := newTestBreaker(t, 1, 20*time.Millisecond)
	_ = b.Execute(context.Background(), fail)
	time.Sleep(40 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := b.Execute(context.Background(), succeed); !errors.Is(err, ErrTooManyProbes) {
		t.Errorf("вторая проба должна быть отклонена, got %v", err)
	}
	close(release)
}

func TestBreaker_CancelIsNotFailure(t *testing.T) {
	b := newTestBreaker(t, 1, time.Minute)
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("отмена не должна открывать breaker, state = %v", b.State())
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var mu sync.Mutex
	var transitions []State

	b, err := NewBreaker(Settings{
		MaxFailures: 1,
		OpenTimeout: time.Minute,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, to)
		},
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if b.Name() != "dial" {
		t.Errorf("default name = %q", b.Name())
	}

	_ = b.Execute(context.Background(), fail)
	b.Reset()

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 || transitions[0] != StateOpen || transitions[1] != StateClosed {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestNewBreaker_Invalid(t *testing.T) {
	if _, err := NewBreaker(Settings{OpenTimeout: time.Second}, zerolog.Nop()); err == nil {
		t.Error("MaxFailures=0 должен быть отклонен")
	}
	if _, err := NewBreaker(Settings{MaxFailures: 1}, zerolog.Nop()); err == nil {
		t.Error("OpenTimeout=0 должен быть отклонен")
	}
}

func TestFromConfig(t *testing.T) {
	s := FromConfig("pool-a", config.BreakerConfig{MaxFailures: 4, Timeout: 2 * time.Second, SuccessThreshold: 2})
	if s.Name != "pool-a" || s.MaxFailures != 4 || s.OpenTimeout != 2*time.Second || s.SuccessThreshold != 2 {
		t.Errorf("settings = %+v", s)
	}
}
