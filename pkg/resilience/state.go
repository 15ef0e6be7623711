package resilience

import (
	"fmt"
	"sync"
	"time"
)

// State - состояние Circuit Breaker
type State int

const (
	// StateClosed - нормальная работа, подключения разрешены
	StateClosed State = iota
	// StateHalfOpen - пробное подключение после паузы
	StateHalfOpen
	// StateOpen - подключения отклоняются
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Counts - счетчики текущего поколения
type Counts struct {
	Attempts             uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Stats - снимок состояния breaker'а
type Stats struct {
	State             State
	Generation        uint64
	Counts            Counts
	Rejected          uint64
	Opened            int
	LastStateChange   time.Time
	TimeUntilHalfOpen time.Duration
}

// stateMachine tracks breaker state. Every transition starts a new
// generation; outcomes recorded against an older generation are dropped.
type stateMachine struct {
	mu         sync.Mutex
	settings   Settings
	state      State
	generation uint64
	counts     Counts
	openUntil  time.Time
	probing    bool
	rejected   uint64
	opened     int
	changedAt  time.Time
	notify     func(from, to State)
}

func newStateMachine(s Settings, notify func(from, to State)) *stateMachine {
	return &stateMachine{settings: s, changedAt: time.Now(), notify: notify}
}

// transition must be called with mu held; it returns a callback to run
// after unlocking.
func (sm *stateMachine) transition(to State, now time.Time) func() {
	from := sm.state
	if from == to {
		return func() {}
	}
	sm.state = to
	sm.generation++
	sm.counts = Counts{}
	sm.changedAt = now
	sm.probing = false
	if to == StateOpen {
		sm.openUntil = now.Add(sm.settings.OpenTimeout)
		sm.opened++
	}
	return func() {
		if sm.notify != nil {
			sm.notify(from, to)
		}
	}
}

func (sm *stateMachine) refresh(now time.Time) func() {
	if sm.state == StateOpen && !now.Before(sm.openUntil) {
		return sm.transition(StateHalfOpen, now)
	}
	return func() {}
}

func (sm *stateMachine) admit(now time.Time) (uint64, error) {
	sm.mu.Lock()
	after := sm.refresh(now)

	var err error
	switch sm.state {
	case StateOpen:
		sm.rejected++
		err = ErrCircuitOpen
	case StateHalfOpen:
		// одна проба за раз
		if sm.probing {
			sm.rejected++
			err = ErrTooManyProbes
		} else {
			sm.probing = true
		}
	}
	gen := sm.generation
	sm.mu.Unlock()

	after()
	return gen, err
}

func (sm *stateMachine) record(gen uint64, success bool, now time.Time) {
	sm.mu.Lock()
	if gen != sm.generation {
		sm.mu.Unlock()
		return
	}
	sm.probing = false

	sm.counts.Attempts++
	after := func() {}
	if success {
		sm.counts.Successes++
		sm.counts.ConsecutiveSuccesses++
		sm.counts.ConsecutiveFailures = 0
		if sm.state == StateHalfOpen && sm.counts.ConsecutiveSuccesses >= sm.settings.SuccessThreshold {
			after = sm.transition(StateClosed, now)
		}
	} else {
		sm.counts.Failures++
		sm.counts.ConsecutiveFailures++
		sm.counts.ConsecutiveSuccesses = 0
		switch sm.state {
		case StateClosed:
			if sm.counts.ConsecutiveFailures >= sm.settings.MaxFailures {
				after = sm.transition(StateOpen, now)
			}
		case StateHalfOpen:
			after = sm.transition(StateOpen, now)
		}
	}
	sm.mu.Unlock()
	after()
}

// release ends an attempt that neither succeeded nor failed.
func (sm *stateMachine) release(gen uint64) {
	sm.mu.Lock()
	if gen == sm.generation {
		sm.probing = false
	}
	sm.mu.Unlock()
}

func (sm *stateMachine) current(now time.Time) State {
	sm.mu.Lock()
	after := sm.refresh(now)
	st := sm.state
	sm.mu.Unlock()
	after()
	return st
}

func (sm *stateMachine) stats(now time.Time) Stats {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var wait time.Duration
	if sm.state == StateOpen && now.Before(sm.openUntil) {
		wait = sm.openUntil.Sub(now)
	}
	return Stats{
		State:             sm.state,
		Generation:        sm.generation,
		Counts:            sm.counts,
		Rejected:          sm.rejected,
		Opened:            sm.opened,
		LastStateChange:   sm.changedAt,
		TimeUntilHalfOpen: wait,
	}
}

func (sm *stateMachine) reset(now time.Time) {
	sm.mu.Lock()
	after := sm.transition(StateClosed, now)
	sm.counts = Counts{}
	sm.mu.Unlock()
	after()
}
