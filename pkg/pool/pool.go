// Package pool manages physical sessions to one server: lazy growth up to
// Max, FIFO waiters, idle eviction down to Min and replacement of broken
// sessions.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/ruslano69/mssqlpool/pkg/adapters"
	"github.com/ruslano69/mssqlpool/pkg/resilience"
	"github.com/ruslano69/mssqlpool/pkg/retry"
)

var (
	// ErrClosed - пул закрыт
	ErrClosed = errors.New("pool is closed")

	// ErrExhausted - не дождались свободного соединения
	ErrExhausted = errors.New("timed out waiting for a free connection")
)

// Config - размеры и таймауты пула
type Config struct {
	Name           string        // metrics label and log field
	Min            int           // connections kept open once warmed
	Max            int           // hard limit on open connections
	IdleTimeout    time.Duration // idle connections above Min are closed after this
	AcquireTimeout time.Duration // 0 = wait as long as the caller's context allows
	ConnectTimeout time.Duration // per dial attempt
	SweepInterval  time.Duration // 0 disables the background sweep
	ValidateAfter  time.Duration // idle this long = ping before reuse; 0 = IdleTimeout/2, <0 disables
}

func (c *Config) validate() error {
	if c.Max < 1 {
		return fmt.Errorf("pool: max must be at least 1, got %d", c.Max)
	}
	if c.Min < 0 || c.Min > c.Max {
		return fmt.Errorf("pool: min must be in [0, %d], got %d", c.Max, c.Min)
	}
	if c.Name == "" {
		c.Name = "default"
	}
	if c.ValidateAfter == 0 {
		c.ValidateAfter = c.IdleTimeout / 2
	}
	return nil
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger. The default is the global zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithBreaker guards dial attempts with a circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(p *Pool) { p.breaker = b }
}

// WithRetry repeats failed dial attempts.
func WithRetry(r *retry.Retryer) Option {
	return func(p *Pool) { p.retryer = r }
}

// Stats - снимок состояния пула
type Stats struct {
	Min, Max int
	Open     int // idle + busy
	Busy     int
	Idle     int
	Dialing  int
	Waiting  int
}

// Pool is a set of physical sessions to one server.
//
// Every acquired or dialing connection holds one semaphore slot, and a
// new session is dialed only while no idle one exists, so open sessions
// never exceed Max.
type Pool struct {
	cfg     Config
	dialer  adapters.Dialer
	log     zerolog.Logger
	breaker *resilience.Breaker
	retryer *retry.Retryer

	slots *semaphore.Weighted

	mu           sync.Mutex
	idle         []*member // LIFO: most recently used last
	open         int
	busy         int
	dialing      int
	waiting      int
	closed       bool
	nextID       uint64
	replenishing bool

	closeCtx    context.Context
	closeCancel context.CancelFunc
	wg          sync.WaitGroup

	gOpen, gBusy, gWaiting prometheus.Gauge
}

// New creates a pool. No connections are opened until Acquire or Warm.
func New(cfg Config, dialer adapters.Dialer, opts ...Option) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:    cfg,
		dialer: dialer,
		log:    log.Logger,
		slots:  semaphore.NewWeighted(int64(cfg.Max)),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With().Str("component", "pool").Str("pool", cfg.Name).Logger()
	p.closeCtx, p.closeCancel = context.WithCancel(context.Background())
	p.gOpen = poolOpen.WithLabelValues(cfg.Name)
	p.gBusy = poolBusy.WithLabelValues(cfg.Name)
	p.gWaiting = poolWaiting.WithLabelValues(cfg.Name)
	p.report()

	if cfg.SweepInterval > 0 {
		p.wg.Add(1)
		go p.sweeper()
	}
	return p, nil
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.cfg.Name }

// Config returns the effective configuration.
func (p *Pool) Config() Config { return p.cfg }

// report must be called with mu held.
func (p *Pool) report() {
	p.gOpen.Set(float64(p.open))
	p.gBusy.Set(float64(p.busy))
	p.gWaiting.Set(float64(p.waiting))
}

// Acquire returns an idle connection, opens a new one while fewer than Max
// are open, or waits in arrival order for a release.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.waiting++
	p.report()
	p.mu.Unlock()

	start := time.Now()
	err := p.takeSlot(ctx)

	p.mu.Lock()
	p.waiting--
	p.report()
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	acquireWait.WithLabelValues(p.cfg.Name).Observe(time.Since(start).Seconds())

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.slots.Release(1)
		return nil, ErrClosed
	}
	for len(p.idle) > 0 {
		n := len(p.idle)
		m := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		if p.cfg.ValidateAfter <= 0 || time.Since(m.lastUsed) < p.cfg.ValidateAfter {
			return p.handOutLocked(m), nil
		}
		p.mu.Unlock()

		// долго лежало без дела: сервер мог закрыть сессию
		err := m.session.Ping(ctx)

		p.mu.Lock()
		switch {
		case err == nil && !p.closed:
			m.lastUsed = time.Now()
			return p.handOutLocked(m), nil
		case p.closed:
			p.open--
			p.report()
			p.mu.Unlock()
			p.closeConn(m, reasonClosed)
			p.slots.Release(1)
			return nil, ErrClosed
		case ctx.Err() != nil:
			// пинг прерван вызывающим, сессия не виновата
			p.idle = append(p.idle, m)
			p.mu.Unlock()
			p.slots.Release(1)
			return nil, ctx.Err()
		}
		p.open--
		p.report()
		p.mu.Unlock()
		p.log.Debug().Err(err).Uint64("conn", m.id).Msg("stale idle connection failed validation")
		p.closeConn(m, reasonStale)
		p.mu.Lock()
	}
	p.dialing++
	p.mu.Unlock()

	sess, err := p.dial(ctx)

	p.mu.Lock()
	p.dialing--
	if err != nil {
		p.mu.Unlock()
		p.slots.Release(1)
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		_ = sess.Close()
		p.slots.Release(1)
		return nil, ErrClosed
	}
	p.open++
	c := p.handOutLocked(p.newMemberLocked(sess))
	p.log.Debug().Uint64("conn", c.ID()).Str("session", sess.ID()).Int("open", p.Stats().Open).Msg("opened connection")
	return c, nil
}

// handOutLocked issues a new handle for m. It must be called with mu held
// and a slot taken; it unlocks mu.
func (p *Pool) handOutLocked(m *member) *Conn {
	p.busy++
	p.report()
	p.mu.Unlock()
	acquiresTotal.WithLabelValues(p.cfg.Name).Inc()
	return &Conn{pool: p, m: m}
}

// takeSlot waits for a semaphore slot, bounded by ctx, AcquireTimeout and
// pool shutdown.
func (p *Pool) takeSlot(ctx context.Context) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if p.cfg.AcquireTimeout > 0 {
		var cancelTimeout context.CancelFunc
		wctx, cancelTimeout = context.WithTimeout(wctx, p.cfg.AcquireTimeout)
		defer cancelTimeout()
	}
	stop := context.AfterFunc(p.closeCtx, cancel)
	defer stop()

	err := p.slots.Acquire(wctx, 1)
	if err == nil {
		return nil
	}

	switch {
	case p.closeCtx.Err() != nil:
		return ErrClosed
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	default:
		acquireTimeoutsTotal.WithLabelValues(p.cfg.Name).Inc()
		st := p.Stats()
		return fmt.Errorf("%w (open %d, busy %d, max %d): %w", ErrExhausted, st.Open, st.Busy, st.Max, context.DeadlineExceeded)
	}
}

func (p *Pool) newMemberLocked(sess adapters.Session) *member {
	p.nextID++
	now := time.Now()
	return &member{session: sess, id: p.nextID, createdAt: now, lastUsed: now}
}

// dial opens one session through the optional retry and breaker guards.
func (p *Pool) dial(ctx context.Context) (adapters.Session, error) {
	var sess adapters.Session

	attempt := func(ctx context.Context) error {
		dctx := ctx
		if p.cfg.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
			defer cancel()
		}
		s, err := p.dialer.Dial(dctx)
		if err != nil {
			dialFailuresTotal.WithLabelValues(p.cfg.Name).Inc()
			p.log.Warn().Err(err).Msg("failed to open connection")
			return err
		}
		sess = s
		return nil
	}

	guarded := attempt
	if p.breaker != nil {
		guarded = func(ctx context.Context) error {
			return p.breaker.Execute(ctx, attempt)
		}
	}

	var err error
	if p.retryer != nil {
		err = p.retryer.Do(ctx, guarded)
	} else {
		err = guarded(ctx)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// release returns the session behind c to the idle stack or closes it.
// A stale handle does not touch the session: it may belong to another
// caller by now.
func (p *Pool) release(c *Conn, cause error) {
	p.mu.Lock()
	if c.released {
		p.mu.Unlock()
		p.log.Debug().Uint64("conn", c.m.id).Msg("repeated release ignored")
		return
	}
	c.released = true
	c.pin = PinNone
	m := c.m
	p.busy--

	broken := adapters.IsBroken(cause)
	if broken || p.closed {
		p.open--
		p.report()
		closed := p.closed
		p.mu.Unlock()

		reason := reasonBroken
		if !broken {
			reason = reasonClosed
		}
		p.closeConn(m, reason)
		p.slots.Release(1)
		if !closed {
			p.replenish()
		}
		return
	}

	m.lastUsed = time.Now()
	p.idle = append(p.idle, m)
	p.report()
	p.mu.Unlock()
	p.slots.Release(1)
}

func (p *Pool) closeConn(m *member, reason string) {
	closedTotal.WithLabelValues(p.cfg.Name, reason).Inc()
	if err := m.session.Close(); err != nil {
		p.log.Debug().Err(err).Uint64("conn", m.id).Msg("close connection")
	}
	p.log.Debug().Uint64("conn", m.id).Str("reason", reason).Msg("closed connection")
}

// Warm opens connections until Min are open.
func (p *Pool) Warm(ctx context.Context) error {
	for {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			return err
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.slots.Release(1)
			return ErrClosed
		}
		if p.open+p.dialing >= p.cfg.Min {
			p.mu.Unlock()
			p.slots.Release(1)
			return nil
		}
		p.dialing++
		p.mu.Unlock()

		sess, err := p.dial(ctx)

		p.mu.Lock()
		p.dialing--
		if err != nil {
			p.mu.Unlock()
			p.slots.Release(1)
			return err
		}
		if p.closed {
			p.mu.Unlock()
			_ = sess.Close()
			p.slots.Release(1)
			return ErrClosed
		}
		p.idle = append(p.idle, p.newMemberLocked(sess))
		p.open++
		p.report()
		p.mu.Unlock()
		p.slots.Release(1)
	}
}

// replenish refills to Min in the background without blocking callers:
// it only uses free slots.
func (p *Pool) replenish() {
	p.mu.Lock()
	if p.closed || p.replenishing || p.open+p.dialing >= p.cfg.Min {
		p.mu.Unlock()
		return
	}
	p.replenishing = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			p.replenishing = false
			p.mu.Unlock()
		}()

		for p.slots.TryAcquire(1) {
			p.mu.Lock()
			if p.closed || p.open+p.dialing >= p.cfg.Min {
				p.mu.Unlock()
				p.slots.Release(1)
				return
			}
			p.dialing++
			p.mu.Unlock()

			sess, err := p.dial(p.closeCtx)

			p.mu.Lock()
			p.dialing--
			if err != nil || p.closed {
				p.mu.Unlock()
				p.slots.Release(1)
				if sess != nil {
					_ = sess.Close()
				}
				if err != nil {
					p.log.Warn().Err(err).Msg("failed to replenish pool to min")
				}
				return
			}
			p.idle = append(p.idle, p.newMemberLocked(sess))
			p.open++
			p.report()
			p.mu.Unlock()
			p.slots.Release(1)
		}
	}()
}

func (p *Pool) sweeper() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closeCtx.Done():
			return
		case now := <-ticker.C:
			p.sweep(now)
		}
	}
}

// sweep closes idle connections above Min unused for IdleTimeout and
// refills to Min.
func (p *Pool) sweep(now time.Time) {
	var evicted []*member

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.cfg.IdleTimeout > 0 {
		excess := p.open - p.cfg.Min
		keep := p.idle[:0]
		// oldest first: the stack bottom was used least recently
		for _, m := range p.idle {
			if excess > 0 && now.Sub(m.lastUsed) >= p.cfg.IdleTimeout {
				evicted = append(evicted, m)
				excess--
				p.open--
				continue
			}
			keep = append(keep, m)
		}
		for i := len(keep); i < len(p.idle); i++ {
			p.idle[i] = nil
		}
		p.idle = keep
		p.report()
	}
	p.mu.Unlock()

	for _, m := range evicted {
		p.closeConn(m, reasonIdle)
	}
	if len(evicted) > 0 {
		p.log.Debug().Int("evicted", len(evicted)).Msg("idle sweep")
	}
	p.replenish()
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Min:     p.cfg.Min,
		Max:     p.cfg.Max,
		Open:    p.open,
		Busy:    p.busy,
		Idle:    len(p.idle),
		Dialing: p.dialing,
		Waiting: p.waiting,
	}
}

// Close closes idle connections and fails waiting callers with ErrClosed.
// Connections still acquired are closed when released.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	p.report()
	p.mu.Unlock()

	p.closeCancel()

	var errs []error
	for _, m := range idle {
		closedTotal.WithLabelValues(p.cfg.Name, reasonClosed).Inc()
		if err := m.session.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	forget(p.cfg.Name)
	p.log.Debug().Int("closed", len(idle)).Msg("pool closed")
	return errors.Join(errs...)
}
