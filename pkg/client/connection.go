// Package client is the public surface: a pooled Connection, Requests,
// Transactions and PreparedStatements on top of pkg/pool and a registered
// driver from pkg/adapters.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ruslano69/mssqlpool/pkg/adapters"
	"github.com/ruslano69/mssqlpool/pkg/config"
	"github.com/ruslano69/mssqlpool/pkg/core/sqltypes"
	"github.com/ruslano69/mssqlpool/pkg/pool"
	"github.com/ruslano69/mssqlpool/pkg/resilience"
	"github.com/ruslano69/mssqlpool/pkg/retry"
)

// Option configures a Connection.
type Option func(*Connection)

// WithDialer uses d instead of the driver registered for cfg.Driver.
// The Connection does not close d.
func WithDialer(d adapters.Dialer) Option {
	return func(c *Connection) { c.dialer = d }
}

// WithLogger sets the logger. The default is the global zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Connection) { c.log = l }
}

// WithTypeMap sets the map used to infer parameter types from values.
func WithTypeMap(m *sqltypes.TypeMap) Option {
	return func(c *Connection) { c.types = m }
}

// WithPoolName sets the pool name used in metrics and logs.
func WithPoolName(name string) Option {
	return func(c *Connection) { c.name = name }
}

// Connection is a pool of sessions to one database. It is safe for
// concurrent use.
type Connection struct {
	cfg    *config.Config
	dialer adapters.Dialer
	types  *sqltypes.TypeMap
	name   string
	log    zerolog.Logger

	mu         sync.Mutex
	pool       *pool.Pool
	ownDialer  adapters.Dialer
	connecting bool
}

// New validates cfg and returns an unconnected Connection.
func New(cfg *config.Config, opts ...Option) (*Connection, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	cp := *cfg
	cp.ApplyDefaults()
	if err := cp.Validate(); err != nil {
		return nil, &ConnectionError{Code: CodeDriver, Message: "Invalid configuration.", Err: err}
	}

	c := &Connection{
		cfg:   &cp,
		types: sqltypes.DefaultMap,
		name:  fmt.Sprintf("%s/%s", cp.Server, cp.Database),
		log:   log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "client").Str("pool", c.name).Logger()
	return c, nil
}

// Connect creates a Connection and opens its pool.
func Connect(ctx context.Context, cfg *config.Config, opts ...Option) (*Connection, error) {
	c, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Config returns the effective configuration.
func (c *Connection) Config() config.Config { return *c.cfg }

// Connect opens the pool. With pool.min > 0 the minimum is established,
// otherwise one session is opened to check the server and credentials.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.pool != nil || c.connecting {
		c.mu.Unlock()
		return &ConnectionError{Code: CodeAlreadyConnected, Message: "Database is already connected! Call close before connecting to different database."}
	}
	c.connecting = true
	c.mu.Unlock()

	p, owned, err := c.open(ctx)

	c.mu.Lock()
	c.connecting = false
	if err == nil {
		c.pool = p
		c.ownDialer = owned
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Error().Err(err).Msg("connect failed")
		return err
	}
	c.log.Info().Int("min", c.cfg.Pool.Min).Int("max", c.cfg.Pool.Max).Msg("connected")
	return nil
}

func (c *Connection) open(ctx context.Context) (*pool.Pool, adapters.Dialer, error) {
	dialer := c.dialer
	var owned adapters.Dialer
	if dialer == nil {
		d, err := adapters.New(c.cfg)
		if err != nil {
			return nil, nil, &ConnectionError{Code: CodeDriver, Message: "Failed to create driver.", Err: err}
		}
		dialer, owned = d, d
	}

	opts := []pool.Option{pool.WithLogger(c.log)}
	res := c.cfg.Resilience
	if res.CircuitBreaker.Enabled {
		b, err := resilience.NewBreaker(resilience.FromConfig(c.name, res.CircuitBreaker), c.log)
		if err != nil {
			return nil, nil, c.abandon(owned, &ConnectionError{Code: CodeDriver, Message: "Invalid circuit breaker settings.", Err: err})
		}
		opts = append(opts, pool.WithBreaker(b))
	}
	if res.Retry.Enabled {
		policy := retry.FromConfig(res.Retry)
		policy.Retryable = retryableDial
		policy.OnRetry = func(attempt int, err error, delay time.Duration) {
			c.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("dial failed, retrying")
		}
		r, err := retry.New(policy)
		if err != nil {
			return nil, nil, c.abandon(owned, &ConnectionError{Code: CodeDriver, Message: "Invalid retry settings.", Err: err})
		}
		opts = append(opts, pool.WithRetry(r))
	}

	p, err := pool.New(pool.Config{
		Name:           c.name,
		Min:            c.cfg.Pool.Min,
		Max:            c.cfg.Pool.Max,
		IdleTimeout:    c.cfg.Pool.IdleTimeout,
		AcquireTimeout: c.cfg.Pool.AcquireTimeout,
		ConnectTimeout: c.cfg.ConnectionTimeout,
		SweepInterval:  c.cfg.Pool.SweepInterval,
	}, dialer, opts...)
	if err != nil {
		return nil, nil, c.abandon(owned, &ConnectionError{Code: CodeDriver, Message: "Invalid pool settings.", Err: err})
	}

	if c.cfg.Pool.Min > 0 {
		err = p.Warm(ctx)
	} else {
		var conn *pool.Conn
		if conn, err = p.Acquire(ctx); err == nil {
			conn.Release(nil)
		}
	}
	if err != nil {
		_ = p.Close(context.WithoutCancel(ctx))
		return nil, nil, c.abandon(owned, connectionError(err))
	}
	return p, owned, nil
}

func (c *Connection) abandon(owned adapters.Dialer, err error) error {
	if owned != nil {
		_ = owned.Close()
	}
	return err
}

// retryableDial - повторяем все, кроме отказа в доступе и отмены
func retryableDial(err error) bool {
	return !errors.Is(err, adapters.ErrLoginFailed) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// Connected reports whether the pool is open.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool != nil
}

// Close drains the pool and closes every session. Requests that hold a
// connection finish first; waiters fail with ENOTOPEN. The Connection can
// be connected again afterwards.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	p, owned := c.pool, c.ownDialer
	c.pool, c.ownDialer = nil, nil
	c.mu.Unlock()

	if p == nil {
		return nil
	}
	err := p.Close(ctx)
	if owned != nil {
		err = errors.Join(err, owned.Close())
	}
	c.log.Info().Err(err).Msg("connection closed")
	return err
}

// Stats returns pool counters. Zero when not connected.
func (c *Connection) Stats() pool.Stats {
	c.mu.Lock()
	p := c.pool
	c.mu.Unlock()
	if p == nil {
		return pool.Stats{}
	}
	return p.Stats()
}

// acquire implements source: one pooled session per request.
func (c *Connection) acquire(ctx context.Context) (adapters.Session, func(error), error) {
	conn, err := c.take(ctx, pool.PinRequest)
	if err != nil {
		return nil, nil, err
	}
	return conn.Session(), conn.Release, nil
}

func (c *Connection) take(ctx context.Context, pin pool.Pin) (*pool.Conn, error) {
	c.mu.Lock()
	p := c.pool
	c.mu.Unlock()
	if p == nil {
		return nil, &ConnectionError{Code: CodeNotOpen, Message: "Connection not yet open."}
	}
	conn, err := p.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, connectionError(err)
	}
	conn.Pin(pin)
	return conn, nil
}

// Request creates a request that runs on a pooled session.
func (c *Connection) Request() *Request {
	return newRequest(c, c)
}

// Transaction creates a transaction. Nothing is sent until Begin.
func (c *Connection) Transaction() *Transaction {
	return &Transaction{parent: c, log: c.log}
}

// PreparedStatement creates an unprepared statement bound to this pool.
func (c *Connection) PreparedStatement() *PreparedStatement {
	return newPreparedStatement(c, nil)
}

// Query runs text on a pooled session.
func (c *Connection) Query(ctx context.Context, text string) (*Result, error) {
	return c.Request().Query(ctx, text)
}

// Batch runs text as a batch on a pooled session.
func (c *Connection) Batch(ctx context.Context, text string) (*Result, error) {
	return c.Request().Batch(ctx, text)
}
