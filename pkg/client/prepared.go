package client

import (
	"context"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ruslano69/mssqlpool/pkg/adapters"
	"github.com/ruslano69/mssqlpool/pkg/core/sqltypes"
	"github.com/ruslano69/mssqlpool/pkg/pool"
)

type psState int

const (
	psUnprepared psState = iota
	psPreparing
	psPrepared
)

// PreparedStatement is a server-side prepared statement. Prepared from a
// Connection it holds one pooled session until Unprepare; prepared from a
// Transaction it shares the transaction's session and queue.
//
// Executions of one statement run in submission order.
type PreparedStatement struct {
	// Multiple keeps every recordset of an execution.
	Multiple bool

	// Stream sends execution events to the Pipe consumer.
	Stream bool

	parent   *Connection
	tx       *Transaction
	log      zerolog.Logger
	params   sqltypes.Params
	consumer Consumer

	mu      sync.Mutex
	state   psState
	text    string
	handle  adapters.Handle
	conn    *pool.Conn
	lease   *lease
	last    *Request
	cleanup runtime.Cleanup
}

func newPreparedStatement(c *Connection, tx *Transaction) *PreparedStatement {
	return &PreparedStatement{
		Stream: c.cfg.Stream,
		parent: c,
		tx:     tx,
		log:    c.log,
	}
}

func (ps *PreparedStatement) declare(p *sqltypes.Param) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.state != psUnprepared {
		return &PreparedStatementError{Code: CodeAlreadyPrepared, Message: "Can't add parameters to a prepared statement."}
	}
	if p.Type.IsZero() {
		return &PreparedStatementError{Code: CodeArgs, Message: "Parameter @" + p.Name + " has no type."}
	}
	if err := ps.params.Add(p); err != nil {
		return &PreparedStatementError{Code: CodeArgs, Message: err.Error(), Err: err}
	}
	return nil
}

// Input declares an input parameter.
func (ps *PreparedStatement) Input(name string, typ sqltypes.Type) error {
	return ps.declare(&sqltypes.Param{Name: name, Type: typ})
}

// Output declares an output parameter.
func (ps *PreparedStatement) Output(name string, typ sqltypes.Type) error {
	return ps.declare(&sqltypes.Param{Name: name, Type: typ, Direction: sqltypes.Out})
}

// Pipe streams events of the next executions to c.
func (ps *PreparedStatement) Pipe(c Consumer) {
	ps.consumer = c
	ps.Stream = true
}

// Prepared reports whether the statement is prepared.
func (ps *PreparedStatement) Prepared() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.state == psPrepared
}

// Text returns the statement text.
func (ps *PreparedStatement) Text() string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.text
}

// LastRequest returns the request of the latest execution.
func (ps *PreparedStatement) LastRequest() *Request {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.last
}

// Prepare prepares text on the server.
func (ps *PreparedStatement) Prepare(ctx context.Context, text string) error {
	ps.mu.Lock()
	if ps.state != psUnprepared {
		ps.mu.Unlock()
		return &PreparedStatementError{Code: CodeAlreadyPrepared, Message: "Statement is already prepared."}
	}
	ps.state = psPreparing
	declared := ps.params.Clone()
	ps.mu.Unlock()

	var (
		h    adapters.Handle
		conn *pool.Conn
		err  error
	)
	if ps.tx != nil {
		var sess adapters.Session
		var release func(error)
		if sess, release, err = ps.tx.acquire(ctx); err == nil {
			h, err = sess.Prepare(ctx, text, declared)
			release(err)
		}
	} else if conn, err = ps.parent.take(ctx, pool.PinPrepared); err == nil {
		if h, err = conn.Session().Prepare(ctx, text, declared); err != nil {
			conn.Release(err)
			conn = nil
		}
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if err != nil {
		ps.state = psUnprepared
		return requestError(ctx, err)
	}
	ps.state = psPrepared
	ps.text = text
	ps.handle = h
	ps.conn = conn
	ps.lease = newLease()
	ps.cleanup = runtime.AddCleanup(ps, leaked, leak{text: text, conn: conn, log: ps.log})
	ps.log.Debug().Str("statement", text).Int("params", declared.Len()).Msg("statement prepared")
	return nil
}

// leak - то, что нужно для уборки за потерянным statement'ом. Не должен
// ссылаться на сам PreparedStatement, иначе тот никогда не будет собран.
type leak struct {
	text string
	conn *pool.Conn
	log  zerolog.Logger
}

// leaked runs when a statement becomes unreachable while prepared. The
// session it held is closed: the server handle dies with it.
func leaked(l leak) {
	l.log.Warn().Str("statement", l.text).Msg("prepared statement was not unprepared before garbage collection, closing its session")
	if l.conn != nil {
		l.conn.Discard()
	}
}

// acquire implements source for executions.
func (ps *PreparedStatement) acquire(ctx context.Context) (adapters.Session, func(error), error) {
	ps.mu.Lock()
	if ps.state != psPrepared {
		ps.mu.Unlock()
		return nil, nil, errNotPrepared()
	}
	l := ps.lease
	ps.mu.Unlock()

	if err := l.enter(ctx); err != nil {
		return nil, nil, err
	}

	ps.mu.Lock()
	tx, conn := ps.tx, ps.conn
	prepared := ps.state == psPrepared
	ps.mu.Unlock()
	if !prepared {
		l.leave()
		return nil, nil, errNotPrepared()
	}

	if tx != nil {
		sess, release, err := tx.acquire(ctx)
		if err != nil {
			l.leave()
			return nil, nil, err
		}
		return sess, func(err error) {
			release(err)
			if adapters.IsBroken(err) {
				ps.broken(err)
			}
			l.leave()
		}, nil
	}

	return conn.Session(), func(err error) {
		if adapters.IsBroken(err) {
			ps.broken(err)
		}
		l.leave()
	}, nil
}

// broken forgets the handle of a lost session.
func (ps *PreparedStatement) broken(cause error) {
	ps.mu.Lock()
	conn := ps.conn
	ps.conn = nil
	ps.handle = nil
	ps.state = psUnprepared
	ps.cleanup.Stop()
	l := ps.lease
	ps.mu.Unlock()

	if conn != nil {
		conn.Release(cause)
	}
	n := l.abort(errNotPrepared())
	ps.log.Warn().Err(cause).Int("aborted_requests", n).Msg("prepared statement lost its session")
}

// Execute runs the statement with values bound by declared name. Declared
// inputs missing from values bind NULL; unknown names fail with EARGS.
func (ps *PreparedStatement) Execute(ctx context.Context, values map[string]any) (*Result, error) {
	req, cmd, err := ps.request(values)
	if err != nil {
		return nil, err
	}
	return req.exec(ctx, cmd)
}

// ExecuteStream is Execute with the results delivered as a Stream.
func (ps *PreparedStatement) ExecuteStream(ctx context.Context, values map[string]any) *Stream {
	req, cmd, err := ps.request(values)
	if err != nil {
		s := &Stream{req: &Request{}, events: make(chan StreamEvent, 1), closed: make(chan struct{})}
		s.events <- StreamEvent{Final: true, Err: err}
		close(s.events)
		return s
	}
	return req.stream(ctx, cmd)
}

func (ps *PreparedStatement) request(values map[string]any) (*Request, *adapters.Command, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.state != psPrepared {
		return nil, nil, errNotPrepared()
	}

	bound := ps.params.Clone()
	for name, v := range values {
		p, ok := bound.Get(name)
		if !ok {
			return nil, nil, &PreparedStatementError{Code: CodeArgs, Message: "Parameter @" + sqltypes.NormalizeName(name) + " is not declared."}
		}
		p.Value = v
	}

	req := newRequest(ps.parent, ps)
	req.params = *bound
	req.Multiple = ps.Multiple
	req.Stream = ps.Stream
	req.consumer = ps.consumer
	ps.last = req

	return req, &adapters.Command{Kind: adapters.CommandPrepared, Text: ps.text, Handle: ps.handle}, nil
}

// Unprepare releases the statement after queued executions finish. A
// statement prepared from a Connection returns its session to the pool.
func (ps *PreparedStatement) Unprepare(ctx context.Context) error {
	ps.mu.Lock()
	if ps.state != psPrepared {
		ps.mu.Unlock()
		return errNotPrepared()
	}
	l := ps.lease
	ps.mu.Unlock()

	if err := l.enter(ctx); err != nil {
		return requestError(ctx, err)
	}
	defer l.leave()

	ps.mu.Lock()
	if ps.state != psPrepared {
		ps.mu.Unlock()
		return errNotPrepared()
	}
	tx, conn, h := ps.tx, ps.conn, ps.handle
	ps.state = psUnprepared
	ps.conn = nil
	ps.handle = nil
	ps.cleanup.Stop()
	ps.mu.Unlock()

	l.abort(errNotPrepared())

	var err error
	if tx != nil {
		var sess adapters.Session
		var release func(error)
		if sess, release, err = tx.acquire(ctx); err == nil {
			err = sess.Unprepare(ctx, h)
			release(err)
		}
	} else {
		err = conn.Session().Unprepare(ctx, h)
		conn.Release(err)
	}

	if err != nil {
		ps.log.Warn().Err(err).Msg("unprepare failed")
		return requestError(ctx, err)
	}
	ps.log.Debug().Str("statement", ps.text).Msg("statement unprepared")
	return nil
}
