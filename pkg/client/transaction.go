package client

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ruslano69/mssqlpool/pkg/adapters"
	"github.com/ruslano69/mssqlpool/pkg/pool"
)

type txState int

const (
	txIdle txState = iota
	txBeginning
	txActive
	txFinishing
	txCommitted
	txRolledBack
)

func (s txState) String() string {
	switch s {
	case txBeginning:
		return "beginning"
	case txActive:
		return "began"
	case txFinishing:
		return "finishing"
	case txCommitted:
		return "committed"
	case txRolledBack:
		return "rolledback"
	default:
		return "idle"
	}
}

// Transaction holds one pooled session from Begin until Commit or
// Rollback. Its requests run one at a time in submission order.
type Transaction struct {
	// Name - имя транзакции. Драйвер mssql открывает транзакцию через
	// database/sql, который имя не передает: оно попадает только в лог.
	Name string

	parent *Connection
	log    zerolog.Logger

	mu      sync.Mutex
	state   txState
	aborted bool
	level   adapters.IsolationLevel
	conn    *pool.Conn
	lease   *lease
}

func errNotBegun() *TransactionError {
	return &TransactionError{Code: CodeNotBegun, Message: "Transaction has not begun. Call begin() first."}
}

// Begin reserves a session and starts the transaction. A zero level means
// READ COMMITTED.
func (t *Transaction) Begin(ctx context.Context, level adapters.IsolationLevel) error {
	if level == 0 {
		level = adapters.ReadCommitted
	}
	if !level.Valid() {
		return errArgs("Invalid isolation level %d.", int(level))
	}

	t.mu.Lock()
	switch t.state {
	case txIdle:
	case txCommitted, txRolledBack:
		t.mu.Unlock()
		return &TransactionError{Code: CodeAlreadyBegun, Message: "Transaction has already completed."}
	default:
		t.mu.Unlock()
		return &TransactionError{Code: CodeAlreadyBegun, Message: "Transaction has already begun."}
	}
	t.state = txBeginning
	t.mu.Unlock()

	conn, err := t.parent.take(ctx, pool.PinTransaction)
	if err == nil {
		if err = conn.Session().Begin(ctx, level, t.Name); err != nil {
			conn.Release(err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.state = txIdle
		return requestError(ctx, err)
	}
	t.state = txActive
	t.level = level
	t.conn = conn
	t.lease = newLease()
	t.log.Debug().Str("isolation", level.String()).Str("name", t.Name).Str("session", conn.Session().ID()).Msg("transaction began")
	return nil
}

// IsolationLevel returns the level passed to Begin.
func (t *Transaction) IsolationLevel() adapters.IsolationLevel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level
}

// Aborted reports whether the transaction was aborted: rolled back with
// queued work or lost its session.
func (t *Transaction) Aborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

// Request creates a request that runs inside the transaction.
func (t *Transaction) Request() *Request {
	return newRequest(t.parent, t)
}

// PreparedStatement creates a statement prepared on the transaction's session.
func (t *Transaction) PreparedStatement() *PreparedStatement {
	return newPreparedStatement(t.parent, t)
}

// acquire implements source: waits for the transaction's turn.
func (t *Transaction) acquire(ctx context.Context) (adapters.Session, func(error), error) {
	t.mu.Lock()
	state, aborted, l := t.state, t.aborted, t.lease
	t.mu.Unlock()
	if aborted {
		return nil, nil, errTxAborted()
	}
	if state != txActive {
		return nil, nil, errNotBegun()
	}

	if err := l.enter(ctx); err != nil {
		return nil, nil, err
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		l.leave()
		return nil, nil, errTxAborted()
	}
	return conn.Session(), func(err error) {
		if adapters.IsBroken(err) {
			t.broken(err)
		}
		l.leave()
	}, nil
}

// broken drops a session that can no longer be used. Work queued behind
// it fails with EABORT.
func (t *Transaction) broken(cause error) {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.aborted = true
	l := t.lease
	t.mu.Unlock()

	if conn != nil {
		conn.Release(cause)
	}
	n := l.abort(errTxAborted())
	t.log.Warn().Err(cause).Int("aborted_requests", n).Msg("transaction aborted, session lost")
}

// Commit commits the transaction and returns the session to the pool.
// Fails with EREQINPROG while a request runs or waits.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.state != txActive {
		t.mu.Unlock()
		return errNotBegun()
	}
	if t.aborted {
		t.mu.Unlock()
		return errTxAborted()
	}
	l := t.lease
	t.mu.Unlock()

	if !l.tryEnter() {
		return &TransactionError{Code: CodeInProgress, Message: "Can't commit transaction. There is a request in progress."}
	}

	t.mu.Lock()
	if t.state != txActive || t.conn == nil {
		t.mu.Unlock()
		l.leave()
		return errTxAborted()
	}
	t.state = txFinishing
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	err := conn.Session().Commit(ctx)
	conn.Release(err)
	l.abort(errNotBegun())
	l.leave()

	t.mu.Lock()
	if err != nil {
		t.state = txRolledBack
		t.aborted = true
	} else {
		t.state = txCommitted
	}
	t.mu.Unlock()

	if err != nil {
		t.log.Warn().Err(err).Msg("commit failed")
		return &TransactionError{Code: CodeAbort, Message: "Transaction commit failed.", Err: requestError(ctx, err)}
	}
	t.log.Debug().Msg("transaction committed")
	return nil
}

// Rollback fails every queued request with EABORT, waits for the running
// one and rolls the transaction back.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	if t.state != txActive {
		t.mu.Unlock()
		return errNotBegun()
	}
	t.state = txFinishing
	l := t.lease
	t.mu.Unlock()

	n := l.abort(errTxAborted())
	if n > 0 {
		t.mu.Lock()
		t.aborted = true
		t.mu.Unlock()
	}
	_ = l.waitIdle(context.WithoutCancel(ctx))

	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Session().Rollback(ctx)
		conn.Release(err)
	}

	t.mu.Lock()
	t.state = txRolledBack
	t.mu.Unlock()

	if err != nil {
		t.log.Warn().Err(err).Msg("rollback failed")
		return requestError(ctx, err)
	}
	t.log.Debug().Int("aborted_requests", n).Msg("transaction rolled back")
	return nil
}
