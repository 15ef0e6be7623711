package fake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ruslano69/mssqlpool/pkg/adapters"
	"github.com/ruslano69/mssqlpool/pkg/core/recordset"
	"github.com/ruslano69/mssqlpool/pkg/core/sqltypes"
)

// ErrConcurrentUse is returned when two commands overlap on one session.
var ErrConcurrentUse = errors.New("fake: session already has a command in flight")

type handle struct {
	text   string
	params *sqltypes.Params
}

func (h *handle) Text() string { return h.text }

// Session is one fake physical connection.
type Session struct {
	server *Server
	id     string
	busy   atomic.Bool

	mu       sync.Mutex
	closed   bool
	broken   bool
	inTx     bool
	txName   string
	staged   []*recordset.Table
	prepared map[*handle]bool
}

var _ adapters.Session = (*Session)(nil)

// ID implements adapters.Session.
func (s *Session) ID() string { return s.id }

// TxName returns the name passed to Begin of the open transaction.
func (s *Session) TxName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txName
}

// InTransaction reports whether BEGIN was issued without COMMIT/ROLLBACK.
func (s *Session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx
}

func (s *Session) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.broken {
		return fmt.Errorf("%w: session %s is closed", adapters.ErrSessionBroken, s.id)
	}
	return nil
}

func (s *Session) claim() error {
	if err := s.usable(); err != nil {
		return err
	}
	if !s.busy.CompareAndSwap(false, true) {
		return ErrConcurrentUse
	}
	s.server.enter()
	return nil
}

func (s *Session) done() {
	s.server.leave()
	s.busy.Store(false)
}

// Exec implements adapters.Session.
func (s *Session) Exec(ctx context.Context, cmd *adapters.Command, sink recordset.Sink) error {
	if err := s.claim(); err != nil {
		return err
	}
	defer s.done()

	text := cmd.Text
	if cmd.Kind == adapters.CommandPrepared {
		h, ok := cmd.Handle.(*handle)
		s.mu.Lock()
		known := ok && s.prepared[h]
		s.mu.Unlock()
		if !known {
			return fmt.Errorf("fake: unknown prepared handle")
		}
		text = h.text
	}

	s.server.record(Entry{Session: s.id, Op: cmd.Kind.String(), Text: text, Params: paramValues(cmd.Params)})

	h := s.server.lookup(text)
	var resp Response
	if h != nil {
		resp = h(cmd)
	}

	if resp.Delay > 0 {
		timer := time.NewTimer(resp.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	if resp.Block {
		<-ctx.Done()
		return ctx.Err()
	}
	if resp.Broken {
		s.mu.Lock()
		s.broken = true
		s.mu.Unlock()
		return fmt.Errorf("%w: connection reset", adapters.ErrSessionBroken)
	}

	for _, ev := range resp.Events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink.Emit(ev); err != nil {
			return err
		}
	}
	if resp.Err != nil {
		return resp.Err
	}

	if cmd.Params != nil {
		for _, p := range cmd.Params.Outputs() {
			if v, ok := resp.Outputs[p.Name]; ok {
				if err := sink.Emit(recordset.Event{Kind: recordset.EventOutput, Name: p.Name, Value: v}); err != nil {
					return err
				}
			}
		}
	}
	if resp.ReturnValue != nil {
		if err := sink.Emit(recordset.Event{Kind: recordset.EventReturnValue, Value: *resp.ReturnValue}); err != nil {
			return err
		}
	}
	return nil
}

// Begin implements adapters.Session.
func (s *Session) Begin(ctx context.Context, level adapters.IsolationLevel, name string) error {
	if err := s.claim(); err != nil {
		return err
	}
	defer s.done()

	s.mu.Lock()
	if s.inTx {
		s.mu.Unlock()
		return fmt.Errorf("fake: transaction already open")
	}
	s.inTx = true
	s.txName = name
	s.mu.Unlock()

	s.server.record(Entry{Session: s.id, Op: "begin", Text: level.String()})
	return nil
}

// Commit implements adapters.Session.
func (s *Session) Commit(ctx context.Context) error {
	return s.finish("commit")
}

// Rollback implements adapters.Session.
func (s *Session) Rollback(ctx context.Context) error {
	return s.finish("rollback")
}

func (s *Session) finish(op string) error {
	if err := s.claim(); err != nil {
		return err
	}
	defer s.done()

	s.mu.Lock()
	if !s.inTx {
		s.mu.Unlock()
		return fmt.Errorf("fake: no transaction to %s", op)
	}
	staged := s.staged
	s.inTx = false
	s.txName = ""
	s.staged = nil
	s.mu.Unlock()

	if op == "commit" {
		for _, t := range staged {
			s.server.commitTable(t)
		}
	}
	s.server.record(Entry{Session: s.id, Op: op})
	return nil
}

// Prepare implements adapters.Session.
func (s *Session) Prepare(ctx context.Context, text string, params *sqltypes.Params) (adapters.Handle, error) {
	if err := s.claim(); err != nil {
		return nil, err
	}
	defer s.done()

	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("fake: empty statement")
	}
	h := &handle{text: text, params: params.Clone()}
	s.mu.Lock()
	s.prepared[h] = true
	s.mu.Unlock()
	s.server.record(Entry{Session: s.id, Op: "prepare", Text: text})
	return h, nil
}

// Unprepare implements adapters.Session.
func (s *Session) Unprepare(ctx context.Context, h adapters.Handle) error {
	if err := s.claim(); err != nil {
		return err
	}
	defer s.done()

	fh, ok := h.(*handle)
	s.mu.Lock()
	known := ok && s.prepared[fh]
	delete(s.prepared, fh)
	s.mu.Unlock()
	if !known {
		return fmt.Errorf("fake: unknown prepared handle")
	}
	s.server.record(Entry{Session: s.id, Op: "unprepare", Text: fh.text})
	return nil
}

// Bulk implements adapters.Session. Inside a transaction rows are staged
// until commit.
func (s *Session) Bulk(ctx context.Context, t *recordset.Table) (int64, error) {
	if err := s.claim(); err != nil {
		return 0, err
	}
	defer s.done()

	if err := t.Validate(); err != nil {
		return 0, err
	}
	s.server.record(Entry{Session: s.id, Op: "bulk", Text: t.Name})

	cp := recordset.NewTable(t.Name)
	cp.Columns = append(cp.Columns, t.Columns...)
	for _, r := range t.Rows {
		cp.Rows = append(cp.Rows, append(recordset.Row(nil), r...))
	}

	s.mu.Lock()
	inTx := s.inTx
	if inTx {
		s.staged = append(s.staged, cp)
	}
	s.mu.Unlock()
	if !inTx {
		s.server.commitTable(cp)
	}
	return int64(len(t.Rows)), nil
}

// Ping implements adapters.Session.
func (s *Session) Ping(ctx context.Context) error { return s.usable() }

// Close implements adapters.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.server.mu.Lock()
	s.server.open--
	s.server.mu.Unlock()
	return nil
}
