package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/golang-sql/sqlexp"
	"github.com/rs/zerolog"

	"github.com/ruslano69/mssqlpool/pkg/adapters"
	"github.com/ruslano69/mssqlpool/pkg/core/recordset"
	"github.com/ruslano69/mssqlpool/pkg/core/sqltypes"
)

// querier is what *sql.Conn and *sql.Tx have in common.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// statement - подготовленный оператор сессии
type statement struct {
	stmt   *sql.Stmt
	text   string
	params *sqltypes.Params
}

func (s *statement) Text() string { return s.text }

// Session is one physical connection taken out of database/sql. While a
// transaction is open every command runs through it.
type Session struct {
	id      string
	conn    *sql.Conn
	tx      *sql.Tx
	version ServerVersion
	log     zerolog.Logger
}

var _ adapters.Session = (*Session)(nil)

// ID implements adapters.Session.
func (s *Session) ID() string { return s.id }

// Version returns the server version detected at dial time.
func (s *Session) Version() ServerVersion { return s.version }

func (s *Session) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.conn
}

// Exec implements adapters.Session.
func (s *Session) Exec(ctx context.Context, cmd *adapters.Command, sink recordset.Sink) error {
	text := cmd.Text
	var args []any
	var outs []output
	var status *mssql.ReturnStatus

	switch cmd.Kind {
	case adapters.CommandBatch:
		prologue, err := BatchPrologue(cmd.Params)
		if err != nil {
			return err
		}
		text = prologue + text
	case adapters.CommandQuery, adapters.CommandPrepared:
		var err error
		if args, outs, err = bindArgs(cmd.Params); err != nil {
			return err
		}
	case adapters.CommandProcedure:
		var err error
		if args, outs, err = bindArgs(cmd.Params); err != nil {
			return err
		}
		status = new(mssql.ReturnStatus)
		args = append(args, status)
	default:
		return fmt.Errorf("unsupported command kind %s", cmd.Kind)
	}

	msgs := &sqlexp.ReturnMessage{}
	args = append([]any{msgs}, args...)

	var rows *sql.Rows
	var err error
	if cmd.Kind == adapters.CommandPrepared {
		st, ok := cmd.Handle.(*statement)
		if !ok {
			return fmt.Errorf("unknown prepared statement handle %T", cmd.Handle)
		}
		stmt := st.stmt
		if s.tx != nil {
			stmt = s.tx.StmtContext(ctx, stmt)
		}
		rows, err = stmt.QueryContext(ctx, args...)
	} else {
		rows, err = s.q().QueryContext(ctx, text, args...)
	}
	if err != nil {
		return mapError(ctx, err)
	}

	err = drain(ctx, rows, msgs, sink)
	if closeErr := rows.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return mapError(ctx, err)
	}

	for _, o := range outs {
		if err := sink.Emit(recordset.Event{Kind: recordset.EventOutput, Name: o.name, Value: o.value()}); err != nil {
			return err
		}
	}
	if status != nil {
		return sink.Emit(recordset.Event{Kind: recordset.EventReturnValue, Value: int64(*status)})
	}
	return nil
}

// drain walks the message stream of one command and forwards it to sink.
// The first server error is returned after the stream is fully consumed.
func drain(ctx context.Context, rows *sql.Rows, msgs *sqlexp.ReturnMessage, sink recordset.Sink) error {
	var firstErr error
	for active := true; active; {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch m := msgs.Message(ctx).(type) {
		case sqlexp.MsgNotice:
			if err := sink.Emit(recordset.Event{Kind: recordset.EventInfo, Value: m.Message.String()}); err != nil {
				return err
			}
		case sqlexp.MsgNext:
			if err := emitResultSet(rows, sink); err != nil {
				return err
			}
		case sqlexp.MsgRowsAffected:
			if err := sink.Emit(recordset.Event{Kind: recordset.EventDone, RowsAffected: m.Count}); err != nil {
				return err
			}
		case sqlexp.MsgError:
			if firstErr == nil {
				firstErr = m.Error
			}
		case sqlexp.MsgNextResultSet:
			active = rows.NextResultSet()
		}
	}
	if firstErr != nil {
		return firstErr
	}
	return rows.Err()
}

func emitResultSet(rows *sql.Rows, sink recordset.Sink) error {
	types, err := rows.ColumnTypes()
	if err != nil {
		return err
	}
	cols := columnsOf(types)
	if err := sink.Emit(recordset.Event{Kind: recordset.EventMetadata, Columns: cols}); err != nil {
		return err
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		row := make(recordset.Row, len(cols))
		for i, v := range values {
			row[i] = decodeValue(cols[i], v)
		}
		if err := sink.Emit(recordset.Event{Kind: recordset.EventRow, Row: row}); err != nil {
			return err
		}
	}
	return rows.Err()
}

func isolation(level adapters.IsolationLevel) sql.IsolationLevel {
	switch level {
	case adapters.ReadUncommitted:
		return sql.LevelReadUncommitted
	case adapters.RepeatableRead:
		return sql.LevelRepeatableRead
	case adapters.Serializable:
		return sql.LevelSerializable
	case adapters.Snapshot:
		return sql.LevelSnapshot
	default:
		return sql.LevelReadCommitted
	}
}

// Begin implements adapters.Session.
//
// database/sql rolls a transaction back when its BeginTx context ends, so
// the transaction lifetime is detached from ctx.
func (s *Session) Begin(ctx context.Context, level adapters.IsolationLevel, name string) error {
	if s.tx != nil {
		return fmt.Errorf("transaction already in progress on session %s", s.id)
	}
	tx, err := s.conn.BeginTx(context.WithoutCancel(ctx), &sql.TxOptions{Isolation: isolation(level)})
	if err != nil {
		return mapError(ctx, err)
	}
	s.tx = tx
	s.log.Debug().Str("isolation", level.String()).Str("name", name).Msg("begin transaction")
	return nil
}

// Commit implements adapters.Session.
func (s *Session) Commit(ctx context.Context) error {
	if s.tx == nil {
		return fmt.Errorf("no transaction in progress on session %s", s.id)
	}
	tx := s.tx
	s.tx = nil
	return mapError(ctx, tx.Commit())
}

// Rollback implements adapters.Session.
func (s *Session) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return fmt.Errorf("no transaction in progress on session %s", s.id)
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return mapError(ctx, err)
	}
	return nil
}

// Prepare implements adapters.Session.
func (s *Session) Prepare(ctx context.Context, text string, params *sqltypes.Params) (adapters.Handle, error) {
	stmt, err := s.q().PrepareContext(ctx, text)
	if err != nil {
		return nil, mapError(ctx, err)
	}
	return &statement{stmt: stmt, text: text, params: params.Clone()}, nil
}

// Unprepare implements adapters.Session.
func (s *Session) Unprepare(ctx context.Context, h adapters.Handle) error {
	st, ok := h.(*statement)
	if !ok {
		return fmt.Errorf("unknown prepared statement handle %T", h)
	}
	return mapError(ctx, st.stmt.Close())
}

// Bulk implements adapters.Session with the bulk-copy protocol. Inside a
// transaction the load is part of it.
func (s *Session) Bulk(ctx context.Context, t *recordset.Table) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	name, err := recordset.ParseTableName(t.Name)
	if err != nil {
		return 0, err
	}

	q := s.q()
	if t.Create {
		ddl, err := t.Declare()
		if err != nil {
			return 0, err
		}
		objectName := name.Quoted()
		if name.Temporary() {
			objectName = "tempdb.." + name.Name
		}
		create := fmt.Sprintf("if object_id(N'%s', N'U') is null %s", strings.ReplaceAll(objectName, "'", "''"), ddl)
		if _, err := q.ExecContext(ctx, create); err != nil {
			return 0, mapError(ctx, err)
		}
	}

	stmt, err := q.PrepareContext(ctx, mssql.CopyIn(name.Quoted(), mssql.BulkOptions{}, t.ColumnNames()...))
	if err != nil {
		return 0, mapError(ctx, err)
	}
	defer stmt.Close()

	for i, row := range t.Rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return 0, fmt.Errorf("bulk row %d: %w", i, mapError(ctx, err))
		}
	}
	res, err := stmt.ExecContext(ctx)
	if err != nil {
		return 0, mapError(ctx, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	s.log.Debug().Str("table", name.Quoted()).Int64("rows", n).Msg("bulk load")
	return n, nil
}

// Ping implements adapters.Session.
func (s *Session) Ping(ctx context.Context) error {
	return mapError(ctx, s.conn.PingContext(ctx))
}

// Close implements adapters.Session. An open transaction is rolled back.
func (s *Session) Close() error {
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	return s.conn.Close()
}
