package adapters

import (
	"context"
	"errors"
	"fmt"

	"github.com/ruslano69/mssqlpool/pkg/core/recordset"
	"github.com/ruslano69/mssqlpool/pkg/core/sqltypes"
)

var (
	// ErrSessionBroken marks errors after which a session must not be reused.
	ErrSessionBroken = errors.New("session is broken")

	// ErrLoginFailed - сервер отклонил учетные данные при подключении
	ErrLoginFailed = errors.New("login failed")
)

// IsBroken reports whether err means the session is no longer usable.
func IsBroken(err error) bool { return errors.Is(err, ErrSessionBroken) }

// IsolationLevel - уровень изоляции транзакции
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = 1
	ReadCommitted   IsolationLevel = 2
	RepeatableRead  IsolationLevel = 3
	Serializable    IsolationLevel = 4
	Snapshot        IsolationLevel = 5
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "READ UNCOMMITTED"
	case ReadCommitted:
		return "READ COMMITTED"
	case RepeatableRead:
		return "REPEATABLE READ"
	case Serializable:
		return "SERIALIZABLE"
	case Snapshot:
		return "SNAPSHOT"
	default:
		return fmt.Sprintf("isolation(%d)", int(l))
	}
}

// Valid reports whether l is one of the defined levels.
func (l IsolationLevel) Valid() bool { return l >= ReadUncommitted && l <= Snapshot }

// CommandKind - способ отправки команды на сервер
type CommandKind int

const (
	// CommandQuery - параметризованное выполнение (sp_executesql)
	CommandQuery CommandKind = iota
	// CommandBatch - текст пакета без параметризованного пути
	CommandBatch
	// CommandProcedure - вызов хранимой процедуры по имени (RPC)
	CommandProcedure
	// CommandPrepared - выполнение подготовленного оператора
	CommandPrepared
)

func (k CommandKind) String() string {
	switch k {
	case CommandQuery:
		return "query"
	case CommandBatch:
		return "batch"
	case CommandProcedure:
		return "execute"
	case CommandPrepared:
		return "prepared"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// Command is one unit of work sent over a session.
type Command struct {
	Kind   CommandKind
	Text   string // SQL text or procedure name
	Params *sqltypes.Params
	Handle Handle // CommandPrepared only
}

// Handle is an opaque server-side prepared statement handle.
type Handle interface {
	// Text returns the prepared statement text.
	Text() string
}

// ServerError is an error reported by the server for a command.
type ServerError struct {
	Number     int32
	State      uint8
	Class      uint8
	Message    string
	ServerName string
	ProcName   string
	LineNumber int32
}

func (e *ServerError) Error() string {
	if e.ProcName != "" {
		return fmt.Sprintf("mssql: %s (number %d, procedure %s, line %d)", e.Message, e.Number, e.ProcName, e.LineNumber)
	}
	return fmt.Sprintf("mssql: %s (number %d, line %d)", e.Message, e.Number, e.LineNumber)
}

// Session is one physical connection to the server. A session processes
// one command at a time; callers serialize access.
type Session interface {
	// ID - идентификатор сессии для логов
	ID() string

	// Exec sends cmd and emits decoded events into sink. Cancelling ctx
	// cancels the command on the server; Exec returns after the server
	// acknowledged the cancel and the session is reusable.
	Exec(ctx context.Context, cmd *Command, sink recordset.Sink) error

	// Begin starts a transaction. Commands sent afterwards run inside it.
	// name is advisory: a driver may log it instead of sending it.
	Begin(ctx context.Context, level IsolationLevel, name string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// Prepare creates a server-side prepared statement for text with the
	// declared parameter shapes.
	Prepare(ctx context.Context, text string, params *sqltypes.Params) (Handle, error)
	Unprepare(ctx context.Context, h Handle) error

	// Bulk loads table rows with the bulk-load protocol and returns the
	// number of rows written.
	Bulk(ctx context.Context, table *recordset.Table) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens physical sessions to one server.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
	Close() error
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) (Session, error)

// Dial calls f.
func (f DialFunc) Dial(ctx context.Context) (Session, error) { return f(ctx) }

// Close is a no-op.
func (f DialFunc) Close() error { return nil }
