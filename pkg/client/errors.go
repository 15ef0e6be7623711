package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/ruslano69/mssqlpool/pkg/adapters"
	"github.com/ruslano69/mssqlpool/pkg/pool"
	"github.com/ruslano69/mssqlpool/pkg/resilience"
)

// Code - машиночитаемый код ошибки
type Code string

// Connection error codes
const (
	CodeLogin            Code = "ELOGIN"
	CodeTimeout          Code = "ETIMEOUT"
	CodeDriver           Code = "EDRIVER"
	CodeAlreadyConnected Code = "EALREADYCONNECTED"
	CodeNotOpen          Code = "ENOTOPEN"
	CodePoolExhausted    Code = "EPOOLEXHAUSTED"
)

// Transaction error codes
const (
	CodeNotBegun     Code = "ENOTBEGUN"
	CodeAlreadyBegun Code = "EALREADYBEGUN"
	CodeAbort        Code = "EABORT"
)

// Request error codes
const (
	CodeRequest    Code = "EREQUEST"
	CodeCancel     Code = "ECANCEL"
	CodeArgs       Code = "EARGS"
	CodeNoConn     Code = "ENOCONN"
	CodeInProgress Code = "EREQINPROG"
	CodeStream     Code = "ESTREAM"
)

// Prepared statement error codes
const (
	CodeAlreadyPrepared Code = "EALREADYPREPARED"
	CodeNotPrepared     Code = "ENOTPREPARED"
)

// ConnectionError - ошибка установки соединения или состояния пула
type ConnectionError struct {
	Code    Code
	Message string
	Err     error
}

func (e *ConnectionError) Error() string { return format(e.Code, e.Message, e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// TransactionError - нарушение последовательности begin/commit/rollback
type TransactionError struct {
	Code    Code
	Message string
	Err     error
}

func (e *TransactionError) Error() string { return format(e.Code, e.Message, e.Err) }
func (e *TransactionError) Unwrap() error { return e.Err }

// RequestError is a failed request. For server errors (EREQUEST) the
// detail fields carry what the server reported.
type RequestError struct {
	Code    Code
	Message string
	Err     error

	Number     int32
	LineNumber int32
	State      uint8
	Class      uint8
	ServerName string
	ProcName   string
}

func (e *RequestError) Error() string { return format(e.Code, e.Message, e.Err) }
func (e *RequestError) Unwrap() error { return e.Err }

// PreparedStatementError - нарушение жизненного цикла подготовленного оператора
type PreparedStatementError struct {
	Code    Code
	Message string
	Err     error
}

func (e *PreparedStatementError) Error() string { return format(e.Code, e.Message, e.Err) }
func (e *PreparedStatementError) Unwrap() error { return e.Err }

func format(code Code, msg string, err error) string {
	if err != nil && err.Error() != msg {
		return fmt.Sprintf("%s: %s: %v", code, msg, err)
	}
	return fmt.Sprintf("%s: %s", code, msg)
}

// CodeOf returns the code of any client error, or "" for other errors.
func CodeOf(err error) Code {
	var (
		ce *ConnectionError
		te *TransactionError
		re *RequestError
		pe *PreparedStatementError
	)
	switch {
	case errors.As(err, &re):
		return re.Code
	case errors.As(err, &te):
		return te.Code
	case errors.As(err, &pe):
		return pe.Code
	case errors.As(err, &ce):
		return ce.Code
	}
	return ""
}

var (
	errCanceledByUser = errors.New("request canceled")
	errRequestTimeout = errors.New("request timed out")
)

// consumerError marks errors returned by a streaming consumer.
type consumerError struct{ err error }

func (e *consumerError) Error() string { return e.err.Error() }
func (e *consumerError) Unwrap() error { return e.err }

func errArgs(format string, args ...any) *RequestError {
	return &RequestError{Code: CodeArgs, Message: fmt.Sprintf(format, args...)}
}

func errTxAborted() *TransactionError {
	return &TransactionError{Code: CodeAbort, Message: "Transaction aborted."}
}

func errNotPrepared() *PreparedStatementError {
	return &PreparedStatementError{Code: CodeNotPrepared, Message: "Statement is not prepared."}
}

// connectionError classifies a failure to open or reach a connection.
func connectionError(err error) error {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return err
	}
	switch {
	case errors.Is(err, pool.ErrExhausted):
		return &ConnectionError{Code: CodePoolExhausted, Message: "Timeout acquiring a connection from the pool.", Err: err}
	case errors.Is(err, pool.ErrClosed):
		return &ConnectionError{Code: CodeNotOpen, Message: "Connection is closed.", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &ConnectionError{Code: CodeTimeout, Message: "Failed to connect in time.", Err: err}
	case errors.Is(err, adapters.ErrLoginFailed):
		return &ConnectionError{Code: CodeLogin, Message: "Login failed.", Err: err}
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyProbes):
		return &ConnectionError{Code: CodeDriver, Message: "Server is unavailable, connection attempts are suspended.", Err: err}
	default:
		return &ConnectionError{Code: CodeDriver, Message: "Failed to connect.", Err: err}
	}
}

// requestError classifies the outcome of a request run under ctx.
func requestError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	// cancel and timeout win: the session error is only the drained acknowledgement
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, errRequestTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &RequestError{Code: CodeTimeout, Message: "Timeout: Request failed to complete in time.", Err: context.DeadlineExceeded}
		}
		return &RequestError{Code: CodeCancel, Message: "Cancelled.", Err: context.Canceled}
	}

	var (
		re *RequestError
		te *TransactionError
		pe *PreparedStatementError
		ce *ConnectionError
		se *adapters.ServerError
		ue *consumerError
	)
	switch {
	case errors.As(err, &re), errors.As(err, &te), errors.As(err, &pe), errors.As(err, &ce):
		return err
	case errors.As(err, &ue):
		return &RequestError{Code: CodeStream, Message: "Stream consumer failed.", Err: ue.err}
	case errors.As(err, &se):
		return &RequestError{
			Code:       CodeRequest,
			Message:    se.Message,
			Err:        se,
			Number:     se.Number,
			LineNumber: se.LineNumber,
			State:      se.State,
			Class:      se.Class,
			ServerName: se.ServerName,
			ProcName:   se.ProcName,
		}
	case errors.Is(err, pool.ErrExhausted), errors.Is(err, pool.ErrClosed):
		return connectionError(err)
	}
	return &RequestError{Code: CodeRequest, Message: err.Error(), Err: err}
}
