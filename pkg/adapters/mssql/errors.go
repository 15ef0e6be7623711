package mssql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"

	mssql "github.com/denisenkom/go-mssqldb"

	"github.com/ruslano69/mssqlpool/pkg/adapters"
)

// Номера ошибок сервера, которые проверяются явно
const (
	errPrimaryKeyViolation = 2627
	errUniqueIndex         = 2601
	errLoginFailed         = 18456
)

// serverError converts a driver error into *adapters.ServerError.
func serverError(e mssql.Error) *adapters.ServerError {
	return &adapters.ServerError{
		Number:     e.Number,
		State:      e.State,
		Class:      e.Class,
		Message:    e.Message,
		ServerName: e.ServerName,
		ProcName:   e.ProcName,
		LineNumber: e.LineNo,
	}
}

// mapError classifies err after a command on a session. Context errors win
// over whatever the driver reported while draining the cancel.
func mapError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var me mssql.Error
	if errors.As(err, &me) {
		return serverError(me)
	}

	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", adapters.ErrSessionBroken, err)
	}
	return err
}

// IsDuplicateKey reports whether err is a primary key or unique index violation.
func IsDuplicateKey(err error) bool {
	var se *adapters.ServerError
	if !errors.As(err, &se) {
		return false
	}
	return se.Number == errPrimaryKeyViolation || se.Number == errUniqueIndex
}

// IsLoginFailed reports whether err is a rejected login.
func IsLoginFailed(err error) bool {
	var me mssql.Error
	if errors.As(err, &me) {
		return me.Number == errLoginFailed
	}
	var se *adapters.ServerError
	return errors.As(err, &se) && se.Number == errLoginFailed
}
