package client

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ruslano69/mssqlpool/pkg/adapters"
	"github.com/ruslano69/mssqlpool/pkg/pool"
	"github.com/ruslano69/mssqlpool/pkg/resilience"
)

func TestConnectionError_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"exhausted", fmt.Errorf("%w: %w", pool.ErrExhausted, context.DeadlineExceeded), CodePoolExhausted},
		{"closed", pool.ErrClosed, CodeNotOpen},
		{"dial timeout", fmt.Errorf("dial: %w", context.DeadlineExceeded), CodeTimeout},
		{"login", fmt.Errorf("failed to connect: %w", adapters.ErrLoginFailed), CodeLogin},
		{"circuit open", resilience.ErrCircuitOpen, CodeDriver},
		{"half-open busy", resilience.ErrTooManyProbes, CodeDriver},
		{"other", errors.New("connection refused"), CodeDriver},
		{"already classified", &ConnectionError{Code: CodeAlreadyConnected}, CodeAlreadyConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := connectionError(tt.err)
			if got := CodeOf(err); got != tt.want {
				t.Errorf("code = %s, want %s", got, tt.want)
			}
			if !errors.Is(err, tt.err) {
				var ce *ConnectionError
				if !errors.As(tt.err, &ce) {
					t.Errorf("ошибка должна оборачивать причину: %v", err)
				}
			}
		})
	}
}

func TestRequestError_Classification(t *testing.T) {
	srvErr := &adapters.ServerError{Number: 2627, State: 1, Class: 14, Message: "Violation of PRIMARY KEY", ServerName: "db1", ProcName: "dbo.save", LineNumber: 12}

	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"server error", fmt.Errorf("exec: %w", srvErr), CodeRequest},
		{"consumer", &consumerError{err: errors.New("disk full")}, CodeStream},
		{"args passthrough", errArgs("bad %s", "value"), CodeArgs},
		{"tx passthrough", errTxAborted(), CodeAbort},
		{"prepared passthrough", errNotPrepared(), CodeNotPrepared},
		{"pool exhausted", pool.ErrExhausted, CodePoolExhausted},
		{"pool closed", pool.ErrClosed, CodeNotOpen},
		{"driver failure", errors.New("broken pipe"), CodeRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(requestError(context.Background(), tt.err)); got != tt.want {
				t.Errorf("code = %s, want %s", got, tt.want)
			}
		})
	}

	var re *RequestError
	if !errors.As(requestError(context.Background(), srvErr), &re) {
		t.Fatal("expected *RequestError")
	}
	if re.Number != 2627 || re.Class != 14 || re.State != 1 || re.LineNumber != 12 ||
		re.ServerName != "db1" || re.ProcName != "dbo.save" || re.Message != "Violation of PRIMARY KEY" {
		t.Errorf("server details lost: %+v", re)
	}

	if requestError(context.Background(), nil) != nil {
		t.Error("nil must stay nil")
	}
}

func TestRequestError_CancelAndTimeoutWin(t *testing.T) {
	drained := errors.New("attention acknowledged")

	canceled, cancel := context.WithCancelCause(context.Background())
	cancel(errCanceledByUser)
	err := requestError(canceled, drained)
	if CodeOf(err) != CodeCancel || !errors.Is(err, context.Canceled) {
		t.Errorf("canceled request: %v", err)
	}

	timedOut, stop := context.WithCancelCause(context.Background())
	stop(errRequestTimeout)
	err = requestError(timedOut, drained)
	if CodeOf(err) != CodeTimeout || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("timed out request: %v", err)
	}

	expired, done := context.WithTimeout(context.Background(), 0)
	defer done()
	<-expired.Done()
	if got := CodeOf(requestError(expired, drained)); got != CodeTimeout {
		t.Errorf("caller deadline: code = %s, want %s", got, CodeTimeout)
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(nil) != "" || CodeOf(errors.New("plain")) != "" {
		t.Error("non-client errors have no code")
	}
	wrapped := fmt.Errorf("outer: %w", &TransactionError{Code: CodeNotBegun, Message: "Transaction has not begun."})
	if got := CodeOf(wrapped); got != CodeNotBegun {
		t.Errorf("code = %s, want %s", got, CodeNotBegun)
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errTxAborted(), "EABORT: Transaction aborted."},
		{errArgs("Parameter @%s is invalid.", "id"), "EARGS: Parameter @id is invalid."},
		{&ConnectionError{Code: CodeLogin, Message: "Login failed.", Err: errors.New("bad password")}, "ELOGIN: Login failed.: bad password"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
