package client

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ruslano69/mssqlpool/pkg/adapters"
	"github.com/ruslano69/mssqlpool/pkg/core/recordset"
	"github.com/ruslano69/mssqlpool/pkg/core/sqltypes"
)

// source hands out a session for one command. release must be called
// exactly once with the command error.
type source interface {
	acquire(ctx context.Context) (sess adapters.Session, release func(err error), err error)
}

// Consumer receives streamed events in arrival order. A returned error
// aborts the request with ESTREAM.
type Consumer = recordset.Sink

// Request is one command with its parameters. A Request runs one command
// at a time and can be executed again after it completes.
//
// A zero Request has no connection and fails with ENOCONN.
type Request struct {
	// Multiple keeps every recordset; otherwise only the first is returned.
	Multiple bool

	// Stream sends events to the Pipe consumer instead of buffering them.
	Stream bool

	// ParseJSON decodes FOR JSON output into rows of maps.
	ParseJSON bool

	// Timeout bounds one execution; 0 or negative means only ctx applies.
	Timeout time.Duration

	src      source
	types    *sqltypes.TypeMap
	log      zerolog.Logger
	params   sqltypes.Params
	argErr   error
	consumer Consumer

	mu           sync.Mutex
	active       bool
	canceled     bool
	cancel       context.CancelCauseFunc
	rowsAffected int64
}

func newRequest(c *Connection, src source) *Request {
	return &Request{
		Stream:    c.cfg.Stream,
		ParseJSON: c.cfg.ParseJSON,
		Timeout:   c.cfg.RequestTimeout,
		src:       src,
		types:     c.types,
		log:       c.log,
	}
}

func (r *Request) typeMap() *sqltypes.TypeMap {
	if r.types == nil {
		return sqltypes.DefaultMap
	}
	return r.types
}

func (r *Request) logger() *zerolog.Logger {
	if r.src == nil {
		return &log.Logger
	}
	return &r.log
}

func (r *Request) add(p *sqltypes.Param) *Request {
	if r.argErr != nil {
		return r
	}
	if err := r.params.Add(p); err != nil {
		r.argErr = &RequestError{Code: CodeArgs, Message: err.Error(), Err: err}
	}
	return r
}

// Input adds an input parameter whose type is inferred from value.
// Errors (bad or duplicate names) are reported by the next execution.
func (r *Request) Input(name string, value any) *Request {
	return r.add(&sqltypes.Param{Name: name, Type: r.typeMap().Infer(value), Value: value, Inferred: true})
}

// InputType adds an input parameter with an explicit type.
func (r *Request) InputType(name string, typ sqltypes.Type, value any) *Request {
	return r.add(&sqltypes.Param{Name: name, Type: typ, Value: value})
}

// Output adds an output parameter.
func (r *Request) Output(name string, typ sqltypes.Type) *Request {
	return r.add(&sqltypes.Param{Name: name, Type: typ, Direction: sqltypes.Out})
}

// OutputValue adds an output parameter that is also sent with value.
func (r *Request) OutputValue(name string, typ sqltypes.Type, value any) *Request {
	return r.add(&sqltypes.Param{Name: name, Type: typ, Direction: sqltypes.Out, Value: value})
}

// Param returns a parameter by name. After execution output parameters
// hold the values returned by the server.
func (r *Request) Param(name string) (*sqltypes.Param, bool) {
	return r.params.Get(name)
}

// Params returns the parameters in declaration order.
func (r *Request) Params() []*sqltypes.Param {
	return r.params.List()
}

// Pipe streams events of the next executions to c.
func (r *Request) Pipe(c Consumer) *Request {
	r.consumer = c
	r.Stream = true
	return r
}

// RowsAffected returns the rows affected by the last execution so far.
func (r *Request) RowsAffected() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rowsAffected
}

func (r *Request) addRows(n int64) {
	r.mu.Lock()
	r.rowsAffected += n
	r.mu.Unlock()
}

func (r *Request) setOutput(name string, v any) {
	if p, ok := r.params.Get(name); ok {
		p.Value = v
	}
}

// Cancel cancels the running execution. The caller of the execution gets
// exactly one ECANCEL error and the session goes back to its source.
// Returns false when nothing is running.
func (r *Request) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active || r.cancel == nil {
		return false
	}
	r.canceled = true
	r.cancel(errCanceledByUser)
	return true
}

// Canceled reports whether the last execution was canceled through Cancel.
func (r *Request) Canceled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled
}

// Query runs text through the parameterized path.
func (r *Request) Query(ctx context.Context, text string) (*Result, error) {
	return r.exec(ctx, &adapters.Command{Kind: adapters.CommandQuery, Text: text})
}

// Batch runs text as a literal batch. Input parameters are declared in a
// prologue; output parameters and table-valued parameters are rejected.
func (r *Request) Batch(ctx context.Context, text string) (*Result, error) {
	return r.exec(ctx, &adapters.Command{Kind: adapters.CommandBatch, Text: text})
}

// Execute calls the stored procedure procedure.
func (r *Request) Execute(ctx context.Context, procedure string) (*Result, error) {
	return r.exec(ctx, &adapters.Command{Kind: adapters.CommandProcedure, Text: procedure})
}

func (r *Request) exec(ctx context.Context, cmd *adapters.Command) (*Result, error) {
	var sink func(context.Context) recordset.Sink
	if r.Stream {
		if r.consumer == nil {
			return nil, &RequestError{Code: CodeStream, Message: "Streaming requires a consumer: call Pipe or use a Stream method."}
		}
		c := r.consumer
		sink = func(context.Context) recordset.Sink { return consumerSink{sink: c} }
	}

	rctx, done, err := r.begin(ctx, cmd)
	if err != nil {
		return nil, err
	}
	defer done()
	return r.run(rctx, cmd, sink)
}

// begin validates cmd and marks the request active.
func (r *Request) begin(ctx context.Context, cmd *adapters.Command) (context.Context, func(), error) {
	if r.src == nil {
		return nil, nil, &RequestError{Code: CodeNoConn, Message: "No connection is specified for that request."}
	}
	if r.argErr != nil {
		return nil, nil, r.argErr
	}
	if cmd != nil && cmd.Kind == adapters.CommandBatch {
		if err := checkBatchParams(&r.params); err != nil {
			return nil, nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return nil, nil, &RequestError{Code: CodeInProgress, Message: "Can't start new request, there is a request in progress."}
	}

	rctx, cancel := context.WithCancelCause(ctx)
	stop := func() {}
	if r.Timeout > 0 {
		var c context.CancelFunc
		rctx, c = context.WithTimeoutCause(rctx, r.Timeout, errRequestTimeout)
		stop = c
	}
	r.active, r.canceled, r.cancel, r.rowsAffected = true, false, cancel, 0

	return rctx, func() {
		stop()
		cancel(nil)
		r.mu.Lock()
		r.active, r.cancel = false, nil
		r.mu.Unlock()
	}, nil
}

func checkBatchParams(ps *sqltypes.Params) error {
	for _, p := range ps.List() {
		if p.Direction == sqltypes.Out {
			return errArgs("Batch does not support output parameters (@%s).", p.Name)
		}
		if p.Type.Kind == sqltypes.KindTVP {
			return errArgs("Batch does not support table-valued parameters (@%s).", p.Name)
		}
	}
	return nil
}

// run executes cmd on a session from the source. With stream == nil the
// events are buffered into recordsets.
func (r *Request) run(ctx context.Context, cmd *adapters.Command, stream func(context.Context) recordset.Sink) (*Result, error) {
	cmd.Params = &r.params

	tr := &tracker{req: r}
	var asm *recordset.Assembler
	if stream != nil {
		tr.next = stream(ctx)
	} else {
		asm = recordset.NewAssembler(r.ParseJSON)
		tr.next = asm
	}

	start := time.Now()
	sess, release, err := r.src.acquire(ctx)
	if err != nil {
		return nil, r.fail(ctx, cmd.Kind.String(), err)
	}
	err = sess.Exec(ctx, cmd, tr)
	release(err)
	if err != nil {
		return nil, r.fail(ctx, cmd.Kind.String(), err)
	}

	var sets []*recordset.RecordSet
	if asm != nil {
		rs, err := asm.Result()
		if err != nil {
			return nil, r.fail(ctx, cmd.Kind.String(), err)
		}
		sets = rs.Sets
		if !r.Multiple && len(sets) > 1 {
			sets = sets[:1]
		}
	}

	r.logger().Debug().
		Str("command", cmd.Kind.String()).
		Str("session", sess.ID()).
		Int("recordsets", len(sets)).
		Int64("rows_affected", tr.rowsAffected).
		Dur("elapsed", time.Since(start)).
		Msg("request completed")
	return tr.result(sets), nil
}

func (r *Request) fail(ctx context.Context, op string, err error) error {
	err = requestError(ctx, err)
	ev := r.logger().Debug()
	if CodeOf(err) == CodeRequest {
		ev = r.logger().Warn()
	}
	ev.Err(err).Str("command", op).Msg("request failed")
	return err
}

// Bulk loads table. On a pool connection the load autocommits; inside a
// transaction it is part of it.
func (r *Request) Bulk(ctx context.Context, table *recordset.Table) (int64, error) {
	if table == nil {
		return 0, errArgs("Table is required for bulk load.")
	}
	if err := table.Validate(); err != nil {
		return 0, &RequestError{Code: CodeArgs, Message: err.Error(), Err: err}
	}
	if len(table.Columns) == 0 {
		return 0, errArgs("Table %s has no columns.", table.Name)
	}
	if _, err := recordset.ParseTableName(table.Name); err != nil {
		return 0, &RequestError{Code: CodeArgs, Message: err.Error(), Err: err}
	}

	rctx, done, err := r.begin(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer done()

	sess, release, err := r.src.acquire(rctx)
	if err != nil {
		return 0, r.fail(rctx, "bulk", err)
	}
	n, err := sess.Bulk(rctx, table)
	release(err)
	if err != nil {
		return 0, r.fail(rctx, "bulk", err)
	}
	r.addRows(n)
	r.logger().Debug().Str("table", table.Name).Int64("rows", n).Msg("bulk load completed")
	return n, nil
}
