package client

import (
	"context"
	"errors"
	"sync"

	"github.com/ruslano69/mssqlpool/pkg/adapters"
	"github.com/ruslano69/mssqlpool/pkg/core/recordset"
)

var errStreamClosed = errors.New("stream closed by consumer")

// StreamEvent is one item of a Stream. The last event of every stream has
// Final set and carries either Result (RowsAffected, ReturnValue, Output;
// no recordsets) or Err.
type StreamEvent struct {
	recordset.Event

	Final  bool
	Result *Result
	Err    error
}

// Stream delivers the events of one execution. Events are produced only
// as fast as they are read: a consumer that stops reading pauses decoding.
type Stream struct {
	req    *Request
	events chan StreamEvent
	closed chan struct{}
	once   sync.Once
}

// Events returns the event channel. It is closed after the final event.
func (s *Stream) Events() <-chan StreamEvent { return s.events }

// Cancel cancels the execution. The final event carries ECANCEL.
func (s *Stream) Cancel() bool { return s.req.Cancel() }

// Close cancels the execution and stops delivery. Undelivered events,
// including the final one, are discarded.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.req.Cancel()
		close(s.closed)
	})
}

// Wait discards the remaining events and returns the final outcome.
func (s *Stream) Wait() (*Result, error) {
	for ev := range s.events {
		if ev.Final {
			return ev.Result, ev.Err
		}
	}
	return nil, &RequestError{Code: CodeStream, Message: "Stream closed before completion.", Err: errStreamClosed}
}

// QueryStream runs text through the parameterized path and streams the results.
func (r *Request) QueryStream(ctx context.Context, text string) *Stream {
	return r.stream(ctx, &adapters.Command{Kind: adapters.CommandQuery, Text: text})
}

// BatchStream runs text as a batch and streams the results.
func (r *Request) BatchStream(ctx context.Context, text string) *Stream {
	return r.stream(ctx, &adapters.Command{Kind: adapters.CommandBatch, Text: text})
}

// ExecuteStream calls a stored procedure and streams the results.
func (r *Request) ExecuteStream(ctx context.Context, procedure string) *Stream {
	return r.stream(ctx, &adapters.Command{Kind: adapters.CommandProcedure, Text: procedure})
}

func (r *Request) stream(ctx context.Context, cmd *adapters.Command) *Stream {
	s := &Stream{
		req:    r,
		events: make(chan StreamEvent),
		closed: make(chan struct{}),
	}

	// the request is active before the goroutine starts, so Cancel right
	// after the call is not lost
	rctx, done, err := r.begin(ctx, cmd)

	go func() {
		defer close(s.events)

		var res *Result
		if err == nil {
			res, err = r.run(rctx, cmd, func(ctx context.Context) recordset.Sink {
				return recordset.SinkFunc(func(ev recordset.Event) error {
					select {
					case s.events <- StreamEvent{Event: ev}:
						return nil
					case <-s.closed:
						return errStreamClosed
					case <-ctx.Done():
						return ctx.Err()
					}
				})
			})
			done()
		}

		select {
		case s.events <- StreamEvent{Final: true, Result: res, Err: err}:
		case <-s.closed:
		}
	}()
	return s
}
