package client

import (
	"context"
	"errors"
	"testing"

	"github.com/ruslano69/mssqlpool/pkg/adapters/fake"
	"github.com/ruslano69/mssqlpool/pkg/core/recordset"
)

func threeRows() fake.Response {
	return fake.Response{
		Events:      fake.Set(idCol, recordset.Row{int32(1)}, recordset.Row{int32(2)}, recordset.Row{int32(3)}),
		ReturnValue: fake.Int64(7),
	}
}

func TestRequest_PipeDeliversEventsInOrder(t *testing.T) {
	c, srv := newTestConn(t, testConfig(0, 1))
	srv.Respond("dbo.rows", threeRows())

	var kinds []recordset.EventKind
	req := c.Request().Pipe(recordset.SinkFunc(func(ev recordset.Event) error {
		kinds = append(kinds, ev.Kind)
		return nil
	}))
	res, err := req.Execute(context.Background(), "dbo.rows")
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	want := []recordset.EventKind{
		recordset.EventMetadata, recordset.EventRow, recordset.EventRow, recordset.EventRow,
		recordset.EventDone, recordset.EventReturnValue,
	}
	if len(kinds) != len(want) {
		t.Fatalf("got events %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d: %s, want %s", i, kinds[i], want[i])
		}
	}
	if len(res.RecordSets) != 0 {
		t.Error("streamed rows must not be buffered")
	}
	if res.RowsAffected != 3 || res.ReturnValue != 7 {
		t.Errorf("unexpected totals: %+v", res)
	}
}

func TestRequest_PipeConsumerError(t *testing.T) {
	c, srv := newTestConn(t, testConfig(0, 1))
	srv.Respond("select * from t", threeRows())

	stop := errors.New("enough")
	rows := 0
	req := c.Request().Pipe(recordset.SinkFunc(func(ev recordset.Event) error {
		if ev.Kind == recordset.EventRow {
			rows++
			if rows == 2 {
				return stop
			}
		}
		return nil
	}))
	_, err := req.Query(context.Background(), "select * from t")
	expectCode(t, err, CodeStream)
	if !errors.Is(err, stop) {
		t.Errorf("ESTREAM must wrap the consumer error: %v", err)
	}
	if rows != 2 {
		t.Errorf("delivery must stop at the failing row, got %d rows", rows)
	}
	if st := c.Stats(); st.Busy != 0 {
		t.Errorf("session must be released: %+v", st)
	}
}

func TestRequest_StreamWithoutConsumer(t *testing.T) {
	c, _ := newTestConn(t, testConfig(0, 1))
	req := c.Request()
	req.Stream = true
	_, err := req.Query(context.Background(), "select 1")
	expectCode(t, err, CodeStream)
}

func TestStream_SingleFinalEvent(t *testing.T) {
	c, srv := newTestConn(t, testConfig(0, 1))
	srv.Respond("dbo.rows", threeRows())

	s := c.Request().ExecuteStream(context.Background(), "dbo.rows")
	rows, finals := 0, 0
	var final StreamEvent
	for ev := range s.Events() {
		if ev.Final {
			finals++
			final = ev
			continue
		}
		if ev.Kind == recordset.EventRow {
			rows++
		}
	}
	if finals != 1 {
		t.Fatalf("expected exactly one final event, got %d", finals)
	}
	if final.Err != nil {
		t.Fatalf("stream failed: %v", final.Err)
	}
	if rows != 3 || final.Result.RowsAffected != 3 || final.Result.ReturnValue != 7 {
		t.Errorf("rows=%d result=%+v", rows, final.Result)
	}
}

func TestStream_ErrorIsFinal(t *testing.T) {
	c, srv := newTestConn(t, testConfig(0, 1))
	srv.Respond("bad", fake.Response{
		Events: []recordset.Event{{Kind: recordset.EventMetadata, Columns: idCol}},
		Err:    fake.ServerError(208, "Invalid object name 't'."),
	})

	_, err := c.Request().QueryStream(context.Background(), "bad").Wait()
	expectCode(t, err, CodeRequest)
}

func TestStream_Backpressure(t *testing.T) {
	c, srv := newTestConn(t, testConfig(0, 1))
	srv.Respond("select * from t", threeRows())

	s := c.Request().QueryStream(context.Background(), "select * from t")
	first := <-s.Events()
	if first.Kind != recordset.EventMetadata {
		t.Fatalf("first event = %s", first.Kind)
	}

	// the server stays in the command while nobody reads
	waitFor(t, func() bool { return srv.Stats().Active == 1 })
	if st := c.Stats(); st.Busy != 1 {
		t.Errorf("session must stay busy while the consumer lags: %+v", st)
	}

	res, err := s.Wait()
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if res.RowsAffected != 3 {
		t.Errorf("rows affected = %d, want 3", res.RowsAffected)
	}
	waitFor(t, func() bool { return c.Stats().Busy == 0 })
}

func TestStream_Cancel(t *testing.T) {
	c, srv := newTestConn(t, testConfig(0, 1))
	srv.Respond("block", fake.Response{Block: true})
	started := srv.Started()

	s := c.Request().QueryStream(context.Background(), "block")
	<-started
	if !s.Cancel() {
		t.Fatal("Cancel should report a running request")
	}
	_, err := s.Wait()
	expectCode(t, err, CodeCancel)

	if _, err := c.Query(context.Background(), "select 1"); err != nil {
		t.Fatalf("query after stream cancel failed: %v", err)
	}
}

func TestStream_CloseStopsDelivery(t *testing.T) {
	c, srv := newTestConn(t, testConfig(0, 1))
	srv.Respond("select * from t", threeRows())

	s := c.Request().QueryStream(context.Background(), "select * from t")
	<-s.Events()
	s.Close()

	for range s.Events() {
	}
	waitFor(t, func() bool { return c.Stats().Busy == 0 })
}
