package client

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ruslano69/mssqlpool/pkg/adapters"
	"github.com/ruslano69/mssqlpool/pkg/adapters/fake"
	"github.com/ruslano69/mssqlpool/pkg/core/recordset"
	"github.com/ruslano69/mssqlpool/pkg/core/sqltypes"
)

func TestRequest_MultipleRecordSets(t *testing.T) {
	c, srv := newTestConn(t, testConfig(0, 2))
	nameCol := []*recordset.Column{fake.Col("name", sqltypes.NVarChar(50))}
	srv.Respond("dbo.report", fake.Response{
		Events: fake.Concat(
			fake.Set(idCol, recordset.Row{int32(1)}, recordset.Row{int32(2)}),
			fake.Set(nameCol, recordset.Row{"a"}),
			[]recordset.Event{fake.Done(4)},
		),
		ReturnValue: fake.Int64(42),
	})

	req := c.Request()
	req.Multiple = true
	res, err := req.Execute(context.Background(), "dbo.report")
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if len(res.RecordSets) != 2 {
		t.Fatalf("expected 2 recordsets, got %d", len(res.RecordSets))
	}
	if res.RecordSets[0].Len() != 2 || res.RecordSets[1].Len() != 1 {
		t.Errorf("unexpected row counts: %d, %d", res.RecordSets[0].Len(), res.RecordSets[1].Len())
	}
	if res.ReturnValue != 42 {
		t.Errorf("return value = %d, want 42", res.ReturnValue)
	}
	if res.RowsAffected != 7 {
		t.Errorf("rows affected = %d, want 7", res.RowsAffected)
	}
	if got := res.StatementRows; len(got) != 3 || got[0] != 2 || got[1] != 1 || got[2] != 4 {
		t.Errorf("unexpected statement rows %v", got)
	}
	if req.RowsAffected() != 7 {
		t.Errorf("request rows affected = %d, want 7", req.RowsAffected())
	}
	if got := srv.Ops(); len(got) != 1 || got[0] != "execute dbo.report" {
		t.Errorf("unexpected server log: %v", got)
	}
}

func TestRequest_SingleRecordSetByDefault(t *testing.T) {
	c, srv := newTestConn(t, testConfig(0, 1))
	srv.Respond("two sets", fake.Response{Events: fake.Concat(
		fake.Set(idCol, recordset.Row{int32(1)}),
		fake.Set(idCol, recordset.Row{int32(2)}, recordset.Row{int32(3)}),
	)})

	res, err := c.Query(context.Background(), "two sets")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(res.RecordSets) != 1 {
		t.Fatalf("expected only the first recordset, got %d", len(res.RecordSets))
	}
	if res.RowsAffected != 3 {
		t.Errorf("all sets must be drained: rows affected = %d, want 3", res.RowsAffected)
	}
}

func TestRequest_ParameterInference(t *testing.T) {
	type money float64
	m := sqltypes.NewTypeMap()
	m.Register(money(0), sqltypes.Money())

	c, err := New(testConfig(0, 1), WithTypeMap(m))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	req := c.Request().
		Input("count", 50).
		Input("price", money(9.99)).
		InputType("name", sqltypes.VarChar(20), nil).
		Input("ratio", math.NaN())

	tests := []struct {
		name string
		typ  sqltypes.Kind
		null bool
	}{
		{"count", sqltypes.KindBigInt, false},
		{"price", sqltypes.KindMoney, false},
		{"name", sqltypes.KindVarChar, true},
		{"ratio", sqltypes.KindFloat, true},
	}
	for _, tt := range tests {
		p, ok := req.Param(tt.name)
		if !ok {
			t.Fatalf("parameter %s not found", tt.name)
		}
		if p.Type.Kind != tt.typ {
			t.Errorf("%s: type %s, want %s", tt.name, p.Type.Kind, tt.typ)
		}
		if p.IsNull() != tt.null {
			t.Errorf("%s: IsNull = %v, want %v", tt.name, p.IsNull(), tt.null)
		}
	}
	if p, _ := req.Param("@COUNT"); p == nil || !p.Inferred {
		t.Error("lookup must ignore case and '@', inferred flag must be set")
	}
}

func TestRequest_ArgumentErrors(t *testing.T) {
	c, srv := newTestConn(t, testConfig(0, 1))

	_, err := c.Request().Input("a", 1).Input("A", 2).Query(context.Background(), "select @a")
	expectCode(t, err, CodeArgs)

	_, err = c.Request().Input("bad name", 1).Query(context.Background(), "select 1")
	expectCode(t, err, CodeArgs)

	_, err = c.Request().Output("o", sqltypes.Int()).Batch(context.Background(), "select @o = 1")
	expectCode(t, err, CodeArgs)

	tvp := recordset.NewTable("dbo.ids")
	_ = tvp.AddColumn("id", sqltypes.Int(), false, true)
	_, err = c.Request().Input("ids", tvp).Batch(context.Background(), "select * from @ids")
	expectCode(t, err, CodeArgs)

	if n := len(srv.Log()); n != 0 {
		t.Errorf("invalid requests must not reach the server, got %d commands", n)
	}
}

func TestRequest_TableParameter(t *testing.T) {
	c, srv := newTestConn(t, testConfig(0, 1))
	const text = "select id from @ids"
	srv.Respond(text, fake.Response{Events: fake.Set(idCol, recordset.Row{int32(1)}, recordset.Row{int32(2)})})

	ids := recordset.NewTable("dbo.IdList")
	_ = ids.AddColumn("id", sqltypes.Int(), false, true)
	_ = ids.AddRow(int32(1))
	_ = ids.AddRow(int32(2))

	req := c.Request().Input("ids", ids)
	p, _ := req.Param("ids")
	if p == nil || p.Type.Kind != sqltypes.KindTVP || p.Type.TypeName != "dbo.IdList" {
		t.Fatalf("table must be inferred as a TVP: %+v", p)
	}

	res, err := req.Query(context.Background(), text)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if res.RecordSet().Len() != 2 {
		t.Errorf("unexpected result: %+v", res.RecordSet())
	}
	log := srv.Log()
	if len(log) != 1 || log[0].Params["ids"] != any(ids) {
		t.Errorf("the table must reach the server as the parameter value: %+v", log)
	}
}

func TestRequest_NoConnection(t *testing.T) {
	var req Request
	_, err := req.Query(context.Background(), "select 1")
	expectCode(t, err, CodeNoConn)

	_, err = req.Bulk(context.Background(), nil)
	expectCode(t, err, CodeArgs)
}

func TestRequest_BatchWithInputs(t *testing.T) {
	c, srv := newTestConn(t, testConfig(0, 1))

	_, err := c.Request().Input("id", int32(3)).Batch(context.Background(), "select * from t where id = @id")
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	log := srv.Log()
	if len(log) != 1 || log[0].Op != "batch" || log[0].Params["id"] != int32(3) {
		t.Errorf("unexpected server log: %+v", log)
	}
}

func TestRequest_OutputParameters(t *testing.T) {
	c, srv := newTestConn(t, testConfig(0, 1))
	srv.Respond("dbo.count_users", fake.Response{
		Outputs:     map[string]any{"total": int64(12), "undeclared": 1},
		ReturnValue: fake.Int64(0),
	})

	req := c.Request().
		Input("active", true).
		Output("total", sqltypes.BigInt())
	res, err := req.Execute(context.Background(), "dbo.count_users")
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if res.Output["total"] != int64(12) {
		t.Errorf("output total = %v, want 12", res.Output["total"])
	}
	if _, ok := res.Output["undeclared"]; ok {
		t.Error("only declared outputs may be returned")
	}
	if p, _ := req.Param("total"); p.Value != int64(12) {
		t.Errorf("output value must be written back to the parameter, got %v", p.Value)
	}
}

func TestRequest_ServerError(t *testing.T) {
	c, srv := newTestConn(t, testConfig(0, 1))
	srv.Respond("insert dup", fake.Response{Err: fake.ServerError(2627, "Violation of PRIMARY KEY constraint")})

	_, err := c.Query(context.Background(), "insert dup")
	expectCode(t, err, CodeRequest)

	var re *RequestError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RequestError, got %T", err)
	}
	if re.Number != 2627 || re.Class != 16 || re.ServerName != "fake" {
		t.Errorf("server details lost: %+v", re)
	}
	var se *adapters.ServerError
	if !errors.As(err, &se) {
		t.Error("RequestError must wrap the server error")
	}

	if st := c.Stats(); st.Busy != 0 || st.Open != 1 {
		t.Errorf("a server error must release the session to the pool: %+v", st)
	}
}

func TestRequest_CancelReusesSession(t *testing.T) {
	c, srv := newTestConn(t, testConfig(0, 1))
	srv.Respond("waitfor delay '01:00'", fake.Response{Block: true})
	started := srv.Started()

	req := c.Request()
	errs := make(chan error, 2)
	go func() {
		_, err := req.Query(context.Background(), "waitfor delay '01:00'")
		errs <- err
	}()
	<-started

	if !req.Cancel() {
		t.Fatal("Cancel should report a running request")
	}
	err := <-errs
	expectCode(t, err, CodeCancel)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ECANCEL must wrap context.Canceled: %v", err)
	}
	var re *RequestError
	if errors.As(err, &re) && re.Message != "Cancelled." {
		t.Errorf("message = %q", re.Message)
	}
	if !req.Canceled() {
		t.Error("Canceled() должен вернуть true")
	}
	select {
	case err := <-errs:
		t.Fatalf("a canceled request must fail exactly once, got second error %v", err)
	default:
	}

	if _, err := c.Query(context.Background(), "select 1"); err != nil {
		t.Fatalf("query after cancel failed: %v", err)
	}
	if st := srv.Stats(); st.Dials != 1 {
		t.Errorf("the canceled session must be reused, dials = %d", st.Dials)
	}
	if req.Cancel() {
		t.Error("Cancel on an idle request must return false")
	}
}

func TestRequest_Timeout(t *testing.T) {
	c, srv := newTestConn(t, testConfig(0, 1))
	srv.Respond("slow", fake.Response{Block: true})

	req := c.Request()
	req.Timeout = 20 * time.Millisecond
	_, err := req.Query(context.Background(), "slow")
	expectCode(t, err, CodeTimeout)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ETIMEOUT must wrap DeadlineExceeded: %v", err)
	}
	if req.Canceled() {
		t.Error("a timeout is not a cancel")
	}
	if st := c.Stats(); st.Busy != 0 || st.Open != 1 {
		t.Errorf("session must be returned after a timeout: %+v", st)
	}
}

func TestRequest_InProgress(t *testing.T) {
	c, srv := newTestConn(t, testConfig(0, 2))
	srv.Respond("block", fake.Response{Block: true})
	started := srv.Started()

	req := c.Request()
	done := make(chan error, 1)
	go func() {
		_, err := req.Query(context.Background(), "block")
		done <- err
	}()
	<-started

	_, err := req.Query(context.Background(), "select 1")
	expectCode(t, err, CodeInProgress)

	req.Cancel()
	expectCode(t, <-done, CodeCancel)

	if _, err := req.Query(context.Background(), "select 1"); err != nil {
		t.Fatalf("request must be reusable after completion: %v", err)
	}
}

func TestRequest_BrokenSessionDiscarded(t *testing.T) {
	c, srv := newTestConn(t, testConfig(0, 1))
	srv.Respond("kill", fake.Response{Broken: true})

	_, err := c.Query(context.Background(), "kill")
	expectCode(t, err, CodeRequest)
	if !adapters.IsBroken(err) {
		t.Errorf("error must keep the broken marker: %v", err)
	}

	if _, err := c.Query(context.Background(), "select 1"); err != nil {
		t.Fatalf("query after broken session failed: %v", err)
	}
	if st := srv.Stats(); st.Dials != 2 || st.Open != 1 {
		t.Errorf("broken session must be replaced: %+v", st)
	}
}

func TestRequest_ParseJSON(t *testing.T) {
	c, srv := newTestConn(t, testConfig(0, 1))
	jsonCol := []*recordset.Column{fake.Col("JSON_F52E2B61-18A1-11d1-B105-00805F49916B", sqltypes.NVarChar(sqltypes.Max))}
	srv.Respond("select * from t for json path", fake.Response{Events: fake.Set(jsonCol,
		recordset.Row{`[{"id":1},`},
		recordset.Row{`{"id":2}]`},
	)})

	req := c.Request()
	req.ParseJSON = true
	res, err := req.Query(context.Background(), "select * from t for json path")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if rs := res.RecordSet(); rs == nil || rs.Len() != 2 {
		t.Fatalf("expected 2 decoded rows, got %+v", rs)
	}
}

func TestRequest_Bulk(t *testing.T) {
	c, srv := newTestConn(t, testConfig(0, 1))
	srv.Respond("select id, name from people", fake.Response{Events: fake.Set(
		[]*recordset.Column{fake.Col("id", sqltypes.Int()), fake.Col("name", sqltypes.NVarChar(50))},
		recordset.Row{int32(1), "ann"},
		recordset.Row{int32(2), "bob"},
		recordset.Row{int32(3), nil},
	)})

	res, err := c.Query(context.Background(), "select id, name from people")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	table, err := res.RecordSet().ToTable("dbo.people_copy")
	if err != nil {
		t.Fatalf("ToTable failed: %v", err)
	}
	table.Create = true

	req := c.Request()
	n, err := req.Bulk(context.Background(), table)
	if err != nil {
		t.Fatalf("bulk failed: %v", err)
	}
	if n != 3 || req.RowsAffected() != 3 {
		t.Errorf("bulk reported %d rows (request %d), want 3", n, req.RowsAffected())
	}

	loaded, ok := srv.Table("dbo.people_copy")
	if !ok {
		t.Fatal("table was not loaded")
	}
	if loaded.ToRecordSet().Fingerprint() != res.RecordSet().Fingerprint() {
		t.Error("bulk round trip changed the data")
	}
}

func TestRequest_BulkRejectsInvalidTable(t *testing.T) {
	c, srv := newTestConn(t, testConfig(0, 1))

	bad := recordset.NewTable("dbo.t")
	_ = bad.AddColumn("id", sqltypes.Int(), false, false)
	bad.Rows = append(bad.Rows, recordset.Row{1, 2})

	_, err := c.Request().Bulk(context.Background(), bad)
	expectCode(t, err, CodeArgs)

	_, err = c.Request().Bulk(context.Background(), recordset.NewTable("dbo.empty"))
	expectCode(t, err, CodeArgs)

	if n := len(srv.Log()); n != 0 {
		t.Errorf("invalid tables must not reach the server, got %d commands", n)
	}
}
