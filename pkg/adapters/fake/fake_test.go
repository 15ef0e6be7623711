package fake

import (
	"context"
	"errors"
	"testing"

	"github.com/ruslano69/mssqlpool/pkg/adapters"
	"github.com/ruslano69/mssqlpool/pkg/core/recordset"
	"github.com/ruslano69/mssqlpool/pkg/core/sqltypes"
)

func TestSession_ExecScripted(t *testing.T) {
	srv := NewServer()
	srv.Respond("select 1 as n", Response{
		Events:      Set([]*recordset.Column{Col("n", sqltypes.Int())}, recordset.Row{int64(1)}),
		ReturnValue: Int64(3),
	})

	sess, err := srv.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	asm := recordset.NewAssembler(false)
	if err := sess.Exec(context.Background(), &adapters.Command{Kind: adapters.CommandQuery, Text: "select 1 as n"}, asm); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	res, _ := asm.Result()
	if res.Len() != 1 || res.First().Rows[0][0] != int64(1) {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.ReturnValue == nil || *res.ReturnValue != 3 {
		t.Errorf("return value = %v", res.ReturnValue)
	}
	if ops := srv.Ops(); len(ops) != 1 || ops[0] != "query select 1 as n" {
		t.Errorf("ops = %v", ops)
	}
}

func TestSession_BulkStagedInTransaction(t *testing.T) {
	srv := NewServer()
	sess, _ := srv.Dial(context.Background())
	ctx := context.Background()

	tbl := recordset.NewTable("users")
	_ = tbl.AddColumn("id", sqltypes.Int(), false, true)
	_ = tbl.AddRow(1)

	if err := sess.Begin(ctx, adapters.ReadCommitted, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Bulk(ctx, tbl); err != nil {
		t.Fatal(err)
	}
	if _, ok := srv.Table("users"); ok {
		t.Fatal("строки не должны быть видны до commit")
	}
	if err := sess.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := srv.Table("users"); ok {
		t.Fatal("rollback должен отбросить строки")
	}

	n, err := sess.Bulk(ctx, tbl)
	if err != nil || n != 1 {
		t.Fatalf("bulk = %d, %v", n, err)
	}
	if got, ok := srv.Table("USERS"); !ok || len(got.Rows) != 1 {
		t.Errorf("table = %+v", got)
	}
}

func TestSession_BrokenAndDialFailures(t *testing.T) {
	srv := NewServer()
	srv.Respond("kill", Response{Broken: true})
	srv.FailDials(1)

	if _, err := srv.Dial(context.Background()); !errors.Is(err, ErrDial) {
		t.Fatalf("expected ErrDial, got %v", err)
	}
	sess, err := srv.Dial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	err = sess.Exec(context.Background(), &adapters.Command{Text: "kill"}, recordset.NewAssembler(false))
	if !adapters.IsBroken(err) {
		t.Fatalf("expected broken session, got %v", err)
	}
	if err := sess.Ping(context.Background()); !adapters.IsBroken(err) {
		t.Errorf("ping after break: %v", err)
	}
	_ = sess.Close()
	if st := srv.Stats(); st.Open != 0 || st.Dials != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSession_BlockHonorsContext(t *testing.T) {
	srv := NewServer()
	srv.Respond("waitfor delay '01:00'", Response{Block: true})
	sess, _ := srv.Dial(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sess.Exec(ctx, &adapters.Command{Kind: adapters.CommandBatch, Text: "waitfor delay '01:00'"}, recordset.NewAssembler(false))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := sess.Ping(context.Background()); err != nil {
		t.Errorf("сессия должна остаться рабочей: %v", err)
	}
}
