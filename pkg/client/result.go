package client

import (
	"github.com/ruslano69/mssqlpool/pkg/core/recordset"
)

// Result - итог выполнения запроса
type Result struct {
	// RecordSets - наборы строк в порядке поступления. Без Multiple
	// остается только первый.
	RecordSets []*recordset.RecordSet

	// RowsAffected - сумма по всем операторам
	RowsAffected int64

	// StatementRows - rows affected per statement in arrival order
	StatementRows []int64

	// ReturnValue - код возврата процедуры (0, если сервер его не прислал)
	ReturnValue int64

	// Output - значения выходных параметров по имени
	Output map[string]any

	// Info - PRINT and low-severity messages
	Info []string
}

// RecordSet returns the first recordset or nil.
func (r *Result) RecordSet() *recordset.RecordSet {
	if r == nil || len(r.RecordSets) == 0 {
		return nil
	}
	return r.RecordSets[0]
}

// tracker sits in front of the caller's sink. It keeps the request
// counters and writes output values back into the parameters.
type tracker struct {
	req  *Request
	next recordset.Sink

	rowsAffected  int64
	statementRows []int64
	returnValue   int64
	output        map[string]any
	info          []string
}

func (t *tracker) Emit(ev recordset.Event) error {
	switch ev.Kind {
	case recordset.EventDone:
		if ev.RowsAffected >= 0 {
			t.rowsAffected += ev.RowsAffected
			t.statementRows = append(t.statementRows, ev.RowsAffected)
			t.req.addRows(ev.RowsAffected)
		}
	case recordset.EventOutput:
		if t.output == nil {
			t.output = make(map[string]any)
		}
		t.output[ev.Name] = ev.Value
		t.req.setOutput(ev.Name, ev.Value)
	case recordset.EventReturnValue:
		if v, ok := ev.Value.(int64); ok {
			t.returnValue = v
		}
	case recordset.EventInfo:
		if s, ok := ev.Value.(string); ok {
			t.info = append(t.info, s)
		}
	}
	if t.next == nil {
		return nil
	}
	return t.next.Emit(ev)
}

func (t *tracker) result(sets []*recordset.RecordSet) *Result {
	return &Result{
		RecordSets:    sets,
		RowsAffected:  t.rowsAffected,
		StatementRows: t.statementRows,
		ReturnValue:   t.returnValue,
		Output:        t.output,
		Info:          t.info,
	}
}

// consumerSink forwards events to a caller-supplied sink and marks its
// errors so they surface as ESTREAM.
type consumerSink struct {
	sink recordset.Sink
}

func (c consumerSink) Emit(ev recordset.Event) error {
	if err := c.sink.Emit(ev); err != nil {
		return &consumerError{err: err}
	}
	return nil
}
