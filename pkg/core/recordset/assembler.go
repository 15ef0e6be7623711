package recordset

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventKind - тип события декодированного потока
type EventKind int

const (
	// EventMetadata - описание колонок нового набора
	EventMetadata EventKind = iota + 1
	// EventRow - строка текущего набора
	EventRow
	// EventDone - завершение оператора (rowsAffected)
	EventDone
	// EventOutput - значение выходного параметра
	EventOutput
	// EventReturnValue - код возврата процедуры
	EventReturnValue
	// EventInfo - информационное сообщение сервера (PRINT, RAISERROR < 11)
	EventInfo
)

func (k EventKind) String() string {
	switch k {
	case EventMetadata:
		return "metadata"
	case EventRow:
		return "row"
	case EventDone:
		return "done"
	case EventOutput:
		return "output"
	case EventReturnValue:
		return "returnValue"
	case EventInfo:
		return "info"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one item of a decoded response stream.
type Event struct {
	Kind EventKind

	Columns []*Column // EventMetadata
	Row     Row       // EventRow

	// RowsAffected is set for EventDone; -1 when the statement reported no count.
	RowsAffected int64

	Name  string // EventOutput
	Value any    // EventOutput, EventReturnValue (int64), EventInfo (string)
}

// Sink receives decoded events in arrival order. A non-nil error stops
// decoding and becomes the request error.
type Sink interface {
	Emit(ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event) error

// Emit calls f.
func (f SinkFunc) Emit(ev Event) error { return f(ev) }

// jsonColumn is the column name the server uses for FOR JSON output.
const jsonColumn = "JSON_F52E2B61-18A1-11d1-B105-00805F49916B"

// Assembler buffers events into RecordSets.
type Assembler struct {
	// ParseJSON decodes FOR JSON output into rows of maps.
	ParseJSON bool

	sets    RecordSets
	current *RecordSet
	outputs map[string]any
	info    []string
}

// NewAssembler creates an empty assembler.
func NewAssembler(parseJSON bool) *Assembler {
	return &Assembler{ParseJSON: parseJSON, outputs: make(map[string]any)}
}

// Emit implements Sink.
func (a *Assembler) Emit(ev Event) error {
	switch ev.Kind {
	case EventMetadata:
		a.current = NewRecordSet(ev.Columns)
		a.sets.Sets = append(a.sets.Sets, a.current)
	case EventRow:
		if a.current == nil {
			return fmt.Errorf("row received before column metadata")
		}
		if len(ev.Row) != len(a.current.Columns) {
			return fmt.Errorf("row has %d values, recordset has %d columns",
				len(ev.Row), len(a.current.Columns))
		}
		a.current.Rows = append(a.current.Rows, ev.Row)
	case EventDone:
		if ev.RowsAffected >= 0 {
			a.sets.RowsAffected += ev.RowsAffected
			a.sets.StatementRows = append(a.sets.StatementRows, ev.RowsAffected)
		}
	case EventOutput:
		if a.outputs == nil {
			a.outputs = make(map[string]any)
		}
		a.outputs[ev.Name] = ev.Value
	case EventReturnValue:
		rv, ok := ev.Value.(int64)
		if !ok {
			return fmt.Errorf("return value has type %T, want int64", ev.Value)
		}
		a.sets.ReturnValue = &rv
	case EventInfo:
		if s, ok := ev.Value.(string); ok {
			a.info = append(a.info, s)
		}
	}
	return nil
}

// Result returns the assembled recordsets. With ParseJSON, FOR JSON sets
// are replaced by their decoded form.
func (a *Assembler) Result() (*RecordSets, error) {
	if a.ParseJSON {
		for i, rs := range a.sets.Sets {
			if !IsJSONSet(rs) {
				continue
			}
			decoded, err := DecodeJSONSet(rs)
			if err != nil {
				return nil, err
			}
			a.sets.Sets[i] = decoded
		}
	}
	out := a.sets
	return &out, nil
}

// Outputs returns output parameter values by name.
func (a *Assembler) Outputs() map[string]any { return a.outputs }

// Info returns informational messages in arrival order.
func (a *Assembler) Info() []string { return a.info }

// IsJSONSet reports whether rs is FOR JSON output.
func IsJSONSet(rs *RecordSet) bool {
	return rs != nil && len(rs.Columns) == 1 && rs.Columns[0].Name == jsonColumn
}

// DecodeJSONSet concatenates FOR JSON chunks and decodes them into a set
// with one row per JSON object and one "value" column holding the map.
func DecodeJSONSet(rs *RecordSet) (*RecordSet, error) {
	var sb strings.Builder
	for _, row := range rs.Rows {
		switch v := row[0].(type) {
		case string:
			sb.WriteString(v)
		case []byte:
			sb.Write(v)
		case nil:
		default:
			return nil, fmt.Errorf("unexpected FOR JSON chunk type %T", v)
		}
	}

	out := NewRecordSet([]*Column{{Name: "value", Type: rs.Columns[0].Type, Nullable: true}})
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return out, nil
	}

	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("decode FOR JSON output: %w", err)
	}
	switch v := doc.(type) {
	case []any:
		for _, item := range v {
			out.Rows = append(out.Rows, Row{item})
		}
	default:
		out.Rows = append(out.Rows, Row{v})
	}
	return out, nil
}
