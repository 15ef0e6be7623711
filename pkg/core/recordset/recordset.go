// Package recordset holds query results (RecordSet, RecordSets), table
// payloads for bulk load and TVPs, and the assembler that builds results
// from a decoded event stream.
package recordset

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"github.com/ruslano69/mssqlpool/pkg/core/sqltypes"
)

// UDT - метаданные пользовательского типа
type UDT struct {
	Name     string
	Database string
	Schema   string
	Assembly string
}

// Column - метаданные колонки результирующего набора
type Column struct {
	Index    int
	Name     string
	Type     sqltypes.Type
	Nullable bool
	ReadOnly bool
	UDT      *UDT
}

// Row - строка значений в порядке колонок
type Row []any

// RecordSet is the rows and column metadata produced by one statement.
type RecordSet struct {
	Columns []*Column
	Rows    []Row

	byName map[string]*Column
}

// NewRecordSet creates an empty set with the given columns.
// Column indexes are reassigned to their ordinal positions.
func NewRecordSet(cols []*Column) *RecordSet {
	rs := &RecordSet{Columns: cols, byName: make(map[string]*Column, len(cols))}
	for i, c := range cols {
		c.Index = i
		key := strings.ToLower(c.Name)
		if _, dup := rs.byName[key]; !dup {
			rs.byName[key] = c
		}
	}
	return rs
}

// Column returns column metadata by name, ignoring case.
func (rs *RecordSet) Column(name string) (*Column, bool) {
	if rs.byName == nil {
		rs.reindex()
	}
	c, ok := rs.byName[strings.ToLower(name)]
	return c, ok
}

func (rs *RecordSet) reindex() {
	rs.byName = make(map[string]*Column, len(rs.Columns))
	for _, c := range rs.Columns {
		key := strings.ToLower(c.Name)
		if _, dup := rs.byName[key]; !dup {
			rs.byName[key] = c
		}
	}
}

// Len returns the number of rows.
func (rs *RecordSet) Len() int { return len(rs.Rows) }

// Value returns the value of column name in row i.
func (rs *RecordSet) Value(i int, name string) (any, error) {
	if i < 0 || i >= len(rs.Rows) {
		return nil, fmt.Errorf("row %d out of range [0,%d)", i, len(rs.Rows))
	}
	c, ok := rs.Column(name)
	if !ok {
		return nil, fmt.Errorf("unknown column %q", name)
	}
	return rs.Rows[i][c.Index], nil
}

// Maps converts rows into name → value maps. For duplicate column names
// the last column wins.
func (rs *RecordSet) Maps() []map[string]any {
	out := make([]map[string]any, len(rs.Rows))
	for i, row := range rs.Rows {
		m := make(map[string]any, len(rs.Columns))
		for j, c := range rs.Columns {
			if j < len(row) {
				m[c.Name] = row[j]
			}
		}
		out[i] = m
	}
	return out
}

// Fingerprint hashes the rows with xxh3. Integral numbers hash equally
// whether the driver delivered them as integers or floats.
func (rs *RecordSet) Fingerprint() uint64 {
	h := xxh3.New()
	var buf [8]byte
	for _, row := range rs.Rows {
		for _, v := range row {
			canonical(h, buf[:], v)
			h.Write([]byte{0x1f})
		}
		h.Write([]byte{0x1e})
	}
	return h.Sum64()
}

func canonical(h *xxh3.Hasher, buf []byte, v any) {
	v = sqltypes.Normalize(v)
	switch x := v.(type) {
	case nil:
		h.Write([]byte{0})
	case bool:
		if x {
			h.WriteString("b1")
		} else {
			h.WriteString("b0")
		}
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		h.WriteString("n" + fmt.Sprint(x))
	case float32:
		writeFloat(h, buf, float64(x))
	case float64:
		writeFloat(h, buf, x)
	case *big.Rat:
		h.WriteString("n" + trimDecimal(x.FloatString(20)))
	case string:
		h.WriteString("s" + x)
	case []byte:
		h.WriteString("x")
		h.Write(x)
	case time.Time:
		binary.LittleEndian.PutUint64(buf, uint64(x.UTC().UnixNano()))
		h.WriteString("t")
		h.Write(buf)
	case uuid.UUID:
		h.WriteString("u" + x.String())
	default:
		h.WriteString("v" + fmt.Sprint(x))
	}
}

func writeFloat(h *xxh3.Hasher, buf []byte, f float64) {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		h.WriteString("n" + fmt.Sprint(int64(f)))
		return
	}
	binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
	h.WriteString("f")
	h.Write(buf)
}

func trimDecimal(s string) string {
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}

// ToTable converts the set into a Table payload with the same columns.
func (rs *RecordSet) ToTable(name string) (*Table, error) {
	return FromRecordSet(rs, name)
}

// RecordSets is the ordered result of one request.
type RecordSets struct {
	Sets []*RecordSet

	// ReturnValue - код возврата хранимой процедуры
	ReturnValue *int64

	// RowsAffected - сумма по всем операторам
	RowsAffected int64

	// StatementRows - rows affected per statement in arrival order
	StatementRows []int64
}

// Len returns the number of recordsets.
func (r *RecordSets) Len() int { return len(r.Sets) }

// First returns the first recordset or nil.
func (r *RecordSets) First() *RecordSet {
	if len(r.Sets) == 0 {
		return nil
	}
	return r.Sets[0]
}
