package recordset

import (
	"fmt"
	"strings"

	"github.com/ruslano69/mssqlpool/pkg/core/sqltypes"
)

// TableColumn - объявление колонки таблицы
type TableColumn struct {
	Name     string
	Type     sqltypes.Type
	Nullable bool
	Primary  bool
}

// Table is a bulk-load or table-valued-parameter payload.
//
// Every row must have exactly one value per column.
type Table struct {
	// Name - имя таблицы: "t", "dbo.t", "[db].[dbo].[t]" или "#tmp"
	Name string

	// Create - создать таблицу перед загрузкой, если она не существует
	Create bool

	Columns []TableColumn
	Rows    []Row

	// TypeName - имя табличного типа на сервере для TVP (по умолчанию Name)
	TypeName string
}

// NewTable creates an empty table payload.
func NewTable(name string) *Table {
	return &Table{Name: name}
}

// AddColumn appends a column. Columns cannot be added once rows exist.
func (t *Table) AddColumn(name string, typ sqltypes.Type, nullable, primary bool) error {
	if len(t.Rows) > 0 {
		return fmt.Errorf("table %s: cannot add column %q after rows", t.Name, name)
	}
	if name == "" {
		return fmt.Errorf("table %s: column name is empty", t.Name)
	}
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return fmt.Errorf("table %s: duplicate column %q", t.Name, name)
		}
	}
	if typ.IsZero() {
		return fmt.Errorf("table %s: column %q has no type", t.Name, name)
	}
	t.Columns = append(t.Columns, TableColumn{Name: name, Type: typ, Nullable: nullable, Primary: primary})
	return nil
}

// AddRow appends one row of positional values.
func (t *Table) AddRow(values ...any) error {
	if len(values) != len(t.Columns) {
		return fmt.Errorf("table %s: row has %d values, table has %d columns",
			t.Name, len(values), len(t.Columns))
	}
	for i, v := range values {
		if sqltypes.IsNull(v) && !t.Columns[i].Nullable {
			return fmt.Errorf("table %s: NULL in non-nullable column %q", t.Name, t.Columns[i].Name)
		}
	}
	row := make(Row, len(values))
	for i, v := range values {
		row[i] = sqltypes.Normalize(v)
	}
	t.Rows = append(t.Rows, row)
	return nil
}

// Validate checks the arity invariant for rows added directly to Rows.
func (t *Table) Validate() error {
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s has no columns", t.Name)
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("table %s: row %d has %d values, table has %d columns",
				t.Name, i, len(row), len(t.Columns))
		}
	}
	return nil
}

// ColumnNames returns column names in order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// TableTypeName implements sqltypes.TableValue.
func (t *Table) TableTypeName() string {
	if t.TypeName != "" {
		return t.TypeName
	}
	return t.Name
}

// Declare renders CREATE TABLE for the payload.
//
//	create table [dbo].[users] ([id] int not null, [name] nvarchar (50) null, primary key ([id]))
func (t *Table) Declare() (string, error) {
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("table %s has no columns", t.Name)
	}
	name, err := ParseTableName(t.Name)
	if err != nil {
		return "", err
	}

	var cols []string
	var pk []string
	for _, c := range t.Columns {
		def := QuoteIdentifier(c.Name) + " " + sqltypes.Declare(c.Type)
		if c.Nullable {
			def += " null"
		} else {
			def += " not null"
		}
		cols = append(cols, def)
		if c.Primary {
			pk = append(pk, QuoteIdentifier(c.Name))
		}
	}
	if len(pk) > 0 {
		cols = append(cols, "primary key ("+strings.Join(pk, ", ")+")")
	}

	return fmt.Sprintf("create table %s (%s)", name.Quoted(), strings.Join(cols, ", ")), nil
}

// FromRecordSet builds a Table with the columns and rows of rs.
func FromRecordSet(rs *RecordSet, name string) (*Table, error) {
	if rs == nil {
		return nil, fmt.Errorf("recordset is nil")
	}
	t := NewTable(name)
	for _, c := range rs.Columns {
		if c.ReadOnly {
			continue
		}
		t.Columns = append(t.Columns, TableColumn{Name: c.Name, Type: c.Type, Nullable: c.Nullable})
	}
	if len(t.Columns) == 0 {
		return nil, fmt.Errorf("recordset has no writable columns")
	}

	for _, row := range rs.Rows {
		out := make(Row, 0, len(t.Columns))
		for i, c := range rs.Columns {
			if c.ReadOnly {
				continue
			}
			out = append(out, row[i])
		}
		t.Rows = append(t.Rows, out)
	}
	return t, nil
}

// ToRecordSet exposes the table contents as a RecordSet.
func (t *Table) ToRecordSet() *RecordSet {
	cols := make([]*Column, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = &Column{Name: c.Name, Type: c.Type, Nullable: c.Nullable}
	}
	rs := NewRecordSet(cols)
	rs.Rows = append(rs.Rows, t.Rows...)
	return rs
}

// TableName - разобранное имя таблицы
type TableName struct {
	Database string
	Schema   string
	Name     string
}

// Temporary reports whether the name refers to a #temp table.
func (n TableName) Temporary() bool { return strings.HasPrefix(n.Name, "#") }

// Quoted renders [db].[schema].[name]; temp tables stay unqualified.
func (n TableName) Quoted() string {
	if n.Temporary() {
		return QuoteIdentifier(n.Name)
	}
	parts := make([]string, 0, 3)
	if n.Database != "" {
		parts = append(parts, QuoteIdentifier(n.Database))
	}
	parts = append(parts, QuoteIdentifier(n.Schema), QuoteIdentifier(n.Name))
	return strings.Join(parts, ".")
}

// ParseTableName разбирает имя таблицы на базу, схему и имя
// Примеры:
//
//	"Users" → ("", "dbo", "Users")
//	"dbo.Users" → ("", "dbo", "Users")
//	"[sales].[dbo].[Order Lines]" → ("sales", "dbo", "Order Lines")
//	"#tmp" → ("", "", "#tmp")
func ParseTableName(full string) (TableName, error) {
	parts, err := splitIdentifier(full)
	if err != nil {
		return TableName{}, err
	}

	var n TableName
	switch len(parts) {
	case 1:
		n.Name = parts[0]
	case 2:
		n.Schema, n.Name = parts[0], parts[1]
	case 3:
		n.Database, n.Schema, n.Name = parts[0], parts[1], parts[2]
	default:
		return TableName{}, fmt.Errorf("invalid table name %q", full)
	}

	if n.Name == "" {
		return TableName{}, fmt.Errorf("invalid table name %q", full)
	}
	if n.Schema == "" && !n.Temporary() {
		n.Schema = "dbo"
	}
	return n, nil
}

// splitIdentifier splits a dotted name honoring [bracketed] parts.
func splitIdentifier(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("table name is empty")
	}

	var parts []string
	var cur strings.Builder
	inBracket := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case inBracket && ch == ']':
			if i+1 < len(s) && s[i+1] == ']' {
				cur.WriteByte(']')
				i++
				continue
			}
			inBracket = false
		case inBracket:
			cur.WriteByte(ch)
		case ch == '[':
			inBracket = true
		case ch == '.':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(ch)
		}
	}
	if inBracket {
		return nil, fmt.Errorf("unterminated bracket in %q", s)
	}
	parts = append(parts, cur.String())
	return parts, nil
}

// QuoteIdentifier квотирует идентификатор для SQL Server
func QuoteIdentifier(id string) string {
	return "[" + strings.ReplaceAll(id, "]", "]]") + "]"
}
