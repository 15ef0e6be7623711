package mssql

import (
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"time"

	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/google/uuid"

	"github.com/ruslano69/mssqlpool/pkg/core/recordset"
	"github.com/ruslano69/mssqlpool/pkg/core/sqltypes"
)

// output - выходной параметр и буфер, куда драйвер запишет значение
type output struct {
	name string
	kind sqltypes.Kind
	dest any // pointer
}

// bindArgs converts declared parameters into driver arguments.
func bindArgs(ps *sqltypes.Params) ([]any, []output, error) {
	var args []any
	var outs []output
	for _, p := range ps.List() {
		if p.Direction == sqltypes.Out {
			dest, err := outputDest(p)
			if err != nil {
				return nil, nil, err
			}
			args = append(args, sql.Named(p.Name, sql.Out{Dest: dest}))
			outs = append(outs, output{name: p.Name, kind: p.Type.Kind, dest: dest})
			continue
		}
		v, err := inputValue(p)
		if err != nil {
			return nil, nil, err
		}
		args = append(args, sql.Named(p.Name, v))
	}
	return args, outs, nil
}

// inputValue wraps v so the driver declares the parameter with its SQL type.
func inputValue(p *sqltypes.Param) (any, error) {
	if p.IsNull() {
		return nil, nil
	}
	v := sqltypes.Normalize(p.Value)
	t := p.Type

	switch t.Kind {
	case sqltypes.KindVarChar, sqltypes.KindChar, sqltypes.KindText:
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		if t.Length == sqltypes.Max || t.Kind == sqltypes.KindText || len(s) > 8000 {
			return mssql.VarCharMax(s), nil
		}
		return mssql.VarChar(s), nil
	case sqltypes.KindNVarChar, sqltypes.KindNText, sqltypes.KindXML:
		if s, ok := v.(string); ok && (t.Length == sqltypes.Max || t.Kind != sqltypes.KindNVarChar) {
			return mssql.NVarCharMax(s), nil
		}
	case sqltypes.KindDateTime, sqltypes.KindSmallDateTime:
		if tm, ok := v.(time.Time); ok {
			return mssql.DateTime1(tm), nil
		}
	case sqltypes.KindDateTimeOffset:
		if tm, ok := v.(time.Time); ok {
			return mssql.DateTimeOffset(tm), nil
		}
	case sqltypes.KindUniqueIdentifier:
		switch u := v.(type) {
		case uuid.UUID:
			return mssql.UniqueIdentifier(u), nil
		case string:
			parsed, err := uuid.Parse(u)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %w", p.Name, err)
			}
			return mssql.UniqueIdentifier(parsed), nil
		}
	case sqltypes.KindTVP:
		return tableValue(p.Name, v)
	case sqltypes.KindDecimal, sqltypes.KindNumeric, sqltypes.KindMoney, sqltypes.KindSmallMoney:
		// the driver has no decimal wrapper; strings are converted by the server
		if _, ok := v.(string); ok {
			return v, nil
		}
	}
	return v, nil
}

// outputDest allocates a typed buffer for an output parameter, seeded with
// the initial value when one was given.
func outputDest(p *sqltypes.Param) (any, error) {
	var dest reflect.Value
	switch p.Type.Kind {
	case sqltypes.KindBit:
		dest = reflect.ValueOf(new(bool))
	case sqltypes.KindTinyInt, sqltypes.KindSmallInt, sqltypes.KindInt, sqltypes.KindBigInt:
		dest = reflect.ValueOf(new(int64))
	case sqltypes.KindFloat, sqltypes.KindReal:
		dest = reflect.ValueOf(new(float64))
	case sqltypes.KindBinary, sqltypes.KindVarBinary, sqltypes.KindImage:
		dest = reflect.ValueOf(new([]byte))
	case sqltypes.KindDate, sqltypes.KindDateTime, sqltypes.KindDateTime2,
		sqltypes.KindSmallDateTime, sqltypes.KindDateTimeOffset, sqltypes.KindTime:
		dest = reflect.ValueOf(new(time.Time))
	case sqltypes.KindUniqueIdentifier:
		dest = reflect.ValueOf(new(mssql.UniqueIdentifier))
	case sqltypes.KindTVP, sqltypes.KindUDT, sqltypes.KindGeography, sqltypes.KindGeometry:
		return nil, fmt.Errorf("parameter %s: %s cannot be an output parameter", p.Name, p.Type.Kind)
	default:
		dest = reflect.ValueOf(new(string))
	}

	if !p.IsNull() {
		v := reflect.ValueOf(sqltypes.Normalize(p.Value))
		if u, ok := p.Value.(uuid.UUID); ok {
			v = reflect.ValueOf(mssql.UniqueIdentifier(u))
		}
		elem := dest.Elem()
		switch {
		case v.Type().AssignableTo(elem.Type()):
			elem.Set(v)
		case v.Type().ConvertibleTo(elem.Type()) && v.Kind() != reflect.String:
			elem.Set(v.Convert(elem.Type()))
		default:
			return nil, fmt.Errorf("parameter %s: cannot use %T as initial %s value", p.Name, p.Value, p.Type.Kind)
		}
	}
	return dest.Interface(), nil
}

// outputValue reads the driver-filled buffer back into a plain value.
func (o output) value() any {
	switch d := o.dest.(type) {
	case *mssql.UniqueIdentifier:
		return uuid.UUID(*d)
	case *[]byte:
		if *d == nil {
			return nil
		}
		return *d
	default:
		return reflect.ValueOf(o.dest).Elem().Interface()
	}
}

// tableValue builds a TVP argument from a table payload. Rows become a
// slice of generated structs with one field per column, in column order.
func tableValue(name string, v any) (mssql.TVP, error) {
	var table *recordset.Table
	switch t := v.(type) {
	case *recordset.Table:
		table = t
	case recordset.Table:
		table = &t
	default:
		return mssql.TVP{}, fmt.Errorf("parameter %s: TVP value must be a *recordset.Table, got %T", name, v)
	}
	if err := table.Validate(); err != nil {
		return mssql.TVP{}, fmt.Errorf("parameter %s: %w", name, err)
	}

	fields := make([]reflect.StructField, len(table.Columns))
	for i, c := range table.Columns {
		fields[i] = reflect.StructField{
			Name: fmt.Sprintf("C%d", i),
			Type: tvpFieldType(c),
			Tag:  reflect.StructTag(fmt.Sprintf(`tvp:%q`, c.Name)),
		}
	}
	rowType := reflect.StructOf(fields)

	rows := reflect.MakeSlice(reflect.SliceOf(rowType), 0, len(table.Rows))
	for ri, row := range table.Rows {
		rv := reflect.New(rowType).Elem()
		for ci, val := range row {
			if err := setField(rv.Field(ci), val); err != nil {
				return mssql.TVP{}, fmt.Errorf("parameter %s: row %d column %q: %w", name, ri, table.Columns[ci].Name, err)
			}
		}
		rows = reflect.Append(rows, rv)
	}
	return mssql.TVP{TypeName: table.TableTypeName(), Value: rows.Interface()}, nil
}

func tvpFieldType(c recordset.TableColumn) reflect.Type {
	switch c.Type.Kind {
	case sqltypes.KindBit:
		return reflect.TypeOf(sql.NullBool{})
	case sqltypes.KindTinyInt, sqltypes.KindSmallInt, sqltypes.KindInt, sqltypes.KindBigInt:
		return reflect.TypeOf(sql.NullInt64{})
	case sqltypes.KindFloat, sqltypes.KindReal:
		return reflect.TypeOf(sql.NullFloat64{})
	case sqltypes.KindBinary, sqltypes.KindVarBinary, sqltypes.KindImage:
		return reflect.TypeOf([]byte(nil))
	case sqltypes.KindDate, sqltypes.KindDateTime, sqltypes.KindDateTime2,
		sqltypes.KindSmallDateTime, sqltypes.KindDateTimeOffset:
		return reflect.TypeOf(sql.NullTime{})
	default:
		return reflect.TypeOf(sql.NullString{})
	}
}

// setField stores val into a TVP struct field of one of the types returned
// by tvpFieldType.
func setField(f reflect.Value, val any) error {
	if sqltypes.IsNull(val) {
		return nil // zero Null* value is NULL
	}
	val = sqltypes.Normalize(val)

	switch f.Interface().(type) {
	case sql.NullBool:
		b, ok := val.(bool)
		if !ok {
			return fmt.Errorf("want bool, got %T", val)
		}
		f.Set(reflect.ValueOf(sql.NullBool{Bool: b, Valid: true}))
	case sql.NullInt64:
		rv := reflect.ValueOf(val)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			f.Set(reflect.ValueOf(sql.NullInt64{Int64: rv.Int(), Valid: true}))
		case reflect.Uint8, reflect.Uint16, reflect.Uint32:
			f.Set(reflect.ValueOf(sql.NullInt64{Int64: int64(rv.Uint()), Valid: true}))
		default:
			return fmt.Errorf("want integer, got %T", val)
		}
	case sql.NullFloat64:
		rv := reflect.ValueOf(val)
		if !rv.CanConvert(reflect.TypeOf(float64(0))) || rv.Kind() == reflect.String {
			return fmt.Errorf("want number, got %T", val)
		}
		f.Set(reflect.ValueOf(sql.NullFloat64{Float64: rv.Convert(reflect.TypeOf(float64(0))).Float(), Valid: true}))
	case []byte:
		b, ok := val.([]byte)
		if !ok {
			return fmt.Errorf("want []byte, got %T", val)
		}
		f.SetBytes(b)
	case sql.NullTime:
		tm, ok := val.(time.Time)
		if !ok {
			return fmt.Errorf("want time.Time, got %T", val)
		}
		f.Set(reflect.ValueOf(sql.NullTime{Time: tm, Valid: true}))
	case sql.NullString:
		f.Set(reflect.ValueOf(sql.NullString{String: fmt.Sprint(val), Valid: true}))
	default:
		return fmt.Errorf("unsupported field type %s", f.Type())
	}
	return nil
}

// BatchPrologue declares input parameters as local variables so a literal
// batch can reference them:
//
//	declare @id int = cast(5 as int);
func BatchPrologue(ps *sqltypes.Params) (string, error) {
	var sb strings.Builder
	for _, p := range ps.List() {
		if p.Direction == sqltypes.Out {
			return "", fmt.Errorf("parameter %s: output parameters are not supported in batches", p.Name)
		}
		if p.Type.Kind == sqltypes.KindTVP {
			return "", fmt.Errorf("parameter %s: table-valued parameters are not supported in batches", p.Name)
		}
		value, err := sqltypes.Cast(p.Value, p.Type)
		if err != nil {
			return "", fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		fmt.Fprintf(&sb, "declare @%s %s = %s;\n", p.Name, sqltypes.Declare(p.Type), value)
	}
	return sb.String(), nil
}
