package mssql

import (
	"database/sql"
	"strings"

	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/google/uuid"

	"github.com/ruslano69/mssqlpool/pkg/core/recordset"
	"github.com/ruslano69/mssqlpool/pkg/core/sqltypes"
)

// columnType maps a driver type name and its reported sizes to a SQL type.
//
// go-mssqldb reports lengths in characters for n-types and a very large
// value for MAX columns.
func columnType(name string, length int64, hasLength bool, precision, scale int64, hasDecimal bool) sqltypes.Type {
	name = strings.ToLower(strings.TrimSpace(name))
	t, err := sqltypes.ParseDeclaration(name)
	if err != nil {
		if name == "" {
			return sqltypes.Variant()
		}
		return sqltypes.UDT(name)
	}

	if hasLength {
		limit := int64(8000)
		if t.Kind == sqltypes.KindNVarChar || t.Kind == sqltypes.KindNChar {
			limit = 4000
		}
		switch t.Kind {
		case sqltypes.KindChar, sqltypes.KindNChar, sqltypes.KindVarChar, sqltypes.KindNVarChar,
			sqltypes.KindBinary, sqltypes.KindVarBinary:
			if length > limit || length < 0 {
				t.Length = sqltypes.Max
			} else {
				t.Length = int(length)
			}
		}
	}
	if hasDecimal {
		switch t.Kind {
		case sqltypes.KindDecimal, sqltypes.KindNumeric:
			t.Precision = int(precision)
			t.Scale = int(scale)
		case sqltypes.KindTime, sqltypes.KindDateTime2, sqltypes.KindDateTimeOffset:
			t.Scale = int(scale)
		}
	}
	return t
}

// columnsOf builds recordset metadata for the current result set.
func columnsOf(types []*sql.ColumnType) []*recordset.Column {
	cols := make([]*recordset.Column, len(types))
	for i, ct := range types {
		length, hasLength := ct.Length()
		precision, scale, hasDecimal := ct.DecimalSize()
		nullable, ok := ct.Nullable()
		if !ok {
			nullable = true
		}
		typ := columnType(ct.DatabaseTypeName(), length, hasLength, precision, scale, hasDecimal)
		col := &recordset.Column{
			Index:    i,
			Name:     ct.Name(),
			Type:     typ,
			Nullable: nullable,
		}
		if typ.Kind == sqltypes.KindUDT {
			col.UDT = &recordset.UDT{Name: typ.TypeName}
		}
		cols[i] = col
	}
	return cols
}

// decodeValue converts a scanned driver value into the form RecordSet rows
// use: uuid.UUID for uniqueidentifier, decimal text for exact numerics.
func decodeValue(col *recordset.Column, v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	switch col.Type.Kind {
	case sqltypes.KindUniqueIdentifier:
		var id mssql.UniqueIdentifier
		if err := id.Scan(b); err == nil {
			return uuid.UUID(id)
		}
	case sqltypes.KindDecimal, sqltypes.KindNumeric, sqltypes.KindMoney, sqltypes.KindSmallMoney:
		return string(b)
	case sqltypes.KindVarChar, sqltypes.KindChar, sqltypes.KindText, sqltypes.KindXML:
		return string(b)
	}
	return append([]byte(nil), b...)
}
