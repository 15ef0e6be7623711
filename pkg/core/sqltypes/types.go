// Package sqltypes describes SQL Server data types, typed parameters and
// inference of SQL types from Go values.
package sqltypes

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind - базовый тип SQL Server без параметров
type Kind int

const (
	KindInvalid Kind = iota
	KindBit
	KindTinyInt
	KindSmallInt
	KindInt
	KindBigInt
	KindDecimal
	KindNumeric
	KindMoney
	KindSmallMoney
	KindFloat
	KindReal
	KindChar
	KindNChar
	KindVarChar
	KindNVarChar
	KindText
	KindNText
	KindXML
	KindTime
	KindDate
	KindDateTime
	KindDateTime2
	KindDateTimeOffset
	KindSmallDateTime
	KindBinary
	KindVarBinary
	KindImage
	KindUniqueIdentifier
	KindUDT
	KindGeography
	KindGeometry
	KindVariant
	KindTVP
)

// Max - длина MAX для (n)var-типов
const Max = -1

var kindNames = map[Kind]string{
	KindBit:              "bit",
	KindTinyInt:          "tinyint",
	KindSmallInt:         "smallint",
	KindInt:              "int",
	KindBigInt:           "bigint",
	KindDecimal:          "decimal",
	KindNumeric:          "numeric",
	KindMoney:            "money",
	KindSmallMoney:       "smallmoney",
	KindFloat:            "float",
	KindReal:             "real",
	KindChar:             "char",
	KindNChar:            "nchar",
	KindVarChar:          "varchar",
	KindNVarChar:         "nvarchar",
	KindText:             "text",
	KindNText:            "ntext",
	KindXML:              "xml",
	KindTime:             "time",
	KindDate:             "date",
	KindDateTime:         "datetime",
	KindDateTime2:        "datetime2",
	KindDateTimeOffset:   "datetimeoffset",
	KindSmallDateTime:    "smalldatetime",
	KindBinary:           "binary",
	KindVarBinary:        "varbinary",
	KindImage:            "image",
	KindUniqueIdentifier: "uniqueidentifier",
	KindUDT:              "udt",
	KindGeography:        "geography",
	KindGeometry:         "geometry",
	KindVariant:          "sql_variant",
	KindTVP:              "tvp",
}

// String returns the lower-case server name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Type is a fully parameterized SQL Server type.
//
// Length is used by character and binary kinds (Max for MAX),
// Precision/Scale by decimal kinds, Scale alone by time kinds.
// TypeName holds the server type name for UDT and TVP kinds.
type Type struct {
	Kind      Kind
	Length    int
	Precision int
	Scale     int
	TypeName  string
}

// IsZero reports whether the type was never set.
func (t Type) IsZero() bool { return t.Kind == KindInvalid }

// Constructors. Parameterless forms use the server defaults.

func Bit() Type              { return Type{Kind: KindBit} }
func TinyInt() Type          { return Type{Kind: KindTinyInt} }
func SmallInt() Type         { return Type{Kind: KindSmallInt} }
func Int() Type              { return Type{Kind: KindInt} }
func BigInt() Type           { return Type{Kind: KindBigInt} }
func Money() Type            { return Type{Kind: KindMoney} }
func SmallMoney() Type       { return Type{Kind: KindSmallMoney} }
func Float() Type            { return Type{Kind: KindFloat} }
func Real() Type             { return Type{Kind: KindReal} }
func Text() Type             { return Type{Kind: KindText} }
func NText() Type            { return Type{Kind: KindNText} }
func XML() Type              { return Type{Kind: KindXML} }
func Date() Type             { return Type{Kind: KindDate} }
func DateTime() Type         { return Type{Kind: KindDateTime} }
func SmallDateTime() Type    { return Type{Kind: KindSmallDateTime} }
func Image() Type            { return Type{Kind: KindImage} }
func UniqueIdentifier() Type { return Type{Kind: KindUniqueIdentifier} }
func Geography() Type        { return Type{Kind: KindGeography} }
func Geometry() Type         { return Type{Kind: KindGeometry} }
func Variant() Type          { return Type{Kind: KindVariant} }

func Decimal(precision, scale int) Type {
	return Type{Kind: KindDecimal, Precision: precision, Scale: scale}
}

func Numeric(precision, scale int) Type {
	return Type{Kind: KindNumeric, Precision: precision, Scale: scale}
}

func Char(length int) Type      { return Type{Kind: KindChar, Length: length} }
func NChar(length int) Type     { return Type{Kind: KindNChar, Length: length} }
func VarChar(length int) Type   { return Type{Kind: KindVarChar, Length: length} }
func NVarChar(length int) Type  { return Type{Kind: KindNVarChar, Length: length} }
func Binary(length int) Type    { return Type{Kind: KindBinary, Length: length} }
func VarBinary(length int) Type { return Type{Kind: KindVarBinary, Length: length} }

func Time(scale int) Type           { return Type{Kind: KindTime, Scale: scale} }
func DateTime2(scale int) Type      { return Type{Kind: KindDateTime2, Scale: scale} }
func DateTimeOffset(scale int) Type { return Type{Kind: KindDateTimeOffset, Scale: scale} }

// UDT - пользовательский CLR-тип по имени
func UDT(name string) Type { return Type{Kind: KindUDT, TypeName: name} }

// TVP - табличный параметр; name это имя табличного типа на сервере
func TVP(name string) Type { return Type{Kind: KindTVP, TypeName: name} }

// defaults applied by Declare when a parameter was left at zero
func (t Type) withDefaults() Type {
	switch t.Kind {
	case KindDecimal, KindNumeric:
		if t.Precision == 0 {
			t.Precision = 18
		}
	case KindChar, KindNChar, KindBinary:
		if t.Length == 0 {
			t.Length = 1
		}
	case KindVarChar, KindNVarChar, KindVarBinary:
		if t.Length == 0 {
			t.Length = Max
		}
	}
	return t
}

// Declare renders the type the way it appears in DECLARE and CREATE TABLE.
//
//	Declare(NVarChar(50))  → "nvarchar (50)"
//	Declare(VarChar(Max))  → "varchar (MAX)"
//	Declare(Decimal(10,2)) → "decimal (10, 2)"
func Declare(t Type) string {
	t = t.withDefaults()

	switch t.Kind {
	case KindChar, KindNChar, KindVarChar, KindNVarChar, KindBinary, KindVarBinary:
		if t.Length == Max {
			return t.Kind.String() + " (MAX)"
		}
		return fmt.Sprintf("%s (%d)", t.Kind, t.Length)
	case KindDecimal, KindNumeric:
		return fmt.Sprintf("%s (%d, %d)", t.Kind, t.Precision, t.Scale)
	case KindTime, KindDateTime2, KindDateTimeOffset:
		return fmt.Sprintf("%s (%d)", t.Kind, t.Scale)
	case KindUDT, KindTVP:
		if t.TypeName != "" {
			return t.TypeName
		}
		return t.Kind.String()
	default:
		return t.Kind.String()
	}
}

// String is Declare.
func (t Type) String() string { return Declare(t) }

var kindByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames)+3)
	for k, name := range kindNames {
		m[name] = k
	}
	m["timestamp"] = KindBinary
	m["rowversion"] = KindBinary
	m["sysname"] = KindNVarChar
	return m
}()

// ParseDeclaration parses a server type declaration into a Type.
// Examples:
//   - "INT" → Int()
//   - "NVARCHAR(100)" → NVarChar(100)
//   - "DECIMAL(18,2)" → Decimal(18, 2)
//   - "VARBINARY(MAX)" → VarBinary(Max)
//   - "DATETIME2(3)" → DateTime2(3)
func ParseDeclaration(decl string) (Type, error) {
	decl = strings.ToLower(strings.TrimSpace(decl))
	if decl == "" {
		return Type{}, fmt.Errorf("empty type declaration")
	}

	base := decl
	params := ""
	if idx := strings.Index(decl, "("); idx != -1 {
		if !strings.HasSuffix(decl, ")") {
			return Type{}, fmt.Errorf("unterminated type declaration %q", decl)
		}
		base = strings.TrimSpace(decl[:idx])
		params = strings.TrimSpace(decl[idx+1 : len(decl)-1])
	}

	kind, ok := kindByName[base]
	if !ok {
		return Type{}, fmt.Errorf("unknown type %q", base)
	}

	t := Type{Kind: kind}
	switch {
	case base == "timestamp" || base == "rowversion":
		t.Length = 8
		return t, nil
	case base == "sysname":
		t.Length = 128
		return t, nil
	case params == "":
		if kind == KindTime || kind == KindDateTime2 || kind == KindDateTimeOffset {
			t.Scale = 7
		}
		return t, nil
	}

	switch kind {
	case KindChar, KindNChar, KindVarChar, KindNVarChar, KindBinary, KindVarBinary:
		if params == "max" {
			t.Length = Max
			return t, nil
		}
		n, err := strconv.Atoi(params)
		if err != nil || n <= 0 {
			return Type{}, fmt.Errorf("invalid length in %q", decl)
		}
		t.Length = n
	case KindDecimal, KindNumeric:
		parts := strings.Split(params, ",")
		p, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil || p < 1 || p > 38 {
			return Type{}, fmt.Errorf("invalid precision in %q", decl)
		}
		t.Precision = p
		if len(parts) == 2 {
			s, err := strconv.Atoi(strings.TrimSpace(parts[1]))
			if err != nil || s < 0 || s > p {
				return Type{}, fmt.Errorf("invalid scale in %q", decl)
			}
			t.Scale = s
		} else if len(parts) > 2 {
			return Type{}, fmt.Errorf("too many parameters in %q", decl)
		}
	case KindTime, KindDateTime2, KindDateTimeOffset:
		s, err := strconv.Atoi(params)
		if err != nil || s < 0 || s > 7 {
			return Type{}, fmt.Errorf("invalid scale in %q", decl)
		}
		t.Scale = s
	case KindFloat:
		// float(n): 1-24 → real, 25-53 → float
		n, err := strconv.Atoi(params)
		if err != nil || n < 1 || n > 53 {
			return Type{}, fmt.Errorf("invalid mantissa in %q", decl)
		}
		if n <= 24 {
			t.Kind = KindReal
		}
	default:
		return Type{}, fmt.Errorf("type %s takes no parameters", base)
	}

	return t, nil
}

// MustParse is ParseDeclaration that panics on error.
func MustParse(decl string) Type {
	t, err := ParseDeclaration(decl)
	if err != nil {
		panic(err)
	}
	return t
}
