package sqltypes

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	"github.com/google/uuid"
)

// Literal renders v as a T-SQL literal of type t.
// NULL-equivalent values render as NULL.
func Literal(v any, t Type) (string, error) {
	v = Normalize(v)
	if v == nil {
		return "NULL", nil
	}

	switch t.Kind {
	case KindBit:
		switch x := v.(type) {
		case bool:
			if x {
				return "1", nil
			}
			return "0", nil
		}
		return numberLiteral(v)

	case KindTinyInt, KindSmallInt, KindInt, KindBigInt,
		KindDecimal, KindNumeric, KindMoney, KindSmallMoney,
		KindFloat, KindReal:
		return numberLiteral(v)

	case KindChar, KindVarChar, KindText:
		s, err := stringValue(v)
		if err != nil {
			return "", err
		}
		return quote(s), nil

	case KindNChar, KindNVarChar, KindNText, KindXML:
		s, err := stringValue(v)
		if err != nil {
			return "", err
		}
		return "N" + quote(s), nil

	case KindBinary, KindVarBinary, KindImage:
		switch x := v.(type) {
		case []byte:
			return "0x" + strings.ToUpper(hex.EncodeToString(x)), nil
		case string:
			return "0x" + strings.ToUpper(hex.EncodeToString([]byte(x))), nil
		}
		return "", fmt.Errorf("cannot render %T as %s", v, t.Kind)

	case KindUniqueIdentifier:
		switch x := v.(type) {
		case uuid.UUID:
			return quote(strings.ToUpper(x.String())), nil
		case string:
			id, err := uuid.Parse(x)
			if err != nil {
				return "", fmt.Errorf("invalid uniqueidentifier %q: %w", x, err)
			}
			return quote(strings.ToUpper(id.String())), nil
		}
		return "", fmt.Errorf("cannot render %T as %s", v, t.Kind)

	case KindDate, KindDateTime, KindDateTime2, KindSmallDateTime, KindDateTimeOffset, KindTime:
		return timeLiteral(v, t)

	case KindTVP, KindUDT, KindGeography, KindGeometry:
		return "", fmt.Errorf("type %s has no literal form", t.Kind)
	}

	return quote(fmt.Sprint(v)), nil
}

// Cast renders "cast(<literal> as <type>)".
func Cast(v any, t Type) (string, error) {
	lit, err := Literal(v, t)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("cast(%s as %s)", lit, Declare(t)), nil
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func stringValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case fmt.Stringer:
		return x.String(), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, bool:
		return fmt.Sprint(x), nil
	}
	return "", fmt.Errorf("cannot render %T as a string", v)
}

func numberLiteral(v any) (string, error) {
	switch x := v.(type) {
	case int:
		return strconv.Itoa(x), nil
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(x), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case bool:
		if x {
			return "1", nil
		}
		return "0", nil
	case *big.Rat:
		return x.FloatString(10), nil
	case string:
		if _, ok := new(big.Rat).SetString(x); !ok {
			return "", fmt.Errorf("invalid numeric literal %q", x)
		}
		return x, nil
	}
	return "", fmt.Errorf("cannot render %T as a number", v)
}

func timeLiteral(v any, t Type) (string, error) {
	var tm time.Time
	switch x := v.(type) {
	case time.Time:
		tm = x
	case civil.Date:
		tm = x.In(time.UTC)
	case civil.DateTime:
		tm = x.In(time.UTC)
	case civil.Time:
		tm = time.Date(1900, 1, 1, x.Hour, x.Minute, x.Second, x.Nanosecond, time.UTC)
	case string:
		return quote(x), nil
	default:
		return "", fmt.Errorf("cannot render %T as %s", v, t.Kind)
	}

	switch t.Kind {
	case KindDate:
		return quote(tm.Format("2006-01-02")), nil
	case KindTime:
		return quote(tm.Format("15:04:05.0000000")), nil
	case KindDateTimeOffset:
		return quote(tm.Format("2006-01-02T15:04:05.0000000-07:00")), nil
	case KindDateTime, KindSmallDateTime:
		return quote(tm.Format("2006-01-02T15:04:05.000")), nil
	default:
		return quote(tm.Format("2006-01-02T15:04:05.0000000")), nil
	}
}
