package sqltypes

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestParams_UniqueCaseInsensitive(t *testing.T) {
	var ps Params
	if err := ps.Add(&Param{Name: "Id", Type: Int(), Value: 1}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := ps.Add(&Param{Name: "@ID", Type: Int(), Value: 2}); err == nil {
		t.Error("дубликат имени без учета регистра должен быть отклонен")
	}
	if err := ps.Add(&Param{Name: "name", Type: NVarChar(10), Value: "x"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	p, ok := ps.Get("@NAME")
	if !ok || p.Value != "x" {
		t.Errorf("Get(@NAME) = %+v, %v", p, ok)
	}
	if ps.Len() != 2 {
		t.Errorf("Len = %d, want 2", ps.Len())
	}
	if ps.List()[0].Name != "Id" || ps.List()[1].Name != "name" {
		t.Errorf("порядок нарушен: %s, %s", ps.List()[0].Name, ps.List()[1].Name)
	}
}

func TestParams_InvalidName(t *testing.T) {
	var ps Params
	for _, name := range []string{"", "@", "1abc", "a b", "x;drop"} {
		if err := ps.Add(&Param{Name: name}); err == nil {
			t.Errorf("имя %q должно быть отклонено", name)
		}
	}
}

func TestParams_OutputsAndClone(t *testing.T) {
	var ps Params
	_ = ps.Add(&Param{Name: "a", Type: Int(), Value: 1})
	_ = ps.Add(&Param{Name: "b", Type: Int(), Direction: Out})

	outs := ps.Outputs()
	if len(outs) != 1 || outs[0].Name != "b" {
		t.Fatalf("Outputs = %+v", outs)
	}

	c := ps.Clone()
	p, _ := c.Get("a")
	p.Value = 99
	orig, _ := ps.Get("a")
	if orig.Value != 1 {
		t.Errorf("Clone должен копировать параметры, оригинал изменен: %v", orig.Value)
	}
}

func TestLiteral(t *testing.T) {
	id := uuid.MustParse("6f9619ff-8b86-d011-b42d-00c04fc964ff")
	ts := time.Date(2024, 3, 5, 10, 20, 30, 0, time.UTC)

	tests := []struct {
		name  string
		value any
		typ   Type
		want  string
	}{
		{"null", nil, Int(), "NULL"},
		{"nil ptr", (*string)(nil), NVarChar(10), "NULL"},
		{"int", 42, Int(), "42"},
		{"bit", true, Bit(), "1"},
		{"float", 1.25, Float(), "1.25"},
		{"decimal string", "12.50", Decimal(10, 2), "12.50"},
		{"varchar", "O'Brien", VarChar(20), "'O''Brien'"},
		{"nvarchar", "привет", NVarChar(20), "N'привет'"},
		{"binary", []byte{0xde, 0xad}, VarBinary(Max), "0xDEAD"},
		{"guid", id, UniqueIdentifier(), "'6F9619FF-8B86-D011-B42D-00C04FC964FF'"},
		{"date", ts, Date(), "'2024-03-05'"},
		{"datetime", ts, DateTime(), "'2024-03-05T10:20:30.000'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Literal(tt.value, tt.typ)
			if err != nil {
				t.Fatalf("Literal: %v", err)
			}
			if got != tt.want {
				t.Errorf("Literal(%v, %s) = %s, want %s", tt.value, tt.typ, got, tt.want)
			}
		})
	}
}

func TestLiteral_Errors(t *testing.T) {
	if _, err := Literal("1; drop table x", Int()); err == nil {
		t.Error("нечисловая строка для int должна давать ошибку")
	}
	if _, err := Literal(struct{}{}, TVP("dbo.T")); err == nil {
		t.Error("TVP не имеет литеральной формы")
	}
}

func TestCast(t *testing.T) {
	got, err := Cast("abc", NVarChar(3))
	if err != nil {
		t.Fatal(err)
	}
	if want := "cast(N'abc' as nvarchar (3))"; got != want {
		t.Errorf("Cast = %s, want %s", got, want)
	}
}
