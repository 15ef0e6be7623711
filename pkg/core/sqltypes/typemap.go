package sqltypes

import (
	"math"
	"reflect"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/golang-sql/civil"
	"github.com/google/uuid"
)

// Rule maps Go values to a SQL type. Match is consulted in rule order.
type Rule struct {
	Name  string
	Match func(v any) bool
	Type  func(v any) Type
}

// TypeMap infers SQL types from Go values.
//
// Registered types (by exact reflect.Type) win over the ordered rules;
// when nothing matches the fallback type is used.
type TypeMap struct {
	mu         sync.RWMutex
	registered map[reflect.Type]Type
	rules      []Rule
	fallback   Type
}

// NewTypeMap creates a map with the built-in rules.
func NewTypeMap() *TypeMap {
	return &TypeMap{
		registered: make(map[reflect.Type]Type),
		rules:      builtinRules(),
		fallback:   NVarChar(0),
	}
}

// DefaultMap is consulted by Infer and by requests that do not carry
// their own map.
var DefaultMap = NewTypeMap()

// Register binds the Go type of sample to t, replacing any earlier
// registration for the same Go type.
//
//	sqltypes.DefaultMap.Register(int(0), sqltypes.Int())
func (m *TypeMap) Register(sample any, t Type) {
	rt := reflect.TypeOf(sample)
	if rt == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered[rt] = t
}

// Unregister removes a registration made with Register.
func (m *TypeMap) Unregister(sample any) {
	rt := reflect.TypeOf(sample)
	if rt == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.registered, rt)
}

// AddRule inserts a rule ahead of the built-in ones.
func (m *TypeMap) AddRule(r Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append([]Rule{r}, m.rules...)
}

// SetFallback changes the type used when no rule matches.
func (m *TypeMap) SetFallback(t Type) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = t
}

// Infer returns the SQL type for v.
// A non-nil pointer is matched as is first, so types implementing
// TableValue with a pointer receiver stay TVPs. Other pointers and typed
// nil pointers resolve to the type of their element.
func (m *TypeMap) Infer(v any) Type {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if v == nil {
		return m.fallback
	}

	rt := reflect.TypeOf(v)
	if t, ok := m.registered[rt]; ok {
		return t
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if t, ok := m.registered[rt.Elem()]; ok {
			return t
		}
		if rv.IsNil() {
			return m.inferLocked(reflect.Zero(rt.Elem()).Interface())
		}
		if t, ok := m.matchLocked(v); ok {
			return t
		}
		return m.inferLocked(rv.Elem().Interface())
	}

	return m.inferLocked(v)
}

func (m *TypeMap) inferLocked(v any) Type {
	if t, ok := m.registered[reflect.TypeOf(v)]; ok {
		return t
	}
	if t, ok := m.matchLocked(v); ok {
		return t
	}
	return m.fallback
}

func (m *TypeMap) matchLocked(v any) (Type, bool) {
	for _, r := range m.rules {
		if r.Match(v) {
			return r.Type(v), true
		}
	}
	return Type{}, false
}

// Infer uses DefaultMap.
func Infer(v any) Type { return DefaultMap.Infer(v) }

// IsNull reports whether v binds SQL NULL: nil, a nil pointer, or NaN.
func IsNull(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case float64:
		return math.IsNaN(x)
	case float32:
		return math.IsNaN(float64(x))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// Normalize dereferences pointers and turns NULL-equivalent values into nil.
func Normalize(v any) any {
	if IsNull(v) {
		return nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	return rv.Interface()
}

func is[T any](v any) bool {
	_, ok := v.(T)
	return ok
}

func fixed(t Type) func(any) Type {
	return func(any) Type { return t }
}

// TableValue is implemented by table payloads that can be sent as TVPs.
type TableValue interface {
	TableTypeName() string
}

func builtinRules() []Rule {
	return []Rule{
		{Name: "string", Match: is[string], Type: func(v any) Type {
			s := v.(string)
			if utf8.RuneCountInString(s) > 4000 {
				return NVarChar(Max)
			}
			return NVarChar(0)
		}},
		{Name: "int", Match: is[int], Type: fixed(BigInt())},
		{Name: "int64", Match: is[int64], Type: fixed(BigInt())},
		{Name: "int32", Match: is[int32], Type: fixed(Int())},
		{Name: "int16", Match: is[int16], Type: fixed(SmallInt())},
		{Name: "int8", Match: is[int8], Type: fixed(SmallInt())},
		{Name: "uint8", Match: is[uint8], Type: fixed(TinyInt())},
		{Name: "uint16", Match: is[uint16], Type: fixed(Int())},
		{Name: "uint32", Match: is[uint32], Type: fixed(BigInt())},
		{Name: "float64", Match: is[float64], Type: fixed(Float())},
		{Name: "float32", Match: is[float32], Type: fixed(Real())},
		{Name: "bool", Match: is[bool], Type: fixed(Bit())},
		{Name: "time", Match: is[time.Time], Type: fixed(DateTime())},
		{Name: "bytes", Match: is[[]byte], Type: fixed(VarBinary(Max))},
		{Name: "uuid", Match: is[uuid.UUID], Type: fixed(UniqueIdentifier())},
		{Name: "civil.Date", Match: is[civil.Date], Type: fixed(Date())},
		{Name: "civil.DateTime", Match: is[civil.DateTime], Type: fixed(DateTime2(7))},
		{Name: "civil.Time", Match: is[civil.Time], Type: fixed(Time(7))},
		{Name: "table", Match: is[TableValue], Type: func(v any) Type {
			return TVP(v.(TableValue).TableTypeName())
		}},
	}
}
