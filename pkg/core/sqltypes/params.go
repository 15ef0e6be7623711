package sqltypes

import (
	"fmt"
	"strings"
)

// Direction - направление параметра
type Direction int

const (
	// In - входной параметр
	In Direction = iota
	// Out - выходной параметр (значение возвращается сервером)
	Out
)

func (d Direction) String() string {
	if d == Out {
		return "output"
	}
	return "input"
}

// Param is a named, typed parameter binding.
type Param struct {
	Name      string
	Type      Type
	Direction Direction
	Value     any

	// Inferred is set when Type came from the type map rather than the caller.
	Inferred bool
}

// IsNull reports whether the parameter binds SQL NULL.
func (p *Param) IsNull() bool { return IsNull(p.Value) }

// Params is an ordered set of parameters with case-insensitive unique names.
type Params struct {
	list  []*Param
	index map[string]int
}

// NormalizeName strips a leading '@' and folds case.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "@"))
}

// ValidateName checks that name is usable as a T-SQL variable name.
func ValidateName(name string) error {
	n := strings.TrimPrefix(strings.TrimSpace(name), "@")
	if n == "" {
		return fmt.Errorf("parameter name is empty")
	}
	for i, r := range n {
		switch {
		case r == '_' || r == '#' || r == '$':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		case r > 127:
		default:
			return fmt.Errorf("parameter name %q contains invalid character %q", name, r)
		}
	}
	return nil
}

// Add appends p. A name already present (ignoring case) is an error.
func (ps *Params) Add(p *Param) error {
	if err := ValidateName(p.Name); err != nil {
		return err
	}
	p.Name = strings.TrimPrefix(strings.TrimSpace(p.Name), "@")

	key := NormalizeName(p.Name)
	if ps.index == nil {
		ps.index = make(map[string]int)
	}
	if _, dup := ps.index[key]; dup {
		return fmt.Errorf("parameter %q is already declared", p.Name)
	}
	ps.index[key] = len(ps.list)
	ps.list = append(ps.list, p)
	return nil
}

// Get looks a parameter up by name, ignoring case and a leading '@'.
func (ps *Params) Get(name string) (*Param, bool) {
	if ps == nil || ps.index == nil {
		return nil, false
	}
	i, ok := ps.index[NormalizeName(name)]
	if !ok {
		return nil, false
	}
	return ps.list[i], true
}

// List returns the parameters in declaration order.
func (ps *Params) List() []*Param {
	if ps == nil {
		return nil
	}
	return ps.list
}

// Len returns the number of parameters.
func (ps *Params) Len() int {
	if ps == nil {
		return 0
	}
	return len(ps.list)
}

// Outputs returns output parameters in declaration order.
func (ps *Params) Outputs() []*Param {
	var out []*Param
	for _, p := range ps.List() {
		if p.Direction == Out {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a copy whose Param structs can be modified independently.
func (ps *Params) Clone() *Params {
	c := &Params{}
	for _, p := range ps.List() {
		cp := *p
		c.list = append(c.list, &cp)
	}
	if n := len(c.list); n > 0 {
		c.index = make(map[string]int, n)
		for i, p := range c.list {
			c.index[NormalizeName(p.Name)] = i
		}
	}
	return c
}
