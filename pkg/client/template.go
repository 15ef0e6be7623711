package client

import (
	"context"
	"strconv"
	"strings"
)

// Template fills r with one input per value and returns the command text:
// fragments[i] is followed by @param{i+1}. Values are never rendered into
// the text.
//
//	text, err := client.Template(req, []string{"select * from t where id = ", " and kind = ", ""}, 7, "a")
//	// select * from t where id = @param1 and kind = @param2
func Template(r *Request, fragments []string, values ...any) (string, error) {
	if len(fragments) != len(values)+1 {
		return "", errArgs("Template has %d fragments for %d values, want %d.", len(fragments), len(values), len(values)+1)
	}
	var sb strings.Builder
	for i, v := range values {
		name := "param" + strconv.Itoa(i+1)
		r.Input(name, v)
		sb.WriteString(fragments[i])
		sb.WriteString("@")
		sb.WriteString(name)
	}
	sb.WriteString(fragments[len(fragments)-1])
	return sb.String(), nil
}

// QueryTemplate runs a parameterized query built with Template.
func (c *Connection) QueryTemplate(ctx context.Context, fragments []string, values ...any) (*Result, error) {
	r := c.Request()
	text, err := Template(r, fragments, values...)
	if err != nil {
		return nil, err
	}
	return r.Query(ctx, text)
}

// BatchTemplate runs a batch built with Template.
func (c *Connection) BatchTemplate(ctx context.Context, fragments []string, values ...any) (*Result, error) {
	r := c.Request()
	text, err := Template(r, fragments, values...)
	if err != nil {
		return nil, err
	}
	return r.Batch(ctx, text)
}
