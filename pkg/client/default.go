package client

import (
	"context"
	"sync"

	"github.com/ruslano69/mssqlpool/pkg/config"
)

var (
	defaultMu   sync.Mutex
	defaultConn *Connection
)

// ConnectDefault opens the process-wide connection. When it is already
// open it is returned unchanged and cfg is ignored.
func ConnectDefault(ctx context.Context, cfg *config.Config, opts ...Option) (*Connection, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultConn != nil && defaultConn.Connected() {
		return defaultConn, nil
	}
	c, err := Connect(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	defaultConn = c
	return c, nil
}

// Default returns the process-wide connection.
func Default() (*Connection, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultConn == nil || !defaultConn.Connected() {
		return nil, &ConnectionError{Code: CodeNotOpen, Message: "No default connection. Call ConnectDefault first."}
	}
	return defaultConn, nil
}

// CloseDefault closes the process-wide connection.
func CloseDefault(ctx context.Context) error {
	defaultMu.Lock()
	c := defaultConn
	defaultConn = nil
	defaultMu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close(ctx)
}

// Query runs a template query on the default connection.
func Query(ctx context.Context, fragments []string, values ...any) (*Result, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	return c.QueryTemplate(ctx, fragments, values...)
}

// Batch runs a template batch on the default connection.
func Batch(ctx context.Context, fragments []string, values ...any) (*Result, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	return c.BatchTemplate(ctx, fragments, values...)
}
