package adapters_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ruslano69/mssqlpool/pkg/adapters"
	"github.com/ruslano69/mssqlpool/pkg/config"
)

func stubDialer() adapters.Dialer {
	return adapters.DialFunc(func(ctx context.Context) (adapters.Session, error) {
		return nil, errors.New("stub")
	})
}

// TestFactory_Registration проверяет регистрацию и создание dialer'а
func TestFactory_Registration(t *testing.T) {
	f := adapters.NewFactory()
	f.Register("zeta", func(cfg *config.Config) (adapters.Dialer, error) { return stubDialer(), nil })
	f.Register("alpha", func(cfg *config.Config) (adapters.Dialer, error) { return stubDialer(), nil })

	if !f.IsRegistered("alpha") || f.IsRegistered("mssql") {
		t.Error("unexpected registration state")
	}
	if got := fmt.Sprint(f.GetRegisteredTypes()); got != "[alpha zeta]" {
		t.Errorf("registered types = %s, want sorted list", got)
	}

	cfg := config.Default()
	cfg.Driver = "alpha"
	d, err := f.Create(cfg)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if d == nil {
		t.Fatal("Create returned nil dialer")
	}

	f.Unregister("alpha")
	if _, err := f.Create(cfg); err == nil {
		t.Error("Create must fail after Unregister")
	}
}

// TestFactory_UnknownDriver проверяет сообщение для незарегистрированного драйвера
func TestFactory_UnknownDriver(t *testing.T) {
	f := adapters.NewFactory()
	f.Register("fake", func(cfg *config.Config) (adapters.Dialer, error) { return stubDialer(), nil })

	cfg := config.Default()
	cfg.Driver = "oracle"
	_, err := f.Create(cfg)
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if !strings.Contains(err.Error(), "unknown driver: oracle") || !strings.Contains(err.Error(), "fake") {
		t.Errorf("error should name the driver and the available ones: %v", err)
	}
}

func TestFactory_ConstructorError(t *testing.T) {
	bad := errors.New("bad settings")
	f := adapters.NewFactory()
	f.Register("broken", func(cfg *config.Config) (adapters.Dialer, error) { return nil, bad })

	cfg := config.Default()
	cfg.Driver = "broken"
	if _, err := f.Create(cfg); !errors.Is(err, bad) {
		t.Errorf("constructor error must be wrapped: %v", err)
	}
}

func TestGlobalFactory(t *testing.T) {
	adapters.Register("global-test", func(cfg *config.Config) (adapters.Dialer, error) { return stubDialer(), nil })
	defer adapters.Unregister("global-test")

	if !adapters.IsRegistered("global-test") {
		t.Fatal("driver not registered globally")
	}
	cfg := config.Default()
	cfg.Driver = "global-test"
	if _, err := adapters.New(cfg); err != nil {
		t.Fatalf("New failed: %v", err)
	}
}

func TestIsolationLevel(t *testing.T) {
	tests := []struct {
		level adapters.IsolationLevel
		name  string
		valid bool
	}{
		{adapters.ReadUncommitted, "READ UNCOMMITTED", true},
		{adapters.ReadCommitted, "READ COMMITTED", true},
		{adapters.RepeatableRead, "REPEATABLE READ", true},
		{adapters.Serializable, "SERIALIZABLE", true},
		{adapters.Snapshot, "SNAPSHOT", true},
		{adapters.IsolationLevel(0), "isolation(0)", false},
		{adapters.IsolationLevel(6), "isolation(6)", false},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.name {
			t.Errorf("String() = %q, want %q", got, tt.name)
		}
		if got := tt.level.Valid(); got != tt.valid {
			t.Errorf("%s: Valid() = %v", tt.name, got)
		}
	}
}

func TestErrors(t *testing.T) {
	if !adapters.IsBroken(fmt.Errorf("read: %w", adapters.ErrSessionBroken)) {
		t.Error("wrapped ErrSessionBroken must be reported as broken")
	}
	if adapters.IsBroken(errors.New("deadlock")) {
		t.Error("plain error is not broken")
	}

	se := &adapters.ServerError{Number: 208, Message: "Invalid object name 't'.", LineNumber: 1}
	if got := se.Error(); got != "mssql: Invalid object name 't'. (number 208, line 1)" {
		t.Errorf("Error() = %q", got)
	}
	se.ProcName = "dbo.load"
	if !strings.Contains(se.Error(), "procedure dbo.load") {
		t.Errorf("Error() must name the procedure: %q", se.Error())
	}
}
