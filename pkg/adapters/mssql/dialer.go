package mssql

import (
	"context"
	"database/sql"
	"fmt"

	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ruslano69/mssqlpool/pkg/adapters"
	"github.com/ruslano69/mssqlpool/pkg/config"
)

// AdapterType - имя драйвера в фабрике
const AdapterType = "mssql"

func init() {
	// Register MS SQL Server dialer in factory
	adapters.Register(AdapterType, func(cfg *config.Config) (adapters.Dialer, error) {
		return NewDialer(cfg, log.Logger)
	})
}

// Dialer opens sessions through go-mssqldb. database/sql keeps no idle
// connections of its own: every session is one *sql.Conn owned by the
// caller until Close.
type Dialer struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewDialer prepares a connector for cfg. No connection is opened.
func NewDialer(cfg *config.Config, logger zerolog.Logger) (*Dialer, error) {
	connector, err := mssql.NewConnector(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection settings: %w", err)
	}
	if cfg.Options.AbortTransactionOnError {
		connector.SessionInitSQL = "SET XACT_ABORT ON"
	}

	db := sql.OpenDB(connector)
	db.SetMaxIdleConns(0)

	return &Dialer{
		db:  db,
		log: logger.With().Str("component", "mssql").Str("server", cfg.Server).Logger(),
	}, nil
}

// Dial implements adapters.Dialer.
func (d *Dialer) Dial(ctx context.Context) (adapters.Session, error) {
	// database/sql логинится уже в db.Conn, ping ловит только отложенные отказы
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, dialError(err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, dialError(err)
	}

	s := &Session{id: uuid.NewString(), conn: conn}
	s.log = d.log.With().Str("session", s.id).Logger()

	v, err := detectVersion(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.version = v
	s.log.Debug().Str("version", v.Name()).Int("compat", v.CompatLevel).Msg("connected")
	return s, nil
}

// Close implements adapters.Dialer.
func (d *Dialer) Close() error {
	return d.db.Close()
}

// dialError marks a rejected login with adapters.ErrLoginFailed so the
// pool and the client do not retry it.
func dialError(err error) error {
	if IsLoginFailed(err) {
		return fmt.Errorf("failed to connect: %w: %w", adapters.ErrLoginFailed, err)
	}
	return fmt.Errorf("failed to connect: %w", err)
}
