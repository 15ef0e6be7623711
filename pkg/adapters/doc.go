/*
Package adapters описывает контракт между пулом соединений и драйвером протокола.

# Архитектура

Пакет разделяет клиентское ядро и кодек протокола:

	┌─────────────────────────────────────────┐
	│    Client (pkg/client)                  │
	│  - Request / Transaction                │
	│  - PreparedStatement                    │
	└─────────────────┬───────────────────────┘
	                  │
	┌─────────────────▼───────────────────────┐
	│    Pool (pkg/pool)                      │
	│  - Acquire / Release / Warm             │
	└─────────────────┬───────────────────────┘
	                  │
	┌─────────────────▼───────────────────────┐
	│  Contract                               │  ← pkg/adapters/adapter.go
	│                                         │
	│  type Dialer interface {                │
	│    Dial(ctx) (Session, error)           │
	│  }                                      │
	│  type Session interface {               │
	│    Exec(ctx, cmd, sink) error           │
	│    Begin / Commit / Rollback            │
	│    Prepare / Unprepare / Bulk           │
	│  }                                      │
	└─────────────────┬───────────────────────┘
	                  │
	        ┌─────────┴─────────┐
	        │                   │
	┌───────▼────────┐ ┌────────▼───────┐
	│ mssql          │ │ fake           │
	│ go-mssqldb     │ │ scripted server│
	└────────────────┘ └────────────────┘

# Session

Session - одно физическое соединение. Сессия выполняет одну команду за раз,
очередность обеспечивают пул и клиент. Результаты команды приходят в
recordset.Sink в порядке получения: metadata, rows, done, return value,
output. Ошибки сервера возвращаются из Exec как *ServerError и в поток
событий не попадают.

Ошибка, обернутая в ErrSessionBroken, означает что соединение потеряно:
пул закрывает такую сессию и не возвращает ее в оборот.

# Регистрация драйверов

Драйверы регистрируются через init():

	// В pkg/adapters/mssql/dialer.go
	func init() {
	    adapters.Register("mssql", func(cfg *config.Config) (adapters.Dialer, error) {
	        return NewDialer(cfg, log.Logger)
	    })
	}

После импорта пакета драйвер доступен через фабрику по cfg.Driver:

	import _ "github.com/ruslano69/mssqlpool/pkg/adapters/mssql"

	dialer, err := adapters.New(cfg)

Фабрика только создает Dialer, соединения открывает пул.

# Типы команд

  - CommandQuery: параметризованный путь (sp_executesql)
  - CommandBatch: текст пакета, входные параметры передаются как DECLARE
  - CommandProcedure: RPC-вызов процедуры с output-параметрами и return status
  - CommandPrepared: выполнение по Handle, полученному из Prepare

# Уровни изоляции

	ReadUncommitted  = 1
	ReadCommitted    = 2  (по умолчанию)
	RepeatableRead   = 3
	Serializable     = 4
	Snapshot         = 5
*/
package adapters
