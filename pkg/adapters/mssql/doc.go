// Package mssql provides the Microsoft SQL Server dialer built on
// github.com/denisenkom/go-mssqldb.
//
// Each session is one *sql.Conn taken from a database/sql handle that keeps
// no idle connections, so the pool in pkg/pool is the only owner of
// physical connections.
//
// Command paths:
//   - query: parameterized execution (sp_executesql) with named arguments
//   - batch: literal text; input parameters become a DECLARE prologue
//   - execute: RPC call by procedure name with output parameters and
//     return status
//   - prepared: statement handle from PrepareContext
//   - bulk: bulk copy through mssql.CopyIn
//
// Result messages are read through golang-sql/sqlexp, so per-statement
// row counts, PRINT output and server errors arrive in order.
//
// Usage:
//
//	import (
//	    "github.com/ruslano69/mssqlpool/pkg/client"
//	    _ "github.com/ruslano69/mssqlpool/pkg/adapters/mssql"
//	)
//
//	cfg, _ := config.Load("mssql.yaml")
//	conn, err := client.Connect(ctx, cfg)
//
// Server versions: SQL Server 2012 and higher. The detected version and
// database compatibility level are available through Session.Version.
package mssql
