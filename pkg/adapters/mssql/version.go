package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Compatibility levels
const (
	CompatSQL2012 = 110 // SQL Server 2012
	CompatSQL2014 = 120 // SQL Server 2014
	CompatSQL2016 = 130 // SQL Server 2016
	CompatSQL2017 = 140 // SQL Server 2017
	CompatSQL2019 = 150 // SQL Server 2019
	CompatSQL2022 = 160 // SQL Server 2022
)

// ServerVersion - версия сервера, определяется при открытии сессии
type ServerVersion struct {
	Product     string // "15.0.2000.5"
	Major       int    // 11=2012, 13=2016, 14=2017, 15=2019, 16=2022
	CompatLevel int    // уровень совместимости текущей базы
}

// Name returns a human-readable server version name.
func (v ServerVersion) Name() string {
	switch v.Major {
	case 11:
		return "SQL Server 2012"
	case 12:
		return "SQL Server 2014"
	case 13:
		return "SQL Server 2016"
	case 14:
		return "SQL Server 2017"
	case 15:
		return "SQL Server 2019"
	case 16:
		return "SQL Server 2022"
	default:
		return fmt.Sprintf("SQL Server (version %d)", v.Major)
	}
}

// SupportsJSON returns true if FOR JSON is available (SQL Server 2016+).
func (v ServerVersion) SupportsJSON() bool { return v.CompatLevel >= CompatSQL2016 }

// SupportsUTF8 returns true if _UTF8 collations are available (SQL Server 2019+).
func (v ServerVersion) SupportsUTF8() bool { return v.Major >= 15 }

// detectVersion reads the product version and database compatibility level.
func detectVersion(ctx context.Context, conn *sql.Conn) (ServerVersion, error) {
	var v ServerVersion
	err := conn.QueryRowContext(ctx, `
		SELECT CAST(SERVERPROPERTY('ProductVersion') AS nvarchar(128)),
		       (SELECT compatibility_level FROM sys.databases WHERE name = DB_NAME())
	`).Scan(&v.Product, &v.CompatLevel)
	if err != nil {
		return v, fmt.Errorf("failed to get server version: %w", err)
	}
	v.Major = parseServerVersion(v.Product)
	return v, nil
}

// parseServerVersion parses SQL Server version string to major version number.
// Examples:
//   - "11.0.2100.60" → 11 (SQL Server 2012)
//   - "13.0.5026.0"  → 13 (SQL Server 2016)
//   - "15.0.2000.5"  → 15 (SQL Server 2019)
func parseServerVersion(version string) int {
	parts := strings.Split(version, ".")
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0
	}
	return major
}
