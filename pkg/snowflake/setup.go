package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config locates the destination table.
type Config struct {
	// Account is an account identifier or account URL.
	Account   string
	Database  string
	Schema    string
	Table     string
	Warehouse string
	Role      string
	// InsertChunkSize bounds the rows bound into one INSERT statement.
	InsertChunkSize int
	LoginTimeout    time.Duration
}

// QualifiedTable is DATABASE.SCHEMA.TABLE.
func (c Config) QualifiedTable() string {
	return fmt.Sprintf("%s.%s.%s", c.Database, c.Schema, c.Table)
}

// AccountIdentifier reduces an account URL such as
// https://org-acct.snowflakecomputing.com/ to the bare identifier.
func AccountIdentifier(account string) string {
	id := strings.TrimRight(strings.TrimSpace(account), "/")
	if i := strings.Index(id, "://"); i >= 0 {
		id = id[i+3:]
	}
	if i := strings.Index(id, ".snowflakecomputing.com"); i >= 0 {
		id = id[:i]
	}
	return id
}

// TableDDL is the row event table. Column names are quoted so they keep
// the camelCase of the row JSON.
func TableDDL(database, schema, table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s.%s (
    "orgId"      VARCHAR NOT NULL,
    "deviceId"   VARCHAR,
    "deviceName" VARCHAR,
    "datasource" VARCHAR,
    "instance"   VARCHAR,
    "metric"     VARCHAR NOT NULL,
    "unit"       VARCHAR,
    "type"       VARCHAR NOT NULL,
    "ts"         VARCHAR NOT NULL,
    "tsUnixMs"   NUMBER NOT NULL,
    "value"      FLOAT NOT NULL,
    "intValue"   NUMBER(19,0),
    "attributes" VARIANT,
    "resource"   VARIANT,
    "scope"      VARIANT
)`, database, schema, table)
}

// SetupStatements returns the idempotent DDL that prepares the account.
func SetupStatements(cfg Config) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", cfg.Database),
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s.%s", cfg.Database, cfg.Schema),
		fmt.Sprintf("CREATE WAREHOUSE IF NOT EXISTS %s WITH WAREHOUSE_SIZE='XSMALL' AUTO_SUSPEND=60 AUTO_RESUME=TRUE", cfg.Warehouse),
		TableDDL(cfg.Database, cfg.Schema, cfg.Table),
	}
}

// EnsureSchema runs SetupStatements in order. Every statement is
// IF NOT EXISTS, so it is safe on every start.
func EnsureSchema(ctx context.Context, db *sql.DB, cfg Config, logger zerolog.Logger) error {
	for _, stmt := range SetupStatements(cfg) {
		logger.Info().Str("ddl", firstLine(stmt)).Msg("Executing DDL")
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("snowflake ddl %q: %w", firstLine(stmt), classify(err))
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
