// Package store provides the SQL persistence layer for LifePipe.
//
// One SQLStore serves SQLite and PostgreSQL. It keeps conversation flow
// records, the retry queue checkpoint, scheduler sent-markers and the inbound
// message dedup log. InMemoryStore covers markers and dedup for tests and
// for running without a database.
package store

import (
	"strings"
)

// Dialect names match the database/sql driver names.
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

// Opts holds configuration options for SQL stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for SQL stores.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns DialectPostgres for postgres URLs and key=value
// connection strings, DialectSQLite for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DialectPostgres
	}
	if strings.HasPrefix(lower, "file:") {
		return DialectSQLite
	}
	for _, key := range []string{"host=", "dbname=", "user=", "sslmode="} {
		if strings.Contains(lower, key) {
			return DialectPostgres
		}
	}
	return DialectSQLite
}
