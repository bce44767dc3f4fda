// Package store provides state and storage backends for TradeBridge.
//
// It holds the in-memory dedup set and pending-delivery queue, the YAML state file
// that persists them, and the optional SQL audit sink for delivered donations.
package store

import (
	"errors"
	"strings"
)

// ErrDSNNotSet is returned when a SQL store is created without a DSN.
var ErrDSNNotSet = errors.New("database DSN not set")

// DSN types recognized by DetectDSNType.
const (
	DSNTypeSQLite   = "sqlite3"
	DSNTypePostgres = "postgres"
)

// Opts holds configuration options for SQL stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for SQL stores.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns DSNTypePostgres for postgres URLs or key/value connection
// strings, and DSNTypeSQLite for everything else (file paths, file: URIs).
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	lower := strings.ToLower(d)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DSNTypePostgres
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") || strings.Contains(d, "user=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// OpenDonationRepo opens the audit sink matching the DSN type.
func OpenDonationRepo(dsn string) (DonationRepoCloser, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ErrDSNNotSet
	}
	if DetectDSNType(dsn) == DSNTypePostgres {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
