package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 5
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 5
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is the Postgres-backed audit sink.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements DonationRepoCloser.
var _ DonationRepoCloser = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, ErrDSNNotSet
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) LogDonation(ctx context.Context, d Donation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tradedonations (id, buyer, item_id, item_name, source, created_at) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
		d.ID, d.Buyer, d.ItemID, d.ItemName, d.Source, d.DeliveredAt.UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore LogDonation failed", "error", err, "buyer", d.Buyer, "item_id", d.ItemID)
		return fmt.Errorf("failed to insert donation for %s: %w", d.Buyer, err)
	}
	slog.Debug("PostgresStore LogDonation succeeded", "id", d.ID, "buyer", d.Buyer)
	return nil
}

func (s *PostgresStore) RecentDonations(ctx context.Context, limit int) ([]Donation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, buyer, item_id, item_name, source, created_at FROM tradedonations ORDER BY created_at DESC LIMIT $1`,
		normalizeLimit(limit),
	)
	if err != nil {
		slog.Error("PostgresStore RecentDonations query failed", "error", err)
		return nil, fmt.Errorf("failed to query donations: %w", err)
	}
	defer rows.Close()
	return scanDonations(rows)
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
