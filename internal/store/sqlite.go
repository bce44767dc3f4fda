package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is the SQLite-backed audit sink.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements DonationRepoCloser.
var _ DonationRepoCloser = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, ErrDSNNotSet
	}

	if path := strings.TrimPrefix(dsn, "file:"); !strings.HasPrefix(path, ":memory:") {
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		slog.Debug("SQLite database directory verified/created", "dir", dir)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// Writes come from the single dispatcher goroutine; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LogDonation(ctx context.Context, d Donation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tradedonations (id, buyer, item_id, item_name, source, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.Buyer, d.ItemID, d.ItemName, d.Source, d.DeliveredAt.UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore LogDonation failed", "error", err, "buyer", d.Buyer, "item_id", d.ItemID)
		return fmt.Errorf("failed to insert donation for %s: %w", d.Buyer, err)
	}
	slog.Debug("SQLiteStore LogDonation succeeded", "id", d.ID, "buyer", d.Buyer)
	return nil
}

func (s *SQLiteStore) RecentDonations(ctx context.Context, limit int) ([]Donation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, buyer, item_id, item_name, source, created_at FROM tradedonations ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		normalizeLimit(limit),
	)
	if err != nil {
		slog.Error("SQLiteStore RecentDonations query failed", "error", err)
		return nil, fmt.Errorf("failed to query donations: %w", err)
	}
	defer rows.Close()
	return scanDonations(rows)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
