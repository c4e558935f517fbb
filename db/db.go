// Package db provides the Postgres connection, schema migrations and the
// repositories for tenants, monitor records, bot tokens and small settings.
// Command definitions and intake batches live with their own packages.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/chatwarden/crypto"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("db: not found")

// Connect opens a Postgres pool for dsn and verifies it is reachable.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	database.SetMaxOpenConns(20)
	database.SetMaxIdleConns(5)
	database.SetConnMaxIdleTime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return database, nil
}

// Migrate brings the schema up to date using the embedded migrations.
func Migrate(ctx context.Context, database *sql.DB) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return RunMigrations(database)
}

// Store bundles the repositories backed by one database. Keys may be nil, in
// which case bot tokens are stored in plaintext (encryption_version 0).
type Store struct {
	DB   *sql.DB
	Keys *crypto.Keyring
}

// NewStore returns a Store and warns when token encryption is disabled.
func NewStore(database *sql.DB, keys *crypto.Keyring) *Store {
	if keys == nil {
		slog.Warn("ENCRYPTION_KEY not set, bot tokens will be stored in plaintext (not recommended for production)",
			slog.String("component", "db_encryption"))
	}
	return &Store{DB: database, Keys: keys}
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }
