package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/chatwarden/db"
)

// SetupTestDB creates a test database connection, runs migrations and
// empties every table. It skips the test if TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	ctx := context.Background()
	if err := db.Migrate(ctx, database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	if _, err := database.ExecContext(ctx, `TRUNCATE tenants, monitors, commands, batches, entries, chat_messages, oauth_tokens, kv RESTART IDENTITY CASCADE`); err != nil {
		database.Close()
		t.Fatalf("failed to reset tables: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

// CreateTenant inserts a tenant row and fails the test on error.
func CreateTenant(t *testing.T, database *sql.DB, platform, channel string) int64 {
	t.Helper()
	id, err := (&db.Store{DB: database}).CreateTenant(context.Background(), platform, channel, "bot")
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	return id
}
