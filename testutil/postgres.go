package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/onnwee/chatcompanion/db"
)

// SetupTestDB opens the Postgres database named by TEST_PG_DSN and runs
// migrations. It skips the test if TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *db.Store {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	store, err := db.Open(db.Postgres, dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// SetupSQLite opens a migrated SQLite store in a temporary directory.
func SetupSQLite(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(db.SQLite, t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
