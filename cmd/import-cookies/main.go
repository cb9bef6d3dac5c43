// Package main provides a CLI tool that stores CHZZK session cookies in the
// database so the service can run with CHZZK_COOKIE_SOURCE=db.
//
// Cookies are read from a cookies.json file ({"NID_AUT": "...", "NID_SES": "..."})
// and upserted into oauth_tokens under provider "chzzk". When ENCRYPTION_KEY is
// set they are stored AES-256-GCM encrypted.
//
// Usage:
//
//	import-cookies [--file cookies.json] [--ttl 24h] [--dry-run]
//
// Environment Variables:
//
//	CHAT_STORE: postgres or sqlite (default: sqlite)
//	DB_DSN: Postgres connection string when CHAT_STORE=postgres
//	SQLITE_PATH: SQLite file when CHAT_STORE=sqlite
//	ENCRYPTION_KEY: base64 key, or "id:key,id:key" keyring (optional)
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chatcompanion/chzzkapi"
	"github.com/onnwee/chatcompanion/config"
	"github.com/onnwee/chatcompanion/db"
)

type cookieStore interface {
	UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error
}

func main() {
	file := flag.String("file", "cookies.json", "Path to the cookie file")
	ttl := flag.Duration("ttl", 0, "How long the cookies stay valid; 0 means no expiry hint")
	dryRun := flag.Bool("dry-run", false, "Validate the cookie file without writing to the database")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx := context.Background()
	var store cookieStore
	if !*dryRun {
		s, err := openStore(ctx, cfg)
		if err != nil {
			slog.Error("failed to open database", slog.Any("error", err))
			os.Exit(1)
		}
		defer s.Close()
		store = s
	}

	if err := importCookies(ctx, store, *file, *ttl, time.Now()); err != nil {
		slog.Error("import failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("cookies imported", slog.String("file", *file), slog.Bool("dry_run", *dryRun))
}

func openStore(ctx context.Context, cfg *config.Config) (*db.Store, error) {
	dialect, dsn := db.SQLite, cfg.SQLitePath
	if cfg.ChatStore == config.StorePostgres {
		dialect, dsn = db.Postgres, cfg.DBDsn
	}
	s, err := db.Open(dialect, dsn)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// importCookies validates the cookie file and, when store is non-nil, persists
// it. A positive ttl records now+ttl as the expiry hint.
func importCookies(ctx context.Context, store cookieStore, path string, ttl time.Duration, now time.Time) error {
	creds, _, err := chzzkapi.FileProvider{Path: path}.Fetch(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return nil
	}
	var expiry time.Time
	if ttl > 0 {
		expiry = now.Add(ttl)
	}
	if err := store.UpsertOAuthToken(ctx, chzzkapi.StoreProvider, creds.Auth, creds.Session, expiry, "cookies"); err != nil {
		return fmt.Errorf("store cookies: %w", err)
	}
	return nil
}
