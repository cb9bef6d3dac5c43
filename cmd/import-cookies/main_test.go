package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/onnwee/chatcompanion/chzzkapi"
	"github.com/onnwee/chatcompanion/testutil"
)

func writeCookies(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cookies.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestImportCookies(t *testing.T) {
	store := testutil.SetupSQLite(t)
	ctx := context.Background()
	path := writeCookies(t, `{"NID_AUT":"auth-1","NID_SES":"ses-1"}`)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	if err := importCookies(ctx, store, path, 24*time.Hour, now); err != nil {
		t.Fatalf("importCookies() error: %v", err)
	}

	creds, expiry, err := chzzkapi.StoredProvider{Store: store}.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if creds.Auth != "auth-1" || creds.Session != "ses-1" {
		t.Errorf("creds = %+v", creds)
	}
	if !expiry.Equal(now.Add(24 * time.Hour)) {
		t.Errorf("expiry = %v", expiry)
	}

	// re-import replaces the stored cookies
	path = writeCookies(t, `{"NID_AUT":"auth-2","NID_SES":"ses-2"}`)
	if err := importCookies(ctx, store, path, 0, now); err != nil {
		t.Fatalf("second import error: %v", err)
	}
	creds, _, err = chzzkapi.StoredProvider{Store: store}.Fetch(ctx)
	if err != nil || creds.Auth != "auth-2" {
		t.Errorf("after re-import creds = %+v, err = %v", creds, err)
	}
}

func TestImportCookiesInvalidFile(t *testing.T) {
	ctx := context.Background()
	tests := map[string]string{
		"missing session": `{"NID_AUT":"a"}`,
		"not json":        `NID_AUT=a`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if err := importCookies(ctx, nil, writeCookies(t, body), 0, time.Now()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if err := importCookies(ctx, nil, filepath.Join(t.TempDir(), "absent.json"), 0, time.Now()); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestImportCookiesDryRun(t *testing.T) {
	path := writeCookies(t, `{"NID_AUT":"a","NID_SES":"s"}`)
	if err := importCookies(context.Background(), nil, path, 0, time.Now()); err != nil {
		t.Fatalf("dry run error: %v", err)
	}
}
