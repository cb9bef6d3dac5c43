package chzzkapi

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type providerFunc func(context.Context) (Credentials, error)

func (f providerFunc) Fetch(ctx context.Context) (Credentials, time.Time, error) {
	c, err := f(ctx)
	return c, time.Time{}, err
}

type fakeStore struct {
	access, refresh string
	expiry          time.Time
	err             error
}

func (f fakeStore) GetOAuthToken(ctx context.Context, provider string) (string, string, time.Time, string, error) {
	if provider != StoreProvider {
		return "", "", time.Time{}, "", nil
	}
	return f.access, f.refresh, f.expiry, "", f.err
}

func TestStaticProvider(t *testing.T) {
	if _, _, err := (StaticProvider{}).Fetch(context.Background()); err == nil {
		t.Error("expected error for empty static credentials")
	}
	c, _, err := StaticProvider{Creds: Credentials{Auth: "a", Session: "s"}}.Fetch(context.Background())
	if err != nil || c.Auth != "a" || c.Session != "s" {
		t.Fatalf("Fetch() = %+v, %v", c, err)
	}
}

func TestFileProviderRereadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	write := func(aut string) {
		if err := os.WriteFile(path, []byte(`{"NID_AUT":"`+aut+`","NID_SES":"ses"}`), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	p := FileProvider{Path: path, RotateEvery: 10 * time.Minute}

	write("first")
	c, hint, err := p.Fetch(context.Background())
	if err != nil || c.Auth != "first" {
		t.Fatalf("Fetch() = %+v, %v", c, err)
	}
	if hint.IsZero() {
		t.Error("expected expiry hint from RotateEvery")
	}

	write("second")
	c, _, err = p.Fetch(context.Background())
	if err != nil || c.Auth != "second" {
		t.Fatalf("Fetch() after rotation = %+v, %v", c, err)
	}
}

func TestFileProviderMissingCookie(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	if err := os.WriteFile(path, []byte(`{"NID_AUT":"only"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := (FileProvider{Path: path}).Fetch(context.Background()); err == nil {
		t.Error("expected error for missing NID_SES")
	}
}

func TestStoredProvider(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	c, hint, err := StoredProvider{Store: fakeStore{access: "a", refresh: "s", expiry: exp}}.Fetch(context.Background())
	if err != nil || c.Auth != "a" || c.Session != "s" || !hint.Equal(exp) {
		t.Fatalf("Fetch() = %+v, %v, %v", c, hint, err)
	}
	if _, _, err := (StoredProvider{Store: fakeStore{}}).Fetch(context.Background()); err == nil {
		t.Error("expected error when nothing stored")
	}
	if _, _, err := (StoredProvider{Store: fakeStore{err: errors.New("db down")}}).Fetch(context.Background()); err == nil {
		t.Error("expected store error to propagate")
	}
}

func TestCachedProviderReusesUntilInvalidated(t *testing.T) {
	calls := 0
	cp := &CachedProvider{Provider: providerFunc(func(context.Context) (Credentials, error) {
		calls++
		return Credentials{Auth: "a", Session: "s"}, nil
	})}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := cp.Get(ctx); err != nil {
			t.Fatalf("Get() error: %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("provider called %d times, want 1", calls)
	}
	cp.Invalidate()
	if _, err := cp.Get(ctx); err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if calls != 2 {
		t.Errorf("provider called %d times after Invalidate, want 2", calls)
	}
}

func TestCachedProviderRefetchesNearExpiry(t *testing.T) {
	calls := 0
	cp := &CachedProvider{Provider: expiringProvider{calls: &calls, ttl: 30 * time.Second}}
	_, _ = cp.Get(context.Background())
	_, _ = cp.Get(context.Background())
	if calls != 2 {
		t.Errorf("provider called %d times, want 2 (expiry inside buffer)", calls)
	}
}

type expiringProvider struct {
	calls *int
	ttl   time.Duration
}

func (p expiringProvider) Fetch(context.Context) (Credentials, time.Time, error) {
	*p.calls++
	return Credentials{Auth: "a", Session: "s"}, time.Now().Add(p.ttl), nil
}
