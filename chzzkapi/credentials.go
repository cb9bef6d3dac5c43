package chzzkapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// Cookie names carried by every authenticated request.
const (
	CookieAuth    = "NID_AUT"
	CookieSession = "NID_SES"
)

// StoreProvider is the oauth_tokens provider key used for stored cookies.
const StoreProvider = "chzzk"

// Credentials are the two opaque session cookies obtained out-of-band
// (typically by logging in through a browser).
type Credentials struct {
	Auth    string `json:"NID_AUT"`
	Session string `json:"NID_SES"`
}

// Valid reports whether both cookies are present.
func (c Credentials) Valid() bool { return c.Auth != "" && c.Session != "" }

func (c Credentials) cookies() []*http.Cookie {
	return []*http.Cookie{
		{Name: CookieAuth, Value: c.Auth},
		{Name: CookieSession, Value: c.Session},
	}
}

// CredentialProvider produces session credentials. The expiry hint is the
// zero time when the provider cannot tell how long they stay valid.
type CredentialProvider interface {
	Fetch(ctx context.Context) (Credentials, time.Time, error)
}

// StaticProvider returns fixed credentials, e.g. from NID_AUT / NID_SES env vars.
type StaticProvider struct {
	Creds Credentials
}

func (p StaticProvider) Fetch(context.Context) (Credentials, time.Time, error) {
	if !p.Creds.Valid() {
		return Credentials{}, time.Time{}, errors.New("static credentials incomplete: need NID_AUT and NID_SES")
	}
	return p.Creds, time.Time{}, nil
}

// FileProvider reads a cookies.json file ({"NID_AUT": "...", "NID_SES": "..."})
// on every fetch so an external login helper can rotate it in place.
type FileProvider struct {
	Path string
	// RotateEvery is the interval at which the helper rewrites the file. When
	// set, the expiry hint is the file's modification time plus RotateEvery.
	RotateEvery time.Duration
}

func (p FileProvider) Fetch(context.Context) (Credentials, time.Time, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return Credentials{}, time.Time{}, fmt.Errorf("read cookie file: %w", err)
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return Credentials{}, time.Time{}, fmt.Errorf("parse cookie file %s: %w", p.Path, err)
	}
	if !c.Valid() {
		return Credentials{}, time.Time{}, fmt.Errorf("cookie file %s missing %s or %s", p.Path, CookieAuth, CookieSession)
	}
	var hint time.Time
	if p.RotateEvery > 0 {
		if info, err := os.Stat(p.Path); err == nil {
			hint = info.ModTime().Add(p.RotateEvery)
		}
	}
	return c, hint, nil
}

// TokenStore is the subset of the database used to persist cookies.
type TokenStore interface {
	GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, scope string, err error)
}

// StoredProvider reads cookies persisted in the oauth_tokens table: the access
// column holds NID_AUT and the refresh column holds NID_SES.
type StoredProvider struct {
	Store TokenStore
}

func (p StoredProvider) Fetch(ctx context.Context) (Credentials, time.Time, error) {
	auth, ses, expiry, _, err := p.Store.GetOAuthToken(ctx, StoreProvider)
	if err != nil {
		return Credentials{}, time.Time{}, fmt.Errorf("load stored cookies: %w", err)
	}
	c := Credentials{Auth: auth, Session: ses}
	if !c.Valid() {
		return Credentials{}, time.Time{}, errors.New("no chzzk cookies stored; run import-cookies")
	}
	return c, expiry, nil
}

// CachedProvider wraps a provider and reuses its credentials until the expiry
// hint is within a minute, or until Invalidate is called.
type CachedProvider struct {
	Provider CredentialProvider

	mu        sync.RWMutex
	creds     Credentials
	expiresAt time.Time
	cached    bool
}

// Get returns cached or freshly fetched credentials.
func (cp *CachedProvider) Get(ctx context.Context) (Credentials, error) {
	cp.mu.RLock()
	if cp.fresh() {
		c := cp.creds
		cp.mu.RUnlock()
		return c, nil
	}
	cp.mu.RUnlock()
	return cp.refresh(ctx)
}

// fresh must be called with mu held.
func (cp *CachedProvider) fresh() bool {
	if !cp.cached {
		return false
	}
	return cp.expiresAt.IsZero() || time.Until(cp.expiresAt) > 60*time.Second
}

func (cp *CachedProvider) refresh(ctx context.Context) (Credentials, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.fresh() {
		return cp.creds, nil
	}
	c, exp, err := cp.Provider.Fetch(ctx)
	if err != nil {
		return Credentials{}, err
	}
	cp.creds, cp.expiresAt, cp.cached = c, exp, true
	return c, nil
}

// Invalidate drops the cached credentials so the next Get refetches.
func (cp *CachedProvider) Invalidate() {
	cp.mu.Lock()
	cp.cached = false
	cp.creds = Credentials{}
	cp.mu.Unlock()
}
