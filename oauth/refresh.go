// Package oauth provides token refresh scheduling for providers whose tokens
// are persisted in the oauth_tokens table. It performs jittered checks and
// refreshes when expiry falls within a configured window.
package oauth

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"
)

// RefreshFunc performs provider-specific refresh and returns (access, refresh, expiry, scope)
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// TokenStore reads and writes persisted tokens.
type TokenStore interface {
	GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, scope string, err error)
	UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error
}

// StartRefresher launches a goroutine that periodically checks a provider's
// token and refreshes it.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
func StartRefresher(ctx context.Context, store TokenStore, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int64N(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			if _, err := refreshOnce(ctx, store, provider, window, fn); err != nil {
				slog.Warn("token refresh failed", slog.String("provider", provider), slog.Any("err", err))
			}
			// ±20% of interval
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: scheduling jitter, not used for security
			nextSleep := interval + time.Duration(rand.Int64N(jitterRange*2+1)-jitterRange)
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}

// refreshOnce refreshes the provider's token if it expires within window. It
// reports whether a refresh happened. Rows without a refresh token or expiry
// are left alone.
func refreshOnce(ctx context.Context, store TokenStore, provider string, window time.Duration, fn RefreshFunc) (bool, error) {
	_, rt, exp, scope, err := store.GetOAuthToken(ctx, provider)
	if err != nil {
		return false, err
	}
	if rt == "" || exp.IsZero() || time.Until(exp) > window {
		return false, nil
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAT, newRT, newExp, newScope, err := fn(ctx2, rt)
	cancel()
	if err != nil {
		return false, err
	}
	if newRT == "" {
		newRT = rt
	}
	if newScope == "" {
		newScope = scope
	}
	if err := store.UpsertOAuthToken(ctx, provider, newAT, newRT, newExp, strings.TrimSpace(newScope)); err != nil {
		return false, err
	}
	slog.Info("token refreshed", slog.String("provider", provider), slog.Time("expires_at", newExp))
	return true, nil
}
