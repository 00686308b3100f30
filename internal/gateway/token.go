package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Token is an immutable snapshot of a provider access credential.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token is usable at t, with a refresh margin so
// we never send a token that expires mid-request.
func (t Token) Valid(at time.Time, margin time.Duration) bool {
	return t.Value != "" && at.Add(margin).Before(t.ExpiresAt)
}

// RefreshFunc fetches a fresh credential from the provider.
type RefreshFunc func(ctx context.Context) (Token, error)

// TokenSource caches a provider credential and refreshes it on expiry.
// Concurrent callers hitting an expired token trigger exactly one refresh.
type TokenSource struct {
	refresh RefreshFunc
	margin  time.Duration

	mu      sync.RWMutex
	current Token

	group singleflight.Group
}

func NewTokenSource(refresh RefreshFunc, margin time.Duration) *TokenSource {
	if margin <= 0 {
		margin = 30 * time.Second
	}
	return &TokenSource{refresh: refresh, margin: margin}
}

// Get returns a valid token, refreshing through singleflight when needed.
func (ts *TokenSource) Get(ctx context.Context) (Token, error) {
	ts.mu.RLock()
	tok := ts.current
	ts.mu.RUnlock()

	if tok.Valid(time.Now(), ts.margin) {
		return tok, nil
	}

	v, err, _ := ts.group.Do("refresh", func() (any, error) {
		// Re-check under the flight: a concurrent caller may have refreshed
		// while we waited for the group slot.
		ts.mu.RLock()
		cur := ts.current
		ts.mu.RUnlock()
		if cur.Valid(time.Now(), ts.margin) {
			return cur, nil
		}

		fresh, err := ts.refresh(ctx)
		if err != nil {
			return Token{}, err
		}
		ts.mu.Lock()
		ts.current = fresh
		ts.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}
