package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenSource_RefreshOnce(t *testing.T) {
	var calls int32
	ts := NewTokenSource(func(ctx context.Context) (Token, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond) // widen the race window
		return Token{Value: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := ts.Get(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "tok-1", tok.Value)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "concurrent callers must share one refresh")
}

func TestTokenSource_ReusesValidToken(t *testing.T) {
	var calls int32
	ts := NewTokenSource(func(ctx context.Context) (Token, error) {
		atomic.AddInt32(&calls, 1)
		return Token{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}, time.Second)

	for i := 0; i < 5; i++ {
		_, err := ts.Get(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTokenSource_ExpiredTokenIsRefreshed(t *testing.T) {
	var calls int32
	ts := NewTokenSource(func(ctx context.Context) (Token, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return Token{Value: "short", ExpiresAt: time.Now().Add(10 * time.Millisecond)}, nil
		}
		return Token{Value: "long", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}, time.Millisecond)

	first, err := ts.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "short", first.Value)

	time.Sleep(20 * time.Millisecond)

	second, err := ts.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "long", second.Value)
}

func TestTokenSource_RefreshError(t *testing.T) {
	ts := NewTokenSource(func(ctx context.Context) (Token, error) {
		return Token{}, errors.New("provider down")
	}, time.Second)

	_, err := ts.Get(context.Background())
	assert.Error(t, err)
}
