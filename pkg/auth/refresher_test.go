package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefresherDeduplicatesConcurrentCallers(t *testing.T) {
	var calls atomic.Int32
	refresher := NewRefresher(func(ctx context.Context) (string, time.Time, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return "token-1", time.Now().Add(time.Hour), nil
	})

	const n = 25
	tokens := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := refresher.Token(context.Background())
			require.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "N concurrent callers perform exactly one refresh")
	for _, token := range tokens {
		assert.Equal(t, "token-1", token, "all callers receive the same result")
	}
}

func TestRefresherCachesUntilMargin(t *testing.T) {
	var calls atomic.Int32
	refresher := NewRefresher(func(ctx context.Context) (string, time.Time, error) {
		n := calls.Add(1)
		return fmt.Sprintf("token-%d", n), time.Now().Add(time.Hour), nil
	})

	for i := 0; i < 5; i++ {
		token, err := refresher.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "token-1", token)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestRefresherRefreshesNearExpiry(t *testing.T) {
	var calls atomic.Int32
	refresher := NewRefresher(func(ctx context.Context) (string, time.Time, error) {
		n := calls.Add(1)
		// Expiry inside the refresh margin forces the next call through.
		return fmt.Sprintf("token-%d", n), time.Now().Add(time.Second), nil
	})

	first, err := refresher.Token(context.Background())
	require.NoError(t, err)
	second, err := refresher.Token(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRefresherDoesNotCacheErrors(t *testing.T) {
	var calls atomic.Int32
	refresher := NewRefresher(func(ctx context.Context) (string, time.Time, error) {
		if calls.Add(1) == 1 {
			return "", time.Time{}, errors.New("endpoint unavailable")
		}
		return "token-ok", time.Now().Add(time.Hour), nil
	})

	_, err := refresher.Token(context.Background())
	require.Error(t, err)

	token, err := refresher.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-ok", token)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRefresherInvalidate(t *testing.T) {
	var calls atomic.Int32
	refresher := NewRefresher(func(ctx context.Context) (string, time.Time, error) {
		n := calls.Add(1)
		return fmt.Sprintf("token-%d", n), time.Now().Add(time.Hour), nil
	})

	first, err := refresher.Token(context.Background())
	require.NoError(t, err)

	refresher.Invalidate()
	second, err := refresher.Token(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestRefresherWaiterHonoursContext(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	refresher := NewRefresher(func(ctx context.Context) (string, time.Time, error) {
		close(started)
		<-release
		return "token", time.Now().Add(time.Hour), nil
	})

	go func() {
		_, _ = refresher.Token(context.Background())
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := refresher.Token(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}
