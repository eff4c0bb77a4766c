package nonce

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNonceSingleUse(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	require.NoError(t, s.StoreNonce(ctx, "n1", "elicit_a", time.Minute))
	assert.True(t, s.Active(ctx, "n1"))

	require.NoError(t, s.ConsumeNonce(ctx, "n1"))
	assert.False(t, s.Active(ctx, "n1"))

	// Second consume is a replay.
	assert.ErrorIs(t, s.ConsumeNonce(ctx, "n1"), ErrConsumed)
	assert.Equal(t, int64(1), s.ReplayAttempts())
}

func TestStoreRejectsDuplicate(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	require.NoError(t, s.StoreNonce(ctx, "n1", "elicit_a", time.Minute))
	assert.ErrorIs(t, s.StoreNonce(ctx, "n1", "elicit_b", time.Minute), ErrDuplicate)
}

func TestConsumeUnknownNonce(t *testing.T) {
	s := NewMemoryStore(nil)
	assert.ErrorIs(t, s.ConsumeNonce(context.Background(), "never-stored"), ErrUnknown)
}

func TestNonceTTLExpiry(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	require.NoError(t, s.StoreNonce(ctx, "n1", "elicit_a", 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)

	assert.False(t, s.Active(ctx, "n1"))
	assert.ErrorIs(t, s.ConsumeNonce(ctx, "n1"), ErrUnknown)

	// An expired slot can be reused.
	require.NoError(t, s.StoreNonce(ctx, "n1", "elicit_b", time.Minute))
	assert.True(t, s.Active(ctx, "n1"))
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	require.NoError(t, s.StoreNonce(ctx, "old", "elicit_a", 10*time.Millisecond))
	require.NoError(t, s.StoreNonce(ctx, "fresh", "elicit_b", time.Minute))
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 1, s.sweep(time.Now()))
	assert.True(t, s.Active(ctx, "fresh"))
}

func TestConcurrentConsumeExactlyOneWins(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	require.NoError(t, s.StoreNonce(ctx, "n1", "elicit_a", time.Minute))

	const attempts = 50
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.ConsumeNonce(ctx, "n1")
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrConsumed)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, int64(attempts-1), s.ReplayAttempts())
}

func TestManyNoncesIndependent(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, s.StoreNonce(ctx, fmt.Sprintf("n%d", i), "elicit_a", time.Minute))
	}
	require.NoError(t, s.ConsumeNonce(ctx, "n7"))

	for i := 0; i < 20; i++ {
		want := i != 7
		assert.Equal(t, want, s.Active(ctx, fmt.Sprintf("n%d", i)))
	}
}
