package idempotency

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"coursepay/internal/gateway"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoExecutesOnce(t *testing.T) {
	guard := NewGuard(NewMemoryStore(), time.Hour)

	var calls atomic.Int64
	fn := func(ctx context.Context) (*gateway.Result, error) {
		calls.Add(1)
		return &gateway.Result{TransactionID: "txn_1", Status: gateway.StatusCompleted}, nil
	}

	result, cached, err := guard.Do(context.Background(), Key(1, 1), fn)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "txn_1", result.TransactionID)

	// Replay returns the stored result without touching the gateway again.
	result, cached, err = guard.Do(context.Background(), Key(1, 1), fn)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "txn_1", result.TransactionID)
	assert.Equal(t, gateway.StatusCompleted, result.Status)
	assert.Equal(t, int64(1), calls.Load())
}

func TestDoCachesBusinessDecline(t *testing.T) {
	guard := NewGuard(NewMemoryStore(), time.Hour)

	var calls atomic.Int64
	fn := func(ctx context.Context) (*gateway.Result, error) {
		calls.Add(1)
		return &gateway.Result{
			TransactionID: "txn_declined",
			Status:        gateway.StatusFailed,
			FailureReason: "insufficient_funds",
		}, nil
	}

	_, _, err := guard.Do(context.Background(), Key(2, 1), fn)
	require.NoError(t, err)

	// A decline is a resolved outcome, not a retryable failure.
	result, cached, err := guard.Do(context.Background(), Key(2, 1), fn)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, gateway.StatusFailed, result.Status)
	assert.Equal(t, "insufficient_funds", result.FailureReason)
	assert.Equal(t, int64(1), calls.Load())
}

func TestDoReleasesKeyOnTransportFailure(t *testing.T) {
	guard := NewGuard(NewMemoryStore(), time.Hour)

	transportErr := &gateway.TransportError{Gateway: "card", Err: errors.New("dial timeout")}
	_, _, err := guard.Do(context.Background(), Key(3, 1), func(ctx context.Context) (*gateway.Result, error) {
		return nil, transportErr
	})
	require.Error(t, err)
	assert.True(t, gateway.IsTransport(err))

	// The key was released, so the same attempt may run again.
	result, cached, err := guard.Do(context.Background(), Key(3, 1), func(ctx context.Context) (*gateway.Result, error) {
		return &gateway.Result{TransactionID: "txn_retry", Status: gateway.StatusCompleted}, nil
	})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "txn_retry", result.TransactionID)
}

func TestDoReportsInProgress(t *testing.T) {
	store := NewMemoryStore()
	guard := NewGuard(store, time.Hour)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _, _ = guard.Do(context.Background(), Key(4, 1), func(ctx context.Context) (*gateway.Result, error) {
			close(started)
			<-release
			return &gateway.Result{TransactionID: "txn_slow", Status: gateway.StatusCompleted}, nil
		})
	}()

	<-started

	// Concurrent caller sees the unresolved claim and backs off.
	_, _, err := guard.Do(context.Background(), Key(4, 1), func(ctx context.Context) (*gateway.Result, error) {
		t.Error("concurrent caller must not execute the gateway call")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrAttemptInProgress)

	close(release)
	<-done

	// Once resolved, the cached result is served.
	result, cached, err := guard.Do(context.Background(), Key(4, 1), nil)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "txn_slow", result.TransactionID)
}

func TestKeysAreDistinctPerAttempt(t *testing.T) {
	assert.NotEqual(t, Key(1, 1), Key(1, 2))
	assert.NotEqual(t, Key(1, 1), Key(2, 1))
	assert.Equal(t, "payment:7:attempt:1", Key(7, 1))
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()

	acquired, err := store.Acquire(context.Background(), "k", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = store.Acquire(context.Background(), "k", 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, acquired)

	time.Sleep(20 * time.Millisecond)

	acquired, err = store.Acquire(context.Background(), "k", 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, acquired)
}
