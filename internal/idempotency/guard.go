package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coursepay/internal/gateway"
	"coursepay/internal/util"

	"go.uber.org/zap"
)

// ErrAttemptInProgress is returned when another caller holds the key and its
// gateway call has not resolved yet. Callers do not block; they report the
// payment as pending and let the webhook or a retry finish the job.
var ErrAttemptInProgress = errors.New("payment attempt already in progress")

// Store is the persistence contract for idempotency keys. The Redis client
// implements it in production; tests use MemoryStore.
type Store interface {
	// Acquire claims the key with an in-flight marker. False when the key
	// is already claimed or resolved.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Get returns the stored value. resolved is false while the owner is
	// still in flight; found is false when the key is unknown.
	Get(ctx context.Context, key string) (value string, resolved bool, found bool, err error)

	// Resolve stores the serialized result for the retention window.
	Resolve(ctx context.Context, key, value string, ttl time.Duration) error

	// Release drops an unresolved key so the operation may be retried.
	Release(ctx context.Context, key string) error
}

// Guard ensures the gateway side effect behind a logical payment attempt
// executes at most once per key. Business declines are resolved results and
// are never retried automatically; transport failures release the key so the
// same attempt may run again.
type Guard struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger
}

// NewGuard creates an idempotency guard with the given result retention
func NewGuard(store Store, ttl time.Duration) *Guard {
	return &Guard{
		store:  store,
		ttl:    ttl,
		logger: util.GetLogger(),
	}
}

// Key derives the idempotency key for a payment attempt
func Key(paymentID int64, attempt int) string {
	return fmt.Sprintf("payment:%d:attempt:%d", paymentID, attempt)
}

// Do executes fn at most once for the given key. When the key is already
// resolved the cached result is returned without invoking fn; cached reports
// which happened. A concurrent unresolved attempt yields ErrAttemptInProgress.
func (g *Guard) Do(ctx context.Context, key string, fn func(context.Context) (*gateway.Result, error)) (result *gateway.Result, cached bool, err error) {
	acquired, err := g.store.Acquire(ctx, key, g.ttl)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire idempotency key: %w", err)
	}

	if !acquired {
		value, resolved, found, err := g.store.Get(ctx, key)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read idempotency key: %w", err)
		}
		if !found || !resolved {
			// Either the owner is mid-call, or it just released the key
			// after a transport failure. Both look the same to us.
			return nil, false, ErrAttemptInProgress
		}

		var cachedResult gateway.Result
		if err := json.Unmarshal([]byte(value), &cachedResult); err != nil {
			return nil, false, fmt.Errorf("corrupt idempotency record for %s: %w", key, err)
		}
		g.logger.Info("Returning cached gateway result",
			zap.String("idempotency_key", key),
			zap.String("status", cachedResult.Status))
		return &cachedResult, true, nil
	}

	result, err = fn(ctx)
	if err != nil {
		// Transport or config failure: nothing was resolved, free the key
		// so the same attempt can retry.
		if releaseErr := g.store.Release(ctx, key); releaseErr != nil {
			g.logger.Error("Failed to release idempotency key",
				zap.String("idempotency_key", key),
				zap.Error(releaseErr))
		}
		return nil, false, err
	}

	payload, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return nil, false, fmt.Errorf("failed to serialize gateway result: %w", marshalErr)
	}
	if resolveErr := g.store.Resolve(ctx, key, string(payload), g.ttl); resolveErr != nil {
		// The side effect already happened; surface the result and leave
		// the in-flight marker to expire rather than risk a second charge.
		g.logger.Error("Failed to resolve idempotency key",
			zap.String("idempotency_key", key),
			zap.Error(resolveErr))
	}

	return result, false, nil
}
