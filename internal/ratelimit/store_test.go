package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rategate/internal/docstore"
)

func newTestCounterStore() *CounterStore {
	return NewCounterStore(docstore.NewMemoryStore(), nil)
}

// ============================================================
// Sliding window limits
// ============================================================

func TestCounterStore_SlidingWindow_AllowsUpToLimit(t *testing.T) {
	store := newTestCounterStore()
	cfg := SlidingWindowRuleConfig{Limit: 5, WindowSeconds: 60}
	now := time.Now()

	previousRemaining := cfg.Limit
	for i := 1; i <= cfg.Limit; i++ {
		result, err := store.ApplySlidingWindowLimit(context.Background(), "user:u1", cfg, now)
		require.NoError(t, err)

		assert.False(t, result.Blocked, "request %d", i)
		assert.Equal(t, i, result.Total)
		assert.LessOrEqual(t, result.Remaining, previousRemaining)
		previousRemaining = result.Remaining
	}
	assert.Equal(t, 0, previousRemaining)
}

func TestCounterStore_SlidingWindow_BlocksOverLimit(t *testing.T) {
	store := newTestCounterStore()
	cfg := SlidingWindowRuleConfig{Limit: 3, WindowSeconds: 60}
	now := time.Now()

	for i := 0; i < cfg.Limit; i++ {
		_, err := store.ApplySlidingWindowLimit(context.Background(), "user:u1", cfg, now)
		require.NoError(t, err)
	}

	result, err := store.ApplySlidingWindowLimit(context.Background(), "user:u1", cfg, now)
	require.NoError(t, err)

	assert.True(t, result.Blocked)
	assert.Equal(t, 4, result.Total)
	assert.Equal(t, 0, result.Remaining)
	assert.Greater(t, result.RetryAfterSeconds, 0)
	assert.LessOrEqual(t, result.RetryAfterSeconds, cfg.WindowSeconds)
}

func TestCounterStore_SlidingWindow_KeysAreIndependent(t *testing.T) {
	store := newTestCounterStore()
	cfg := SlidingWindowRuleConfig{Limit: 1, WindowSeconds: 60}
	now := time.Now()

	_, err := store.ApplySlidingWindowLimit(context.Background(), "user:u1", cfg, now)
	require.NoError(t, err)
	blocked, err := store.ApplySlidingWindowLimit(context.Background(), "user:u1", cfg, now)
	require.NoError(t, err)
	other, err := store.ApplySlidingWindowLimit(context.Background(), "user:u2", cfg, now)
	require.NoError(t, err)

	assert.True(t, blocked.Blocked)
	assert.False(t, other.Blocked)
}

func TestCounterStore_SlidingWindow_OldBucketsAgeOut(t *testing.T) {
	store := newTestCounterStore()
	cfg := SlidingWindowRuleConfig{Limit: 2, WindowSeconds: 60}
	start := time.Now()

	for i := 0; i < 2; i++ {
		_, err := store.ApplySlidingWindowLimit(context.Background(), "user:u1", cfg, start)
		require.NoError(t, err)
	}

	// Well past the window the counter is effectively empty again.
	later := start.Add(2 * time.Minute)
	result, err := store.ApplySlidingWindowLimit(context.Background(), "user:u1", cfg, later)
	require.NoError(t, err)

	assert.False(t, result.Blocked)
	assert.Equal(t, 1, result.Total)
}

func TestCounterStore_SlidingWindow_RetriesExhausted(t *testing.T) {
	store := NewCounterStore(&conflictingStore{}, nil)
	cfg := SlidingWindowRuleConfig{Limit: 5, WindowSeconds: 60}

	_, err := store.ApplySlidingWindowLimit(context.Background(), "user:u1", cfg, time.Now())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, maxIncrementAttempts, store.docs.(*conflictingStore).createCalls)
}

// ============================================================
// Token bucket limits
// ============================================================

func TestCounterStore_TokenBucket_PersistsAcrossCalls(t *testing.T) {
	store := newTestCounterStore()
	cfg := TokenBucketRuleConfig{Capacity: 3, RefillRatePerSecond: 0.01}
	now := time.Now()

	for i := 0; i < 3; i++ {
		result, err := store.ApplyTokenBucketLimit(context.Background(), "user:u1", cfg, now)
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d", i)
	}

	result, err := store.ApplyTokenBucketLimit(context.Background(), "user:u1", cfg, now)
	require.NoError(t, err)

	assert.False(t, result.Allowed)
	assert.Greater(t, result.RetryAfterSeconds, 0)
}

func TestCounterStore_TokenBucket_StatePersistedWhenBlocked(t *testing.T) {
	docs := docstore.NewMemoryStore()
	store := NewCounterStore(docs, nil)
	cfg := TokenBucketRuleConfig{Capacity: 1, RefillRatePerSecond: 0.001}
	now := time.Now()

	_, err := store.ApplyTokenBucketLimit(context.Background(), "user:u1", cfg, now)
	require.NoError(t, err)
	blocked, err := store.ApplyTokenBucketLimit(context.Background(), "user:u1", cfg, now)
	require.NoError(t, err)
	require.False(t, blocked.Allowed)

	// The state document survives the blocked request.
	doc, err := docs.Read(context.Background(), "token:user:u1", "user:u1")
	require.NoError(t, err)
	assert.NotEmpty(t, doc.Data)
}

func TestCounterStore_TokenBucket_RefillAllowsAgain(t *testing.T) {
	store := newTestCounterStore()
	cfg := TokenBucketRuleConfig{Capacity: 1, RefillRatePerSecond: 0.5}
	now := time.Now()

	first, err := store.ApplyTokenBucketLimit(context.Background(), "user:u1", cfg, now)
	require.NoError(t, err)
	require.True(t, first.Allowed)

	blocked, err := store.ApplyTokenBucketLimit(context.Background(), "user:u1", cfg, now)
	require.NoError(t, err)
	require.False(t, blocked.Allowed)

	refilled, err := store.ApplyTokenBucketLimit(context.Background(), "user:u1", cfg, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, refilled.Allowed)
}

func TestCounterStore_TokenBucket_LostRaceTolerated(t *testing.T) {
	store := NewCounterStore(&conflictingWriteStore{inner: docstore.NewMemoryStore()}, nil)
	cfg := TokenBucketRuleConfig{Capacity: 3, RefillRatePerSecond: 1}

	result, err := store.ApplyTokenBucketLimit(context.Background(), "user:u1", cfg, time.Now())

	// The conflicting write is swallowed; the evaluation still stands.
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

// ============================================================
// Auth failure backoff
// ============================================================

func TestCounterStore_AuthFailure_FirstFailureLocksTwoSeconds(t *testing.T) {
	store := newTestCounterStore()
	now := time.Now()

	inc, err := store.IncrementAuthFailure(context.Background(), "authfail:abc", 1800, now)
	require.NoError(t, err)

	assert.Equal(t, 1, inc.Count)
	assert.Equal(t, 2, inc.LockoutSeconds)

	state, err := store.AuthFailureState(context.Background(), "authfail:abc", 1800, now)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Count)
	assert.Equal(t, 2, state.LockoutSeconds)
	assert.Equal(t, 2, state.RemainingLockoutSeconds)
}

func TestCounterStore_AuthFailure_LockoutDoubles(t *testing.T) {
	store := newTestCounterStore()
	now := time.Now()

	var inc AuthFailureIncrement
	var err error
	for i := 0; i < 5; i++ {
		inc, err = store.IncrementAuthFailure(context.Background(), "authfail:abc", 1800, now)
		require.NoError(t, err)
	}

	assert.Equal(t, 5, inc.Count)
	assert.Equal(t, 32, inc.LockoutSeconds)
}

func TestCounterStore_AuthFailure_LockoutCapped(t *testing.T) {
	store := newTestCounterStore()
	now := time.Now()

	var inc AuthFailureIncrement
	var err error
	for i := 0; i < 12; i++ {
		inc, err = store.IncrementAuthFailure(context.Background(), "authfail:abc", 1800, now)
		require.NoError(t, err)
	}

	assert.Equal(t, 12, inc.Count)
	assert.Equal(t, 900, inc.LockoutSeconds)
}

func TestCounterStore_AuthFailure_WindowRestartsCount(t *testing.T) {
	store := newTestCounterStore()
	start := time.Now()

	for i := 0; i < 4; i++ {
		_, err := store.IncrementAuthFailure(context.Background(), "authfail:abc", 1800, start)
		require.NoError(t, err)
	}

	// A failure after the window restarts the escalation at 1.
	later := start.Add(31 * time.Minute)
	inc, err := store.IncrementAuthFailure(context.Background(), "authfail:abc", 1800, later)
	require.NoError(t, err)

	assert.Equal(t, 1, inc.Count)
	assert.Equal(t, 2, inc.LockoutSeconds)
}

func TestCounterStore_AuthFailureState_ExpiredWindowIsClean(t *testing.T) {
	store := newTestCounterStore()
	start := time.Now()

	_, err := store.IncrementAuthFailure(context.Background(), "authfail:abc", 1800, start)
	require.NoError(t, err)

	state, err := store.AuthFailureState(context.Background(), "authfail:abc", 1800, start.Add(31*time.Minute))
	require.NoError(t, err)

	assert.Zero(t, state.Count)
	assert.Zero(t, state.RemainingLockoutSeconds)
}

func TestCounterStore_ResetAuthFailures(t *testing.T) {
	store := newTestCounterStore()
	now := time.Now()

	_, err := store.IncrementAuthFailure(context.Background(), "authfail:abc", 1800, now)
	require.NoError(t, err)

	require.NoError(t, store.ResetAuthFailures(context.Background(), "authfail:abc"))

	state, err := store.AuthFailureState(context.Background(), "authfail:abc", 1800, now)
	require.NoError(t, err)
	assert.Zero(t, state.Count)

	// Resetting a counter that never existed is not an error.
	assert.NoError(t, store.ResetAuthFailures(context.Background(), "authfail:missing"))
}

func TestLockoutSeconds(t *testing.T) {
	assert.Equal(t, 0, lockoutSeconds(0))
	assert.Equal(t, 2, lockoutSeconds(1))
	assert.Equal(t, 4, lockoutSeconds(2))
	assert.Equal(t, 256, lockoutSeconds(8))
	assert.Equal(t, 512, lockoutSeconds(9))
	assert.Equal(t, 900, lockoutSeconds(10))
	assert.Equal(t, 900, lockoutSeconds(30))
}

func TestTokenBucketTTL(t *testing.T) {
	// 400s to fill doubles to exactly 800, not 801.
	assert.Equal(t, 800, tokenBucketTTL(TokenBucketConfig{Capacity: 100, RefillRatePerSecond: 0.25}))
	// Fractional fill times round up.
	assert.Equal(t, 667, tokenBucketTTL(TokenBucketConfig{Capacity: 100, RefillRatePerSecond: 0.3}))
	// Fast buckets get the floor.
	assert.Equal(t, 600, tokenBucketTTL(TokenBucketConfig{Capacity: 10, RefillRatePerSecond: 1}))
	// No refill means the state effectively never recovers.
	assert.Equal(t, 24*60*60, tokenBucketTTL(TokenBucketConfig{Capacity: 10, RefillRatePerSecond: 0}))
}

// ============================================================
// Fakes
// ============================================================

// conflictingStore loses every create race: reads miss and creates
// conflict, forever.
type conflictingStore struct {
	createCalls int
}

func (s *conflictingStore) Read(ctx context.Context, id, partitionKey string) (docstore.Document, error) {
	return docstore.Document{}, docstore.ErrNotFound
}

func (s *conflictingStore) Create(ctx context.Context, doc docstore.Document) (docstore.Document, error) {
	s.createCalls++
	return docstore.Document{}, docstore.ErrConflict
}

func (s *conflictingStore) Replace(ctx context.Context, doc docstore.Document, ifMatch string) (docstore.Document, error) {
	return docstore.Document{}, docstore.ErrPreconditionFailed
}

func (s *conflictingStore) Upsert(ctx context.Context, doc docstore.Document) (docstore.Document, error) {
	return docstore.Document{}, docstore.ErrConflict
}

func (s *conflictingStore) Delete(ctx context.Context, id, partitionKey string) error {
	return nil
}

func (s *conflictingStore) Query(ctx context.Context, partitionKey string) ([]docstore.Document, error) {
	return nil, nil
}

var _ docstore.Store = (*conflictingStore)(nil)

// conflictingWriteStore serves reads from its inner store but rejects
// every write with a conflict.
type conflictingWriteStore struct {
	inner docstore.Store
}

func (s *conflictingWriteStore) Read(ctx context.Context, id, partitionKey string) (docstore.Document, error) {
	return s.inner.Read(ctx, id, partitionKey)
}

func (s *conflictingWriteStore) Create(ctx context.Context, doc docstore.Document) (docstore.Document, error) {
	return docstore.Document{}, docstore.ErrConflict
}

func (s *conflictingWriteStore) Replace(ctx context.Context, doc docstore.Document, ifMatch string) (docstore.Document, error) {
	return docstore.Document{}, docstore.ErrPreconditionFailed
}

func (s *conflictingWriteStore) Upsert(ctx context.Context, doc docstore.Document) (docstore.Document, error) {
	return docstore.Document{}, docstore.ErrConflict
}

func (s *conflictingWriteStore) Delete(ctx context.Context, id, partitionKey string) error {
	return s.inner.Delete(ctx, id, partitionKey)
}

func (s *conflictingWriteStore) Query(ctx context.Context, partitionKey string) ([]docstore.Document, error) {
	return s.inner.Query(ctx, partitionKey)
}

var _ docstore.Store = (*conflictingWriteStore)(nil)
