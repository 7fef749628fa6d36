package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"rategate/internal/docstore"
)

const (
	// maxIncrementAttempts bounds the conflict-retry loop on sliding
	// window increments. Exhaustion is a hard failure: the request is
	// aborted rather than waved through on a degraded store.
	maxIncrementAttempts = 4

	defaultBucketSizeSeconds = 1

	// Lockout ceiling for the exponential auth-failure backoff.
	maxLockoutSeconds = 900
)

// ErrRetriesExhausted is returned when a sliding-window increment
// keeps losing conflict races against concurrent writers.
var ErrRetriesExhausted = errors.New("ratelimit: conflict retries exhausted")

// CounterStore turns the pure algorithms into durable, concurrency
// safe counters over a document store. All mutation is optimistic:
// read a version, write conditionally, handle the race per operation.
type CounterStore struct {
	docs   docstore.Store
	logger *zap.Logger
}

// NewCounterStore constructs a counter store. logger may be nil.
func NewCounterStore(docs docstore.Store, logger *zap.Logger) *CounterStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CounterStore{docs: docs, logger: logger}
}

// retryOnConflict runs attempt up to maxAttempts times, retrying only
// on the store's conflict vocabulary: create conflicts, stale etags,
// and documents that disappeared between read and write. Anything
// else propagates immediately.
func retryOnConflict(ctx context.Context, maxAttempts int, attempt func(context.Context) error) error {
	var err error
	for i := 0; i < maxAttempts; i++ {
		err = attempt(ctx)
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
}

func isConflict(err error) bool {
	return errors.Is(err, docstore.ErrConflict) ||
		errors.Is(err, docstore.ErrPreconditionFailed) ||
		errors.Is(err, docstore.ErrNotFound)
}

// slidingWindowDocument is one bucket of a sliding-window counter.
type slidingWindowDocument struct {
	Key                string    `json:"key"`
	BucketStartSeconds int64     `json:"bucketStartSeconds"`
	BucketSizeSeconds  int       `json:"bucketSizeSeconds"`
	WindowSeconds      int       `json:"windowSeconds"`
	Count              int       `json:"count"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

const slidingIDPrefix = "sliding:"

func slidingBucketID(bucketStartSeconds int64) string {
	return slidingIDPrefix + strconv.FormatInt(bucketStartSeconds, 10)
}

func toBucketStartSeconds(now time.Time, bucketSizeSeconds int) int64 {
	bucketSizeMs := int64(bucketSizeSeconds) * msPerSecond
	return now.UnixMilli() / bucketSizeMs * int64(bucketSizeSeconds)
}

func slidingWindowTTL(windowSeconds, bucketSizeSeconds int) int {
	return max(windowSeconds*2, bucketSizeSeconds*4)
}

// ApplySlidingWindowLimit records one hit against the key's current
// bucket and evaluates the whole trailing window.
//
// The increment is a compare-and-swap loop: patch the existing bucket
// under its etag, create it when missing, and retry when another
// writer got there first. The subsequent window query is a separate
// read; a sibling bucket written concurrently by another instance may
// not be visible yet, which is accepted.
func (s *CounterStore) ApplySlidingWindowLimit(ctx context.Context, key string, cfg SlidingWindowRuleConfig, now time.Time) (SlidingWindowEvaluation, error) {
	amount := cfg.Amount
	if amount <= 0 {
		amount = 1
	}
	bucketSize := cfg.BucketSizeSeconds
	if bucketSize <= 0 {
		bucketSize = defaultBucketSizeSeconds
	}

	if err := s.incrementSlidingBucket(ctx, key, cfg.WindowSeconds, amount, bucketSize, now); err != nil {
		return SlidingWindowEvaluation{}, err
	}

	buckets, err := s.fetchSlidingBuckets(ctx, key, cfg.WindowSeconds, now)
	if err != nil {
		return SlidingWindowEvaluation{}, err
	}

	return EvaluateSlidingWindow(buckets, SlidingWindowConfig{
		Limit:         cfg.Limit,
		WindowSeconds: cfg.WindowSeconds,
	}, now), nil
}

func (s *CounterStore) incrementSlidingBucket(ctx context.Context, key string, windowSeconds, amount, bucketSize int, now time.Time) error {
	bucketStart := toBucketStartSeconds(now, bucketSize)
	id := slidingBucketID(bucketStart)
	ttl := slidingWindowTTL(windowSeconds, bucketSize)

	return retryOnConflict(ctx, maxIncrementAttempts, func(ctx context.Context) error {
		doc, err := s.docs.Read(ctx, id, key)
		if errors.Is(err, docstore.ErrNotFound) {
			fresh := slidingWindowDocument{
				Key:                key,
				BucketStartSeconds: bucketStart,
				BucketSizeSeconds:  bucketSize,
				WindowSeconds:      windowSeconds,
				Count:              amount,
				CreatedAt:          now,
				UpdatedAt:          now,
			}
			data, err := json.Marshal(fresh)
			if err != nil {
				return err
			}
			_, err = s.docs.Create(ctx, docstore.Document{
				ID:           id,
				PartitionKey: key,
				Data:         data,
				TTLSeconds:   ttl,
			})
			return err
		}
		if err != nil {
			return err
		}

		var bucket slidingWindowDocument
		if err := json.Unmarshal(doc.Data, &bucket); err != nil {
			return err
		}
		bucket.Count += amount
		bucket.UpdatedAt = now

		data, err := json.Marshal(bucket)
		if err != nil {
			return err
		}
		doc.Data = data
		doc.TTLSeconds = ttl
		_, err = s.docs.Replace(ctx, doc, doc.ETag)
		return err
	})
}

func (s *CounterStore) fetchSlidingBuckets(ctx context.Context, key string, windowSeconds int, now time.Time) ([]SlidingWindowBucket, error) {
	docs, err := s.docs.Query(ctx, key)
	if err != nil {
		return nil, err
	}

	cutoffSeconds := max((now.UnixMilli()-int64(windowSeconds)*msPerSecond)/msPerSecond, 0)

	buckets := make([]SlidingWindowBucket, 0, len(docs))
	for _, doc := range docs {
		if !strings.HasPrefix(doc.ID, slidingIDPrefix) {
			continue
		}
		var bucket slidingWindowDocument
		if err := json.Unmarshal(doc.Data, &bucket); err != nil {
			s.logger.Warn("skipping malformed sliding window bucket",
				zap.String("key", key),
				zap.String("id", doc.ID),
				zap.Error(err),
			)
			continue
		}
		if bucket.BucketStartSeconds < cutoffSeconds {
			continue
		}
		buckets = append(buckets, SlidingWindowBucket{
			BucketStartMs:     bucket.BucketStartSeconds * msPerSecond,
			BucketSizeSeconds: bucket.BucketSizeSeconds,
			Count:             bucket.Count,
		})
	}
	return buckets, nil
}

// tokenBucketDocument is the persisted token-bucket state for one key.
type tokenBucketDocument struct {
	Key                 string    `json:"key"`
	Capacity            float64   `json:"capacity"`
	RefillRatePerSecond float64   `json:"refillRatePerSecond"`
	Tokens              float64   `json:"tokens"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

func tokenBucketID(key string) string { return "token:" + key }

func tokenBucketTTL(cfg TokenBucketConfig) int {
	if cfg.RefillRatePerSecond <= 0 {
		return 24 * 60 * 60
	}
	secondsToFill := cfg.Capacity / cfg.RefillRatePerSecond
	return max(int(math.Ceil(secondsToFill*2)), 10*60)
}

// ApplyTokenBucketLimit evaluates and persists the token bucket for
// the key. The write-back is a single conditional attempt: when it
// loses a race to a concurrent writer the loss is tolerated, trading
// an occasional extra allowed request for the absence of a retry loop
// on this hot path. The new state is written even when the request is
// blocked so accrued refill is kept.
func (s *CounterStore) ApplyTokenBucketLimit(ctx context.Context, key string, cfg TokenBucketRuleConfig, now time.Time) (TokenBucketEvaluation, error) {
	cost := cfg.Cost
	if cost <= 0 {
		cost = 1
	}
	algoCfg := TokenBucketConfig{
		Capacity:            cfg.Capacity,
		RefillRatePerSecond: cfg.RefillRatePerSecond,
	}

	id := tokenBucketID(key)
	var state *TokenBucketState
	doc, err := s.docs.Read(ctx, id, key)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		// First sighting of this key: the bucket starts full.
	case err != nil:
		return TokenBucketEvaluation{}, err
	default:
		var stored tokenBucketDocument
		if err := json.Unmarshal(doc.Data, &stored); err != nil {
			return TokenBucketEvaluation{}, err
		}
		state = &TokenBucketState{Tokens: stored.Tokens, UpdatedAt: stored.UpdatedAt}
	}

	evaluation := ApplyTokenBucket(state, algoCfg, cost, now)

	next := tokenBucketDocument{
		Key:                 key,
		Capacity:            cfg.Capacity,
		RefillRatePerSecond: cfg.RefillRatePerSecond,
		Tokens:              evaluation.State.Tokens,
		UpdatedAt:           evaluation.State.UpdatedAt,
	}
	data, err := json.Marshal(next)
	if err != nil {
		return TokenBucketEvaluation{}, err
	}
	out := docstore.Document{
		ID:           id,
		PartitionKey: key,
		Data:         data,
		TTLSeconds:   tokenBucketTTL(algoCfg),
	}

	if doc.ETag != "" {
		_, err = s.docs.Replace(ctx, out, doc.ETag)
	} else {
		_, err = s.docs.Upsert(ctx, out)
	}
	if isConflict(err) {
		s.logger.Debug("token bucket write lost a race, keeping concurrent state",
			zap.String("key", key),
		)
		return evaluation, nil
	}
	if err != nil {
		return TokenBucketEvaluation{}, err
	}
	return evaluation, nil
}

// authFailureDocument is the persisted failure counter for one key.
type authFailureDocument struct {
	Key           string    `json:"key"`
	Count         int       `json:"count"`
	LastFailureAt time.Time `json:"lastFailureAt"`
}

// AuthFailureState is the derived lockout view over a failure counter.
type AuthFailureState struct {
	Count                   int
	LastFailureAt           time.Time
	LockoutSeconds          int
	RemainingLockoutSeconds int
	LockedUntilMs           int64
}

// lockoutSeconds is min(2^count, ceiling): exponential, capped.
func lockoutSeconds(count int) int {
	if count <= 0 {
		return 0
	}
	if count >= 10 {
		return maxLockoutSeconds
	}
	return min(1<<count, maxLockoutSeconds)
}

// AuthFailureState reads the failure counter for key and derives the
// current lockout. Failures older than the window do not count.
func (s *CounterStore) AuthFailureState(ctx context.Context, key string, windowSeconds int, now time.Time) (AuthFailureState, error) {
	doc, err := s.docs.Read(ctx, key, key)
	if errors.Is(err, docstore.ErrNotFound) {
		return AuthFailureState{}, nil
	}
	if err != nil {
		return AuthFailureState{}, err
	}

	var failure authFailureDocument
	if err := json.Unmarshal(doc.Data, &failure); err != nil {
		return AuthFailureState{}, err
	}

	cutoff := now.Add(-time.Duration(windowSeconds) * time.Second)
	if failure.LastFailureAt.Before(cutoff) {
		return AuthFailureState{}, nil
	}

	lockout := lockoutSeconds(failure.Count)
	lockedUntilMs := failure.LastFailureAt.UnixMilli() + int64(lockout)*msPerSecond
	remaining := 0
	if lockedUntilMs > now.UnixMilli() {
		remaining = int(ceilDiv(lockedUntilMs-now.UnixMilli(), msPerSecond))
	}

	return AuthFailureState{
		Count:                   failure.Count,
		LastFailureAt:           failure.LastFailureAt,
		LockoutSeconds:          lockout,
		RemainingLockoutSeconds: remaining,
		LockedUntilMs:           lockedUntilMs,
	}, nil
}

// AuthFailureIncrement is the outcome of recording one failure.
type AuthFailureIncrement struct {
	Count          int
	LockoutSeconds int
	LastFailureAt  time.Time
}

// IncrementAuthFailure records an authentication failure for key. The
// count restarts at 1 when the previous failure fell outside the
// window, otherwise it grows by one and the lockout doubles.
func (s *CounterStore) IncrementAuthFailure(ctx context.Context, key string, windowSeconds int, now time.Time) (AuthFailureIncrement, error) {
	doc, err := s.docs.Read(ctx, key, key)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return AuthFailureIncrement{}, err
	}

	nextCount := 1
	if err == nil {
		var failure authFailureDocument
		if err := json.Unmarshal(doc.Data, &failure); err != nil {
			return AuthFailureIncrement{}, err
		}
		cutoff := now.Add(-time.Duration(windowSeconds) * time.Second)
		if !failure.LastFailureAt.Before(cutoff) {
			nextCount = failure.Count + 1
		}
	}

	data, marshalErr := json.Marshal(authFailureDocument{
		Key:           key,
		Count:         nextCount,
		LastFailureAt: now,
	})
	if marshalErr != nil {
		return AuthFailureIncrement{}, marshalErr
	}
	out := docstore.Document{
		ID:           key,
		PartitionKey: key,
		Data:         data,
		TTLSeconds:   windowSeconds * 2,
	}

	if doc.ETag != "" {
		_, err = s.docs.Replace(ctx, out, doc.ETag)
	} else {
		_, err = s.docs.Upsert(ctx, out)
	}
	if err != nil {
		return AuthFailureIncrement{}, err
	}

	return AuthFailureIncrement{
		Count:          nextCount,
		LockoutSeconds: lockoutSeconds(nextCount),
		LastFailureAt:  now,
	}, nil
}

// ResetAuthFailures clears the failure counter for key, tolerating a
// counter that never existed.
func (s *CounterStore) ResetAuthFailures(ctx context.Context, key string) error {
	err := s.docs.Delete(ctx, key, key)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	return err
}
