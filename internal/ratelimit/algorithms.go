// Package ratelimit implements distributed request rate limiting:
// pure counting algorithms, a durable counter store over a document
// database, per-route policies, and the gin middleware that ties them
// together.
package ratelimit

import (
	"math"
	"sort"
	"time"
)

const msPerSecond = 1000

// unboundedRetrySeconds is reported when a token bucket can never
// refill (refill rate <= 0).
const unboundedRetrySeconds = math.MaxInt32

// SlidingWindowConfig parameterizes a sliding-window evaluation.
type SlidingWindowConfig struct {
	Limit         int
	WindowSeconds int
}

// SlidingWindowBucket is one fixed-size time slice's request count.
type SlidingWindowBucket struct {
	BucketStartMs     int64
	BucketSizeSeconds int
	Count             int
}

// SlidingWindowEvaluation is the derived decision for one window.
type SlidingWindowEvaluation struct {
	Total             int
	Limit             int
	WindowSeconds     int
	Remaining         int
	Blocked           bool
	RetryAfterSeconds int
	ResetAtMs         int64
}

// EvaluateSlidingWindow sums the bucket counts still inside the
// trailing window and derives the allow/block decision.
//
// Buckets whose slice has fully aged out of the window contribute
// nothing. When blocked, the retry time is set by the first bucket
// whose cumulative count crosses the limit: once that bucket expires,
// enough room opens for the request to pass.
func EvaluateSlidingWindow(buckets []SlidingWindowBucket, config SlidingWindowConfig, now time.Time) SlidingWindowEvaluation {
	nowMs := now.UnixMilli()
	windowMs := int64(config.WindowSeconds) * msPerSecond
	windowStartBoundary := nowMs - windowMs

	relevant := make([]SlidingWindowBucket, 0, len(buckets))
	for _, b := range buckets {
		if b.BucketStartMs+int64(b.BucketSizeSeconds)*msPerSecond > windowStartBoundary {
			relevant = append(relevant, b)
		}
	}
	sort.Slice(relevant, func(i, j int) bool {
		return relevant[i].BucketStartMs < relevant[j].BucketStartMs
	})

	total := 0
	var retryAfterMs int64
	lastExpiryMs := nowMs

	for _, b := range relevant {
		total += b.Count
		bucketExpiry := b.BucketStartMs + windowMs
		if bucketExpiry > lastExpiryMs {
			lastExpiryMs = bucketExpiry
		}
		if retryAfterMs == 0 && total > config.Limit {
			retryAfterMs = max(bucketExpiry-nowMs, 0)
		}
	}

	blocked := total > config.Limit
	remaining := 0
	if !blocked {
		remaining = max(config.Limit-total, 0)
	}

	retryAfterSeconds := 0
	resetAtMs := lastExpiryMs
	if blocked {
		retryAfterSeconds = int(ceilDiv(retryAfterMs, msPerSecond))
		resetAtMs = nowMs + int64(retryAfterSeconds)*msPerSecond
	}

	return SlidingWindowEvaluation{
		Total:             total,
		Limit:             config.Limit,
		WindowSeconds:     config.WindowSeconds,
		Remaining:         remaining,
		Blocked:           blocked,
		RetryAfterSeconds: retryAfterSeconds,
		ResetAtMs:         resetAtMs,
	}
}

// TokenBucketConfig parameterizes a token-bucket evaluation.
type TokenBucketConfig struct {
	Capacity            float64
	RefillRatePerSecond float64
}

// TokenBucketState is the persisted bucket state for one key.
type TokenBucketState struct {
	Tokens    float64   `json:"tokens"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TokenBucketEvaluation is the decision plus the state to persist.
// Callers write State back even when the request is blocked so that
// tokens accrued by the refill are never lost.
type TokenBucketEvaluation struct {
	Allowed           bool
	RemainingTokens   float64
	RetryAfterSeconds int
	ResetAtMs         int64
	State             TokenBucketState
}

// ApplyTokenBucket refills the bucket for the time elapsed since the
// previous state and attempts to deduct cost tokens. A nil state means
// no prior activity and starts the bucket at full capacity.
func ApplyTokenBucket(state *TokenBucketState, config TokenBucketConfig, cost float64, now time.Time) TokenBucketEvaluation {
	nowMs := now.UnixMilli()

	tokens := config.Capacity
	if state != nil {
		tokens = state.Tokens
		if math.IsNaN(tokens) || math.IsInf(tokens, 0) || tokens < 0 {
			tokens = config.Capacity
		}
		if state.UpdatedAt.IsZero() {
			tokens = config.Capacity
		} else if elapsed := now.Sub(state.UpdatedAt).Seconds(); elapsed > 0 {
			tokens = math.Min(config.Capacity, tokens+elapsed*config.RefillRatePerSecond)
		}
	}

	allowed := tokens >= cost
	balance := tokens
	if allowed {
		balance = tokens - cost
	}
	balance = math.Max(balance, 0)

	retryAfterSeconds := 0
	if !allowed {
		deficit := cost - tokens
		if config.RefillRatePerSecond > 0 {
			retryAfterSeconds = int(math.Ceil(deficit / config.RefillRatePerSecond))
		} else {
			retryAfterSeconds = unboundedRetrySeconds
		}
	}

	resetAtMs := nowMs
	if retryAfterSeconds > 0 {
		resetAtMs = nowMs + int64(retryAfterSeconds)*msPerSecond
	}

	return TokenBucketEvaluation{
		Allowed:           allowed,
		RemainingTokens:   balance,
		RetryAfterSeconds: retryAfterSeconds,
		ResetAtMs:         resetAtMs,
		State: TokenBucketState{
			Tokens:    balance,
			UpdatedAt: now,
		},
	}
}

func ceilDiv(n, d int64) int64 {
	return (n + d - 1) / d
}
