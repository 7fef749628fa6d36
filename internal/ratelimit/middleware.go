package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rategate/internal/tracing"
)

// defaultStoreTimeout bounds every counter-store operation issued on
// behalf of a request. Deliberately explicit rather than inheriting
// whatever the driver defaults to.
const defaultStoreTimeout = 2 * time.Second

// MiddlewareOptions wires the middleware's collaborators.
type MiddlewareOptions struct {
	// Enabled is the global kill switch. When false every request
	// bypasses evaluation entirely.
	Enabled bool

	Store    *CounterStore
	Policies PolicyResolver
	Hasher   *KeyHasher

	// Metrics may be nil to disable emission.
	Metrics *Metrics

	Logger *zap.Logger

	// StoreTimeout bounds each store operation; zero means the
	// default of 2s.
	StoreTimeout time.Duration
}

// headerInfo is the per-rule material for X-RateLimit-* headers.
type headerInfo struct {
	limit            int
	remaining        float64
	windowSeconds    int
	resetUnixSeconds int64
	scope            Scope
	keyKind          Scope
}

// blockContext describes the decision that produced a 429.
type blockContext struct {
	scope             Scope
	limit             int
	windowSeconds     int
	retryAfterSeconds int
	resetUnixSeconds  int64
	keyKind           Scope
}

// Middleware returns the rate-limiting gin middleware.
//
// Per request it resolves the policy, checks the auth-failure lockout,
// evaluates each rule in declared order against the counter store,
// and either aborts with 429 or stamps the tightest rule's headers
// and forwards to the handler. After the handler responds it performs
// best-effort auth-failure bookkeeping.
//
// Store failures during rule evaluation abort the request with a
// generic server error: a degraded counter store degrades availability
// of protected routes, never their protection.
func Middleware(opts MiddlewareOptions) gin.HandlerFunc {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	storeTimeout := opts.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}

	return func(c *gin.Context) {
		if !opts.Enabled || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		policy := opts.Policies(c)
		if policy == nil || len(policy.Limits) == 0 {
			c.Next()
			return
		}

		now := time.Now()
		rc := newRequestContext(c, policy, opts.Hasher, now, logger)

		if policy.AuthBackoff != nil {
			lock, err := activeAuthLock(c.Request.Context(), opts.Store, policy.AuthBackoff, &rc, storeTimeout)
			if err != nil {
				abortStoreFailure(c, logger, policy, err)
				return
			}
			if lock != nil {
				block := blockContext{
					scope:             ScopeAuthBackoff,
					limit:             policy.AuthBackoff.Limit,
					windowSeconds:     policy.AuthBackoff.WindowSeconds,
					retryAfterSeconds: lock.state.RemainingLockoutSeconds,
					resetUnixSeconds:  ceilDiv(lock.state.LockedUntilMs, msPerSecond),
					keyKind:           lock.scope,
				}
				opts.Metrics.recordBlocked(policy.RouteID, block.scope, block.keyKind, policy.Name)
				opts.Metrics.recordBackoffApplied(policy.RouteID, block.retryAfterSeconds)
				logger.Info("auth backoff lock applied",
					zap.String("route", policy.RouteID),
					zap.String("key_kind", string(block.keyKind)),
					zap.Int("retry_after_seconds", block.retryAfterSeconds),
				)
				write429(c, block)
				return
			}
		}

		var headers []headerInfo
		var block *blockContext

		for _, rule := range policy.Limits {
			key := rule.Key(&rc)
			if key == "" {
				continue
			}

			if rule.SlidingWindow != nil {
				result, err := applyWithTimeout(c.Request.Context(), storeTimeout,
					func(ctx context.Context) (SlidingWindowEvaluation, error) {
						return opts.Store.ApplySlidingWindowLimit(ctx, key, *rule.SlidingWindow, now)
					})
				if err != nil {
					abortStoreFailure(c, logger, policy, err)
					return
				}
				headers = append(headers, headerFromSliding(rule, result))
				if result.Blocked {
					block = &blockContext{
						scope:             rule.Scope,
						limit:             result.Limit,
						windowSeconds:     result.WindowSeconds,
						retryAfterSeconds: result.RetryAfterSeconds,
						resetUnixSeconds:  ceilDiv(result.ResetAtMs, msPerSecond),
						keyKind:           rule.Scope,
					}
					break
				}
			}

			if rule.TokenBucket != nil {
				result, err := applyWithTimeout(c.Request.Context(), storeTimeout,
					func(ctx context.Context) (TokenBucketEvaluation, error) {
						return opts.Store.ApplyTokenBucketLimit(ctx, key, *rule.TokenBucket, now)
					})
				if err != nil {
					abortStoreFailure(c, logger, policy, err)
					return
				}
				headers = append(headers, headerFromToken(rule, result))
				if !result.Allowed {
					block = &blockContext{
						scope:             rule.Scope,
						limit:             tokenBucketLimit(rule.TokenBucket),
						windowSeconds:     tokenBucketWindow(rule.TokenBucket),
						retryAfterSeconds: result.RetryAfterSeconds,
						resetUnixSeconds:  ceilDiv(result.ResetAtMs, msPerSecond),
						keyKind:           rule.Scope,
					}
					break
				}
			}
		}

		if block != nil {
			opts.Metrics.recordBlocked(policy.RouteID, block.scope, block.keyKind, policy.Name)
			logger.Info("rate limit exceeded",
				zap.String("route", policy.RouteID),
				zap.String("policy", policy.Name),
				zap.String("scope", string(block.scope)),
				zap.Int("retry_after_seconds", block.retryAfterSeconds),
			)
			write429(c, *block)
			return
		}

		if selected := selectHeader(headers); selected != nil {
			applyHeaders(c, *selected)
			opts.Metrics.recordAllowed(policy.RouteID, selected.scope, selected.keyKind, policy.Name)
		}

		c.Next()

		if policy.AuthBackoff != nil {
			recordAuthOutcome(c, opts.Store, policy.AuthBackoff, &rc, storeTimeout, logger)
		}
	}
}

// applyWithTimeout runs one store operation under its own deadline
// derived from the request context.
func applyWithTimeout[T any](parent context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return fn(ctx)
}

type authLock struct {
	scope Scope
	state AuthFailureState
}

// activeAuthLock checks the IP- and user-scoped failure counters and
// returns the lock with the larger remaining lockout, or nil when
// neither is locked.
func activeAuthLock(parent context.Context, store *CounterStore, backoff *AuthBackoffPolicy, rc *RequestContext, timeout time.Duration) (*authLock, error) {
	var locks []authLock

	if backoff.IPKey != nil {
		if key := backoff.IPKey(rc); key != "" {
			state, err := applyWithTimeout(parent, timeout, func(ctx context.Context) (AuthFailureState, error) {
				return store.AuthFailureState(ctx, key, backoff.WindowSeconds, rc.Now)
			})
			if err != nil {
				return nil, err
			}
			locks = append(locks, authLock{scope: ScopeIP, state: state})
		}
	}
	if backoff.UserKey != nil {
		if key := backoff.UserKey(rc); key != "" {
			state, err := applyWithTimeout(parent, timeout, func(ctx context.Context) (AuthFailureState, error) {
				return store.AuthFailureState(ctx, key, backoff.WindowSeconds, rc.Now)
			})
			if err != nil {
				return nil, err
			}
			locks = append(locks, authLock{scope: ScopeUser, state: state})
		}
	}

	var active *authLock
	for i := range locks {
		if locks[i].state.RemainingLockoutSeconds <= 0 {
			continue
		}
		if active == nil || locks[i].state.RemainingLockoutSeconds > active.state.RemainingLockoutSeconds {
			active = &locks[i]
		}
	}
	return active, nil
}

// recordAuthOutcome increments or resets the failure counters based
// on the handler's response status. All writes run concurrently and
// are best-effort: failures are logged and swallowed, never surfaced.
func recordAuthOutcome(c *gin.Context, store *CounterStore, backoff *AuthBackoffPolicy, rc *RequestContext, timeout time.Duration, logger *zap.Logger) {
	status := c.Writer.Status()

	var ops []func(context.Context) error
	collect := func(resolver KeyResolver, op func(ctx context.Context, key string) error) {
		if resolver == nil {
			return
		}
		key := resolver(rc)
		if key == "" {
			return
		}
		ops = append(ops, func(ctx context.Context) error { return op(ctx, key) })
	}

	switch {
	case statusIn(status, failureStatuses(backoff)):
		increment := func(ctx context.Context, key string) error {
			_, err := store.IncrementAuthFailure(ctx, key, backoff.WindowSeconds, rc.Now)
			return err
		}
		collect(backoff.IPKey, increment)
		collect(backoff.UserKey, increment)
	case backoff.ResetOnSuccess && status >= 200 && status < 300:
		collect(backoff.IPKey, store.ResetAuthFailures)
		collect(backoff.UserKey, store.ResetAuthFailures)
	default:
		return
	}

	// The request context may already be winding down; bookkeeping
	// still gets its own bounded lifetime.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, op := range ops {
		wg.Add(1)
		go func(op func(context.Context) error) {
			defer wg.Done()
			if err := op(ctx); err != nil {
				logger.Warn("auth failure bookkeeping failed",
					zap.String("route", rc.RouteID),
					zap.Error(err),
				)
			}
		}(op)
	}
	wg.Wait()
}

func failureStatuses(backoff *AuthBackoffPolicy) []int {
	if len(backoff.FailureStatusCodes) > 0 {
		return backoff.FailureStatusCodes
	}
	return defaultFailureStatusCodes
}

func statusIn(status int, statuses []int) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func tokenBucketWindow(cfg *TokenBucketRuleConfig) int {
	if cfg.WindowSeconds > 0 {
		return cfg.WindowSeconds
	}
	if cfg.RefillRatePerSecond > 0 {
		return int(math.Ceil(cfg.Capacity / cfg.RefillRatePerSecond))
	}
	return 60
}

func tokenBucketLimit(cfg *TokenBucketRuleConfig) int {
	if cfg.LimitOverride > 0 {
		return cfg.LimitOverride
	}
	return int(cfg.Capacity)
}

func headerFromSliding(rule Rule, result SlidingWindowEvaluation) headerInfo {
	return headerInfo{
		limit:            result.Limit,
		remaining:        float64(result.Remaining),
		windowSeconds:    result.WindowSeconds,
		resetUnixSeconds: ceilDiv(result.ResetAtMs, msPerSecond),
		scope:            rule.Scope,
		keyKind:          rule.Scope,
	}
}

func headerFromToken(rule Rule, result TokenBucketEvaluation) headerInfo {
	return headerInfo{
		limit:            tokenBucketLimit(rule.TokenBucket),
		remaining:        math.Max(result.RemainingTokens, 0),
		windowSeconds:    tokenBucketWindow(rule.TokenBucket),
		resetUnixSeconds: ceilDiv(result.ResetAtMs, msPerSecond),
		scope:            rule.Scope,
		keyKind:          rule.Scope,
	}
}

// selectHeader picks the tightest rule among those evaluated: the
// smallest remaining, ties broken by the smallest limit.
func selectHeader(headers []headerInfo) *headerInfo {
	var selected *headerInfo
	for i := range headers {
		current := &headers[i]
		if selected == nil ||
			current.remaining < selected.remaining ||
			(current.remaining == selected.remaining && current.limit < selected.limit) {
			selected = current
		}
	}
	return selected
}

func applyHeaders(c *gin.Context, header headerInfo) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(max(header.limit, 0)))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(max(int(math.Floor(header.remaining)), 0)))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(max(header.resetUnixSeconds, 0), 10))
}

func write429(c *gin.Context, block blockContext) {
	c.Header("Retry-After", strconv.Itoa(max(block.retryAfterSeconds, 0)))
	c.Header("X-RateLimit-Limit", strconv.Itoa(max(block.limit, 0)))
	c.Header("X-RateLimit-Remaining", "0")
	c.Header("X-RateLimit-Reset", strconv.FormatInt(max(block.resetUnixSeconds, 0), 10))

	var traceID any
	if id := tracing.RequestTraceID(c); id != "" {
		traceID = id
	}

	body := gin.H{
		"error":               "rate_limited",
		"scope":               block.scope,
		"limit":               block.limit,
		"window_seconds":      block.windowSeconds,
		"retry_after_seconds": block.retryAfterSeconds,
		"trace_id":            traceID,
	}
	if block.scope == ScopeAuthBackoff {
		body["reason"] = "auth_backoff"
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, body)
}

// abortStoreFailure fails the request closed on a counter-store
// error. The response is indistinguishable from any other backend
// failure; the request is never implicitly allowed.
func abortStoreFailure(c *gin.Context, logger *zap.Logger, policy *Policy, err error) {
	logger.Error("rate limit evaluation failed",
		zap.String("route", policy.RouteID),
		zap.String("policy", policy.Name),
		zap.Error(err),
	)
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error": gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "Internal server error",
		},
	})
}
