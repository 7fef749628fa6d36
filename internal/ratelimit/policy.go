package ratelimit

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// Scope is the dimension a rule limits against.
type Scope string

const (
	ScopeIP    Scope = "ip"
	ScopeUser  Scope = "user"
	ScopeRoute Scope = "route"

	// ScopeAuthBackoff marks blocks produced by the auth-failure
	// lockout rather than by a configured rule.
	ScopeAuthBackoff Scope = "auth_backoff"
)

// KeyResolver derives the counter key for a rule from the request
// context. Returning "" skips the rule for this request.
type KeyResolver func(rc *RequestContext) string

// UserIDDeriver resolves the authenticated subject for a request.
type UserIDDeriver func(c *gin.Context) (string, error)

// SlidingWindowRuleConfig attaches a sliding-window algorithm to a
// rule. Amount and BucketSizeSeconds default to 1 when zero.
type SlidingWindowRuleConfig struct {
	Limit             int
	WindowSeconds     int
	Amount            int
	BucketSizeSeconds int
}

// TokenBucketRuleConfig attaches a token-bucket algorithm to a rule.
type TokenBucketRuleConfig struct {
	Capacity            float64
	RefillRatePerSecond float64

	// Cost defaults to 1 when zero.
	Cost float64

	// WindowSeconds is the nominal window reported in headers; when
	// zero it is derived from capacity and refill rate.
	WindowSeconds int

	// LimitOverride replaces the capacity in reported headers so a
	// burst allowance can advertise its paired sliding-window limit.
	LimitOverride int
}

// Rule is one independently-scoped limit. A rule with neither
// algorithm configured is inert and skipped at evaluation time.
type Rule struct {
	ID            string
	Scope         Scope
	Key           KeyResolver
	SlidingWindow *SlidingWindowRuleConfig
	TokenBucket   *TokenBucketRuleConfig
}

// AuthBackoffPolicy configures the escalating lockout applied after
// repeated authentication failures, tracked independently per IP and
// per user.
type AuthBackoffPolicy struct {
	Limit              int
	WindowSeconds      int
	FailureStatusCodes []int
	IPKey              KeyResolver
	UserKey            KeyResolver
	ResetOnSuccess     bool
}

// Policy is the full rate-limit configuration for one route.
type Policy struct {
	Name         string
	RouteID      string
	Limits       []Rule
	DeriveUserID UserIDDeriver
	AuthBackoff  *AuthBackoffPolicy
}

// PolicyResolver maps a live request to its policy. A nil result
// disables limiting for the request entirely.
type PolicyResolver func(c *gin.Context) *Policy

// Default limits, matching production policy. All rates are per the
// stated window.
const (
	globalIPLimit     = 120
	globalIPWindow    = 60
	globalUserLimit   = 240
	globalUserWindow  = 60
	writeUserLimit    = 30
	writeUserWindow   = 60
	writeUserBurst    = 10
	anonIPLimit       = 60
	anonIPWindow      = 60
	authBaseLimit     = 20
	authBaseWindow    = 60
	authFailureWindow = 30 * 60
)

var defaultFailureStatusCodes = []int{400, 401, 403}

// Rule builders. Each returns a self-contained rule; policies compose
// them in declaration order, which is also evaluation order.

func globalIPRule(routeID string) Rule {
	return Rule{
		ID:    routeID + "-global-ip",
		Scope: ScopeIP,
		Key: func(rc *RequestContext) string {
			if rc.HashedIP == "" {
				return ""
			}
			return ipKeyFromHash(rc.HashedIP)
		},
		SlidingWindow: &SlidingWindowRuleConfig{Limit: globalIPLimit, WindowSeconds: globalIPWindow},
	}
}

func globalUserRule(routeID string) Rule {
	return Rule{
		ID:    routeID + "-global-user",
		Scope: ScopeUser,
		Key: func(rc *RequestContext) string {
			if rc.UserID == "" {
				return ""
			}
			return userKey(rc.UserID)
		},
		SlidingWindow: &SlidingWindowRuleConfig{Limit: globalUserLimit, WindowSeconds: globalUserWindow},
	}
}

// routeUserRule limits one route per user, optionally paired with a
// token-bucket burst allowance refilling at the same nominal rate.
func routeUserRule(routeID string, limit, windowSeconds, burst int) Rule {
	rule := Rule{
		ID:    routeID + "-route-user",
		Scope: ScopeRoute,
		Key: func(rc *RequestContext) string {
			if rc.UserID == "" {
				return ""
			}
			return routeUserKey(routeID, rc.UserID)
		},
		SlidingWindow: &SlidingWindowRuleConfig{Limit: limit, WindowSeconds: windowSeconds},
	}
	if burst > 0 {
		rule.TokenBucket = &TokenBucketRuleConfig{
			Capacity:            float64(burst),
			RefillRatePerSecond: float64(limit) / float64(windowSeconds),
			WindowSeconds:       windowSeconds,
			LimitOverride:       limit,
		}
	}
	return rule
}

func routeIPRule(routeID string, limit, windowSeconds int) Rule {
	return Rule{
		ID:    routeID + "-route-ip",
		Scope: ScopeRoute,
		Key: func(rc *RequestContext) string {
			if rc.HashedIP == "" {
				return ""
			}
			return routeIPKey(routeID, rc.HashedIP)
		},
		SlidingWindow: &SlidingWindowRuleConfig{Limit: limit, WindowSeconds: windowSeconds},
	}
}

func authFailureIPResolver() KeyResolver {
	return func(rc *RequestContext) string {
		if rc.HashedIP == "" {
			return ""
		}
		return authFailureIPKey(rc.HashedIP)
	}
}

func authFailureUserResolver() KeyResolver {
	return func(rc *RequestContext) string {
		if rc.UserID == "" {
			return ""
		}
		return authFailureUserKey(rc.UserID)
	}
}

// Registry builds policies for routes. The user-id deriver is shared
// across all policies that need an authenticated scope.
type Registry struct {
	deriveUserID             UserIDDeriver
	authFailureWindowSeconds int
}

// NewRegistry constructs a registry. deriveUserID may be nil, in which
// case user-scoped rules never match.
func NewRegistry(deriveUserID UserIDDeriver) *Registry {
	return &Registry{
		deriveUserID:             deriveUserID,
		authFailureWindowSeconds: authFailureWindow,
	}
}

// SetAuthFailureWindow overrides the auth-failure tracking window.
// Non-positive values are ignored.
func (r *Registry) SetAuthFailureWindow(seconds int) {
	if seconds > 0 {
		r.authFailureWindowSeconds = seconds
	}
}

// GenericPolicy applies the global user and IP limits.
func (r *Registry) GenericPolicy(routeID string) *Policy {
	return &Policy{
		Name:         routeID + "-generic",
		RouteID:      routeID,
		Limits:       []Rule{globalUserRule(routeID), globalIPRule(routeID)},
		DeriveUserID: r.deriveUserID,
	}
}

// AnonymousPolicy limits purely by IP, for routes without identity.
func (r *Registry) AnonymousPolicy(routeID string, limit int) *Policy {
	if limit <= 0 {
		limit = anonIPLimit
	}
	return &Policy{
		Name:    routeID + "-anonymous",
		RouteID: routeID,
		Limits:  []Rule{routeIPRule(routeID, limit, anonIPWindow), globalIPRule(routeID)},
	}
}

// AuthenticatedPolicy adds a per-route-per-user limit on top of the
// global limits.
func (r *Registry) AuthenticatedPolicy(routeID string) *Policy {
	return &Policy{
		Name:    routeID + "-auth",
		RouteID: routeID,
		Limits: []Rule{
			routeUserRule(routeID, globalUserLimit, globalUserWindow, 0),
			globalUserRule(routeID),
			globalIPRule(routeID),
		},
		DeriveUserID: r.deriveUserID,
	}
}

// WritePolicy is the tight limit for mutating routes, with a small
// burst allowance.
func (r *Registry) WritePolicy(routeID string) *Policy {
	return &Policy{
		Name:    routeID + "-write",
		RouteID: routeID,
		Limits: []Rule{
			routeUserRule(routeID, writeUserLimit, writeUserWindow, writeUserBurst),
			globalUserRule(routeID),
			globalIPRule(routeID),
		},
		DeriveUserID: r.deriveUserID,
	}
}

// AuthEndpointPolicy protects credential-accepting routes with both
// tight per-IP limits and the exponential auth-failure backoff.
func (r *Registry) AuthEndpointPolicy(routeID string) *Policy {
	return &Policy{
		Name:    routeID + "-auth-endpoint",
		RouteID: routeID,
		Limits: []Rule{
			routeIPRule(routeID, authBaseLimit, authBaseWindow),
			globalUserRule(routeID),
			globalIPRule(routeID),
		},
		DeriveUserID: r.deriveUserID,
		AuthBackoff: &AuthBackoffPolicy{
			Limit:              authBaseLimit,
			WindowSeconds:      r.authFailureWindowSeconds,
			FailureStatusCodes: defaultFailureStatusCodes,
			IPKey:              authFailureIPResolver(),
			UserKey:            authFailureUserResolver(),
			ResetOnSuccess:     true,
		},
	}
}

// PolicyFor maps a normalized route path and method to its policy.
func (r *Registry) PolicyFor(path, method string) *Policy {
	switch normalizePath(path) {
	case "feed":
		return r.AnonymousPolicy("feed", 0)
	case "post":
		return r.WritePolicy("post")
	case "moderation/flag":
		return r.WritePolicy("moderation/flag")
	case "moderation/appeals":
		if strings.EqualFold(method, "POST") {
			return r.WritePolicy("moderation/appeals")
		}
		return r.AuthenticatedPolicy("moderation/appeals")
	case "moderation/appeals/{appealId}/vote":
		return r.WritePolicy("moderation/appeals/vote")
	case "user/export":
		return r.WritePolicy("user/export")
	case "user/delete":
		return r.WritePolicy("user/delete")
	case "auth/token", "auth/authorize":
		return r.AuthEndpointPolicy(normalizePath(path))
	case "auth/userinfo":
		return r.AuthenticatedPolicy("auth/userinfo")
	case "auth/config", "auth/ping":
		return r.AnonymousPolicy(normalizePath(path), 0)
	case "health":
		return r.AnonymousPolicy("health", anonIPLimit)
	case "":
		return r.GenericPolicy("unknown")
	default:
		return r.GenericPolicy(normalizePath(path))
	}
}

// Resolver adapts the registry to the middleware's resolution
// contract, stripping the API base path before lookup.
func (r *Registry) Resolver(basePath string) PolicyResolver {
	prefix := strings.Trim(basePath, "/")
	return func(c *gin.Context) *Policy {
		path := strings.TrimPrefix(c.Request.URL.Path, "/")
		if prefix != "" {
			path = strings.TrimPrefix(path, prefix+"/")
		}
		return r.PolicyFor(path, c.Request.Method)
	}
}

// normalizePath collapses parameterized segments so all appeal votes
// share one route id.
func normalizePath(path string) string {
	path = strings.Trim(path, "/")
	if strings.HasPrefix(path, "moderation/appeals/") && strings.HasSuffix(path, "/vote") {
		return "moderation/appeals/{appealId}/vote"
	}
	return path
}
