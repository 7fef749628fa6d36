package ratelimit

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestContext is the immutable per-request view the key resolvers
// and backoff checks work from. It is fully built before any rule is
// evaluated; in particular the user id is derived up front rather than
// patched in later.
type RequestContext struct {
	RouteID    string
	PolicyName string

	// HashedIP is the HMAC of the client address, "" when the address
	// could not be determined.
	HashedIP string

	// UserID is the authenticated subject, "" for anonymous requests
	// or when derivation failed.
	UserID string

	Now time.Time
}

// newRequestContext resolves the client address and, when the policy
// asks for it, the user identity. Derivation failures are non-fatal:
// the request simply carries no user scope.
func newRequestContext(c *gin.Context, policy *Policy, hasher *KeyHasher, now time.Time, logger *zap.Logger) RequestContext {
	hashedIP := ""
	if ip := ClientIP(c); ip != "" {
		hashedIP = hasher.HashIP(ip)
	}

	userID := ""
	if policy.DeriveUserID != nil {
		id, err := policy.DeriveUserID(c)
		if err != nil {
			logger.Debug("user id derivation failed, treating request as anonymous",
				zap.String("route", policy.RouteID),
				zap.Error(err),
			)
		} else {
			userID = id
		}
	}

	return RequestContext{
		RouteID:    policy.RouteID,
		PolicyName: policy.Name,
		HashedIP:   hashedIP,
		UserID:     userID,
		Now:        now,
	}
}
