package ratelimit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/gin-gonic/gin"
)

// Proxy headers consulted for the real client address, in order of
// trust. x-forwarded-for may carry a chain; only the first hop counts.
var clientIPHeaders = []string{
	"CF-Connecting-IP",
	"X-Forwarded-For",
	"X-Real-IP",
	"X-Client-IP",
}

// KeyHasher hashes client identifiers with a keyed HMAC so raw IP
// addresses never reach the counter store.
type KeyHasher struct {
	salt []byte
}

// NewKeyHasher constructs a hasher with the given salt. The salt must
// be stable across instances: every handler replica has to derive the
// same key for the same client.
func NewKeyHasher(salt string) *KeyHasher {
	return &KeyHasher{salt: []byte(salt)}
}

// HashIP returns the hex HMAC-SHA256 of the normalized address.
func (h *KeyHasher) HashIP(ip string) string {
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(ip))))
	return hex.EncodeToString(mac.Sum(nil))
}

// ClientIP extracts the client address from proxy headers, falling
// back to gin's own resolution. Returns "" when nothing is usable.
func ClientIP(c *gin.Context) string {
	for _, header := range clientIPHeaders {
		raw := c.GetHeader(header)
		if raw == "" {
			continue
		}
		if header == "X-Forwarded-For" {
			if first, _, found := strings.Cut(raw, ","); found || first != "" {
				return strings.TrimSpace(first)
			}
			continue
		}
		return strings.TrimSpace(raw)
	}
	return c.ClientIP()
}

// Key builders. Every counter key is namespaced by its scope so the
// same identifier never collides across scopes.

func ipKeyFromHash(ipHash string) string { return "ip:" + ipHash }

func userKey(userID string) string { return "user:" + userID }

func routeUserKey(routeID, userID string) string {
	return "route:" + routeID + ":user:" + userID
}

func routeIPKey(routeID, ipHash string) string {
	return "route:" + routeID + ":ip:" + ipHash
}

func authFailureIPKey(ipHash string) string { return "authfail:" + ipHash }

func authFailureUserKey(userID string) string { return "authfail_user:" + userID }
