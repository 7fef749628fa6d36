// Package auth parses bearer tokens and exposes the user-id
// derivation the rate-limit policies key on.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// UserIDContextKey is where the middleware stores the authenticated
// subject in the gin context.
const UserIDContextKey = "userID"

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid or expired token")
)

// TokenParser validates HMAC-signed JWTs.
type TokenParser struct {
	secret []byte
}

// NewTokenParser constructs a parser for the given signing secret.
func NewTokenParser(secret string) *TokenParser {
	return &TokenParser{secret: []byte(secret)}
}

// Subject validates the token and returns its sub claim.
func (p *TokenParser) Subject(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return p.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}

// SubjectFromRequest extracts and validates the Authorization bearer
// token, returning the subject.
func (p *TokenParser) SubjectFromRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMissingToken
	}
	return p.Subject(token)
}

// DeriveUserID adapts the parser to the rate-limit policy contract.
// An absent token yields an anonymous request, not an error.
func (p *TokenParser) DeriveUserID(c *gin.Context) (string, error) {
	sub, err := p.SubjectFromRequest(c.Request)
	if errors.Is(err, ErrMissingToken) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return sub, nil
}

// Middleware enforces authentication on protected routes, storing the
// subject in the context for handlers.
func Middleware(parser *TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		sub, err := parser.SubjectFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "UNAUTHORIZED",
					"message": "Invalid or missing token",
				},
			})
			return
		}
		c.Set(UserIDContextKey, sub)
		c.Next()
	}
}
