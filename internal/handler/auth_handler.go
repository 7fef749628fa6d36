package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"rategate/internal/auth"
	"rategate/internal/response"
)

// AuthHandler serves the credential endpoints protected by the
// auth-failure backoff.
type AuthHandler struct {
	secret     []byte
	tokenTTL   time.Duration
	verifyUser func(username, password string) bool
	logger     *zap.Logger
}

// NewAuthHandler creates an auth handler. verifyUser may be nil, in
// which case all credentials are rejected.
func NewAuthHandler(secret string, verifyUser func(username, password string) bool, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		secret:     []byte(secret),
		tokenTTL:   time.Hour,
		verifyUser: verifyUser,
		logger:     logger,
	}
}

type tokenRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// IssueToken exchanges credentials for a signed JWT. Failures return
// 401 and feed the auth-failure backoff.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "username and password are required")
		return
	}

	if h.verifyUser == nil || !h.verifyUser(req.Username, req.Password) {
		h.logger.Warn("Credential check failed", zap.String("username", req.Username))
		response.Unauthorized(c, "Invalid credentials")
		return
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": req.Username,
		"iat": now.Unix(),
		"exp": now.Add(h.tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(h.secret)
	if err != nil {
		h.logger.Error("Token signing failed", zap.Error(err))
		response.InternalError(c, "Failed to issue token")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"accessToken": signed,
		"tokenType":   "Bearer",
		"expiresIn":   int(h.tokenTTL.Seconds()),
	})
}

// Authorize validates a bearer token, mirroring an OAuth authorize
// check. Invalid tokens return 401 and feed the backoff.
func (h *AuthHandler) Authorize(c *gin.Context) {
	parser := auth.NewTokenParser(string(h.secret))
	sub, err := parser.SubjectFromRequest(c.Request)
	if err != nil {
		response.Unauthorized(c, "Invalid or missing token")
		return
	}
	response.Success(c, http.StatusOK, gin.H{"sub": sub, "active": true})
}

// UserInfo returns the authenticated subject's claims.
func (h *AuthHandler) UserInfo(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{
		"sub": c.GetString(auth.UserIDContextKey),
	})
}

// AuthConfig advertises the public auth configuration.
func (h *AuthHandler) AuthConfig(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{
		"tokenEndpoint":    "/api/auth/token",
		"userinfoEndpoint": "/api/auth/userinfo",
		"tokenTTLSeconds":  int(h.tokenTTL.Seconds()),
	})
}

// Ping is the unauthenticated liveness probe for the auth surface.
func (h *AuthHandler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
