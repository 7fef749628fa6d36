// Package handler implements the demo API surface the rate-limit
// gateway fronts: a public feed, content writes, moderation actions
// and account data operations.
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"rategate/internal/auth"
	"rategate/internal/response"
)

// ContentHandler serves the feed and write endpoints.
type ContentHandler struct {
	logger *zap.Logger
}

// NewContentHandler creates a content handler.
func NewContentHandler(logger *zap.Logger) *ContentHandler {
	return &ContentHandler{logger: logger}
}

type feedItem struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// GetFeed returns the public feed page.
func (h *ContentHandler) GetFeed(c *gin.Context) {
	now := time.Now().UTC()
	items := []feedItem{
		{ID: uuid.New().String(), Author: "system", Body: "Welcome to the feed", CreatedAt: now},
	}
	response.Success(c, http.StatusOK, gin.H{"items": items, "nextCursor": nil})
}

type createPostRequest struct {
	Body string `json:"body" binding:"required"`
}

// CreatePost accepts a new post from an authenticated user.
func (h *ContentHandler) CreatePost(c *gin.Context) {
	var req createPostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "body is required")
		return
	}

	userID := c.GetString(auth.UserIDContextKey)
	postID := uuid.New().String()
	h.logger.Info("Post created",
		zap.String("post_id", postID),
		zap.String("user_id", userID),
	)
	response.Success(c, http.StatusCreated, gin.H{"id": postID})
}

type flagRequest struct {
	ContentID string `json:"contentId" binding:"required"`
	Reason    string `json:"reason"`
}

// FlagContent records a moderation flag against a piece of content.
func (h *ContentHandler) FlagContent(c *gin.Context) {
	var req flagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "contentId is required")
		return
	}

	h.logger.Info("Content flagged",
		zap.String("content_id", req.ContentID),
		zap.String("user_id", c.GetString(auth.UserIDContextKey)),
	)
	response.Success(c, http.StatusAccepted, gin.H{"status": "queued"})
}

type appealRequest struct {
	ContentID string `json:"contentId" binding:"required"`
	Statement string `json:"statement"`
}

// CreateAppeal opens an appeal against a moderation decision.
func (h *ContentHandler) CreateAppeal(c *gin.Context) {
	var req appealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "contentId is required")
		return
	}

	appealID := uuid.New().String()
	h.logger.Info("Appeal created",
		zap.String("appeal_id", appealID),
		zap.String("content_id", req.ContentID),
	)
	response.Success(c, http.StatusCreated, gin.H{"appealId": appealID, "status": "open"})
}

// ListAppeals returns the caller's open appeals.
func (h *ContentHandler) ListAppeals(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{"appeals": []any{}})
}

type voteRequest struct {
	Vote string `json:"vote" binding:"required,oneof=approve reject"`
}

// VoteOnAppeal records a community vote on an open appeal.
func (h *ContentHandler) VoteOnAppeal(c *gin.Context) {
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "vote must be approve or reject")
		return
	}

	appealID := c.Param("appealId")
	if _, err := uuid.Parse(appealID); err != nil {
		response.BadRequest(c, "invalid appeal id")
		return
	}

	h.logger.Info("Appeal vote recorded",
		zap.String("appeal_id", appealID),
		zap.String("vote", req.Vote),
		zap.String("user_id", c.GetString(auth.UserIDContextKey)),
	)
	response.Success(c, http.StatusOK, gin.H{"appealId": appealID, "vote": req.Vote})
}
