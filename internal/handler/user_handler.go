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

// UserHandler serves account data operations.
type UserHandler struct {
	logger *zap.Logger
}

// NewUserHandler creates a user handler.
func NewUserHandler(logger *zap.Logger) *UserHandler {
	return &UserHandler{logger: logger}
}

// ExportData starts an asynchronous export of the caller's data.
func (h *UserHandler) ExportData(c *gin.Context) {
	userID := c.GetString(auth.UserIDContextKey)
	exportID := uuid.New().String()
	h.logger.Info("Data export requested",
		zap.String("export_id", exportID),
		zap.String("user_id", userID),
	)
	response.Success(c, http.StatusAccepted, gin.H{
		"exportId":    exportID,
		"status":      "pending",
		"requestedAt": time.Now().UTC(),
	})
}

// DeleteAccount schedules deletion of the caller's account.
func (h *UserHandler) DeleteAccount(c *gin.Context) {
	userID := c.GetString(auth.UserIDContextKey)
	h.logger.Info("Account deletion requested", zap.String("user_id", userID))
	response.Success(c, http.StatusAccepted, gin.H{
		"status":      "scheduled",
		"gracePeriod": "30d",
	})
}
