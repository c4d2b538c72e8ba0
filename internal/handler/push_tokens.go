package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"wamator/internal/auth"
	"wamator/internal/middleware"
)

type UserOwnership interface {
	UserOwned(ctx context.Context, tenantID, userID int64) (bool, error)
}

// PushTokenHandler issues tokens that bind a push socket to one app user.
type PushTokenHandler struct {
	Users       UserOwnership
	TokenConfig auth.TokenConfig
	Log         zerolog.Logger
}

func (h *PushTokenHandler) Issue(c *gin.Context) {
	tenantID, ok := middleware.TenantIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "API Key required"})
		return
	}
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "user_id is required"})
		return
	}

	owned, err := h.Users.UserOwned(c.Request.Context(), tenantID, userID)
	if err != nil {
		h.Log.Error().Err(err).Msg("push token ownership check")
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal server error"})
		return
	}
	if !owned {
		c.JSON(http.StatusNotFound, gin.H{"message": "User not found or not associated with this API consumer"})
		return
	}

	token, err := auth.CreatePushToken(tenantID, userID, h.TokenConfig)
	if err != nil {
		h.Log.Error().Err(err).Msg("sign push token")
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"token":      token,
		"expires_in": int64(h.TokenConfig.Expiry.Seconds()),
	})
}
