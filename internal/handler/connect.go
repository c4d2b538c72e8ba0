package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"wamator/internal/middleware"
	"wamator/internal/session"
)

type Sessions interface {
	Connect(ctx context.Context, tenantID, userID int64, address string) (session.Ack, error)
	Logout(ctx context.Context, tenantID, userID int64, address string) error
	List(tenantID int64) []session.Info
}

type ConnectHandler struct {
	Sessions Sessions
	Log      zerolog.Logger
}

var connectErrors = []struct {
	err     error
	status  int
	message string
}{
	{session.ErrNotOwned, http.StatusForbidden, "User and phone number not associated with this API consumer."},
	{session.ErrNoSubscription, http.StatusForbidden, "No active subscription for this user."},
	{session.ErrAlreadyActive, http.StatusConflict, "WhatsApp number is already connected."},
	{session.ErrQuotaExceeded, http.StatusForbidden, "Phone number limit exceeded for current plan."},
	{session.ErrAlreadyInitializing, http.StatusBadRequest, "Session already being initialized, Wait to get QR code."},
	{session.ErrShuttingDown, http.StatusServiceUnavailable, "Server is shutting down."},
}

func (h *ConnectHandler) respondError(c *gin.Context, err error) {
	for _, m := range connectErrors {
		if errors.Is(err, m.err) {
			c.JSON(m.status, gin.H{"status": "error", "message": m.message})
			return
		}
	}
	h.Log.Error().Err(err).Str("path", c.FullPath()).Msg("connect request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Internal server error"})
}

// target reads the tenant and the (user, number) pair addressed by the route.
func target(c *gin.Context) (tenantID, userID int64, address string, ok bool) {
	tenantID, ok = middleware.TenantIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "API Key required"})
		return 0, 0, "", false
	}
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	address = c.Param("phoneNumber")
	if err != nil || userID <= 0 || address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "Invalid user id or phone number."})
		return 0, 0, "", false
	}
	return tenantID, userID, address, true
}

func (h *ConnectHandler) Connect(c *gin.Context) {
	tenantID, userID, address, ok := target(c)
	if !ok {
		return
	}
	ack, err := h.Sessions.Connect(c.Request.Context(), tenantID, userID, address)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

func (h *ConnectHandler) Logout(c *gin.Context) {
	tenantID, userID, address, ok := target(c)
	if !ok {
		return
	}
	if err := h.Sessions.Logout(c.Request.Context(), tenantID, userID, address); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "WhatsApp session logged out."})
}

func (h *ConnectHandler) List(c *gin.Context) {
	tenantID, ok := middleware.TenantIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "API Key required"})
		return
	}
	sessions := h.Sessions.List(tenantID)
	if sessions == nil {
		sessions = []session.Info{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}
