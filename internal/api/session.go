package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/afterhours/internal/auth"
	"github.com/lalith-99/afterhours/internal/middleware"
)

// SessionHandler re-issues tokens. Credentials live with the identity
// provider; a still-valid token is the only proof accepted here.
type SessionHandler struct {
	secret string
	ttl    time.Duration
	logger *zap.Logger
}

func NewSessionHandler(secret string, ttl time.Duration, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{secret: secret, ttl: ttl, logger: logger}
}

type sessionResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Refresh handles POST /api/session/refresh
func (h *SessionHandler) Refresh(c *gin.Context) {
	userID := middleware.GetUserID(c)

	token, err := auth.GenerateToken(userID, h.secret, h.ttl)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to refresh session"})
		return
	}

	if claims := middleware.GetClaims(c); claims != nil && claims.ExpiresAt != nil {
		h.logger.Debug("session refreshed",
			zap.String("user_id", userID.String()),
			zap.Time("previous_expiry", claims.ExpiresAt.Time),
		)
	}

	c.JSON(http.StatusOK, sessionResponse{
		AccessToken: token,
		ExpiresAt:   time.Now().Add(h.ttl).UTC(),
	})
}
