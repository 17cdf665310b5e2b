package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/afterhours/internal/repository"
)

type ProfileHandler struct {
	repo   repository.ProfileRepository
	logger *zap.Logger
}

func NewProfileHandler(repo repository.ProfileRepository, logger *zap.Logger) *ProfileHandler {
	return &ProfileHandler{repo: repo, logger: logger}
}

// Get handles GET /api/profiles/:id
func (h *ProfileHandler) Get(c *gin.Context) {
	userID, ok := parseUUIDParam(c, "id", "invalid profile id")
	if !ok {
		return
	}

	profile, err := h.repo.GetByID(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get profile"})
		return
	}
	if profile == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
		return
	}

	c.JSON(http.StatusOK, profile)
}
