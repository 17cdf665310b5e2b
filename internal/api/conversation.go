package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/afterhours/internal/middleware"
	"github.com/lalith-99/afterhours/internal/models"
	"github.com/lalith-99/afterhours/internal/repository"
)

// ConversationHandler serves conversation listing, creation and participants.
type ConversationHandler struct {
	conversations repository.ConversationRepository
	participants  repository.ParticipantRepository
	profiles      repository.ProfileRepository
	logger        *zap.Logger
}

func NewConversationHandler(
	conversations repository.ConversationRepository,
	participants repository.ParticipantRepository,
	profiles repository.ProfileRepository,
	logger *zap.Logger,
) *ConversationHandler {
	return &ConversationHandler{
		conversations: conversations,
		participants:  participants,
		profiles:      profiles,
		logger:        logger,
	}
}

type createConversationRequest struct {
	ParticipantIDs []uuid.UUID `json:"participantIds" binding:"required,min=1"`
	Name           *string     `json:"name"`
	IsGroup        bool        `json:"isGroup"`
}

// List handles GET /api/conversations
func (h *ConversationHandler) List(c *gin.Context) {
	userID := middleware.GetUserID(c)

	conversations, err := h.conversations.ListForUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.String("user_id", userID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
		return
	}

	c.JSON(http.StatusOK, conversations)
}

// Create handles POST /api/conversations
//
// A non-group conversation with one other participant is a direct chat; if one
// already exists between the two users it is returned with 200 instead of 201.
func (h *ConversationHandler) Create(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := middleware.GetUserID(c)
	ctx := c.Request.Context()

	others := make([]uuid.UUID, 0, len(req.ParticipantIDs))
	seen := map[uuid.UUID]bool{userID: true}
	for _, id := range req.ParticipantIDs {
		if id == uuid.Nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid participant id"})
			return
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		others = append(others, id)
	}
	if len(others) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one other participant is required"})
		return
	}
	if !req.IsGroup && len(others) > 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "direct conversations have exactly one other participant"})
		return
	}
	if req.Name != nil {
		trimmed := strings.TrimSpace(*req.Name)
		if trimmed == "" {
			req.Name = nil
		} else {
			req.Name = &trimmed
		}
	}

	existing, err := h.profiles.CountExisting(ctx, others)
	if err != nil {
		h.logger.Error("failed to check participants", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
		return
	}
	if existing != len(others) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown participant"})
		return
	}

	if !req.IsGroup {
		direct, err := h.conversations.FindDirect(ctx, userID, others[0])
		if err != nil {
			h.logger.Error("failed to look up direct conversation", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
			return
		}
		if direct != nil {
			c.JSON(http.StatusOK, h.viewerConversation(c, userID, direct))
			return
		}
	}

	conv, err := h.conversations.Create(ctx, userID, others, req.Name, req.IsGroup)
	if err != nil {
		h.logger.Error("failed to create conversation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
		return
	}

	h.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID.String()),
		zap.Bool("is_group", conv.IsGroup),
		zap.Int("participants", len(others)+1),
	)
	c.JSON(http.StatusCreated, h.viewerConversation(c, userID, conv))
}

// viewerConversation reloads conv with the caller's last message and unread
// count, keeping participants already loaded. On a failed reload conv is
// returned as is.
func (h *ConversationHandler) viewerConversation(c *gin.Context, userID uuid.UUID, conv *models.Conversation) *models.Conversation {
	view, err := h.conversations.GetForUser(c.Request.Context(), userID, conv.ID)
	if err != nil {
		h.logger.Warn("failed to load conversation view", zap.String("conversation_id", conv.ID.String()), zap.Error(err))
		return conv
	}
	if view == nil {
		return conv
	}
	if len(view.Participants) == 0 {
		view.Participants = conv.Participants
	}
	return view
}

// Participants handles GET /api/conversations/:id/participants
func (h *ConversationHandler) Participants(c *gin.Context) {
	conversationID, ok := parseUUIDParam(c, "id", "invalid conversation id")
	if !ok {
		return
	}
	if !requireParticipant(c, h.participants, h.logger, conversationID) {
		return
	}

	participants, err := h.participants.ListActive(c.Request.Context(), conversationID)
	if err != nil {
		h.logger.Error("failed to list participants", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list participants"})
		return
	}

	c.JSON(http.StatusOK, participants)
}

// MarkRead handles POST /api/conversations/:id/read
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	conversationID, ok := parseUUIDParam(c, "id", "invalid conversation id")
	if !ok {
		return
	}

	userID := middleware.GetUserID(c)
	err := h.participants.MarkRead(c.Request.Context(), conversationID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}
	if err != nil {
		h.logger.Error("failed to mark conversation read", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark conversation read"})
		return
	}

	c.Status(http.StatusNoContent)
}

func parseUUIDParam(c *gin.Context, name, msg string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return uuid.Nil, false
	}
	return id, true
}

// requireParticipant writes 403 and returns false unless the caller is an
// active participant of the conversation.
func requireParticipant(c *gin.Context, participants repository.ParticipantRepository, logger *zap.Logger, conversationID uuid.UUID) bool {
	ok, err := participants.IsParticipant(c.Request.Context(), conversationID, middleware.GetUserID(c))
	if err != nil {
		logger.Error("failed to check membership", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check membership"})
		return false
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return false
	}
	return true
}
