package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/afterhours/internal/events"
	"github.com/lalith-99/afterhours/internal/middleware"
	"github.com/lalith-99/afterhours/internal/observ"
	"github.com/lalith-99/afterhours/internal/repository"
)

const maxMessageLength = 4000

type MessageHandler struct {
	messages     repository.MessageRepository
	participants repository.ParticipantRepository
	publisher    events.Publisher
	logger       *zap.Logger
}

func NewMessageHandler(
	messages repository.MessageRepository,
	participants repository.ParticipantRepository,
	publisher events.Publisher,
	logger *zap.Logger,
) *MessageHandler {
	return &MessageHandler{messages: messages, participants: participants, publisher: publisher, logger: logger}
}

type messageContentRequest struct {
	Content string `json:"content" binding:"required"`
}

func (r *messageContentRequest) normalize() (string, string) {
	content := strings.TrimSpace(r.Content)
	if content == "" {
		return "", "content must not be empty"
	}
	if len(content) > maxMessageLength {
		return "", "content is too long"
	}
	return content, ""
}

// List handles GET /api/conversations/:id/messages
//
// Returns the full history oldest first. Realtime keeps it current afterwards.
func (h *MessageHandler) List(c *gin.Context) {
	conversationID, ok := parseUUIDParam(c, "id", "invalid conversation id")
	if !ok {
		return
	}
	if !requireParticipant(c, h.participants, h.logger, conversationID) {
		return
	}

	messages, err := h.messages.ListByConversation(c.Request.Context(), conversationID)
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}

	c.JSON(http.StatusOK, messages)
}

// Create handles POST /api/conversations/:id/messages
func (h *MessageHandler) Create(c *gin.Context) {
	conversationID, ok := parseUUIDParam(c, "id", "invalid conversation id")
	if !ok {
		return
	}

	var req messageContentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	content, problem := req.normalize()
	if problem != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": problem})
		return
	}

	if !requireParticipant(c, h.participants, h.logger, conversationID) {
		return
	}

	msg, err := h.messages.Create(c.Request.Context(), conversationID, middleware.GetUserID(c), content)
	if err != nil {
		h.logger.Error("failed to create message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create message"})
		return
	}

	observ.IncMessagesSent()
	if err := h.publisher.Publish(c.Request.Context(), events.MessageCreated, events.NewMessagePayload(msg)); err != nil {
		observ.IncEventPublishError()
		h.logger.Warn("failed to publish message event", zap.String("message_id", msg.ID.String()), zap.Error(err))
	}

	c.JSON(http.StatusCreated, msg)
}

// Update handles PATCH /api/conversations/:id/messages/:messageId
func (h *MessageHandler) Update(c *gin.Context) {
	conversationID, ok := parseUUIDParam(c, "id", "invalid conversation id")
	if !ok {
		return
	}
	messageID, ok := parseUUIDParam(c, "messageId", "invalid message id")
	if !ok {
		return
	}

	var req messageContentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	content, problem := req.normalize()
	if problem != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": problem})
		return
	}

	if !requireParticipant(c, h.participants, h.logger, conversationID) {
		return
	}

	msg, err := h.messages.Update(c.Request.Context(), conversationID, messageID, middleware.GetUserID(c), content)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to update message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update message"})
		return
	}

	h.publishUpdated(c, msg.ID.String(), events.NewMessagePayload(msg))
	c.JSON(http.StatusOK, msg)
}

// Delete handles DELETE /api/conversations/:id/messages/:messageId
//
// The row stays; it is marked deleted so every client can render a tombstone.
func (h *MessageHandler) Delete(c *gin.Context) {
	conversationID, ok := parseUUIDParam(c, "id", "invalid conversation id")
	if !ok {
		return
	}
	messageID, ok := parseUUIDParam(c, "messageId", "invalid message id")
	if !ok {
		return
	}
	if !requireParticipant(c, h.participants, h.logger, conversationID) {
		return
	}

	msg, err := h.messages.SoftDelete(c.Request.Context(), conversationID, messageID, middleware.GetUserID(c))
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to delete message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete message"})
		return
	}

	h.publishUpdated(c, msg.ID.String(), events.NewMessagePayload(msg))
	c.JSON(http.StatusOK, msg)
}

func (h *MessageHandler) publishUpdated(c *gin.Context, messageID string, payload events.MessagePayload) {
	if err := h.publisher.Publish(c.Request.Context(), events.MessageUpdated, payload); err != nil {
		observ.IncEventPublishError()
		h.logger.Warn("failed to publish message event", zap.String("message_id", messageID), zap.Error(err))
	}
}
