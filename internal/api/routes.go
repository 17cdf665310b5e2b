package api

import (
	"github.com/gin-gonic/gin"

	"github.com/lalith-99/afterhours/internal/middleware"
)

// Handlers bundles everything mounted under /api.
type Handlers struct {
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Profiles      *ProfileHandler
	Session       *SessionHandler
}

// Register mounts the authenticated REST surface on r.
func Register(r gin.IRouter, h Handlers, jwtSecret string) {
	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware(jwtSecret))
	{
		api.GET("/conversations", h.Conversations.List)
		api.POST("/conversations", h.Conversations.Create)
		api.GET("/conversations/:id/participants", h.Conversations.Participants)
		api.POST("/conversations/:id/read", h.Conversations.MarkRead)

		api.GET("/conversations/:id/messages", h.Messages.List)
		api.POST("/conversations/:id/messages", h.Messages.Create)
		api.PATCH("/conversations/:id/messages/:messageId", h.Messages.Update)
		api.DELETE("/conversations/:id/messages/:messageId", h.Messages.Delete)

		api.GET("/profiles/:id", h.Profiles.Get)
		api.POST("/session/refresh", h.Session.Refresh)
	}
}
