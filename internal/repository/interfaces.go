package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/lalith-99/afterhours/internal/models"
)

// ErrNotFound is returned by lookups and scoped updates that match no row.
var ErrNotFound = errors.New("not found")

// Every method takes the caller's user id where visibility depends on it;
// membership is checked by the handler before any conversation-scoped call.

// ConversationRepository reads and creates conversations.
type ConversationRepository interface {
	// Create inserts the conversation and its active participants atomically.
	// creatorID becomes the owner and is always a participant.
	Create(ctx context.Context, creatorID uuid.UUID, participantIDs []uuid.UUID, name *string, isGroup bool) (*models.Conversation, error)

	// FindDirect returns the non-group conversation whose active participants
	// are exactly a and b, or nil, nil.
	FindDirect(ctx context.Context, a, b uuid.UUID) (*models.Conversation, error)

	// ListForUser returns the user's conversations, newest updated_at first,
	// with LastMessage and UnreadCount computed for that user.
	// Returns an empty slice, never nil.
	ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error)

	// GetForUser returns one conversation with the same per-viewer fields,
	// or nil, nil when it does not exist or the user is not a participant.
	GetForUser(ctx context.Context, userID, conversationID uuid.UUID) (*models.Conversation, error)
}

// ParticipantRepository handles membership and read markers.
type ParticipantRepository interface {
	// IsParticipant reports active (non-left) membership. Hot path: called
	// before every message operation and realtime join.
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)

	// ListActive returns active participants with their profiles.
	ListActive(ctx context.Context, conversationID uuid.UUID) ([]models.Participant, error)

	// MarkRead advances last_read_at to now for the active participant row.
	MarkRead(ctx context.Context, conversationID, userID uuid.UUID) error
}

// MessageRepository handles message persistence.
type MessageRepository interface {
	// Create persists a message, bumps the conversation's updated_at in the
	// same transaction, and returns it with the sender profile attached.
	Create(ctx context.Context, conversationID, senderID uuid.UUID, content string) (*models.Message, error)

	// ListByConversation returns the full history, oldest first.
	ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error)

	// GetRaw returns the row without the sender profile, as the change-feed
	// delivers it. Returns nil, nil if not found.
	GetRaw(ctx context.Context, messageID uuid.UUID) (*models.Message, error)

	// Update edits content of a message authored by senderID.
	// Returns ErrNotFound if no such message exists for that sender.
	Update(ctx context.Context, conversationID, messageID, senderID uuid.UUID, content string) (*models.Message, error)

	// SoftDelete marks a message authored by senderID as deleted.
	SoftDelete(ctx context.Context, conversationID, messageID, senderID uuid.UUID) (*models.Message, error)
}

// ProfileRepository reads the external profile projection.
type ProfileRepository interface {
	// GetByID returns nil, nil if the profile does not exist.
	GetByID(ctx context.Context, userID uuid.UUID) (*models.Profile, error)

	// CountExisting returns how many of ids have a profile row.
	CountExisting(ctx context.Context, ids []uuid.UUID) (int, error)
}
