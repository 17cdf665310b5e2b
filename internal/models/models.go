package models

import (
	"time"

	"github.com/google/uuid"
)

// Profile is the read-only projection of a user used to render authorship.
// Profiles are owned by the identity provider; this service only reads them.
type Profile struct {
	ID          uuid.UUID `json:"id"`
	FullName    *string   `json:"full_name"`
	DisplayName *string   `json:"display_name"`
	AvatarURL   *string   `json:"avatar_url"`
}

// Name picks the best label for the profile.
func (p *Profile) Name() string {
	if p == nil {
		return "unknown"
	}
	if p.DisplayName != nil && *p.DisplayName != "" {
		return *p.DisplayName
	}
	if p.FullName != nil && *p.FullName != "" {
		return *p.FullName
	}
	return p.ID.String()[:8]
}

// Conversation groups participants and their messages.
//
// UpdatedAt advances with every new message so lists can be ordered by
// recency. LastMessage and UnreadCount are per-viewer denormalisations filled
// in by the list query.
type Conversation struct {
	ID           uuid.UUID     `json:"id"`
	Name         *string       `json:"name"`
	IsGroup      bool          `json:"is_group"`
	CreatedBy    *uuid.UUID    `json:"created_by"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Participants []Participant `json:"participants,omitempty"`
	LastMessage  *Message      `json:"last_message"`
	UnreadCount  int           `json:"unread_count"`
}

// Participant roles.
const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

// Participant is a user's membership in a conversation. A participant with a
// non-nil LeftAt has left; at most one active row exists per (user, conversation).
type Participant struct {
	UserID         uuid.UUID  `json:"user_id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	Role           string     `json:"role"`
	JoinedAt       time.Time  `json:"joined_at"`
	LeftAt         *time.Time `json:"left_at"`
	IsMuted        bool       `json:"is_muted"`
	LastReadAt     *time.Time `json:"last_read_at"`
	Profile        *Profile   `json:"profile,omitempty"`
}

// Message belongs to exactly one conversation. Edits change Content and
// IsEdited; deletes set IsDeleted. The ID never changes.
//
// SenderID is nil for system messages and for senders whose account is gone.
// Sender is a denormalised snapshot and is absent on raw change-feed rows.
type Message struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	SenderID       *uuid.UUID `json:"sender_id"`
	Content        string     `json:"content"`
	IsEdited       bool       `json:"is_edited"`
	IsDeleted      bool       `json:"is_deleted"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	Sender         *Profile   `json:"sender,omitempty"`
}

// SentBy reports whether userID authored the message.
func (m *Message) SentBy(userID uuid.UUID) bool {
	return m.SenderID != nil && *m.SenderID == userID
}
