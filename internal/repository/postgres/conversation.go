package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/afterhours/internal/models"
	"github.com/lalith-99/afterhours/internal/repository"
)

var _ repository.ConversationRepository = (*ConversationStore)(nil)

type ConversationStore struct {
	pool *pgxpool.Pool
}

func NewConversationStore(pool *pgxpool.Pool) *ConversationStore {
	return &ConversationStore{pool: pool}
}

func (s *ConversationStore) Create(ctx context.Context, creatorID uuid.UUID, participantIDs []uuid.UUID, name *string, isGroup bool) (*models.Conversation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create conversation: %w", err)
	}
	defer tx.Rollback(ctx)

	var conv models.Conversation
	err = tx.QueryRow(ctx, `
		INSERT INTO conversations (name, is_group, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		RETURNING id, name, is_group, created_by, created_at, updated_at`,
		name, isGroup, creatorID,
	).Scan(&conv.ID, &conv.Name, &conv.IsGroup, &conv.CreatedBy, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	insert := `
		INSERT INTO conversation_participants (conversation_id, user_id, role, joined_at)
		VALUES ($1, $2, $3, now())
		RETURNING user_id, conversation_id, role, joined_at, left_at, is_muted, last_read_at`

	for _, id := range uniqueMembers(creatorID, participantIDs) {
		role := models.RoleMember
		if id == creatorID {
			role = models.RoleOwner
		}
		var p models.Participant
		if err := tx.QueryRow(ctx, insert, conv.ID, id, role).Scan(
			&p.UserID, &p.ConversationID, &p.Role, &p.JoinedAt, &p.LeftAt, &p.IsMuted, &p.LastReadAt,
		); err != nil {
			return nil, fmt.Errorf("insert participant: %w", err)
		}
		conv.Participants = append(conv.Participants, p)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create conversation: %w", err)
	}
	return &conv, nil
}

func (s *ConversationStore) FindDirect(ctx context.Context, a, b uuid.UUID) (*models.Conversation, error) {
	query := `
		SELECT c.id, c.name, c.is_group, c.created_by, c.created_at, c.updated_at
		FROM conversations c
		WHERE c.is_group = FALSE
		  AND EXISTS (SELECT 1 FROM conversation_participants p
		              WHERE p.conversation_id = c.id AND p.user_id = $1 AND p.left_at IS NULL)
		  AND EXISTS (SELECT 1 FROM conversation_participants p
		              WHERE p.conversation_id = c.id AND p.user_id = $2 AND p.left_at IS NULL)
		  AND (SELECT count(*) FROM conversation_participants p
		       WHERE p.conversation_id = c.id AND p.left_at IS NULL) = 2
		ORDER BY c.created_at
		LIMIT 1`

	var conv models.Conversation
	err := s.pool.QueryRow(ctx, query, a, b).Scan(
		&conv.ID, &conv.Name, &conv.IsGroup, &conv.CreatedBy, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find direct conversation: %w", err)
	}
	return &conv, nil
}

// listQuery selects conversations visible to $1 with the newest message and
// the viewer's unread count. Deleted messages and the viewer's own messages
// never count as unread.
const listQuery = `
	SELECT c.id, c.name, c.is_group, c.created_by, c.created_at, c.updated_at,
	       lm.id, lm.sender_id, lm.content, lm.is_edited, lm.is_deleted, lm.created_at, lm.updated_at,
	       (SELECT count(*) FROM messages m
	         WHERE m.conversation_id = c.id
	           AND m.is_deleted = FALSE
	           AND (m.sender_id IS NULL OR m.sender_id <> $1)
	           AND (p.last_read_at IS NULL OR m.created_at > p.last_read_at)) AS unread_count
	FROM conversations c
	JOIN conversation_participants p
	  ON p.conversation_id = c.id AND p.user_id = $1 AND p.left_at IS NULL
	LEFT JOIN LATERAL (
		SELECT id, sender_id, content, is_edited, is_deleted, created_at, updated_at
		FROM messages
		WHERE conversation_id = c.id
		ORDER BY created_at DESC
		LIMIT 1
	) lm ON TRUE`

func (s *ConversationStore) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	rows, err := s.pool.Query(ctx, listQuery+` ORDER BY c.updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	return conversations, nil
}

func (s *ConversationStore) GetForUser(ctx context.Context, userID, conversationID uuid.UUID) (*models.Conversation, error) {
	conv, err := scanConversation(s.pool.QueryRow(ctx, listQuery+` WHERE c.id = $2`, userID, conversationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var (
		conv models.Conversation

		lmID        *uuid.UUID
		lmSenderID  *uuid.UUID
		lmContent   *string
		lmIsEdited  *bool
		lmIsDeleted *bool
		lmCreatedAt *time.Time
		lmUpdatedAt *time.Time
	)
	if err := row.Scan(
		&conv.ID, &conv.Name, &conv.IsGroup, &conv.CreatedBy, &conv.CreatedAt, &conv.UpdatedAt,
		&lmID, &lmSenderID, &lmContent, &lmIsEdited, &lmIsDeleted, &lmCreatedAt, &lmUpdatedAt,
		&conv.UnreadCount,
	); err != nil {
		return nil, err
	}

	if lmID != nil {
		conv.LastMessage = &models.Message{
			ID:             *lmID,
			ConversationID: conv.ID,
			SenderID:       lmSenderID,
			Content:        deref(lmContent),
			IsEdited:       deref(lmIsEdited),
			IsDeleted:      deref(lmIsDeleted),
			CreatedAt:      deref(lmCreatedAt),
			UpdatedAt:      deref(lmUpdatedAt),
		}
	}
	return &conv, nil
}

// uniqueMembers returns creator followed by the distinct non-nil ids.
func uniqueMembers(creator uuid.UUID, ids []uuid.UUID) []uuid.UUID {
	seen := map[uuid.UUID]struct{}{creator: {}}
	out := []uuid.UUID{creator}
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
