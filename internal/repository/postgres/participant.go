package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/afterhours/internal/models"
	"github.com/lalith-99/afterhours/internal/repository"
)

var _ repository.ParticipantRepository = (*ParticipantStore)(nil)

type ParticipantStore struct {
	pool *pgxpool.Pool
}

func NewParticipantStore(pool *pgxpool.Pool) *ParticipantStore {
	return &ParticipantStore{pool: pool}
}

func (s *ParticipantStore) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL
		)`

	var exists bool
	if err := s.pool.QueryRow(ctx, query, conversationID, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return exists, nil
}

func (s *ParticipantStore) ListActive(ctx context.Context, conversationID uuid.UUID) ([]models.Participant, error) {
	query := `
		SELECT p.user_id, p.conversation_id, p.role, p.joined_at, p.left_at, p.is_muted, p.last_read_at,
		       pr.id, pr.full_name, pr.display_name, pr.avatar_url
		FROM conversation_participants p
		LEFT JOIN profiles pr ON pr.id = p.user_id
		WHERE p.conversation_id = $1 AND p.left_at IS NULL
		ORDER BY p.joined_at`

	rows, err := s.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	participants := make([]models.Participant, 0)
	for rows.Next() {
		var (
			p  models.Participant
			pf nullableProfile
		)
		if err := rows.Scan(
			&p.UserID, &p.ConversationID, &p.Role, &p.JoinedAt, &p.LeftAt, &p.IsMuted, &p.LastReadAt,
			&pf.ID, &pf.FullName, &pf.DisplayName, &pf.AvatarURL,
		); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.Profile = pf.profile()
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}

	return participants, nil
}

func (s *ParticipantStore) MarkRead(ctx context.Context, conversationID, userID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversation_participants
		SET last_read_at = now()
		WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL`,
		conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
