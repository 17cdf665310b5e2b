package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/afterhours/internal/models"
	"github.com/lalith-99/afterhours/internal/repository"
)

var _ repository.MessageRepository = (*MessageStore)(nil)

type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

const messageColumns = `m.id, m.conversation_id, m.sender_id, m.content, m.is_edited, m.is_deleted, m.created_at, m.updated_at`

const messageWithSender = `
	SELECT ` + messageColumns + `,
	       pr.id, pr.full_name, pr.display_name, pr.avatar_url
	FROM messages m
	LEFT JOIN profiles pr ON pr.id = m.sender_id`

func (s *MessageStore) Create(ctx context.Context, conversationID, senderID uuid.UUID, content string) (*models.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create message: %w", err)
	}
	defer tx.Rollback(ctx)

	var id uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, sender_id, content, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		RETURNING id`,
		conversationID, senderID, content,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	// now() is the transaction timestamp, so updated_at equals the message's created_at.
	if _, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = now() WHERE id = $1`, conversationID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	msg, err := scanMessageWithSender(tx.QueryRow(ctx, messageWithSender+` WHERE m.id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("load created message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create message: %w", err)
	}
	return msg, nil
}

func (s *MessageStore) ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, messageWithSender+`
		WHERE m.conversation_id = $1
		ORDER BY m.created_at ASC, m.id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanMessageWithSender(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}

func (s *MessageStore) GetRaw(ctx context.Context, messageID uuid.UUID) (*models.Message, error) {
	var msg models.Message
	err := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.id = $1`, messageID).Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content,
		&msg.IsEdited, &msg.IsDeleted, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &msg, nil
}

func (s *MessageStore) Update(ctx context.Context, conversationID, messageID, senderID uuid.UUID, content string) (*models.Message, error) {
	return s.mutate(ctx, `
		UPDATE messages
		SET content = $4, is_edited = TRUE, updated_at = now()
		WHERE id = $1 AND conversation_id = $2 AND sender_id = $3 AND is_deleted = FALSE`,
		messageID, conversationID, senderID, content,
	)
}

func (s *MessageStore) SoftDelete(ctx context.Context, conversationID, messageID, senderID uuid.UUID) (*models.Message, error) {
	return s.mutate(ctx, `
		UPDATE messages
		SET is_deleted = TRUE, updated_at = now()
		WHERE id = $1 AND conversation_id = $2 AND sender_id = $3 AND is_deleted = FALSE`,
		messageID, conversationID, senderID,
	)
}

// mutate runs a single-row UPDATE keyed by $1 and returns the row with its sender.
func (s *MessageStore) mutate(ctx context.Context, query string, args ...any) (*models.Message, error) {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, repository.ErrNotFound
	}

	msg, err := scanMessageWithSender(s.pool.QueryRow(ctx, messageWithSender+` WHERE m.id = $1`, args[0]))
	if err != nil {
		return nil, fmt.Errorf("load updated message: %w", err)
	}
	return msg, nil
}

func scanMessageWithSender(row pgx.Row) (*models.Message, error) {
	var (
		msg models.Message
		pf  nullableProfile
	)
	if err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content,
		&msg.IsEdited, &msg.IsDeleted, &msg.CreatedAt, &msg.UpdatedAt,
		&pf.ID, &pf.FullName, &pf.DisplayName, &pf.AvatarURL,
	); err != nil {
		return nil, err
	}
	msg.Sender = pf.profile()
	return &msg, nil
}
