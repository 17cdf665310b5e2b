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

var _ repository.ProfileRepository = (*ProfileStore)(nil)

type ProfileStore struct {
	pool *pgxpool.Pool
}

func NewProfileStore(pool *pgxpool.Pool) *ProfileStore {
	return &ProfileStore{pool: pool}
}

func (s *ProfileStore) GetByID(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	query := `
		SELECT id, full_name, display_name, avatar_url
		FROM profiles
		WHERE id = $1`

	var p models.Profile
	err := s.pool.QueryRow(ctx, query, userID).Scan(&p.ID, &p.FullName, &p.DisplayName, &p.AvatarURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

func (s *ProfileStore) CountExisting(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM profiles WHERE id = ANY($1)`, ids).Scan(&n); err != nil {
		return 0, fmt.Errorf("count profiles: %w", err)
	}
	return n, nil
}

// nullableProfile scans the columns of a LEFT JOIN on profiles.
type nullableProfile struct {
	ID          *uuid.UUID
	FullName    *string
	DisplayName *string
	AvatarURL   *string
}

func (n nullableProfile) profile() *models.Profile {
	if n.ID == nil {
		return nil
	}
	return &models.Profile{
		ID:          *n.ID,
		FullName:    n.FullName,
		DisplayName: n.DisplayName,
		AvatarURL:   n.AvatarURL,
	}
}
