package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/afterhours/internal/auth"
)

// ErrNotAuthenticated means no usable token could be obtained. Callers must
// not attempt the network request that needed it.
var ErrNotAuthenticated = errors.New("not authenticated")

// RefreshMargin is the remaining lifetime below which a token is refreshed
// before use.
const RefreshMargin = 60 * time.Second

// Refresher exchanges the current token for a fresh one.
type Refresher interface {
	Refresh(ctx context.Context, token string) (string, error)
}

// Source is the shared token-fetch helper. Every REST call and realtime
// handshake takes its token from here.
type Source struct {
	refresher Refresher
	logger    *zap.Logger
	now       func() time.Time

	// mu is held across a refresh so concurrent callers share one round trip.
	mu        sync.Mutex
	token     string
	userID    uuid.UUID
	expiresAt time.Time
}

// NewSource starts from token, which may be empty or unreadable; the first
// Token call then refreshes reactively.
func NewSource(token string, refresher Refresher, logger *zap.Logger) *Source {
	s := &Source{refresher: refresher, logger: logger, now: time.Now, token: token}
	if claims, err := auth.InspectToken(token); err == nil {
		s.userID = claims.UserID
		s.expiresAt = claims.ExpiresAt.Time
	}
	return s
}

// Token returns a token with at least RefreshMargin of validity left,
// refreshing first when needed. Any failure is reported as
// ErrNotAuthenticated.
func (s *Source) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claims, err := auth.InspectToken(s.token)
	switch {
	case err != nil:
		s.logger.Debug("session lookup failed, refreshing", zap.Error(err))
	case claims.ExpiresAt.Time.Sub(s.now()) < RefreshMargin:
		s.logger.Debug("session expiring, refreshing", zap.Time("expires_at", claims.ExpiresAt.Time))
	default:
		return s.token, nil
	}

	if err := s.refreshLocked(ctx); err != nil {
		return "", err
	}
	return s.token, nil
}

func (s *Source) refreshLocked(ctx context.Context) error {
	if s.refresher == nil {
		return ErrNotAuthenticated
	}

	token, err := s.refresher.Refresh(ctx, s.token)
	if err != nil {
		s.logger.Warn("session refresh failed", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}

	claims, err := auth.InspectToken(token)
	if err != nil {
		return fmt.Errorf("%w: refreshed token unreadable: %v", ErrNotAuthenticated, err)
	}
	if claims.ExpiresAt.Time.Sub(s.now()) <= 0 {
		return fmt.Errorf("%w: refreshed token already expired", ErrNotAuthenticated)
	}

	s.token = token
	s.userID = claims.UserID
	s.expiresAt = claims.ExpiresAt.Time
	s.logger.Debug("session refreshed", zap.Time("expires_at", s.expiresAt))
	return nil
}

// UserID returns the user the current token belongs to, or uuid.Nil.
func (s *Source) UserID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// ExpiresAt returns the expiry of the current token.
func (s *Source) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}
