package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/afterhours/internal/auth"
)

const secret = "test-secret"

type stubRefresher struct {
	calls int
	token string
	err   error
}

func (r *stubRefresher) Refresh(context.Context, string) (string, error) {
	r.calls++
	return r.token, r.err
}

func token(t *testing.T, userID uuid.UUID, ttl time.Duration) string {
	t.Helper()
	tok, err := auth.GenerateToken(userID, secret, ttl)
	require.NoError(t, err)
	return tok
}

func TestTokenReturnsCachedWhenFresh(t *testing.T) {
	userID := uuid.New()
	current := token(t, userID, time.Hour)
	refresher := &stubRefresher{}
	src := NewSource(current, refresher, zap.NewNop())

	got, err := src.Token(context.Background())

	require.NoError(t, err)
	assert.Equal(t, current, got)
	assert.Zero(t, refresher.calls)
	assert.Equal(t, userID, src.UserID())
}

func TestTokenRefreshesInsideMargin(t *testing.T) {
	userID := uuid.New()
	fresh := token(t, userID, time.Hour)
	refresher := &stubRefresher{token: fresh}
	src := NewSource(token(t, userID, 30*time.Second), refresher, zap.NewNop())

	got, err := src.Token(context.Background())

	require.NoError(t, err)
	assert.Equal(t, fresh, got)
	assert.Equal(t, 1, refresher.calls)
	assert.WithinDuration(t, time.Now().Add(time.Hour), src.ExpiresAt(), 5*time.Second)

	// The refreshed token is reused.
	_, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, refresher.calls)
}

func TestTokenRefreshesReactivelyWhenUnreadable(t *testing.T) {
	userID := uuid.New()
	refresher := &stubRefresher{token: token(t, userID, time.Hour)}
	src := NewSource("not-a-jwt", refresher, zap.NewNop())
	assert.Equal(t, uuid.Nil, src.UserID())

	_, err := src.Token(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, refresher.calls)
	assert.Equal(t, userID, src.UserID())
}

func TestTokenFailsWhenRefreshFails(t *testing.T) {
	refresher := &stubRefresher{err: errors.New("session revoked")}
	src := NewSource(token(t, uuid.New(), 10*time.Second), refresher, zap.NewNop())

	got, err := src.Token(context.Background())

	assert.Empty(t, got)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestTokenRejectsExpiredRefresh(t *testing.T) {
	refresher := &stubRefresher{token: token(t, uuid.New(), -time.Minute)}
	src := NewSource("", refresher, zap.NewNop())

	_, err := src.Token(context.Background())

	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestTokenWithoutRefresher(t *testing.T) {
	src := NewSource("", nil, zap.NewNop())

	_, err := src.Token(context.Background())

	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

// A request made with an expiring token must hit the refresh endpoint first,
// and must not be sent at all when the refresh fails.
func TestRefreshPrecedesRequest(t *testing.T) {
	userID := uuid.New()
	fresh := token(t, userID, time.Hour)

	var calls []string
	refreshOK := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Path)
		if r.URL.Path == "/api/session/refresh" {
			if !refreshOK {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"invalid or expired token"}`))
				return
			}
			_, _ = w.Write([]byte(`{"access_token":"` + fresh + `"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	doRequest := func(src *Source) error {
		tok, err := src.Token(context.Background())
		if err != nil {
			return err
		}
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/conversations", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := srv.Client().Do(req)
		if err != nil {
			return err
		}
		return resp.Body.Close()
	}

	src := NewSource(token(t, userID, 20*time.Second), NewHTTPRefresher(srv.URL, srv.Client()), zap.NewNop())
	require.NoError(t, doRequest(src))
	assert.Equal(t, []string{"/api/session/refresh", "/api/conversations"}, calls)

	calls = nil
	refreshOK = false
	src = NewSource(token(t, userID, 20*time.Second), NewHTTPRefresher(srv.URL, srv.Client()), zap.NewNop())
	err := doRequest(src)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, []string{"/api/session/refresh"}, calls)
}
