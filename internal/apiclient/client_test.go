package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/afterhours/internal/models"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) Token(context.Context) (string, error) { return s.token, s.err }

func newTestClient(t *testing.T, handler http.Handler, tokens TokenSource) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, tokens, srv.Client(), zap.NewNop())
}

func TestSendMessage(t *testing.T) {
	conversationID := uuid.New()
	var gotAuth string
	var gotBody map[string]string

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, conversationID.String(), r.PathValue("id"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(models.Message{
			ID:             uuid.New(),
			ConversationID: conversationID,
			Content:        gotBody["content"],
			CreatedAt:      time.Now(),
		})
	})
	client := newTestClient(t, mux, staticTokens{token: "tok"})

	msg, err := client.SendMessage(context.Background(), conversationID, "hi")

	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "hi", gotBody["content"])
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, conversationID, msg.ConversationID)
}

func TestCreateConversationBody(t *testing.T) {
	var body map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(models.Conversation{ID: uuid.New(), IsGroup: true})
	})
	client := newTestClient(t, mux, staticTokens{token: "tok"})
	name := "crew"

	conv, err := client.CreateConversation(context.Background(), []uuid.UUID{uuid.New()}, &name, true)

	require.NoError(t, err)
	assert.True(t, conv.IsGroup)
	assert.Len(t, body["participantIds"], 1)
	assert.Equal(t, "crew", body["name"])
	assert.Equal(t, true, body["isGroup"])
}

func TestErrorBodyBecomesHTTPError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"not a participant"}`))
	})
	client := newTestClient(t, mux, staticTokens{token: "tok"})

	_, err := client.ListMessages(context.Background(), uuid.New())

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
	assert.Equal(t, "not a participant", httpErr.Error())
}

func TestMarkReadNoContent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversations/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	client := newTestClient(t, mux, staticTokens{token: "tok"})

	assert.NoError(t, client.MarkRead(context.Background(), uuid.New()))
}

func TestTokenFailureSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})
	notAuthenticated := errors.New("not authenticated")
	client := newTestClient(t, handler, staticTokens{err: notAuthenticated})

	_, err := client.ListConversations(context.Background())

	assert.ErrorIs(t, err, notAuthenticated)
	assert.Zero(t, hits.Load())
}
