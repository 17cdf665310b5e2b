// Package apiclient is the typed REST client used by the messaging core.
// Every call takes its bearer token from a TokenSource first and never
// touches the network when that fails.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/afterhours/internal/models"
)

// TokenSource supplies bearer tokens; *session.Source implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// HTTPError carries the server's {"error"} message and status code.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return http.StatusText(e.StatusCode)
	}
	return e.Message
}

type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
	logger  *zap.Logger
}

func New(baseURL string, tokens TokenSource, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    httpClient,
		logger:  logger,
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("api call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode >= http.StatusBadRequest {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &HTTPError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func conversationPath(id uuid.UUID, rest string) string {
	return "/api/conversations/" + id.String() + rest
}

func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type createConversationRequest struct {
	ParticipantIDs []uuid.UUID `json:"participantIds"`
	Name           *string     `json:"name,omitempty"`
	IsGroup        bool        `json:"isGroup"`
}

func (c *Client) CreateConversation(ctx context.Context, participantIDs []uuid.UUID, name *string, isGroup bool) (*models.Conversation, error) {
	var out models.Conversation
	req := createConversationRequest{ParticipantIDs: participantIDs, Name: name, IsGroup: isGroup}
	if err := c.do(ctx, http.MethodPost, "/api/conversations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListParticipants(ctx context.Context, conversationID uuid.UUID) ([]models.Participant, error) {
	var out []models.Participant
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "/participants"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	var out []models.Message
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "/messages"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type contentRequest struct {
	Content string `json:"content"`
}

func (c *Client) SendMessage(ctx context.Context, conversationID uuid.UUID, content string) (*models.Message, error) {
	var out models.Message
	if err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "/messages"), contentRequest{content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) EditMessage(ctx context.Context, conversationID, messageID uuid.UUID, content string) (*models.Message, error) {
	var out models.Message
	path := conversationPath(conversationID, "/messages/"+messageID.String())
	if err := c.do(ctx, http.MethodPatch, path, contentRequest{content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID uuid.UUID) (*models.Message, error) {
	var out models.Message
	path := conversationPath(conversationID, "/messages/"+messageID.String())
	if err := c.do(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID uuid.UUID) error {
	return c.do(ctx, http.MethodPost, conversationPath(conversationID, "/read"), nil, nil)
}

func (c *Client) GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	var out models.Profile
	if err := c.do(ctx, http.MethodGet, "/api/profiles/"+userID.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
