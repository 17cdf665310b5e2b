package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPRefresher calls POST /api/session/refresh.
type HTTPRefresher struct {
	baseURL string
	client  *http.Client
}

func NewHTTPRefresher(baseURL string, client *http.Client) *HTTPRefresher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPRefresher{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type refreshResponse struct {
	AccessToken string `json:"access_token"`
	Error       string `json:"error"`
}

func (r *HTTPRefresher) Refresh(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("refresh session: no token to refresh")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/session/refresh", nil)
	if err != nil {
		return "", fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh session: %w", err)
	}
	defer resp.Body.Close()

	var body refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("refresh session: %d %s", resp.StatusCode, body.Error)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("refresh session: empty token")
	}
	return body.AccessToken, nil
}
