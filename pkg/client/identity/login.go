package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	loginPath   = "/auth/login"
	refreshPath = "/auth/refresh"
)

type tokenResponse struct {
	IDToken string `json:"idToken"`
}

// Login asks a development server to issue a token for username.
func Login(ctx context.Context, httpClient *http.Client, baseURL string, username string) (*StaticCredentials, error) {
	token, err := requestToken(ctx, httpClient, baseURL+loginPath, url.Values{"username": {username}})
	if err != nil {
		return nil, fmt.Errorf("failed to log in as %s: %v", username, err)
	}
	return NewStaticCredentials(token)
}

// Refresh swaps the current token for a fresh one issued by a development server.
func (c *StaticCredentials) Refresh(ctx context.Context, httpClient *http.Client, baseURL string) error {
	current, err := c.Token(ctx)
	if err != nil {
		return err
	}
	token, err := requestToken(ctx, httpClient, baseURL+refreshPath, url.Values{"token": {current}})
	if err != nil {
		return fmt.Errorf("failed to refresh token: %v", err)
	}
	c.SetToken(token)
	return nil
}

func requestToken(ctx context.Context, httpClient *http.Client, endpoint string, form url.Values) (string, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(endpoint, "/"), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	payload := &tokenResponse{}
	if err := json.NewDecoder(resp.Body).Decode(payload); err != nil {
		return "", fmt.Errorf("failed to decode token response: %v", err)
	}
	if payload.IDToken == "" {
		return "", fmt.Errorf("token response has no token")
	}
	return payload.IDToken, nil
}
