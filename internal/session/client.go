// Package session is the client for the external session service that
// registers call sessions. Authentication is a bearer token minted by an
// external auth collaborator; without a token every call fails before any
// media or signaling work begins.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Session is the service's record of one call session.
type Session struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Host        string `json:"host,omitempty"`
}

// Client talks to the session service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client authenticating with the given token source.
// A nil token source produces a client whose every call fails, which is the
// contract: no valid token, no session work.
func NewClient(baseURL string, tokens oauth2.TokenSource) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")

	httpClient := &http.Client{Timeout: 10 * time.Second}
	if tokens != nil {
		httpClient = oauth2.NewClient(
			context.WithValue(context.Background(), oauth2.HTTPClient, httpClient),
			tokens,
		)
	} else {
		httpClient = nil
	}

	return &Client{baseURL: baseURL, http: httpClient}
}

// Create registers a new session and returns its record.
func (c *Client) Create(ctx context.Context, name, description string) (*Session, error) {
	body := map[string]string{"name": name, "description": description}
	return c.post(ctx, c.baseURL+"/sessions", body)
}

// Join registers this participant with an existing session and returns the
// record including the hosting participant.
func (c *Client) Join(ctx context.Context, sessionID string) (*Session, error) {
	body := map[string]string{"session_id": sessionID}
	return c.post(ctx, c.baseURL+"/sessions/join", body)
}

func (c *Client) post(ctx context.Context, url string, body any) (*Session, error) {
	if c.http == nil {
		return nil, fmt.Errorf("no auth token available")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", url, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("session service rejected credentials: %s", resp.Status)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("POST %s: status %s", url, resp.Status)
	}

	var out struct {
		Session Session `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Session.ID == "" {
		return nil, fmt.Errorf("session service returned no session id")
	}
	return &out.Session, nil
}
