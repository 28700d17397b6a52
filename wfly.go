// Package wfly is the realtime client core for the WFLY messaging service.
//
// It maintains a live session over a duplex channel, keeps a local model of
// conversations and messages synchronized with server pushes, and drives the
// signaling of peer-to-peer voice calls relayed through the same channel.
//
// Example:
//
//	client := wfly.NewClient("https://api.example.com")
//	token, _ := client.FetchToken(ctx)
//
//	session := wfly.NewSession("https://api.example.com", token, mediaProvider)
//	session.OnConversationsChanged(func(ids []string) { render(session.Store()) })
//	session.Start(ctx)
//	defer session.Close()
package wfly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds collaborator HTTP requests.
const DefaultTimeout = 30 * time.Second

// Client is the HTTP collaborator interface: token acquisition plus
// authenticated profile/user-lookup requests. The realtime core itself talks
// only over the duplex channel; this client covers everything else.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTimeout sets the request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithToken sets the session credential used for authenticated requests.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a collaborator client for the given server base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the session credential.
func (c *Client) SetToken(token string) {
	c.token = token
}

// FetchToken asks the token-acquisition endpoint for the current session
// credential.
func (c *Client) FetchToken(ctx context.Context) (string, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/get-token", nil, nil)
	if err != nil {
		return "", err
	}
	result, err := decodeJSON[struct {
		Token string `json:"token"`
	}](data)
	if err != nil {
		return "", err
	}
	if result.Token == "" {
		return "", fmt.Errorf("token endpoint returned no credential")
	}
	return result.Token, nil
}

// Profile fetches a user's public profile.
func (c *Client) Profile(ctx context.Context, userID string) (*UserSummary, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[UserSummary](data)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return io.ReadAll(resp.Body)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
