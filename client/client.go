// Package client talks to a supportline relay: the read-only agent API over
// HTTP and the live channels behind visitor and agent sessions.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mistakeknot/supportline/internal/core"
)

// Client calls the relay's read-only HTTP API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Token   string
}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) {
		c.Token = strings.TrimSpace(token)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

// Health is the relay's /healthz report.
type Health struct {
	Status      string            `json:"status"`
	Breaker     string            `json:"breaker,omitempty"`
	Error       string            `json:"error,omitempty"`
	Connections map[core.Role]int `json:"connections,omitempty"`
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dialer returns a websocket dialer for the same relay.
func (c *Client) Dialer() *WSDialer {
	return &WSDialer{BaseURL: c.BaseURL, HTTPClient: c.HTTP}
}

// Conversations lists conversations, optionally filtered by status.
func (c *Client) Conversations(ctx context.Context, status core.Status, limit int) ([]core.Conversation, error) {
	values := url.Values{}
	if status != "" {
		values.Set("status", string(status))
	}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "/api/conversations"
	if len(values) > 0 {
		endpoint += "?" + values.Encode()
	}
	var out core.ListReply
	if err := c.getJSON(ctx, endpoint, "", &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// Conversation fetches one conversation with its transcript after afterSeq.
// The view is always read-only.
func (c *Client) Conversation(ctx context.Context, id string, afterSeq uint64) (core.ConversationView, error) {
	endpoint := "/api/conversations/" + url.PathEscape(id)
	if afterSeq > 0 {
		endpoint += "?after_seq=" + strconv.FormatUint(afterSeq, 10)
	}
	var out core.ConversationView
	if err := c.getJSON(ctx, endpoint, id, &out); err != nil {
		return core.ConversationView{}, err
	}
	return out, nil
}

// Health reports relay health. A degraded relay still returns its report
// together with an error.
func (c *Client) Health(ctx context.Context) (Health, error) {
	resp, err := c.get(ctx, "/healthz")
	if err != nil {
		return Health{}, err
	}
	defer resp.Body.Close()
	var out Health
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Health{}, fmt.Errorf("decode health: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("relay %s: %s", out.Status, out.Error)
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path, conversationID string, out any) error {
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrAuth, path)
	case resp.StatusCode != http.StatusOK:
		var body core.ErrorBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Code == "" {
			return fmt.Errorf("%s failed: %d", path, resp.StatusCode)
		}
		return body.Err(conversationID)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, transportf("get %s: %v", path, err)
	}
	return resp, nil
}
