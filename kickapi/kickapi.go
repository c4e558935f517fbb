// Package kickapi resolves Kick channels to chatrooms and posts bot chat
// messages through the Kick public API.
package kickapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const (
	DefaultAPIBase     = "https://api.kick.com"
	DefaultChannelBase = "https://kick.com"
)

// ErrChannelNotFound is returned when a slug does not resolve.
var ErrChannelNotFound = errors.New("kick channel not found")

// Client talks to the Kick channel lookup and public chat endpoints.
type Client struct {
	APIBase     string
	ChannelBase string
	HTTPClient  *http.Client
	UserAgent   string
}

// APIError is a non-2xx Kick response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kick: status %d: %s", e.StatusCode, e.Body)
}

// Channel is a resolved Kick channel.
type Channel struct {
	ID                int64  `json:"id"`
	Slug              string `json:"slug"`
	BroadcasterUserID int64  `json:"user_id"`
	Chatroom          struct {
		ID int64 `json:"id"`
	} `json:"chatroom"`
}

// ChatroomID returns the chatroom id used for subscriptions.
func (c Channel) ChatroomID() int64 { return c.Chatroom.ID }

// Room returns the Pusher channel name for the chatroom.
func (c Channel) Room() string { return fmt.Sprintf("chatrooms.%d.v2", c.Chatroom.ID) }

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func base(v, def string) string {
	if v == "" {
		v = def
	}
	return strings.TrimRight(v, "/")
}

// ResolveChannel looks up a channel by slug.
func (c *Client) ResolveChannel(ctx context.Context, slug string) (Channel, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return Channel{}, fmt.Errorf("slug empty")
	}
	u := base(c.ChannelBase, DefaultChannelBase) + "/api/v2/channels/" + url.PathEscape(slug)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Channel{}, err
	}
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return Channel{}, err
	}
	defer closeBody(resp)
	if resp.StatusCode == http.StatusNotFound {
		return Channel{}, fmt.Errorf("%w: %s", ErrChannelNotFound, slug)
	}
	if resp.StatusCode != http.StatusOK {
		return Channel{}, apiError(resp)
	}
	var ch Channel
	if err := json.NewDecoder(resp.Body).Decode(&ch); err != nil {
		return Channel{}, fmt.Errorf("decode channel: %w", err)
	}
	if ch.Chatroom.ID == 0 {
		return Channel{}, fmt.Errorf("%w: %s has no chatroom", ErrChannelNotFound, slug)
	}
	return ch, nil
}

// SendChatMessage posts content as the token's bot user into the
// broadcaster's chat. Any 2xx is success.
func (c *Client) SendChatMessage(ctx context.Context, token string, broadcasterUserID int64, content string) error {
	payload, err := json.Marshal(struct {
		BroadcasterUserID int64  `json:"broadcaster_user_id"`
		Content           string `json:"content"`
		Type              string `json:"type"`
	}{broadcasterUserID, content, "bot"})
	if err != nil {
		return err
	}
	u := base(c.APIBase, DefaultAPIBase) + "/public/v1/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp)
	}
	return nil
}

func apiError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
