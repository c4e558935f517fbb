// Package twitchapi contains minimal helpers for the Twitch Helix API: channel
// resolution for IRC ingest and bot chat messages, using app and user tokens.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// DefaultAPIBase is the Helix host.
const DefaultAPIBase = "https://api.twitch.tv"

// ErrUserNotFound is returned when a login does not resolve.
var ErrUserNotFound = errors.New("twitch user not found")

// AppTokenGetter returns an app access token.
type AppTokenGetter interface {
	Get(ctx context.Context) (string, error)
}

// HelixClient provides the Helix calls the monitor needs.
type HelixClient struct {
	BaseURL        string
	AppTokenSource AppTokenGetter
	ClientID       string
	HTTPClient     *http.Client
}

// APIError is a non-2xx Helix response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix: status %d: %s", e.StatusCode, e.Body)
}

// User is a resolved Twitch account.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) url(path string) string {
	base := hc.BaseURL
	if base == "" {
		base = DefaultAPIBase
	}
	return strings.TrimRight(base, "/") + path
}

// GetUser resolves a login name to its user record.
func (hc *HelixClient) GetUser(ctx context.Context, login string) (User, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	if login == "" {
		return User{}, fmt.Errorf("login empty")
	}
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return User{}, fmt.Errorf("app token: %w", err)
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, hc.url("/helix/users"), nil)
	q := req.URL.Query()
	q.Set("login", login)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return User{}, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return User{}, apiError(resp)
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return User{}, err
	}
	if len(body.Data) == 0 {
		return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, login)
	}
	return body.Data[0], nil
}

// SendChatMessage posts message to broadcasterID's chat as senderID using a
// user token carrying user:write:chat.
func (hc *HelixClient) SendChatMessage(ctx context.Context, userToken, broadcasterID, senderID, message string) error {
	payload, err := json.Marshal(map[string]string{
		"broadcaster_id": broadcasterID,
		"sender_id":      senderID,
		"message":        message,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hc.url("/helix/chat/messages"), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+userToken)
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp)
	}
	var body struct {
		Data []struct {
			IsSent     bool `json:"is_sent"`
			DropReason *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"drop_reason"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && len(body.Data) > 0 && !body.Data[0].IsSent {
		reason := "unknown"
		if dr := body.Data[0].DropReason; dr != nil {
			reason = dr.Code + ": " + dr.Message
		}
		return fmt.Errorf("helix: message dropped: %s", reason)
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
