package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockPlatformServer serves canned Kick and Twitch API responses and records
// every chat message posted to it.
type MockPlatformServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu   sync.Mutex
	sent []SentMessage
}

// SentMessage is one captured chat POST.
type SentMessage struct {
	Path          string
	Authorization string
	Body          map[string]any
}

// NewMockPlatformServer creates a new mock platform API server.
func NewMockPlatformServer(t *testing.T) *MockPlatformServer {
	t.Helper()
	m := &MockPlatformServer{Handlers: make(map[string]http.HandlerFunc)}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers a handler for an exact path.
func (m *MockPlatformServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

// Sent returns a copy of captured chat messages.
func (m *MockPlatformServer) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

func (m *MockPlatformServer) capture(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(b, &body)
		m.mu.Lock()
		m.sent = append(m.sent, SentMessage{Path: r.URL.Path, Authorization: r.Header.Get("Authorization"), Body: body})
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"data":[{"is_sent":true}]}`))
	}
}

// MockKickChannel adds a /api/v2/channels/{slug} response.
func (m *MockPlatformServer) MockKickChannel(slug string, chatroomID, broadcasterUserID int64) {
	m.Handle("/api/v2/channels/"+slug, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
			"id":       chatroomID + 1,
			"slug":     slug,
			"user_id":  broadcasterUserID,
			"chatroom": map[string]any{"id": chatroomID},
		})
	})
}

// MockKickChat captures POST /public/v1/chat and answers with status.
func (m *MockPlatformServer) MockKickChat(status int) {
	m.Handle("/public/v1/chat", m.capture(status))
}

// MockTwitchUser adds a /helix/users response.
func (m *MockPlatformServer) MockTwitchUser(userID, login string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
			"data": []map[string]string{{"id": userID, "login": login}},
		})
	})
}

// MockTwitchChat captures POST /helix/chat/messages and answers with status.
func (m *MockPlatformServer) MockTwitchChat(status int) {
	m.Handle("/helix/chat/messages", m.capture(status))
}

// MockOAuthToken answers token requests on path (e.g. /oauth/token or /oauth2/token).
func (m *MockPlatformServer) MockOAuthToken(path, accessToken, refreshToken string, expiresIn int) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"token_type":    "bearer",
		})
	})
}
