package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/chatwarden/config"
)

func TestAdminAuth(t *testing.T) {
	basic := config.Config{AdminUsername: "ops", AdminPassword: "hunter2"}
	token := config.Config{AdminToken: "ctl-token"}
	both := config.Config{AdminUsername: "ops", AdminPassword: "hunter2", AdminToken: "ctl-token"}

	tests := []struct {
		name   string
		cfg    config.Config
		path   string
		user   string
		pass   string
		token  string
		status int
	}{
		{"unconfigured passes through", config.Config{}, "/monitor/start", "", "", "", http.StatusOK},
		{"basic auth accepted", basic, "/admin/batches/open", "ops", "hunter2", "", http.StatusOK},
		{"basic auth wrong user", basic, "/admin/batches/open", "root", "hunter2", "", http.StatusUnauthorized},
		{"basic auth wrong password", basic, "/monitor/stop", "ops", "nope", "", http.StatusUnauthorized},
		{"basic auth missing", basic, "/monitor/stop", "", "", "", http.StatusUnauthorized},
		{"token accepted", token, "/monitor/send", "", "", "ctl-token", http.StatusOK},
		{"token rejected", token, "/monitor/send", "", "", "ctl-tokem", http.StatusUnauthorized},
		{"token ignores basic auth", token, "/monitor/stream", "ops", "hunter2", "", http.StatusUnauthorized},
		{"valid token beats bad basic auth", both, "/admin/commands", "x", "y", "ctl-token", http.StatusOK},
		{"basic auth works beside token", both, "/admin/commands", "ops", "hunter2", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached := false
			handler := adminAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				reached = true
			}), newAuthConfig(&tt.cfg))

			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			if tt.user != "" || tt.pass != "" {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			if tt.token != "" {
				req.Header.Set("X-Admin-Token", tt.token)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d", rr.Code, tt.status)
			}
			if reached != (tt.status == http.StatusOK) {
				t.Fatalf("handler reached = %v for status %d", reached, tt.status)
			}
			if tt.status == http.StatusUnauthorized {
				if got := rr.Header().Get("WWW-Authenticate"); got != `Basic realm="chatwarden admin"` {
					t.Errorf("WWW-Authenticate = %q", got)
				}
				if env := decodeEnvelope(t, rr); env["success"] != false {
					t.Errorf("expected error envelope, got %v", env)
				}
			}
		})
	}
}

func TestRateLimiterBudgetAndRefill(t *testing.T) {
	// 4 sends per 200ms refills one slot every 50ms
	limiter := newIPRateLimiter(context.Background(), true, 4, 200*time.Millisecond)
	viewer := "198.51.100.7"

	allowed := 0
	for i := 0; i < 6; i++ {
		if limiter.allow(viewer) {
			allowed++
		}
	}
	if allowed != 4 {
		t.Fatalf("allowed %d of 6 burst requests, want 4", allowed)
	}
	time.Sleep(80 * time.Millisecond)
	if !limiter.allow(viewer) {
		t.Fatal("one slot should have refilled")
	}
}

func TestRateLimiterIsPerClient(t *testing.T) {
	limiter := newIPRateLimiter(context.Background(), true, 1, time.Minute)
	if !limiter.allow("198.51.100.7") || !limiter.allow("198.51.100.8") {
		t.Fatal("each client gets its own budget")
	}
	if limiter.allow("198.51.100.7") || limiter.allow("198.51.100.8") {
		t.Fatal("second request from each client should be refused")
	}
}

func TestRateLimiterDisabledAndDefaults(t *testing.T) {
	off := newIPRateLimiter(context.Background(), false, 1, time.Second)
	for i := 0; i < 50; i++ {
		if !off.allow("198.51.100.7") {
			t.Fatalf("disabled limiter refused request %d", i+1)
		}
	}

	def := newIPRateLimiter(context.Background(), true, 0, 0)
	if def.burst != 10 || def.window != time.Minute {
		t.Fatalf("defaults = %d per %v, want 10 per 1m", def.burst, def.window)
	}
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	limiter := newIPRateLimiter(context.Background(), true, 2, time.Second)
	limiter.allow("203.0.113.1")
	limiter.allow("203.0.113.2")

	now := time.Now()
	limiter.cleanup(now.Add(1500 * time.Millisecond))
	if n := len(limiter.visitors); n != 2 {
		t.Fatalf("clients idle under two windows must be kept, have %d", n)
	}
	limiter.cleanup(now.Add(3 * time.Second))
	if n := len(limiter.visitors); n != 0 {
		t.Fatalf("clients idle over two windows must be dropped, have %d", n)
	}
}

func TestRateLimitMiddlewareOnSend(t *testing.T) {
	limiter := newIPRateLimiter(context.Background(), true, 2, 30*time.Second)
	sends := 0
	handler := rateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sends++
	}), limiter)

	send := func(remote, forwarded string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/monitor/send", nil)
		req.RemoteAddr = remote
		if forwarded != "" {
			req.Header.Set("X-Forwarded-For", forwarded)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	// same client behind a proxy, different source ports
	send("10.0.0.1:5000", "198.51.100.7")
	send("10.0.0.1:5001", "198.51.100.7")
	rr := send("10.0.0.1:5002", "198.51.100.7, 10.0.0.1")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want 30", got)
	}
	if sends != 2 {
		t.Errorf("handler ran %d times, want 2", sends)
	}
	if rr := send("10.0.0.1:5003", "198.51.100.8"); rr.Code != http.StatusOK {
		t.Errorf("another client behind the same proxy got %d", rr.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"ipv4 with port", "192.168.1.1:12345", "", "192.168.1.1"},
		{"ipv4 without port", "192.168.1.1", "", "192.168.1.1"},
		{"ipv6 with port", "[2001:db8::1]:8080", "", "2001:db8::1"},
		{"ipv6 without port", "2001:db8::1", "", "2001:db8::1"},
		{"forwarded first hop", "10.0.0.1:80", "203.0.113.5, 10.0.0.1", "203.0.113.5"},
		{"forwarded single", "10.0.0.1:80", " 203.0.113.9 ", "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCORSConfig(t *testing.T) {
	permissive := true
	restricted := false
	tests := []struct {
		name       string
		cfg        *config.Config
		origin     string
		wantOrigin string
	}{
		{"development default is permissive", &config.Config{}, "http://evil.test", "*"},
		{"production without origins blocks", &config.Config{Env: "production"}, "http://evil.test", ""},
		{"allowed origin echoed", &config.Config{Env: "production", CORSAllowedOrigins: []string{"https://app.example.com"}}, "https://app.example.com", "https://app.example.com"},
		{"wildcard subdomain", &config.Config{Env: "production", CORSAllowedOrigins: []string{"*.example.com"}}, "https://dash.example.com", "https://dash.example.com"},
		{"unknown origin blocked", &config.Config{Env: "production", CORSAllowedOrigins: []string{"https://app.example.com"}}, "https://other.test", ""},
		{"explicit permissive wins", &config.Config{Env: "production", CORSPermissive: &permissive}, "http://x.test", "*"},
		{"explicit restricted wins", &config.Config{CORSPermissive: &restricted}, "http://x.test", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := withCORSConfig(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}), newCORSConfig(tt.cfg))
			req := httptest.NewRequest(http.MethodGet, "/monitor/status", nil)
			req.Header.Set("Origin", tt.origin)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	called := false
	handler := withCORSConfig(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}), newCORSConfig(&config.Config{}))
	req := httptest.NewRequest(http.MethodOptions, "/monitor/start", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rr.Code)
	}
	if called {
		t.Error("preflight should not reach the handler")
	}
}
