package server

import (
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/onnwee/chatwarden/db"
	"github.com/onnwee/chatwarden/monitor"
)

func TestMonitorStartStop(t *testing.T) {
	e := newTestEnv(t, nil)

	rr := e.do(http.MethodPost, "/monitor/start", `{"tenant_id":4}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeEnvelope(t, rr)
	if body["success"] != true || body["message"] != "monitoring started" {
		t.Fatalf("unexpected start body %v", body)
	}

	rr = e.do(http.MethodPost, "/monitor/stop", `{"tenant_id":4}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d", rr.Code)
	}
	if len(e.sup.started) != 1 || e.sup.started[0] != 4 || len(e.sup.stopped) != 1 {
		t.Fatalf("supervisor calls: started=%v stopped=%v", e.sup.started, e.sup.stopped)
	}
}

func TestMonitorStartErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown tenant", db.ErrNotFound, http.StatusNotFound},
		{"unresolvable channel", fmt.Errorf("%w: channel missing", monitor.ErrResolve), http.StatusUnprocessableEntity},
		{"shutting down", monitor.ErrShutdown, http.StatusServiceUnavailable},
		{"storage failure", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, nil)
			e.sup.startErr = tt.err
			rr := e.do(http.MethodPost, "/monitor/start", `{"tenant_id":1}`)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rr.Code)
			}
			body := decodeEnvelope(t, rr)
			if body["success"] != false || body["error"] == "" {
				t.Fatalf("expected failure envelope, got %v", body)
			}
		})
	}
}

func TestMonitorMalformedPayloads(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
	}{
		{"empty body", "/monitor/start", ""},
		{"not json", "/monitor/start", "tenant=1"},
		{"missing tenant", "/monitor/stop", `{}`},
		{"negative tenant", "/monitor/heartbeat", `{"tenant_id":-3}`},
		{"wrong type", "/monitor/start", `{"tenant_id":"abc"}`},
		{"two objects", "/monitor/start", `{"tenant_id":1}{"tenant_id":2}`},
		{"empty message", "/monitor/send", `{"tenant_id":1,"message":"   "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, nil)
			rr := e.do(http.MethodPost, tt.path, tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
			body := decodeEnvelope(t, rr)
			if body["success"] != false {
				t.Fatalf("expected success=false, got %v", body)
			}
			if msg, _ := body["error"].(string); msg == "" {
				t.Fatalf("expected error message, got %v", body)
			}
			if len(e.sup.started) != 0 {
				t.Fatal("supervisor must not be called for malformed payloads")
			}
		})
	}
}

func TestMonitorMethodNotAllowed(t *testing.T) {
	e := newTestEnv(t, nil)
	rr := e.do(http.MethodGet, "/monitor/start", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if rr.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("expected Allow header, got %q", rr.Header().Get("Allow"))
	}
}

func TestMonitorStatus(t *testing.T) {
	e := newTestEnv(t, nil)
	e.sup.status = monitor.Status{
		Monitor:     &db.MonitorRecord{TenantID: 9, IsActive: true, ProcessedMessageCount: 12},
		IsConnected: true,
		ActiveCount: 3,
		State:       monitor.StateConnected.String(),
	}
	rr := e.do(http.MethodGet, "/monitor/status?tenant_id=9", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeEnvelope(t, rr)
	if body["is_connected"] != true || body["active_count"] != float64(3) || body["state"] != "connected" {
		t.Fatalf("unexpected status body %v", body)
	}
	mon, _ := body["monitor"].(map[string]any)
	if mon["processed_message_count"] != float64(12) {
		t.Fatalf("expected monitor record in body, got %v", body["monitor"])
	}

	if rr := e.do(http.MethodGet, "/monitor/status", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing tenant_id: expected 400, got %d", rr.Code)
	}
	if rr := e.do(http.MethodGet, "/monitor/status?tenant_id=x", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad tenant_id: expected 400, got %d", rr.Code)
	}
}

func TestMonitorHeartbeat(t *testing.T) {
	e := newTestEnv(t, nil)
	if rr := e.do(http.MethodPost, "/monitor/heartbeat", `{"tenant_id":2}`); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(e.sup.heartbeats) != 1 || e.sup.heartbeats[0] != 2 {
		t.Fatalf("heartbeats = %v", e.sup.heartbeats)
	}
}

func TestMonitorSend(t *testing.T) {
	e := newTestEnv(t, nil)
	long := strings.Repeat("x", 600)
	rr := e.do(http.MethodPost, "/monitor/send", `{"tenant_id":1,"message":"`+long+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeEnvelope(t, rr)
	data, _ := body["data"].(map[string]any)
	if msg, _ := data["message"].(string); len(msg) != 500 {
		t.Fatalf("expected reported message truncated to 500, got %d", len(msg))
	}
	if len(e.sender.sent) != 1 {
		t.Fatalf("expected one send, got %d", len(e.sender.sent))
	}
}
