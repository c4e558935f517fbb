package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/chatwarden/db"
	"github.com/onnwee/chatwarden/monitor"
	"github.com/onnwee/chatwarden/sender"
	"github.com/onnwee/chatwarden/telemetry"
)

// statusResponse is the get_status answer.
type statusResponse struct {
	Success     bool                 `json:"success"`
	Monitor     *db.MonitorRecord    `json:"monitor"`
	IsConnected bool                 `json:"is_connected"`
	ActiveCount int                  `json:"active_count"`
	State       string               `json:"state"`
	Session     *monitor.SessionInfo `json:"session,omitempty"`
}

// sendRequest is the send_message body.
type sendRequest struct {
	TenantID int64  `json:"tenant_id"`
	Message  string `json:"message"`
}

func (h *Handlers) readTenant(w http.ResponseWriter, r *http.Request) (int64, bool) {
	var req tenantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	if req.TenantID <= 0 {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return 0, false
	}
	return req.TenantID, true
}

// controlError maps domain errors to HTTP statuses.
func controlError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, db.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, monitor.ErrResolve):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, monitor.ErrShutdown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, sender.ErrSendFailed):
		status = http.StatusBadGateway
	}
	log := telemetry.LoggerWithCorr(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error(op+" failed", slog.Any("err", err))
	} else {
		log.Info(op+" rejected", slog.Any("err", err))
	}
	writeError(w, status, err.Error())
}

// HandleMonitorStart starts monitoring a tenant.
func (h *Handlers) HandleMonitorStart(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodPost) {
		return
	}
	id, ok := h.readTenant(w, r)
	if !ok {
		return
	}
	if err := h.deps.Supervisor.Start(r.Context(), id); err != nil {
		controlError(w, r, "start monitoring", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "monitoring started"})
}

// HandleMonitorStop stops monitoring a tenant. Unknown tenants succeed.
func (h *Handlers) HandleMonitorStop(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodPost) {
		return
	}
	id, ok := h.readTenant(w, r)
	if !ok {
		return
	}
	if err := h.deps.Supervisor.Stop(r.Context(), id); err != nil {
		controlError(w, r, "stop monitoring", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

// HandleMonitorStatus reports persisted and in-memory state.
func (h *Handlers) HandleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodGet) {
		return
	}
	id, err := parseTenantQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := h.deps.Supervisor.Status(r.Context(), id)
	if err != nil {
		controlError(w, r, "monitor status", err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Success:     true,
		Monitor:     st.Monitor,
		IsConnected: st.IsConnected,
		ActiveCount: st.ActiveCount,
		State:       st.State,
		Session:     st.Session,
	})
}

// HandleMonitorHeartbeat records an external liveness ping.
func (h *Handlers) HandleMonitorHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodPost) {
		return
	}
	id, ok := h.readTenant(w, r)
	if !ok {
		return
	}
	if err := h.deps.Supervisor.Heartbeat(r.Context(), id); err != nil {
		controlError(w, r, "heartbeat", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

// HandleMonitorSend posts a bot message synchronously and reports the result.
func (h *Handlers) HandleMonitorSend(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodPost) {
		return
	}
	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TenantID <= 0 {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if h.deps.Sender == nil {
		writeError(w, http.StatusServiceUnavailable, "sending is not configured")
		return
	}
	if err := h.deps.Sender.Send(r.Context(), req.TenantID, msg); err != nil {
		controlError(w, r, "send message", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{
		"tenant_id": req.TenantID,
		"message":   sender.Truncate(msg, sender.MaxMessageRunes),
	}})
}
