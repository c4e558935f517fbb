package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/chatwarden/chat"
	"github.com/onnwee/chatwarden/commands"
	"github.com/onnwee/chatwarden/intake"
)

type openBatchRequest struct {
	TenantID     int64   `json:"tenant_id"`
	Channel      string  `json:"channel"`
	Title        string  `json:"title"`
	MaxPerViewer int     `json:"max_entries_per_viewer"`
	DefaultStake float64 `json:"default_stake"`
}

type closeBatchRequest struct {
	TenantID int64  `json:"tenant_id"`
	Channel  string `json:"channel"`
}

type resolveEntryRequest struct {
	EntryID int64    `json:"entry_id"`
	Payout  *float64 `json:"payout"`
}

type commandRequest struct {
	TenantID        int64  `json:"tenant_id"`
	Token           string `json:"token"`
	Response        string `json:"response"`
	Required        string `json:"required_level"`
	CooldownSeconds int    `json:"cooldown_seconds"`
	Enabled         *bool  `json:"enabled"`
}

func batchError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, intake.ErrNoOpenBatch), errors.Is(err, intake.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, intake.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, err.Error())
	default:
		controlError(w, r, op, err)
	}
}

// HandleAdminBatchOpen opens a new batch, closing any open one for the channel.
func (h *Handlers) HandleAdminBatchOpen(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodPost) {
		return
	}
	var req openBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TenantID <= 0 || strings.TrimSpace(req.Channel) == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and channel are required")
		return
	}
	if req.DefaultStake < 0 || req.MaxPerViewer < 0 {
		writeError(w, http.StatusBadRequest, "default_stake and max_entries_per_viewer must not be negative")
		return
	}
	b, err := h.deps.Batches.OpenBatch(r.Context(), req.TenantID, req.Channel, req.Title, req.MaxPerViewer, req.DefaultStake)
	if err != nil {
		batchError(w, r, "open batch", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: b})
}

// HandleAdminBatchClose closes the open batch for a channel.
func (h *Handlers) HandleAdminBatchClose(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodPost) {
		return
	}
	var req closeBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TenantID <= 0 || strings.TrimSpace(req.Channel) == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and channel are required")
		return
	}
	b, err := h.deps.Batches.CloseBatch(r.Context(), req.TenantID, req.Channel)
	if err != nil {
		batchError(w, r, "close batch", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: b})
}

// HandleAdminBatchEntries lists a batch's entries in sequence order.
func (h *Handlers) HandleAdminBatchEntries(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodGet) {
		return
	}
	id, err := strconv.ParseInt(r.URL.Query().Get("batch_id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "batch_id is required")
		return
	}
	entries, err := h.deps.Batches.ListEntries(r.Context(), id)
	if err != nil {
		batchError(w, r, "list entries", err)
		return
	}
	if entries == nil {
		entries = []intake.Entry{}
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: entries})
}

// HandleAdminEntryResolve records an entry's result.
func (h *Handlers) HandleAdminEntryResolve(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodPost) {
		return
	}
	var req resolveEntryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.EntryID <= 0 {
		writeError(w, http.StatusBadRequest, "entry_id is required")
		return
	}
	e, err := h.deps.Batches.ResolveEntry(r.Context(), req.EntryID, req.Payout)
	if err != nil {
		batchError(w, r, "resolve entry", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: e})
}

// HandleAdminMonitors lists persisted monitor records alongside live sessions.
func (h *Handlers) HandleAdminMonitors(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodGet) {
		return
	}
	recs, err := h.deps.Monitors.ListMonitors(r.Context())
	if err != nil {
		controlError(w, r, "list monitors", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{
		"monitors":     recs,
		"sessions":     h.deps.Supervisor.Sessions(),
		"active_count": h.deps.Supervisor.ActiveCount(),
	}})
}

// HandleAdminCommand creates or updates a custom command.
func (h *Handlers) HandleAdminCommand(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodPost) {
		return
	}
	if h.deps.Commands == nil {
		writeError(w, http.StatusServiceUnavailable, "command store is not configured")
		return
	}
	var req commandRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// tokens are stored without the chat prefix
	token := strings.ToLower(strings.TrimLeft(strings.TrimSpace(req.Token), "!"))
	if req.TenantID <= 0 || token == "" || strings.ContainsAny(token, " \t") || strings.TrimSpace(req.Response) == "" {
		writeError(w, http.StatusBadRequest, "tenant_id, a single-word token and response are required")
		return
	}
	level := chat.Everyone
	if req.Required != "" {
		var err error
		if level, err = chat.ParseLevel(req.Required); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.CooldownSeconds < 0 {
		writeError(w, http.StatusBadRequest, "cooldown_seconds must not be negative")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	id, err := h.deps.Commands.Save(r.Context(), commands.Definition{
		TenantID: req.TenantID,
		Token:    token,
		Response: req.Response,
		Required: level,
		Cooldown: time.Duration(req.CooldownSeconds) * time.Second,
		Enabled:  enabled,
	})
	if err != nil {
		controlError(w, r, "save command", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{"id": id, "token": token}})
}
