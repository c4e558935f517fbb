package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// streamKeepalive is how often an idle stream gets a comment line so proxies keep it open.
const streamKeepalive = 25 * time.Second

// HandleMonitorStream streams a tenant's live chat as Server-Sent Events.
func (h *Handlers) HandleMonitorStream(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodGet) {
		return
	}
	id, err := parseTenantQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.deps.Streams == nil {
		writeError(w, http.StatusServiceUnavailable, "live stream is not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	events, cancel := h.deps.Streams.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(": connected\n\n")); err != nil {
		return
	}
	flusher.Flush()

	ctx := r.Context()
	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-events:
			b, err := json.Marshal(ev)
			if err != nil {
				slog.Warn("failed to encode chat event", slog.Any("err", err))
				continue
			}
			if _, err := w.Write([]byte("event: chat\ndata: ")); err != nil {
				return
			}
			if _, err := w.Write(b); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				slog.Warn("failed to write SSE terminator", slog.Any("err", err))
				return
			}
			flusher.Flush()
		}
	}
}
