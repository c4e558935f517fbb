package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/onnwee/chatwarden/chat"
	"github.com/onnwee/chatwarden/telemetry"
)

// Responder delivers bot messages without blocking the caller.
type Responder interface {
	SendAsync(tenantID int64, text string)
}

// Handler applies the intake rules to calls from chat.
type Handler struct {
	store      Store
	responder  Responder
	ackTmpl    string
	maxItemLen int
}

// Option configures a Handler.
type Option func(*Handler)

// WithAck sends tmpl after each accepted entry. {user}, {seq} and {item} are
// substituted.
func WithAck(r Responder, tmpl string) Option {
	return func(h *Handler) { h.responder, h.ackTmpl = r, tmpl }
}

// WithMaxItemLen caps item names (runes). Default 120.
func WithMaxItemLen(n int) Option {
	return func(h *Handler) { h.maxItemLen = n }
}

// NewHandler returns a Handler over store.
func NewHandler(store Store, opts ...Option) *Handler {
	h := &Handler{store: store, maxItemLen: 120}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Submit validates and persists one call. Expected rejections are reported
// as ErrInvalid, ErrNoOpenBatch, ErrDuplicate or ErrQuota.
func (h *Handler) Submit(ctx context.Context, sub Submission) (*Entry, error) {
	item := NormalizeItem(sub.Item, h.maxItemLen)
	viewer := strings.TrimSpace(sub.Viewer)
	if item == "" || viewer == "" {
		return nil, ErrInvalid
	}
	viewerID := strings.TrimSpace(sub.ViewerID)
	if viewerID == "" {
		// fall back to the name so dedupe and quota still apply
		viewerID = "name:" + strings.ToLower(viewer)
	}
	key := ItemKey(item)

	var entry *Entry
	err := h.store.WithOpenBatch(ctx, sub.TenantID, sub.Channel, func(tx Tx) error {
		b := tx.Batch()
		dup, err := tx.HasEntry(ctx, viewerID, key)
		if err != nil {
			return err
		}
		if dup {
			return ErrDuplicate
		}
		n, err := tx.CountEntries(ctx, viewerID)
		if err != nil {
			return err
		}
		if n >= b.MaxPerViewer {
			return ErrQuota
		}
		seq, err := tx.NextSequence(ctx)
		if err != nil {
			return fmt.Errorf("allocate sequence: %w", err)
		}
		e := &Entry{
			BatchID:        b.ID,
			ViewerID:       viewerID,
			ViewerUsername: viewer,
			Item:           item,
			Stake:          b.DefaultStake,
			Sequence:       seq,
			Status:         EntryPending,
		}
		if err := tx.Insert(ctx, e, key); err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Handle is the chat entry point. Every rejection is silent: it is logged
// at debug and counted, never answered in chat.
func (h *Handler) Handle(ctx context.Context, ev *chat.Event, channel string) {
	ctx, span := telemetry.StartSpan(ctx, "intake.handle", telemetry.TenantAttr(ev.TenantID))
	defer span.End()
	log := slog.Default().With(slog.String("component", "intake"), slog.Int64("tenant", ev.TenantID), slog.String("viewer", ev.Username))

	entry, err := h.Submit(ctx, Submission{
		TenantID: ev.TenantID,
		Channel:  channel,
		ViewerID: ev.SenderID,
		Viewer:   ev.Username,
		Item:     ev.Args,
	})
	if err != nil {
		reason := dropReason(err)
		telemetry.EntriesDropped.WithLabelValues(reason).Inc()
		span.SetAttributes(telemetry.OutcomeAttr(reason))
		if reason == "error" {
			telemetry.RecordError(span, err)
			log.Error("intake submission failed", slog.Any("err", err))
			return
		}
		log.Debug("intake submission dropped", slog.String("reason", reason))
		return
	}
	telemetry.EntriesAccepted.Inc()
	telemetry.SetSpanSuccess(span)
	log.Info("entry accepted", slog.Int("seq", entry.Sequence), slog.String("item", entry.Item))
	if h.responder != nil && h.ackTmpl != "" {
		h.responder.SendAsync(ev.TenantID, FormatAck(h.ackTmpl, entry))
	}
}

// FormatAck fills an acknowledgement template.
func FormatAck(tmpl string, e *Entry) string {
	return strings.NewReplacer(
		"{user}", e.ViewerUsername,
		"{seq}", strconv.Itoa(e.Sequence),
		"{item}", e.Item,
	).Replace(tmpl)
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case errors.Is(err, ErrNoOpenBatch):
		return "no_open_batch"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrQuota):
		return "quota"
	default:
		return "error"
	}
}
