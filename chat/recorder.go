package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// Recorder persists chat lines for display and replay. It is a passive
// consumer: failures are logged and the message is dropped.
type Recorder struct {
	DB *sql.DB
}

// Run records events until ctx is done or events is closed.
func (r *Recorder) Run(ctx context.Context, events <-chan *Event) {
	log := slog.Default().With(slog.String("component", "chat_recorder"))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := r.Record(ctx, ev); err != nil {
				log.Error("failed to insert chat message", slog.Int64("tenant", ev.TenantID), slog.Any("err", err))
			}
		}
	}
}

// Record inserts one chat line. Messages already stored (same tenant and id)
// are ignored. A message without an id gets a generated one so it cannot
// collide with other id-less lines.
func (r *Recorder) Record(ctx context.Context, ev *Event) error {
	msgID := ev.ID
	if msgID == "" {
		msgID = "gen:" + uuid.NewString()
	}
	badges := make([]string, 0, len(ev.Badges))
	for _, b := range ev.Badges {
		badges = append(badges, b.Type)
	}
	var badgeJSON []byte
	if len(ev.Badges) > 0 {
		badgeJSON, _ = json.Marshal(ev.Badges)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO chat_messages (tenant_id, message_id, sender_id, username, message, badges, badge_data, color, level, sent_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, message_id) DO NOTHING`,
		ev.TenantID, msgID, ev.SenderID, ev.Username, ev.Content, strings.Join(badges, ","), nullJSON(badgeJSON), ev.Color, ev.Level.String(), ev.SentAt, ev.ReceivedAt)
	return err
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
