package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/chatwarden/eventchannel"
)

// ErrMalformed marks a chat payload that could not be decoded.
var ErrMalformed = errors.New("chat: malformed message")

// Event is one classified chat message.
type Event struct {
	ID         string               `json:"id"`
	TenantID   int64                `json:"tenant_id"`
	Channel    string               `json:"channel"`
	RoomID     string               `json:"room_id"`
	SenderID   string               `json:"sender_id"`
	Username   string               `json:"username"`
	Content    string               `json:"content"`
	Badges     []eventchannel.Badge `json:"badges,omitempty"`
	Color      string               `json:"color,omitempty"`
	Level      Level                `json:"level"`
	SentAt     time.Time            `json:"sent_at"`
	ReceivedAt time.Time            `json:"received_at"`

	// Command is the lower-cased token without prefix, empty for plain chat.
	Command string `json:"command,omitempty"`
	Args    string `json:"args,omitempty"`
}

// IsCommand reports whether the message started with the command prefix.
func (e *Event) IsCommand() bool { return e.Command != "" }

// Classifier converts envelopes into Events.
type Classifier struct {
	Prefix string
	Clock  clockwork.Clock
}

// NewClassifier returns a Classifier using prefix and the real clock.
func NewClassifier(prefix string) *Classifier {
	return &Classifier{Prefix: prefix, Clock: clockwork.NewRealClock()}
}

// Classify returns (nil, nil) for envelopes that are not chat messages.
func (c *Classifier) Classify(tenantID int64, env eventchannel.Envelope) (*Event, error) {
	if env.Event != eventchannel.EventChatMessage {
		return nil, nil
	}
	payload, err := env.Payload()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var msg eventchannel.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Sender.Username == "" && msg.Sender.ID == "" {
		return nil, fmt.Errorf("%w: missing sender", ErrMalformed)
	}
	clock := c.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	now := clock.Now().UTC()
	ev := &Event{
		ID:         msg.ID,
		TenantID:   tenantID,
		Channel:    env.Channel,
		RoomID:     string(msg.ChatroomID),
		SenderID:   string(msg.Sender.ID),
		Username:   msg.Sender.Username,
		Content:    msg.Content,
		Badges:     msg.Sender.Identity.Badges,
		Color:      msg.Sender.Identity.Color,
		Level:      LevelFromBadges(msg.Sender.Identity.Badges),
		SentAt:     parseTime(msg.CreatedAt, now),
		ReceivedAt: now,
	}
	if tok, args, ok := ParseCommand(c.Prefix, msg.Content); ok {
		ev.Command, ev.Args = tok, args
	}
	return ev, nil
}

// ParseCommand splits "<prefix><token> <args>". The token is lower-cased and
// args are trimmed. A bare prefix is not a command.
func ParseCommand(prefix, content string) (token, args string, ok bool) {
	content = strings.TrimSpace(content)
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", "", false
	}
	rest := content[len(prefix):]
	if rest == "" || unicode.IsSpace(rune(rest[0])) {
		return "", "", false
	}
	if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
		return strings.ToLower(rest[:i]), strings.TrimSpace(rest[i:]), true
	}
	return strings.ToLower(rest), "", true
}

func parseTime(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return fallback
}
