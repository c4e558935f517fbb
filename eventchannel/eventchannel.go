// Package eventchannel speaks to upstream chat relays. A Client delivers raw
// Envelopes from one subscribed room; it knows nothing about commands, tenants
// or retries. Kick rooms are served over the Pusher websocket protocol and
// Twitch rooms over IRC, both normalized into the same Envelope shape.
package eventchannel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Pusher protocol events.
const (
	EventConnectionEstablished = "pusher:connection_established"
	EventSubscribe             = "pusher:subscribe"
	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventError                 = "pusher:error"

	// EventChatMessage is the only application event treated as chat.
	EventChatMessage = `App\Events\ChatMessageEvent`
)

var (
	// ErrClosed is returned by Next after Close was called.
	ErrClosed = errors.New("eventchannel: client closed")
	// ErrMalformed marks a frame that could not be decoded. The connection stays usable.
	ErrMalformed = errors.New("eventchannel: malformed frame")
)

// Envelope is one inbound or outbound relay frame.
type Envelope struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Payload returns the event data, unwrapping the JSON-encoded string form
// Pusher uses for application events.
func (e Envelope) Payload() (json.RawMessage, error) {
	d := bytes.TrimSpace(e.Data)
	if len(d) == 0 {
		return nil, nil
	}
	if d[0] != '"' {
		return json.RawMessage(d), nil
	}
	var s string
	if err := json.Unmarshal(d, &s); err != nil {
		return nil, fmt.Errorf("%w: data string: %v", ErrMalformed, err)
	}
	return json.RawMessage(s), nil
}

// Client is a live connection to one relay. Implementations are not safe for
// concurrent Next calls; Close may be called from any goroutine.
type Client interface {
	// Subscribe joins room and blocks until the relay acknowledges it.
	Subscribe(ctx context.Context, room string) error
	// Next blocks for the next frame. Protocol keepalives are answered
	// internally but still returned so callers can track liveness.
	Next(ctx context.Context) (Envelope, error)
	// Close performs a deliberate, normal closure. It is idempotent.
	Close() error
}

// Dialer opens new Clients.
type Dialer interface {
	Dial(ctx context.Context) (Client, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) (Client, error)

// Dial calls f(ctx).
func (f DialFunc) Dial(ctx context.Context) (Client, error) { return f(ctx) }

// ChatMessage is the payload of EventChatMessage.
type ChatMessage struct {
	ID         string     `json:"id"`
	ChatroomID FlexString `json:"chatroom_id"`
	Content    string     `json:"content"`
	Type       string     `json:"type,omitempty"`
	CreatedAt  string     `json:"created_at,omitempty"`
	Sender     Sender     `json:"sender"`
}

// Sender identifies the chat user who wrote a message.
type Sender struct {
	ID       FlexString `json:"id"`
	Username string     `json:"username"`
	Slug     string     `json:"slug,omitempty"`
	Identity Identity   `json:"identity"`
}

// Identity carries presentation data and badges.
type Identity struct {
	Color  string  `json:"color,omitempty"`
	Badges []Badge `json:"badges"`
}

// Badge is a single chat badge such as "moderator" or "subscriber".
type Badge struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Count int    `json:"count,omitempty"`
}

// FlexString decodes a JSON string or number into a string. Relays are not
// consistent about numeric ids.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// Int64 parses the value as a base-10 integer.
func (f FlexString) Int64() (int64, error) { return strconv.ParseInt(string(f), 10, 64) }
