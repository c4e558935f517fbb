package chat

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/chatwarden/eventchannel"
)

func chatEnvelope(t *testing.T, content string, badgeTypes ...string) eventchannel.Envelope {
	t.Helper()
	msg := eventchannel.ChatMessage{
		ID:         "msg-1",
		ChatroomID: "4242",
		Content:    content,
		CreatedAt:  "2024-05-01T12:00:00+00:00",
		Sender: eventchannel.Sender{
			ID:       "7",
			Username: "Viewer",
			Identity: eventchannel.Identity{Badges: badges(badgeTypes...)},
		},
	}
	inner, err := json.Marshal(msg)
	require.NoError(t, err)
	data, err := json.Marshal(string(inner))
	require.NoError(t, err)
	return eventchannel.Envelope{Event: eventchannel.EventChatMessage, Channel: "chatrooms.4242.v2", Data: data}
}

func TestClassifyCommand(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC))
	c := &Classifier{Prefix: "!", Clock: clock}

	ev, err := c.Classify(9, chatEnvelope(t, "!Discord   join us ", "moderator"))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.True(t, ev.IsCommand())
	assert.Equal(t, "discord", ev.Command)
	assert.Equal(t, "join us", ev.Args)
	assert.Equal(t, Moderator, ev.Level)
	assert.Equal(t, int64(9), ev.TenantID)
	assert.Equal(t, "4242", ev.RoomID)
	assert.Equal(t, "7", ev.SenderID)
	assert.Equal(t, clock.Now().UTC(), ev.ReceivedAt)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), ev.SentAt)
}

func TestClassifyPlainChat(t *testing.T) {
	c := NewClassifier("!")
	ev, err := c.Classify(1, chatEnvelope(t, "hello there"))
	require.NoError(t, err)
	assert.False(t, ev.IsCommand())
	assert.Equal(t, Everyone, ev.Level)
}

func TestClassifyIgnoresOtherEvents(t *testing.T) {
	c := NewClassifier("!")
	for _, name := range []string{eventchannel.EventPing, eventchannel.EventSubscriptionSucceeded, `App\Events\UserBannedEvent`} {
		ev, err := c.Classify(1, eventchannel.Envelope{Event: name, Data: json.RawMessage(`"{}"`)})
		assert.NoError(t, err, name)
		assert.Nil(t, ev, name)
	}
}

func TestClassifyMalformed(t *testing.T) {
	c := NewClassifier("!")
	tests := map[string]string{
		"not json":       `"{nope"`,
		"missing sender": `"{\"id\":\"x\",\"content\":\"hi\"}"`,
		"wrong type":     `"{\"id\":5,\"sender\":[]}"`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := c.Classify(1, eventchannel.Envelope{Event: eventchannel.EventChatMessage, Data: json.RawMessage(data)})
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		prefix, content   string
		wantTok, wantArgs string
		wantOK            bool
	}{
		{"!", "!call Book of Dead", "call", "Book of Dead", true},
		{"!", "!CALL", "call", "", true},
		{"!", "  !hi\tthere ", "hi", "there", true},
		{"!", "!", "", "", false},
		{"!", "! hi", "", "", false},
		{"!", "hi !call", "", "", false},
		{"??", "??sr song", "sr", "song", true},
	}
	for _, tt := range tests {
		tok, args, ok := ParseCommand(tt.prefix, tt.content)
		if tok != tt.wantTok || args != tt.wantArgs || ok != tt.wantOK {
			t.Errorf("ParseCommand(%q, %q) = %q, %q, %v", tt.prefix, tt.content, tok, args, ok)
		}
	}
}
