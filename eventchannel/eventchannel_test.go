package eventchannel

import (
	"encoding/json"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopePayload(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{"string encoded", `"{\"a\":1}"`, `{"a":1}`, false},
		{"raw object", `{"a":1}`, `{"a":1}`, false},
		{"empty", ``, ``, false},
		{"broken string", `"{\"a\":`, ``, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Envelope{Data: json.RawMessage(tt.data)}.Payload()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestFlexString(t *testing.T) {
	var v struct {
		A FlexString `json:"a"`
		B FlexString `json:"b"`
		C FlexString `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":123456789012,"b":"x9","c":null}`), &v))
	assert.Equal(t, FlexString("123456789012"), v.A)
	assert.Equal(t, FlexString("x9"), v.B)
	assert.Equal(t, FlexString(""), v.C)
	n, err := v.A.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(123456789012), n)
}

func TestPrivmsgEnvelope(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := twitch.PrivateMessage{
		ID:      "abc",
		Channel: "streamer",
		RoomID:  "1001",
		Message: "!call Book of Dead",
		Time:    ts,
		User: twitch.User{
			ID:          "55",
			Name:        "viewer",
			DisplayName: "Viewer",
			Badges:      map[string]int{"subscriber": 12, "moderator": 1},
		},
	}
	env, err := privmsgEnvelope(m)
	require.NoError(t, err)
	assert.Equal(t, EventChatMessage, env.Event)
	assert.Equal(t, "streamer", env.Channel)

	payload, err := env.Payload()
	require.NoError(t, err)
	var msg ChatMessage
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "abc", msg.ID)
	assert.Equal(t, FlexString("1001"), msg.ChatroomID)
	assert.Equal(t, "Viewer", msg.Sender.Username)
	assert.Equal(t, FlexString("55"), msg.Sender.ID)
	assert.Equal(t, "2024-05-01T12:00:00Z", msg.CreatedAt)
	require.Len(t, msg.Sender.Identity.Badges, 2)
	assert.Equal(t, "moderator", msg.Sender.Identity.Badges[0].Type)
	assert.Equal(t, "subscriber", msg.Sender.Identity.Badges[1].Type)
}
