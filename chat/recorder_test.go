package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/chatwarden/testutil"
)

func TestRecorderRunPersistsAndDedupes(t *testing.T) {
	database := testutil.SetupTestDB(t)
	tenant := testutil.CreateTenant(t, database, "kick", "somestreamer")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan *Event, 4)
	now := time.Now().UTC()
	ev := &Event{ID: "m1", TenantID: tenant, SenderID: "7", Username: "viewer", Content: "hi",
		Badges: badges("subscriber"), Level: Subscriber, SentAt: now, ReceivedAt: now}
	events <- ev
	events <- ev
	events <- &Event{ID: "m2", TenantID: tenant, Username: "other", Content: "yo", SentAt: now, ReceivedAt: now}
	close(events)

	(&Recorder{DB: database}).Run(ctx, events)

	var n int
	require.NoError(t, database.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages WHERE tenant_id = $1`, tenant).Scan(&n))
	assert.Equal(t, 2, n)

	var level, badgeList string
	require.NoError(t, database.QueryRowContext(ctx, `SELECT level, badges FROM chat_messages WHERE message_id = 'm1'`).Scan(&level, &badgeList))
	assert.Equal(t, "subscriber", level)
	assert.Equal(t, "subscriber", badgeList)
}

func TestRecorderKeepsMessagesWithoutID(t *testing.T) {
	database := testutil.SetupTestDB(t)
	tenant := testutil.CreateTenant(t, database, "kick", "somestreamer")
	ctx := context.Background()
	rec := &Recorder{DB: database}
	now := time.Now().UTC()

	require.NoError(t, rec.Record(ctx, &Event{TenantID: tenant, Username: "a", Content: "first", SentAt: now, ReceivedAt: now}))
	require.NoError(t, rec.Record(ctx, &Event{TenantID: tenant, Username: "b", Content: "second", SentAt: now, ReceivedAt: now}))

	var n int
	require.NoError(t, database.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages WHERE tenant_id = $1 AND message_id LIKE 'gen:%'`, tenant).Scan(&n))
	assert.Equal(t, 2, n)
}
