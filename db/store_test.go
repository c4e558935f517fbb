package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/chatwarden/crypto"
	"github.com/onnwee/chatwarden/db"
	"github.com/onnwee/chatwarden/testutil"
)

const (
	keyA = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	keyB = "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBA="
)

func TestTenantResolution(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := &db.Store{DB: database}

	_, err := store.GetTenant(ctx, 999)
	assert.True(t, errors.Is(err, db.ErrNotFound))

	id := testutil.CreateTenant(t, database, db.PlatformKick, "somestreamer")
	require.NoError(t, store.SaveResolution(ctx, id, "4242", "77"))
	ten, err := store.GetTenant(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "kick", ten.Platform)
	assert.Equal(t, "4242", ten.RoomID)
	assert.Equal(t, "77", ten.BroadcasterID)
	assert.False(t, ten.ResolvedAt.IsZero())
}

func TestMonitorLifecycle(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := &db.Store{DB: database}
	id := testutil.CreateTenant(t, database, db.PlatformKick, "chan")

	rec, err := store.GetMonitor(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, store.SetMonitorActive(ctx, id, true))
	require.NoError(t, store.AddProcessedMessages(ctx, id, 5, time.Now()))
	require.NoError(t, store.IncrementProcessedCommands(ctx, id))
	require.NoError(t, store.RecordMonitorError(ctx, id, "exhausted"))

	active, err := store.ListActiveTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, active)

	rec, err = store.GetMonitor(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.IsActive)
	assert.Equal(t, int64(5), rec.ProcessedMessageCount)
	assert.Equal(t, int64(1), rec.ProcessedCommandCount)
	assert.Equal(t, "exhausted", rec.LastError)
	assert.NotNil(t, rec.LastHeartbeat)

	require.NoError(t, store.SetMonitorActive(ctx, id, false))
	active, err = store.ListActiveTenants(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	// reactivation clears the stale error
	require.NoError(t, store.SetMonitorActive(ctx, id, true))
	rec, err = store.GetMonitor(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, rec.LastError)
}

func TestBotTokenEncryptionAndRotation(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	id := testutil.CreateTenant(t, database, db.PlatformKick, "chan")

	oldKeys, err := crypto.ParseKeyring("old:" + keyA)
	require.NoError(t, err)
	store := &db.Store{DB: database, Keys: oldKeys}
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, store.SaveBotToken(ctx, db.BotToken{
		TenantID: id, Platform: "kick", AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: exp, Scope: "chat:write",
	}))

	var raw string
	require.NoError(t, database.QueryRowContext(ctx, `SELECT access_token FROM oauth_tokens WHERE tenant_id = $1`, id).Scan(&raw))
	assert.NotEqual(t, "access-1", raw)

	rotated, err := crypto.ParseKeyring("new:" + keyB + ",old:" + keyA)
	require.NoError(t, err)
	store.Keys = rotated
	tok, err := store.GetBotToken(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, "refresh-1", tok.RefreshToken)
	assert.True(t, exp.Equal(tok.Expiry))

	n, err := store.ReencryptTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = store.ReencryptTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	newOnly, err := crypto.ParseKeyring("new:" + keyB)
	require.NoError(t, err)
	store.Keys = newOnly
	tok, err = store.GetBotToken(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)

	expiring, err := store.ListExpiringTokens(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, expiring)
}

func TestBotTokenPlaintextFallback(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	id := testutil.CreateTenant(t, database, db.PlatformTwitch, "chan")
	store := &db.Store{DB: database}

	require.NoError(t, store.SaveBotToken(ctx, db.BotToken{TenantID: id, Platform: "twitch", AccessToken: "plain", BotUserID: "55"}))
	tok, err := store.GetBotToken(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "plain", tok.AccessToken)
	assert.Equal(t, "55", tok.BotUserID)
	assert.True(t, tok.Expiry.IsZero())

	_, err = store.GetBotToken(ctx, id+100)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestKV(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := &db.Store{DB: database}

	v, err := store.GetKV(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, v)
	require.NoError(t, store.SetKV(ctx, "k", "1"))
	require.NoError(t, store.SetKV(ctx, "k", "2"))
	v, err = store.GetKV(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func TestMigrationVersion(t *testing.T) {
	database := testutil.SetupTestDB(t)
	v, dirty, err := db.GetMigrationVersion(database)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.GreaterOrEqual(t, v, uint(1))
}

func TestMigrateDownAndUp(t *testing.T) {
	database := testutil.SetupTestDB(t)
	require.NoError(t, db.MigrateDown(database))
	require.NoError(t, db.RunMigrations(database))

	v, dirty, err := db.GetMigrationVersion(database)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), v)
	_, err = database.Exec(`SELECT 1 FROM tenants LIMIT 1`)
	require.NoError(t, err)
}
