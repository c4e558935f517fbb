package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Platform names.
const (
	PlatformKick   = "kick"
	PlatformTwitch = "twitch"
)

// Tenant is a registered channel. Rows are owned by the external management
// layer; only the resolution cache is written here.
type Tenant struct {
	ID            int64
	Platform      string
	Channel       string
	BotLabel      string
	RoomID        string
	BroadcasterID string
	ResolvedAt    time.Time
}

// GetTenant loads a tenant or returns ErrNotFound.
func (s *Store) GetTenant(ctx context.Context, id int64) (*Tenant, error) {
	var t Tenant
	var room, broadcaster sql.NullString
	var resolved sql.NullTime
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, platform, channel, bot_label, room_id, broadcaster_id, resolved_at FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Platform, &t.Channel, &t.BotLabel, &room, &broadcaster, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	t.RoomID, t.BroadcasterID = room.String, broadcaster.String
	if resolved.Valid {
		t.ResolvedAt = resolved.Time
	}
	return &t, nil
}

// CreateTenant inserts a tenant and returns its id. Used by tooling and tests.
func (s *Store) CreateTenant(ctx context.Context, platform, channel, botLabel string) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO tenants (platform, channel, bot_label) VALUES ($1, $2, $3) RETURNING id`,
		platform, channel, botLabel).Scan(&id)
	return id, err
}

// SaveResolution caches the resolved room and broadcaster ids.
func (s *Store) SaveResolution(ctx context.Context, tenantID int64, roomID, broadcasterID string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE tenants SET room_id = $2, broadcaster_id = $3, resolved_at = NOW(), updated_at = NOW() WHERE id = $1`,
		tenantID, roomID, broadcasterID)
	return err
}
