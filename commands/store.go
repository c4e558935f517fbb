// Package commands dispatches prefix chat commands to their configured
// responses, enforcing permission level and per-command cooldowns.
package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/chatwarden/chat"
)

// ErrNotFound is returned when a tenant has no enabled command for a token.
var ErrNotFound = errors.New("commands: not found")

// Definition is a configured chat command.
type Definition struct {
	ID         int64
	TenantID   int64
	Token      string
	Response   string
	Required   chat.Level
	Cooldown   time.Duration
	Enabled    bool
	UsageCount int64
	LastUsedAt *time.Time
}

// PGStore reads command definitions from Postgres.
type PGStore struct {
	DB *sql.DB
}

// Lookup returns the enabled definition for token, or ErrNotFound.
func (s *PGStore) Lookup(ctx context.Context, tenantID int64, token string) (*Definition, error) {
	var d Definition
	var level string
	var cooldown int
	var last sql.NullTime
	err := s.DB.QueryRowContext(ctx, `SELECT id, tenant_id, token, response, required_level, cooldown_seconds, enabled, usage_count, last_used_at
		FROM commands WHERE tenant_id = $1 AND lower(token) = lower($2) AND enabled`, tenantID, token).
		Scan(&d.ID, &d.TenantID, &d.Token, &d.Response, &level, &cooldown, &d.Enabled, &d.UsageCount, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, token)
	}
	if err != nil {
		return nil, err
	}
	if d.Required, err = chat.ParseLevel(level); err != nil {
		return nil, fmt.Errorf("command %d: %w", d.ID, err)
	}
	d.Cooldown = time.Duration(cooldown) * time.Second
	if last.Valid {
		d.LastUsedAt = &last.Time
	}
	return &d, nil
}

// RecordUse increments the usage counter and stamps last_used_at.
func (s *PGStore) RecordUse(ctx context.Context, id int64, at time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE commands SET usage_count = usage_count + 1, last_used_at = $2 WHERE id = $1`, id, at)
	return err
}

// Save inserts or updates a definition keyed by (tenant, token) and returns its id.
func (s *PGStore) Save(ctx context.Context, d Definition) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `INSERT INTO commands (tenant_id, token, response, required_level, cooldown_seconds, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, lower(token)) DO UPDATE SET
			response = EXCLUDED.response,
			required_level = EXCLUDED.required_level,
			cooldown_seconds = EXCLUDED.cooldown_seconds,
			enabled = EXCLUDED.enabled,
			updated_at = NOW()
		RETURNING id`,
		d.TenantID, strings.ToLower(d.Token), d.Response, d.Required.String(), int(d.Cooldown/time.Second), d.Enabled).Scan(&id)
	return id, err
}
