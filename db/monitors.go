package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// MonitorRecord is the persisted view of a tenant's monitor.
type MonitorRecord struct {
	TenantID              int64      `json:"tenant_id"`
	IsActive              bool       `json:"is_active"`
	LastHeartbeat         *time.Time `json:"last_heartbeat"`
	ProcessedMessageCount int64      `json:"processed_message_count"`
	ProcessedCommandCount int64      `json:"processed_command_count"`
	LastError             string     `json:"last_error,omitempty"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

const monitorCols = `tenant_id, is_active, last_heartbeat, processed_message_count, processed_command_count, last_error, started_at, updated_at`

func scanMonitor(sc interface{ Scan(...any) error }) (*MonitorRecord, error) {
	var m MonitorRecord
	var hb, started sql.NullTime
	var lastErr sql.NullString
	if err := sc.Scan(&m.TenantID, &m.IsActive, &hb, &m.ProcessedMessageCount, &m.ProcessedCommandCount, &lastErr, &started, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if hb.Valid {
		m.LastHeartbeat = &hb.Time
	}
	if started.Valid {
		m.StartedAt = &started.Time
	}
	m.LastError = lastErr.String
	return &m, nil
}

// GetMonitor returns the record for a tenant, or nil when none exists.
func (s *Store) GetMonitor(ctx context.Context, tenantID int64) (*MonitorRecord, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+monitorCols+` FROM monitors WHERE tenant_id = $1`, tenantID)
	m, err := scanMonitor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// ListMonitors returns every monitor record ordered by tenant.
func (s *Store) ListMonitors(ctx context.Context) ([]MonitorRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+monitorCols+` FROM monitors ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MonitorRecord
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// SetMonitorActive upserts the active flag. Activation stamps started_at and
// clears the previous error.
func (s *Store) SetMonitorActive(ctx context.Context, tenantID int64, active bool) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO monitors (tenant_id, is_active, started_at, last_heartbeat, updated_at)
		VALUES ($1, $2, CASE WHEN $2 THEN NOW() END, CASE WHEN $2 THEN NOW() END, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			is_active = EXCLUDED.is_active,
			started_at = CASE WHEN EXCLUDED.is_active THEN NOW() ELSE monitors.started_at END,
			last_heartbeat = CASE WHEN EXCLUDED.is_active THEN NOW() ELSE monitors.last_heartbeat END,
			last_error = CASE WHEN EXCLUDED.is_active THEN NULL ELSE monitors.last_error END,
			updated_at = NOW()`, tenantID, active)
	return err
}

// ListActiveTenants returns tenant ids whose monitor is persisted as active.
func (s *Store) ListActiveTenants(ctx context.Context) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT tenant_id FROM monitors WHERE is_active ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TouchHeartbeat persists the latest heartbeat time.
func (s *Store) TouchHeartbeat(ctx context.Context, tenantID int64, at time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE monitors SET last_heartbeat = GREATEST(COALESCE(last_heartbeat, $2), $2), updated_at = NOW() WHERE tenant_id = $1`,
		tenantID, at)
	return err
}

// AddProcessedMessages adds n to the processed message counter and records
// the heartbeat observed with them.
func (s *Store) AddProcessedMessages(ctx context.Context, tenantID, n int64, heartbeat time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE monitors SET
			processed_message_count = processed_message_count + $2,
			last_heartbeat = GREATEST(COALESCE(last_heartbeat, $3), $3),
			updated_at = NOW()
		WHERE tenant_id = $1`, tenantID, n, heartbeat)
	return err
}

// IncrementProcessedCommands bumps the tenant's processed command counter.
func (s *Store) IncrementProcessedCommands(ctx context.Context, tenantID int64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE monitors SET processed_command_count = processed_command_count + 1, updated_at = NOW() WHERE tenant_id = $1`,
		tenantID)
	return err
}

// RecordMonitorError stores the last error message without changing is_active.
func (s *Store) RecordMonitorError(ctx context.Context, tenantID int64, msg string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE monitors SET last_error = $2, updated_at = NOW() WHERE tenant_id = $1`, tenantID, msg)
	return err
}
