package chat

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/chatwarden/telemetry"
)

// RetentionPolicy decides which recorded chat messages are pruned. A message
// is kept when any enabled rule keeps it.
type RetentionPolicy struct {
	// KeepDays keeps messages received within this many days (0 = disabled).
	KeepDays int
	// KeepPerTenant keeps each tenant's N most recent messages (0 = disabled).
	KeepPerTenant int
	// DryRun counts eligible messages without deleting them.
	DryRun bool
	// Interval is how often the job runs.
	Interval time.Duration
}

// Enabled reports whether any rule is configured.
func (p RetentionPolicy) Enabled() bool { return p.KeepDays > 0 || p.KeepPerTenant > 0 }

const prunableCTE = `WITH ranked AS (
	SELECT id, received_at,
		ROW_NUMBER() OVER (PARTITION BY tenant_id ORDER BY received_at DESC, id DESC) AS rn
	FROM chat_messages
)`

const prunableWhere = `($1::timestamptz IS NULL OR r.received_at < $1) AND ($2::int = 0 OR r.rn > $2)`

// JobState persists when a background job last ran.
type JobState interface {
	GetKV(ctx context.Context, key string) (string, error)
	SetKV(ctx context.Context, key, value string) error
}

// RetentionLastRunKey is the kv key holding the last successful prune time.
const RetentionLastRunKey = "job_chat_retention_last"

// StartRetentionJob prunes recorded chat on policy.Interval until ctx is done.
// The first run is delayed when state shows a run within the last interval,
// so restarts do not prune more often than configured. state may be nil.
func StartRetentionJob(ctx context.Context, dbc *sql.DB, state JobState, policy RetentionPolicy) {
	if !policy.Enabled() {
		slog.Info("chat retention disabled (no policy configured)", slog.String("component", "chat_retention"))
		return
	}
	if policy.Interval <= 0 {
		policy.Interval = 6 * time.Hour
	}
	wait := nextRetentionRun(ctx, state, policy.Interval, time.Now())
	slog.Info("chat retention job starting",
		slog.String("component", "chat_retention"),
		slog.Int("keep_days", policy.KeepDays),
		slog.Int("keep_per_tenant", policy.KeepPerTenant),
		slog.Bool("dry_run", policy.DryRun),
		slog.Duration("interval", policy.Interval),
		slog.Duration("first_run_in", wait))

	run := func() {
		now := time.Now()
		if _, err := PruneChat(ctx, dbc, policy, now); err != nil {
			if ctx.Err() == nil {
				slog.Warn("chat retention failed", slog.Any("err", err), slog.String("component", "chat_retention"))
			}
			return
		}
		if state == nil {
			return
		}
		if err := state.SetKV(ctx, RetentionLastRunKey, now.UTC().Format(time.RFC3339Nano)); err != nil && ctx.Err() == nil {
			slog.Warn("record chat retention run failed", slog.Any("err", err), slog.String("component", "chat_retention"))
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("chat retention job stopped", slog.String("component", "chat_retention"))
			return
		case <-timer.C:
			run()
			timer.Reset(policy.Interval)
		}
	}
}

// nextRetentionRun returns how long to wait before the first prune. A missing
// or unreadable record means run now.
func nextRetentionRun(ctx context.Context, state JobState, interval time.Duration, now time.Time) time.Duration {
	if state == nil {
		return 0
	}
	v, err := state.GetKV(ctx, RetentionLastRunKey)
	if err != nil || v == "" {
		return 0
	}
	last, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return 0
	}
	if wait := last.Add(interval).Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// PruneChat applies policy once as of now. It returns the number of messages
// deleted, or in dry-run mode the number that would be.
func PruneChat(ctx context.Context, dbc *sql.DB, policy RetentionPolicy, now time.Time) (int64, error) {
	if !policy.Enabled() {
		return 0, nil
	}
	var cutoff any
	if policy.KeepDays > 0 {
		cutoff = now.Add(-time.Duration(policy.KeepDays) * 24 * time.Hour)
	}
	logger := slog.Default().With(slog.String("component", "chat_retention"), slog.Bool("dry_run", policy.DryRun))

	if policy.DryRun {
		var n int64
		err := dbc.QueryRowContext(ctx, prunableCTE+` SELECT COUNT(*) FROM ranked r WHERE `+prunableWhere,
			cutoff, policy.KeepPerTenant).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("count prunable chat: %w", err)
		}
		logger.Info("chat retention dry run", slog.Int64("eligible", n))
		return n, nil
	}

	res, err := dbc.ExecContext(ctx, prunableCTE+` DELETE FROM chat_messages c USING ranked r WHERE c.id = r.id AND `+prunableWhere,
		cutoff, policy.KeepPerTenant)
	if err != nil {
		return 0, fmt.Errorf("prune chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	telemetry.ChatMessagesPruned.Add(float64(n))
	if n > 0 {
		logger.Info("pruned recorded chat", slog.Int64("deleted", n))
	}
	return n, nil
}
