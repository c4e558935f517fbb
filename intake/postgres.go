package intake

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const batchCols = `id, tenant_id, channel, title, status, max_entries_per_viewer, default_stake, next_sequence, opened_at, closed_at`
const entryCols = `id, batch_id, viewer_id, viewer_username, item, stake, sequence, status, payout, created_at, resolved_at`

// PGStore keeps batches and entries in Postgres.
type PGStore struct {
	DB *sql.DB
}

type scanner interface{ Scan(...any) error }

func scanBatch(sc scanner) (*Batch, error) {
	var b Batch
	var closed sql.NullTime
	if err := sc.Scan(&b.ID, &b.TenantID, &b.Channel, &b.Title, &b.Status, &b.MaxPerViewer, &b.DefaultStake, &b.NextSequence, &b.OpenedAt, &closed); err != nil {
		return nil, err
	}
	if closed.Valid {
		b.ClosedAt = &closed.Time
	}
	return &b, nil
}

func scanEntry(sc scanner) (*Entry, error) {
	var e Entry
	var payout sql.NullFloat64
	var resolved sql.NullTime
	if err := sc.Scan(&e.ID, &e.BatchID, &e.ViewerID, &e.ViewerUsername, &e.Item, &e.Stake, &e.Sequence, &e.Status, &payout, &e.CreatedAt, &resolved); err != nil {
		return nil, err
	}
	if payout.Valid {
		e.Payout = &payout.Float64
	}
	if resolved.Valid {
		e.ResolvedAt = &resolved.Time
	}
	return &e, nil
}

// WithOpenBatch implements Store. The batch row is locked FOR UPDATE so
// concurrent submitters to the same batch serialize on it.
func (s *PGStore) WithOpenBatch(ctx context.Context, tenantID int64, channel string, fn func(Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	b, err := scanBatch(tx.QueryRowContext(ctx, `SELECT `+batchCols+` FROM batches
		WHERE tenant_id = $1 AND channel = $2 AND status = 'open' FOR UPDATE`, tenantID, strings.ToLower(channel)))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoOpenBatch
	}
	if err != nil {
		return fmt.Errorf("lock batch: %w", err)
	}
	if err := fn(&pgTx{tx: tx, batch: *b}); err != nil {
		return err
	}
	return tx.Commit()
}

type pgTx struct {
	tx    *sql.Tx
	batch Batch
}

func (t *pgTx) Batch() Batch { return t.batch }

func (t *pgTx) HasEntry(ctx context.Context, viewerID, itemKey string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM entries WHERE batch_id = $1 AND viewer_id = $2 AND item_key = $3)`,
		t.batch.ID, viewerID, itemKey).Scan(&exists)
	return exists, err
}

func (t *pgTx) CountEntries(ctx context.Context, viewerID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE batch_id = $1 AND viewer_id = $2`, t.batch.ID, viewerID).Scan(&n)
	return n, err
}

func (t *pgTx) NextSequence(ctx context.Context) (int, error) {
	var seq int
	err := t.tx.QueryRowContext(ctx,
		`UPDATE batches SET next_sequence = next_sequence + 1 WHERE id = $1 RETURNING next_sequence - 1`, t.batch.ID).Scan(&seq)
	return seq, err
}

func (t *pgTx) Insert(ctx context.Context, e *Entry, itemKey string) error {
	err := t.tx.QueryRowContext(ctx, `INSERT INTO entries (batch_id, viewer_id, viewer_username, item, item_key, stake, sequence, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id, created_at`,
		e.BatchID, e.ViewerID, e.ViewerUsername, e.Item, itemKey, e.Stake, e.Sequence, e.Status).Scan(&e.ID, &e.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

// OpenBatch closes any open batch for (tenant, channel) and opens a new one.
func (s *PGStore) OpenBatch(ctx context.Context, tenantID int64, channel, title string, maxPerViewer int, defaultStake float64) (*Batch, error) {
	if maxPerViewer <= 0 {
		maxPerViewer = 1
	}
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" {
		return nil, fmt.Errorf("channel empty")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `UPDATE batches SET status = 'closed', closed_at = NOW()
		WHERE tenant_id = $1 AND channel = $2 AND status = 'open'`, tenantID, channel); err != nil {
		return nil, fmt.Errorf("close previous batch: %w", err)
	}
	b, err := scanBatch(tx.QueryRowContext(ctx, `INSERT INTO batches (tenant_id, channel, title, max_entries_per_viewer, default_stake)
		VALUES ($1, $2, $3, $4, $5) RETURNING `+batchCols, tenantID, channel, title, maxPerViewer, defaultStake))
	if err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}
	return b, tx.Commit()
}

// CloseBatch closes the open batch for (tenant, channel).
func (s *PGStore) CloseBatch(ctx context.Context, tenantID int64, channel string) (*Batch, error) {
	b, err := scanBatch(s.DB.QueryRowContext(ctx, `UPDATE batches SET status = 'closed', closed_at = NOW()
		WHERE tenant_id = $1 AND channel = $2 AND status = 'open' RETURNING `+batchCols, tenantID, strings.ToLower(channel)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoOpenBatch
	}
	return b, err
}

// ResolveEntry flips a pending entry to resolved and records its payout.
func (s *PGStore) ResolveEntry(ctx context.Context, entryID int64, payout *float64) (*Entry, error) {
	e, err := scanEntry(s.DB.QueryRowContext(ctx, `UPDATE entries SET status = 'resolved', payout = $2, resolved_at = $3
		WHERE id = $1 AND status = 'pending' RETURNING `+entryCols, entryID, payout, time.Now().UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		var status string
		lookupErr := s.DB.QueryRowContext(ctx, `SELECT status FROM entries WHERE id = $1`, entryID).Scan(&status)
		if errors.Is(lookupErr, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		if lookupErr != nil {
			return nil, lookupErr
		}
		return nil, ErrAlreadyResolved
	}
	return e, err
}

// ListEntries returns a batch's entries in sequence order.
func (s *PGStore) ListEntries(ctx context.Context, batchID int64) ([]Entry, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+entryCols+` FROM entries WHERE batch_id = $1 ORDER BY sequence`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
