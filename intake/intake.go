// Package intake accepts viewer call entries into the tenant's open batch.
// Each accepted entry gets the batch's next sequence number; allocation,
// duplicate and quota checks run in one batch-locked transaction so
// sequences are strictly increasing and gap-free.
package intake

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

var (
	ErrNoOpenBatch     = errors.New("intake: no open batch")
	ErrDuplicate       = errors.New("intake: duplicate entry")
	ErrQuota           = errors.New("intake: viewer entry limit reached")
	ErrInvalid         = errors.New("intake: empty item or viewer")
	ErrEntryNotFound   = errors.New("intake: entry not found")
	ErrAlreadyResolved = errors.New("intake: entry already resolved")
)

// Batch statuses.
const (
	BatchOpen   = "open"
	BatchClosed = "closed"
)

// Entry statuses.
const (
	EntryPending  = "pending"
	EntryResolved = "resolved"
)

// Batch is a collection window for entries.
type Batch struct {
	ID           int64      `json:"id"`
	TenantID     int64      `json:"tenant_id"`
	Channel      string     `json:"channel"`
	Title        string     `json:"title"`
	Status       string     `json:"status"`
	MaxPerViewer int        `json:"max_entries_per_viewer"`
	DefaultStake float64    `json:"default_stake"`
	NextSequence int        `json:"next_sequence"`
	OpenedAt     time.Time  `json:"opened_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

// Entry is one accepted viewer call.
type Entry struct {
	ID             int64      `json:"id"`
	BatchID        int64      `json:"batch_id"`
	ViewerID       string     `json:"viewer_id"`
	ViewerUsername string     `json:"viewer_username"`
	Item           string     `json:"item"`
	Stake          float64    `json:"stake"`
	Sequence       int        `json:"sequence"`
	Status         string     `json:"status"`
	Payout         *float64   `json:"payout,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Submission is a raw call from chat.
type Submission struct {
	TenantID int64
	Channel  string
	ViewerID string
	Viewer   string
	Item     string
}

// Tx is the view of one locked open batch inside a transaction.
type Tx interface {
	Batch() Batch
	HasEntry(ctx context.Context, viewerID, itemKey string) (bool, error)
	CountEntries(ctx context.Context, viewerID string) (int, error)
	NextSequence(ctx context.Context) (int, error)
	Insert(ctx context.Context, e *Entry, itemKey string) error
}

// Store runs fn against the locked open batch for (tenant, channel). A
// non-nil error from fn rolls everything back. It returns ErrNoOpenBatch when
// no batch is open.
type Store interface {
	WithOpenBatch(ctx context.Context, tenantID int64, channel string, fn func(Tx) error) error
}

// NormalizeItem trims, collapses internal whitespace and truncates to max runes.
func NormalizeItem(s string, max int) string {
	s = strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
	if max > 0 && utf8.RuneCountInString(s) > max {
		r := []rune(s)
		s = strings.TrimSpace(string(r[:max]))
	}
	return s
}

// ItemKey is the case-insensitive dedupe key for an item.
func ItemKey(item string) string { return strings.ToLower(item) }
