package intake

import (
	"context"
	"strings"
	"sync"
	"time"
)

// memStore is an in-memory Store. Each batch has its own lock and changes
// made inside WithOpenBatch are applied only when fn succeeds.
type memStore struct {
	mu      sync.Mutex
	batches map[int64]*memBatch
	nextID  int64
}

type memBatch struct {
	mu      sync.Mutex
	batch   Batch
	entries []memEntry
}

type memEntry struct {
	Entry
	key string
}

func newMemStore() *memStore { return &memStore{batches: map[int64]*memBatch{}} }

func (s *memStore) open(tenantID int64, channel string, maxPerViewer int, stake float64) Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	b := Batch{ID: s.nextID, TenantID: tenantID, Channel: strings.ToLower(channel), Status: BatchOpen,
		MaxPerViewer: maxPerViewer, DefaultStake: stake, NextSequence: 1, OpenedAt: time.Now()}
	s.batches[b.ID] = &memBatch{batch: b}
	return b
}

func (s *memStore) entries(batchID int64) []Entry {
	s.mu.Lock()
	mb := s.batches[batchID]
	s.mu.Unlock()
	mb.mu.Lock()
	defer mb.mu.Unlock()
	out := make([]Entry, len(mb.entries))
	for i, e := range mb.entries {
		out[i] = e.Entry
	}
	return out
}

func (s *memStore) WithOpenBatch(ctx context.Context, tenantID int64, channel string, fn func(Tx) error) error {
	s.mu.Lock()
	var mb *memBatch
	for _, b := range s.batches {
		if b.batch.TenantID == tenantID && b.batch.Channel == strings.ToLower(channel) && b.batch.Status == BatchOpen {
			mb = b
		}
	}
	s.mu.Unlock()
	if mb == nil {
		return ErrNoOpenBatch
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	tx := &memTx{mb: mb, next: mb.batch.NextSequence}
	if err := fn(tx); err != nil {
		return err
	}
	mb.batch.NextSequence = tx.next
	mb.entries = append(mb.entries, tx.staged...)
	return nil
}

type memTx struct {
	mb     *memBatch
	next   int
	staged []memEntry
}

func (t *memTx) Batch() Batch { return t.mb.batch }

func (t *memTx) all() []memEntry { return append(append([]memEntry(nil), t.mb.entries...), t.staged...) }

func (t *memTx) HasEntry(_ context.Context, viewerID, itemKey string) (bool, error) {
	for _, e := range t.all() {
		if e.ViewerID == viewerID && e.key == itemKey {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) CountEntries(_ context.Context, viewerID string) (int, error) {
	n := 0
	for _, e := range t.all() {
		if e.ViewerID == viewerID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) NextSequence(context.Context) (int, error) {
	seq := t.next
	t.next++
	return seq, nil
}

func (t *memTx) Insert(_ context.Context, e *Entry, itemKey string) error {
	e.ID = int64(len(t.mb.entries) + len(t.staged) + 1)
	e.CreatedAt = time.Now()
	t.staged = append(t.staged, memEntry{Entry: *e, key: itemKey})
	return nil
}
