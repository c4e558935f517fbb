package intake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/chatwarden/chat"
)

type recordingResponder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingResponder) SendAsync(_ int64, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
}

func TestSubmitDuplicateIsDropped(t *testing.T) {
	store := newMemStore()
	b := store.open(1, "streamer", 5, 2.5)
	h := NewHandler(store)
	ctx := context.Background()
	sub := Submission{TenantID: 1, Channel: "streamer", ViewerID: "v1", Viewer: "alice", Item: "Book of Dead"}

	e, err := h.Submit(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Sequence)
	assert.Equal(t, 2.5, e.Stake)
	assert.Equal(t, EntryPending, e.Status)

	_, err = h.Submit(ctx, sub)
	assert.ErrorIs(t, err, ErrDuplicate)
	sub.Item = "  book   OF dead "
	_, err = h.Submit(ctx, sub)
	assert.ErrorIs(t, err, ErrDuplicate)

	entries := store.entries(b.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Sequence)
	assert.Equal(t, "Book of Dead", entries[0].Item)
}

func TestSubmitQuota(t *testing.T) {
	store := newMemStore()
	b := store.open(1, "streamer", 2, 0)
	h := NewHandler(store)
	ctx := context.Background()

	var errs []error
	for _, item := range []string{"Gates of Olympus", "Sweet Bonanza", "Wanted Dead or a Wild"} {
		_, err := h.Submit(ctx, Submission{TenantID: 1, Channel: "streamer", ViewerID: "v1", Viewer: "alice", Item: item})
		errs = append(errs, err)
	}
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.ErrorIs(t, errs[2], ErrQuota)

	entries := store.entries(b.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, []int{1, 2}, []int{entries[0].Sequence, entries[1].Sequence})

	// another viewer is unaffected and continues the sequence
	e, err := h.Submit(ctx, Submission{TenantID: 1, Channel: "streamer", ViewerID: "v2", Viewer: "bob", Item: "Sweet Bonanza"})
	require.NoError(t, err)
	assert.Equal(t, 3, e.Sequence)
}

func TestSubmitRejections(t *testing.T) {
	store := newMemStore()
	store.open(1, "streamer", 1, 0)
	h := NewHandler(store)
	ctx := context.Background()

	_, err := h.Submit(ctx, Submission{TenantID: 1, Channel: "streamer", ViewerID: "v1", Viewer: "alice", Item: "   "})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = h.Submit(ctx, Submission{TenantID: 1, Channel: "streamer", ViewerID: "v1", Viewer: "", Item: "x"})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = h.Submit(ctx, Submission{TenantID: 2, Channel: "other", ViewerID: "v1", Viewer: "alice", Item: "x"})
	assert.ErrorIs(t, err, ErrNoOpenBatch)
}

func TestConcurrentSubmissionsAreGapFree(t *testing.T) {
	store := newMemStore()
	b := store.open(1, "streamer", 1, 0)
	h := NewHandler(store)
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.Submit(context.Background(), Submission{
				TenantID: 1, Channel: "streamer",
				ViewerID: fmt.Sprintf("v%d", i), Viewer: fmt.Sprintf("viewer%d", i), Item: "Same Slot",
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries := store.entries(b.ID)
	require.Len(t, entries, n)
	seqs := make([]int, n)
	for i, e := range entries {
		seqs[i] = e.Sequence
	}
	sort.Ints(seqs)
	for i, s := range seqs {
		assert.Equal(t, i+1, s)
	}
}

func TestHandleIsSilentAndAcks(t *testing.T) {
	store := newMemStore()
	store.open(1, "streamer", 1, 0)
	resp := &recordingResponder{}
	h := NewHandler(store, WithAck(resp, "@{user} entry #{seq}: {item}"))
	ctx := context.Background()
	ev := &chat.Event{TenantID: 1, SenderID: "v1", Username: "alice", Command: "call", Args: "Book of Dead"}

	h.Handle(ctx, ev, "streamer")
	h.Handle(ctx, ev, "streamer")
	h.Handle(ctx, &chat.Event{TenantID: 9, SenderID: "v1", Username: "alice", Args: "x"}, "nochan")

	assert.Equal(t, []string{"@alice entry #1: Book of Dead"}, resp.msgs)
}

func TestNormalizeItem(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"  Book \t of\nDead ", 120, "Book of Dead"},
		{"", 120, ""},
		{"abcdef", 3, "abc"},
		{"ab cdef", 3, "ab"},
		{"ÄÖÜäöü", 4, "ÄÖÜä"},
	}
	for _, tt := range tests {
		if got := NormalizeItem(tt.in, tt.max); got != tt.want {
			t.Errorf("NormalizeItem(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestMaxItemLenOption(t *testing.T) {
	store := newMemStore()
	b := store.open(1, "streamer", 1, 0)
	h := NewHandler(store, WithMaxItemLen(4))
	_, err := h.Submit(context.Background(), Submission{TenantID: 1, Channel: "streamer", ViewerID: "v", Viewer: "v", Item: "Longname"})
	require.NoError(t, err)
	assert.Equal(t, "Long", store.entries(b.ID)[0].Item)
}
