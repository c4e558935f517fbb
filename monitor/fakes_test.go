package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/onnwee/chatwarden/db"
	"github.com/onnwee/chatwarden/eventchannel"
)

type frame struct {
	env eventchannel.Envelope
	err error
}

// fakeClient replays queued frames and then blocks until closed.
type fakeClient struct {
	frames    chan frame
	closed    chan struct{}
	closeOnce sync.Once
	subErr    error
	rooms     []string
	mu        sync.Mutex
}

func newFakeClient(frames ...frame) *fakeClient {
	c := &fakeClient{frames: make(chan frame, len(frames)+8), closed: make(chan struct{})}
	for _, f := range frames {
		c.frames <- f
	}
	return c
}

func (c *fakeClient) Subscribe(_ context.Context, room string) error {
	c.mu.Lock()
	c.rooms = append(c.rooms, room)
	c.mu.Unlock()
	return c.subErr
}

func (c *fakeClient) Next(ctx context.Context) (eventchannel.Envelope, error) {
	select {
	case f := <-c.frames:
		return f.env, f.err
	case <-c.closed:
		return eventchannel.Envelope{}, eventchannel.ErrClosed
	case <-ctx.Done():
		return eventchannel.Envelope{}, ctx.Err()
	}
}

func (c *fakeClient) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeClient) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out clients from next; nil next always fails.
type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	clients []*fakeClient
	next    func(n int) (*fakeClient, error)
}

var errDial = errors.New("connection refused")

func (d *fakeDialer) Dial(context.Context) (eventchannel.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.next == nil {
		return nil, errDial
	}
	c, err := d.next(d.dials)
	if err != nil {
		return nil, err
	}
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) OpenClients() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.clients {
		if !c.isClosed() {
			n++
		}
	}
	return n
}

func blockingDialer() *fakeDialer {
	return &fakeDialer{next: func(int) (*fakeClient, error) { return newFakeClient(), nil }}
}

func chatFrame(t *testing.T, id, content string, badges ...string) frame {
	t.Helper()
	bs := make([]eventchannel.Badge, 0, len(badges))
	for _, b := range badges {
		bs = append(bs, eventchannel.Badge{Type: b})
	}
	inner, err := json.Marshal(eventchannel.ChatMessage{
		ID:         id,
		ChatroomID: "42",
		Content:    content,
		Sender:     eventchannel.Sender{ID: "7", Username: "viewer", Identity: eventchannel.Identity{Badges: bs}},
	})
	require.NoError(t, err)
	data, err := json.Marshal(string(inner))
	require.NoError(t, err)
	return frame{env: eventchannel.Envelope{Event: eventchannel.EventChatMessage, Channel: "chatrooms.42.v2", Data: data}}
}

// memStore is an in-memory Store.
type memStore struct {
	mu        sync.Mutex
	tenants   map[int64]*db.Tenant
	monitors  map[int64]*db.MonitorRecord
	processed map[int64]int64
}

func newMemStore(tenants ...*db.Tenant) *memStore {
	m := &memStore{tenants: map[int64]*db.Tenant{}, monitors: map[int64]*db.MonitorRecord{}, processed: map[int64]int64{}}
	for _, t := range tenants {
		m.tenants[t.ID] = t
	}
	return m
}

func (m *memStore) GetTenant(_ context.Context, id int64) (*db.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) SaveResolution(_ context.Context, id int64, roomID, broadcasterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tenants[id]; ok {
		t.RoomID, t.BroadcasterID = roomID, broadcasterID
	}
	return nil
}

func (m *memStore) record(id int64) *db.MonitorRecord {
	r, ok := m.monitors[id]
	if !ok {
		r = &db.MonitorRecord{TenantID: id}
		m.monitors[id] = r
	}
	return r
}

func (m *memStore) GetMonitor(_ context.Context, id int64) (*db.MonitorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.monitors[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) SetMonitorActive(_ context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.record(id)
	r.IsActive = active
	if active {
		r.LastError = ""
	}
	return nil
}

func (m *memStore) ListActiveTenants(context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, r := range m.monitors {
		if r.IsActive {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) TouchHeartbeat(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(id).LastHeartbeat = &at
	return nil
}

func (m *memStore) AddProcessedMessages(_ context.Context, id, n int64, hb time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[id] += n
	r := m.record(id)
	r.ProcessedMessageCount += n
	r.LastHeartbeat = &hb
	return nil
}

func (m *memStore) RecordMonitorError(_ context.Context, id int64, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(id).LastError = msg
	return nil
}

func (m *memStore) monitor(id int64) db.MonitorRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.record(id)
}

// staticResolver always resolves to the same dialer.
type staticResolver struct {
	dialer eventchannel.Dialer
	err    error
}

func (r staticResolver) Resolve(_ context.Context, t *db.Tenant) (Target, error) {
	if r.err != nil {
		return Target{}, r.err
	}
	return Target{Room: "chatrooms.42.v2", RoomID: "42", BroadcasterID: "777", Dialer: r.dialer}, nil
}
