package monitor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/onnwee/chatwarden/chat"
	"github.com/onnwee/chatwarden/commands"
	"github.com/onnwee/chatwarden/telemetry"
)

// IntakeHandler accepts reserved-token submissions.
type IntakeHandler interface {
	Handle(ctx context.Context, ev *chat.Event, channel string)
}

// CommandDispatcher runs custom commands.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, inv commands.Invocation) commands.Outcome
}

// Router sends each event to display consumers and, for commands, to either
// the intake handler or the dispatcher.
type Router struct {
	IntakeToken string
	Intake      IntakeHandler
	Dispatcher  CommandDispatcher
	Display     *Fanout
}

// Handler returns the per-session EventHandler for a tenant channel.
func (r *Router) Handler(channel string) EventHandler {
	return func(ctx context.Context, ev *chat.Event, touch func()) {
		r.Route(ctx, channel, ev, touch)
	}
}

// Route processes one event.
func (r *Router) Route(ctx context.Context, channel string, ev *chat.Event, touch func()) {
	if r.Display != nil {
		r.Display.Publish(ev)
	}
	if !ev.IsCommand() {
		return
	}
	if ev.Command == r.IntakeToken {
		if r.Intake != nil {
			r.Intake.Handle(ctx, ev, channel)
		}
		return
	}
	if r.Dispatcher != nil {
		r.Dispatcher.Dispatch(ctx, commands.InvocationFromEvent(ev, touch))
	}
}

// Fanout copies events to named consumers. A slow consumer loses events; it
// never blocks the session.
type Fanout struct {
	mu    sync.RWMutex
	sinks []sink
}

type sink struct {
	name string
	ch   chan *chat.Event
}

// NewFanout returns an empty Fanout.
func NewFanout() *Fanout { return &Fanout{} }

// Add registers a consumer and returns its channel.
func (f *Fanout) Add(name string, buffer int) <-chan *chat.Event {
	ch := make(chan *chat.Event, buffer)
	f.mu.Lock()
	f.sinks = append(f.sinks, sink{name: name, ch: ch})
	f.mu.Unlock()
	return ch
}

// Publish offers ev to every consumer without blocking.
func (f *Fanout) Publish(ev *chat.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.sinks {
		select {
		case s.ch <- ev:
		default:
			telemetry.DisplayDropped.WithLabelValues(s.name).Inc()
			slog.Debug("display consumer full, dropping event", slog.String("component", "fanout"), slog.String("consumer", s.name))
		}
	}
}

// Hub broadcasts events to live subscribers of a tenant, such as SSE streams.
type Hub struct {
	mu     sync.Mutex
	subs   map[int64]map[chan *chat.Event]struct{}
	buffer int
}

// NewHub returns a Hub whose subscriber channels hold buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[int64]map[chan *chat.Event]struct{}), buffer: buffer}
}

// Subscribe registers a listener for tenantID. Call cancel to release it.
func (h *Hub) Subscribe(tenantID int64) (<-chan *chat.Event, func()) {
	ch := make(chan *chat.Event, h.buffer)
	h.mu.Lock()
	if h.subs[tenantID] == nil {
		h.subs[tenantID] = make(map[chan *chat.Event]struct{})
	}
	h.subs[tenantID][ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[tenantID], ch)
			if len(h.subs[tenantID]) == 0 {
				delete(h.subs, tenantID)
			}
			h.mu.Unlock()
		})
	}
}

// Subscribers returns the listener count for tenantID.
func (h *Hub) Subscribers(tenantID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[tenantID])
}

// Broadcast delivers ev to the tenant's listeners, dropping for full ones.
func (h *Hub) Broadcast(ev *chat.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[ev.TenantID] {
		select {
		case ch <- ev:
		default:
			telemetry.DisplayDropped.WithLabelValues("live_subscriber").Inc()
		}
	}
}

// Run broadcasts events from in until ctx is done or in is closed.
func (h *Hub) Run(ctx context.Context, in <-chan *chat.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			h.Broadcast(ev)
		}
	}
}
