package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/onnwee/chatwarden/chat"
	"github.com/onnwee/chatwarden/eventchannel"
	"github.com/onnwee/chatwarden/telemetry"
)

// EventHandler consumes classified chat events in arrival order. Touch
// refreshes the session heartbeat.
type EventHandler func(ctx context.Context, ev *chat.Event, touch func())

// Counters persists flushed session counters.
type Counters interface {
	AddProcessedMessages(ctx context.Context, tenantID, n int64, heartbeat time.Time) error
}

// SessionConfig wires a Session.
type SessionConfig struct {
	TenantID       int64
	Room           string
	Dialer         eventchannel.Dialer
	Classifier     *chat.Classifier
	Handler        EventHandler
	Counters       Counters
	Clock          clockwork.Clock
	MaxRetries     int
	ConnectTimeout time.Duration
	FlushInterval  time.Duration
	// Changes receives every transition. Sends give up once Quit is closed.
	Changes chan<- StateChange
	Quit    <-chan struct{}
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	InstanceID    string    `json:"instance_id"`
	TenantID      int64     `json:"tenant_id"`
	Room          string    `json:"room"`
	State         string    `json:"state"`
	Retries       int       `json:"retries"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Session is one tenant's upstream connection and its state machine.
type Session struct {
	cfg       SessionConfig
	id        string
	log       *slog.Logger
	startedAt time.Time

	state     atomic.Int32
	retries   atomic.Int32
	heartbeat atomic.Int64
	messages  atomic.Int64

	mu       sync.Mutex
	client   eventchannel.Client
	stopping bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession builds an idle session. Call Run to start it.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = chat.NewClassifier("!")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	id := uuid.NewString()
	s := &Session{
		cfg:       cfg,
		id:        id,
		startedAt: cfg.Clock.Now(),
		done:      make(chan struct{}),
		log: slog.Default().With(slog.String("component", "session"),
			slog.Int64("tenant", cfg.TenantID), slog.String("session", id[:8])),
	}
	s.heartbeat.Store(s.startedAt.UnixNano())
	return s
}

// TenantID returns the owning tenant.
func (s *Session) TenantID() int64 { return s.cfg.TenantID }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Touch records liveness now.
func (s *Session) Touch() { s.heartbeat.Store(s.cfg.Clock.Now().UnixNano()) }

// LastHeartbeat returns the last time the session saw upstream or external activity.
func (s *Session) LastHeartbeat() time.Time { return time.Unix(0, s.heartbeat.Load()) }

// Info returns a snapshot for status reporting.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		InstanceID:    s.id,
		TenantID:      s.cfg.TenantID,
		Room:          s.cfg.Room,
		State:         s.State().String(),
		Retries:       int(s.retries.Load()),
		StartedAt:     s.startedAt,
		LastHeartbeat: s.LastHeartbeat(),
	}
}

// Stop performs a deliberate close. The session will not reconnect. Stop is
// idempotent and does not wait; use Done for that.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	client := s.client
	cancel := s.cancel
	s.mu.Unlock()
	if client != nil {
		if err := client.Close(); err != nil {
			s.log.Debug("close upstream", slog.Any("err", err))
		}
	}
	if cancel != nil {
		cancel()
	}
}

func (s *Session) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Run drives the state machine until Stop, parent cancellation or retry
// exhaustion.
func (s *Session) Run(parent context.Context) {
	defer close(s.done)
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(parent)
	ctx := s.ctx
	stopped := s.stopping
	s.mu.Unlock()
	defer s.cancel()

	flushDone := make(chan struct{})
	go s.flushLoop(ctx, flushDone)
	defer func() {
		<-flushDone
		s.flush(context.Background())
	}()

	if stopped {
		s.transition(StateStopped, ReasonStopped, nil)
		return
	}
	s.transition(StateConnecting, ReasonStart, nil)
	retry := 0
	for {
		client, err := s.connect(ctx)
		if err == nil {
			retry = 0
			s.retries.Store(0)
			s.Touch()
			s.transition(StateConnected, ReasonConnected, nil)
			err = s.receive(ctx, client)
			_ = client.Close()
			s.setClient(nil)
		}
		if s.isStopping() || ctx.Err() != nil {
			s.transition(StateStopped, ReasonStopped, nil)
			return
		}
		if retry >= s.cfg.MaxRetries {
			s.log.Warn("giving up on upstream", slog.Int("attempts", retry+1), slog.Any("err", err))
			s.transition(StateStopped, ReasonExhausted, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, retry+1, err))
			return
		}
		wait := Backoff(retry)
		s.log.Warn("upstream connection failed, retrying", slog.Int("retry", retry+1), slog.Duration("backoff", wait), slog.Any("err", err))
		s.transition(StateReconnecting, ReasonTransport, err)
		select {
		case <-ctx.Done():
			s.transition(StateStopped, ReasonStopped, nil)
			return
		case <-s.cfg.Clock.After(wait):
		}
		retry++
		s.retries.Store(int32(retry))
		if s.isStopping() {
			s.transition(StateStopped, ReasonStopped, nil)
			return
		}
		s.transition(StateConnecting, ReasonRetry, nil)
	}
}

func (s *Session) connect(ctx context.Context) (eventchannel.Client, error) {
	if s.isStopping() {
		return nil, errStopping
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	client, err := s.cfg.Dialer.Dial(cctx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	// Stop may have run while dialing; it could not see this client.
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		_ = client.Close()
		return nil, errStopping
	}
	s.client = client
	s.mu.Unlock()
	if err := client.Subscribe(cctx, s.cfg.Room); err != nil {
		_ = client.Close()
		s.setClient(nil)
		return nil, fmt.Errorf("subscribe %s: %w", s.cfg.Room, err)
	}
	return client, nil
}

func (s *Session) setClient(c eventchannel.Client) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

// receive processes frames until the connection fails.
func (s *Session) receive(ctx context.Context, client eventchannel.Client) error {
	for {
		env, err := client.Next(ctx)
		if err != nil {
			if errors.Is(err, eventchannel.ErrMalformed) {
				telemetry.FramesMalformed.Inc()
				s.log.Debug("skipping malformed frame", slog.Any("err", err))
				continue
			}
			return err
		}
		s.Touch()
		telemetry.FramesReceived.Inc()
		ev, err := s.cfg.Classifier.Classify(s.cfg.TenantID, env)
		if err != nil {
			telemetry.FramesMalformed.Inc()
			s.log.Debug("skipping unparseable chat message", slog.Any("err", err))
			continue
		}
		if ev == nil {
			continue
		}
		telemetry.ChatMessages.Inc()
		s.messages.Add(1)
		if s.cfg.Handler != nil {
			s.cfg.Handler(ctx, ev, s.Touch)
		}
	}
}

func (s *Session) flushLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := s.cfg.Clock.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.flush(ctx)
		}
	}
}

func (s *Session) flush(ctx context.Context) {
	if s.cfg.Counters == nil {
		return
	}
	n := s.messages.Swap(0)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.cfg.Counters.AddProcessedMessages(ctx, s.cfg.TenantID, n, s.LastHeartbeat()); err != nil {
		s.messages.Add(n)
		s.log.Warn("flush monitor counters failed", slog.Any("err", err))
	}
}

func (s *Session) transition(to State, reason string, err error) {
	from := State(s.state.Swap(int32(to)))
	telemetry.SessionTransitions.WithLabelValues(to.String()).Inc()
	s.log.Debug("session state", slog.String("from", from.String()), slog.String("to", to.String()), slog.String("reason", reason))
	if s.cfg.Changes == nil {
		return
	}
	change := StateChange{TenantID: s.cfg.TenantID, Session: s, From: from, To: to, Reason: reason, Err: err, At: s.cfg.Clock.Now()}
	select {
	case s.cfg.Changes <- change:
	case <-s.cfg.Quit:
	}
}
