package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/chatwarden/chat"
	"github.com/onnwee/chatwarden/db"
	"github.com/onnwee/chatwarden/telemetry"
)

// Store is the persistence the supervisor needs.
type Store interface {
	GetTenant(ctx context.Context, id int64) (*db.Tenant, error)
	SaveResolution(ctx context.Context, tenantID int64, roomID, broadcasterID string) error
	GetMonitor(ctx context.Context, tenantID int64) (*db.MonitorRecord, error)
	SetMonitorActive(ctx context.Context, tenantID int64, active bool) error
	ListActiveTenants(ctx context.Context) ([]int64, error)
	TouchHeartbeat(ctx context.Context, tenantID int64, at time.Time) error
	AddProcessedMessages(ctx context.Context, tenantID, n int64, heartbeat time.Time) error
	RecordMonitorError(ctx context.Context, tenantID int64, msg string) error
}

// Config tunes the supervisor and the sessions it creates.
type Config struct {
	MaxRetries          int
	ConnectTimeout      time.Duration
	FlushInterval       time.Duration
	HeartbeatSweepEvery time.Duration
	StaleAfter          time.Duration
	HealthCheckEvery    time.Duration
	EvictAfter          time.Duration
	RestartTimeout      time.Duration
	Classifier          *chat.Classifier
	Clock               clockwork.Clock
}

func (c *Config) defaults() {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.HeartbeatSweepEvery <= 0 {
		c.HeartbeatSweepEvery = 5 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.HealthCheckEvery <= 0 {
		c.HealthCheckEvery = time.Minute
	}
	if c.EvictAfter <= 0 {
		c.EvictAfter = 10 * time.Minute
	}
	if c.RestartTimeout <= 0 {
		c.RestartTimeout = 30 * time.Second
	}
}

// Status is the control API view of one tenant.
type Status struct {
	Monitor     *db.MonitorRecord `json:"monitor"`
	IsConnected bool              `json:"is_connected"`
	ActiveCount int               `json:"active_count"`
	State       string            `json:"state"`
	Session     *SessionInfo      `json:"session,omitempty"`
}

// Supervisor owns the tenant→session registry.
type Supervisor struct {
	store    Store
	resolver Resolver
	router   *Router
	cfg      Config
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[int64]*Session
	locks    map[int64]*sync.Mutex

	restartMu  sync.Mutex
	restarting map[int64]bool
	restartWG  sync.WaitGroup

	changes  chan StateChange
	quit     chan struct{}
	quitOnce sync.Once
	base     context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSupervisor returns a supervisor. Call Run to process state changes and
// the periodic sweeps.
func NewSupervisor(store Store, resolver Resolver, router *Router, cfg Config) *Supervisor {
	cfg.defaults()
	base, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		store:      store,
		resolver:   resolver,
		router:     router,
		cfg:        cfg,
		log:        slog.Default().With(slog.String("component", "supervisor")),
		sessions:   make(map[int64]*Session),
		locks:      make(map[int64]*sync.Mutex),
		restarting: make(map[int64]bool),
		changes:    make(chan StateChange, 256),
		quit:       make(chan struct{}),
		base:       base,
		cancel:     cancel,
	}
}

// Start launches monitoring for a tenant, replacing any live session. It
// returns once the session goroutine is running; connection happens in the
// background.
func (s *Supervisor) Start(ctx context.Context, tenantID int64) error {
	_, err := s.start(ctx, tenantID, false)
	return err
}

// start does the work of Start. With resume set the tenant is only started if
// its persisted record is still active once the tenant lock is held, so a
// Stop that lands during resolution wins.
func (s *Supervisor) start(ctx context.Context, tenantID int64, resume bool) (bool, error) {
	if s.closed() {
		return false, ErrShutdown
	}
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return false, err
	}
	target, err := s.resolver.Resolve(ctx, tenant)
	if err != nil {
		_ = s.store.RecordMonitorError(ctx, tenantID, err.Error())
		return false, err
	}
	if target.RoomID != tenant.RoomID || target.BroadcasterID != tenant.BroadcasterID {
		if err := s.store.SaveResolution(ctx, tenantID, target.RoomID, target.BroadcasterID); err != nil {
			s.log.Warn("cache channel resolution failed", slog.Int64("tenant", tenantID), slog.Any("err", err))
		}
	}

	var handler EventHandler
	if s.router != nil {
		handler = s.router.Handler(tenant.Channel)
	}
	sess := NewSession(SessionConfig{
		TenantID:       tenantID,
		Room:           target.Room,
		Dialer:         target.Dialer,
		Classifier:     s.cfg.Classifier,
		Handler:        handler,
		Counters:       s.store,
		Clock:          s.cfg.Clock,
		MaxRetries:     s.cfg.MaxRetries,
		ConnectTimeout: s.cfg.ConnectTimeout,
		FlushInterval:  s.cfg.FlushInterval,
		Changes:        s.changes,
		Quit:           s.quit,
	})

	lock := s.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()
	if resume {
		rec, err := s.store.GetMonitor(ctx, tenantID)
		if err != nil {
			return false, err
		}
		if rec == nil || !rec.IsActive {
			return false, nil
		}
	}

	s.mu.Lock()
	if s.closed() {
		s.mu.Unlock()
		return false, ErrShutdown
	}
	if old, ok := s.sessions[tenantID]; ok {
		old.Stop()
		s.log.Info("replacing running session", slog.Int64("tenant", tenantID))
	}
	s.sessions[tenantID] = sess
	telemetry.SessionsActive.Set(float64(len(s.sessions)))
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		sess.Run(s.base)
	}()

	if err := s.store.SetMonitorActive(ctx, tenantID, true); err != nil {
		return true, fmt.Errorf("persist monitor active: %w", err)
	}
	s.log.Info("monitoring started", slog.Int64("tenant", tenantID), slog.String("platform", tenant.Platform), slog.String("room", target.Room))
	return true, nil
}

// Stop ends monitoring for a tenant and marks it inactive. Stopping a tenant
// that is not running is not an error.
func (s *Supervisor) Stop(ctx context.Context, tenantID int64) error {
	lock := s.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()
	if sess := s.remove(tenantID, nil); sess != nil {
		sess.Stop()
		s.log.Info("monitoring stopped", slog.Int64("tenant", tenantID))
	}
	return s.store.SetMonitorActive(ctx, tenantID, false)
}

// tenantLock serializes Start and Stop for one tenant across registration
// and the persisted is_active write.
func (s *Supervisor) tenantLock(tenantID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[tenantID] = l
	}
	return l
}

// remove deletes the tenant's session. When only is set, removal happens only
// if it is still the registered session.
func (s *Supervisor) remove(tenantID int64, only *Session) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tenantID]
	if !ok || (only != nil && sess != only) {
		return nil
	}
	delete(s.sessions, tenantID)
	telemetry.SessionsActive.Set(float64(len(s.sessions)))
	return sess
}

func (s *Supervisor) closed() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

func (s *Supervisor) get(tenantID int64) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[tenantID]
}

// Status reports the persisted record and in-memory presence.
func (s *Supervisor) Status(ctx context.Context, tenantID int64) (Status, error) {
	rec, err := s.store.GetMonitor(ctx, tenantID)
	if err != nil {
		return Status{}, err
	}
	st := Status{Monitor: rec, ActiveCount: s.ActiveCount(), State: StateStopped.String()}
	if sess := s.get(tenantID); sess != nil {
		info := sess.Info()
		st.IsConnected = true
		st.State = info.State
		st.Session = &info
	}
	return st, nil
}

// Heartbeat records an external liveness ping.
func (s *Supervisor) Heartbeat(ctx context.Context, tenantID int64) error {
	if sess := s.get(tenantID); sess != nil {
		sess.Touch()
	}
	return s.store.TouchHeartbeat(ctx, tenantID, s.cfg.Clock.Now())
}

// ActiveCount returns the number of sessions in memory.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sessions returns snapshots of every live session ordered by tenant.
func (s *Supervisor) Sessions() []SessionInfo {
	s.mu.Lock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Info())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// Run handles state changes and runs the heartbeat sweep and health check
// until ctx is done. A health check runs immediately so tenants left active
// by a previous process resume.
func (s *Supervisor) Run(ctx context.Context) {
	sweep := s.cfg.Clock.NewTicker(s.cfg.HeartbeatSweepEvery)
	defer sweep.Stop()
	health := s.cfg.Clock.NewTicker(s.cfg.HealthCheckEvery)
	defer health.Stop()

	defer s.restartWG.Wait()

	s.healthCheck(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case c := <-s.changes:
			s.handleChange(ctx, c)
		case <-sweep.Chan():
			s.heartbeatSweep()
		case <-health.Chan():
			s.healthCheck(ctx)
		}
	}
}

func (s *Supervisor) handleChange(ctx context.Context, c StateChange) {
	switch {
	case c.To == StateConnected:
		s.log.Info("session connected", slog.Int64("tenant", c.TenantID))
	case c.To == StateStopped && c.Reason == ReasonExhausted:
		if s.remove(c.TenantID, c.Session) == nil {
			return
		}
		telemetry.SessionEvictions.WithLabelValues(ReasonExhausted).Inc()
		msg := ErrExhausted.Error()
		if c.Err != nil {
			msg = c.Err.Error()
		}
		s.log.Warn("session exhausted retries", slog.Int64("tenant", c.TenantID), slog.Any("err", c.Err))
		if err := s.store.RecordMonitorError(ctx, c.TenantID, msg); err != nil {
			s.log.Warn("record monitor error failed", slog.Int64("tenant", c.TenantID), slog.Any("err", err))
		}
	case c.To == StateStopped:
		// parent cancellation; a deliberate Stop has already removed it
		s.remove(c.TenantID, c.Session)
	}
}

// heartbeatSweep evicts sessions that have been silent longer than StaleAfter.
func (s *Supervisor) heartbeatSweep() {
	now := s.cfg.Clock.Now()
	for _, sess := range s.staleSessions(now, s.cfg.StaleAfter) {
		if s.remove(sess.TenantID(), sess) == nil {
			continue
		}
		sess.Stop()
		telemetry.SessionEvictions.WithLabelValues("stale").Inc()
		s.log.Warn("evicted stale session", slog.Int64("tenant", sess.TenantID()),
			slog.Duration("silent_for", now.Sub(sess.LastHeartbeat())))
	}
}

// healthCheck evicts long-dead sessions and marks them inactive, then
// restarts tenants persisted active but missing from memory.
func (s *Supervisor) healthCheck(ctx context.Context) {
	now := s.cfg.Clock.Now()
	for _, sess := range s.staleSessions(now, s.cfg.EvictAfter) {
		if s.remove(sess.TenantID(), sess) == nil {
			continue
		}
		sess.Stop()
		telemetry.SessionEvictions.WithLabelValues("dead").Inc()
		s.log.Warn("evicted dead session", slog.Int64("tenant", sess.TenantID()))
		if err := s.store.SetMonitorActive(ctx, sess.TenantID(), false); err != nil {
			s.log.Warn("mark monitor inactive failed", slog.Int64("tenant", sess.TenantID()), slog.Any("err", err))
		}
	}

	ids, err := s.store.ListActiveTenants(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("health check: list active tenants", slog.Any("err", err))
		}
		return
	}
	for _, id := range ids {
		if s.get(id) != nil {
			continue
		}
		s.restart(ctx, id)
	}
}

// restart resumes a tenant in the background so a slow platform API cannot
// stall the Run loop. At most one restart per tenant is in flight.
func (s *Supervisor) restart(ctx context.Context, tenantID int64) {
	s.restartMu.Lock()
	if s.restarting[tenantID] {
		s.restartMu.Unlock()
		return
	}
	s.restarting[tenantID] = true
	s.restartMu.Unlock()

	s.restartWG.Add(1)
	go func() {
		defer s.restartWG.Done()
		defer func() {
			s.restartMu.Lock()
			delete(s.restarting, tenantID)
			s.restartMu.Unlock()
		}()
		rctx, cancel := context.WithTimeout(ctx, s.cfg.RestartTimeout)
		defer cancel()
		started, err := s.start(rctx, tenantID, true)
		if err != nil {
			s.log.Warn("health check restart failed", slog.Int64("tenant", tenantID), slog.Any("err", err))
			return
		}
		if started {
			telemetry.SessionRestarts.Inc()
			s.log.Info("restarted missing session", slog.Int64("tenant", tenantID))
		}
	}()
}

func (s *Supervisor) staleSessions(now time.Time, maxAge time.Duration) []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, sess := range s.sessions {
		if now.Sub(sess.LastHeartbeat()) > maxAge {
			out = append(out, sess)
		}
	}
	return out
}

// Shutdown stops every session with a deliberate close and waits for them to
// exit or ctx to expire. Persisted is_active flags are left untouched so the
// next process resumes the same tenants.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	all := make([]*Session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		all = append(all, sess)
		delete(s.sessions, id)
	}
	telemetry.SessionsActive.Set(0)
	s.quitOnce.Do(func() { close(s.quit) })
	s.mu.Unlock()
	for _, sess := range all {
		sess.Stop()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("all sessions stopped", slog.Int("count", len(all)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
