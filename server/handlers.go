// Package server exposes the HTTP API handlers.
package server

import (
	"context"

	"github.com/onnwee/chatwarden/chat"
	"github.com/onnwee/chatwarden/commands"
	"github.com/onnwee/chatwarden/db"
	"github.com/onnwee/chatwarden/intake"
	"github.com/onnwee/chatwarden/monitor"
)

// Supervisor is the monitoring control surface.
type Supervisor interface {
	Start(ctx context.Context, tenantID int64) error
	Stop(ctx context.Context, tenantID int64) error
	Status(ctx context.Context, tenantID int64) (monitor.Status, error)
	Heartbeat(ctx context.Context, tenantID int64) error
	Sessions() []monitor.SessionInfo
	ActiveCount() int
}

// Sender posts bot messages.
type Sender interface {
	Send(ctx context.Context, tenantID int64, text string) error
}

// Batches manages intake batches and results.
type Batches interface {
	OpenBatch(ctx context.Context, tenantID int64, channel, title string, maxPerViewer int, defaultStake float64) (*intake.Batch, error)
	CloseBatch(ctx context.Context, tenantID int64, channel string) (*intake.Batch, error)
	ResolveEntry(ctx context.Context, entryID int64, payout *float64) (*intake.Entry, error)
	ListEntries(ctx context.Context, batchID int64) ([]intake.Entry, error)
}

// Monitors reads persisted monitor records and checks storage health.
type Monitors interface {
	ListMonitors(ctx context.Context) ([]db.MonitorRecord, error)
	Ping(ctx context.Context) error
}

// Commands stores custom command definitions.
type Commands interface {
	Save(ctx context.Context, d commands.Definition) (int64, error)
}

// Streams hands out live chat subscriptions.
type Streams interface {
	Subscribe(tenantID int64) (<-chan *chat.Event, func())
}

// Deps are the collaborators handlers call into. Nil optional fields disable
// the matching endpoints.
type Deps struct {
	Supervisor Supervisor
	Sender     Sender
	Batches    Batches
	Monitors   Monitors
	Commands   Commands
	Streams    Streams
	// Ready reports extra readiness problems, such as an unreachable Redis.
	Ready []ReadyCheck
}

// ReadyCheck is one named readiness probe.
type ReadyCheck struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}
