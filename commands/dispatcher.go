package commands

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/chatwarden/chat"
	"github.com/onnwee/chatwarden/telemetry"
)

// Outcome is the result of one dispatch.
type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeNotFound Outcome = "not_found"
	OutcomeDenied   Outcome = "denied"
	OutcomeCooldown Outcome = "cooldown"
	OutcomeError    Outcome = "error"
)

// Lookup finds enabled definitions and records their use.
type Lookup interface {
	Lookup(ctx context.Context, tenantID int64, token string) (*Definition, error)
	RecordUse(ctx context.Context, id int64, at time.Time) error
}

// Counter tracks processed commands per tenant.
type Counter interface {
	IncrementProcessedCommands(ctx context.Context, tenantID int64) error
}

// Responder delivers bot messages without blocking the caller.
type Responder interface {
	SendAsync(tenantID int64, text string)
}

// Invocation is one command use seen in chat.
type Invocation struct {
	TenantID int64
	Token    string
	Args     string
	SenderID string
	Sender   string
	Level    chat.Level
	// Touch refreshes the session heartbeat. Optional.
	Touch func()
}

// InvocationFromEvent builds an Invocation from a classified command event.
func InvocationFromEvent(ev *chat.Event, touch func()) Invocation {
	return Invocation{
		TenantID: ev.TenantID,
		Token:    ev.Command,
		Args:     ev.Args,
		SenderID: ev.SenderID,
		Sender:   ev.Username,
		Level:    ev.Level,
		Touch:    touch,
	}
}

// Dispatcher resolves and answers commands. Every failure is logged and
// swallowed; nothing propagates back to the session.
type Dispatcher struct {
	store     Lookup
	counter   Counter
	responder Responder
	cooldowns Cooldowns
	clock     clockwork.Clock
}

// NewDispatcher wires a Dispatcher. cooldowns defaults to in-process
// tracking and counter may be nil.
func NewDispatcher(store Lookup, counter Counter, responder Responder, cooldowns Cooldowns, clock clockwork.Clock) *Dispatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cooldowns == nil {
		cooldowns = NewMemoryCooldowns(clock)
	}
	return &Dispatcher{store: store, counter: counter, responder: responder, cooldowns: cooldowns, clock: clock}
}

// Dispatch looks up the command, checks permission and cooldown, then sends
// the configured response verbatim.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) Outcome {
	ctx, span := telemetry.StartSpan(ctx, "commands.dispatch", telemetry.TenantAttr(inv.TenantID))
	defer span.End()
	outcome := d.dispatch(ctx, inv)
	telemetry.CommandOutcomes.WithLabelValues(string(outcome)).Inc()
	span.SetAttributes(telemetry.OutcomeAttr(string(outcome)))
	if outcome != OutcomeError {
		telemetry.SetSpanSuccess(span)
	}
	return outcome
}

func (d *Dispatcher) dispatch(ctx context.Context, inv Invocation) Outcome {
	log := slog.Default().With(slog.String("component", "commands"), slog.Int64("tenant", inv.TenantID), slog.String("command", inv.Token))

	def, err := d.store.Lookup(ctx, inv.TenantID, inv.Token)
	if errors.Is(err, ErrNotFound) {
		return OutcomeNotFound
	}
	if err != nil {
		log.Error("command lookup failed", slog.Any("err", err))
		return OutcomeError
	}
	if !inv.Level.Allows(def.Required) {
		log.Debug("command denied", slog.String("sender", inv.Sender), slog.String("level", inv.Level.String()), slog.String("required", def.Required.String()))
		return OutcomeDenied
	}
	ok, err := d.cooldowns.Acquire(ctx, CooldownKey(inv.TenantID, def.Token), def.Cooldown)
	if err != nil {
		log.Error("cooldown check failed", slog.Any("err", err))
		return OutcomeError
	}
	if !ok {
		log.Debug("command on cooldown")
		return OutcomeCooldown
	}

	d.responder.SendAsync(inv.TenantID, def.Response)

	if err := d.store.RecordUse(ctx, def.ID, d.clock.Now().UTC()); err != nil {
		log.Warn("failed to record command use", slog.Any("err", err))
	}
	if d.counter != nil {
		if err := d.counter.IncrementProcessedCommands(ctx, inv.TenantID); err != nil {
			log.Warn("failed to count processed command", slog.Any("err", err))
		}
	}
	if inv.Touch != nil {
		inv.Touch()
	}
	log.Info("command dispatched", slog.String("sender", inv.Sender))
	return OutcomeSent
}
