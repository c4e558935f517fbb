// Package sender posts bot messages to a tenant's chat through the platform
// HTTP API. Sends are rate limited per tenant and guarded by a circuit
// breaker per platform. Callers on the chat path use SendAsync, which logs
// failures and never reports them back.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/onnwee/chatwarden/db"
	"github.com/onnwee/chatwarden/kickapi"
	"github.com/onnwee/chatwarden/telemetry"
	"github.com/onnwee/chatwarden/twitchapi"
)

// MaxMessageRunes is the longest message sent; longer text is truncated.
const MaxMessageRunes = 500

var (
	// ErrSendFailed wraps every failed delivery.
	ErrSendFailed = errors.New("sender: send failed")
	// ErrNotResolved means the tenant's broadcaster id is unknown.
	ErrNotResolved = errors.New("sender: tenant channel not resolved")
)

// Tenants loads tenant targets.
type Tenants interface {
	GetTenant(ctx context.Context, id int64) (*db.Tenant, error)
}

// Tokens returns a currently valid bot token for a tenant.
type Tokens interface {
	BotToken(ctx context.Context, tenantID int64) (*db.BotToken, error)
}

// KickAPI posts Kick chat messages.
type KickAPI interface {
	SendChatMessage(ctx context.Context, token string, broadcasterUserID int64, content string) error
}

// TwitchAPI posts Twitch chat messages.
type TwitchAPI interface {
	SendChatMessage(ctx context.Context, userToken, broadcasterID, senderID, message string) error
}

// Config tunes limits.
type Config struct {
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// Sender delivers bot messages.
type Sender struct {
	tenants Tenants
	tokens  Tokens
	kick    KickAPI
	twitch  TwitchAPI
	cfg     Config

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker

	wg sync.WaitGroup
}

// New returns a Sender. kick or twitch may be nil when that platform is disabled.
func New(cfg Config, tenants Tenants, tokens Tokens, kick KickAPI, twitch TwitchAPI) *Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Sender{
		tenants:  tenants,
		tokens:   tokens,
		kick:     kick,
		twitch:   twitch,
		cfg:      cfg,
		limiters: make(map[int64]*rate.Limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// SendAsync sends in the background bounded by the configured timeout.
// Failures are logged only.
func (s *Sender) SendAsync(tenantID int64, text string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()
		if err := s.Send(ctx, tenantID, text); err != nil {
			slog.Warn("bot message not delivered", slog.String("component", "sender"), slog.Int64("tenant", tenantID), slog.Any("err", err))
		}
	}()
}

// Wait blocks until in-flight async sends finish.
func (s *Sender) Wait() { s.wg.Wait() }

// Send delivers text to the tenant's chat. Any non-2xx answer is an error
// wrapping ErrSendFailed.
func (s *Sender) Send(ctx context.Context, tenantID int64, text string) error {
	ctx, span := telemetry.StartSpan(ctx, "sender.send", telemetry.TenantAttr(tenantID))
	defer span.End()

	text = Truncate(text, MaxMessageRunes)
	if text == "" {
		return fmt.Errorf("%w: empty message", ErrSendFailed)
	}
	tenant, err := s.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("%w: load tenant: %w", ErrSendFailed, err)
	}
	if err := s.limiter(tenantID).Wait(ctx); err != nil {
		telemetry.SendsTotal.WithLabelValues(tenant.Platform, "rate_limited").Inc()
		return fmt.Errorf("%w: rate limit: %w", ErrSendFailed, err)
	}
	tok, err := s.tokens.BotToken(ctx, tenantID)
	if err != nil {
		telemetry.SendsTotal.WithLabelValues(tenant.Platform, "no_token").Inc()
		telemetry.RecordError(span, err)
		return fmt.Errorf("%w: bot token: %w", ErrSendFailed, err)
	}

	var post func() error
	switch tenant.Platform {
	case db.PlatformKick:
		if s.kick == nil {
			return fmt.Errorf("%w: kick disabled", ErrSendFailed)
		}
		bid, err := strconv.ParseInt(tenant.BroadcasterID, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSendFailed, ErrNotResolved)
		}
		post = func() error { return s.kick.SendChatMessage(ctx, tok.AccessToken, bid, text) }
	case db.PlatformTwitch:
		if s.twitch == nil {
			return fmt.Errorf("%w: twitch disabled", ErrSendFailed)
		}
		if tenant.BroadcasterID == "" {
			return fmt.Errorf("%w: %w", ErrSendFailed, ErrNotResolved)
		}
		post = func() error {
			return s.twitch.SendChatMessage(ctx, tok.AccessToken, tenant.BroadcasterID, tok.BotUserID, text)
		}
	default:
		return fmt.Errorf("%w: unknown platform %q", ErrSendFailed, tenant.Platform)
	}

	var sendErr error
	telemetry.TimeFunc(telemetry.SendDuration.WithLabelValues(tenant.Platform), func() {
		_, sendErr = s.breaker(tenant.Platform).Execute(func() (interface{}, error) {
			return nil, post()
		})
	})
	if sendErr != nil {
		result := "error"
		if errors.Is(sendErr, gobreaker.ErrOpenState) || errors.Is(sendErr, gobreaker.ErrTooManyRequests) {
			result = "circuit_open"
		}
		telemetry.SendsTotal.WithLabelValues(tenant.Platform, result).Inc()
		telemetry.RecordError(span, sendErr)
		return fmt.Errorf("%w: %w", ErrSendFailed, sendErr)
	}
	telemetry.SendsTotal.WithLabelValues(tenant.Platform, "ok").Inc()
	telemetry.SetSpanSuccess(span)
	return nil
}

func (s *Sender) limiter(tenantID int64) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.Burst)
		s.limiters[tenantID] = l
	}
	return l
}

func (s *Sender) breaker(platform string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[platform]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "send-" + platform,
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: clientFault,
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("send circuit breaker state changed", slog.String("component", "sender"),
					slog.String("platform", platform), slog.String("from", from.String()), slog.String("to", to.String()))
				telemetry.CircuitState.WithLabelValues(platform).Set(stateToFloat(to))
			},
		})
		s.breakers[platform] = cb
		telemetry.CircuitState.WithLabelValues(platform).Set(0)
	}
	return cb
}

// clientFault treats 4xx answers as healthy upstream: they say nothing about
// platform availability.
func clientFault(err error) bool {
	if err == nil {
		return true
	}
	var kerr *kickapi.APIError
	if errors.As(err, &kerr) {
		return kerr.StatusCode >= 400 && kerr.StatusCode < 500 && kerr.StatusCode != 429
	}
	var terr *twitchapi.APIError
	if errors.As(err, &terr) {
		return terr.StatusCode >= 400 && terr.StatusCode < 500 && terr.StatusCode != 429
	}
	return false
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
