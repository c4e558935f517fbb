// Package oauth keeps tenant bot tokens usable. Tokens live encrypted in the
// oauth_tokens table; the Provider hands out a valid token on demand and a
// background refresher renews tokens before they lapse.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/chatwarden/db"
	"github.com/onnwee/chatwarden/telemetry"
)

// ErrNoRefreshToken means an expired token cannot be renewed without the
// tenant re-authorizing the bot.
var ErrNoRefreshToken = errors.New("oauth: token expired and no refresh token stored")

// expirySkew renews tokens slightly before they expire.
const expirySkew = time.Minute

// Store persists bot tokens.
type Store interface {
	GetBotToken(ctx context.Context, tenantID int64) (*db.BotToken, error)
	SaveBotToken(ctx context.Context, tok db.BotToken) error
	ListExpiringTokens(ctx context.Context, cutoff time.Time) ([]int64, error)
}

// Provider returns valid bot tokens, refreshing through the platform's
// OAuth2 token endpoint when needed.
type Provider struct {
	store      Store
	configs    map[string]*oauth2.Config
	httpClient *http.Client

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewProvider builds a Provider. configs maps platform name to the OAuth2
// client used to refresh that platform's tokens.
func NewProvider(store Store, configs map[string]*oauth2.Config, httpClient *http.Client) *Provider {
	return &Provider{store: store, configs: configs, httpClient: httpClient, locks: make(map[int64]*sync.Mutex)}
}

func (p *Provider) tenantLock(id int64) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[id]
	if !ok {
		l = &sync.Mutex{}
		p.locks[id] = l
	}
	return l
}

// BotToken returns the tenant's bot token, refreshed first when it is expired
// or about to be.
func (p *Provider) BotToken(ctx context.Context, tenantID int64) (*db.BotToken, error) {
	l := p.tenantLock(tenantID)
	l.Lock()
	defer l.Unlock()
	tok, err := p.store.GetBotToken(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tok.Expiry.IsZero() || time.Until(tok.Expiry) > expirySkew {
		return tok, nil
	}
	return p.refreshLocked(ctx, tok)
}

// Refresh renews the tenant's token when it expires within window.
func (p *Provider) Refresh(ctx context.Context, tenantID int64, window time.Duration) error {
	l := p.tenantLock(tenantID)
	l.Lock()
	defer l.Unlock()
	tok, err := p.store.GetBotToken(ctx, tenantID)
	if err != nil {
		return err
	}
	if tok.RefreshToken == "" || tok.Expiry.IsZero() || time.Until(tok.Expiry) > window {
		return nil
	}
	_, err = p.refreshLocked(ctx, tok)
	return err
}

func (p *Provider) refreshLocked(ctx context.Context, tok *db.BotToken) (*db.BotToken, error) {
	if tok.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	cfg, ok := p.configs[tok.Platform]
	if !ok {
		return nil, fmt.Errorf("oauth: no client configured for %s", tok.Platform)
	}
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	// an already-expired token forces the source to hit the token endpoint
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken, Expiry: time.Unix(1, 0)})
	fresh, err := src.Token()
	if err != nil {
		telemetry.TokenRefreshes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("refresh %s token for tenant %d: %w", tok.Platform, tok.TenantID, err)
	}
	next := *tok
	next.AccessToken = fresh.AccessToken
	next.Expiry = fresh.Expiry
	if fresh.RefreshToken != "" {
		next.RefreshToken = fresh.RefreshToken
	}
	if scope, ok := fresh.Extra("scope").(string); ok && scope != "" {
		next.Scope = strings.TrimSpace(scope)
	}
	if err := p.store.SaveBotToken(ctx, next); err != nil {
		telemetry.TokenRefreshes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}
	telemetry.TokenRefreshes.WithLabelValues("ok").Inc()
	slog.Info("bot token refreshed", slog.String("component", "oauth"),
		slog.Int64("tenant", tok.TenantID), slog.String("platform", tok.Platform))
	return &next, nil
}

// StartRefresher launches a goroutine that periodically renews every token
// expiring within window.
func (p *Provider) StartRefresher(ctx context.Context, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			p.sweep(ctx, window)
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2+1) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}

func (p *Provider) sweep(ctx context.Context, window time.Duration) {
	ids, err := p.store.ListExpiringTokens(ctx, time.Now().Add(window))
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("list expiring tokens failed", slog.String("component", "oauth"), slog.Any("err", err))
		}
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := p.Refresh(ctx, id, window); err != nil {
			slog.Warn("token refresh failed", slog.String("component", "oauth"), slog.Int64("tenant", id), slog.Any("err", err))
		}
	}
}
