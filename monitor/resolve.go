package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/onnwee/chatwarden/db"
	"github.com/onnwee/chatwarden/eventchannel"
	"github.com/onnwee/chatwarden/kickapi"
	"github.com/onnwee/chatwarden/twitchapi"
)

// Target is where a tenant's session connects.
type Target struct {
	Room          string
	RoomID        string
	BroadcasterID string
	Dialer        eventchannel.Dialer
}

// Resolver maps a tenant to its upstream target.
type Resolver interface {
	Resolve(ctx context.Context, t *db.Tenant) (Target, error)
}

// KickChannels resolves Kick slugs.
type KickChannels interface {
	ResolveChannel(ctx context.Context, slug string) (kickapi.Channel, error)
}

// TwitchUsers resolves Twitch logins.
type TwitchUsers interface {
	GetUser(ctx context.Context, login string) (twitchapi.User, error)
}

// PlatformResolver resolves tenants through the platform APIs. A platform
// with a nil client is disabled.
type PlatformResolver struct {
	Kick         KickChannels
	KickDialer   eventchannel.Dialer
	Twitch       TwitchUsers
	TwitchDialer eventchannel.Dialer
}

// Resolve looks the channel up. When the lookup fails for a reason other than
// the channel not existing, previously cached ids are used instead.
func (r *PlatformResolver) Resolve(ctx context.Context, t *db.Tenant) (Target, error) {
	switch t.Platform {
	case db.PlatformKick:
		if r.Kick == nil || r.KickDialer == nil {
			return Target{}, fmt.Errorf("%w: kick is not configured", ErrResolve)
		}
		ch, err := r.Kick.ResolveChannel(ctx, t.Channel)
		if err != nil {
			if cached, ok := cachedKick(t); ok && !errors.Is(err, kickapi.ErrChannelNotFound) {
				slog.Warn("kick lookup failed, using cached chatroom", slog.String("component", "resolver"),
					slog.Int64("tenant", t.ID), slog.Any("err", err))
				cached.Dialer = r.KickDialer
				return cached, nil
			}
			return Target{}, fmt.Errorf("%w: %w", ErrResolve, err)
		}
		return Target{
			Room:          ch.Room(),
			RoomID:        strconv.FormatInt(ch.ChatroomID(), 10),
			BroadcasterID: strconv.FormatInt(ch.BroadcasterUserID, 10),
			Dialer:        r.KickDialer,
		}, nil
	case db.PlatformTwitch:
		if r.Twitch == nil || r.TwitchDialer == nil {
			return Target{}, fmt.Errorf("%w: twitch is not configured", ErrResolve)
		}
		u, err := r.Twitch.GetUser(ctx, t.Channel)
		if err != nil {
			if t.BroadcasterID != "" && !errors.Is(err, twitchapi.ErrUserNotFound) {
				slog.Warn("twitch lookup failed, using cached user id", slog.String("component", "resolver"),
					slog.Int64("tenant", t.ID), slog.Any("err", err))
				return Target{Room: strings.ToLower(t.Channel), RoomID: t.RoomID, BroadcasterID: t.BroadcasterID, Dialer: r.TwitchDialer}, nil
			}
			return Target{}, fmt.Errorf("%w: %w", ErrResolve, err)
		}
		return Target{Room: u.Login, RoomID: u.ID, BroadcasterID: u.ID, Dialer: r.TwitchDialer}, nil
	default:
		return Target{}, fmt.Errorf("%w: unknown platform %q", ErrResolve, t.Platform)
	}
}

func cachedKick(t *db.Tenant) (Target, bool) {
	id, err := strconv.ParseInt(t.RoomID, 10, 64)
	if err != nil || id == 0 {
		return Target{}, false
	}
	return Target{Room: fmt.Sprintf("chatrooms.%d.v2", id), RoomID: t.RoomID, BroadcasterID: t.BroadcasterID}, true
}
