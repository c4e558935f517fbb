package twitchapi

import (
	"strings"

	"golang.org/x/oauth2"
)

// DefaultAuthBase is the Twitch identity host.
const DefaultAuthBase = "https://id.twitch.tv"

// Endpoint returns the OAuth2 endpoints rooted at authBase (default DefaultAuthBase).
func Endpoint(authBase string) oauth2.Endpoint {
	if authBase == "" {
		authBase = DefaultAuthBase
	}
	authBase = strings.TrimRight(authBase, "/")
	return oauth2.Endpoint{
		AuthURL:   authBase + "/oauth2/authorize",
		TokenURL:  authBase + "/oauth2/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// BotScopes are the user scopes a tenant bot token needs.
var BotScopes = []string{"user:read:chat", "user:write:chat", "user:bot"}
