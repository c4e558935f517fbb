package kickapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultAuthBase is the Kick identity host.
const DefaultAuthBase = "https://id.kick.com"

// Endpoint returns the OAuth2 endpoints rooted at authBase (default DefaultAuthBase).
func Endpoint(authBase string) oauth2.Endpoint {
	authBase = base(authBase, DefaultAuthBase)
	return oauth2.Endpoint{
		AuthURL:   authBase + "/oauth/authorize",
		TokenURL:  authBase + "/oauth/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// BotScopes are the user scopes a tenant bot token needs.
var BotScopes = []string{"user:read", "channel:read", "chat:write"}

// AppTokenSource caches a client-credentials app token.
type AppTokenSource struct {
	ClientID     string
	ClientSecret string
	AuthBase     string
	HTTPClient   *http.Client

	mu  sync.Mutex
	tok *oauth2.Token
}

// Get returns a valid app access token.
func (ts *AppTokenSource) Get(ctx context.Context) (string, error) {
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for kick app token")
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.tok.Valid() {
		return strings.TrimSpace(ts.tok.AccessToken), nil
	}
	cc := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     Endpoint(ts.AuthBase).TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return "", err
	}
	ts.tok = tok
	return strings.TrimSpace(tok.AccessToken), nil
}
