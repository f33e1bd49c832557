// Package auth resolves a signed-in user's opaque identifier through
// Google sign-in.
package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

// Identity is what the board needs to know about a signed-in user.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

type GoogleAuth struct {
	config     *oauth2.Config
	apiOptions []option.ClientOption
}

// NewGoogleAuth configures the web-server OAuth flow. Extra client options
// are passed to the userinfo service.
func NewGoogleAuth(clientID, clientSecret, redirectURL string, opts ...option.ClientOption) *GoogleAuth {
	return &GoogleAuth{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     google.Endpoint,
			Scopes: []string{
				"openid",
				oauth2api.UserinfoEmailScope,
				oauth2api.UserinfoProfileScope,
			},
		},
		apiOptions: opts,
	}
}

// LoginURL returns the consent page URL and the state the callback must
// echo back.
func (g *GoogleAuth) LoginURL() (string, string) {
	state := uuid.NewString()
	return g.config.AuthCodeURL(state, oauth2.AccessTypeOnline), state
}

// Exchange trades the callback code for the user's identity.
func (g *GoogleAuth) Exchange(ctx context.Context, code string) (*Identity, error) {
	tok, err := g.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("unable to exchange authorization code: %w", err)
	}

	opts := append([]option.ClientOption{option.WithTokenSource(g.config.TokenSource(ctx, tok))}, g.apiOptions...)
	svc, err := oauth2api.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create userinfo client: %w", err)
	}

	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve user info: %w", err)
	}
	if info.Id == "" {
		return nil, fmt.Errorf("userinfo response has no user id")
	}

	return &Identity{
		UserID: info.Id,
		Email:  info.Email,
		Name:   info.Name,
	}, nil
}
