package gmail

import (
	"time"

	"github.com/goliatone/go-triage/core"
	"github.com/goliatone/go-triage/providers"
	"github.com/goliatone/go-triage/providers/google/common"
)

const (
	AuthURL   = "https://accounts.google.com/o/oauth2/v2/auth"
	TokenURL  = "https://oauth2.googleapis.com/token"
	RevokeURL = "https://oauth2.googleapis.com/revoke"
)

type OAuthOption func(*providers.OAuth2Config)

func WithHTTPClient(client providers.HTTPDoer) OAuthOption {
	return func(cfg *providers.OAuth2Config) {
		cfg.HTTPClient = client
	}
}

func WithOAuthClock(now func() time.Time) OAuthOption {
	return func(cfg *providers.OAuth2Config) {
		cfg.Now = now
	}
}

// NewOAuth2Client configures the Google token endpoint for offline access so
// the first exchange always yields a refresh token.
func NewOAuth2Client(cfg core.OAuthConfig, opts ...OAuthOption) (*providers.OAuth2Client, error) {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = common.TriageScopes()
	}
	oauthCfg := providers.OAuth2Config{
		AuthURL:            firstNonEmpty(cfg.AuthURL, AuthURL),
		TokenURL:           firstNonEmpty(cfg.TokenURL, TokenURL),
		RevokeURL:          firstNonEmpty(cfg.RevokeURL, RevokeURL),
		RedirectURL:        cfg.RedirectURL,
		ClientID:           cfg.ClientID,
		ClientSecret:       cfg.ClientSecret,
		ClientSecretInBody: true,
		Scopes:             common.WithIdentityScopes(scopes, true),
		AuthParams: map[string]string{
			"access_type": "offline",
			"prompt":      "consent",
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&oauthCfg)
		}
	}
	return providers.NewOAuth2Client(oauthCfg)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
