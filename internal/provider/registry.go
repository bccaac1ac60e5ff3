package provider

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/smallbiznis/valora-integrations/internal/domain/integration"
)

// Registry is the immutable provider lookup table, built once at startup. A
// provider is present iff both client id and client secret were supplied.
type Registry struct {
	configs map[integration.ProviderKind]integration.OAuthConfig
}

// Credentials carries the environment-supplied client settings for one
// provider. Empty id or secret leaves the provider out of the registry.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// NewRegistry builds the registry from per-provider credentials and the shared
// callback redirect URI. Defaults for endpoints and scopes live here.
func NewRegistry(redirectURI string, creds map[integration.ProviderKind]Credentials) *Registry {
	configs := make(map[integration.ProviderKind]integration.OAuthConfig)
	for kind, def := range defaults() {
		c, ok := creds[kind]
		if !ok {
			continue
		}
		id := strings.TrimSpace(c.ClientID)
		secret := strings.TrimSpace(c.ClientSecret)
		if id == "" || secret == "" {
			continue
		}
		def.ClientID = id
		def.ClientSecret = secret
		def.RedirectURI = redirectURI
		configs[kind] = def
	}
	return &Registry{configs: configs}
}

// ConfigFor returns the config for a registered provider.
func (r *Registry) ConfigFor(kind integration.ProviderKind) (integration.OAuthConfig, error) {
	cfg, ok := r.configs[kind]
	if !ok {
		return integration.OAuthConfig{}, fmt.Errorf("provider %s: %w", kind, integration.ErrProviderNotConfigured)
	}
	return cfg, nil
}

// Kinds lists the registered providers.
func (r *Registry) Kinds() []integration.ProviderKind {
	kinds := make([]integration.ProviderKind, 0, len(r.configs))
	for _, kind := range integration.Kinds() {
		if _, ok := r.configs[kind]; ok {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// BuildAuthURL composes the consent-screen redirect for a registered provider.
// access_type=offline and prompt=consent are always sent so providers that
// support refresh tokens issue one even on repeat consent; silent re-consent
// otherwise withholds the refresh token on subsequent logins.
func (r *Registry) BuildAuthURL(kind integration.ProviderKind, state string) (string, error) {
	cfg, err := r.ConfigFor(kind)
	if err != nil {
		return "", err
	}

	authURL, err := url.Parse(cfg.AuthURL)
	if err != nil {
		return "", fmt.Errorf("parse auth url: %w", err)
	}

	params := authURL.Query()
	params.Set("client_id", cfg.ClientID)
	params.Set("redirect_uri", cfg.RedirectURI)
	params.Set("scope", strings.Join(cfg.Scopes, " "))
	params.Set("response_type", "code")
	params.Set("state", state)
	params.Set("access_type", "offline")
	params.Set("prompt", "consent")
	authURL.RawQuery = params.Encode()

	return authURL.String(), nil
}

func defaults() map[integration.ProviderKind]integration.OAuthConfig {
	return map[integration.ProviderKind]integration.OAuthConfig{
		integration.KindSlack: {
			Kind:     integration.KindSlack,
			AuthURL:  "https://slack.com/oauth/v2/authorize",
			TokenURL: "https://slack.com/api/oauth.v2.access",
			Scopes:   []string{"chat:write", "channels:read"},
		},
		integration.KindNotion: {
			Kind:     integration.KindNotion,
			AuthURL:  "https://api.notion.com/v1/oauth/authorize",
			TokenURL: "https://api.notion.com/v1/oauth/token",
			// Notion grants workspace access at consent time; it has no scopes.
			Scopes: nil,
		},
		integration.KindGoogleSheets: {
			Kind:     integration.KindGoogleSheets,
			AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
			Scopes:   []string{"https://www.googleapis.com/auth/spreadsheets"},
		},
	}
}
