package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/valora-integrations/internal/domain/integration"
)

// ExchangeClient encapsulates outbound grant requests to provider token
// endpoints.
type ExchangeClient interface {
	ExchangeCode(ctx context.Context, cfg integration.OAuthConfig, code string) (*integration.OAuthTokens, error)
	Refresh(ctx context.Context, cfg integration.OAuthConfig, refreshToken string) (*integration.OAuthTokens, error)
}

// Revoker dispatches provider-specific token revocation calls.
type Revoker interface {
	Revoke(ctx context.Context, kind integration.ProviderKind, accessToken string) error
}

// RevokeTimeout bounds the best-effort provider revoke call.
const RevokeTimeout = 5 * time.Second

type revokeEndpoint struct {
	url  string
	form bool // token in form body instead of query string
}

// Revoke endpoint URLs are part of the provider ecosystem contract; do not
// change them without coordinating with the providers' documented APIs.
func defaultRevokeEndpoints() map[integration.ProviderKind]revokeEndpoint {
	return map[integration.ProviderKind]revokeEndpoint{
		integration.KindGoogleSheets: {url: "https://oauth2.googleapis.com/revoke"},
		integration.KindSlack:        {url: "https://slack.com/api/auth.revoke", form: true},
		// Notion has no public revoke endpoint; revocation is local-only.
	}
}

// HTTPProviderClient is the default HTTP implementation of ExchangeClient and
// Revoker.
type HTTPProviderClient struct {
	httpClient      *http.Client
	revokeEndpoints map[integration.ProviderKind]revokeEndpoint
}

var (
	_ ExchangeClient = (*HTTPProviderClient)(nil)
	_ Revoker        = (*HTTPProviderClient)(nil)
)

// NewHTTPProviderClient constructs the default provider client.
func NewHTTPProviderClient(client *http.Client) *HTTPProviderClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPProviderClient{
		httpClient:      client,
		revokeEndpoints: defaultRevokeEndpoints(),
	}
}

// ExchangeCode performs the authorization_code grant.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, cfg integration.OAuthConfig, code string) (*integration.OAuthTokens, error) {
	data := url.Values{}
	data.Set("client_id", cfg.ClientID)
	data.Set("client_secret", cfg.ClientSecret)
	data.Set("code", code)
	data.Set("redirect_uri", cfg.RedirectURI)
	data.Set("grant_type", "authorization_code")
	return c.tokenRequest(ctx, cfg, data)
}

// Refresh performs the refresh_token grant. Callers decide what to do when the
// response omits a rotated refresh token; this client only normalizes.
func (c *HTTPProviderClient) Refresh(ctx context.Context, cfg integration.OAuthConfig, refreshToken string) (*integration.OAuthTokens, error) {
	data := url.Values{}
	data.Set("client_id", cfg.ClientID)
	data.Set("client_secret", cfg.ClientSecret)
	data.Set("refresh_token", refreshToken)
	data.Set("grant_type", "refresh_token")
	return c.tokenRequest(ctx, cfg, data)
}

func (c *HTTPProviderClient) tokenRequest(ctx context.Context, cfg integration.OAuthConfig, data url.Values) (*integration.OAuthTokens, error) {
	if strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, fmt.Errorf("token url missing for %s", cfg.Kind)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &integration.TokenExchangeError{Kind: cfg.Kind, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &integration.TokenExchangeError{
			Kind:       cfg.Kind,
			StatusCode: resp.StatusCode,
			Message:    providerErrorText(body),
		}
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	// Slack reports failures with HTTP 200 and ok=false.
	if ok, present := raw["ok"].(bool); present && !ok {
		return nil, &integration.TokenExchangeError{
			Kind:       cfg.Kind,
			StatusCode: resp.StatusCode,
			Message:    stringValue(raw["error"]),
		}
	}

	return normalizeTokens(raw, time.Now()), nil
}

// Revoke calls the provider's own revoke endpoint. Providers without one are
// treated as success. The caller owns the local credential clear either way.
func (c *HTTPProviderClient) Revoke(ctx context.Context, kind integration.ProviderKind, accessToken string) error {
	endpoint, ok := c.revokeEndpoints[kind]
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, RevokeTimeout)
	defer cancel()

	var req *http.Request
	var err error
	if endpoint.form {
		data := url.Values{}
		data.Set("token", accessToken)
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint.url, strings.NewReader(data.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint.url+"?token="+url.QueryEscape(accessToken), nil)
	}
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("revoke failed: status=%d", resp.StatusCode)
	}
	return nil
}

// normalizeTokens maps a raw token endpoint response into the domain shape:
// expires_in becomes an absolute timestamp and token_type defaults to Bearer.
func normalizeTokens(raw map[string]any, now time.Time) *integration.OAuthTokens {
	tokens := &integration.OAuthTokens{
		AccessToken:  stringValue(raw["access_token"]),
		RefreshToken: stringValue(raw["refresh_token"]),
		TokenType:    stringValue(raw["token_type"]),
		Scope:        stringValue(raw["scope"]),
	}
	if tokens.TokenType == "" {
		tokens.TokenType = "Bearer"
	}
	if seconds := int64Value(raw["expires_in"]); seconds > 0 {
		expiresAt := now.UTC().Add(time.Duration(seconds) * time.Second)
		tokens.ExpiresAt = &expiresAt
	}
	return tokens
}

func providerErrorText(body []byte) string {
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.ErrorDescription != "":
			return payload.ErrorDescription
		case payload.Error != "":
			return payload.Error
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 256 {
		text = text[:256]
	}
	return text
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func int64Value(input any) int64 {
	switch v := input.(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case int64:
		return v
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
