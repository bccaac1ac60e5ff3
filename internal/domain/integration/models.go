package integration

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProviderKind identifies a supported third-party integration provider.
type ProviderKind string

const (
	KindSlack        ProviderKind = "slack"
	KindNotion       ProviderKind = "notion"
	KindGoogleSheets ProviderKind = "google_sheets"
)

// Kinds lists every provider the service knows how to talk to. A kind being
// listed here does not mean it is configured; see provider.Registry.
func Kinds() []ProviderKind {
	return []ProviderKind{KindSlack, KindNotion, KindGoogleSheets}
}

// ParseKind validates a provider identifier supplied by callers.
func ParseKind(raw string) (ProviderKind, error) {
	kind := ProviderKind(raw)
	switch kind {
	case KindSlack, KindNotion, KindGoogleSheets:
		return kind, nil
	}
	return "", fmt.Errorf("provider %q: %w", raw, ErrProviderNotConfigured)
}

// OAuthConfig stores the per-provider OAuth client settings. Immutable once
// loaded into the registry.
type OAuthConfig struct {
	Kind         ProviderKind
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	AuthURL      string
	TokenURL     string
}

// StatePayload is the authorization request context round-tripped through the
// provider inside the signed state token. It is never persisted server-side.
type StatePayload struct {
	OrgID         int64        `json:"org_id"`
	Provider      ProviderKind `json:"provider"`
	IntegrationID int64        `json:"integration_id,omitempty"`
	IssuedAt      int64        `json:"issued_at"`
	Nonce         string       `json:"nonce"`
}

// OAuthTokens is the normalized result of a token endpoint call. It is
// persisted immediately and never cached beyond the request.
type OAuthTokens struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenType    string     `json:"token_type"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Scope        string     `json:"scope,omitempty"`
}

// SecurityMetadata records how the credentials column is protected, so rows
// written before encryption was introduced can still be read.
type SecurityMetadata struct {
	Encrypted         bool       `json:"encrypted"`
	EncryptionVersion string     `json:"encryption_version,omitempty"`
	EncryptedAt       *time.Time `json:"encrypted_at,omitempty"`
	Revoked           bool       `json:"revoked,omitempty"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
}

// CredentialRecord is one stored credential row. At most one enabled row
// exists per (org, kind); the repository enforces the uniqueness.
type CredentialRecord struct {
	ID          int64
	OrgID       int64
	Kind        ProviderKind
	Credentials []byte
	Security    SecurityMetadata
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Decrypter is the credential cipher surface the domain depends on.
type Decrypter interface {
	Decrypt(blob []byte) ([]byte, error)
}

// Tokens decodes the stored credentials, decrypting when the row was written
// encrypted and falling back to legacy plaintext JSON otherwise. Callers never
// branch on the encrypted flag themselves.
func (r *CredentialRecord) Tokens(d Decrypter) (*OAuthTokens, error) {
	if len(r.Credentials) == 0 {
		return nil, ErrNoIntegrationFound
	}
	raw := r.Credentials
	if r.Security.Encrypted {
		plain, err := d.Decrypt(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		raw = plain
	}
	var tokens OAuthTokens
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return &tokens, nil
}
