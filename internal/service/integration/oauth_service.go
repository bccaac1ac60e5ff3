package integration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	oauthadapter "github.com/smallbiznis/valora-integrations/internal/adapter/oauth"
	domain "github.com/smallbiznis/valora-integrations/internal/domain/integration"
	"github.com/smallbiznis/valora-integrations/internal/provider"
	"github.com/smallbiznis/valora-integrations/internal/repository"
	"github.com/smallbiznis/valora-integrations/internal/statetoken"
)

// Service orchestrates the OAuth credential lifecycle for integrations.
type Service interface {
	StartAuthorization(ctx context.Context, orgID int64, in StartAuthorizationInput) (*StartAuthorizationOutput, error)
	HandleCallback(ctx context.Context, in CallbackInput) (*CallbackOutput, error)
	Refresh(ctx context.Context, orgID int64, kind domain.ProviderKind) (*domain.OAuthTokens, error)
	Revoke(ctx context.Context, orgID int64, kind domain.ProviderKind) error
	Status(ctx context.Context, orgID int64) ([]ProviderStatus, error)
}

// StartAuthorizationInput selects the provider to connect. IntegrationID is
// set when re-authorizing an existing integration row.
type StartAuthorizationInput struct {
	Provider      domain.ProviderKind
	IntegrationID int64
}

// StartAuthorizationOutput carries the consent-screen redirect and its state.
type StartAuthorizationOutput struct {
	AuthorizationURL string
	State            string
}

// CallbackInput captures the provider callback query parameters. Provider is
// optional; when set it must agree with the state payload.
type CallbackInput struct {
	Provider domain.ProviderKind
	Code     string
	State    string
}

// CallbackOutput identifies the credential written by a successful callback.
type CallbackOutput struct {
	OrgID         int64
	IntegrationID int64
	Tokens        *domain.OAuthTokens
}

// ProviderStatus summarizes one org/provider connection for dashboards.
type ProviderStatus struct {
	Provider  domain.ProviderKind `json:"provider"`
	Connected bool                `json:"connected"`
	Revoked   bool                `json:"revoked"`
	UpdatedAt time.Time           `json:"updated_at"`
}

type service struct {
	registry *provider.Registry
	codec    *statetoken.Codec
	client   oauthadapter.ExchangeClient
	revoker  oauthadapter.Revoker
	store    *CredentialStore
	nonces   repository.NonceGuard
	logger   *zap.Logger
}

// NewService wires the integration service. The nonce guard may be nil, in
// which case state tokens are not checked for reuse.
func NewService(
	registry *provider.Registry,
	codec *statetoken.Codec,
	client oauthadapter.ExchangeClient,
	revoker oauthadapter.Revoker,
	store *CredentialStore,
	nonces repository.NonceGuard,
	logger *zap.Logger,
) Service {
	return &service{
		registry: registry,
		codec:    codec,
		client:   client,
		revoker:  revoker,
		store:    store,
		nonces:   nonces,
		logger:   logger,
	}
}

func (s *service) StartAuthorization(ctx context.Context, orgID int64, in StartAuthorizationInput) (*StartAuthorizationOutput, error) {
	if _, err := s.registry.ConfigFor(in.Provider); err != nil {
		return nil, err
	}

	state, err := s.codec.Encode(orgID, in.Provider, in.IntegrationID)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	authURL, err := s.registry.BuildAuthURL(in.Provider, state)
	if err != nil {
		return nil, err
	}

	return &StartAuthorizationOutput{AuthorizationURL: authURL, State: state}, nil
}

func (s *service) HandleCallback(ctx context.Context, in CallbackInput) (*CallbackOutput, error) {
	if strings.TrimSpace(in.Code) == "" || strings.TrimSpace(in.State) == "" {
		return nil, domain.ErrInvalidState
	}

	state, err := s.codec.Decode(in.State)
	if err != nil {
		return nil, err
	}
	if in.Provider != "" && state.Provider != in.Provider {
		return nil, fmt.Errorf("%w: provider mismatch", domain.ErrInvalidState)
	}
	if err := s.consumeNonce(ctx, state.Nonce); err != nil {
		return nil, err
	}

	cfg, err := s.registry.ConfigFor(state.Provider)
	if err != nil {
		return nil, err
	}

	tokens, err := s.client.ExchangeCode(ctx, cfg, in.Code)
	if err != nil {
		return nil, err
	}

	integrationID, err := s.store.Save(ctx, state.OrgID, state.Provider, tokens, state.IntegrationID)
	if err != nil {
		return nil, err
	}

	s.log().Info("integration connected",
		zap.Int64("org_id", state.OrgID),
		zap.String("provider", string(state.Provider)),
		zap.Int64("integration_id", integrationID),
	)

	return &CallbackOutput{
		OrgID:         state.OrgID,
		IntegrationID: integrationID,
		Tokens:        tokens,
	}, nil
}

// Refresh rotates the access token for an existing integration. The read and
// the write are not one transaction; concurrent refreshes for the same pair
// race and the later write wins.
func (s *service) Refresh(ctx context.Context, orgID int64, kind domain.ProviderKind) (*domain.OAuthTokens, error) {
	cfg, err := s.registry.ConfigFor(kind)
	if err != nil {
		return nil, err
	}

	record, current, err := s.store.Load(ctx, orgID, kind)
	if err != nil {
		return nil, err
	}
	if current.RefreshToken == "" {
		return nil, fmt.Errorf("%s/%d: %w", kind, orgID, domain.ErrNoRefreshToken)
	}

	refreshed, err := s.client.Refresh(ctx, cfg, current.RefreshToken)
	if err != nil {
		return nil, err
	}
	// Some providers rotate the refresh token only occasionally; keep the one
	// we just used when the response omits a replacement.
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = current.RefreshToken
	}

	if _, err := s.store.Save(ctx, orgID, kind, refreshed, record.ID); err != nil {
		return nil, err
	}

	s.log().Info("integration tokens refreshed",
		zap.Int64("org_id", orgID),
		zap.String("provider", string(kind)),
	)
	return refreshed, nil
}

// Revoke disables an integration. The provider-side revoke call is advisory:
// its failure is logged, never returned; the local clear always runs.
func (s *service) Revoke(ctx context.Context, orgID int64, kind domain.ProviderKind) error {
	_, tokens, err := s.store.Load(ctx, orgID, kind)
	switch {
	case errors.Is(err, domain.ErrNoIntegrationFound):
		return nil
	case errors.Is(err, domain.ErrDecryptionFailed):
		s.log().Warn("skipping provider revoke, stored credentials unreadable",
			zap.Int64("org_id", orgID),
			zap.String("provider", string(kind)),
			zap.Error(err),
		)
	case err != nil:
		return err
	default:
		if revokeErr := s.revoker.Revoke(ctx, kind, tokens.AccessToken); revokeErr != nil {
			s.log().Warn("provider revoke failed, clearing local credentials anyway",
				zap.Int64("org_id", orgID),
				zap.String("provider", string(kind)),
				zap.Error(revokeErr),
			)
		}
	}

	if err := s.store.Clear(ctx, orgID, kind); err != nil {
		return err
	}
	s.log().Info("integration revoked",
		zap.Int64("org_id", orgID),
		zap.String("provider", string(kind)),
	)
	return nil
}

func (s *service) Status(ctx context.Context, orgID int64) ([]ProviderStatus, error) {
	records, err := s.store.List(ctx, orgID)
	if err != nil {
		return nil, err
	}
	statuses := make([]ProviderStatus, 0, len(records))
	for _, record := range records {
		statuses = append(statuses, ProviderStatus{
			Provider:  record.Kind,
			Connected: record.Enabled,
			Revoked:   record.Security.Revoked,
			UpdatedAt: record.UpdatedAt,
		})
	}
	return statuses, nil
}

func (s *service) consumeNonce(ctx context.Context, nonce string) error {
	if s.nonces == nil {
		return nil
	}
	fresh, err := s.nonces.Consume(ctx, nonce, statetoken.TTL)
	if err != nil {
		return fmt.Errorf("consume state nonce: %w", err)
	}
	if !fresh {
		return fmt.Errorf("%w: state already used", domain.ErrInvalidState)
	}
	return nil
}

func (s *service) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
