package integration

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-integrations/internal/crypto"
	domain "github.com/smallbiznis/valora-integrations/internal/domain/integration"
	"github.com/smallbiznis/valora-integrations/internal/provider"
	"github.com/smallbiznis/valora-integrations/internal/statetoken"
)

type fakeCredentialRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[string]*domain.CredentialRecord

	upsertErr error
}

func newFakeCredentialRepo() *fakeCredentialRepo {
	return &fakeCredentialRepo{nextID: 1, rows: make(map[string]*domain.CredentialRecord)}
}

func repoKey(orgID int64, kind domain.ProviderKind) string {
	return fmt.Sprintf("%d/%s", orgID, kind)
}

func (f *fakeCredentialRepo) Upsert(_ context.Context, record domain.CredentialRecord) (domain.CredentialRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return domain.CredentialRecord{}, f.upsertErr
	}
	key := repoKey(record.OrgID, record.Kind)
	now := time.Now().UTC()
	if existing, ok := f.rows[key]; ok {
		existing.Credentials = record.Credentials
		existing.Security = record.Security
		existing.Enabled = true
		existing.UpdatedAt = now
		return *existing, nil
	}
	record.ID = f.nextID
	f.nextID++
	record.Enabled = true
	record.CreatedAt = now
	record.UpdatedAt = now
	f.rows[key] = &record
	return record, nil
}

func (f *fakeCredentialRepo) UpdateByID(_ context.Context, orgID, id int64, credentials []byte, security domain.SecurityMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.OrgID == orgID && row.ID == id {
			row.Credentials = credentials
			row.Security = security
			row.Enabled = true
			row.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return domain.ErrNoIntegrationFound
}

func (f *fakeCredentialRepo) Load(_ context.Context, orgID int64, kind domain.ProviderKind) (*domain.CredentialRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[repoKey(orgID, kind)]
	if !ok {
		return nil, domain.ErrNoIntegrationFound
	}
	clone := *row
	return &clone, nil
}

func (f *fakeCredentialRepo) List(_ context.Context, orgID int64) ([]domain.CredentialRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CredentialRecord
	for _, row := range f.rows {
		if row.OrgID == orgID {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (f *fakeCredentialRepo) Clear(_ context.Context, orgID int64, kind domain.ProviderKind, revokedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[repoKey(orgID, kind)]
	if !ok {
		return nil
	}
	row.Credentials = nil
	row.Enabled = false
	row.Security.Revoked = true
	row.Security.RevokedAt = &revokedAt
	row.UpdatedAt = revokedAt
	return nil
}

type fakeExchangeClient struct {
	exchangeTokens *domain.OAuthTokens
	exchangeErr    error
	refreshTokens  *domain.OAuthTokens
	refreshErr     error

	gotCode    string
	gotRefresh string
}

func (f *fakeExchangeClient) ExchangeCode(_ context.Context, _ domain.OAuthConfig, code string) (*domain.OAuthTokens, error) {
	f.gotCode = code
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	clone := *f.exchangeTokens
	return &clone, nil
}

func (f *fakeExchangeClient) Refresh(_ context.Context, _ domain.OAuthConfig, refreshToken string) (*domain.OAuthTokens, error) {
	f.gotRefresh = refreshToken
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	clone := *f.refreshTokens
	return &clone, nil
}

type fakeRevoker struct {
	err      error
	gotKind  domain.ProviderKind
	gotToken string
	calls    int
}

func (f *fakeRevoker) Revoke(_ context.Context, kind domain.ProviderKind, accessToken string) error {
	f.calls++
	f.gotKind = kind
	f.gotToken = accessToken
	return f.err
}

type fakeNonceGuard struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func newFakeNonceGuard() *fakeNonceGuard {
	return &fakeNonceGuard{seen: make(map[string]bool)}
}

func (f *fakeNonceGuard) Consume(_ context.Context, nonce string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.seen[nonce] {
		return false, nil
	}
	f.seen[nonce] = true
	return true, nil
}

type harness struct {
	service  Service
	repo     *fakeCredentialRepo
	client   *fakeExchangeClient
	revoker  *fakeRevoker
	nonces   *fakeNonceGuard
	codec    *statetoken.Codec
	cipher   crypto.Cipher
	registry *provider.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	codec, err := statetoken.NewCodec([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	cipher, err := crypto.NewAESCipher("service-test-secret")
	require.NoError(t, err)

	registry := provider.NewRegistry("https://app.example.com/integrations/oauth/callback", map[domain.ProviderKind]provider.Credentials{
		domain.KindSlack:        {ClientID: "slack-id", ClientSecret: "slack-secret"},
		domain.KindGoogleSheets: {ClientID: "google-id", ClientSecret: "google-secret"},
	})

	h := &harness{
		repo:     newFakeCredentialRepo(),
		client:   &fakeExchangeClient{},
		revoker:  &fakeRevoker{},
		nonces:   newFakeNonceGuard(),
		codec:    codec,
		cipher:   cipher,
		registry: registry,
	}
	store := NewCredentialStore(h.repo, cipher)
	h.service = NewService(registry, codec, h.client, h.revoker, store, h.nonces, zap.NewNop())
	return h
}

func (h *harness) seed(t *testing.T, orgID int64, kind domain.ProviderKind, tokens *domain.OAuthTokens) int64 {
	t.Helper()
	store := NewCredentialStore(h.repo, h.cipher)
	id, err := store.Save(context.Background(), orgID, kind, tokens, 0)
	require.NoError(t, err)
	return id
}

func TestStartAuthorization(t *testing.T) {
	h := newHarness(t)

	out, err := h.service.StartAuthorization(context.Background(), 42, StartAuthorizationInput{Provider: domain.KindSlack})
	require.NoError(t, err)
	require.NotEmpty(t, out.State)

	u, err := url.Parse(out.AuthorizationURL)
	require.NoError(t, err)
	require.Equal(t, "slack.com", u.Host)
	require.Equal(t, out.State, u.Query().Get("state"))

	payload, err := h.codec.Decode(out.State)
	require.NoError(t, err)
	require.Equal(t, int64(42), payload.OrgID)
	require.Equal(t, domain.KindSlack, payload.Provider)
}

func TestStartAuthorizationUnknownProvider(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.StartAuthorization(context.Background(), 42, StartAuthorizationInput{Provider: domain.KindNotion})
	require.ErrorIs(t, err, domain.ErrProviderNotConfigured)
}

func TestHandleCallbackStoresEncryptedTokens(t *testing.T) {
	h := newHarness(t)
	h.client.exchangeTokens = &domain.OAuthTokens{AccessToken: "at-1", RefreshToken: "rt-1", TokenType: "Bearer"}

	start, err := h.service.StartAuthorization(context.Background(), 42, StartAuthorizationInput{Provider: domain.KindSlack})
	require.NoError(t, err)

	out, err := h.service.HandleCallback(context.Background(), CallbackInput{Code: "auth-code", State: start.State})
	require.NoError(t, err)
	require.Equal(t, int64(42), out.OrgID)
	require.NotZero(t, out.IntegrationID)
	require.Equal(t, "auth-code", h.client.gotCode)

	row, err := h.repo.Load(context.Background(), 42, domain.KindSlack)
	require.NoError(t, err)
	require.True(t, row.Security.Encrypted)
	require.NotContains(t, string(row.Credentials), "at-1")

	tokens, err := row.Tokens(h.cipher)
	require.NoError(t, err)
	require.Equal(t, "at-1", tokens.AccessToken)
	require.Equal(t, "rt-1", tokens.RefreshToken)
}

func TestHandleCallbackMissingParams(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.HandleCallback(context.Background(), CallbackInput{Code: "", State: "x"})
	require.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = h.service.HandleCallback(context.Background(), CallbackInput{Code: "x", State: ""})
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestHandleCallbackProviderMismatch(t *testing.T) {
	h := newHarness(t)

	start, err := h.service.StartAuthorization(context.Background(), 42, StartAuthorizationInput{Provider: domain.KindSlack})
	require.NoError(t, err)

	_, err = h.service.HandleCallback(context.Background(), CallbackInput{
		Provider: domain.KindGoogleSheets,
		Code:     "code",
		State:    start.State,
	})
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestHandleCallbackReplayedState(t *testing.T) {
	h := newHarness(t)
	h.client.exchangeTokens = &domain.OAuthTokens{AccessToken: "at-1", TokenType: "Bearer"}

	start, err := h.service.StartAuthorization(context.Background(), 42, StartAuthorizationInput{Provider: domain.KindSlack})
	require.NoError(t, err)

	_, err = h.service.HandleCallback(context.Background(), CallbackInput{Code: "code", State: start.State})
	require.NoError(t, err)

	_, err = h.service.HandleCallback(context.Background(), CallbackInput{Code: "code", State: start.State})
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestHandleCallbackRepeatConnectKeepsOneRow(t *testing.T) {
	h := newHarness(t)
	h.client.exchangeTokens = &domain.OAuthTokens{AccessToken: "at-1", TokenType: "Bearer"}

	first, err := h.service.StartAuthorization(context.Background(), 42, StartAuthorizationInput{Provider: domain.KindSlack})
	require.NoError(t, err)
	out1, err := h.service.HandleCallback(context.Background(), CallbackInput{Code: "code-1", State: first.State})
	require.NoError(t, err)

	h.client.exchangeTokens = &domain.OAuthTokens{AccessToken: "at-2", TokenType: "Bearer"}
	second, err := h.service.StartAuthorization(context.Background(), 42, StartAuthorizationInput{Provider: domain.KindSlack})
	require.NoError(t, err)
	out2, err := h.service.HandleCallback(context.Background(), CallbackInput{Code: "code-2", State: second.State})
	require.NoError(t, err)

	require.Equal(t, out1.IntegrationID, out2.IntegrationID)

	rows, err := h.repo.List(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	tokens, err := rows[0].Tokens(h.cipher)
	require.NoError(t, err)
	require.Equal(t, "at-2", tokens.AccessToken)
}

func TestHandleCallbackExchangeFailure(t *testing.T) {
	h := newHarness(t)
	h.client.exchangeErr = &domain.TokenExchangeError{Kind: domain.KindSlack, StatusCode: 400, Message: "invalid_code"}

	start, err := h.service.StartAuthorization(context.Background(), 42, StartAuthorizationInput{Provider: domain.KindSlack})
	require.NoError(t, err)

	_, err = h.service.HandleCallback(context.Background(), CallbackInput{Code: "bad", State: start.State})
	var exchangeErr *domain.TokenExchangeError
	require.ErrorAs(t, err, &exchangeErr)

	_, loadErr := h.repo.Load(context.Background(), 42, domain.KindSlack)
	require.ErrorIs(t, loadErr, domain.ErrNoIntegrationFound)
}

func TestRefreshRotatesTokens(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 42, domain.KindGoogleSheets, &domain.OAuthTokens{AccessToken: "at-old", RefreshToken: "rt-old", TokenType: "Bearer"})

	expiresAt := time.Now().UTC().Add(time.Hour)
	h.client.refreshTokens = &domain.OAuthTokens{AccessToken: "at-new", RefreshToken: "rt-new", TokenType: "Bearer", ExpiresAt: &expiresAt}

	tokens, err := h.service.Refresh(context.Background(), 42, domain.KindGoogleSheets)
	require.NoError(t, err)
	require.Equal(t, "rt-old", h.client.gotRefresh)
	require.Equal(t, "at-new", tokens.AccessToken)
	require.Equal(t, "rt-new", tokens.RefreshToken)

	row, err := h.repo.Load(context.Background(), 42, domain.KindGoogleSheets)
	require.NoError(t, err)
	stored, err := row.Tokens(h.cipher)
	require.NoError(t, err)
	require.Equal(t, "at-new", stored.AccessToken)
}

func TestRefreshKeepsPreviousRefreshToken(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 42, domain.KindGoogleSheets, &domain.OAuthTokens{AccessToken: "at-old", RefreshToken: "rt-old", TokenType: "Bearer"})

	h.client.refreshTokens = &domain.OAuthTokens{AccessToken: "at-new", TokenType: "Bearer"}

	tokens, err := h.service.Refresh(context.Background(), 42, domain.KindGoogleSheets)
	require.NoError(t, err)
	require.Equal(t, "rt-old", tokens.RefreshToken)

	row, err := h.repo.Load(context.Background(), 42, domain.KindGoogleSheets)
	require.NoError(t, err)
	stored, err := row.Tokens(h.cipher)
	require.NoError(t, err)
	require.Equal(t, "rt-old", stored.RefreshToken)
}

func TestRefreshWithoutIntegration(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.Refresh(context.Background(), 42, domain.KindSlack)
	require.ErrorIs(t, err, domain.ErrNoIntegrationFound)
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 42, domain.KindSlack, &domain.OAuthTokens{AccessToken: "xoxb-1", TokenType: "Bearer"})

	_, err := h.service.Refresh(context.Background(), 42, domain.KindSlack)
	require.ErrorIs(t, err, domain.ErrNoRefreshToken)
}

func TestRefreshProviderFailureKeepsStoredTokens(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 42, domain.KindGoogleSheets, &domain.OAuthTokens{AccessToken: "at-old", RefreshToken: "rt-old", TokenType: "Bearer"})
	h.client.refreshErr = &domain.TokenExchangeError{Kind: domain.KindGoogleSheets, StatusCode: 400, Message: "invalid_grant"}

	_, err := h.service.Refresh(context.Background(), 42, domain.KindGoogleSheets)
	var exchangeErr *domain.TokenExchangeError
	require.ErrorAs(t, err, &exchangeErr)

	row, err := h.repo.Load(context.Background(), 42, domain.KindGoogleSheets)
	require.NoError(t, err)
	stored, err := row.Tokens(h.cipher)
	require.NoError(t, err)
	require.Equal(t, "at-old", stored.AccessToken)
}

func TestRevokeClearsCredentials(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 42, domain.KindSlack, &domain.OAuthTokens{AccessToken: "xoxb-1", TokenType: "Bearer"})

	err := h.service.Revoke(context.Background(), 42, domain.KindSlack)
	require.NoError(t, err)
	require.Equal(t, 1, h.revoker.calls)
	require.Equal(t, "xoxb-1", h.revoker.gotToken)

	row, ok := h.repo.rows[repoKey(42, domain.KindSlack)]
	require.True(t, ok)
	require.False(t, row.Enabled)
	require.Nil(t, row.Credentials)
	require.True(t, row.Security.Revoked)
	require.NotNil(t, row.Security.RevokedAt)
}

func TestRevokeClearsEvenWhenProviderFails(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 42, domain.KindSlack, &domain.OAuthTokens{AccessToken: "xoxb-1", TokenType: "Bearer"})
	h.revoker.err = errors.New("slack is down")

	err := h.service.Revoke(context.Background(), 42, domain.KindSlack)
	require.NoError(t, err)

	row := h.repo.rows[repoKey(42, domain.KindSlack)]
	require.False(t, row.Enabled)
	require.Nil(t, row.Credentials)
}

func TestRevokeMissingIntegrationIsNoOp(t *testing.T) {
	h := newHarness(t)

	err := h.service.Revoke(context.Background(), 42, domain.KindSlack)
	require.NoError(t, err)
	require.Zero(t, h.revoker.calls)
}

func TestRevokeUnreadableCredentialsStillClears(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 42, domain.KindSlack, &domain.OAuthTokens{AccessToken: "xoxb-1", TokenType: "Bearer"})
	h.repo.rows[repoKey(42, domain.KindSlack)].Credentials = []byte("corrupted")

	err := h.service.Revoke(context.Background(), 42, domain.KindSlack)
	require.NoError(t, err)
	require.Zero(t, h.revoker.calls)

	row := h.repo.rows[repoKey(42, domain.KindSlack)]
	require.False(t, row.Enabled)
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 42, domain.KindSlack, &domain.OAuthTokens{AccessToken: "xoxb-1", TokenType: "Bearer"})
	h.seed(t, 42, domain.KindGoogleSheets, &domain.OAuthTokens{AccessToken: "at-1", TokenType: "Bearer"})
	require.NoError(t, h.service.Revoke(context.Background(), 42, domain.KindGoogleSheets))

	statuses, err := h.service.Status(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	byProvider := make(map[domain.ProviderKind]ProviderStatus, len(statuses))
	for _, s := range statuses {
		byProvider[s.Provider] = s
	}
	require.True(t, byProvider[domain.KindSlack].Connected)
	require.False(t, byProvider[domain.KindSlack].Revoked)
	require.False(t, byProvider[domain.KindGoogleSheets].Connected)
	require.True(t, byProvider[domain.KindGoogleSheets].Revoked)
}
