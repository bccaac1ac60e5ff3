package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	domain "github.com/smallbiznis/valora-integrations/internal/domain/integration"
	"github.com/smallbiznis/valora-integrations/internal/crypto"
	"github.com/smallbiznis/valora-integrations/internal/repository"
)

// CredentialStore persists and retrieves encrypted provider credentials. It is
// the only writer of integration_credentials rows.
type CredentialStore struct {
	repo   repository.CredentialRepository
	cipher crypto.Cipher
}

// NewCredentialStore wires the store over its repository and cipher.
func NewCredentialStore(repo repository.CredentialRepository, cipher crypto.Cipher) *CredentialStore {
	return &CredentialStore{repo: repo, cipher: cipher}
}

// Save encrypts the tokens and writes them for (org, kind). With a non-zero
// integrationID it updates that row in place; otherwise it upserts on the
// (org, kind) uniqueness so repeat saves never duplicate rows.
func (s *CredentialStore) Save(ctx context.Context, orgID int64, kind domain.ProviderKind, tokens *domain.OAuthTokens, integrationID int64) (int64, error) {
	plain, err := json.Marshal(tokens)
	if err != nil {
		return 0, fmt.Errorf("marshal tokens: %w", err)
	}
	blob, err := s.cipher.Encrypt(plain)
	if err != nil {
		return 0, fmt.Errorf("encrypt tokens: %w", err)
	}

	now := time.Now().UTC()
	security := domain.SecurityMetadata{
		Encrypted:         true,
		EncryptionVersion: crypto.Version,
		EncryptedAt:       &now,
	}

	if integrationID != 0 {
		if err := s.repo.UpdateByID(ctx, orgID, integrationID, blob, security); err != nil {
			return 0, err
		}
		return integrationID, nil
	}

	saved, err := s.repo.Upsert(ctx, domain.CredentialRecord{
		OrgID:       orgID,
		Kind:        kind,
		Credentials: blob,
		Security:    security,
	})
	if err != nil {
		return 0, err
	}
	return saved.ID, nil
}

// Load fetches the most recently updated row for the pair and decodes its
// tokens, decrypting or falling back to legacy plaintext as the row's
// security metadata dictates.
func (s *CredentialStore) Load(ctx context.Context, orgID int64, kind domain.ProviderKind) (*domain.CredentialRecord, *domain.OAuthTokens, error) {
	record, err := s.repo.Load(ctx, orgID, kind)
	if err != nil {
		return nil, nil, err
	}
	tokens, err := record.Tokens(s.cipher)
	if err != nil {
		return record, nil, err
	}
	return record, tokens, nil
}

// Clear nulls the stored credentials and marks the row revoked and disabled.
func (s *CredentialStore) Clear(ctx context.Context, orgID int64, kind domain.ProviderKind) error {
	return s.repo.Clear(ctx, orgID, kind, time.Now().UTC())
}

// List returns the org's credential rows without decoding their tokens.
func (s *CredentialStore) List(ctx context.Context, orgID int64) ([]domain.CredentialRecord, error) {
	return s.repo.List(ctx, orgID)
}
