package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/valora-integrations/internal/domain/integration"
)

// CredentialRepository owns all reads and writes of stored credential rows.
// No other component touches the table directly.
type CredentialRepository interface {
	// Upsert inserts or updates the row for (org, kind). The unique constraint
	// on the pair guarantees at most one row; the later write wins.
	Upsert(ctx context.Context, record integration.CredentialRecord) (integration.CredentialRecord, error)
	// UpdateByID updates an existing row by id, scoped to the org.
	UpdateByID(ctx context.Context, orgID, id int64, credentials []byte, security integration.SecurityMetadata) error
	// Load returns the most recently updated row for (org, kind), or
	// integration.ErrNoIntegrationFound.
	Load(ctx context.Context, orgID int64, kind integration.ProviderKind) (*integration.CredentialRecord, error)
	// List returns every credential row for the org.
	List(ctx context.Context, orgID int64) ([]integration.CredentialRecord, error)
	// Clear nulls the credentials, marks the row revoked and disabled, and
	// keeps it for audit. Idempotent; clearing a missing row is a no-op.
	Clear(ctx context.Context, orgID int64, kind integration.ProviderKind, revokedAt time.Time) error
}

// NonceGuard enforces single-use semantics for state token nonces.
type NonceGuard interface {
	Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}
