package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/valora-integrations/internal/domain/integration"
)

// PostgresCredentialRepo implements CredentialRepository on pgx.
type PostgresCredentialRepo struct {
	db  *pgxpool.Pool
	ids *snowflake.Node
}

var _ CredentialRepository = (*PostgresCredentialRepo)(nil)

// NewPostgresCredentialRepo constructs the repository.
func NewPostgresCredentialRepo(pool *pgxpool.Pool, ids *snowflake.Node) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: pool, ids: ids}
}

const upsertCredentialSQL = `
INSERT INTO integration_credentials (id, org_id, kind, credentials, security_metadata, enabled)
VALUES ($1, $2, $3, $4, $5, TRUE)
ON CONFLICT (org_id, kind) DO UPDATE
SET credentials = EXCLUDED.credentials,
    security_metadata = EXCLUDED.security_metadata,
    enabled = TRUE,
    updated_at = now()
RETURNING id, org_id, kind, credentials, security_metadata, enabled, created_at, updated_at`

func (r *PostgresCredentialRepo) Upsert(ctx context.Context, record integration.CredentialRecord) (integration.CredentialRecord, error) {
	security, err := json.Marshal(record.Security)
	if err != nil {
		return integration.CredentialRecord{}, fmt.Errorf("marshal security metadata: %w", err)
	}

	id := record.ID
	if id == 0 {
		id = r.ids.Generate().Int64()
	}

	row := r.db.QueryRow(ctx, upsertCredentialSQL, id, record.OrgID, string(record.Kind), record.Credentials, security)
	saved, err := scanCredentialRow(row)
	if err != nil {
		return integration.CredentialRecord{}, fmt.Errorf("upsert credential: %w", err)
	}
	return saved, nil
}

const updateCredentialByIDSQL = `
UPDATE integration_credentials
SET credentials = $3,
    security_metadata = $4,
    enabled = TRUE,
    updated_at = now()
WHERE org_id = $1 AND id = $2`

func (r *PostgresCredentialRepo) UpdateByID(ctx context.Context, orgID, id int64, credentials []byte, security integration.SecurityMetadata) error {
	meta, err := json.Marshal(security)
	if err != nil {
		return fmt.Errorf("marshal security metadata: %w", err)
	}
	tag, err := r.db.Exec(ctx, updateCredentialByIDSQL, orgID, id, credentials, meta)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return integration.ErrNoIntegrationFound
	}
	return nil
}

const loadCredentialSQL = `
SELECT id, org_id, kind, credentials, security_metadata, enabled, created_at, updated_at
FROM integration_credentials
WHERE org_id = $1 AND kind = $2
ORDER BY updated_at DESC
LIMIT 1`

func (r *PostgresCredentialRepo) Load(ctx context.Context, orgID int64, kind integration.ProviderKind) (*integration.CredentialRecord, error) {
	row := r.db.QueryRow(ctx, loadCredentialSQL, orgID, string(kind))
	record, err := scanCredentialRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s/%d: %w", kind, orgID, integration.ErrNoIntegrationFound)
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	return &record, nil
}

const listCredentialsSQL = `
SELECT id, org_id, kind, credentials, security_metadata, enabled, created_at, updated_at
FROM integration_credentials
WHERE org_id = $1
ORDER BY updated_at DESC`

func (r *PostgresCredentialRepo) List(ctx context.Context, orgID int64) ([]integration.CredentialRecord, error) {
	rows, err := r.db.Query(ctx, listCredentialsSQL, orgID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var records []integration.CredentialRecord
	for rows.Next() {
		record, err := scanCredentialRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return records, nil
}

const clearCredentialSQL = `
UPDATE integration_credentials
SET credentials = NULL,
    security_metadata = $3,
    enabled = FALSE,
    updated_at = now()
WHERE org_id = $1 AND kind = $2`

func (r *PostgresCredentialRepo) Clear(ctx context.Context, orgID int64, kind integration.ProviderKind, revokedAt time.Time) error {
	meta, err := json.Marshal(integration.SecurityMetadata{Revoked: true, RevokedAt: &revokedAt})
	if err != nil {
		return fmt.Errorf("marshal security metadata: %w", err)
	}
	if _, err := r.db.Exec(ctx, clearCredentialSQL, orgID, string(kind), meta); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

func scanCredentialRow(row pgx.Row) (integration.CredentialRecord, error) {
	var (
		record   integration.CredentialRecord
		kind     string
		security []byte
	)
	if err := row.Scan(
		&record.ID,
		&record.OrgID,
		&kind,
		&record.Credentials,
		&security,
		&record.Enabled,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return integration.CredentialRecord{}, err
	}
	record.Kind = integration.ProviderKind(kind)
	if len(security) > 0 {
		if err := json.Unmarshal(security, &record.Security); err != nil {
			return integration.CredentialRecord{}, fmt.Errorf("decode security metadata: %w", err)
		}
	}
	return record, nil
}
