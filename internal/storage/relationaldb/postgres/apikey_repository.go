package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/betlink/betlinkd/internal/storage/relationaldb"
)

// APIKeyRepository implements relationaldb.APIKeyRepository on PostgreSQL.
type APIKeyRepository struct {
	db *sql.DB
	tx *sql.Tx
}

func NewAPIKeyRepository(db *sql.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

func NewAPIKeyRepositoryWithTx(tx *sql.Tx) *APIKeyRepository {
	return &APIKeyRepository{tx: tx}
}

func (r *APIKeyRepository) getExecutor() executor {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

// GetByHash resolves a key by its deterministic digest. This is the hot path
// of every authenticated request, backed by the unique index on key_hash.
func (r *APIKeyRepository) GetByHash(ctx context.Context, keyHash string) (*relationaldb.APIKey, error) {
	var k relationaldb.APIKey
	err := r.getExecutor().QueryRowContext(ctx,
		`SELECT id, partner_id, key_hash, permissions, active, expires_at, last_used_at, created_at
		 FROM api_keys WHERE key_hash = $1`,
		keyHash).Scan(&k.ID, &k.PartnerID, &k.KeyHash, pq.Array(&k.Permissions),
		&k.Active, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, relationaldb.ErrAPIKeyNotFound
		}
		return nil, relationaldb.NewQueryError("get_by_hash", "failed to query api key", err)
	}
	return &k, nil
}

func (r *APIKeyRepository) Create(ctx context.Context, k *relationaldb.APIKey) error {
	_, err := r.getExecutor().ExecContext(ctx,
		`INSERT INTO api_keys (id, partner_id, key_hash, permissions, active, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		k.ID, k.PartnerID, k.KeyHash, pq.Array(k.Permissions), k.Active, k.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return relationaldb.NewConstraintError("create_api_key", "api key hash already exists", err)
		}
		return relationaldb.NewQueryError("create_api_key", "failed to insert api key", err)
	}
	return nil
}

// TouchLastUsed records credential use. Callers throttle this to roughly one
// write per key per hour.
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := r.getExecutor().ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return relationaldb.NewQueryError("touch_last_used", "failed to update last used", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return relationaldb.NewQueryError("touch_last_used", "failed to read rows affected", err)
	}
	if affected == 0 {
		return relationaldb.ErrAPIKeyNotFound
	}
	return nil
}
