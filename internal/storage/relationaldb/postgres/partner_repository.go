package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/betlink/betlinkd/internal/storage/relationaldb"
)

// PartnerRepository implements relationaldb.PartnerRepository on PostgreSQL.
type PartnerRepository struct {
	db *sql.DB
	tx *sql.Tx
}

func NewPartnerRepository(db *sql.DB) *PartnerRepository {
	return &PartnerRepository{db: db}
}

func NewPartnerRepositoryWithTx(tx *sql.Tx) *PartnerRepository {
	return &PartnerRepository{tx: tx}
}

func (r *PartnerRepository) getExecutor() executor {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

const partnerColumns = `id, code, name, status, allowed_ips, created_at, updated_at`

func scanPartner(row *sql.Row) (*relationaldb.Partner, error) {
	var p relationaldb.Partner
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Status,
		pq.Array(&p.AllowedIPs), &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, relationaldb.ErrPartnerNotFound
		}
		return nil, relationaldb.NewQueryError("scan_partner", "failed to scan partner row", err)
	}
	return &p, nil
}

func (r *PartnerRepository) GetByID(ctx context.Context, id uuid.UUID) (*relationaldb.Partner, error) {
	row := r.getExecutor().QueryRowContext(ctx,
		`SELECT `+partnerColumns+` FROM partners WHERE id = $1`, id)
	return scanPartner(row)
}

func (r *PartnerRepository) GetByCode(ctx context.Context, code string) (*relationaldb.Partner, error) {
	row := r.getExecutor().QueryRowContext(ctx,
		`SELECT `+partnerColumns+` FROM partners WHERE code = $1`, code)
	return scanPartner(row)
}

func (r *PartnerRepository) Create(ctx context.Context, p *relationaldb.Partner) error {
	_, err := r.getExecutor().ExecContext(ctx,
		`INSERT INTO partners (id, code, name, status, allowed_ips, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())`,
		p.ID, p.Code, p.Name, p.Status, pq.Array(p.AllowedIPs))
	if err != nil {
		if isUniqueViolation(err) {
			return relationaldb.NewConstraintError("create_partner", "partner code already exists", err)
		}
		return relationaldb.NewQueryError("create_partner", "failed to insert partner", err)
	}
	return nil
}
