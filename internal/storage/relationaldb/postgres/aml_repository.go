package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/betlink/betlinkd/internal/storage/relationaldb"
)

// AMLRepository implements relationaldb.AMLRepository on PostgreSQL.
type AMLRepository struct {
	db *sql.DB
	tx *sql.Tx
}

func NewAMLRepository(db *sql.DB) *AMLRepository {
	return &AMLRepository{db: db}
}

func NewAMLRepositoryWithTx(tx *sql.Tx) *AMLRepository {
	return &AMLRepository{tx: tx}
}

func (r *AMLRepository) getExecutor() executor {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

const profileColumns = `player_id, partner_id, risk_score, risk_level,
	deposit_count_7d, deposit_sum_7d, deposit_count_30d, deposit_sum_30d,
	withdrawal_count_7d, withdrawal_sum_7d, withdrawal_count_30d, withdrawal_sum_30d,
	risk_factors, last_calculated_at, created_at`

func scanProfile(row *sql.Row) (*relationaldb.AMLRiskProfile, error) {
	var (
		p          relationaldb.AMLRiskProfile
		factorsRaw []byte
	)
	err := row.Scan(&p.PlayerID, &p.PartnerID, &p.RiskScore, &p.RiskLevel,
		&p.DepositCount7d, &p.DepositSum7d, &p.DepositCount30d, &p.DepositSum30d,
		&p.WithdrawalCount7d, &p.WithdrawalSum7d, &p.WithdrawalCount30d, &p.WithdrawalSum30d,
		&factorsRaw, &p.LastCalculatedAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(factorsRaw) > 0 {
		if err := json.Unmarshal(factorsRaw, &p.RiskFactors); err != nil {
			return nil, relationaldb.NewQueryError("scan_profile", "failed to decode risk factors", err)
		}
	}
	if p.RiskFactors == nil {
		p.RiskFactors = make(map[string]relationaldb.FactorHistory)
	}
	return &p, nil
}

// GetOrCreateProfile returns the risk profile for a player, inserting a fresh
// zero-score profile on first sight. The upsert keeps concurrent first
// transactions from racing.
func (r *AMLRepository) GetOrCreateProfile(ctx context.Context, playerID, partnerID uuid.UUID) (*relationaldb.AMLRiskProfile, error) {
	ex := r.getExecutor()

	row := ex.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM aml_risk_profiles
		 WHERE player_id = $1 AND partner_id = $2`,
		playerID, partnerID)
	p, err := scanProfile(row)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, relationaldb.NewQueryError("get_profile", "failed to query risk profile", err)
	}

	row = ex.QueryRowContext(ctx,
		`INSERT INTO aml_risk_profiles (player_id, partner_id)
		 VALUES ($1, $2)
		 ON CONFLICT (player_id, partner_id) DO UPDATE SET player_id = EXCLUDED.player_id
		 RETURNING `+profileColumns,
		playerID, partnerID)
	p, err = scanProfile(row)
	if err != nil {
		return nil, relationaldb.NewQueryError("create_profile", "failed to create risk profile", err)
	}
	return p, nil
}

func (r *AMLRepository) UpdateProfile(ctx context.Context, p *relationaldb.AMLRiskProfile) error {
	factorsRaw, err := json.Marshal(p.RiskFactors)
	if err != nil {
		return relationaldb.NewQueryError("update_profile", "failed to encode risk factors", err)
	}

	result, err := r.getExecutor().ExecContext(ctx,
		`UPDATE aml_risk_profiles SET
			risk_score = $1, risk_level = $2,
			deposit_count_7d = $3, deposit_sum_7d = $4,
			deposit_count_30d = $5, deposit_sum_30d = $6,
			withdrawal_count_7d = $7, withdrawal_sum_7d = $8,
			withdrawal_count_30d = $9, withdrawal_sum_30d = $10,
			risk_factors = $11, last_calculated_at = NOW()
		 WHERE player_id = $12 AND partner_id = $13`,
		p.RiskScore, p.RiskLevel,
		p.DepositCount7d, p.DepositSum7d, p.DepositCount30d, p.DepositSum30d,
		p.WithdrawalCount7d, p.WithdrawalSum7d, p.WithdrawalCount30d, p.WithdrawalSum30d,
		factorsRaw, p.PlayerID, p.PartnerID)
	if err != nil {
		return relationaldb.NewQueryError("update_profile", "failed to update risk profile", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return relationaldb.NewQueryError("update_profile", "failed to read rows affected", err)
	}
	if affected == 0 {
		return relationaldb.NewQueryError("update_profile", "risk profile does not exist", nil)
	}
	return nil
}

const alertColumns = `id, player_id, partner_id, transaction_id, alert_type, severity,
	status, score_at_alert, factors, description, report_required, notes,
	reported_at, created_at, updated_at`

func scanAlert(row rowScanner) (*relationaldb.AMLAlert, error) {
	var (
		a          relationaldb.AMLAlert
		factorsRaw []byte
		desc       sql.NullString
		notes      sql.NullString
	)
	err := row.Scan(&a.ID, &a.PlayerID, &a.PartnerID, &a.TransactionID, &a.Type,
		&a.Severity, &a.Status, &a.ScoreAtAlert, &factorsRaw, &desc,
		&a.ReportRequired, &notes, &a.ReportedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, relationaldb.ErrAlertNotFound
		}
		return nil, relationaldb.NewQueryError("scan_alert", "failed to scan alert row", err)
	}
	a.Description = desc.String
	a.Notes = notes.String
	if len(factorsRaw) > 0 {
		if err := json.Unmarshal(factorsRaw, &a.Factors); err != nil {
			return nil, relationaldb.NewQueryError("scan_alert", "failed to decode alert factors", err)
		}
	}
	return &a, nil
}

func (r *AMLRepository) InsertAlert(ctx context.Context, a *relationaldb.AMLAlert) error {
	factorsRaw, err := json.Marshal(a.Factors)
	if err != nil {
		return relationaldb.NewQueryError("insert_alert", "failed to encode alert factors", err)
	}

	_, err = r.getExecutor().ExecContext(ctx,
		`INSERT INTO aml_alerts (id, player_id, partner_id, transaction_id, alert_type,
			severity, status, score_at_alert, factors, description, report_required,
			notes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())`,
		a.ID, a.PlayerID, a.PartnerID, a.TransactionID, a.Type,
		a.Severity, a.Status, a.ScoreAtAlert, factorsRaw, a.Description,
		a.ReportRequired, a.Notes)
	if err != nil {
		return relationaldb.NewQueryError("insert_alert", "failed to insert alert", err)
	}
	return nil
}

func (r *AMLRepository) GetAlert(ctx context.Context, id uuid.UUID) (*relationaldb.AMLAlert, error) {
	row := r.getExecutor().QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM aml_alerts WHERE id = $1`, id)
	return scanAlert(row)
}

func (r *AMLRepository) UpdateAlert(ctx context.Context, a *relationaldb.AMLAlert) error {
	result, err := r.getExecutor().ExecContext(ctx,
		`UPDATE aml_alerts SET status = $1, notes = $2, reported_at = $3, updated_at = NOW()
		 WHERE id = $4`,
		a.Status, a.Notes, a.ReportedAt, a.ID)
	if err != nil {
		return relationaldb.NewQueryError("update_alert", "failed to update alert", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return relationaldb.NewQueryError("update_alert", "failed to read rows affected", err)
	}
	if affected == 0 {
		return relationaldb.ErrAlertNotFound
	}
	return nil
}

// ListAlerts returns alerts newest first, narrowed by the filter.
func (r *AMLRepository) ListAlerts(ctx context.Context, filter relationaldb.AlertFilter) ([]relationaldb.AMLAlert, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.PartnerID != uuid.Nil {
		args = append(args, filter.PartnerID)
		conditions = append(conditions, fmt.Sprintf("partner_id = $%d", len(args)))
	}
	if filter.PlayerID != uuid.Nil {
		args = append(args, filter.PlayerID)
		conditions = append(conditions, fmt.Sprintf("player_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", len(args)))
	}

	query := `SELECT ` + alertColumns + ` FROM aml_alerts`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.getExecutor().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, relationaldb.NewQueryError("list_alerts", "failed to query alerts", err)
	}
	defer rows.Close()

	var result []relationaldb.AMLAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, relationaldb.NewQueryError("list_alerts", "failed to iterate alerts", err)
	}
	return result, nil
}
