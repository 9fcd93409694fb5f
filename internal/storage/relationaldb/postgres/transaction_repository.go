package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/betlink/betlinkd/internal/crypto"
	"github.com/betlink/betlinkd/internal/storage/relationaldb"
)

// TransactionRepository implements relationaldb.TransactionRepository on
// PostgreSQL. Amounts are encrypted before insert and decrypted on read, so
// the plaintext value never reaches the database.
type TransactionRepository struct {
	db  *sql.DB
	tx  *sql.Tx
	enc *crypto.Encryptor
}

func NewTransactionRepository(db *sql.DB, enc *crypto.Encryptor) *TransactionRepository {
	return &TransactionRepository{db: db, enc: enc}
}

func NewTransactionRepositoryWithTx(tx *sql.Tx, enc *crypto.Encryptor) *TransactionRepository {
	return &TransactionRepository{tx: tx, enc: enc}
}

func (r *TransactionRepository) getExecutor() executor {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

const txColumns = `id, reference_id, wallet_id, player_id, partner_id, tx_type,
	amount_encrypted, currency, status, original_balance, updated_balance,
	original_transaction_id, game_id, game_session_id, metadata, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *TransactionRepository) scanTransaction(row rowScanner) (*relationaldb.Transaction, error) {
	var (
		t           relationaldb.Transaction
		amountBlob  string
		metadataRaw []byte
	)
	err := row.Scan(&t.ID, &t.ReferenceID, &t.WalletID, &t.PlayerID, &t.PartnerID,
		&t.Type, &amountBlob, &t.Currency, &t.Status, &t.OriginalBalance,
		&t.UpdatedBalance, &t.OriginalTransactionID, &t.GameID, &t.GameSessionID,
		&metadataRaw, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, relationaldb.ErrTransactionNotFound
		}
		return nil, relationaldb.NewQueryError("scan_transaction", "failed to scan transaction row", err)
	}

	plaintext, err := r.enc.Decrypt(amountBlob)
	if err != nil {
		return nil, relationaldb.NewQueryError("scan_transaction", "failed to decrypt amount", err)
	}
	t.Amount, err = decimal.NewFromString(plaintext)
	if err != nil {
		return nil, relationaldb.NewQueryError("scan_transaction", "stored amount is not a decimal", err)
	}

	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &t.Metadata); err != nil {
			return nil, relationaldb.NewQueryError("scan_transaction", "failed to decode metadata", err)
		}
	}

	return &t, nil
}

// FindByReference looks up a transaction by the partner-scoped reference,
// which is how idempotent replays are detected.
func (r *TransactionRepository) FindByReference(ctx context.Context, partnerID uuid.UUID, referenceID string) (*relationaldb.Transaction, error) {
	row := r.getExecutor().QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions
		 WHERE partner_id = $1 AND reference_id = $2`,
		partnerID, referenceID)
	return r.scanTransaction(row)
}

func (r *TransactionRepository) Insert(ctx context.Context, t *relationaldb.Transaction) error {
	amountBlob, err := r.enc.Encrypt(t.Amount.String())
	if err != nil {
		return relationaldb.NewQueryError("insert_transaction", "failed to encrypt amount", err)
	}

	var metadataRaw []byte
	if len(t.Metadata) > 0 {
		metadataRaw, err = json.Marshal(t.Metadata)
		if err != nil {
			return relationaldb.NewQueryError("insert_transaction", "failed to encode metadata", err)
		}
	}

	_, err = r.getExecutor().ExecContext(ctx,
		`INSERT INTO transactions (id, reference_id, wallet_id, player_id, partner_id,
			tx_type, amount_encrypted, currency, status, original_balance, updated_balance,
			original_transaction_id, game_id, game_session_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())`,
		t.ID, t.ReferenceID, t.WalletID, t.PlayerID, t.PartnerID,
		t.Type, amountBlob, t.Currency, t.Status, t.OriginalBalance, t.UpdatedBalance,
		t.OriginalTransactionID, t.GameID, t.GameSessionID, metadataRaw)
	if err != nil {
		if isUniqueViolation(err) {
			return relationaldb.ErrDuplicateReference
		}
		return relationaldb.NewQueryError("insert_transaction", "failed to insert transaction", err)
	}
	return nil
}

func (r *TransactionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status relationaldb.TransactionStatus) error {
	result, err := r.getExecutor().ExecContext(ctx,
		`UPDATE transactions SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return relationaldb.NewQueryError("update_status", "failed to update transaction status", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return relationaldb.NewQueryError("update_status", "failed to read rows affected", err)
	}
	if affected == 0 {
		return relationaldb.ErrTransactionNotFound
	}
	return nil
}

// ListByPlayer returns transactions newest first, narrowed by the filter.
func (r *TransactionRepository) ListByPlayer(ctx context.Context, playerID, partnerID uuid.UUID, filter relationaldb.TransactionFilter) ([]relationaldb.Transaction, error) {
	var (
		conditions = []string{"player_id = $1", "partner_id = $2"}
		args       = []interface{}{playerID, partnerID}
	)
	if filter.Type != "" {
		args = append(args, filter.Type)
		conditions = append(conditions, fmt.Sprintf("tx_type = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	limitClause := fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	limitClause += fmt.Sprintf(" OFFSET $%d", len(args))

	query := `SELECT ` + txColumns + ` FROM transactions WHERE ` +
		strings.Join(conditions, " AND ") + limitClause

	rows, err := r.getExecutor().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, relationaldb.NewQueryError("list_by_player", "failed to query transactions", err)
	}
	defer rows.Close()

	var result []relationaldb.Transaction
	for rows.Next() {
		t, err := r.scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, relationaldb.NewQueryError("list_by_player", "failed to iterate transactions", err)
	}
	return result, nil
}
