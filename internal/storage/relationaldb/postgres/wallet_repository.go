package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/betlink/betlinkd/internal/storage/relationaldb"
)

// WalletRepository implements relationaldb.WalletRepository on PostgreSQL.
type WalletRepository struct {
	db *sql.DB
	tx *sql.Tx
}

func NewWalletRepository(db *sql.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

func NewWalletRepositoryWithTx(tx *sql.Tx) *WalletRepository {
	return &WalletRepository{tx: tx}
}

func (r *WalletRepository) getExecutor() executor {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

const walletColumns = `id, player_id, partner_id, currency, balance, active, locked, created_at, updated_at`

func scanWallet(row *sql.Row) (*relationaldb.Wallet, error) {
	var w relationaldb.Wallet
	err := row.Scan(&w.ID, &w.PlayerID, &w.PartnerID, &w.Currency, &w.Balance,
		&w.Active, &w.Locked, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, relationaldb.ErrWalletNotFound
		}
		return nil, relationaldb.NewQueryError("scan_wallet", "failed to scan wallet row", err)
	}
	return &w, nil
}

// FindByPlayer returns the wallet for one (player, partner, currency) triple
// without locking it.
func (r *WalletRepository) FindByPlayer(ctx context.Context, playerID, partnerID uuid.UUID, currency string) (*relationaldb.Wallet, error) {
	row := r.getExecutor().QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets
		 WHERE player_id = $1 AND partner_id = $2 AND currency = $3`,
		playerID, partnerID, currency)
	return scanWallet(row)
}

// FindForUpdate locks the wallet row for the duration of the enclosing
// transaction. Calling it outside a transaction is a programming error.
func (r *WalletRepository) FindForUpdate(ctx context.Context, playerID, partnerID uuid.UUID, currency string) (*relationaldb.Wallet, error) {
	if r.tx == nil {
		return nil, relationaldb.NewTransactionError("find_for_update",
			"row locking requires an open transaction", nil)
	}
	row := r.tx.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets
		 WHERE player_id = $1 AND partner_id = $2 AND currency = $3
		 FOR UPDATE`,
		playerID, partnerID, currency)
	return scanWallet(row)
}

func (r *WalletRepository) GetByID(ctx context.Context, id uuid.UUID) (*relationaldb.Wallet, error) {
	row := r.getExecutor().QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
	return scanWallet(row)
}

func (r *WalletRepository) Create(ctx context.Context, w *relationaldb.Wallet) error {
	_, err := r.getExecutor().ExecContext(ctx,
		`INSERT INTO wallets (id, player_id, partner_id, currency, balance, active, locked, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`,
		w.ID, w.PlayerID, w.PartnerID, w.Currency, w.Balance, w.Active, w.Locked)
	if err != nil {
		if isUniqueViolation(err) {
			return relationaldb.ErrDuplicateWallet
		}
		return relationaldb.NewQueryError("create_wallet", "failed to insert wallet", err)
	}
	return nil
}

func (r *WalletRepository) UpdateBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) error {
	result, err := r.getExecutor().ExecContext(ctx,
		`UPDATE wallets SET balance = $1, updated_at = NOW() WHERE id = $2`,
		balance, id)
	if err != nil {
		return relationaldb.NewQueryError("update_balance", "failed to update wallet balance", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return relationaldb.NewQueryError("update_balance", "failed to read rows affected", err)
	}
	if affected == 0 {
		return relationaldb.ErrWalletNotFound
	}
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
