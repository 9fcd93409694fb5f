package postgres

import (
	"context"
	"database/sql"

	"github.com/betlink/betlinkd/internal/crypto"
	"github.com/betlink/betlinkd/internal/storage/relationaldb"
)

// TransactionContext implements relationaldb.TransactionContext for
// PostgreSQL. All repositories returned from it share one *sql.Tx.
type TransactionContext struct {
	tx *sql.Tx

	walletRepo      *WalletRepository
	transactionRepo *TransactionRepository
	amlRepo         *AMLRepository
}

// NewTransactionContext binds repositories to an open transaction.
func NewTransactionContext(tx *sql.Tx, enc *crypto.Encryptor) *TransactionContext {
	return &TransactionContext{
		tx:              tx,
		walletRepo:      NewWalletRepositoryWithTx(tx),
		transactionRepo: NewTransactionRepositoryWithTx(tx, enc),
		amlRepo:         NewAMLRepositoryWithTx(tx),
	}
}

func (tc *TransactionContext) Commit(ctx context.Context) error {
	if tc.tx == nil {
		return relationaldb.ErrTransactionClosed
	}
	err := tc.tx.Commit()
	tc.tx = nil
	if err != nil {
		return relationaldb.NewTransactionError("commit", "failed to commit transaction", err)
	}
	return nil
}

func (tc *TransactionContext) Rollback(ctx context.Context) error {
	if tc.tx == nil {
		return nil // already committed or rolled back
	}
	err := tc.tx.Rollback()
	tc.tx = nil
	if err != nil {
		return relationaldb.NewTransactionError("rollback", "failed to rollback transaction", err)
	}
	return nil
}

func (tc *TransactionContext) Wallets() relationaldb.WalletRepository           { return tc.walletRepo }
func (tc *TransactionContext) Transactions() relationaldb.TransactionRepository { return tc.transactionRepo }
func (tc *TransactionContext) AML() relationaldb.AMLRepository                  { return tc.amlRepo }
