// Package wallet implements the transactional wallet engine: balance
// mutations with partner-scoped idempotency, rollbacks, balance reads and
// transaction history.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/betlink/betlinkd/internal/apperr"
	"github.com/betlink/betlinkd/internal/cache"
	"github.com/betlink/betlinkd/internal/events"
	"github.com/betlink/betlinkd/internal/storage/relationaldb"
)

// balanceCacheTTL bounds how stale a cached balance read may be. Mutations
// invalidate eagerly, so the TTL only matters for multi-instance deployments
// sharing a wallet through separate processes.
const balanceCacheTTL = 60 * time.Second

// creditTypes are the transaction types that increase the balance. Everything
// else except rollback debits it; rollback inverts its original.
var creditTypes = map[relationaldb.TransactionType]bool{
	relationaldb.TxDeposit:    true,
	relationaldb.TxWin:        true,
	relationaldb.TxRefund:     true,
	relationaldb.TxBonus:      true,
	relationaldb.TxAdjustment: true,
}

// TransactionRequest describes one balance mutation.
type TransactionRequest struct {
	PartnerID     uuid.UUID
	PlayerID      uuid.UUID
	ReferenceID   string
	Type          relationaldb.TransactionType
	Amount        decimal.Decimal
	Currency      string
	GameID        *string
	GameSessionID *string
	Metadata      map[string]string
}

// RollbackRequest reverses a completed transaction, identified by the
// partner's original reference. PlayerID, when set, must match the original
// transaction's player.
type RollbackRequest struct {
	PartnerID           uuid.UUID
	PlayerID            uuid.UUID
	ReferenceID         string // reference of the rollback itself
	OriginalReferenceID string
	Reason              string
}

// Result is the outcome of a mutation. Replayed is true when the request was
// an idempotent duplicate and Transaction is the earlier one.
type Result struct {
	Transaction *relationaldb.Transaction
	Replayed    bool
}

// Balance is a point-in-time balance read.
type Balance struct {
	WalletID uuid.UUID       `json:"wallet_id"`
	PlayerID uuid.UUID       `json:"player_id"`
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
}

// Engine executes wallet operations. Each mutation runs in one database
// transaction holding a row lock on the wallet, so concurrent requests for
// the same wallet serialize and the balance can never go negative.
type Engine struct {
	repos relationaldb.RepositoryManager
	bus   *events.Bus
	cache cache.Cache
	log   *zap.Logger
	now   func() time.Time
}

// NewEngine wires the engine. bus and cache may be nil in tests.
func NewEngine(repos relationaldb.RepositoryManager, bus *events.Bus, c cache.Cache, log *zap.Logger) *Engine {
	return &Engine{repos: repos, bus: bus, cache: c, log: log, now: time.Now}
}

// Process applies one transaction request. Requests replaying an already
// processed (partner, reference) pair return the stored transaction; a replay
// with a different type is a conflict.
func (e *Engine) Process(ctx context.Context, req TransactionRequest) (*Result, error) {
	if req.Type == relationaldb.TxRollback {
		return nil, apperr.New(apperr.CodeInvalidAmount, "rollbacks must use the rollback operation")
	}
	if req.ReferenceID == "" {
		return nil, apperr.New(apperr.CodeInvalidAmount, "reference id is required")
	}
	if err := ValidateAmount(req.Currency, req.Amount); err != nil {
		return nil, err
	}

	var result Result
	err := e.repos.WithTransaction(ctx, func(tc relationaldb.TransactionContext) error {
		// Idempotency is re-checked inside the transaction: two concurrent
		// requests with the same reference race to the unique index, and the
		// loser must see the winner's row, not a constraint error.
		existing, err := tc.Transactions().FindByReference(ctx, req.PartnerID, req.ReferenceID)
		if err == nil {
			return e.resolveReplay(existing, req.Type, &result)
		}
		if !errors.Is(err, relationaldb.ErrTransactionNotFound) {
			return err
		}

		w, err := e.lockWallet(ctx, tc, req)
		if err != nil {
			return err
		}

		original := w.Balance
		var updated decimal.Decimal
		if creditTypes[req.Type] {
			updated = original.Add(req.Amount)
		} else {
			updated = original.Sub(req.Amount)
			if updated.IsNegative() {
				return apperr.New(apperr.CodeInsufficientFunds, "insufficient funds").
					WithDetail("balance", original.String()).
					WithDetail("requested", req.Amount.String())
			}
		}

		tx := &relationaldb.Transaction{
			ID:              uuid.New(),
			ReferenceID:     req.ReferenceID,
			WalletID:        w.ID,
			PlayerID:        req.PlayerID,
			PartnerID:       req.PartnerID,
			Type:            req.Type,
			Amount:          req.Amount,
			Currency:        req.Currency,
			Status:          relationaldb.TxCompleted,
			OriginalBalance: original,
			UpdatedBalance:  updated,
			GameID:          req.GameID,
			GameSessionID:   req.GameSessionID,
			Metadata:        req.Metadata,
			CreatedAt:       e.now().UTC(),
		}
		if err := tc.Transactions().Insert(ctx, tx); err != nil {
			if errors.Is(err, relationaldb.ErrDuplicateReference) {
				return apperr.New(apperr.CodeIdempotencyConflict, "reference was processed concurrently")
			}
			return err
		}
		if err := tc.Wallets().UpdateBalance(ctx, w.ID, updated); err != nil {
			return err
		}

		result.Transaction = tx
		return nil
	})
	if err != nil {
		return nil, apperr.FromContextErr(err)
	}

	if !result.Replayed {
		e.afterCommit(ctx, result.Transaction)
	}
	return &result, nil
}

// Rollback reverses a completed transaction: the original is marked canceled
// and its balance effect is inverted in a new rollback transaction.
func (e *Engine) Rollback(ctx context.Context, req RollbackRequest) (*Result, error) {
	if req.ReferenceID == "" || req.OriginalReferenceID == "" {
		return nil, apperr.New(apperr.CodeInvalidAmount, "rollback and original reference ids are required")
	}

	var result Result
	err := e.repos.WithTransaction(ctx, func(tc relationaldb.TransactionContext) error {
		existing, err := tc.Transactions().FindByReference(ctx, req.PartnerID, req.ReferenceID)
		if err == nil {
			return e.resolveReplay(existing, relationaldb.TxRollback, &result)
		}
		if !errors.Is(err, relationaldb.ErrTransactionNotFound) {
			return err
		}

		original, err := tc.Transactions().FindByReference(ctx, req.PartnerID, req.OriginalReferenceID)
		if err != nil {
			if errors.Is(err, relationaldb.ErrTransactionNotFound) {
				return apperr.New(apperr.CodeNotFound, "original transaction not found")
			}
			return err
		}
		if req.PlayerID != uuid.Nil && original.PlayerID != req.PlayerID {
			return apperr.New(apperr.CodeNotFound, "original transaction not found")
		}
		if original.Status == relationaldb.TxCanceled {
			return apperr.New(apperr.CodeAlreadyRolledBack, "transaction is already rolled back")
		}
		if original.Status != relationaldb.TxCompleted {
			return apperr.Newf(apperr.CodeAlreadyRolledBack,
				"only completed transactions can be rolled back, status is %s", original.Status)
		}
		if original.Type == relationaldb.TxRollback {
			return apperr.New(apperr.CodeAlreadyRolledBack, "rollbacks cannot be rolled back")
		}

		w, err := tc.Wallets().GetByID(ctx, original.WalletID)
		if err != nil {
			return err
		}
		w, err = tc.Wallets().FindForUpdate(ctx, w.PlayerID, w.PartnerID, w.Currency)
		if err != nil {
			return err
		}

		// Invert the original effect: a credited amount is taken back, a
		// debited amount is returned.
		before := w.Balance
		var after decimal.Decimal
		if creditTypes[original.Type] {
			after = before.Sub(original.Amount)
			if after.IsNegative() {
				return apperr.New(apperr.CodeInsufficientFunds,
					"balance is insufficient to reverse the original credit").
					WithDetail("balance", before.String()).
					WithDetail("requested", original.Amount.String())
			}
		} else {
			after = before.Add(original.Amount)
		}

		metadata := map[string]string{}
		if req.Reason != "" {
			metadata["reason"] = req.Reason
		}
		rollbackTx := &relationaldb.Transaction{
			ID:                    uuid.New(),
			ReferenceID:           req.ReferenceID,
			WalletID:              w.ID,
			PlayerID:              original.PlayerID,
			PartnerID:             req.PartnerID,
			Type:                  relationaldb.TxRollback,
			Amount:                original.Amount,
			Currency:              original.Currency,
			Status:                relationaldb.TxCompleted,
			OriginalBalance:       before,
			UpdatedBalance:        after,
			OriginalTransactionID: &original.ID,
			Metadata:              metadata,
			CreatedAt:             e.now().UTC(),
		}
		if err := tc.Transactions().Insert(ctx, rollbackTx); err != nil {
			if errors.Is(err, relationaldb.ErrDuplicateReference) {
				return apperr.New(apperr.CodeIdempotencyConflict, "reference was processed concurrently")
			}
			return err
		}
		if err := tc.Transactions().UpdateStatus(ctx, original.ID, relationaldb.TxCanceled); err != nil {
			return err
		}
		if err := tc.Wallets().UpdateBalance(ctx, w.ID, after); err != nil {
			return err
		}

		result.Transaction = rollbackTx
		return nil
	})
	if err != nil {
		return nil, apperr.FromContextErr(err)
	}

	if !result.Replayed {
		e.afterCommit(ctx, result.Transaction)
	}
	return &result, nil
}

// GetBalance reads the wallet balance, serving from cache when fresh.
func (e *Engine) GetBalance(ctx context.Context, playerID, partnerID uuid.UUID, currency string) (*Balance, error) {
	if !SupportedCurrency(currency) {
		return nil, apperr.Newf(apperr.CodeCurrencyMismatch, "unsupported currency %q", currency)
	}

	key := balanceCacheKey(partnerID, playerID, currency)
	if e.cache != nil {
		if raw, err := e.cache.Get(ctx, key); err == nil {
			var b Balance
			if err := json.Unmarshal(raw, &b); err == nil {
				return &b, nil
			}
		}
	}

	w, err := e.repos.Wallets().FindByPlayer(ctx, playerID, partnerID, currency)
	if err != nil {
		if errors.Is(err, relationaldb.ErrWalletNotFound) {
			return nil, apperr.New(apperr.CodeNotFound, "wallet not found")
		}
		return nil, err
	}

	b := &Balance{WalletID: w.ID, PlayerID: w.PlayerID, Currency: w.Currency, Balance: w.Balance}
	if e.cache != nil {
		if raw, err := json.Marshal(b); err == nil {
			if err := e.cache.Set(ctx, key, raw, balanceCacheTTL); err != nil {
				e.log.Warn("failed to cache balance", zap.Error(err))
			}
		}
	}
	return b, nil
}

// History lists the player's transactions, newest first.
func (e *Engine) History(ctx context.Context, playerID, partnerID uuid.UUID, filter relationaldb.TransactionFilter) ([]relationaldb.Transaction, error) {
	txs, err := e.repos.Transactions().ListByPlayer(ctx, playerID, partnerID, filter)
	if err != nil {
		return nil, apperr.FromContextErr(err)
	}
	return txs, nil
}

// resolveReplay decides whether a stored transaction satisfies a repeated
// reference: same type replays, different type conflicts.
func (e *Engine) resolveReplay(existing *relationaldb.Transaction, requested relationaldb.TransactionType, result *Result) error {
	if existing.Type != requested {
		return apperr.Newf(apperr.CodeIdempotencyConflict,
			"reference %q was already used for a %s", existing.ReferenceID, existing.Type).
			WithDetail("existing_type", string(existing.Type))
	}
	result.Transaction = existing
	result.Replayed = true
	return nil
}

// lockWallet acquires the row lock for the request's wallet, creating the
// wallet on a player's first deposit.
func (e *Engine) lockWallet(ctx context.Context, tc relationaldb.TransactionContext, req TransactionRequest) (*relationaldb.Wallet, error) {
	w, err := tc.Wallets().FindForUpdate(ctx, req.PlayerID, req.PartnerID, req.Currency)
	if err == nil {
		if w.Locked {
			return nil, apperr.New(apperr.CodeWalletLocked, "wallet is locked")
		}
		if !w.Active {
			return nil, apperr.New(apperr.CodeWalletLocked, "wallet is deactivated")
		}
		return w, nil
	}
	if !errors.Is(err, relationaldb.ErrWalletNotFound) {
		return nil, err
	}
	if req.Type != relationaldb.TxDeposit {
		return nil, apperr.New(apperr.CodeNotFound, "wallet not found")
	}

	w = &relationaldb.Wallet{
		ID:        uuid.New(),
		PlayerID:  req.PlayerID,
		PartnerID: req.PartnerID,
		Currency:  req.Currency,
		Balance:   decimal.Zero,
		Active:    true,
	}
	if err := tc.Wallets().Create(ctx, w); err != nil {
		if errors.Is(err, relationaldb.ErrDuplicateWallet) {
			// Lost the creation race; lock the winner's row.
			return tc.Wallets().FindForUpdate(ctx, req.PlayerID, req.PartnerID, req.Currency)
		}
		return nil, err
	}
	return w, nil
}

// afterCommit invalidates the cached balance and publishes the transaction
// event. Both are best-effort: the transaction is already durable.
func (e *Engine) afterCommit(ctx context.Context, tx *relationaldb.Transaction) {
	if e.cache != nil {
		key := balanceCacheKey(tx.PartnerID, tx.PlayerID, tx.Currency)
		if err := e.cache.Delete(ctx, key); err != nil {
			e.log.Warn("failed to invalidate balance cache", zap.Error(err))
		}
	}

	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(events.TransactionCreated{
		TransactionID: tx.ID,
		ReferenceID:   tx.ReferenceID,
		PlayerID:      tx.PlayerID,
		PartnerID:     tx.PartnerID,
		Type:          string(tx.Type),
		Amount:        tx.Amount.String(),
		Currency:      tx.Currency,
		BalanceAfter:  tx.UpdatedBalance.String(),
		OriginalTxID:  tx.OriginalTransactionID,
		CreatedAt:     tx.CreatedAt,
	})
	if err != nil {
		e.log.Error("failed to encode transaction event", zap.Error(err))
		return
	}
	err = e.bus.Publish(ctx, events.Event{
		Topic:   events.TopicTransactionCreated,
		Key:     tx.PlayerID.String(),
		Payload: payload,
		At:      tx.CreatedAt,
	})
	if err != nil {
		e.log.Warn("transaction event not delivered",
			zap.String("transaction_id", tx.ID.String()), zap.Error(err))
	}
}

func balanceCacheKey(partnerID, playerID uuid.UUID, currency string) string {
	return fmt.Sprintf("balance:%s:%s:%s", partnerID, playerID, currency)
}
