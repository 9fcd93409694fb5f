package wallet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/betlink/betlinkd/internal/apperr"
	"github.com/betlink/betlinkd/internal/cache"
	"github.com/betlink/betlinkd/internal/storage/relationaldb"
	"github.com/betlink/betlinkd/internal/storage/relationaldb/reltest"
)

func newTestEngine(t *testing.T) (*Engine, *reltest.Manager) {
	t.Helper()
	repos := reltest.New()
	c, err := cache.NewMemory(64)
	require.NoError(t, err)
	return NewEngine(repos, nil, c, zaptest.NewLogger(t)), repos
}

func depositReq(partnerID, playerID uuid.UUID, ref, amount string) TransactionRequest {
	return TransactionRequest{
		PartnerID:   partnerID,
		PlayerID:    playerID,
		ReferenceID: ref,
		Type:        relationaldb.TxDeposit,
		Amount:      decimal.RequireFromString(amount),
		Currency:    "USD",
	}
}

func TestDepositCreatesWalletOnFirstUse(t *testing.T) {
	e, _ := newTestEngine(t)
	partnerID, playerID := uuid.New(), uuid.New()

	res, err := e.Process(context.Background(), depositReq(partnerID, playerID, "ref-1", "100.00"))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, relationaldb.TxCompleted, res.Transaction.Status)
	assert.True(t, res.Transaction.OriginalBalance.IsZero())
	assert.Equal(t, "100", res.Transaction.UpdatedBalance.String())

	b, err := e.GetBalance(context.Background(), playerID, partnerID, "USD")
	require.NoError(t, err)
	assert.Equal(t, "100", b.Balance.String())
}

func TestWithdrawalDebitsBalance(t *testing.T) {
	e, _ := newTestEngine(t)
	partnerID, playerID := uuid.New(), uuid.New()
	ctx := context.Background()

	_, err := e.Process(ctx, depositReq(partnerID, playerID, "ref-1", "100.00"))
	require.NoError(t, err)

	req := depositReq(partnerID, playerID, "ref-2", "30.50")
	req.Type = relationaldb.TxWithdrawal
	res, err := e.Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "69.5", res.Transaction.UpdatedBalance.String())
}

func TestWithdrawalInsufficientFunds(t *testing.T) {
	e, repos := newTestEngine(t)
	partnerID, playerID := uuid.New(), uuid.New()
	ctx := context.Background()

	_, err := e.Process(ctx, depositReq(partnerID, playerID, "ref-1", "10.00"))
	require.NoError(t, err)

	req := depositReq(partnerID, playerID, "ref-2", "10.01")
	req.Type = relationaldb.TxWithdrawal
	_, err = e.Process(ctx, req)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInsufficientFunds, apperr.CodeOf(err))

	// The failed attempt leaves no trace.
	assert.Equal(t, 1, repos.TransactionCount())
	b, err := e.GetBalance(ctx, playerID, partnerID, "USD")
	require.NoError(t, err)
	assert.Equal(t, "10", b.Balance.String())
}

func TestFullGameSession(t *testing.T) {
	e, repos := newTestEngine(t)
	partnerID, playerID := uuid.New(), uuid.New()
	ctx := context.Background()
	game := "g1"

	_, err := e.Process(ctx, depositReq(partnerID, playerID, "d1", "100.00"))
	require.NoError(t, err)

	bet := depositReq(partnerID, playerID, "b1", "30.00")
	bet.Type = relationaldb.TxBet
	bet.GameID = &game
	res, err := e.Process(ctx, bet)
	require.NoError(t, err)
	assert.Equal(t, "70", res.Transaction.UpdatedBalance.String())

	win := depositReq(partnerID, playerID, "w1", "50.00")
	win.Type = relationaldb.TxWin
	win.GameID = &game
	win.Metadata = map[string]string{"related_bet_reference_id": "b1"}
	res, err = e.Process(ctx, win)
	require.NoError(t, err)
	assert.Equal(t, "120", res.Transaction.UpdatedBalance.String())
	assert.Equal(t, "b1", res.Transaction.Metadata["related_bet_reference_id"])

	withdraw := depositReq(partnerID, playerID, "o1", "120.00")
	withdraw.Type = relationaldb.TxWithdrawal
	res, err = e.Process(ctx, withdraw)
	require.NoError(t, err)
	assert.True(t, res.Transaction.UpdatedBalance.IsZero())

	assert.Equal(t, 4, repos.TransactionCount())
	b, err := e.GetBalance(ctx, playerID, partnerID, "USD")
	require.NoError(t, err)
	assert.True(t, b.Balance.IsZero())
}

func TestConcurrentBetsNeverOverdraw(t *testing.T) {
	e, repos := newTestEngine(t)
	partnerID, playerID := uuid.New(), uuid.New()
	ctx := context.Background()

	_, err := e.Process(ctx, depositReq(partnerID, playerID, "d1", "100.00"))
	require.NoError(t, err)

	// Two bets that fit individually but not together. Whichever takes the
	// wallet lock second must see insufficient funds.
	amounts := []string{"40.00", "70.00"}
	errs := make([]error, len(amounts))
	var wg sync.WaitGroup
	for i, amount := range amounts {
		wg.Add(1)
		go func(i int, amount string) {
			defer wg.Done()
			req := depositReq(partnerID, playerID, "b-"+amount, amount)
			req.Type = relationaldb.TxBet
			_, errs[i] = e.Process(ctx, req)
		}(i, amount)
	}
	wg.Wait()

	var failed int
	for _, err := range errs {
		if err != nil {
			assert.Equal(t, apperr.CodeInsufficientFunds, apperr.CodeOf(err))
			failed++
		}
	}
	assert.Equal(t, 1, failed, "exactly one bet must lose the race")
	assert.Equal(t, 2, repos.TransactionCount(), "deposit plus the winning bet")

	b, err := e.GetBalance(ctx, playerID, partnerID, "USD")
	require.NoError(t, err)
	assert.Contains(t, []string{"60", "30"}, b.Balance.String())
	assert.False(t, b.Balance.IsNegative())
}

func TestIdempotentReplayReturnsOriginal(t *testing.T) {
	e, repos := newTestEngine(t)
	partnerID, playerID := uuid.New(), uuid.New()
	ctx := context.Background()

	first, err := e.Process(ctx, depositReq(partnerID, playerID, "ref-1", "50.00"))
	require.NoError(t, err)

	second, err := e.Process(ctx, depositReq(partnerID, playerID, "ref-1", "50.00"))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, 1, repos.TransactionCount())
}

func TestIdempotencyConflictOnDifferentType(t *testing.T) {
	e, _ := newTestEngine(t)
	partnerID, playerID := uuid.New(), uuid.New()
	ctx := context.Background()

	_, err := e.Process(ctx, depositReq(partnerID, playerID, "ref-1", "50.00"))
	require.NoError(t, err)

	req := depositReq(partnerID, playerID, "ref-1", "50.00")
	req.Type = relationaldb.TxWithdrawal
	_, err = e.Process(ctx, req)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeIdempotencyConflict, apperr.CodeOf(err))
}

func TestReferencesAreScopedToPartner(t *testing.T) {
	e, repos := newTestEngine(t)
	playerID := uuid.New()
	partnerA, partnerB := uuid.New(), uuid.New()
	ctx := context.Background()

	_, err := e.Process(ctx, depositReq(partnerA, playerID, "ref-1", "50.00"))
	require.NoError(t, err)
	_, err = e.Process(ctx, depositReq(partnerB, playerID, "ref-1", "75.00"))
	require.NoError(t, err)

	assert.Equal(t, 2, repos.TransactionCount())
}

func TestAmountValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	partnerID, playerID := uuid.New(), uuid.New()
	ctx := context.Background()

	cases := []struct {
		name     string
		amount   string
		currency string
		code     apperr.Code
	}{
		{"negative", "-5.00", "USD", apperr.CodeInvalidAmount},
		{"zero", "0", "USD", apperr.CodeInvalidAmount},
		{"too precise for usd", "1.001", "USD", apperr.CodeInvalidAmount},
		{"jpy takes no decimals", "100.5", "JPY", apperr.CodeInvalidAmount},
		{"unsupported currency", "10.00", "XXX", apperr.CodeCurrencyMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := depositReq(partnerID, playerID, "ref-"+tc.name, tc.amount)
			req.Amount = decimal.RequireFromString(tc.amount)
			req.Currency = tc.currency
			_, err := e.Process(ctx, req)
			require.Error(t, err)
			assert.Equal(t, tc.code, apperr.CodeOf(err))
		})
	}
}

func TestJPYWholeAmounts(t *testing.T) {
	e, _ := newTestEngine(t)
	partnerID, playerID := uuid.New(), uuid.New()

	req := depositReq(partnerID, playerID, "ref-1", "1000")
	req.Currency = "JPY"
	res, err := e.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "1000", res.Transaction.UpdatedBalance.String())
}

func TestBetOnMissingWallet(t *testing.T) {
	e, _ := newTestEngine(t)
	req := depositReq(uuid.New(), uuid.New(), "ref-1", "5.00")
	req.Type = relationaldb.TxBet

	_, err := e.Process(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestLockedWalletRejectsMutations(t *testing.T) {
	e, repos := newTestEngine(t)
	partnerID, playerID := uuid.New(), uuid.New()
	repos.SeedWallet(relationaldb.Wallet{
		ID: uuid.New(), PlayerID: playerID, PartnerID: partnerID,
		Currency: "USD", Balance: decimal.RequireFromString("100"),
		Active: true, Locked: true,
	})

	_, err := e.Process(context.Background(), depositReq(partnerID, playerID, "ref-1", "10.00"))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeWalletLocked, apperr.CodeOf(err))
}

func TestRollbackInvertsCredit(t *testing.T) {
	e, _ := newTestEngine(t)
	partnerID, playerID := uuid.New(), uuid.New()
	ctx := context.Background()

	first, err := e.Process(ctx, depositReq(partnerID, playerID, "dep-1", "100.00"))
	require.NoError(t, err)

	res, err := e.Rollback(ctx, RollbackRequest{
		PartnerID:           partnerID,
		ReferenceID:         "rb-1",
		OriginalReferenceID: "dep-1",
		Reason:              "partner requested reversal",
	})
	require.NoError(t, err)
	assert.Equal(t, relationaldb.TxRollback, res.Transaction.Type)
	assert.Equal(t, "0", res.Transaction.UpdatedBalance.String())
	require.NotNil(t, res.Transaction.OriginalTransactionID)
	assert.Equal(t, first.Transaction.ID, *res.Transaction.OriginalTransactionID)

	// The original is now canceled and cannot be rolled back twice.
	_, err = e.Rollback(ctx, RollbackRequest{
		PartnerID:           partnerID,
		ReferenceID:         "rb-2",
		OriginalReferenceID: "dep-1",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeAlreadyRolledBack, apperr.CodeOf(err))
}

func TestRollbackInvertsDebit(t *testing.T) {
	e, _ := newTestEngine(t)
	partnerID, playerID := uuid.New(), uuid.New()
	ctx := context.Background()

	_, err := e.Process(ctx, depositReq(partnerID, playerID, "dep-1", "100.00"))
	require.NoError(t, err)

	bet := depositReq(partnerID, playerID, "bet-1", "40.00")
	bet.Type = relationaldb.TxBet
	_, err = e.Process(ctx, bet)
	require.NoError(t, err)

	res, err := e.Rollback(ctx, RollbackRequest{
		PartnerID:           partnerID,
		ReferenceID:         "rb-1",
		OriginalReferenceID: "bet-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "100", res.Transaction.UpdatedBalance.String())
}

func TestRollbackIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	partnerID, playerID := uuid.New(), uuid.New()
	ctx := context.Background()

	_, err := e.Process(ctx, depositReq(partnerID, playerID, "dep-1", "100.00"))
	require.NoError(t, err)

	req := RollbackRequest{PartnerID: partnerID, ReferenceID: "rb-1", OriginalReferenceID: "dep-1"}
	first, err := e.Rollback(ctx, req)
	require.NoError(t, err)

	second, err := e.Rollback(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
}

func TestRollbackUnknownOriginal(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Rollback(context.Background(), RollbackRequest{
		PartnerID:           uuid.New(),
		ReferenceID:         "rb-1",
		OriginalReferenceID: "missing",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestRollbackOfRollbackRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	partnerID, playerID := uuid.New(), uuid.New()
	ctx := context.Background()

	_, err := e.Process(ctx, depositReq(partnerID, playerID, "dep-1", "100.00"))
	require.NoError(t, err)
	_, err = e.Rollback(ctx, RollbackRequest{PartnerID: partnerID, ReferenceID: "rb-1", OriginalReferenceID: "dep-1"})
	require.NoError(t, err)

	_, err = e.Rollback(ctx, RollbackRequest{PartnerID: partnerID, ReferenceID: "rb-2", OriginalReferenceID: "rb-1"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeAlreadyRolledBack, apperr.CodeOf(err))
}

func TestBalanceCacheInvalidatedOnMutation(t *testing.T) {
	e, _ := newTestEngine(t)
	partnerID, playerID := uuid.New(), uuid.New()
	ctx := context.Background()

	_, err := e.Process(ctx, depositReq(partnerID, playerID, "ref-1", "100.00"))
	require.NoError(t, err)

	b, err := e.GetBalance(ctx, playerID, partnerID, "USD")
	require.NoError(t, err)
	require.Equal(t, "100", b.Balance.String())

	_, err = e.Process(ctx, depositReq(partnerID, playerID, "ref-2", "25.00"))
	require.NoError(t, err)

	b, err = e.GetBalance(ctx, playerID, partnerID, "USD")
	require.NoError(t, err)
	assert.Equal(t, "125", b.Balance.String(), "mutation must not serve the stale cached balance")
}

func TestHistoryFiltersByType(t *testing.T) {
	e, _ := newTestEngine(t)
	partnerID, playerID := uuid.New(), uuid.New()
	ctx := context.Background()

	_, err := e.Process(ctx, depositReq(partnerID, playerID, "dep-1", "100.00"))
	require.NoError(t, err)
	bet := depositReq(partnerID, playerID, "bet-1", "10.00")
	bet.Type = relationaldb.TxBet
	_, err = e.Process(ctx, bet)
	require.NoError(t, err)

	all, err := e.History(ctx, playerID, partnerID, relationaldb.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	bets, err := e.History(ctx, playerID, partnerID, relationaldb.TransactionFilter{Type: relationaldb.TxBet})
	require.NoError(t, err)
	require.Len(t, bets, 1)
	assert.Equal(t, "bet-1", bets[0].ReferenceID)
}

func TestProcessRejectsRollbackType(t *testing.T) {
	e, _ := newTestEngine(t)
	req := depositReq(uuid.New(), uuid.New(), "ref-1", "10.00")
	req.Type = relationaldb.TxRollback

	_, err := e.Process(context.Background(), req)
	require.Error(t, err)
}

func TestDeadlineMapsToTaxonomy(t *testing.T) {
	e, _ := newTestEngine(t)
	partnerID, playerID := uuid.New(), uuid.New()

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	repos := reltest.New()
	repos.FailNextTransaction = ctx.Err()
	e.repos = repos

	_, err := e.Process(ctx, depositReq(partnerID, playerID, "ref-1", "10.00"))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeDeadlineExceeded, apperr.CodeOf(err))
}
