package aml

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/betlink/betlinkd/internal/apperr"
	"github.com/betlink/betlinkd/internal/events"
	"github.com/betlink/betlinkd/internal/storage/relationaldb"
	"github.com/betlink/betlinkd/internal/storage/relationaldb/reltest"
)

func newTestAnalyzer(t *testing.T) (*Analyzer, *reltest.Manager) {
	t.Helper()
	repos := reltest.New()
	a := NewAnalyzer(repos, nil, zaptest.NewLogger(t))
	return a, repos
}

func txEvent(t *testing.T, payload events.TransactionCreated) events.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return events.Event{
		Topic:   events.TopicTransactionCreated,
		Key:     payload.PlayerID.String(),
		Payload: raw,
		At:      payload.CreatedAt,
	}
}

func TestAnalyzerIgnoresBets(t *testing.T) {
	a, repos := newTestAnalyzer(t)

	ev := txEvent(t, events.TransactionCreated{
		TransactionID: uuid.New(),
		PlayerID:      uuid.New(),
		PartnerID:     uuid.New(),
		Type:          string(relationaldb.TxBet),
		Amount:        "10.00",
		Currency:      "USD",
		CreatedAt:     noon,
	})
	require.NoError(t, a.HandleTransaction(context.Background(), ev))

	alerts, err := repos.AML().ListAlerts(context.Background(), relationaldb.AlertFilter{})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestAnalyzerRejectsMalformedPayload(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	err := a.HandleTransaction(context.Background(), events.Event{
		Topic:   events.TopicTransactionCreated,
		Payload: []byte("not json"),
	})
	require.Error(t, err)
}

func TestLargeDepositRaisesThresholdAlert(t *testing.T) {
	a, repos := newTestAnalyzer(t)
	playerID, partnerID := uuid.New(), uuid.New()
	ctx := context.Background()

	ev := txEvent(t, events.TransactionCreated{
		TransactionID: uuid.New(),
		PlayerID:      playerID,
		PartnerID:     partnerID,
		Type:          string(relationaldb.TxDeposit),
		Amount:        "15000.00",
		Currency:      "USD",
		CreatedAt:     noon,
	})
	require.NoError(t, a.HandleTransaction(ctx, ev))

	alerts, err := repos.AML().ListAlerts(ctx, relationaldb.AlertFilter{PlayerID: playerID})
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	alert := alerts[0]
	assert.Equal(t, relationaldb.AlertThreshold, alert.Type)
	assert.True(t, alert.ReportRequired)
	assert.Equal(t, relationaldb.RiskHigh, alert.Severity, "reporting-threshold alerts are never routine")
	assert.Equal(t, scoreLargeValue, alert.ScoreAtAlert)
	assert.Contains(t, alert.Factors, FactorLargeValue)

	profile, err := repos.AML().GetOrCreateProfile(ctx, playerID, partnerID)
	require.NoError(t, err)
	assert.InDelta(t, blendNewWeight*scoreLargeValue, profile.RiskScore, 0.001)
	assert.Equal(t, 1, profile.DepositCount7d)
	assert.Equal(t, "15000", profile.DepositSum7d.String())
	assert.Equal(t, 1, profile.RiskFactors[FactorLargeValue].Count)
}

func TestScoreBlendsAcrossEvents(t *testing.T) {
	a, repos := newTestAnalyzer(t)
	playerID, partnerID := uuid.New(), uuid.New()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ev := txEvent(t, events.TransactionCreated{
			TransactionID: uuid.New(),
			PlayerID:      playerID,
			PartnerID:     partnerID,
			Type:          string(relationaldb.TxDeposit),
			Amount:        "15000.00",
			Currency:      "USD",
			CreatedAt:     noon.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, a.HandleTransaction(ctx, ev))
	}

	profile, err := repos.AML().GetOrCreateProfile(ctx, playerID, partnerID)
	require.NoError(t, err)
	// 0.7*(0.3*40) + 0.3*40 = 20.4
	assert.InDelta(t, 20.4, profile.RiskScore, 0.001)
	assert.Equal(t, 2, profile.RiskFactors[FactorLargeValue].Count)
}

func TestOrdinaryDepositRaisesNoAlert(t *testing.T) {
	a, repos := newTestAnalyzer(t)
	playerID := uuid.New()

	ev := txEvent(t, events.TransactionCreated{
		TransactionID: uuid.New(),
		PlayerID:      playerID,
		PartnerID:     uuid.New(),
		Type:          string(relationaldb.TxDeposit),
		Amount:        "50.00",
		Currency:      "USD",
		CreatedAt:     noon,
	})
	require.NoError(t, a.HandleTransaction(context.Background(), ev))

	alerts, err := repos.AML().ListAlerts(context.Background(), relationaldb.AlertFilter{PlayerID: playerID})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestSingleWeakFactorDoesNotAlert(t *testing.T) {
	a, repos := newTestAnalyzer(t)
	playerID := uuid.New()

	// Overnight deposit of an unremarkable amount: only the time-pattern
	// factor fires, and 15 points alone stays below the alert bar.
	ev := txEvent(t, events.TransactionCreated{
		TransactionID: uuid.New(),
		PlayerID:      playerID,
		PartnerID:     uuid.New(),
		Type:          string(relationaldb.TxDeposit),
		Amount:        "50.00",
		Currency:      "USD",
		CreatedAt:     time.Date(2026, 8, 20, 2, 0, 0, 0, time.UTC),
	})
	require.NoError(t, a.HandleTransaction(context.Background(), ev))

	alerts, err := repos.AML().ListAlerts(context.Background(), relationaldb.AlertFilter{PlayerID: playerID})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestPassThroughPatternAlerts(t *testing.T) {
	a, repos := newTestAnalyzer(t)
	playerID, partnerID := uuid.New(), uuid.New()
	ctx := context.Background()

	walletID := uuid.New()
	depositTx := relationaldb.Transaction{
		ID: uuid.New(), ReferenceID: "dep-1", WalletID: walletID,
		PlayerID: playerID, PartnerID: partnerID,
		Type: relationaldb.TxDeposit, Amount: decimal.RequireFromString("1000.00"),
		Currency: "USD", Status: relationaldb.TxCompleted,
		CreatedAt: time.Date(2026, 8, 20, 1, 0, 0, 0, time.UTC),
	}
	require.NoError(t, repos.Transactions().Insert(ctx, &depositTx))

	// Withdrawal of 90% of the overnight deposit two hours later: rapid
	// movement plus time pattern corroborate each other.
	ev := txEvent(t, events.TransactionCreated{
		TransactionID: uuid.New(),
		PlayerID:      playerID,
		PartnerID:     partnerID,
		Type:          string(relationaldb.TxWithdrawal),
		Amount:        "900.00",
		Currency:      "USD",
		CreatedAt:     time.Date(2026, 8, 20, 3, 0, 0, 0, time.UTC),
	})
	require.NoError(t, a.HandleTransaction(ctx, ev))

	alerts, err := repos.AML().ListAlerts(ctx, relationaldb.AlertFilter{PlayerID: playerID})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, relationaldb.AlertPattern, alerts[0].Type)
	assert.False(t, alerts[0].ReportRequired)
	assert.Contains(t, alerts[0].Factors, FactorRapidMovement)
	assert.Contains(t, alerts[0].Factors, FactorTimePattern)
}

func TestAlertStatusTransitions(t *testing.T) {
	a, repos := newTestAnalyzer(t)
	ctx := context.Background()

	alert := relationaldb.AMLAlert{
		ID:       uuid.New(),
		PlayerID: uuid.New(), PartnerID: uuid.New(),
		Type: relationaldb.AlertThreshold, Severity: relationaldb.RiskMedium,
		Status: relationaldb.AlertOpen, ScoreAtAlert: 40,
		CreatedAt: noon, UpdatedAt: noon,
	}
	require.NoError(t, repos.AML().InsertAlert(ctx, &alert))

	got, err := a.UpdateAlertStatus(ctx, alert.ID, relationaldb.AlertInvestigating, "looking into it")
	require.NoError(t, err)
	assert.Equal(t, relationaldb.AlertInvestigating, got.Status)
	assert.Equal(t, "looking into it", got.Notes)

	got, err = a.UpdateAlertStatus(ctx, alert.ID, relationaldb.AlertPendingReport, "")
	require.NoError(t, err)

	got, err = a.UpdateAlertStatus(ctx, alert.ID, relationaldb.AlertReported, "filed")
	require.NoError(t, err)
	require.NotNil(t, got.ReportedAt)
	assert.Contains(t, got.Notes, "filed")
}

func TestAlertStatusRejectsInvalidTransition(t *testing.T) {
	a, repos := newTestAnalyzer(t)
	ctx := context.Background()

	alert := relationaldb.AMLAlert{
		ID:       uuid.New(),
		PlayerID: uuid.New(), PartnerID: uuid.New(),
		Type: relationaldb.AlertPattern, Severity: relationaldb.RiskLow,
		Status: relationaldb.AlertOpen, ScoreAtAlert: 25,
		CreatedAt: noon, UpdatedAt: noon,
	}
	require.NoError(t, repos.AML().InsertAlert(ctx, &alert))

	_, err := a.UpdateAlertStatus(ctx, alert.ID, relationaldb.AlertReported, "")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeIdempotencyConflict, apperr.CodeOf(err))
}

func TestAlertStatusUnknownAlert(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	_, err := a.UpdateAlertStatus(context.Background(), uuid.New(), relationaldb.AlertInvestigating, "")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}
