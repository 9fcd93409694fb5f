package aml

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betlink/betlinkd/internal/storage/relationaldb"
)

// noon keeps observations out of the overnight window so the time-pattern
// factor stays quiet unless a test wants it.
var noon = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

func deposit(amount string, at time.Time) relationaldb.Transaction {
	return relationaldb.Transaction{
		ID:        uuid.New(),
		Type:      relationaldb.TxDeposit,
		Amount:    decimal.RequireFromString(amount),
		Currency:  "USD",
		Status:    relationaldb.TxCompleted,
		CreatedAt: at,
	}
}

func factorNames(fired []firedFactor) []string {
	names := make([]string, len(fired))
	for i, f := range fired {
		names[i] = f.Name
	}
	return names
}

func TestLargeValueThresholds(t *testing.T) {
	cases := []struct {
		currency string
		amount   string
		fires    bool
	}{
		{"USD", "10000", true},
		{"USD", "9999.99", false},
		{"EUR", "9000", true},
		{"GBP", "8000", true},
		{"JPY", "1000000", true},
		{"JPY", "999999", false},
		{"KRW", "12000000", true},
		{"CNY", "10000", true}, // unlisted currency uses the default
	}
	for _, tc := range cases {
		t.Run(tc.currency+"_"+tc.amount, func(t *testing.T) {
			f, ok := checkLargeValue(observation{
				Type:     relationaldb.TxDeposit,
				Amount:   decimal.RequireFromString(tc.amount),
				Currency: tc.currency,
				At:       noon,
			}, nil)
			assert.Equal(t, tc.fires, ok)
			if ok {
				assert.Equal(t, scoreLargeValue, f.Score)
			}
		})
	}
}

func TestAmountDeviation(t *testing.T) {
	var history []relationaldb.Transaction
	for i := 0; i < 10; i++ {
		history = append(history, deposit("100.00", noon.Add(-time.Duration(i+1)*24*time.Hour)))
	}

	obs := observation{Type: relationaldb.TxDeposit, Amount: decimal.RequireFromString("5000"), Currency: "USD", At: noon}
	f, ok := checkAmountDeviation(obs, history)
	require.True(t, ok, "50x the usual deposit must fire")
	assert.Equal(t, scoreDeviationMax, f.Score, "extreme deviation hits the cap")

	obs.Amount = decimal.RequireFromString("102.00")
	_, ok = checkAmountDeviation(obs, history)
	assert.False(t, ok, "an ordinary amount must not fire")
}

func TestAmountDeviationRangeBreach(t *testing.T) {
	// Noisy history keeps the z-score under threshold, but the amount is
	// more than 50% past the largest deposit ever seen.
	var history []relationaldb.Transaction
	for i := 0; i < 3; i++ {
		history = append(history, deposit("10.00", noon.Add(-time.Duration(2*i+1)*24*time.Hour)))
		history = append(history, deposit("500.00", noon.Add(-time.Duration(2*i+2)*24*time.Hour)))
	}

	obs := observation{Type: relationaldb.TxDeposit, Amount: decimal.RequireFromString("760.00"), Currency: "USD", At: noon}
	f, ok := checkAmountDeviation(obs, history)
	require.True(t, ok, "50%% past the observed maximum fires on its own")
	assert.Equal(t, 10.0, f.Score, "a pure range breach scores the base")

	obs.Amount = decimal.RequireFromString("740.00")
	_, ok = checkAmountDeviation(obs, history)
	assert.False(t, ok, "inside 1.5x the maximum and under the z threshold")
}

func TestAmountDeviationNeedsHistory(t *testing.T) {
	history := []relationaldb.Transaction{
		deposit("100.00", noon.Add(-24*time.Hour)),
		deposit("100.00", noon.Add(-48*time.Hour)),
	}
	obs := observation{Type: relationaldb.TxDeposit, Amount: decimal.RequireFromString("100000"), Currency: "USD", At: noon}
	_, ok := checkAmountDeviation(obs, history)
	assert.False(t, ok, "fewer than five prior transactions is no pattern")
}

func TestAmountDeviationUniformHistoryUsesFloor(t *testing.T) {
	// Identical deposits give zero variance; the 1% floor keeps the z-score
	// finite and a matching deposit quiet.
	var history []relationaldb.Transaction
	for i := 0; i < 6; i++ {
		history = append(history, deposit("200.00", noon.Add(-time.Duration(i+1)*24*time.Hour)))
	}
	obs := observation{Type: relationaldb.TxDeposit, Amount: decimal.RequireFromString("200.00"), Currency: "USD", At: noon}
	_, ok := checkAmountDeviation(obs, history)
	assert.False(t, ok)

	obs.Amount = decimal.RequireFromString("250.00")
	_, ok = checkAmountDeviation(obs, history)
	assert.True(t, ok, "even a modest jump is extreme against uniform history")
}

func TestTimePattern(t *testing.T) {
	obs := observation{Type: relationaldb.TxDeposit, Amount: decimal.NewFromInt(10), Currency: "USD"}

	obs.At = time.Date(2026, 8, 20, 3, 30, 0, 0, time.UTC)
	_, ok := checkTimePattern(obs)
	assert.True(t, ok, "03:30 is inside the overnight window")

	obs.At = time.Date(2026, 8, 20, 5, 0, 0, 0, time.UTC)
	_, ok = checkTimePattern(obs)
	assert.False(t, ok, "05:00 is outside")
}

func TestFrequencyBurst(t *testing.T) {
	// Three deposits in the last day on top of the new one, nothing before:
	// 4 in 24h against a near-zero baseline.
	var history []relationaldb.Transaction
	for i := 1; i <= 3; i++ {
		history = append(history, deposit("50.00", noon.Add(-time.Duration(i)*time.Hour)))
	}
	obs := observation{Type: relationaldb.TxDeposit, Amount: decimal.RequireFromString("50.00"), Currency: "USD", At: noon}
	f, ok := checkFrequency(obs, history)
	require.True(t, ok)
	assert.Equal(t, scoreFrequency, f.Score)
}

func TestFrequencySteadyRateDoesNotFire(t *testing.T) {
	// Four deposits every day for a month: today's rate equals the baseline.
	var history []relationaldb.Transaction
	for day := 0; day < 30; day++ {
		for i := 0; i < 4; i++ {
			history = append(history, deposit("50.00",
				noon.Add(-time.Duration(day)*24*time.Hour-time.Duration(i+1)*time.Hour)))
		}
	}
	obs := observation{Type: relationaldb.TxDeposit, Amount: decimal.RequireFromString("50.00"), Currency: "USD", At: noon}
	_, ok := checkFrequency(obs, history)
	assert.False(t, ok)
}

func TestFrequencyNeedsFourInADay(t *testing.T) {
	history := []relationaldb.Transaction{
		deposit("50.00", noon.Add(-time.Hour)),
		deposit("50.00", noon.Add(-2*time.Hour)),
	}
	obs := observation{Type: relationaldb.TxDeposit, Amount: decimal.RequireFromString("50.00"), Currency: "USD", At: noon}
	_, ok := checkFrequency(obs, history)
	assert.False(t, ok, "three in a day is below the absolute floor")
}

func TestRapidMovement(t *testing.T) {
	history := []relationaldb.Transaction{
		deposit("600.00", noon.Add(-3*time.Hour)),
		deposit("400.00", noon.Add(-10*time.Hour)),
		deposit("1000.00", noon.Add(-48*time.Hour)), // outside the window
	}

	obs := observation{Type: relationaldb.TxWithdrawal, Amount: decimal.RequireFromString("800.00"), Currency: "USD", At: noon}
	f, ok := checkRapidMovement(obs, history)
	require.True(t, ok, "withdrawing 80% of the day's deposits fires")
	assert.Equal(t, scoreRapidMovement, f.Score)

	obs.Amount = decimal.RequireFromString("700.00")
	_, ok = checkRapidMovement(obs, history)
	assert.False(t, ok, "70% stays under the ratio")
}

func TestRapidMovementClearedByPlay(t *testing.T) {
	bet := relationaldb.Transaction{
		ID:        uuid.New(),
		Type:      relationaldb.TxBet,
		Amount:    decimal.RequireFromString("300.00"),
		Currency:  "USD",
		Status:    relationaldb.TxCompleted,
		CreatedAt: noon.Add(-2 * time.Hour),
	}
	history := []relationaldb.Transaction{
		deposit("1000.00", noon.Add(-5*time.Hour)),
		bet,
	}

	obs := observation{Type: relationaldb.TxWithdrawal, Amount: decimal.RequireFromString("900.00"), Currency: "USD", At: noon}
	_, ok := checkRapidMovement(obs, history)
	assert.False(t, ok, "a deposit that was substantially wagered is not pass-through")
}

func TestRapidMovementIgnoresDeposits(t *testing.T) {
	history := []relationaldb.Transaction{deposit("1000.00", noon.Add(-time.Hour))}
	obs := observation{Type: relationaldb.TxDeposit, Amount: decimal.RequireFromString("1000.00"), Currency: "USD", At: noon}
	_, ok := checkRapidMovement(obs, history)
	assert.False(t, ok)
}

func TestCompositeBonus(t *testing.T) {
	// Overnight burst of large deposits: large value, time pattern and
	// frequency all fire, which adds the composite bonus.
	night := time.Date(2026, 8, 20, 2, 0, 0, 0, time.UTC)
	var history []relationaldb.Transaction
	for i := 1; i <= 3; i++ {
		history = append(history, deposit("50.00", night.Add(-time.Duration(i)*time.Hour)))
	}

	obs := observation{Type: relationaldb.TxDeposit, Amount: decimal.RequireFromString("15000"), Currency: "USD", At: night}
	fired := evaluateFactors(obs, history, nil)

	names := factorNames(fired)
	assert.Contains(t, names, FactorLargeValue)
	assert.Contains(t, names, FactorTimePattern)
	assert.Contains(t, names, FactorFrequency)
	assert.Contains(t, names, FactorComposite)
}

func TestNoCompositeForTwoFactors(t *testing.T) {
	night := time.Date(2026, 8, 20, 2, 0, 0, 0, time.UTC)
	obs := observation{Type: relationaldb.TxDeposit, Amount: decimal.RequireFromString("15000"), Currency: "USD", At: night}
	fired := evaluateFactors(obs, nil, nil)

	names := factorNames(fired)
	assert.ElementsMatch(t, []string{FactorLargeValue, FactorTimePattern}, names)
}
