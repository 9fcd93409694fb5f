package aml

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betlink/betlinkd/internal/storage/relationaldb"
)

// Factor names, stored on profiles and alerts.
const (
	FactorLargeValue      = "large_value"
	FactorAmountDeviation = "amount_deviation"
	FactorTimePattern     = "time_pattern"
	FactorFrequency       = "frequency"
	FactorRapidMovement   = "rapid_movement"
	FactorComposite       = "composite"
)

// Factor scores.
const (
	scoreLargeValue    = 40.0
	scoreDeviationMax  = 25.0
	scoreTimePattern   = 15.0
	scoreFrequency     = 20.0
	scoreRapidMovement = 25.0
	scoreCompositeMax  = 40.0

	deviationZThreshold = 2.5
	deviationRangeRatio = 1.5  // multiple of the observed max (or fraction of min)
	rapidMovementRatio  = 0.8
	rapidBetOffsetRatio = 0.25 // bets consuming this share of deposits clear the pattern
)

// largeValueThresholds are the per-currency reporting thresholds. Currencies
// not listed fall back to defaultLargeValueThreshold.
var largeValueThresholds = map[string]decimal.Decimal{
	"USD": decimal.NewFromInt(10000),
	"EUR": decimal.NewFromInt(9000),
	"GBP": decimal.NewFromInt(8000),
	"KRW": decimal.NewFromInt(12000000),
	"JPY": decimal.NewFromInt(1000000),
}

var defaultLargeValueThreshold = decimal.NewFromInt(10000)

// firedFactor is one triggered risk factor with its score contribution.
type firedFactor struct {
	Name  string
	Score float64
}

// observation is the transaction under analysis.
type observation struct {
	Type     relationaldb.TransactionType
	Amount   decimal.Decimal
	Currency string
	At       time.Time
}

// evaluateFactors runs the individual detectors over the new transaction and
// the player's recent history, then adds the composite bonus when three or
// more detectors fire together. thresholds overrides the built-in
// large-value thresholds per currency; nil keeps the defaults.
func evaluateFactors(obs observation, history []relationaldb.Transaction, thresholds map[string]decimal.Decimal) []firedFactor {
	var fired []firedFactor

	if f, ok := checkLargeValue(obs, thresholds); ok {
		fired = append(fired, f)
	}
	if f, ok := checkAmountDeviation(obs, history); ok {
		fired = append(fired, f)
	}
	if f, ok := checkTimePattern(obs); ok {
		fired = append(fired, f)
	}
	if f, ok := checkFrequency(obs, history); ok {
		fired = append(fired, f)
	}
	if f, ok := checkRapidMovement(obs, history); ok {
		fired = append(fired, f)
	}

	// Several weak signals at once are worth more than their sum; the bonus
	// grows with each detector past the second and is capped.
	if len(fired) >= 3 {
		bonus := math.Min(scoreCompositeMax, float64(len(fired)-2)*15)
		fired = append(fired, firedFactor{Name: FactorComposite, Score: bonus})
	}

	sort.Slice(fired, func(i, j int) bool { return fired[i].Name < fired[j].Name })
	return fired
}

// checkLargeValue flags single transactions at or above the currency's
// reporting threshold. These always require a regulatory report.
func checkLargeValue(obs observation, overrides map[string]decimal.Decimal) (firedFactor, bool) {
	threshold, ok := overrides[obs.Currency]
	if !ok {
		threshold, ok = largeValueThresholds[obs.Currency]
	}
	if !ok {
		threshold = defaultLargeValueThreshold
	}
	if obs.Amount.Cmp(threshold) < 0 {
		return firedFactor{}, false
	}
	return firedFactor{Name: FactorLargeValue, Score: scoreLargeValue}, true
}

// checkAmountDeviation flags amounts far outside the player's own deposit
// distribution: more than 2.5 standard deviations above the mean, or outside
// the observed [min, max] range by over 50%. The standard deviation is
// floored at 1% of the mean so a player with perfectly uniform history does
// not divide by zero.
func checkAmountDeviation(obs observation, history []relationaldb.Transaction) (firedFactor, bool) {
	var amounts []float64
	for _, t := range history {
		if t.Type == obs.Type && t.Status == relationaldb.TxCompleted {
			f, _ := t.Amount.Float64()
			amounts = append(amounts, f)
		}
	}
	// Not enough history to establish a pattern.
	if len(amounts) < 5 {
		return firedFactor{}, false
	}

	var sum float64
	lo, hi := amounts[0], amounts[0]
	for _, a := range amounts {
		sum += a
		lo = math.Min(lo, a)
		hi = math.Max(hi, a)
	}
	mean := sum / float64(len(amounts))

	var variance float64
	for _, a := range amounts {
		variance += (a - mean) * (a - mean)
	}
	stddev := math.Sqrt(variance / float64(len(amounts)))
	if floor := 0.01 * mean; stddev < floor {
		stddev = floor
	}
	if stddev == 0 {
		return firedFactor{}, false
	}

	amount, _ := obs.Amount.Float64()
	z := (amount - mean) / stddev
	outOfRange := amount > hi*deviationRangeRatio || amount < lo/deviationRangeRatio

	if z <= deviationZThreshold && !outOfRange {
		return firedFactor{}, false
	}

	// Score grows with the deviation past the threshold, capped. A pure
	// range breach scores the base.
	score := math.Min(scoreDeviationMax, math.Max(10, 10+(z-deviationZThreshold)*5))
	return firedFactor{Name: FactorAmountDeviation, Score: score}, true
}

// checkTimePattern flags activity in the 00:00-05:00 UTC window, where
// legitimate play is rare and structuring attempts cluster.
func checkTimePattern(obs observation) (firedFactor, bool) {
	hour := obs.At.UTC().Hour()
	if hour >= 5 {
		return firedFactor{}, false
	}
	return firedFactor{Name: FactorTimePattern, Score: scoreTimePattern}, true
}

// checkFrequency flags a burst: the last 24 hours hold at least 4 same-type
// transactions and more than triple the player's usual daily rate.
func checkFrequency(obs observation, history []relationaldb.Transaction) (firedFactor, bool) {
	var count24h, count7d, count30d int
	for _, t := range history {
		if t.Type != obs.Type || t.Status != relationaldb.TxCompleted {
			continue
		}
		age := obs.At.Sub(t.CreatedAt)
		if age <= 24*time.Hour {
			count24h++
		}
		if age <= 7*24*time.Hour {
			count7d++
		}
		if age <= 30*24*time.Hour {
			count30d++
		}
	}
	count24h++ // include the transaction under analysis
	if count24h < 4 {
		return firedFactor{}, false
	}

	daily7 := float64(count7d) / 7
	daily30 := float64(count30d) / 30
	baseline := math.Max(daily7, daily30)
	if baseline == 0 || float64(count24h) <= 3*baseline {
		return firedFactor{}, false
	}
	return firedFactor{Name: FactorFrequency, Score: scoreFrequency}, true
}

// checkRapidMovement flags a withdrawal that pulls out at least 80% of what
// was deposited in the preceding 24 hours, the classic pass-through shape.
// Deposits that were genuinely played (bets in the window consuming at least
// 25% of them) do not count as pass-through.
func checkRapidMovement(obs observation, history []relationaldb.Transaction) (firedFactor, bool) {
	if obs.Type != relationaldb.TxWithdrawal {
		return firedFactor{}, false
	}

	deposited, wagered := decimal.Zero, decimal.Zero
	for _, t := range history {
		if t.Status != relationaldb.TxCompleted || obs.At.Sub(t.CreatedAt) > 24*time.Hour {
			continue
		}
		switch t.Type {
		case relationaldb.TxDeposit:
			deposited = deposited.Add(t.Amount)
		case relationaldb.TxBet:
			wagered = wagered.Add(t.Amount)
		}
	}
	if !deposited.IsPositive() {
		return firedFactor{}, false
	}
	if wagered.Cmp(deposited.Mul(decimal.NewFromFloat(rapidBetOffsetRatio))) >= 0 {
		return firedFactor{}, false
	}

	ratio := obs.Amount.Div(deposited)
	if ratio.Cmp(decimal.NewFromFloat(rapidMovementRatio)) < 0 {
		return firedFactor{}, false
	}
	return firedFactor{Name: FactorRapidMovement, Score: scoreRapidMovement}, true
}
