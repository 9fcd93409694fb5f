// Package aml implements transaction monitoring: every completed deposit and
// withdrawal is scored against the player's history, the per-player risk
// profile is re-blended, and investigator alerts are raised when enough risk
// factors fire.
package aml

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/betlink/betlinkd/internal/events"
	"github.com/betlink/betlinkd/internal/storage/relationaldb"
)

// Profile blending weights: the running score decays while fresh evidence
// moves it. A clean week erodes an old incident; a burst of factors climbs
// fast.
const (
	blendOldWeight = 0.7
	blendNewWeight = 0.3
)

// Alert emission rules. A single strong factor (score >= alertScoreFloor)
// alerts on its own; weaker signals alert only when at least two factors
// corroborate each other.
const (
	alertScoreFloor     = 40.0
	alertCorroborated   = 20.0
	alertMinFactorCount = 2
)

// Analyzer consumes transaction events and maintains risk profiles.
type Analyzer struct {
	repos relationaldb.RepositoryManager
	bus   *events.Bus
	log   *zap.Logger
	now   func() time.Time

	maxAttempts int
	baseBackoff time.Duration

	alertHook  func(severity string)      // optional instrumentation
	thresholds map[string]decimal.Decimal // large-value overrides, nil for defaults
}

// NewAnalyzer wires the analyzer. bus may be nil; alerts are then persisted
// but not streamed.
func NewAnalyzer(repos relationaldb.RepositoryManager, bus *events.Bus, log *zap.Logger) *Analyzer {
	return &Analyzer{
		repos:       repos,
		bus:         bus,
		log:         log,
		now:         time.Now,
		maxAttempts: 3,
		baseBackoff: 100 * time.Millisecond,
	}
}

// OnAlert registers a callback invoked once per raised alert. Must be set
// before the analyzer starts handling events.
func (a *Analyzer) OnAlert(fn func(severity string)) {
	a.alertHook = fn
}

// SetLargeValueThresholds overrides the built-in per-currency reporting
// thresholds for the currencies it names.
func (a *Analyzer) SetLargeValueThresholds(thresholds map[string]decimal.Decimal) {
	a.thresholds = thresholds
}

// Bind subscribes the analyzer to the transaction topic. Must be called
// before the bus starts.
func (a *Analyzer) Bind(bus *events.Bus) error {
	return bus.Subscribe(events.TopicTransactionCreated, a.HandleTransaction)
}

// HandleTransaction processes one transaction event, retrying transient
// failures with backoff. A final failure propagates so the bus dead-letters
// the event rather than silently losing the analysis.
func (a *Analyzer) HandleTransaction(ctx context.Context, ev events.Event) error {
	var payload events.TransactionCreated
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return fmt.Errorf("malformed transaction event: %w", err)
	}

	txType := relationaldb.TransactionType(payload.Type)
	if txType != relationaldb.TxDeposit && txType != relationaldb.TxWithdrawal {
		return nil
	}

	var err error
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := a.baseBackoff << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = a.analyze(ctx, payload, txType); err == nil {
			return nil
		}
		a.log.Warn("transaction analysis attempt failed",
			zap.String("transaction_id", payload.TransactionID.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return fmt.Errorf("analysis failed after %d attempts: %w", a.maxAttempts, err)
}

func (a *Analyzer) analyze(ctx context.Context, payload events.TransactionCreated, txType relationaldb.TransactionType) error {
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		return fmt.Errorf("transaction event carries a bad amount: %w", err)
	}

	obs := observation{
		Type:     txType,
		Amount:   amount,
		Currency: payload.Currency,
		At:       payload.CreatedAt,
	}

	// History covers the 30-day scoring window, excluding the transaction
	// under analysis itself.
	all, err := a.repos.Transactions().ListByPlayer(ctx, payload.PlayerID, payload.PartnerID,
		relationaldb.TransactionFilter{
			Since: obs.At.Add(-30 * 24 * time.Hour),
			Limit: 1000,
		})
	if err != nil {
		return fmt.Errorf("failed to load player history: %w", err)
	}
	history := all[:0:0]
	for _, t := range all {
		if t.ID != payload.TransactionID {
			history = append(history, t)
		}
	}

	fired := evaluateFactors(obs, history, a.thresholds)
	var eventScore float64
	factorScores := make(map[string]float64, len(fired))
	for _, f := range fired {
		eventScore += f.Score
		factorScores[f.Name] = f.Score
	}
	eventScore = clampScore(eventScore)

	var alert *relationaldb.AMLAlert
	err = a.repos.WithTransaction(ctx, func(tc relationaldb.TransactionContext) error {
		profile, err := tc.AML().GetOrCreateProfile(ctx, payload.PlayerID, payload.PartnerID)
		if err != nil {
			return err
		}

		profile.RiskScore = clampScore(blendOldWeight*profile.RiskScore + blendNewWeight*eventScore)
		profile.RiskLevel = relationaldb.RiskLevelForScore(profile.RiskScore)
		a.refreshCounters(profile, obs, history)
		a.recordFactors(profile, fired)

		if err := tc.AML().UpdateProfile(ctx, profile); err != nil {
			return err
		}

		if !shouldAlert(eventScore, len(fired)) {
			return nil
		}

		alert = a.buildAlert(payload, eventScore, fired, factorScores)
		return tc.AML().InsertAlert(ctx, alert)
	})
	if err != nil {
		return err
	}

	if alert != nil {
		if a.alertHook != nil {
			a.alertHook(string(alert.Severity))
		}
		a.publishAlert(ctx, alert)
	}
	return nil
}

// shouldAlert applies the emission rule: one strong factor, or at least two
// corroborating ones.
func shouldAlert(score float64, factorCount int) bool {
	if factorCount == 0 {
		return false
	}
	if score >= alertScoreFloor {
		return true
	}
	return score >= alertCorroborated && factorCount >= alertMinFactorCount
}

func (a *Analyzer) buildAlert(payload events.TransactionCreated, score float64, fired []firedFactor, factorScores map[string]float64) *relationaldb.AMLAlert {
	alertType := relationaldb.AlertPattern
	reportRequired := false
	severity := relationaldb.RiskLevelForScore(score)
	if _, ok := factorScores[FactorLargeValue]; ok {
		alertType = relationaldb.AlertThreshold
		reportRequired = true
		// Crossing a regulatory reporting threshold is never a routine
		// finding, whatever the composite score says.
		if severity == relationaldb.RiskLow || severity == relationaldb.RiskMedium {
			severity = relationaldb.RiskHigh
		}
	}

	description := fmt.Sprintf("%s of %s %s triggered %d risk factor(s)",
		payload.Type, payload.Amount, payload.Currency, len(fired))

	txID := payload.TransactionID
	return &relationaldb.AMLAlert{
		ID:             uuid.New(),
		PlayerID:       payload.PlayerID,
		PartnerID:      payload.PartnerID,
		TransactionID:  &txID,
		Type:           alertType,
		Severity:       severity,
		Status:         relationaldb.AlertOpen,
		ScoreAtAlert:   score,
		Factors:        factorScores,
		Description:    description,
		ReportRequired: reportRequired,
		CreatedAt:      a.now().UTC(),
		UpdatedAt:      a.now().UTC(),
	}
}

// refreshCounters recomputes the rolling 7/30-day counters from the history
// plus the transaction under analysis. Recomputation self-heals after any
// missed event.
func (a *Analyzer) refreshCounters(profile *relationaldb.AMLRiskProfile, obs observation, history []relationaldb.Transaction) {
	profile.DepositCount7d, profile.DepositSum7d = 0, decimal.Zero
	profile.DepositCount30d, profile.DepositSum30d = 0, decimal.Zero
	profile.WithdrawalCount7d, profile.WithdrawalSum7d = 0, decimal.Zero
	profile.WithdrawalCount30d, profile.WithdrawalSum30d = 0, decimal.Zero

	add := func(txType relationaldb.TransactionType, amount decimal.Decimal, age time.Duration) {
		switch txType {
		case relationaldb.TxDeposit:
			if age <= 7*24*time.Hour {
				profile.DepositCount7d++
				profile.DepositSum7d = profile.DepositSum7d.Add(amount)
			}
			profile.DepositCount30d++
			profile.DepositSum30d = profile.DepositSum30d.Add(amount)
		case relationaldb.TxWithdrawal:
			if age <= 7*24*time.Hour {
				profile.WithdrawalCount7d++
				profile.WithdrawalSum7d = profile.WithdrawalSum7d.Add(amount)
			}
			profile.WithdrawalCount30d++
			profile.WithdrawalSum30d = profile.WithdrawalSum30d.Add(amount)
		}
	}

	for _, t := range history {
		if t.Status != relationaldb.TxCompleted {
			continue
		}
		add(t.Type, t.Amount, obs.At.Sub(t.CreatedAt))
	}
	add(obs.Type, obs.Amount, 0)
}

func (a *Analyzer) recordFactors(profile *relationaldb.AMLRiskProfile, fired []firedFactor) {
	if profile.RiskFactors == nil {
		profile.RiskFactors = make(map[string]relationaldb.FactorHistory)
	}
	now := a.now().UTC()
	for _, f := range fired {
		h := profile.RiskFactors[f.Name]
		if h.Count == 0 {
			h.FirstDetected = now
		}
		h.Count++
		h.LastDetected = now
		h.LastScore = f.Score
		profile.RiskFactors[f.Name] = h
	}
}

func (a *Analyzer) publishAlert(ctx context.Context, alert *relationaldb.AMLAlert) {
	if a.bus == nil {
		return
	}
	payload, err := json.Marshal(events.AlertCreated{
		AlertID:        alert.ID,
		PlayerID:       alert.PlayerID,
		PartnerID:      alert.PartnerID,
		TransactionID:  alert.TransactionID,
		Severity:       string(alert.Severity),
		Score:          alert.ScoreAtAlert,
		ReportRequired: alert.ReportRequired,
		CreatedAt:      alert.CreatedAt,
	})
	if err != nil {
		a.log.Error("failed to encode alert event", zap.Error(err))
		return
	}
	err = a.bus.Publish(ctx, events.Event{
		Topic:   events.TopicAlertCreated,
		Key:     alert.PlayerID.String(),
		Payload: payload,
		At:      alert.CreatedAt,
	})
	if err != nil {
		a.log.Warn("alert event not delivered",
			zap.String("alert_id", alert.ID.String()), zap.Error(err))
	}
}

func clampScore(score float64) float64 {
	return math.Max(0, math.Min(100, score))
}
