// Package relationaldb defines the repository abstractions over the
// transactional store. Implementations live in subpackages (postgres); the
// wallet engine, auth pipeline and AML analyzer depend only on these
// interfaces.
package relationaldb

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PartnerStatus describes the lifecycle state of a partner account.
// Transitions are monotonic toward terminated.
type PartnerStatus string

const (
	PartnerActive    PartnerStatus = "active"
	PartnerInactive  PartnerStatus = "inactive"
	PartnerSuspended PartnerStatus = "suspended"
)

// Partner is a business client of the platform.
type Partner struct {
	ID         uuid.UUID
	Code       string
	Name       string
	Status     PartnerStatus
	AllowedIPs []string // exact addresses and CIDR ranges; empty means any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsActive reports whether the partner may call the API.
func (p *Partner) IsActive() bool { return p.Status == PartnerActive }

// APIKey is a partner credential. Only the deterministic digest of the raw
// key is stored.
type APIKey struct {
	ID          uuid.UUID
	PartnerID   uuid.UUID
	KeyHash     string
	Permissions []string // wildcard strings: "*", "wallet:*", "wallet:deposit"
	Active      bool
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	CreatedAt   time.Time
}

// Expired reports whether the key has passed its expiry.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// Wallet is the ledger for one (player, partner, currency) triple.
type Wallet struct {
	ID        uuid.UUID
	PlayerID  uuid.UUID
	PartnerID uuid.UUID
	Currency  string
	Balance   decimal.Decimal
	Active    bool
	Locked    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TransactionType enumerates the supported balance mutations.
type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxWithdrawal TransactionType = "withdrawal"
	TxBet        TransactionType = "bet"
	TxWin        TransactionType = "win"
	TxRefund     TransactionType = "refund"
	TxRollback   TransactionType = "rollback"
	TxAdjustment TransactionType = "adjustment"
	TxCommission TransactionType = "commission"
	TxBonus      TransactionType = "bonus"
)

// TransactionStatus tracks a transaction through its state machine:
// pending -> completed | failed; completed -> canceled when rolled back.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
	TxCanceled  TransactionStatus = "canceled"
)

// IsTerminal reports whether a status admits no further transitions other
// than the completed -> canceled rollback edge.
func (s TransactionStatus) IsTerminal() bool {
	return s == TxCompleted || s == TxFailed || s == TxCanceled
}

// Transaction is one audit-trail entry. Amount is plaintext in memory only;
// the store keeps the encrypted blob.
type Transaction struct {
	ID                    uuid.UUID
	ReferenceID           string
	WalletID              uuid.UUID
	PlayerID              uuid.UUID
	PartnerID             uuid.UUID
	Type                  TransactionType
	Amount                decimal.Decimal
	Currency              string
	Status                TransactionStatus
	OriginalBalance       decimal.Decimal
	UpdatedBalance        decimal.Decimal
	OriginalTransactionID *uuid.UUID
	GameID                *string
	GameSessionID         *string
	Metadata              map[string]string
	CreatedAt             time.Time
}

// AMLRiskLevel buckets a risk score.
type AMLRiskLevel string

const (
	RiskLow      AMLRiskLevel = "low"
	RiskMedium   AMLRiskLevel = "medium"
	RiskHigh     AMLRiskLevel = "high"
	RiskCritical AMLRiskLevel = "critical"
)

// RiskLevelForScore maps a score in [0,100] to its level.
func RiskLevelForScore(score float64) AMLRiskLevel {
	switch {
	case score >= 80:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	default:
		return RiskLow
	}
}

// AMLRiskProfile is the per-(player, partner) risk state. Counters are
// recomputed from the transaction log, not incremented.
type AMLRiskProfile struct {
	PlayerID           uuid.UUID
	PartnerID          uuid.UUID
	RiskScore          float64
	RiskLevel          AMLRiskLevel
	DepositCount7d     int
	DepositSum7d       decimal.Decimal
	DepositCount30d    int
	DepositSum30d      decimal.Decimal
	WithdrawalCount7d  int
	WithdrawalSum7d    decimal.Decimal
	WithdrawalCount30d int
	WithdrawalSum30d   decimal.Decimal
	RiskFactors        map[string]FactorHistory
	LastCalculatedAt   time.Time
	CreatedAt          time.Time
}

// FactorHistory accumulates sightings of one risk factor on a profile.
type FactorHistory struct {
	Count         int       `json:"count"`
	FirstDetected time.Time `json:"first_detected"`
	LastDetected  time.Time `json:"last_detected"`
	LastScore     float64   `json:"last_score"`
}

// AMLAlertType classifies what raised an alert.
type AMLAlertType string

const (
	AlertThreshold AMLAlertType = "threshold"
	AlertPattern   AMLAlertType = "pattern"
	AlertBlacklist AMLAlertType = "blacklist"
	AlertManual    AMLAlertType = "manual"
)

// AMLAlertStatus follows the investigation state machine.
type AMLAlertStatus string

const (
	AlertOpen          AMLAlertStatus = "open"
	AlertInvestigating AMLAlertStatus = "investigating"
	AlertPendingReport AMLAlertStatus = "pending-report"
	AlertReported      AMLAlertStatus = "reported"
	AlertClosedFalse   AMLAlertStatus = "closed-false-positive"
	AlertClosedActed   AMLAlertStatus = "closed-actioned"
)

// AMLAlert records that a transaction or pattern deserves investigator
// attention. Severity is derived from the score at alert time.
type AMLAlert struct {
	ID             uuid.UUID
	PlayerID       uuid.UUID
	PartnerID      uuid.UUID
	TransactionID  *uuid.UUID
	Type           AMLAlertType
	Severity       AMLRiskLevel
	Status         AMLAlertStatus
	ScoreAtAlert   float64
	Factors        map[string]float64 // factor name -> score contribution
	Description    string
	ReportRequired bool
	Notes          string
	ReportedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TransactionFilter narrows ListByPlayer queries.
type TransactionFilter struct {
	Type   TransactionType // empty matches all
	Since  time.Time
	Until  time.Time
	Offset int
	Limit  int
}

// AlertFilter narrows alert listing queries.
type AlertFilter struct {
	PartnerID uuid.UUID
	PlayerID  uuid.UUID
	Status    AMLAlertStatus
	Since     time.Time
	Until     time.Time
	Offset    int
	Limit     int
}

// WalletRepository handles wallet rows. FindForUpdate acquires a row lock and
// must only be called inside a TransactionContext.
type WalletRepository interface {
	FindByPlayer(ctx context.Context, playerID, partnerID uuid.UUID, currency string) (*Wallet, error)
	FindForUpdate(ctx context.Context, playerID, partnerID uuid.UUID, currency string) (*Wallet, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Wallet, error)
	Create(ctx context.Context, w *Wallet) error
	UpdateBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) error
}

// TransactionRepository handles the append-only transaction log.
type TransactionRepository interface {
	FindByReference(ctx context.Context, partnerID uuid.UUID, referenceID string) (*Transaction, error)
	Insert(ctx context.Context, tx *Transaction) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status TransactionStatus) error
	ListByPlayer(ctx context.Context, playerID, partnerID uuid.UUID, filter TransactionFilter) ([]Transaction, error)
}

// PartnerRepository provides partner lookups for the auth pipeline.
type PartnerRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Partner, error)
	GetByCode(ctx context.Context, code string) (*Partner, error)
	Create(ctx context.Context, p *Partner) error
}

// APIKeyRepository provides credential lookups for the auth pipeline.
type APIKeyRepository interface {
	GetByHash(ctx context.Context, keyHash string) (*APIKey, error)
	Create(ctx context.Context, k *APIKey) error
	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// AMLRepository persists risk profiles and alerts.
type AMLRepository interface {
	GetOrCreateProfile(ctx context.Context, playerID, partnerID uuid.UUID) (*AMLRiskProfile, error)
	UpdateProfile(ctx context.Context, p *AMLRiskProfile) error
	InsertAlert(ctx context.Context, a *AMLAlert) error
	GetAlert(ctx context.Context, id uuid.UUID) (*AMLAlert, error)
	UpdateAlert(ctx context.Context, a *AMLAlert) error
	ListAlerts(ctx context.Context, filter AlertFilter) ([]AMLAlert, error)
}

// TransactionContext exposes the repositories bound to one database
// transaction. The repo layer never opens its own outermost transaction;
// callers do, through RepositoryManager.WithTransaction.
type TransactionContext interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	Wallets() WalletRepository
	Transactions() TransactionRepository
	AML() AMLRepository
}

// RepositoryManager provides repository access and transaction management.
type RepositoryManager interface {
	Wallets() WalletRepository
	Transactions() TransactionRepository
	Partners() PartnerRepository
	APIKeys() APIKeyRepository
	AML() AMLRepository

	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Ping(ctx context.Context) error

	WithTransaction(ctx context.Context, fn func(TransactionContext) error) error
}
