package events

import (
	"time"

	"github.com/google/uuid"
)

// TransactionCreated is the payload on TopicTransactionCreated. Amounts are
// decimal strings so consumers never round-trip through floats.
type TransactionCreated struct {
	TransactionID uuid.UUID  `json:"transaction_id"`
	ReferenceID   string     `json:"reference_id"`
	PlayerID      uuid.UUID  `json:"player_id"`
	PartnerID     uuid.UUID  `json:"partner_id"`
	Type          string     `json:"type"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	BalanceAfter  string     `json:"balance_after"`
	OriginalTxID  *uuid.UUID `json:"original_transaction_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// AlertCreated is the payload on TopicAlertCreated.
type AlertCreated struct {
	AlertID        uuid.UUID  `json:"alert_id"`
	PlayerID       uuid.UUID  `json:"player_id"`
	PartnerID      uuid.UUID  `json:"partner_id"`
	TransactionID  *uuid.UUID `json:"transaction_id,omitempty"`
	Severity       string     `json:"severity"`
	Score          float64    `json:"score"`
	ReportRequired bool       `json:"report_required"`
	CreatedAt      time.Time  `json:"created_at"`
}
