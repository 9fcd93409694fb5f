package aml

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/betlink/betlinkd/internal/apperr"
	"github.com/betlink/betlinkd/internal/storage/relationaldb"
)

// alertTransitions is the investigation state machine. Closed states are
// terminal.
var alertTransitions = map[relationaldb.AMLAlertStatus][]relationaldb.AMLAlertStatus{
	relationaldb.AlertOpen: {
		relationaldb.AlertInvestigating,
		relationaldb.AlertClosedFalse,
	},
	relationaldb.AlertInvestigating: {
		relationaldb.AlertPendingReport,
		relationaldb.AlertClosedFalse,
		relationaldb.AlertClosedActed,
	},
	relationaldb.AlertPendingReport: {
		relationaldb.AlertReported,
	},
	relationaldb.AlertReported: {
		relationaldb.AlertClosedActed,
	},
}

// GetAlert loads one alert.
func (a *Analyzer) GetAlert(ctx context.Context, id uuid.UUID) (*relationaldb.AMLAlert, error) {
	alert, err := a.repos.AML().GetAlert(ctx, id)
	if err != nil {
		if errors.Is(err, relationaldb.ErrAlertNotFound) {
			return nil, apperr.New(apperr.CodeNotFound, "alert not found")
		}
		return nil, err
	}
	return alert, nil
}

// ListAlerts lists alerts for investigators, newest first.
func (a *Analyzer) ListAlerts(ctx context.Context, filter relationaldb.AlertFilter) ([]relationaldb.AMLAlert, error) {
	return a.repos.AML().ListAlerts(ctx, filter)
}

// UpdateAlertStatus advances an alert through the investigation state
// machine, appending investigator notes.
func (a *Analyzer) UpdateAlertStatus(ctx context.Context, id uuid.UUID, status relationaldb.AMLAlertStatus, notes string) (*relationaldb.AMLAlert, error) {
	alert, err := a.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}

	if !transitionAllowed(alert.Status, status) {
		return nil, apperr.Newf(apperr.CodeIdempotencyConflict,
			"alert cannot move from %s to %s", alert.Status, status).
			WithDetail("current_status", string(alert.Status))
	}

	alert.Status = status
	if notes != "" {
		if alert.Notes != "" {
			alert.Notes += "\n"
		}
		alert.Notes += notes
	}
	if status == relationaldb.AlertReported {
		now := a.now().UTC()
		alert.ReportedAt = &now
	}
	alert.UpdatedAt = a.now().UTC()

	if err := a.repos.AML().UpdateAlert(ctx, alert); err != nil {
		return nil, err
	}
	return alert, nil
}

func transitionAllowed(from, to relationaldb.AMLAlertStatus) bool {
	for _, allowed := range alertTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
