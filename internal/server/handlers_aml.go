package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/betlink/betlinkd/internal/apperr"
	"github.com/betlink/betlinkd/internal/auth"
	"github.com/betlink/betlinkd/internal/storage/relationaldb"
)

type alertView struct {
	ID             uuid.UUID          `json:"id"`
	PlayerID       uuid.UUID          `json:"player_id"`
	TransactionID  *uuid.UUID         `json:"transaction_id,omitempty"`
	Type           string             `json:"type"`
	Severity       string             `json:"severity"`
	Status         string             `json:"status"`
	Score          float64            `json:"score"`
	Factors        map[string]float64 `json:"factors,omitempty"`
	Description    string             `json:"description,omitempty"`
	ReportRequired bool               `json:"report_required"`
	Notes          string             `json:"notes,omitempty"`
	ReportedAt     *time.Time         `json:"reported_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func alertViewOf(a *relationaldb.AMLAlert) alertView {
	return alertView{
		ID:             a.ID,
		PlayerID:       a.PlayerID,
		TransactionID:  a.TransactionID,
		Type:           string(a.Type),
		Severity:       string(a.Severity),
		Status:         string(a.Status),
		Score:          a.ScoreAtAlert,
		Factors:        a.Factors,
		Description:    a.Description,
		ReportRequired: a.ReportRequired,
		Notes:          a.Notes,
		ReportedAt:     a.ReportedAt,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

// listAlertsHandler lists the partner's alerts. Alerts are always scoped to
// the authenticated partner.
func (s *Server) listAlertsHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())
	q := r.URL.Query()

	filter := relationaldb.AlertFilter{
		PartnerID: id.PartnerID,
		Status:    relationaldb.AMLAlertStatus(q.Get("status")),
	}
	if raw := q.Get("player_id"); raw != "" {
		playerID, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, r, apperr.New(apperr.CodeNotFound, "invalid player id"))
			return
		}
		filter.PlayerID = playerID
	}
	var err error
	if filter.Limit, err = intQuery(q.Get("limit")); err != nil {
		s.writeError(w, r, apperr.New(apperr.CodeInvalidAmount, "limit must be an integer"))
		return
	}

	alerts, err := s.aml.ListAlerts(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]alertView, len(alerts))
	for i := range alerts {
		views[i] = alertViewOf(&alerts[i])
	}
	s.writeData(w, r, http.StatusOK, map[string]interface{}{
		"alerts": views,
		"count":  len(views),
	})
}

func (s *Server) getAlertHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())

	alertID, err := uuid.Parse(mux.Vars(r)["alert_id"])
	if err != nil {
		s.writeError(w, r, apperr.New(apperr.CodeNotFound, "invalid alert id"))
		return
	}

	alert, err := s.aml.GetAlert(r.Context(), alertID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if alert.PartnerID != id.PartnerID {
		// A foreign alert is indistinguishable from a missing one.
		s.writeError(w, r, apperr.New(apperr.CodeNotFound, "alert not found"))
		return
	}
	s.writeData(w, r, http.StatusOK, alertViewOf(alert))
}

type alertStatusRequest struct {
	Status relationaldb.AMLAlertStatus `json:"status"`
	Notes  string                      `json:"notes,omitempty"`
}

func (s *Server) updateAlertStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())

	alertID, err := uuid.Parse(mux.Vars(r)["alert_id"])
	if err != nil {
		s.writeError(w, r, apperr.New(apperr.CodeNotFound, "invalid alert id"))
		return
	}

	var req alertStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.CodeInvalidAmount, "malformed request body", err))
		return
	}

	alert, err := s.aml.GetAlert(r.Context(), alertID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if alert.PartnerID != id.PartnerID {
		s.writeError(w, r, apperr.New(apperr.CodeNotFound, "alert not found"))
		return
	}

	updated, err := s.aml.UpdateAlertStatus(r.Context(), alertID, req.Status, req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, alertViewOf(updated))
}
