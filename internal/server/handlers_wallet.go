package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/betlink/betlinkd/internal/apperr"
	"github.com/betlink/betlinkd/internal/auth"
	"github.com/betlink/betlinkd/internal/storage/relationaldb"
	"github.com/betlink/betlinkd/internal/wallet"
)

type transactionRequest struct {
	ReferenceID     string            `json:"reference_id"`
	Amount          string            `json:"amount"`
	Currency        string            `json:"currency"`
	GameID          *string           `json:"game_id,omitempty"`
	RoundID         *string           `json:"round_id,omitempty"`
	RelatedBetRefID string            `json:"related_bet_reference_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type rollbackRequest struct {
	ReferenceID         string `json:"reference_id"`
	OriginalReferenceID string `json:"original_reference_id"`
	Reason              string `json:"reason,omitempty"`
}

// transactionView is the partner-facing transaction shape. Amounts are
// decimal strings.
type transactionView struct {
	ID                    uuid.UUID         `json:"id"`
	ReferenceID           string            `json:"reference_id"`
	PlayerID              uuid.UUID         `json:"player_id"`
	Type                  string            `json:"type"`
	Amount                string            `json:"amount"`
	Currency              string            `json:"currency"`
	Status                string            `json:"status"`
	BalanceBefore         string            `json:"balance_before"`
	BalanceAfter          string            `json:"balance_after"`
	OriginalTransactionID *uuid.UUID        `json:"original_transaction_id,omitempty"`
	GameID                *string           `json:"game_id,omitempty"`
	GameSessionID         *string           `json:"game_session_id,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	Replayed              bool              `json:"replayed"`
}

func viewOf(res *wallet.Result) transactionView {
	tx := res.Transaction
	return transactionView{
		ID:                    tx.ID,
		ReferenceID:           tx.ReferenceID,
		PlayerID:              tx.PlayerID,
		Type:                  string(tx.Type),
		Amount:                tx.Amount.String(),
		Currency:              tx.Currency,
		Status:                string(tx.Status),
		BalanceBefore:         tx.OriginalBalance.String(),
		BalanceAfter:          tx.UpdatedBalance.String(),
		OriginalTransactionID: tx.OriginalTransactionID,
		GameID:                tx.GameID,
		GameSessionID:         tx.GameSessionID,
		Metadata:              tx.Metadata,
		CreatedAt:             tx.CreatedAt,
		Replayed:              res.Replayed,
	}
}

// pathPlayerID extracts the player id every wallet route is scoped by.
func pathPlayerID(r *http.Request) (uuid.UUID, error) {
	playerID, err := uuid.Parse(mux.Vars(r)["player_id"])
	if err != nil {
		return uuid.Nil, apperr.New(apperr.CodeNotFound, "invalid player id")
	}
	return playerID, nil
}

// transactionHandler serves the four mutation routes; the route fixes the
// transaction type and the player.
func (s *Server) transactionHandler(txType relationaldb.TransactionType) http.HandlerFunc {
	gameScoped := txType == relationaldb.TxBet || txType == relationaldb.TxWin
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.IdentityFrom(r.Context())

		playerID, err := pathPlayerID(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		var req transactionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, apperr.Wrap(apperr.CodeInvalidAmount, "malformed request body", err))
			return
		}
		if gameScoped && (req.GameID == nil || *req.GameID == "") {
			s.writeError(w, r, apperr.New(apperr.CodeInvalidAmount, "game_id is required"))
			return
		}
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			s.writeError(w, r, apperr.Newf(apperr.CodeInvalidAmount, "amount %q is not a decimal", req.Amount))
			return
		}

		metadata := req.Metadata
		if req.RelatedBetRefID != "" {
			if metadata == nil {
				metadata = make(map[string]string, 1)
			}
			metadata["related_bet_reference_id"] = req.RelatedBetRefID
		}

		res, err := s.wallet.Process(r.Context(), wallet.TransactionRequest{
			PartnerID:     id.PartnerID,
			PlayerID:      playerID,
			ReferenceID:   req.ReferenceID,
			Type:          txType,
			Amount:        amount,
			Currency:      req.Currency,
			GameID:        req.GameID,
			GameSessionID: req.RoundID,
			Metadata:      metadata,
		})
		s.observeTransaction(txType, err)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeData(w, r, http.StatusOK, viewOf(res))
	}
}

func (s *Server) rollbackHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())

	playerID, err := pathPlayerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.CodeInvalidAmount, "malformed request body", err))
		return
	}

	res, err := s.wallet.Rollback(r.Context(), wallet.RollbackRequest{
		PartnerID:           id.PartnerID,
		PlayerID:            playerID,
		ReferenceID:         req.ReferenceID,
		OriginalReferenceID: req.OriginalReferenceID,
		Reason:              req.Reason,
	})
	s.observeTransaction(relationaldb.TxRollback, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, viewOf(res))
}

func (s *Server) balanceHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())

	playerID, err := pathPlayerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		s.writeError(w, r, apperr.New(apperr.CodeCurrencyMismatch, "currency query parameter is required"))
		return
	}

	b, err := s.wallet.GetBalance(r.Context(), playerID, id.PartnerID, currency)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]interface{}{
		"wallet_id": b.WalletID,
		"player_id": b.PlayerID,
		"currency":  b.Currency,
		"balance":   b.Balance.String(),
	})
}

func (s *Server) transactionsHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())

	playerID, err := pathPlayerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	filter, err := parseTransactionFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	txs, err := s.wallet.History(r.Context(), playerID, id.PartnerID, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]transactionView, len(txs))
	for i := range txs {
		views[i] = viewOf(&wallet.Result{Transaction: &txs[i]})
	}
	s.writeData(w, r, http.StatusOK, map[string]interface{}{
		"transactions": views,
		"count":        len(views),
	})
}

func parseTransactionFilter(r *http.Request) (relationaldb.TransactionFilter, error) {
	q := r.URL.Query()
	filter := relationaldb.TransactionFilter{
		Type: relationaldb.TransactionType(q.Get("type")),
	}
	var err error
	if filter.Limit, err = intQuery(q.Get("limit")); err != nil {
		return filter, apperr.New(apperr.CodeInvalidAmount, "limit must be an integer")
	}
	if filter.Offset, err = intQuery(q.Get("offset")); err != nil {
		return filter, apperr.New(apperr.CodeInvalidAmount, "offset must be an integer")
	}
	if since := q.Get("since"); since != "" {
		if filter.Since, err = time.Parse(time.RFC3339, since); err != nil {
			return filter, apperr.New(apperr.CodeInvalidAmount, "since must be RFC 3339")
		}
	}
	if until := q.Get("until"); until != "" {
		if filter.Until, err = time.Parse(time.RFC3339, until); err != nil {
			return filter, apperr.New(apperr.CodeInvalidAmount, "until must be RFC 3339")
		}
	}
	return filter, nil
}

func intQuery(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func (s *Server) observeTransaction(txType relationaldb.TransactionType, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.CodeOf(err))
	}
	s.metrics.Transactions.WithLabelValues(string(txType), outcome).Inc()
}
