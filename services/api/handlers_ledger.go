package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"refledger/services/ledger"
)

func (a *API) handleGenerateLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"user_id"`
		DisplayName string `json:"display_name"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	link, err := a.ledger.GenerateLink(r.Context(), req.UserID, req.DisplayName)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, link)
}

func (a *API) handleRecordSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code           string `json:"referral_code"`
		ReferredUserID string `json:"referred_user_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	signup, err := a.ledger.RecordSignup(r.Context(), req.Code, req.ReferredUserID)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"signup": signup})
}

type depositRequest struct {
	SignupID       uuid.UUID       `json:"signup_id"`
	ReferredUserID string          `json:"referred_user_id"`
	Amount         decimal.Decimal `json:"amount"`
	Date           string          `json:"date"`
}

func (a *API) handleRecordDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	signupID := req.SignupID
	if signupID == uuid.Nil {
		referred := strings.TrimSpace(req.ReferredUserID)
		if referred == "" {
			respondError(w, http.StatusBadRequest, errors.New("signup_id or referred_user_id is required"))
			return
		}
		signup, err := a.ledger.SignupByReferredUser(r.Context(), referred)
		if err != nil {
			respondLedgerError(w, err)
			return
		}
		signupID = signup.ID
	}

	signup, err := a.ledger.RecordDeposit(r.Context(), signupID, req.Amount, date)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"signup": signup})
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := a.ledger.GetSummary(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (a *API) handleCommission(w http.ResponseWriter, r *http.Request) {
	signupID, err := uuidParam(r, "signupID")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := a.ledger.CommissionPreview(r.Context(), signupID)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"signup_id":  signupID,
		"commission": amount.StringFixed(2),
	})
}

func parseDate(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errMissing(field)
	}
	date, err := ledger.ParseDate(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be YYYY-MM-DD: %w", field, err)
	}
	return date, nil
}
