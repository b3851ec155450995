package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"refledger/services/ledger"
)

func (a *API) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	referralID, err := uuidParam(r, "referralID")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Amount decimal.Decimal `json:"amount"`
		Date   string          `json:"date"`
		Notes  string          `json:"notes"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	payment, err := a.ledger.RecordPayment(r.Context(), ActorFrom(r.Context()), referralID, req.Amount, date, req.Notes)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"payment": payment})
}

func (a *API) handleSetActive(w http.ResponseWriter, r *http.Request) {
	referralID, err := uuidParam(r, "referralID")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Active *bool  `json:"active"`
		Reason string `json:"reason"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Active == nil {
		respondError(w, http.StatusBadRequest, errMissing("active"))
		return
	}

	ref, err := a.ledger.SetActive(r.Context(), ActorFrom(r.Context()), referralID, *req.Active, req.Reason)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"referral": ref})
}

type reasonRequest struct {
	Status string `json:"status,omitempty"`
	Reason string `json:"reason"`
}

func (a *API) handleComplete(w http.ResponseWriter, r *http.Request) {
	referralID, err := uuidParam(r, "referralID")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var req reasonRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ref, err := a.ledger.CompleteReferral(r.Context(), ActorFrom(r.Context()), referralID, req.Reason)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"referral": ref})
}

func (a *API) handleOverrideStatus(w http.ResponseWriter, r *http.Request) {
	referralID, err := uuidParam(r, "referralID")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var req reasonRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	status, err := ledger.ParseStatus(req.Status)
	if err != nil {
		respondLedgerError(w, err)
		return
	}

	ref, err := a.ledger.OverrideStatus(r.Context(), ActorFrom(r.Context()), referralID, status, req.Reason)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	a.log.Warn().
		Str("referral_id", referralID.String()).
		Str("status", string(status)).
		Str("actor", ActorFrom(r.Context())).
		Msg("status override via api")
	respondJSON(w, http.StatusOK, map[string]any{"referral": ref})
}

func (a *API) handleRecompute(w http.ResponseWriter, r *http.Request) {
	referralID, err := uuidParam(r, "referralID")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	ref, err := a.ledger.Recompute(r.Context(), ActorFrom(r.Context()), referralID)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"referral": ref})
}

func (a *API) handleListReferrals(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	offset, err := intQuery(r, "offset")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	filter := ledger.ReferralFilter{
		Status: ledger.Status(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	}
	if raw := r.URL.Query().Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, errInvalid("active"))
			return
		}
		filter.IsActive = &active
	}

	refs, err := a.ledger.ListReferrals(r.Context(), filter)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	if refs == nil {
		refs = []ledger.Referral{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"referrals": refs})
}

func (a *API) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	offset, err := intQuery(r, "offset")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	filter := ledger.AuditFilter{
		Actor:  r.URL.Query().Get("actor"),
		Limit:  limit,
		Offset: offset,
	}
	if raw := r.URL.Query().Get("referral_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, errInvalid("referral_id"))
			return
		}
		filter.ReferralID = id
	}

	entries, err := a.ledger.ListAudit(r.Context(), filter)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	if entries == nil {
		entries = []ledger.AuditEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	violations, err := a.ledger.Verify(r.Context())
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	if violations == nil {
		violations = []ledger.Violation{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":         len(violations) == 0,
		"violations": violations,
	})
}
