package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"refledger/services/ledger"
)

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	kind := ledger.Kind(err)
	if kind == "internal" && status < http.StatusInternalServerError {
		kind = "invalid_request"
	}
	respondJSON(w, status, map[string]any{"error": err.Error(), "kind": kind})
}

// respondLedgerError maps a ledger error kind to its HTTP status.
func respondLedgerError(w http.ResponseWriter, err error) {
	respondError(w, statusFor(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, ledger.ErrUnknownCode):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyExists), errors.Is(err, ledger.ErrDuplicateSignup), errors.Is(err, ledger.ErrAlreadySet):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInactiveReferral):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrCodeGenerationExhausted), errors.Is(err, ledger.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("valid %s is required", name)
	}
	return id, nil
}

func intQuery(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func errMissing(field string) error {
	return fmt.Errorf("%s is required", field)
}

func errInvalid(field string) error {
	return fmt.Errorf("%s is invalid", field)
}
