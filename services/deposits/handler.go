// Package deposits ingests first-deposit notifications from the trading
// platform and records them on the ledger.
package deposits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"refledger/services/ledger"
)

// Outcome tells the transport how to settle a message.
type Outcome int

const (
	// Ack removes the message; it was recorded or can never be.
	Ack Outcome = iota
	// Requeue redelivers the message later.
	Requeue
	// Reject drops a malformed message without redelivery.
	Reject
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Notification is the deposit message published by the trading platform.
// SignupID is optional; the signup is resolved from ReferredUserID otherwise.
type Notification struct {
	EventID        string          `json:"event_id"`
	SignupID       uuid.UUID       `json:"signup_id"`
	ReferredUserID string          `json:"referred_user_id"`
	Amount         decimal.Decimal `json:"amount"`
	DepositedAt    string          `json:"deposited_at"`
}

// Decode parses and validates a notification body.
func Decode(body []byte) (Notification, time.Time, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return n, time.Time{}, fmt.Errorf("decode notification: %w", err)
	}
	n.ReferredUserID = strings.TrimSpace(n.ReferredUserID)
	if n.SignupID == uuid.Nil && n.ReferredUserID == "" {
		return n, time.Time{}, errors.New("signup_id or referred_user_id is required")
	}
	if !n.Amount.IsPositive() {
		return n, time.Time{}, fmt.Errorf("amount must be positive, got %s", n.Amount)
	}
	if n.DepositedAt == "" {
		return n, time.Time{}, errors.New("deposited_at is required")
	}
	date, err := ledger.ParseDate(n.DepositedAt)
	if err != nil {
		return n, time.Time{}, fmt.Errorf("deposited_at: %w", err)
	}
	return n, date, nil
}

// Recorder is the ledger surface the handler needs.
type Recorder interface {
	SignupByReferredUser(ctx context.Context, referredUserID string) (ledger.Signup, error)
	RecordDeposit(ctx context.Context, signupID uuid.UUID, amount decimal.Decimal, date time.Time) (ledger.Signup, error)
}

// Handler turns notifications into ledger deposits.
type Handler struct {
	ledger  Recorder
	log     zerolog.Logger
	timeout time.Duration
}

// NewHandler returns a Handler recording through l.
func NewHandler(l Recorder, logger zerolog.Logger) *Handler {
	return &Handler{
		ledger:  l,
		log:     logger.With().Str("component", "deposits").Logger(),
		timeout: 30 * time.Second,
	}
}

// Handle records one notification and reports how to settle it.
func (h *Handler) Handle(ctx context.Context, body []byte) Outcome {
	n, date, err := Decode(body)
	if err != nil {
		h.log.Error().Err(err).Str("body", truncate(body, 512)).Msg("rejecting malformed deposit notification")
		return Reject
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	logger := h.log.With().
		Str("event_id", n.EventID).
		Str("referred_user_id", n.ReferredUserID).
		Logger()

	signupID := n.SignupID
	if signupID == uuid.Nil {
		signup, err := h.ledger.SignupByReferredUser(ctx, n.ReferredUserID)
		if err != nil {
			return h.settle(logger, err)
		}
		signupID = signup.ID
	}

	signup, err := h.ledger.RecordDeposit(ctx, signupID, n.Amount, date)
	if err != nil {
		return h.settle(logger.With().Str("signup_id", signupID.String()).Logger(), err)
	}
	logger.Info().
		Str("signup_id", signup.ID.String()).
		Str("amount", signup.DepositAmount.Decimal.StringFixed(2)).
		Msg("deposit notification recorded")
	return Ack
}

func (h *Handler) settle(logger zerolog.Logger, err error) Outcome {
	switch {
	case errors.Is(err, ledger.ErrAlreadySet):
		logger.Info().Msg("deposit already recorded, acknowledging")
		return Ack
	case errors.Is(err, ledger.ErrNotFound):
		// deposits by users that were never referred are expected
		logger.Debug().Msg("no referral signup for deposit, acknowledging")
		return Ack
	case errors.Is(err, ledger.ErrInvalidArgument), errors.Is(err, ledger.ErrInvalidTransition):
		logger.Error().Err(err).Msg("rejecting deposit notification")
		return Reject
	default:
		logger.Warn().Err(err).Str("kind", ledger.Kind(err)).Msg("deposit not recorded, requeueing")
		return Requeue
	}
}

func truncate(body []byte, n int) string {
	if len(body) <= n {
		return string(body)
	}
	return string(body[:n]) + "..."
}
