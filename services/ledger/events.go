package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published after successful commits.
const (
	SubjectReferralLinked  = "ledger.referrals.linked"
	SubjectSignupRecorded  = "ledger.signups.recorded"
	SubjectDepositRecorded = "ledger.deposits.recorded"
	SubjectPaymentRecorded = "ledger.payments.recorded"
	SubjectStatusChanged   = "ledger.referrals.status"
)

// EventsStream is the JetStream stream holding every ledger subject.
const (
	EventsStream          = "LEDGER"
	EventsSubjectWildcard = "ledger.>"
)

// Publisher delivers ledger events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

type referralEvent struct {
	ReferralID uuid.UUID `json:"referral_id"`
	UserID     string    `json:"user_id"`
	Code       string    `json:"referral_code,omitempty"`
	Status     Status    `json:"status"`
	At         time.Time `json:"at"`
}

type signupEvent struct {
	SignupID       uuid.UUID `json:"signup_id"`
	ReferralID     uuid.UUID `json:"referral_id"`
	ReferredUserID string    `json:"referred_user_id"`
	At             time.Time `json:"at"`
}

type depositEvent struct {
	SignupID   uuid.UUID `json:"signup_id"`
	ReferralID uuid.UUID `json:"referral_id"`
	Amount     string    `json:"amount"`
	Commission string    `json:"commission"`
	Date       string    `json:"deposit_date"`
}

type paymentEvent struct {
	PaymentID  uuid.UUID `json:"payment_id"`
	ReferralID uuid.UUID `json:"referral_id"`
	Amount     string    `json:"amount"`
	Date       string    `json:"payment_date"`
	RecordedBy string    `json:"recorded_by"`
}

type statusEvent struct {
	ReferralID uuid.UUID `json:"referral_id"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	Actor      string    `json:"actor"`
	At         time.Time `json:"at"`
}

// publishJSON sends an event and only logs failures; the ledger write has
// already committed.
func (s *Service) publishJSON(ctx context.Context, subj string, payload any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, subj, payload); err != nil {
		s.log.Warn().Err(err).Str("subject", subj).Msg("publish ledger event")
	}
}

func (s *Service) publishStatus(ctx context.Context, ref Referral, from Status, actor string) {
	if from == ref.Status {
		return
	}
	s.publishJSON(ctx, SubjectStatusChanged, statusEvent{
		ReferralID: ref.ID,
		From:       from,
		To:         ref.Status,
		Actor:      actor,
		At:         ref.UpdatedAt,
	})
}
