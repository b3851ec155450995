package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// moneyPlaces is the number of decimal places ledger amounts are kept to.
const moneyPlaces = 2

// checkMoney rejects amounts with more precision than the ledger stores.
func checkMoney(field string, amount decimal.Decimal) error {
	if !amount.Equal(amount.Round(moneyPlaces)) {
		return invalidArgument("%s %s has more than %d decimal places", field, amount, moneyPlaces)
	}
	return nil
}

// The primitives below write one ledger fact each. Those taking a Referral
// expect it to have been read through Tx.LockReferral in the same unit of
// work; callers re-derive aggregates with Recompute before committing.

// CreateReferral inserts a new pending, active referral for userID with code.
func CreateReferral(ctx context.Context, tx Tx, userID, code string, now time.Time) (Referral, error) {
	if _, err := tx.ReferralByUser(ctx, userID); err == nil {
		return Referral{}, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return Referral{}, err
	}

	ref := Referral{
		ID:                 uuid.New(),
		UserID:             userID,
		Code:               code,
		Status:             StatusPending,
		IsActive:           true,
		TotalEarnings:      decimal.Zero,
		YearToDateEarnings: decimal.Zero,
		YTDYear:            now.UTC().Year(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := tx.InsertReferral(ctx, ref); err != nil {
		return Referral{}, err
	}
	return ref, nil
}

// CreateSignup attributes referredUserID to ref.
func CreateSignup(ctx context.Context, tx Tx, ref Referral, referredUserID string, now time.Time) (Signup, error) {
	if _, err := tx.SignupByReferredUser(ctx, referredUserID); err == nil {
		return Signup{}, ErrDuplicateSignup
	} else if !errors.Is(err, ErrNotFound) {
		return Signup{}, err
	}

	s := Signup{
		ID:             uuid.New(),
		ReferralID:     ref.ID,
		ReferredUserID: referredUserID,
		SignupDate:     now,
	}
	if err := tx.InsertSignup(ctx, s); err != nil {
		return Signup{}, err
	}
	return s, nil
}

// RecordDeposit writes the one-time deposit on signup s of ref. The returned
// referral carries the initial deposit when ref had none.
func RecordDeposit(ctx context.Context, tx Tx, ref Referral, s Signup, amount decimal.Decimal, date time.Time) (Signup, Referral, error) {
	if err := checkMoney("deposit amount", amount); err != nil {
		return s, ref, err
	}
	if !amount.IsPositive() {
		return s, ref, invalidArgument("deposit amount must be positive, got %s", amount)
	}
	if s.ReferralID != ref.ID {
		return s, ref, fmt.Errorf("signup %s does not belong to referral %s", s.ID, ref.ID)
	}
	if s.HasDeposit() {
		return s, ref, ErrAlreadySet
	}

	date = DateOf(date)
	if err := tx.SetSignupDeposit(ctx, s.ID, amount, date); err != nil {
		return s, ref, err
	}
	s.DepositAmount = decimal.NewNullDecimal(amount)
	s.DepositDate = &date

	if !ref.InitialDeposit.Valid {
		ref.InitialDeposit = decimal.NewNullDecimal(amount)
		ref.DepositDate = &date
	}
	return s, ref, nil
}

// RecordPayment appends a commission payment to ref. Any signed amount is
// accepted so corrections can be booked as negative payments.
func RecordPayment(ctx context.Context, tx Tx, ref Referral, amount decimal.Decimal, date time.Time, notes, actor string, now time.Time) (Payment, error) {
	if strings.TrimSpace(actor) == "" {
		return Payment{}, invalidArgument("actor is required")
	}
	if err := checkMoney("payment amount", amount); err != nil {
		return Payment{}, err
	}

	p := Payment{
		ID:          uuid.New(),
		ReferralID:  ref.ID,
		Amount:      amount,
		PaymentDate: DateOf(date),
		Notes:       notes,
		RecordedBy:  actor,
		CreatedAt:   now,
	}
	if err := tx.InsertPayment(ctx, p); err != nil {
		return Payment{}, err
	}
	return p, nil
}
