package pgstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"refledger/services/ledger"
)

type referralModel struct {
	ID                 uuid.UUID           `db:"id" gorm:"type:uuid;primaryKey"`
	UserID             string              `db:"user_id"`
	ReferralCode       string              `db:"referral_code"`
	Status             string              `db:"status"`
	IsActive           bool                `db:"is_active"`
	TotalReferrals     int64               `db:"total_referrals"`
	TotalEarnings      decimal.Decimal     `db:"total_earnings"`
	YearToDateEarnings decimal.Decimal     `db:"year_to_date_earnings"`
	YTDYear            int                 `db:"ytd_year" gorm:"column:ytd_year"`
	InitialDeposit     decimal.NullDecimal `db:"initial_deposit"`
	DepositDate        *time.Time          `db:"deposit_date"`
	CreatedAt          time.Time           `db:"created_at"`
	UpdatedAt          time.Time           `db:"updated_at"`
}

func (referralModel) TableName() string { return "referrals" }

func (m referralModel) toLedger() ledger.Referral {
	return ledger.Referral{
		ID:                 m.ID,
		UserID:             m.UserID,
		Code:               m.ReferralCode,
		Status:             ledger.Status(m.Status),
		IsActive:           m.IsActive,
		TotalReferrals:     m.TotalReferrals,
		TotalEarnings:      m.TotalEarnings,
		YearToDateEarnings: m.YearToDateEarnings,
		YTDYear:            m.YTDYear,
		InitialDeposit:     m.InitialDeposit,
		DepositDate:        utcDate(m.DepositDate),
		CreatedAt:          m.CreatedAt.UTC(),
		UpdatedAt:          m.UpdatedAt.UTC(),
	}
}

type signupModel struct {
	ID             uuid.UUID           `db:"id"`
	ReferralID     uuid.UUID           `db:"referral_id"`
	ReferredUserID string              `db:"referred_user_id"`
	SignupDate     time.Time           `db:"signup_date"`
	DepositAmount  decimal.NullDecimal `db:"deposit_amount"`
	DepositDate    *time.Time          `db:"deposit_date"`
}

func (m signupModel) toLedger() ledger.Signup {
	return ledger.Signup{
		ID:             m.ID,
		ReferralID:     m.ReferralID,
		ReferredUserID: m.ReferredUserID,
		SignupDate:     m.SignupDate.UTC(),
		DepositAmount:  m.DepositAmount,
		DepositDate:    utcDate(m.DepositDate),
	}
}

type paymentModel struct {
	ID          uuid.UUID       `db:"id"`
	ReferralID  uuid.UUID       `db:"referral_id"`
	Amount      decimal.Decimal `db:"amount"`
	PaymentDate time.Time       `db:"payment_date"`
	Notes       string          `db:"notes"`
	RecordedBy  string          `db:"recorded_by"`
	CreatedAt   time.Time       `db:"created_at"`
}

func (m paymentModel) toLedger() ledger.Payment {
	return ledger.Payment{
		ID:          m.ID,
		ReferralID:  m.ReferralID,
		Amount:      m.Amount,
		PaymentDate: ledger.DateOf(m.PaymentDate),
		Notes:       m.Notes,
		RecordedBy:  m.RecordedBy,
		CreatedAt:   m.CreatedAt.UTC(),
	}
}

type auditModel struct {
	ID      int64             `db:"id"`
	Actor   string            `db:"actor"`
	Action  string            `db:"action"`
	Obj     string            `db:"obj"`
	Details datatypes.JSONMap `db:"details"`
	At      time.Time         `db:"at"`
}

func (m auditModel) toLedger() ledger.AuditEntry {
	return ledger.AuditEntry{
		ID:      m.ID,
		Actor:   m.Actor,
		Action:  m.Action,
		Obj:     m.Obj,
		Details: map[string]any(m.Details),
		At:      m.At.UTC(),
	}
}

type aggregateRow struct {
	Signups  int64           `db:"signups"`
	Earnings decimal.Decimal `db:"earnings"`
	YTD      decimal.Decimal `db:"ytd"`
}

func utcDate(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := ledger.DateOf(*t)
	return &d
}
