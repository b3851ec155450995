package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DateLayout is the wire format for calendar dates such as deposit and payment dates.
const DateLayout = "2006-01-02"

// Referral is one user's referral program record. The aggregate fields are
// derived from the referral's signups and payments and are never set directly.
type Referral struct {
	ID                 uuid.UUID           `json:"id"`
	UserID             string              `json:"user_id"`
	Code               string              `json:"referral_code"`
	Status             Status              `json:"status"`
	IsActive           bool                `json:"is_active"`
	TotalReferrals     int64               `json:"total_referrals"`
	TotalEarnings      decimal.Decimal     `json:"total_earnings"`
	YearToDateEarnings decimal.Decimal     `json:"year_to_date_earnings"`
	YTDYear            int                 `json:"ytd_year"`
	InitialDeposit     decimal.NullDecimal `json:"initial_deposit"`
	DepositDate        *time.Time          `json:"deposit_date,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// Link renders the shareable signup URL for the referral's code.
func (r Referral) Link(baseURL string) string {
	return SignupURL(baseURL, r.Code)
}

// Signup attributes one referred user to a referral.
type Signup struct {
	ID             uuid.UUID           `json:"id"`
	ReferralID     uuid.UUID           `json:"referral_id"`
	ReferredUserID string              `json:"referred_user_id"`
	SignupDate     time.Time           `json:"signup_date"`
	DepositAmount  decimal.NullDecimal `json:"deposit_amount"`
	DepositDate    *time.Time          `json:"deposit_date,omitempty"`
}

// HasDeposit reports whether the signup's deposit has been recorded.
func (s Signup) HasDeposit() bool {
	return s.DepositAmount.Valid
}

// Payment is an immutable record of commission paid to a referrer.
type Payment struct {
	ID          uuid.UUID       `json:"id"`
	ReferralID  uuid.UUID       `json:"referral_id"`
	Amount      decimal.Decimal `json:"amount"`
	PaymentDate time.Time       `json:"payment_date"`
	Notes       string          `json:"notes,omitempty"`
	RecordedBy  string          `json:"recorded_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AuditEntry records who changed what on a referral.
type AuditEntry struct {
	ID      int64          `json:"id"`
	Actor   string         `json:"actor"`
	Action  string         `json:"action"`
	Obj     string         `json:"obj"`
	Details map[string]any `json:"details"`
	At      time.Time      `json:"at"`
}

// Aggregates are the values derived from a referral's signups and payments.
type Aggregates struct {
	TotalReferrals     int64
	TotalEarnings      decimal.Decimal
	YearToDateEarnings decimal.Decimal
	Year               int
}

// Link is the result of GenerateLink.
type Link struct {
	ReferralID uuid.UUID `json:"referral_id"`
	Code       string    `json:"referral_code"`
	URL        string    `json:"url"`
}

// Summary is a consistent read of one referral with its history.
type Summary struct {
	Referral  Referral  `json:"referral"`
	Link      string    `json:"link"`
	Signups   []Signup  `json:"signups"`
	Payments  []Payment `json:"payments"`
	Truncated bool      `json:"truncated,omitempty"`
}

// Violation describes a stored aggregate that disagrees with its source rows.
type Violation struct {
	ReferralID uuid.UUID `json:"referral_id"`
	Field      string    `json:"field"`
	Stored     string    `json:"stored"`
	Derived    string    `json:"derived"`
}

// ReferralFilter narrows ListReferrals.
type ReferralFilter struct {
	Status   Status
	IsActive *bool
	Limit    int
	Offset   int
}

// AuditFilter narrows ListAudit. Zero fields match every entry.
type AuditFilter struct {
	ReferralID uuid.UUID
	Actor      string
	Limit      int
	Offset     int
}

// Snapshot is a point-in-time copy of every ledger table.
type Snapshot struct {
	TakenAt   time.Time
	Referrals []Referral
	Signups   []Signup
	Payments  []Payment
	Audit     []AuditEntry
}

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate accepts a calendar date or an RFC 3339 timestamp and returns the UTC date.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return DateOf(t), nil
}
