package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store runs ledger units of work against durable storage.
//
// Update must run fn atomically: either every write fn makes is committed or
// none is. View must give fn a consistent snapshot across all of its reads.
// Transient storage failures surface as ErrStorageUnavailable.
type Store interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(ReadTx) error) error

	ListReferrals(ctx context.Context, filter ReferralFilter) ([]Referral, error)
	Ping(ctx context.Context) error
}

// ReadTx exposes the reads available inside a unit of work. Lookups that
// match nothing return ErrNotFound.
type ReadTx interface {
	ReferralByID(ctx context.Context, id uuid.UUID) (Referral, error)
	ReferralByUser(ctx context.Context, userID string) (Referral, error)
	ReferralByCode(ctx context.Context, code string) (Referral, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	ReferralIDs(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error)

	Signup(ctx context.Context, id uuid.UUID) (Signup, error)
	SignupByReferredUser(ctx context.Context, referredUserID string) (Signup, error)
	Signups(ctx context.Context, referralID uuid.UUID, limit int) ([]Signup, error)
	Payments(ctx context.Context, referralID uuid.UUID, limit int) ([]Payment, error)

	// Aggregate derives the referral's aggregates from its source rows, with
	// year-to-date earnings summed over calendar year.
	Aggregate(ctx context.Context, referralID uuid.UUID, year int) (Aggregates, error)

	AuditEntries(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// Tx is a read-write unit of work.
type Tx interface {
	ReadTx

	// LockReferral reads the referral and holds an exclusive lock on it until
	// the unit of work ends. Every write touching a referral's children takes
	// this lock first.
	LockReferral(ctx context.Context, id uuid.UUID) (Referral, error)

	// InsertReferral fails with ErrAlreadyExists when the user already has a
	// referral and ErrCodeTaken when the code is in use.
	InsertReferral(ctx context.Context, r Referral) error
	UpdateReferral(ctx context.Context, r Referral) error

	// InsertSignup fails with ErrDuplicateSignup when the referred user is
	// already attributed and ErrNotFound when the referral does not exist.
	InsertSignup(ctx context.Context, s Signup) error

	// SetSignupDeposit records the deposit only if none is recorded yet and
	// fails with ErrAlreadySet otherwise.
	SetSignupDeposit(ctx context.Context, signupID uuid.UUID, amount decimal.Decimal, date time.Time) error

	InsertPayment(ctx context.Context, p Payment) error
	InsertAudit(ctx context.Context, e AuditEntry) error
}
