// Package pgstore implements ledger.Store on PostgreSQL. Units of work run in
// READ COMMITTED transactions that serialize writers per referral with
// SELECT ... FOR UPDATE; reads run in REPEATABLE READ read-only snapshots.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"refledger/pkg/db"
	"refledger/services/ledger"
)

const (
	referralsUserIndex = "idx_referrals_user_id"
	referralsCodeIndex = "idx_referrals_code"
	signupsUserIndex   = "idx_referral_signups_referred_user"

	referralColumns = `id, user_id, referral_code, status, is_active, total_referrals, total_earnings,
year_to_date_earnings, ytd_year, initial_deposit, deposit_date, created_at, updated_at`
	signupColumns  = `id, referral_id, referred_user_id, signup_date, deposit_amount, deposit_date`
	paymentColumns = `id, referral_id, amount, payment_date, notes, recorded_by, created_at`
)

// Store is the PostgreSQL backed ledger store.
type Store struct {
	pool *pgxpool.Pool
	orm  *gorm.DB
}

// New returns a Store using pool for units of work and orm for listings.
func New(pool *pgxpool.Pool, orm *gorm.DB) (*Store, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Store{pool: pool, orm: orm}, nil
}

var _ ledger.Store = (*Store)(nil)

// Update runs fn in a READ COMMITTED transaction.
func (s *Store) Update(ctx context.Context, fn func(ledger.Tx) error) error {
	err := db.InTx(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
	return classify(err)
}

// View runs fn in a REPEATABLE READ read-only transaction so every read sees
// the same snapshot.
func (s *Store) View(ctx context.Context, fn func(ledger.ReadTx) error) error {
	err := db.InTx(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
	return classify(err)
}

// ListReferrals pages referrals through gorm.
func (s *Store) ListReferrals(ctx context.Context, filter ledger.ReferralFilter) ([]ledger.Referral, error) {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	q := s.orm.WithContext(ctx).Model(&referralModel{})
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.IsActive != nil {
		q = q.Where("is_active = ?", *filter.IsActive)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []referralModel
	if err := q.Order("created_at ASC, id ASC").Offset(filter.Offset).Find(&rows).Error; err != nil {
		return nil, classify(err)
	}
	out := make([]ledger.Referral, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toLedger())
	}
	return out, nil
}

// Ping checks the pool.
func (s *Store) Ping(ctx context.Context) error {
	return classify(db.Ping(ctx, s.pool))
}

// classify maps driver failures onto ledger errors. Errors that already wrap
// a ledger sentinel pass through unchanged.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case db.IsNoRows(err):
		return fmt.Errorf("%w: %v", ledger.ErrNotFound, err)
	case db.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: %v", ledger.ErrNotFound, err)
	case db.IsTransient(err):
		return fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err)
	}
	if name, ok := db.UniqueViolation(err); ok {
		switch name {
		case referralsUserIndex:
			return ledger.ErrAlreadyExists
		case referralsCodeIndex:
			return ledger.ErrCodeTaken
		case signupsUserIndex:
			return ledger.ErrDuplicateSignup
		}
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

var _ ledger.Tx = (*pgTx)(nil)

func (t *pgTx) getReferral(ctx context.Context, query string, args ...any) (ledger.Referral, error) {
	var row referralModel
	if err := db.Get(ctx, t.tx, &row, query, args...); err != nil {
		return ledger.Referral{}, classify(err)
	}
	return row.toLedger(), nil
}

func (t *pgTx) ReferralByID(ctx context.Context, id uuid.UUID) (ledger.Referral, error) {
	return t.getReferral(ctx, `SELECT `+referralColumns+` FROM referrals WHERE id = $1`, id)
}

func (t *pgTx) ReferralByUser(ctx context.Context, userID string) (ledger.Referral, error) {
	return t.getReferral(ctx, `SELECT `+referralColumns+` FROM referrals WHERE user_id = $1`, userID)
}

func (t *pgTx) ReferralByCode(ctx context.Context, code string) (ledger.Referral, error) {
	return t.getReferral(ctx, `SELECT `+referralColumns+` FROM referrals WHERE referral_code = $1`, code)
}

func (t *pgTx) LockReferral(ctx context.Context, id uuid.UUID) (ledger.Referral, error) {
	return t.getReferral(ctx, `SELECT `+referralColumns+` FROM referrals WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	if err := db.Get(ctx, t.tx, &exists, `SELECT EXISTS (SELECT 1 FROM referrals WHERE referral_code = $1)`, code); err != nil {
		return false, classify(err)
	}
	return exists, nil
}

func (t *pgTx) ReferralIDs(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := db.Select(ctx, t.tx, &ids, `
SELECT id FROM referrals
WHERE id > $1
ORDER BY id
LIMIT $2
`, after, limit); err != nil {
		return nil, classify(err)
	}
	return ids, nil
}

func (t *pgTx) Signup(ctx context.Context, id uuid.UUID) (ledger.Signup, error) {
	var row signupModel
	if err := db.Get(ctx, t.tx, &row, `SELECT `+signupColumns+` FROM referral_signups WHERE id = $1`, id); err != nil {
		return ledger.Signup{}, classify(err)
	}
	return row.toLedger(), nil
}

func (t *pgTx) SignupByReferredUser(ctx context.Context, referredUserID string) (ledger.Signup, error) {
	var row signupModel
	if err := db.Get(ctx, t.tx, &row, `SELECT `+signupColumns+` FROM referral_signups WHERE referred_user_id = $1`, referredUserID); err != nil {
		return ledger.Signup{}, classify(err)
	}
	return row.toLedger(), nil
}

func (t *pgTx) Signups(ctx context.Context, referralID uuid.UUID, limit int) ([]ledger.Signup, error) {
	var rows []signupModel
	if err := db.Select(ctx, t.tx, &rows, `
SELECT `+signupColumns+`
FROM referral_signups
WHERE referral_id = $1
ORDER BY signup_date, id
LIMIT $2
`, referralID, nullableLimit(limit)); err != nil {
		return nil, classify(err)
	}
	out := make([]ledger.Signup, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toLedger())
	}
	return out, nil
}

func (t *pgTx) Payments(ctx context.Context, referralID uuid.UUID, limit int) ([]ledger.Payment, error) {
	var rows []paymentModel
	if err := db.Select(ctx, t.tx, &rows, `
SELECT `+paymentColumns+`
FROM referral_payments
WHERE referral_id = $1
ORDER BY payment_date, created_at, id
LIMIT $2
`, referralID, nullableLimit(limit)); err != nil {
		return nil, classify(err)
	}
	out := make([]ledger.Payment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toLedger())
	}
	return out, nil
}

func (t *pgTx) Aggregate(ctx context.Context, referralID uuid.UUID, year int) (ledger.Aggregates, error) {
	start, end := ledger.YearBounds(year)
	var row aggregateRow
	err := db.Get(ctx, t.tx, &row, `
SELECT
	(SELECT COUNT(*) FROM referral_signups WHERE referral_id = $1) AS signups,
	(SELECT COALESCE(SUM(amount), 0) FROM referral_payments WHERE referral_id = $1) AS earnings,
	(SELECT COALESCE(SUM(amount), 0) FROM referral_payments
		WHERE referral_id = $1 AND payment_date >= $2 AND payment_date < $3) AS ytd
`, referralID, start, end)
	if err != nil {
		return ledger.Aggregates{}, classify(err)
	}
	return ledger.Aggregates{
		TotalReferrals:     row.Signups,
		TotalEarnings:      row.Earnings,
		YearToDateEarnings: row.YTD,
		Year:               year,
	}, nil
}

func (t *pgTx) AuditEntries(ctx context.Context, filter ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	var obj *string
	if filter.ReferralID != uuid.Nil {
		s := filter.ReferralID.String()
		obj = &s
	}
	var actor *string
	if filter.Actor != "" {
		actor = &filter.Actor
	}
	var rows []auditModel
	if err := db.Select(ctx, t.tx, &rows, `
SELECT id, actor, action, COALESCE(obj, '') AS obj, details, at
FROM audit
WHERE ($1::text IS NULL OR obj = $1)
  AND ($2::text IS NULL OR actor = $2)
ORDER BY id DESC
LIMIT $3 OFFSET $4
`, obj, actor, nullableLimit(filter.Limit), filter.Offset); err != nil {
		return nil, classify(err)
	}
	out := make([]ledger.AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toLedger())
	}
	return out, nil
}

func (t *pgTx) InsertReferral(ctx context.Context, r ledger.Referral) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO referrals (`+referralColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`, r.ID, r.UserID, r.Code, string(r.Status), r.IsActive, r.TotalReferrals, r.TotalEarnings,
		r.YearToDateEarnings, r.YTDYear, r.InitialDeposit, r.DepositDate, r.CreatedAt, r.UpdatedAt)
	return classify(err)
}

func (t *pgTx) UpdateReferral(ctx context.Context, r ledger.Referral) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE referrals SET
	status = $2,
	is_active = $3,
	total_referrals = $4,
	total_earnings = $5,
	year_to_date_earnings = $6,
	ytd_year = $7,
	initial_deposit = $8,
	deposit_date = $9,
	updated_at = $10
WHERE id = $1
`, r.ID, string(r.Status), r.IsActive, r.TotalReferrals, r.TotalEarnings, r.YearToDateEarnings,
		r.YTDYear, r.InitialDeposit, r.DepositDate, r.UpdatedAt)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertSignup(ctx context.Context, s ledger.Signup) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO referral_signups (id, referral_id, referred_user_id, signup_date)
VALUES ($1, $2, $3, $4)
`, s.ID, s.ReferralID, s.ReferredUserID, s.SignupDate)
	return classify(err)
}

func (t *pgTx) SetSignupDeposit(ctx context.Context, signupID uuid.UUID, amount decimal.Decimal, date time.Time) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE referral_signups
SET deposit_amount = $2, deposit_date = $3
WHERE id = $1 AND deposit_amount IS NULL
`, signupID, amount, date)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := t.Signup(ctx, signupID); err != nil {
			return err
		}
		return ledger.ErrAlreadySet
	}
	return nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p ledger.Payment) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO referral_payments (`+paymentColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, p.ID, p.ReferralID, p.Amount, p.PaymentDate, p.Notes, p.RecordedBy, p.CreatedAt)
	return classify(err)
}

func (t *pgTx) InsertAudit(ctx context.Context, e ledger.AuditEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
INSERT INTO audit (actor, action, obj, details, at)
VALUES ($1, $2, $3, $4::jsonb, $5)
`, e.Actor, e.Action, e.Obj, string(details), e.At)
	return classify(err)
}

// nullableLimit turns a non-positive limit into SQL NULL, which LIMIT treats as unbounded.
func nullableLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
