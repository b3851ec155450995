// Package memstore is an in-memory ledger.Store. Units of work are
// serialized and run against a private copy of the state that replaces the
// shared state only when the unit of work succeeds.
package memstore

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"refledger/services/ledger"
)

// Store keeps the whole ledger in memory.
type Store struct {
	mu    sync.Mutex
	state *state
}

type state struct {
	referrals map[uuid.UUID]ledger.Referral
	byUser    map[string]uuid.UUID
	byCode    map[string]uuid.UUID
	signups   map[uuid.UUID]ledger.Signup
	byReferee map[string]uuid.UUID
	payments  []ledger.Payment
	audit     []ledger.AuditEntry
	auditSeq  int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{state: &state{
		referrals: map[uuid.UUID]ledger.Referral{},
		byUser:    map[string]uuid.UUID{},
		byCode:    map[string]uuid.UUID{},
		signups:   map[uuid.UUID]ledger.Signup{},
		byReferee: map[string]uuid.UUID{},
	}}
}

func (st *state) clone() *state {
	out := &state{
		referrals: make(map[uuid.UUID]ledger.Referral, len(st.referrals)),
		byUser:    make(map[string]uuid.UUID, len(st.byUser)),
		byCode:    make(map[string]uuid.UUID, len(st.byCode)),
		signups:   make(map[uuid.UUID]ledger.Signup, len(st.signups)),
		byReferee: make(map[string]uuid.UUID, len(st.byReferee)),
		payments:  append([]ledger.Payment(nil), st.payments...),
		audit:     append([]ledger.AuditEntry(nil), st.audit...),
		auditSeq:  st.auditSeq,
	}
	for k, v := range st.referrals {
		out.referrals[k] = v
	}
	for k, v := range st.byUser {
		out.byUser[k] = v
	}
	for k, v := range st.byCode {
		out.byCode[k] = v
	}
	for k, v := range st.signups {
		out.signups[k] = v
	}
	for k, v := range st.byReferee {
		out.byReferee[k] = v
	}
	return out
}

// Update runs fn against a copy of the state and publishes the copy if fn succeeds.
func (s *Store) Update(ctx context.Context, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&tx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// View runs fn against the state as of the call. Committed states are never
// mutated, so the snapshot stays consistent without holding the lock.
func (s *Store) View(ctx context.Context, fn func(ledger.ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	snap := s.state
	s.mu.Unlock()
	return fn(&tx{st: snap})
}

// ListReferrals filters and pages referrals ordered by creation time.
func (s *Store) ListReferrals(ctx context.Context, filter ledger.ReferralFilter) ([]ledger.Referral, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	snap := s.state
	s.mu.Unlock()

	var out []ledger.Referral
	for _, r := range snap.referrals {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.IsActive != nil && r.IsActive != *filter.IsActive {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return page(out, filter.Offset, filter.Limit), nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

type tx struct {
	st *state
}

var (
	_ ledger.Store = (*Store)(nil)
	_ ledger.Tx    = (*tx)(nil)
)

func (t *tx) ReferralByID(_ context.Context, id uuid.UUID) (ledger.Referral, error) {
	r, ok := t.st.referrals[id]
	if !ok {
		return ledger.Referral{}, ledger.ErrNotFound
	}
	return r, nil
}

func (t *tx) ReferralByUser(ctx context.Context, userID string) (ledger.Referral, error) {
	id, ok := t.st.byUser[userID]
	if !ok {
		return ledger.Referral{}, ledger.ErrNotFound
	}
	return t.ReferralByID(ctx, id)
}

func (t *tx) ReferralByCode(ctx context.Context, code string) (ledger.Referral, error) {
	id, ok := t.st.byCode[code]
	if !ok {
		return ledger.Referral{}, ledger.ErrNotFound
	}
	return t.ReferralByID(ctx, id)
}

func (t *tx) CodeExists(_ context.Context, code string) (bool, error) {
	_, ok := t.st.byCode[code]
	return ok, nil
}

func (t *tx) ReferralIDs(_ context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(t.st.referrals))
	for id := range t.st.referrals {
		if bytes.Compare(id[:], after[:]) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return page(ids, 0, limit), nil
}

func (t *tx) Signup(_ context.Context, id uuid.UUID) (ledger.Signup, error) {
	s, ok := t.st.signups[id]
	if !ok {
		return ledger.Signup{}, ledger.ErrNotFound
	}
	return s, nil
}

func (t *tx) SignupByReferredUser(ctx context.Context, referredUserID string) (ledger.Signup, error) {
	id, ok := t.st.byReferee[referredUserID]
	if !ok {
		return ledger.Signup{}, ledger.ErrNotFound
	}
	return t.Signup(ctx, id)
}

func (t *tx) Signups(_ context.Context, referralID uuid.UUID, limit int) ([]ledger.Signup, error) {
	return page(t.signupsOf(referralID), 0, limit), nil
}

func (t *tx) signupsOf(referralID uuid.UUID) []ledger.Signup {
	var out []ledger.Signup
	for _, s := range t.st.signups {
		if s.ReferralID == referralID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SignupDate.Equal(out[j].SignupDate) {
			return out[i].SignupDate.Before(out[j].SignupDate)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

func (t *tx) Payments(_ context.Context, referralID uuid.UUID, limit int) ([]ledger.Payment, error) {
	return page(t.paymentsOf(referralID), 0, limit), nil
}

// paymentsOf keeps insertion order within a payment date.
func (t *tx) paymentsOf(referralID uuid.UUID) []ledger.Payment {
	var out []ledger.Payment
	for _, p := range t.st.payments {
		if p.ReferralID == referralID {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PaymentDate.Before(out[j].PaymentDate)
	})
	return out
}

func (t *tx) Aggregate(_ context.Context, referralID uuid.UUID, year int) (ledger.Aggregates, error) {
	if _, ok := t.st.referrals[referralID]; !ok {
		return ledger.Aggregates{}, ledger.ErrNotFound
	}
	return ledger.DeriveAggregates(t.signupsOf(referralID), t.paymentsOf(referralID), year), nil
}

func (t *tx) AuditEntries(_ context.Context, filter ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	var out []ledger.AuditEntry
	obj := ""
	if filter.ReferralID != uuid.Nil {
		obj = filter.ReferralID.String()
	}
	for i := len(t.st.audit) - 1; i >= 0; i-- {
		e := t.st.audit[i]
		if obj != "" && e.Obj != obj {
			continue
		}
		if filter.Actor != "" && e.Actor != filter.Actor {
			continue
		}
		out = append(out, e)
	}
	return page(out, filter.Offset, filter.Limit), nil
}

func (t *tx) LockReferral(ctx context.Context, id uuid.UUID) (ledger.Referral, error) {
	return t.ReferralByID(ctx, id)
}

func (t *tx) InsertReferral(_ context.Context, r ledger.Referral) error {
	if _, ok := t.st.byUser[r.UserID]; ok {
		return ledger.ErrAlreadyExists
	}
	if _, ok := t.st.byCode[r.Code]; ok {
		return ledger.ErrCodeTaken
	}
	t.st.referrals[r.ID] = r
	t.st.byUser[r.UserID] = r.ID
	t.st.byCode[r.Code] = r.ID
	return nil
}

func (t *tx) UpdateReferral(_ context.Context, r ledger.Referral) error {
	current, ok := t.st.referrals[r.ID]
	if !ok {
		return ledger.ErrNotFound
	}
	// identity columns are immutable
	r.UserID = current.UserID
	r.Code = current.Code
	r.CreatedAt = current.CreatedAt
	t.st.referrals[r.ID] = r
	return nil
}

func (t *tx) InsertSignup(_ context.Context, s ledger.Signup) error {
	if _, ok := t.st.referrals[s.ReferralID]; !ok {
		return ledger.ErrNotFound
	}
	if _, ok := t.st.byReferee[s.ReferredUserID]; ok {
		return ledger.ErrDuplicateSignup
	}
	t.st.signups[s.ID] = s
	t.st.byReferee[s.ReferredUserID] = s.ID
	return nil
}

func (t *tx) SetSignupDeposit(_ context.Context, signupID uuid.UUID, amount decimal.Decimal, date time.Time) error {
	s, ok := t.st.signups[signupID]
	if !ok {
		return ledger.ErrNotFound
	}
	if s.HasDeposit() {
		return ledger.ErrAlreadySet
	}
	s.DepositAmount = decimal.NewNullDecimal(amount)
	s.DepositDate = &date
	t.st.signups[signupID] = s
	return nil
}

func (t *tx) InsertPayment(_ context.Context, p ledger.Payment) error {
	if _, ok := t.st.referrals[p.ReferralID]; !ok {
		return ledger.ErrNotFound
	}
	t.st.payments = append(t.st.payments, p)
	return nil
}

func (t *tx) InsertAudit(_ context.Context, e ledger.AuditEntry) error {
	t.st.auditSeq++
	e.ID = t.st.auditSeq
	t.st.audit = append(t.st.audit, e)
	return nil
}
