package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"refledger/services/ledger"
)

func seed(t *testing.T, s *Store) ledger.Referral {
	t.Helper()
	ref := ledger.Referral{ID: uuid.New(), UserID: "u1", Code: "ALICE0001", Status: ledger.StatusPending, IsActive: true}
	err := s.Update(context.Background(), func(tx ledger.Tx) error {
		return tx.InsertReferral(context.Background(), ref)
	})
	if err != nil {
		t.Fatalf("seed referral: %v", err)
	}
	return ref
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s := New()
	ref := seed(t, s)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.Update(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertSignup(ctx, ledger.Signup{ID: uuid.New(), ReferralID: ref.ID, ReferredUserID: "u2"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want boom", err)
	}

	err = s.View(ctx, func(tx ledger.ReadTx) error {
		_, err := tx.SignupByReferredUser(ctx, "u2")
		return err
	})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("signup after rollback error = %v, want ErrNotFound", err)
	}
}

func TestViewIsASnapshot(t *testing.T) {
	s := New()
	ref := seed(t, s)
	ctx := context.Background()

	err := s.View(ctx, func(tx ledger.ReadTx) error {
		if err := s.Update(ctx, func(w ledger.Tx) error {
			return w.InsertPayment(ctx, ledger.Payment{ID: uuid.New(), ReferralID: ref.ID, Amount: decimal.NewFromInt(5)})
		}); err != nil {
			return err
		}
		payments, err := tx.Payments(ctx, ref.ID, 0)
		if err != nil {
			return err
		}
		if len(payments) != 0 {
			t.Fatalf("snapshot saw %d payments written after it started", len(payments))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
}

func TestUniqueness(t *testing.T) {
	s := New()
	ref := seed(t, s)
	ctx := context.Background()

	tests := []struct {
		name    string
		fn      func(tx ledger.Tx) error
		wantErr error
	}{
		{
			name: "same user",
			fn: func(tx ledger.Tx) error {
				return tx.InsertReferral(ctx, ledger.Referral{ID: uuid.New(), UserID: "u1", Code: "OTHER0001"})
			},
			wantErr: ledger.ErrAlreadyExists,
		},
		{
			name: "same code",
			fn: func(tx ledger.Tx) error {
				return tx.InsertReferral(ctx, ledger.Referral{ID: uuid.New(), UserID: "u9", Code: ref.Code})
			},
			wantErr: ledger.ErrCodeTaken,
		},
		{
			name: "signup for missing referral",
			fn: func(tx ledger.Tx) error {
				return tx.InsertSignup(ctx, ledger.Signup{ID: uuid.New(), ReferralID: uuid.New(), ReferredUserID: "u3"})
			},
			wantErr: ledger.ErrNotFound,
		},
		{
			name: "second signup for referee",
			fn: func(tx ledger.Tx) error {
				if err := tx.InsertSignup(ctx, ledger.Signup{ID: uuid.New(), ReferralID: ref.ID, ReferredUserID: "u2"}); err != nil {
					return err
				}
				return tx.InsertSignup(ctx, ledger.Signup{ID: uuid.New(), ReferralID: ref.ID, ReferredUserID: "u2"})
			},
			wantErr: ledger.ErrDuplicateSignup,
		},
		{
			name: "deposit written twice",
			fn: func(tx ledger.Tx) error {
				id := uuid.New()
				if err := tx.InsertSignup(ctx, ledger.Signup{ID: id, ReferralID: ref.ID, ReferredUserID: "u4"}); err != nil {
					return err
				}
				day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
				if err := tx.SetSignupDeposit(ctx, id, decimal.NewFromInt(10), day); err != nil {
					return err
				}
				return tx.SetSignupDeposit(ctx, id, decimal.NewFromInt(20), day)
			},
			wantErr: ledger.ErrAlreadySet,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Update(ctx, tt.fn); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Update() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestListReferralsFiltersAndPages(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	err := s.Update(ctx, func(tx ledger.Tx) error {
		for i, st := range []ledger.Status{ledger.StatusPending, ledger.StatusEarning, ledger.StatusPending, ledger.StatusCompleted} {
			r := ledger.Referral{
				ID:        uuid.New(),
				UserID:    uuid.NewString(),
				Code:      uuid.NewString(),
				Status:    st,
				IsActive:  i != 2,
				CreatedAt: base.Add(time.Duration(i) * time.Hour),
			}
			if err := tx.InsertReferral(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	active := true
	tests := []struct {
		name   string
		filter ledger.ReferralFilter
		want   int
	}{
		{name: "all", filter: ledger.ReferralFilter{}, want: 4},
		{name: "pending", filter: ledger.ReferralFilter{Status: ledger.StatusPending}, want: 2},
		{name: "pending and active", filter: ledger.ReferralFilter{Status: ledger.StatusPending, IsActive: &active}, want: 1},
		{name: "page", filter: ledger.ReferralFilter{Limit: 2, Offset: 1}, want: 2},
		{name: "past the end", filter: ledger.ReferralFilter{Offset: 10}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListReferrals(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListReferrals() error = %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("ListReferrals() = %d referrals, want %d", len(got), tt.want)
			}
		})
	}

	got, _ := s.ListReferrals(ctx, ledger.ReferralFilter{})
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.Before(got[i-1].CreatedAt) {
			t.Fatalf("referrals not ordered by creation time")
		}
	}
}
