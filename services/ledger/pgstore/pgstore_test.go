package pgstore_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"refledger/pkg/db"
	"refledger/services/ledger"
	"refledger/services/ledger/pgstore"
)

// newService connects to LEDGER_TEST_DB_DSN and migrates it. Tests use fresh
// user ids so runs against the same database do not interfere.
func newService(t *testing.T) *ledger.Service {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_DB_DSN")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DB_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	orm, err := db.OpenORM(pool)
	if err != nil {
		t.Fatalf("open orm: %v", err)
	}
	store, err := pgstore.New(pool, orm)
	if err != nil {
		t.Fatalf("pgstore.New() error = %v", err)
	}
	svc, err := ledger.NewService(store, ledger.Options{BaseURL: "https://app.example.com", Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

func TestLedgerAgainstPostgres(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	owner := "user-" + uuid.NewString()
	referee := "user-" + uuid.NewString()

	link, err := svc.GenerateLink(ctx, owner, "Alice")
	if err != nil {
		t.Fatalf("GenerateLink() error = %v", err)
	}
	again, err := svc.GenerateLink(ctx, owner, "Alice")
	if err != nil || again.Code != link.Code {
		t.Fatalf("GenerateLink() again = %+v, %v; want code %s", again, err, link.Code)
	}

	signup, err := svc.RecordSignup(ctx, link.Code, referee)
	if err != nil {
		t.Fatalf("RecordSignup() error = %v", err)
	}
	if _, err := svc.RecordSignup(ctx, link.Code, referee); !errors.Is(err, ledger.ErrDuplicateSignup) {
		t.Fatalf("RecordSignup() again error = %v, want ErrDuplicateSignup", err)
	}

	if _, err := svc.RecordDeposit(ctx, signup.ID, decimal.RequireFromString("1000.00"), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("RecordDeposit() error = %v", err)
	}
	if _, err := svc.RecordDeposit(ctx, signup.ID, decimal.RequireFromString("5"), time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)); !errors.Is(err, ledger.ErrAlreadySet) {
		t.Fatalf("RecordDeposit() again error = %v, want ErrAlreadySet", err)
	}

	for _, amount := range []string{"50.00", "25.00"} {
		if _, err := svc.RecordPayment(ctx, "ops@example.com", link.ReferralID, decimal.RequireFromString(amount), time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), "5% of 1000"); err != nil {
			t.Fatalf("RecordPayment(%s) error = %v", amount, err)
		}
	}

	sum, err := svc.GetSummary(ctx, owner)
	if err != nil {
		t.Fatalf("GetSummary() error = %v", err)
	}
	ref := sum.Referral
	if ref.Status != ledger.StatusEarning || ref.TotalReferrals != 1 || !ref.TotalEarnings.Equal(decimal.RequireFromString("75")) {
		t.Fatalf("referral = %+v", ref)
	}
	if !ref.InitialDeposit.Valid || !ref.InitialDeposit.Decimal.Equal(decimal.RequireFromString("1000")) {
		t.Fatalf("initial_deposit = %+v", ref.InitialDeposit)
	}
	if len(sum.Signups) != 1 || len(sum.Payments) != 2 {
		t.Fatalf("summary rows = %d signups, %d payments", len(sum.Signups), len(sum.Payments))
	}

	entries, err := svc.ListAudit(ctx, ledger.AuditFilter{ReferralID: link.ReferralID})
	if err != nil {
		t.Fatalf("ListAudit() error = %v", err)
	}
	if len(entries) != 5 || entries[0].Action != ledger.ActionPaymentRecorded {
		t.Fatalf("audit = %d entries, latest %q", len(entries), entries[0].Action)
	}

	if _, err := svc.Recompute(ctx, "ops@example.com", link.ReferralID); err != nil {
		t.Fatalf("Recompute() error = %v", err)
	}
	violations, err := svc.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	for _, v := range violations {
		if v.ReferralID == link.ReferralID {
			t.Fatalf("violation on fresh referral: %+v", v)
		}
	}
}

func TestConcurrentSignupForSameUser(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	owner := "user-" + uuid.NewString()
	referee := "user-" + uuid.NewString()

	link, err := svc.GenerateLink(ctx, owner, "Alice")
	if err != nil {
		t.Fatalf("GenerateLink() error = %v", err)
	}

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.RecordSignup(ctx, link.Code, referee)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrDuplicateSignup):
		default:
			t.Fatalf("RecordSignup() error = %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("successful signups = %d, want 1", ok)
	}

	sum, err := svc.GetSummary(ctx, owner)
	if err != nil {
		t.Fatalf("GetSummary() error = %v", err)
	}
	if sum.Referral.TotalReferrals != 1 {
		t.Fatalf("total_referrals = %d, want 1", sum.Referral.TotalReferrals)
	}
}
