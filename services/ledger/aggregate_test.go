package ledger

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestDeriveAggregates(t *testing.T) {
	day := func(s string) time.Time {
		d, err := ParseDate(s)
		if err != nil {
			t.Fatalf("ParseDate(%s) error = %v", s, err)
		}
		return d
	}
	pay := func(amount, date string) Payment {
		return Payment{Amount: decimal.RequireFromString(amount), PaymentDate: day(date)}
	}

	signups := []Signup{{ID: uuid.New()}, {ID: uuid.New()}}
	payments := []Payment{
		pay("100.00", "2023-12-31"),
		pay("50.00", "2024-01-01"),
		pay("25.25", "2024-12-31"),
		pay("-5.25", "2024-06-30"),
		pay("7.00", "2025-01-01"),
	}

	agg := DeriveAggregates(signups, payments, 2024)
	if agg.TotalReferrals != 2 {
		t.Fatalf("TotalReferrals = %d, want 2", agg.TotalReferrals)
	}
	if !agg.TotalEarnings.Equal(decimal.RequireFromString("177")) {
		t.Fatalf("TotalEarnings = %s, want 177", agg.TotalEarnings)
	}
	if !agg.YearToDateEarnings.Equal(decimal.RequireFromString("70")) {
		t.Fatalf("YearToDateEarnings = %s, want 70", agg.YearToDateEarnings)
	}

	empty := DeriveAggregates(nil, nil, 2024)
	if empty.TotalReferrals != 0 || !empty.TotalEarnings.IsZero() || !empty.YearToDateEarnings.IsZero() {
		t.Fatalf("empty aggregates = %+v", empty)
	}
}

func TestYearBounds(t *testing.T) {
	start, end := YearBounds(2024)
	if !start.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) || !end.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("YearBounds(2024) = [%s, %s)", start, end)
	}
}

func TestCompare(t *testing.T) {
	ref := Referral{
		ID:                 uuid.New(),
		TotalReferrals:     3,
		TotalEarnings:      decimal.RequireFromString("10.00"),
		YearToDateEarnings: decimal.RequireFromString("4"),
		YTDYear:            2024,
	}
	match := Aggregates{
		TotalReferrals:     3,
		TotalEarnings:      decimal.RequireFromString("10"),
		YearToDateEarnings: decimal.RequireFromString("4.00"),
		Year:               2024,
	}

	tests := []struct {
		name   string
		agg    func(Aggregates) Aggregates
		fields []string
	}{
		{name: "match", agg: func(a Aggregates) Aggregates { return a }},
		{name: "referrals", agg: func(a Aggregates) Aggregates { a.TotalReferrals = 4; return a }, fields: []string{"total_referrals"}},
		{name: "earnings", agg: func(a Aggregates) Aggregates {
			a.TotalEarnings = decimal.RequireFromString("11")
			a.YearToDateEarnings = decimal.RequireFromString("5")
			return a
		}, fields: []string{"total_earnings", "year_to_date_earnings"}},
		{name: "stale year", agg: func(a Aggregates) Aggregates {
			a.Year = 2025
			a.YearToDateEarnings = decimal.Zero
			return a
		}, fields: []string{"ytd_year"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compare(ref, tt.agg(match))
			if len(got) != len(tt.fields) {
				t.Fatalf("Compare() = %+v, want fields %v", got, tt.fields)
			}
			for i, v := range got {
				if v.Field != tt.fields[i] || v.ReferralID != ref.ID {
					t.Fatalf("violation %d = %+v, want field %s", i, v, tt.fields[i])
				}
			}
		})
	}
}

func TestComputeDiff(t *testing.T) {
	before := Referral{ID: uuid.New(), Status: StatusPending, IsActive: true, YTDYear: 2024}
	after := before
	after.Status = StatusDeposited
	after.InitialDeposit = decimal.NewNullDecimal(decimal.RequireFromString("12.5"))

	diff := computeDiff(referralState(before), referralState(after))
	if len(diff) != 2 {
		t.Fatalf("diff = %#v, want status and initial_deposit", diff)
	}
	if diff["status"]["old"] != "pending" || diff["status"]["new"] != "deposited" {
		t.Fatalf("status diff = %#v", diff["status"])
	}
	if diff["initial_deposit"]["old"] != nil || diff["initial_deposit"]["new"] != "12.50" {
		t.Fatalf("initial_deposit diff = %#v", diff["initial_deposit"])
	}

	created := computeDiff(referralState(Referral{}), referralState(after))
	if created["status"]["old"] != nil || created["status"]["new"] != "deposited" {
		t.Fatalf("creation diff = %#v", created["status"])
	}
}
