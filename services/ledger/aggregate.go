package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// YearBounds returns the half-open UTC interval [Jan 1 year, Jan 1 year+1).
func YearBounds(year int) (time.Time, time.Time) {
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(1, 0, 0)
}

// DeriveAggregates computes aggregates directly from source rows. Stores
// without a query engine and the archive verifier use it.
func DeriveAggregates(signups []Signup, payments []Payment, year int) Aggregates {
	start, end := YearBounds(year)
	agg := Aggregates{
		TotalReferrals:     int64(len(signups)),
		TotalEarnings:      decimal.Zero,
		YearToDateEarnings: decimal.Zero,
		Year:               year,
	}
	for _, p := range payments {
		agg.TotalEarnings = agg.TotalEarnings.Add(p.Amount)
		if !p.PaymentDate.Before(start) && p.PaymentDate.Before(end) {
			agg.YearToDateEarnings = agg.YearToDateEarnings.Add(p.Amount)
		}
	}
	return agg
}

// Apply overwrites r's aggregate fields with agg.
func (agg Aggregates) Apply(r *Referral) {
	r.TotalReferrals = agg.TotalReferrals
	r.TotalEarnings = agg.TotalEarnings
	r.YearToDateEarnings = agg.YearToDateEarnings
	r.YTDYear = agg.Year
}

// Recompute re-derives ref's aggregates inside tx and persists ref. ref must
// have been read through LockReferral in the same unit of work; any other
// pending field changes on ref are written along with the aggregates.
func Recompute(ctx context.Context, tx Tx, ref Referral, now time.Time) (Referral, error) {
	agg, err := tx.Aggregate(ctx, ref.ID, now.UTC().Year())
	if err != nil {
		return ref, fmt.Errorf("aggregate referral %s: %w", ref.ID, err)
	}
	agg.Apply(&ref)
	ref.UpdatedAt = now
	if err := tx.UpdateReferral(ctx, ref); err != nil {
		return ref, fmt.Errorf("update referral %s: %w", ref.ID, err)
	}
	return ref, nil
}

// Compare reports every aggregate of ref that disagrees with agg. The
// year-to-date figure is only compared when both refer to the same year.
func Compare(ref Referral, agg Aggregates) []Violation {
	var out []Violation
	if ref.TotalReferrals != agg.TotalReferrals {
		out = append(out, Violation{
			ReferralID: ref.ID,
			Field:      "total_referrals",
			Stored:     fmt.Sprint(ref.TotalReferrals),
			Derived:    fmt.Sprint(agg.TotalReferrals),
		})
	}
	if !ref.TotalEarnings.Equal(agg.TotalEarnings) {
		out = append(out, Violation{
			ReferralID: ref.ID,
			Field:      "total_earnings",
			Stored:     ref.TotalEarnings.String(),
			Derived:    agg.TotalEarnings.String(),
		})
	}
	switch {
	case ref.YTDYear != agg.Year:
		out = append(out, Violation{
			ReferralID: ref.ID,
			Field:      "ytd_year",
			Stored:     fmt.Sprint(ref.YTDYear),
			Derived:    fmt.Sprint(agg.Year),
		})
	case !ref.YearToDateEarnings.Equal(agg.YearToDateEarnings):
		out = append(out, Violation{
			ReferralID: ref.ID,
			Field:      "year_to_date_earnings",
			Stored:     ref.YearToDateEarnings.String(),
			Derived:    agg.YearToDateEarnings.String(),
		})
	}
	return out
}
