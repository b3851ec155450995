package ledger

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Actors used for mutations that are not driven by an operator.
const (
	ActorSignupFlow  = "system:signup"
	ActorDepositFeed = "system:deposits"
	ActorScheduler   = "system:scheduler"
	ActorLinkService = "system:links"
)

const (
	ActionReferralCreated      = "referral.created"
	ActionSignupRecorded       = "signup.recorded"
	ActionDepositRecorded      = "deposit.recorded"
	ActionPaymentRecorded      = "payment.recorded"
	ActionReferralSuspended    = "referral.suspended"
	ActionReferralReactivated  = "referral.reactivated"
	ActionReferralCompleted    = "referral.completed"
	ActionStatusOverridden     = "referral.status_overridden"
	ActionAggregatesRecomputed = "referral.recomputed"
)

func newAuditEntry(actor, action string, before, after Referral, extra map[string]any, now time.Time) AuditEntry {
	details := map[string]any{
		"changes": computeDiff(referralState(before), referralState(after)),
	}
	for k, v := range extra {
		details[k] = v
	}
	return AuditEntry{
		Actor:   actor,
		Action:  action,
		Obj:     after.ID.String(),
		Details: details,
		At:      now,
	}
}

func referralState(r Referral) map[string]any {
	if r.ID == uuid.Nil {
		return map[string]any{}
	}
	state := map[string]any{
		"status":                string(r.Status),
		"is_active":             r.IsActive,
		"total_referrals":       r.TotalReferrals,
		"total_earnings":        r.TotalEarnings.StringFixed(2),
		"year_to_date_earnings": r.YearToDateEarnings.StringFixed(2),
		"ytd_year":              r.YTDYear,
	}
	if r.InitialDeposit.Valid {
		state["initial_deposit"] = r.InitialDeposit.Decimal.StringFixed(2)
	}
	if r.DepositDate != nil {
		state["deposit_date"] = r.DepositDate.Format(DateLayout)
	}
	return state
}

func computeDiff(previous, current map[string]any) map[string]map[string]any {
	if previous == nil {
		previous = map[string]any{}
	}
	if current == nil {
		current = map[string]any{}
	}

	diff := make(map[string]map[string]any)

	for key, prevVal := range previous {
		curVal, ok := current[key]
		if !ok {
			diff[key] = map[string]any{"old": prevVal, "new": nil}
			continue
		}
		if !reflect.DeepEqual(prevVal, curVal) {
			diff[key] = map[string]any{"old": prevVal, "new": curVal}
		}
	}

	for key, curVal := range current {
		if _, seen := previous[key]; seen {
			continue
		}
		diff[key] = map[string]any{"old": nil, "new": curVal}
	}

	return diff
}
