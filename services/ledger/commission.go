package ledger

import "github.com/shopspring/decimal"

// DefaultCommissionRate is the share of a referred user's first deposit owed to the referrer.
var DefaultCommissionRate = decimal.New(5, -2)

// CommissionPolicy computes advisory commission amounts. Its results are never
// written to the ledger; payments are recorded explicitly by an operator.
type CommissionPolicy struct {
	Rate   decimal.Decimal
	Places int32
}

// DefaultCommissionPolicy returns the 5% policy rounded to cents.
func DefaultCommissionPolicy() CommissionPolicy {
	return CommissionPolicy{Rate: DefaultCommissionRate, Places: 2}
}

var half = decimal.New(5, -1)

// Commission returns deposit times the rate rounded half up, toward positive
// infinity on ties, to the policy's decimal places.
func (p CommissionPolicy) Commission(deposit decimal.Decimal) decimal.Decimal {
	return deposit.Mul(p.Rate).Shift(p.Places).Add(half).Floor().Shift(-p.Places)
}

// Commission applies the default policy.
func Commission(deposit decimal.Decimal) decimal.Decimal {
	return DefaultCommissionPolicy().Commission(deposit)
}
