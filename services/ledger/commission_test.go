package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCommission(t *testing.T) {
	tests := []struct {
		deposit string
		want    string
	}{
		{"1000.00", "50.00"},
		{"0", "0"},
		{"10.10", "0.51"},
		{"0.10", "0.01"},
		{"0.09", "0"},
		{"123456789.99", "6172839.50"},
		{"19.99", "1"},
		{"0.30", "0.02"},
		{"-0.30", "-0.01"},
		{"-10.10", "-0.5"},
	}

	for _, tt := range tests {
		t.Run(tt.deposit, func(t *testing.T) {
			got := Commission(decimal.RequireFromString(tt.deposit))
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Fatalf("Commission(%s) = %s, want %s", tt.deposit, got, tt.want)
			}
		})
	}
}

func TestCommissionPolicyRate(t *testing.T) {
	p := CommissionPolicy{Rate: decimal.RequireFromString("0.125"), Places: 2}
	got := p.Commission(decimal.RequireFromString("1.00"))
	if !got.Equal(decimal.RequireFromString("0.13")) {
		t.Fatalf("Commission() = %s, want 0.13", got)
	}
}
