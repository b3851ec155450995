package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/uuid"

	"refledger/services/ledger"
)

func TestReportViolations(t *testing.T) {
	var out bytes.Buffer
	if err := reportViolations(&out, nil); err != nil {
		t.Fatalf("reportViolations(nil) error = %v", err)
	}
	if strings.TrimSpace(out.String()) != "ok" {
		t.Fatalf("output = %q", out.String())
	}

	out.Reset()
	id := uuid.New()
	err := reportViolations(&out, []ledger.Violation{{ReferralID: id, Field: "total_referrals", Stored: "2", Derived: "3"}})
	if err == nil {
		t.Fatalf("reportViolations() expected error")
	}
	if !strings.Contains(out.String(), id.String()) || !strings.Contains(out.String(), "derived=3") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestFlagValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "recompute without target", args: []string{"recompute"}, want: "exactly one"},
		{name: "recompute with both", args: []string{"recompute", "--all", "--referral", uuid.NewString()}, want: "exactly one"},
		{name: "archive verify without source", args: []string{"archive", "verify"}, want: "exactly one"},
		{name: "token bad role", args: []string{"token", "--subject", "ops", "--role", "root"}, want: "unknown role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRootCommand()
			cmd.SetArgs(tt.args)
			cmd.SetOut(&bytes.Buffer{})
			err := cmd.Execute()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Execute(%v) error = %v, want %q", tt.args, err, tt.want)
			}
		})
	}
}
