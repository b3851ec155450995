package ledger

import (
	"errors"
	"testing"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from    Status
		ev      Event
		want    Status
		wantErr error
	}{
		{StatusPending, EventDepositRecorded, StatusDeposited, nil},
		{StatusDeposited, EventDepositRecorded, StatusDeposited, nil},
		{StatusEarning, EventDepositRecorded, StatusEarning, nil},
		{StatusCompleted, EventDepositRecorded, StatusCompleted, nil},
		{StatusPending, EventPaymentRecorded, StatusEarning, nil},
		{StatusDeposited, EventPaymentRecorded, StatusEarning, nil},
		{StatusEarning, EventPaymentRecorded, StatusEarning, nil},
		{StatusCompleted, EventPaymentRecorded, StatusCompleted, nil},
		{StatusEarning, EventCompleted, StatusCompleted, nil},
		{StatusPending, EventCompleted, StatusPending, ErrInvalidTransition},
		{StatusDeposited, EventCompleted, StatusDeposited, ErrInvalidTransition},
		{StatusCompleted, EventCompleted, StatusCompleted, ErrInvalidTransition},
		{Status("archived"), EventDepositRecorded, Status("archived"), ErrInvalidTransition},
		{StatusPending, Event("refund"), StatusPending, ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			got, err := Transition(tt.from, tt.ev)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Transition() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("Transition() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTransitionNeverMovesBackwards(t *testing.T) {
	statuses := []Status{StatusPending, StatusDeposited, StatusEarning, StatusCompleted}
	events := []Event{EventDepositRecorded, EventPaymentRecorded, EventCompleted}

	for _, from := range statuses {
		for _, ev := range events {
			got, err := Transition(from, ev)
			if err != nil {
				continue
			}
			if got.rank() < from.rank() {
				t.Fatalf("Transition(%s, %s) = %s moves backwards", from, ev, got)
			}
		}
	}
}

func TestParseStatus(t *testing.T) {
	if _, err := ParseStatus("earning"); err != nil {
		t.Fatalf("ParseStatus(earning) error = %v", err)
	}
	if _, err := ParseStatus("EARNING"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("ParseStatus(EARNING) error = %v, want ErrInvalidArgument", err)
	}
}
