package ledger

import "fmt"

// Status is the lifecycle stage of a referral.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDeposited Status = "deposited"
	StatusEarning   Status = "earning"
	StatusCompleted Status = "completed"
)

// Event is a ledger fact that may move a referral along its lifecycle.
type Event string

const (
	EventDepositRecorded Event = "deposit_recorded"
	EventPaymentRecorded Event = "payment_recorded"
	EventCompleted       Event = "completed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusDeposited:
		return 1
	case StatusEarning:
		return 2
	case StatusCompleted:
		return 3
	default:
		return -1
	}
}

// Transition returns the status a referral in from moves to when ev happens.
// Automatic transitions never move a referral backwards; events that do not
// apply leave the status unchanged. Completion is only reachable from earning.
func Transition(from Status, ev Event) (Status, error) {
	if !from.Valid() {
		return from, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}

	switch ev {
	case EventDepositRecorded:
		if from == StatusPending {
			return StatusDeposited, nil
		}
		return from, nil
	case EventPaymentRecorded:
		if from == StatusPending || from == StatusDeposited {
			return StatusEarning, nil
		}
		return from, nil
	case EventCompleted:
		if from == StatusEarning {
			return StatusCompleted, nil
		}
		return from, fmt.Errorf("%w: cannot complete a referral in %s", ErrInvalidTransition, from)
	default:
		return from, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev)
	}
}

// ParseStatus validates a status received from outside the ledger.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", invalidArgument("unknown status %q", s)
	}
	return st, nil
}
