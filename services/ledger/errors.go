package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyExists           = errors.New("referral already exists")
	ErrUnknownCode             = errors.New("unknown referral code")
	ErrInactiveReferral        = errors.New("referral is inactive")
	ErrDuplicateSignup         = errors.New("user already attributed to a referral")
	ErrAlreadySet              = errors.New("deposit already recorded")
	ErrCodeGenerationExhausted = errors.New("could not generate a unique referral code")
	ErrNotFound                = errors.New("not found")
	ErrStorageUnavailable      = errors.New("storage unavailable")
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrInvalidArgument         = errors.New("invalid argument")

	// ErrCodeTaken is returned by stores when an inserted referral code collides.
	ErrCodeTaken = errors.New("referral code taken")
)

// Kind names the sentinel an error wraps. It is used for metrics labels and API responses.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrUnknownCode):
		return "unknown_code"
	case errors.Is(err, ErrInactiveReferral):
		return "inactive_referral"
	case errors.Is(err, ErrDuplicateSignup):
		return "duplicate_signup"
	case errors.Is(err, ErrAlreadySet):
		return "already_set"
	case errors.Is(err, ErrCodeGenerationExhausted):
		return "code_generation_exhausted"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "internal"
	}
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
