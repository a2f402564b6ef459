package otp

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is thrown when no live challenge exists for the
	// (e-mail, purpose) pair. The caller has to restart the flow.
	ErrNotFound = errors.New("no active verification code. Please request a new one")

	// ErrExpired is thrown when the code window has passed.
	ErrExpired = errors.New("the verification code has expired. Please request a new one")

	// ErrConflict is thrown on a signup send for an already activated
	// account.
	ErrConflict = errors.New("an account with this e-mail already exists")

	// ErrNotifier is thrown when delivery fails and the deployment does
	// not tolerate it.
	ErrNotifier = errors.New("error sending the verification code")
)

// CooldownError is thrown when a send is requested before the cooldown
// window from the previous one has elapsed.
type CooldownError struct {
	RetryIn time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("please wait %d seconds before requesting another code", ceilSeconds(e.RetryIn))
}

// LockedError is thrown when verification attempts are suspended.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("too many attempts. Please retry after %d minutes", ceilMinutes(time.Until(e.Until)))
}

// InvalidCodeError is thrown on a code mismatch that has not yet
// exhausted the attempt budget.
type InvalidCodeError struct {
	AttemptsLeft int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("incorrect code. %d attempts remaining", e.AttemptsLeft)
}

func ceilSeconds(d time.Duration) int64 {
	return int64((d + time.Second - 1) / time.Second)
}

func ceilMinutes(d time.Duration) int64 {
	return int64((d + time.Minute - 1) / time.Minute)
}
