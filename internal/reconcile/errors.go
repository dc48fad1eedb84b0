package reconcile

import "errors"

var (
	// ErrCycleInProgress is returned when a cycle is requested while
	// another is still running; cycles never overlap.
	ErrCycleInProgress = errors.New("reconcile: cycle already in progress")

	// ErrOrderNotSubmitted is returned by the manual path for orders
	// that never reached a venue; there is no remote state to compare.
	ErrOrderNotSubmitted = errors.New("reconcile: order has no exchange order id")

	// ErrAdapterUnavailable is returned when no venue adapter can be
	// constructed for an account.
	ErrAdapterUnavailable = errors.New("reconcile: exchange adapter unavailable")
)
