package domain

import "errors"

// Network / API errors. Transient; the caller may retry the same request.
var (
	ErrNetwork      = errors.New("network error")
	ErrRateLimited  = errors.New("rate limited")
	ErrWSDisconnect = errors.New("websocket disconnected")
)

// Business errors. Not retryable for the current candidate, but a different
// candidate may succeed.
var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInsufficientCapital = errors.New("insufficient unreserved capital")
	ErrWalletDisabled      = errors.New("wallet disabled")
	ErrBadFill             = errors.New("bad fill")
	ErrOrderRejected       = errors.New("order rejected")
	ErrBelowMinimum        = errors.New("amount below venue minimum")
	ErrNoDepositAddress    = errors.New("no deposit address")
	ErrDepositTimeout      = errors.New("deposit not observed before timeout")
)

// Persistence errors.
var (
	ErrPersistence   = errors.New("persistence failure")
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrTerminalCycle = errors.New("cycle is terminal")
	ErrLockHeld      = errors.New("lock already held")
)

// ErrValidation marks malformed numeric input or an inconsistent record.
var ErrValidation = errors.New("validation failed")

// ErrorKind groups errors by how the engine reacts to them.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindBusiness    ErrorKind = "business"
	KindPersistence ErrorKind = "persistence"
	KindValidation  ErrorKind = "validation"
)

var businessErrors = []error{
	ErrInsufficientFunds, ErrInsufficientCapital, ErrWalletDisabled,
	ErrBadFill, ErrOrderRejected, ErrBelowMinimum, ErrNoDepositAddress,
	ErrDepositTimeout,
}

var persistenceErrors = []error{
	ErrPersistence, ErrNotFound, ErrAlreadyExists, ErrTerminalCycle, ErrLockHeld,
}

// KindOf classifies err. Unclassified errors are treated as network errors,
// since venue adapters surface transport failures unwrapped.
func KindOf(err error) ErrorKind {
	if errors.Is(err, ErrValidation) {
		return KindValidation
	}
	for _, target := range businessErrors {
		if errors.Is(err, target) {
			return KindBusiness
		}
	}
	for _, target := range persistenceErrors {
		if errors.Is(err, target) {
			return KindPersistence
		}
	}
	return KindNetwork
}

// IsRetryable reports whether the same request may be retried.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindNetwork
}
