/*
errors.go - Error types for the ledger

ERROR CATEGORIES:
  1. Client errors   - bad input, already initialized
  2. Lookup errors   - unknown transaction id
  3. Recomputation   - replay failed; the triggering operation aborts

Insufficient funds is NOT an error path of the ledger: HasSufficientFunds
answers a question and the payroll engine turns a "no" into a PENDING
payment. InsufficientFundsError exists so that condition can be described
with numbers wherever it is reported.
*/
package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a transaction or balance row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyInitialized is returned by InitializeBalance when a balance
	// row already exists.
	ErrAlreadyInitialized = errors.New("balance already initialized")

	// ErrValidation wraps every input validation failure.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientFunds marks a shortfall condition.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrRecomputation is returned when replaying the log fails.
	ErrRecomputation = errors.New("balance recomputation failed")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientFundsError describes a shortfall.
type InsufficientFundsError struct {
	Required  Money
	Available Money
}

func (e *InsufficientFundsError) Shortfall() Money {
	return e.Required.Sub(e.Available)
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %s, available %s, shortfall %s",
		e.Required.StringFixed(2), e.Available.StringFixed(2), e.Shortfall().StringFixed(2))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// RecomputationError carries the step that failed during replay.
type RecomputationError struct {
	Stage string
	Err   error
}

func (e *RecomputationError) Error() string {
	return fmt.Sprintf("recompute balance (%s): %v", e.Stage, e.Err)
}

func (e *RecomputationError) Unwrap() []error { return []error{ErrRecomputation, e.Err} }

// IsNotFound reports whether err means a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError reports whether err was caused by caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrAlreadyInitialized)
}
