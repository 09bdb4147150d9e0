package resilience

import (
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"
)

// ErrCircuitOpen is returned when a breaker refuses a request. Callers treat it
// as a persistent service failure and skip the operation until the breaker resets.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// TransientIOError marks a network or timeout failure that is worth retrying.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientIOError. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientIOError{Op: op, Err: err}
}

// DataValidationError reports a malformed market-data message. It is logged and
// dropped and never counts against a circuit breaker.
type DataValidationError struct {
	Reason string
	Err    error
}

func (e *DataValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid market data: %s: %v", e.Reason, e.Err)
	}
	return "invalid market data: " + e.Reason
}

func (e *DataValidationError) Unwrap() error { return e.Err }

// Invalid builds a DataValidationError.
func Invalid(reason string, err error) error {
	return &DataValidationError{Reason: reason, Err: err}
}

// IsDataValidation reports whether err is, or wraps, a DataValidationError.
func IsDataValidation(err error) bool {
	var dv *DataValidationError
	return errors.As(err, &dv)
}

// Permanent wraps err so that Policy.Do stops retrying immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
