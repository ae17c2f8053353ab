package loyalty

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the loyalty engine.
var (
	ErrInvalidAmount        = errors.New("invalid redemption amount")
	ErrCustomerIneligible   = errors.New("customer ineligible")
	ErrConfiguration        = errors.New("shop configuration error")
	ErrInsufficientPoints   = errors.New("insufficient points")
	ErrDuplicateEntry       = errors.New("duplicate ledger entry")
	ErrRemoteService        = errors.New("remote discount service failure")
	ErrLockHeld             = errors.New("sweep already running")
	ErrAuthFailure          = errors.New("authentication failure")
	ErrUnknownRedemption    = errors.New("unknown redemption")
	ErrRedemptionExists     = errors.New("redemption already exists")
	ErrRedemptionClosed     = errors.New("redemption closed")
	ErrUnknownOrder         = errors.New("unknown order snapshot")
	ErrSnapshotExists       = errors.New("order snapshot already exists")
	ErrReversalExceedsAward = errors.New("reversal exceeds remaining award")
	ErrInvalidShop          = errors.New("invalid shop")
	ErrInvalidCustomerID    = errors.New("invalid customer id")
	ErrInvalidEntryType     = errors.New("invalid entry type")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
