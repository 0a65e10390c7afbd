package ledger

import (
	"errors"
	"strings"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrConcurrentUpdate     = errors.New("concurrent account update")
	ErrLockUnavailable      = errors.New("account lock unavailable")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidDate          = errors.New("invalid date")
	ErrInvalidResetMethod   = errors.New("invalid reset method")
	ErrInvalidResetConfig   = errors.New("invalid reset config")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// OperationError tags a backend failure with a dotted code such as
// "store.account.swap". The cause stays reachable through errors.Is.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

func (operationError OperationError) Error() string {
	return operationError.Key() + ": " + operationError.err.Error()
}

func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Key returns the dotted operation.subject.code identifier.
func (operationError OperationError) Key() string {
	return strings.Join([]string{operationError.operation, operationError.subject, operationError.code}, ".")
}

// WrapError tags err with operation, subject and code. A nil err stays nil.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{operation: operation, subject: subject, code: code, err: err}
}

// ErrorCode returns the key of the outermost OperationError in err's chain,
// or an empty string when there is none.
func ErrorCode(err error) string {
	var operationError OperationError
	if errors.As(err, &operationError) {
		return operationError.Key()
	}
	return ""
}
