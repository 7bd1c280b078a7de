package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code
type ErrorCode int

// AppError represents an application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError carrying the same code, so sentinel values
// below work with errors.Is regardless of message or cause.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Common error codes
const (
	ErrNotFound ErrorCode = iota + 1000
	ErrBadRequest
	ErrRemoteUnavailable
	ErrRemoteQuery
	ErrRemoteWriteRejected
	ErrPreconditionNotMet
	ErrSubscriptionLost
	ErrCallSuppressed
)

// Sentinels for errors.Is checks.
var (
	RemoteUnavailable   = &AppError{Code: ErrRemoteUnavailable, Message: "remote unavailable"}
	RemoteQueryError    = &AppError{Code: ErrRemoteQuery, Message: "remote query failed"}
	RemoteWriteRejected = &AppError{Code: ErrRemoteWriteRejected, Message: "remote write rejected"}
	PreconditionNotMet  = &AppError{Code: ErrPreconditionNotMet, Message: "precondition not met"}
	SubscriptionLost    = &AppError{Code: ErrSubscriptionLost, Message: "subscription lost"}
	CallSuppressed      = &AppError{Code: ErrCallSuppressed, Message: "call suppressed"}
)

// Error constructors
func NewNotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func NewBadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    ErrBadRequest,
		Message: message,
		Err:     err,
	}
}

func NewRemoteUnavailable(op string, err error) *AppError {
	return &AppError{
		Code:    ErrRemoteUnavailable,
		Message: fmt.Sprintf("%s: remote unavailable", op),
		Err:     err,
	}
}

func NewRemoteQuery(table string, err error) *AppError {
	return &AppError{
		Code:    ErrRemoteQuery,
		Message: fmt.Sprintf("query %s failed", table),
		Err:     err,
	}
}

func NewRemoteWriteRejected(table string, err error) *AppError {
	return &AppError{
		Code:    ErrRemoteWriteRejected,
		Message: fmt.Sprintf("update %s rejected", table),
		Err:     err,
	}
}

func NewPreconditionNotMet(op string) *AppError {
	return &AppError{
		Code:    ErrPreconditionNotMet,
		Message: fmt.Sprintf("%s: precondition not met", op),
	}
}

func NewSubscriptionLost(table string, err error) *AppError {
	return &AppError{
		Code:    ErrSubscriptionLost,
		Message: fmt.Sprintf("subscription to %s lost", table),
		Err:     err,
	}
}

func NewCallSuppressed(patientID int64) *AppError {
	return &AppError{
		Code:    ErrCallSuppressed,
		Message: fmt.Sprintf("call for patient %d suppressed by cooldown", patientID),
	}
}

// Code extracts the ErrorCode of the first AppError in err's chain.
func Code(err error) (ErrorCode, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code, true
	}
	return 0, false
}
