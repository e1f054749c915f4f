package models

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a class of caller-correctable input error.
type ErrorCode string

const (
	CodeConflictingInput         ErrorCode = "ConflictingInput"
	CodeMissingCoordinate        ErrorCode = "MissingCoordinate"
	CodeIncompleteCoordinatePair ErrorCode = "IncompleteCoordinatePair"
	CodeLatitudeOutOfRange       ErrorCode = "LatitudeOutOfRange"
	CodeLongitudeOutOfRange      ErrorCode = "LongitudeOutOfRange"
	CodeInvalidGeometry          ErrorCode = "InvalidGeometry"
	CodeUnsupportedSRID          ErrorCode = "UnsupportedSRID"
	CodeNameTooLong              ErrorCode = "NameTooLong"
	CodeEmptyText                ErrorCode = "EmptyText"
	CodeTextTooLong              ErrorCode = "TextTooLong"
	CodeInvalidQueryParameters   ErrorCode = "InvalidQueryParameters"
	CodeInvalidRadius            ErrorCode = "InvalidRadius"
	CodeInvalidPayload           ErrorCode = "InvalidPayload"
)

// ValidationError is returned for input that fails validation. No state is
// mutated when it is returned.
type ValidationError struct {
	Code    ErrorCode
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
}

// Is matches any ValidationError carrying the same code, so the sentinels
// below work with errors.Is regardless of field or message.
func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Invalid builds a ValidationError.
func Invalid(code ErrorCode, field, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrConflictingInput         = &ValidationError{Code: CodeConflictingInput}
	ErrMissingCoordinate        = &ValidationError{Code: CodeMissingCoordinate}
	ErrIncompleteCoordinatePair = &ValidationError{Code: CodeIncompleteCoordinatePair}
	ErrLatitudeOutOfRange       = &ValidationError{Code: CodeLatitudeOutOfRange}
	ErrLongitudeOutOfRange      = &ValidationError{Code: CodeLongitudeOutOfRange}
	ErrInvalidGeometry          = &ValidationError{Code: CodeInvalidGeometry}
	ErrUnsupportedSRID          = &ValidationError{Code: CodeUnsupportedSRID}
	ErrNameTooLong              = &ValidationError{Code: CodeNameTooLong}
	ErrEmptyText                = &ValidationError{Code: CodeEmptyText}
	ErrTextTooLong              = &ValidationError{Code: CodeTextTooLong}
	ErrInvalidQueryParameters   = &ValidationError{Code: CodeInvalidQueryParameters}
	ErrInvalidRadius            = &ValidationError{Code: CodeInvalidRadius}
	ErrInvalidPayload           = &ValidationError{Code: CodeInvalidPayload}
)

var (
	// ErrNotFound is returned when a referenced point or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the acting user does not own the write target.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthenticated is returned when no valid identity accompanies a request.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrIndexInconsistent marks a write whose spatial index update failed.
	// The index is rebuilt before it is queried again.
	ErrIndexInconsistent = errors.New("spatial index inconsistent with store")
)
