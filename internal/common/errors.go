package common

import "errors"

// AppError carries a machine-readable code and the HTTP status it maps to.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithDetails returns a copy of e carrying details for the error envelope.
func (e *AppError) WithDetails(details any) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// AsAppError returns the first AppError in err's chain.
func AsAppError(err error) (*AppError, bool) {
	var target *AppError
	if errors.As(err, &target) && target != nil {
		return target, true
	}
	return nil, false
}
