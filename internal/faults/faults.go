// Package faults defines the stable business error taxonomy of the dispatch
// core. Every mutating operation surfaces one of these codes to its caller;
// only notification and routing failures are recovered locally elsewhere.
package faults

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeNoActiveDrivers       Code = "NO_ACTIVE_DRIVERS"
	CodeNoDriversAvailable    Code = "NO_DRIVERS_AVAILABLE"
	CodeInvalidScheduleTime   Code = "INVALID_SCHEDULE_TIME"
	CodeInvalidScheduleWindow Code = "INVALID_SCHEDULE_WINDOW"
	CodeActiveRideConflict    Code = "ACTIVE_RIDE_CONFLICT"
	CodeUserBlocked           Code = "USER_BLOCKED"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeInvalidRideState      Code = "INVALID_RIDE_STATE"
	CodeValidation            Code = "VALIDATION_ERROR"
	CodeNotFound              Code = "NOT_FOUND"
)

// Error is a business failure with a stable code. It wraps no cause on
// purpose: anything with a cause worth inspecting is an infrastructure
// error and travels as a plain wrapped error instead.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the business code from err, or "" if err carries none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Is lets callers match on codes with errors.Is using a bare code error.
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return fe.Code == e.Code
	}
	return false
}

// IsCode reports whether err is a business error with the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
