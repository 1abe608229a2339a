// Package status provides the immutable Status value used to describe the
// outcome of an RPC, along with conversions to and from Go errors.
package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/ferrylight/grpcmux/codes"
)

// Status describes the result of an operation using a canonical code, an
// optional human-readable message, and an optional underlying cause. The
// zero value is equal to OK.
type Status struct {
	code    codes.Code
	message string
	cause   error
}

// OK is the status returned by successful operations.
var OK = Status{code: codes.OK}

// New returns a Status with the given code and message.
func New(c codes.Code, msg string) Status {
	return Status{code: c, message: msg}
}

// Newf returns a Status with the given code and a formatted message.
func Newf(c codes.Code, format string, args ...interface{}) Status {
	return New(c, fmt.Sprintf(format, args...))
}

// WithCause returns a copy of s carrying the given cause. If s has no
// message, the cause's message is used.
func (s Status) WithCause(err error) Status {
	msg := s.message
	if msg == "" && err != nil {
		msg = err.Error()
	}
	return Status{code: s.code, message: msg, cause: err}
}

// Code returns the status code.
func (s Status) Code() codes.Code { return s.code }

// Message returns the status message, which may be empty.
func (s Status) Message() string { return s.message }

// Cause returns the error that produced this status, if any.
func (s Status) Cause() error { return s.cause }

// IsOK reports whether the status code is OK.
func (s Status) IsOK() bool { return s.code == codes.OK }

// OverrideWith returns s if either status is OK, and other otherwise. It is
// used when a later failure should supersede an earlier one, but never a
// success.
func (s Status) OverrideWith(other Status) Status {
	if s.code == codes.OK || other.code == codes.OK {
		return s
	}
	return other
}

func (s Status) String() string {
	switch {
	case s.message == "" && s.cause == nil:
		return s.code.String()
	case s.cause == nil:
		return fmt.Sprintf("%v: %s", s.code, s.message)
	default:
		return fmt.Sprintf("%v: %s (cause: %v)", s.code, s.message, s.cause)
	}
}

// Err returns an error carrying s, or nil if s is OK.
func (s Status) Err() error {
	if s.IsOK() {
		return nil
	}
	return &Error{status: s}
}

// Error is the error carrier for a non-OK Status. FromError recovers the
// Status from anywhere in a wrapped chain.
type Error struct {
	status Status
}

func (e *Error) Error() string { return e.status.String() }

// Status returns the carried status.
func (e *Error) Status() Status { return e.status }

// Unwrap exposes the status cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.status.cause }

// FromError walks err's chain looking for a Status carrier. If none is
// found, it returns a Status with code Internal whose cause is err. A nil
// err maps to OK.
func FromError(err error) Status {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.status
	}
	return Status{code: codes.Internal, message: err.Error(), cause: err}
}

// FromContextError translates context cancellation and deadline errors to
// their canonical statuses. Other errors go through FromError.
func FromContextError(err error) Status {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, context.DeadlineExceeded):
		return New(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return New(codes.Canceled, err.Error())
	default:
		return FromError(err)
	}
}
