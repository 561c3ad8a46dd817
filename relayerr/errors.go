// Package relayerr defines the error taxonomy shared by the relay, its transports and clients.
package relayerr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeAuthenticationFailure Code = "AUTHENTICATION_FAILURE"
	CodeReplayDetected        Code = "REPLAY_DETECTED"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeForbidden             Code = "FORBIDDEN"
	CodeNotFound              Code = "NOT_FOUND"
	CodeInternal              Code = "INTERNAL"
)

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, format string, args ...interface{}) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func AuthenticationFailure(format string, args ...interface{}) error {
	return New(CodeAuthenticationFailure, format, args...)
}

func ReplayDetected(format string, args ...interface{}) error {
	return New(CodeReplayDetected, format, args...)
}

func InvalidArgument(format string, args ...interface{}) error {
	return New(CodeInvalidArgument, format, args...)
}

func Forbidden(format string, args ...interface{}) error {
	return New(CodeForbidden, format, args...)
}

func NotFound(format string, args ...interface{}) error {
	return New(CodeNotFound, format, args...)
}

func Internal(cause error) error {
	return Wrap(CodeInternal, "internal error", cause)
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Public strips the cause and, for internal failures, the message so nothing leaks to callers.
func Public(err error) *Error {
	var e *Error
	if errors.As(err, &e) && e.Code != CodeInternal {
		return &Error{Code: e.Code, Message: e.Message}
	}
	return &Error{Code: CodeInternal, Message: "internal error"}
}
