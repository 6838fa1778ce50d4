// File: api/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error taxonomy shared by every dpoll layer and its POSIX errno mapping.

package api

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// ErrorCode classifies a failed call.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidDescriptor
	ErrCodeInvalidState
	ErrCodeOperationAlreadyPending
	ErrCodeAlreadyRegistered
	ErrCodeNotRegistered
	ErrCodeResourceExhausted
	ErrCodeWouldBlock
	ErrCodeInterrupted
	ErrCodeRuntimePropagated
	ErrCodeInvalidArgument
	ErrCodeNotSupported
	ErrCodeNotInitialized
	ErrCodeAlreadyInitialized
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                      "ok",
	ErrCodeInvalidDescriptor:       "invalid descriptor",
	ErrCodeInvalidState:            "invalid state",
	ErrCodeOperationAlreadyPending: "operation already pending",
	ErrCodeAlreadyRegistered:       "already registered",
	ErrCodeNotRegistered:           "not registered",
	ErrCodeResourceExhausted:       "resource exhausted",
	ErrCodeWouldBlock:              "would block",
	ErrCodeInterrupted:             "interrupted",
	ErrCodeRuntimePropagated:       "runtime failure",
	ErrCodeInvalidArgument:         "invalid argument",
	ErrCodeNotSupported:            "not supported",
	ErrCodeNotInitialized:          "not initialized",
	ErrCodeAlreadyInitialized:      "already initialized",
}

// String returns the human readable code name.
func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Errno returns the default POSIX errno for the code.
func (c ErrorCode) Errno() unix.Errno {
	switch c {
	case ErrCodeOK:
		return 0
	case ErrCodeInvalidDescriptor:
		return unix.EBADF
	case ErrCodeInvalidState, ErrCodeInvalidArgument:
		return unix.EINVAL
	case ErrCodeOperationAlreadyPending, ErrCodeAlreadyInitialized:
		return unix.EALREADY
	case ErrCodeAlreadyRegistered:
		return unix.EEXIST
	case ErrCodeNotRegistered:
		return unix.ENOENT
	case ErrCodeResourceExhausted:
		return unix.EMFILE
	case ErrCodeWouldBlock:
		return unix.EAGAIN
	case ErrCodeInterrupted:
		return unix.EINTR
	case ErrCodeNotSupported:
		return unix.EOPNOTSUPP
	case ErrCodeNotInitialized:
		return unix.EPERM
	}
	return unix.EIO
}

// Error represents a structured error with code, errno and context.
type Error struct {
	Code    ErrorCode
	Message string
	Errno   unix.Errno // zero means the code default
	Err     error      // underlying cause, set for runtime failures
	Context map[string]any
}

// Sentinels for errors.Is. They are never mutated; constructors return fresh values.
var (
	ErrInvalidDescriptor       = &Error{Code: ErrCodeInvalidDescriptor, Message: "invalid descriptor"}
	ErrInvalidState            = &Error{Code: ErrCodeInvalidState, Message: "invalid state"}
	ErrOperationAlreadyPending = &Error{Code: ErrCodeOperationAlreadyPending, Message: "operation already pending"}
	ErrAlreadyRegistered       = &Error{Code: ErrCodeAlreadyRegistered, Message: "descriptor already registered"}
	ErrNotRegistered           = &Error{Code: ErrCodeNotRegistered, Message: "descriptor not registered"}
	ErrResourceExhausted       = &Error{Code: ErrCodeResourceExhausted, Message: "resource exhausted"}
	ErrWouldBlock              = &Error{Code: ErrCodeWouldBlock, Message: "operation would block"}
	ErrInProgress              = &Error{Code: ErrCodeWouldBlock, Message: "operation in progress", Errno: unix.EINPROGRESS}
	ErrInterrupted             = &Error{Code: ErrCodeInterrupted, Message: "interrupted"}
	ErrRuntime                 = &Error{Code: ErrCodeRuntimePropagated, Message: "runtime failure"}
	ErrInvalidArgument         = &Error{Code: ErrCodeInvalidArgument, Message: "invalid argument"}
	ErrNotSupported            = &Error{Code: ErrCodeNotSupported, Message: "operation not supported"}
	ErrNotInitialized          = &Error{Code: ErrCodeNotInitialized, Message: "dpoll not initialized"}
	ErrAlreadyInitialized      = &Error{Code: ErrCodeAlreadyInitialized, Message: "dpoll already initialized"}

	// ErrCanceled is reported by runtimes for operations dropped by Cancel or Close.
	ErrCanceled = errors.New("operation canceled")
	// ErrUnknownToken is reported by runtimes polled with a token they never issued.
	ErrUnknownToken = errors.New("unknown completion token")
)

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Errorf creates a structured error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Propagate wraps a runtime failure, keeping its distinguishing reason.
func Propagate(op string, cause error) *Error {
	var e *Error
	if errors.As(cause, &e) {
		return e
	}
	return &Error{
		Code:    ErrCodeRuntimePropagated,
		Message: op,
		Errno:   causeErrno(cause),
		Err:     cause,
	}
}

// WithErrno attaches a specific errno to the error.
func (e *Error) WithErrno(errno unix.Errno) *Error {
	e.Errno = errno
	return e
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the runtime cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on code; a target carrying an errno also requires the same errno.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Errno == 0 || t.Errno == e.errno()
}

func (e *Error) errno() unix.Errno {
	if e.Errno != 0 {
		return e.Errno
	}
	return e.Code.Errno()
}

// CodeOf extracts the error code, ErrCodeOK for nil and RuntimePropagated for foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeRuntimePropagated
}

// ErrnoOf maps any error to the errno a POSIX caller would observe.
func ErrnoOf(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.errno()
	}
	return causeErrno(err)
}

func causeErrno(err error) unix.Errno {
	var errno unix.Errno
	switch {
	case errors.As(err, &errno):
		return errno
	case errors.Is(err, ErrCanceled):
		return unix.ECANCELED
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe):
		return unix.EPIPE
	case errors.Is(err, os.ErrDeadlineExceeded):
		return unix.ETIMEDOUT
	case errors.Is(err, os.ErrClosed):
		return unix.EBADF
	}
	return unix.EIO
}
