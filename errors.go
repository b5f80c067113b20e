// Package vsm implements a Vehicle-Specific Module runtime: it mediates
// between remotely connected vehicles and a Universal Control Server.
package vsm

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind is a high-level error category, per the VSM error taxonomy.
type Kind string

const (
	KindInvalidParam   Kind = "invalid_param"
	KindInvalidOp      Kind = "invalid_op"
	KindNullPtr        Kind = "null_ptr"
	KindNotFound       Kind = "not_found"
	KindAlreadyExists  Kind = "already_exists"
	KindPermissionDeny Kind = "permission_denied"
	KindAlreadyOpened  Kind = "already_opened"
	KindInvalidState   Kind = "invalid_state"
	KindClosedStream   Kind = "closed_stream"
	KindParse          Kind = "parse"
	KindNotConvertible Kind = "not_convertible"
	KindFormat         Kind = "format"
	KindTimeout        Kind = "timeout"
)

// Error is a structured VSM error carrying the failing operation, the
// component it occurred in, the high-level Kind, and an optional wrapped
// syscall errno -- mirrors the op/code/errno shape the rest of this
// codebase uses for every subsystem (kernel, stream, transport, ucs).
type Error struct {
	Op        string // operation that failed, e.g. "Submit_request", "Cancel_timer"
	Component string // e.g. "kernel", "stream", "mavlink", "ucs"
	Kind      Kind
	Errno     syscall.Errno
	Msg       string
	Inner     error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Component != "" && e.Op != "" {
		return fmt.Sprintf("vsm: %s.%s: %s", e.Component, e.Op, msg)
	}
	if e.Op != "" {
		return fmt.Sprintf("vsm: %s: %s", e.Op, msg)
	}
	return fmt.Sprintf("vsm: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// New creates a structured error for the given component/operation.
func New(component, op string, kind Kind, msg string) *Error {
	return &Error{Component: component, Op: op, Kind: kind, Msg: msg}
}

// NewErrno creates a structured error wrapping a syscall errno.
func NewErrno(component, op string, kind Kind, errno syscall.Errno) *Error {
	return &Error{Component: component, Op: op, Kind: kind, Errno: errno, Msg: errno.Error()}
}

// Wrap attaches component/op context to an arbitrary error, mapping
// syscall.Errno to a Kind where it can.
func Wrap(component, op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ve, ok := inner.(*Error); ok {
		return &Error{Component: component, Op: op, Kind: ve.Kind, Errno: ve.Errno, Msg: ve.Msg, Inner: ve.Inner}
	}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{Component: component, Op: op, Kind: mapErrno(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Component: component, Op: op, Kind: KindInvalidState, Msg: inner.Error(), Inner: inner}
}

func mapErrno(errno syscall.Errno) Kind {
	switch errno {
	case syscall.ENOENT:
		return KindNotFound
	case syscall.EEXIST:
		return KindAlreadyExists
	case syscall.EACCES, syscall.EPERM:
		return KindPermissionDeny
	case syscall.EBUSY:
		return KindAlreadyOpened
	case syscall.EINVAL:
		return KindInvalidParam
	default:
		return KindInvalidState
	}
}

// Is reports whether err is a *Error with the given Kind.
func Is(err error, kind Kind) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind == kind
	}
	return false
}

// IOResult is the outcome reported to every asynchronous I/O callback.
// Synchronous API misuse returns an *Error; async completion always
// reports through this enum instead, per the I/O result taxonomy.
type IOResult int

const (
	ResultOK IOResult = iota
	ResultEndOfFile
	ResultClosed
	ResultCanceled
	ResultTimedOut
	ResultPermissionDenied
	ResultConnectionRefused
	ResultLockError
	ResultOtherFailure
)

func (r IOResult) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultEndOfFile:
		return "END_OF_FILE"
	case ResultClosed:
		return "CLOSED"
	case ResultCanceled:
		return "CANCELED"
	case ResultTimedOut:
		return "TIMED_OUT"
	case ResultPermissionDenied:
		return "PERMISSION_DENIED"
	case ResultConnectionRefused:
		return "CONNECTION_REFUSED"
	case ResultLockError:
		return "LOCK_ERROR"
	default:
		return "OTHER_FAILURE"
	}
}
