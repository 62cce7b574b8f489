// Package status defines fusilli's error taxonomy: every error produced
// by the library carries a Code that callers can branch on, plus a stack
// trace captured at the point of creation (via github.com/pkg/errors).
//
// Usage:
//
//	if err := graph.Validate(); err != nil {
//		if status.CodeOf(err) == status.ShapeMismatch { ... }
//	}
package status

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code classifies an error.
type Code int

const (
	OK Code = iota
	InvalidTensor
	ShapeMismatch
	DtypeMismatch
	UnsetProperty
	CycleDetected
	DanglingInput
	CompilationFailed
	LinkingFailed
	LibraryNotLoaded
	SymbolNotFound
	IoError
	LockError
	UnsupportedBackend
	DeviceError
	Unimplemented
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case InvalidTensor:
		return "InvalidTensor"
	case ShapeMismatch:
		return "ShapeMismatch"
	case DtypeMismatch:
		return "DtypeMismatch"
	case UnsetProperty:
		return "UnsetProperty"
	case CycleDetected:
		return "CycleDetected"
	case DanglingInput:
		return "DanglingInput"
	case CompilationFailed:
		return "CompilationFailed"
	case LinkingFailed:
		return "LinkingFailed"
	case LibraryNotLoaded:
		return "LibraryNotLoaded"
	case SymbolNotFound:
		return "SymbolNotFound"
	case IoError:
		return "IoError"
	case LockError:
		return "LockError"
	case UnsupportedBackend:
		return "UnsupportedBackend"
	case DeviceError:
		return "DeviceError"
	case Unimplemented:
		return "Unimplemented"
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is an error tagged with a Code. The underlying error carries the
// stack trace.
type Error struct {
	code Code
	err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap exposes the underlying error (and its stack trace) to
// errors.Is/As and to "%+v" formatting.
func (e *Error) Unwrap() error { return e.err }

// Code returns the classification of this error.
func (e *Error) Code() Code { return e.code }

// Format implements fmt.Formatter so that "%+v" prints the stack trace
// captured by pkg/errors.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "%s: %+v", e.code, e.err)
			return
		}
		fallthrough
	default:
		fmt.Fprintf(s, "%s", e.Error())
	}
}

// Errorf creates a new coded error with a formatted message and a stack
// trace at the caller.
func Errorf(code Code, format string, args ...any) error {
	return &Error{code: code, err: errors.Errorf(format, args...)}
}

// Wrap annotates err with a code and message. A nil err yields nil. If
// err is already coded, the outermost code wins (re-classification on the
// way up is intentional, e.g. a generic I/O failure becoming a
// CompilationFailed).
func Wrap(code Code, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, err: errors.Wrap(err, msg)}
}

// Wrapf is Wrap with a format string.
func Wrapf(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, err: errors.Wrapf(err, format, args...)}
}

// CodeOf extracts the Code of err, unwrapping as needed. A nil error is
// OK. Errors that never went through this package (stray os/io failures)
// classify as IoError.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.code
	}
	return IoError
}
