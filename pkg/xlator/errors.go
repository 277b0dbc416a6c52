package xlator

import (
	"errors"
	"fmt"
)

// Error represents a domain error carried in a Reply.
//
// Translators never panic across frames: every failure travels up the tree as
// a Reply whose Err is (or wraps) an *Error. Callers classify with CodeOf and
// IsCode instead of comparing messages.
type Error struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Path is the filesystem path related to the error (if applicable)
	Path string
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Path != "" {
		return msg + ": " + e.Path
	}
	return msg
}

// Is matches any *Error with the same code, so
// errors.Is(err, &Error{Code: ErrNotConnected}) works across wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// ErrorCode represents the category of an operation error.
type ErrorCode int

const (
	// ErrUnknown is returned by CodeOf for errors that are not *Error
	ErrUnknown ErrorCode = iota

	// ErrNotFound indicates the file, directory or record does not exist
	ErrNotFound

	// ErrExists indicates the entry already exists
	ErrExists

	// ErrNotConnected indicates the child could not be reached or the call
	// bailed out
	ErrNotConnected

	// ErrSplitBrain indicates replicas diverged with no authoritative copy;
	// manual intervention is required
	ErrSplitBrain

	// ErrIO indicates an I/O error
	ErrIO

	// ErrNoSpace indicates the backend is full
	ErrNoSpace

	// ErrInvalidArgument indicates invalid parameters
	ErrInvalidArgument

	// ErrNotEmpty indicates a directory is not empty
	ErrNotEmpty

	// ErrIsDirectory indicates a file operation was attempted on a directory
	ErrIsDirectory

	// ErrNotDirectory indicates a directory operation was attempted on a file
	ErrNotDirectory

	// ErrNoData indicates the requested extended attribute is absent
	ErrNoData

	// ErrAgain indicates a non-blocking lock conflicted
	ErrAgain

	// ErrNotSupported indicates the translator does not implement the operation
	ErrNotSupported

	// ErrBadHandle indicates the fd is unknown to this translator
	ErrBadHandle

	// ErrStale indicates the inode disappeared underneath an fd
	ErrStale

	// ErrPermissionDenied indicates the caller lacks permission
	ErrPermissionDenied
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNotFound:
		return "no such file or directory"
	case ErrExists:
		return "file exists"
	case ErrNotConnected:
		return "transport endpoint is not connected"
	case ErrSplitBrain:
		return "split-brain detected"
	case ErrIO:
		return "input/output error"
	case ErrNoSpace:
		return "no space left on device"
	case ErrInvalidArgument:
		return "invalid argument"
	case ErrNotEmpty:
		return "directory not empty"
	case ErrIsDirectory:
		return "is a directory"
	case ErrNotDirectory:
		return "not a directory"
	case ErrNoData:
		return "no data available"
	case ErrAgain:
		return "resource temporarily unavailable"
	case ErrNotSupported:
		return "operation not supported"
	case ErrBadHandle:
		return "bad file descriptor"
	case ErrStale:
		return "stale file handle"
	case ErrPermissionDenied:
		return "permission denied"
	default:
		return "unknown error"
	}
}

// NewError creates an *Error with a formatted message.
func NewError(code ErrorCode, path string, format string, args ...any) *Error {
	return &Error{Code: code, Path: path, Message: fmt.Sprintf(format, args...)}
}

// Errorf creates an *Error whose message is the code description.
func Errorf(code ErrorCode, path string) *Error {
	return &Error{Code: code, Path: path}
}

// CodeOf extracts the ErrorCode of err. Nil yields ErrUnknown as well; callers
// check err != nil first.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrUnknown
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsNotConnected reports whether err is a connectivity failure.
func IsNotConnected(err error) bool {
	return IsCode(err, ErrNotConnected)
}
