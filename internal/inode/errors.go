package inode

import (
	"errors"
	"fmt"
)

// Kind classifies a failure returned by a node operation. Callers branch
// on Kind, never on message text.
type Kind int

const (
	KindNone Kind = iota

	// NotFound: the referenced child does not exist.
	NotFound
	// AlreadyExists: the target name is already present.
	AlreadyExists
	// IsADirectory: a file operation targeted a directory.
	IsADirectory
	// NotADirectory: a directory operation targeted a non-directory.
	NotADirectory
	// NotEmpty: rmdir or a directory-replacing rename hit a non-empty directory.
	NotEmpty
	// CrossDevice: rename destination is not a compatible node.
	CrossDevice
	// Inconsistent: in-memory, allocator and overlay state disagree.
	// Never retried.
	Inconsistent
	// Unimplemented: the operation is not supported yet.
	Unimplemented
	// IO wraps a physical failure from the overlay or object store.
	IO
	// InvalidArgument: e.g. moving a directory into its own subtree.
	InvalidArgument
)

var kindNames = map[Kind]string{
	KindNone:        "none",
	NotFound:        "not found",
	AlreadyExists:   "already exists",
	IsADirectory:    "is a directory",
	NotADirectory:   "not a directory",
	NotEmpty:        "directory not empty",
	CrossDevice:     "cross-device link",
	Inconsistent:    "inconsistent state",
	Unimplemented:   "not implemented",
	IO:              "i/o error",
	InvalidArgument: "invalid argument",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type kindError Kind

func (k kindError) Error() string { return Kind(k).String() }

// Sentinels for errors.Is.
var (
	ErrNotFound        error = kindError(NotFound)
	ErrAlreadyExists   error = kindError(AlreadyExists)
	ErrIsADirectory    error = kindError(IsADirectory)
	ErrNotADirectory   error = kindError(NotADirectory)
	ErrNotEmpty        error = kindError(NotEmpty)
	ErrCrossDevice     error = kindError(CrossDevice)
	ErrInconsistent    error = kindError(Inconsistent)
	ErrUnimplemented   error = kindError(Unimplemented)
	ErrIO              error = kindError(IO)
	ErrInvalidArgument error = kindError(InvalidArgument)
)

// Error is the error type returned by every node operation.
type Error struct {
	Kind Kind

	// Op is the operation that failed ("mkdir", "rename", ...).
	Op string

	// Path is the logical path involved, when known.
	Path string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += fmt.Sprintf(" %q", e.Path)
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels, so errors.Is(err, ErrNotFound) works on
// any *Error of kind NotFound.
func (e *Error) Is(target error) bool {
	k, ok := target.(kindError)
	return ok && Kind(k) == e.Kind
}

// KindOf returns the Kind carried by err. Errors not produced by this
// package are reported as IO.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k kindError
	if errors.As(err, &k) {
		return Kind(k)
	}
	return IO
}

func newError(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// ioError wraps a physical failure. Errors that already carry a Kind pass
// through unchanged.
func ioError(op, path string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: IO, Op: op, Path: path, Err: err}
}

func inconsistent(op, path string, err error) error {
	return &Error{Kind: Inconsistent, Op: op, Path: path, Err: err}
}
