package ext2

import "errors"

// FilesystemError represents a domain error from filesystem operations.
//
// These are business logic errors (name not found, directory not empty,
// volume full) as opposed to infrastructure errors (device I/O failure),
// which are wrapped with ErrIoFailure and carry the underlying cause.
//
// The generic dispatch layer translates Code to whatever error surface it
// exposes (errno values, protocol status codes, etc.).
type FilesystemError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Path is the filesystem path related to the error (if applicable)
	Path string

	// Err is the underlying infrastructure error, if any
	Err error
}

// Error implements the error interface.
func (e *FilesystemError) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg = msg + ": " + e.Path
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying infrastructure error for errors.Is/As.
func (e *FilesystemError) Unwrap() error {
	return e.Err
}

// ErrorCode represents the category of a filesystem error.
type ErrorCode int

const (
	// ErrNotFound indicates a path or directory-entry lookup miss
	ErrNotFound ErrorCode = iota

	// ErrNotDirectory indicates a path component or operand that should
	// have been a directory but is not
	ErrNotDirectory

	// ErrIsDirectory indicates an operation that expects a regular file
	// was handed a directory
	ErrIsDirectory

	// ErrAlreadyExists indicates a create with exclusivity requested hit
	// an existing name
	ErrAlreadyExists

	// ErrNotEmpty indicates a directory removal with live children
	ErrNotEmpty

	// ErrPermissionDenied indicates an ownership/mode/traversal check failed
	ErrPermissionDenied

	// ErrNoSpace indicates a bitmap scan exhausted every block group
	ErrNoSpace

	// ErrInvalidVolume indicates a bad magic number or impossible geometry
	// at mount time
	ErrInvalidVolume

	// ErrIoFailure indicates the underlying block device read/write failed
	ErrIoFailure

	// ErrInvalidArgument indicates invalid parameters (empty name, inode
	// index 0, out-of-range block index)
	ErrInvalidArgument

	// ErrReadOnly indicates a mutation on a read-only mounted volume
	ErrReadOnly
)

// String returns the symbolic name of the error code.
func (c ErrorCode) String() string {
	switch c {
	case ErrNotFound:
		return "NotFound"
	case ErrNotDirectory:
		return "NotADirectory"
	case ErrIsDirectory:
		return "IsADirectory"
	case ErrAlreadyExists:
		return "AlreadyExists"
	case ErrNotEmpty:
		return "NotEmpty"
	case ErrPermissionDenied:
		return "PermissionDenied"
	case ErrNoSpace:
		return "NoSpace"
	case ErrInvalidVolume:
		return "InvalidVolume"
	case ErrIoFailure:
		return "IoFailure"
	case ErrInvalidArgument:
		return "InvalidArgument"
	case ErrReadOnly:
		return "ReadOnly"
	default:
		return "Unknown"
	}
}

// CodeOf extracts the ErrorCode from err, or ErrIoFailure if err is not a
// FilesystemError (infrastructure failures are I/O failures by definition).
func CodeOf(err error) ErrorCode {
	var fsErr *FilesystemError
	if errors.As(err, &fsErr) {
		return fsErr.Code
	}
	return ErrIoFailure
}

// ioError wraps a block-device failure into the domain taxonomy, keeping
// the cause available for errors.Is/As.
func ioError(message string, err error) *FilesystemError {
	return &FilesystemError{Code: ErrIoFailure, Message: message, Err: err}
}
