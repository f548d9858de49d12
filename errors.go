package xchroot

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide between aborting and
// carrying on with cleanup.
type Kind int

const (
	// KindUnknown is used for errors that were never classified.
	KindUnknown Kind = iota

	// KindDependencyMissing means a required host tool is not installed.
	// Raised before any mutation.
	KindDependencyMissing

	// KindAcquisitionFailure means a loop device, mount or resolv.conf
	// capture could not be obtained.
	KindAcquisitionFailure

	// KindValidationFailure means the image is too small, not a disk image,
	// or the mounted root does not look like a root filesystem.
	KindValidationFailure

	// KindResizeFailure means no resizable partition was found, there was
	// insufficient space, or a filesystem tool failed.
	KindResizeFailure

	// KindRestoreWarning is a resolv.conf restoration problem. Never fatal.
	KindRestoreWarning

	// KindTeardownWarning is a failed unmount or detach during cleanup.
	// Never fatal.
	KindTeardownWarning
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindDependencyMissing:  "dependency_missing",
	KindAcquisitionFailure: "acquisition_failure",
	KindValidationFailure:  "validation_failure",
	KindResizeFailure:      "resize_failure",
	KindRestoreWarning:     "restore_warning",
	KindTeardownWarning:    "teardown_warning",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Fatal reports whether errors of this kind abort the current operation.
// Warnings are logged and cleanup continues.
func (k Kind) Fatal() bool {
	return k != KindRestoreWarning && k != KindTeardownWarning
}

// Error is a classified failure of a named operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap classifies err as kind for operation op. A nil err yields nil. An
// error that is already classified keeps its original kind.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		kind = existing.Kind
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err was classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsFatal reports whether err should abort the operation that produced it.
// Unclassified errors are treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Fatal()
}
