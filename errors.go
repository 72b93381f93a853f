package offlinekit

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the offlinekit package.
var (
	// ErrUnknownTool is returned when a call names a tool that was never
	// registered with the fallback chain.
	ErrUnknownTool = errors.New("tool is not registered")

	// ErrDuplicateTool is returned when a tool id is registered twice.
	ErrDuplicateTool = errors.New("tool is already registered")

	// ErrInvalidStrategy is returned for malformed fallback strategies.
	ErrInvalidStrategy = errors.New("invalid fallback strategy")

	// ErrConflictNotFound is returned when manual resolution names an item
	// that is not awaiting resolution.
	ErrConflictNotFound = errors.New("no manual conflict found")

	// ErrJournalClosed is returned when operations are attempted on a
	// closed sync journal.
	ErrJournalClosed = errors.New("sync journal is closed")

	// ErrSnapshotCorrupt is returned when a queue snapshot fails checksum
	// or format validation.
	ErrSnapshotCorrupt = errors.New("queue snapshot is corrupt")
)

// SnapshotErrorOp categorizes snapshot errors.
type SnapshotErrorOp int

const (
	// SnapshotOpUnknown is an unclassified snapshot error.
	SnapshotOpUnknown SnapshotErrorOp = iota
	// SnapshotOpSave indicates a failure while writing a snapshot.
	SnapshotOpSave
	// SnapshotOpRestore indicates a failure while reading a snapshot.
	SnapshotOpRestore
	// SnapshotOpVerify indicates checksum or format validation failed.
	SnapshotOpVerify
)

// SnapshotError provides detailed information about snapshot failures.
type SnapshotError struct {
	Op      SnapshotErrorOp
	Message string
	Path    string
	Cause   error
}

func (e *SnapshotError) Error() string {
	if e.Path != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Message, e.Path, e.Cause)
		}
		return fmt.Sprintf("%s [%s]", e.Message, e.Path)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SnapshotError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for SnapshotError.
func (e *SnapshotError) Is(target error) bool {
	return e.Op == SnapshotOpVerify && target == ErrSnapshotCorrupt
}

// newSnapshotError creates a new SnapshotError.
func newSnapshotError(op SnapshotErrorOp, message, path string, cause error) *SnapshotError {
	return &SnapshotError{
		Op:      op,
		Message: message,
		Path:    path,
		Cause:   cause,
	}
}
