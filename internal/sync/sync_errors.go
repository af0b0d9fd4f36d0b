package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict marks a key that changed locally and remotely since the last poll.
	ErrConflict = errors.New("conflicting changes")
	// ErrPassInProgress is returned when a non-blocking pass finds another pass running.
	ErrPassInProgress = errors.New("reconciliation pass already running")
	// ErrRemoteMissing is returned when an asset listed remotely cannot be fetched.
	ErrRemoteMissing = errors.New("remote asset missing")
	// ErrLocalMissing is returned when an upload finds no local file.
	ErrLocalMissing = errors.New("local asset missing")
)

// ConflictError is the fatal error of the remote poller.
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("Detected changes to the file '%s' on both local and remote sources. Aborting...", e.Key)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// ActionError is a failed reconciler action. Sibling actions are unaffected.
type ActionError struct {
	Op  Op
	Key string
	Err error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}
