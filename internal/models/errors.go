package models

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input rejected before any I/O.
	ErrValidation = errors.New("validation failed")
	// ErrStorage marks a local persistence failure. It is non-fatal: the
	// in-memory change has already been applied.
	ErrStorage = errors.New("local storage failed")
	// ErrRemote marks a failed call to the remote store. Nothing was applied.
	ErrRemote = errors.New("remote store failed")
	// ErrNotFound marks a task id that no longer exists.
	ErrNotFound = errors.New("task not found")
	// ErrModeChanged is returned when the board switched between guest and
	// signed-in mode while the operation was waiting to run.
	ErrModeChanged = errors.New("board mode changed")
)

// MigrationError reports a guest migration that stopped part way.
type MigrationError struct {
	Migrated int
	Total    int
	Err      error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migrated %d of %d guest tasks: %v", e.Migrated, e.Total, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}
