package notification

import "errors"

var (
	// ErrNotFound is returned by read-state mutations on a missing record.
	ErrNotFound = errors.New("notification not found")

	// ErrDuplicateAlert is returned by Create when a record with the same
	// (source task, alert class) key already exists. Callers dispatching
	// scheduler alerts treat this as a benign no-op.
	ErrDuplicateAlert = errors.New("duplicate alert for task")
)
