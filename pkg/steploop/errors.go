package steploop

import (
	"errors"
	"fmt"
)

// ErrSimulatedCrash is matched by the error Run returns when the crash
// decider ends the run after a durable marker.
var ErrSimulatedCrash = errors.New("simulated crash")

// CrashError records the step whose marker was written right before the
// simulated crash.
type CrashError struct {
	Step int
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("simulated crash after step %d", e.Step)
}

func (e *CrashError) Unwrap() error { return ErrSimulatedCrash }

// Storage operations reported by StorageError.
const (
	OpDiscover = "discover"
	OpWrite    = "write"
)

// StorageError is returned when the checkpoint store fails. No progress past
// the last durable marker is claimed.
type StorageError struct {
	Op   string
	Step int
	Err  error
}

func (e *StorageError) Error() string {
	if e.Op == OpWrite {
		return fmt.Sprintf("checkpoint %s step %d: %v", e.Op, e.Step, e.Err)
	}
	return fmt.Sprintf("checkpoint %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err came from the checkpoint store and, if
// so, which operation failed.
func IsStorageError(err error) (string, bool) {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Op, true
	}
	return "", false
}
