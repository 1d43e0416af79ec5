package safety

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized: a code was missing or did not verify.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrHaltActive: the operation is blocked by policy while the kill switch is on.
	ErrHaltActive = errors.New("kill switch active")
	// ErrConfigViolation: trading-mode configuration tried to grant live trading.
	ErrConfigViolation = errors.New("config safety violation")
	// ErrPersistence: durable storage could not confirm a write.
	ErrPersistence = errors.New("persistence failure")
)

// PersistError carries the op and the storage error. It matches ErrPersistence.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrPersistence, e.Err)
}

func (e *PersistError) Unwrap() []error { return []error{ErrPersistence, e.Err} }
