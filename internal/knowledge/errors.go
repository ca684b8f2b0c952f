package knowledge

import (
	"errors"
	"fmt"

	"github.com/nidhogg/flowforge/internal/schema"
)

var (
	// ErrSchemaUnavailable means neither the cache nor the origin could
	// produce the object.
	ErrSchemaUnavailable = errors.New("schema unavailable")
	// ErrRepairExhausted means a miss occurred after the repair budget was spent.
	ErrRepairExhausted = errors.New("repair budget exhausted")
)

// UnavailableError reports a failed origin repair.
type UnavailableError struct {
	Kind schema.Kind
	Key  string
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s %q unavailable: %v", e.Kind, e.Key, e.Err)
}

func (e *UnavailableError) Is(target error) bool { return target == ErrSchemaUnavailable }

func (e *UnavailableError) Unwrap() error { return e.Err }

// RepairExhaustedError reports a miss that was not repaired because the
// operation's budget was spent.
type RepairExhaustedError struct {
	Kind   schema.Kind
	Key    string
	Budget int
}

func (e *RepairExhaustedError) Error() string {
	return fmt.Sprintf("%s %q not cached and repair budget of %d is spent", e.Kind, e.Key, e.Budget)
}

func (e *RepairExhaustedError) Unwrap() error { return ErrRepairExhausted }
