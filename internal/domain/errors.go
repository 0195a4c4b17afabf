package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is matched by every NotFoundError through errors.Is.
var ErrNotFound = errors.New("not found")

// ValidationError reports an invariant violated before any write.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// ValidationErrors collects field failures found in one pass.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

// Err returns nil when nothing was collected.
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

func (v ValidationErrors) As(target any) bool {
	if len(v) == 0 {
		return false
	}
	if t, ok := target.(**ValidationError); ok {
		*t = v[0]
		return true
	}
	return false
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// StateConflictError reports a transition attempted from a state that does not allow it.
type StateConflictError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *StateConflictError) Error() string {
	entity := e.Entity
	if entity == "" {
		entity = "record"
	}
	if e.ID != "" {
		entity += " " + e.ID
	}
	return fmt.Sprintf("action no longer available: %s cannot move from %s to %s", entity, e.From, e.To)
}

// ForbiddenError indicates the actor may not perform the action.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("not allowed to %s", e.Action)
}
