package core

import "fmt"

// ValidationError reports a structurally invalid payload. It is always
// surfaced synchronously and blocks the mutation entirely.
type ValidationError struct {
	Rule   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload (%s): %s", e.Rule, e.Detail)
}

func Invalidf(rule, format string, args ...any) error {
	return &ValidationError{Rule: rule, Detail: fmt.Sprintf(format, args...)}
}

// StateError reports a transition attempted from the wrong status. Never
// retried automatically.
type StateError struct {
	Op     string
	Status string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s in status %s", e.Op, e.Status)
}

// PermissionError reports an ownership or capability violation.
type PermissionError struct {
	Detail string
}

func (e *PermissionError) Error() string {
	return e.Detail
}

func Forbiddenf(format string, args ...any) error {
	return &PermissionError{Detail: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Kind string
}

func (e *NotFoundError) Error() string {
	return e.Kind + " not found"
}

// DispatchError reports a broker submission failure. It is swallowed at the
// API boundary: the triggering mutation's success is never rolled back and
// the audit row stays pending for reconciliation.
type DispatchError struct {
	Lane string
	Err  error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("failed to dispatch to lane %s: %v", e.Lane, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
