package graph

import (
	"errors"
	"fmt"
)

// Sentinel validation errors shared by all Store implementations.
var (
	ErrResponseRequired = errors.New("resolving a finding requires a response")
	ErrReasonRequired   = errors.New("declining a finding requires a reason")
)

// taskRef formats a project-scoped task reference for error messages.
func taskRef(project string, number int) string {
	return fmt.Sprintf("%s#%d", project, number)
}

// NotFoundError indicates a referenced node does not exist.
type NotFoundError struct {
	Kind NodeKind
	Ref  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Ref)
}

// ConflictError indicates a uniqueness or constraint violation, such as a
// duplicate project name under one parent or an already-held lease.
type ConflictError struct {
	Kind   NodeKind
	Ref    string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict on %s: %s", e.Kind, e.Ref, e.Reason)
}

// CycleError indicates a DEPENDS_ON insertion that would close a cycle.
// The edge is never written.
type CycleError struct {
	Project string
	From    int
	To      int
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency %s#%d -> %s#%d would create a cycle",
		e.Project, e.From, e.Project, e.To)
}

// IllegalTransitionError indicates a state transition the lifecycle does not
// permit, such as resolving an already-declined Finding.
type IllegalTransitionError struct {
	Kind NodeKind
	Ref  string
	From string
	To   string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition on %s: %s -> %s", e.Kind, e.Ref, e.From, e.To)
}

// ConnectionError wraps a transient infrastructure failure. The store never
// retries these itself; the caller decides.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("store connection failure during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsCycle reports whether err is (or wraps) a CycleError.
func IsCycle(err error) bool {
	var c *CycleError
	return errors.As(err, &c)
}

// IsIllegalTransition reports whether err is (or wraps) an IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	var it *IllegalTransitionError
	return errors.As(err, &it)
}
