package api

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotFoundError represents a missing resource with contextual information.
// It is never retried: a recipe or stack that does not exist will not
// appear by asking again.
type NotFoundError struct {
	// ResourceType categorizes the missing resource
	// (e.g., "recipe", "stack", "service node").
	ResourceType string

	// ResourceName is the identifier that was looked up.
	ResourceName string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.ResourceType, e.ResourceName)
}

// NewNotFoundError creates a NotFoundError for the given resource.
func NewNotFoundError(resourceType, resourceName string) *NotFoundError {
	return &NotFoundError{ResourceType: resourceType, ResourceName: resourceName}
}

// IsNotFound checks whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// CycleError reports a dependency cycle in the catalog. Chain holds the
// recipe ids along the offending path, ending where it re-enters itself.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Chain, " -> "))
}

// IsCycle checks whether err is or wraps a CycleError.
func IsCycle(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}

// UnavailableError wraps a transport or storage failure of a collaborator
// (catalog storage, cluster API). Unlike NotFoundError it is retryable.
type UnavailableError struct {
	// System names the unavailable collaborator ("catalog" or "cluster").
	System string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.System, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// NewCatalogUnavailable wraps a catalog storage/transport failure.
func NewCatalogUnavailable(err error) *UnavailableError {
	return &UnavailableError{System: "catalog", Err: err}
}

// NewClusterUnavailable wraps a cluster API failure.
func NewClusterUnavailable(err error) *UnavailableError {
	return &UnavailableError{System: "cluster", Err: err}
}

// IsUnavailable checks whether err is or wraps an UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// ConflictError signals a concurrent structural mutation on the same stack.
// The caller should retry deliberately, not queue behind the holder.
type ConflictError struct {
	StackID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("stack %s has a structural mutation in flight", e.StackID)
}

// IsConflict checks whether err is or wraps a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// TimeoutError marks a node stuck in a transitional state past the bound.
type TimeoutError struct {
	NodeID  string
	State   string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("node %s stuck in %s for %s", e.NodeID, e.State, e.Elapsed.Round(time.Second))
}

// IsTimeout checks whether err is or wraps a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// ConfirmationError is returned when a destructive operation is invoked
// without a prior confirmation. ActionID references the pending action the
// caller must confirm to proceed.
type ConfirmationError struct {
	ActionID string
	Summary  string
}

func (e *ConfirmationError) Error() string {
	return fmt.Sprintf("confirmation required for %q (action %s)", e.Summary, e.ActionID)
}

// IsConfirmationRequired checks whether err is or wraps a ConfirmationError.
func IsConfirmationRequired(err error) bool {
	var ce *ConfirmationError
	return errors.As(err, &ce)
}

// ErrUnauthorized is returned when the request context is missing or the
// caller's role does not permit the operation.
var ErrUnauthorized = errors.New("unauthorized")
