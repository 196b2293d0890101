package services

import "fmt"

// DataIntegrityError indicates pattern or policy data that violates its
// invariants (for example failure_count > total_runs). It is surfaced to the
// caller and never retried or coerced.
type DataIntegrityError struct {
	Detail string
}

func (e *DataIntegrityError) Error() string {
	return "data integrity violation: " + e.Detail
}

// PolicyMissingError indicates a project has no active quarantine policy.
// Callers recover by falling back to the built-in default policy; the
// condition is logged as a warning.
type PolicyMissingError struct {
	ProjectID string
}

func (e *PolicyMissingError) Error() string {
	return fmt.Sprintf("no active quarantine policy for project %s", e.ProjectID)
}

// PolicyInUseError indicates an attempt to delete the active policy of a
// project. The policy must be deactivated first.
type PolicyInUseError struct {
	ProjectID string
	Name      string
}

func (e *PolicyInUseError) Error() string {
	return fmt.Sprintf("policy %q is the active policy for project %s; deactivate it before deleting", e.Name, e.ProjectID)
}

// NotFoundError indicates a referenced pattern, policy or record is absent.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Key)
}

// ConcurrentTransitionError indicates another transition is in flight for the
// same (project, test, suite) key. The scheduled path retries once with
// backoff before surfacing it.
type ConcurrentTransitionError struct {
	Key string
}

func (e *ConcurrentTransitionError) Error() string {
	return "concurrent transition in flight for test " + e.Key
}
