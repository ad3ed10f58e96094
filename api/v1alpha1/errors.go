package v1alpha1

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBackendUnavailable is returned when the hypervisor daemon cannot be reached.
	// Callers may retry after a delay.
	ErrBackendUnavailable = errors.New("hypervisor backend unavailable")

	// ErrNotFound is returned when a name has no domain or no record.
	ErrNotFound = errors.New("vm not found")

	// ErrDuplicateName is returned when a VM name is already taken in the
	// record store or by a live domain.
	ErrDuplicateName = errors.New("vm name already exists")

	// ErrForbidden is returned when the caller may not perform the operation.
	// The message is deliberately generic.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidState is returned by the gateway when a start/stop does not
	// apply to the domain's current state.
	ErrInvalidState = errors.New("domain is in an invalid state for this operation")

	// ErrAlreadyInState is returned by the orchestrator when a power change
	// was requested for a VM that is already in the desired state.
	// It is non-fatal.
	ErrAlreadyInState = errors.New("vm is already in the requested state")

	// ErrProvision is matched by every *ProvisionError.
	ErrProvision = errors.New("provisioning failed")

	// ErrInvalidRequest is returned when a request fails validation.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrRecordOrphaned marks a record whose domain no longer exists.
	ErrRecordOrphaned = errors.New("record has no matching domain")

	// ErrUserNotFound is returned when looking up a non-existent user.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserAlreadyExists is returned when registering a taken username.
	ErrUserAlreadyExists = errors.New("user already exists")
)

// ProvisionError carries the diagnostic output of the step that failed while
// provisioning a domain (disk creation, definition or boot).
type ProvisionError struct {
	// Step names the failed provisioning step, e.g. "create disk".
	Step string
	// Output is the diagnostic text captured from the backend tool, if any.
	Output string
	// Err is the underlying error.
	Err error
}

func (e *ProvisionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", ErrProvision, e.Step)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		fmt.Fprintf(&b, "\nOutput: %s", out)
	}
	return b.String()
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrProvision) true for every ProvisionError.
func (e *ProvisionError) Is(target error) bool {
	return target == ErrProvision
}

// kinds is ordered: the first sentinel matched wins.
var kinds = []struct {
	err  error
	name string
}{
	{ErrForbidden, "Forbidden"},
	{ErrDuplicateName, "DuplicateName"},
	{ErrAlreadyInState, "AlreadyInState"},
	{ErrInvalidState, "InvalidState"},
	{ErrProvision, "ProvisionError"},
	{ErrBackendUnavailable, "BackendUnavailable"},
	{ErrInvalidRequest, "InvalidRequest"},
	{ErrUserNotFound, "UserNotFound"},
	{ErrUserAlreadyExists, "UserAlreadyExists"},
	{ErrNotFound, "NotFound"},
}

// Kind returns the taxonomy name of err, "" for nil and "Internal" for
// errors outside the taxonomy. It is used for CLI rendering and metric labels.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}
