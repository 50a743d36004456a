package model

import "errors"

// Error kinds surfaced to callers. Wrap them with fmt.Errorf("%w: ...")
// and test with errors.Is.
var (
	// ErrValidation indicates bad input; no state was changed.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthenticated indicates the caller has no identity.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden indicates the caller's role or membership does not allow the operation.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates a course, user, registration or to-do is absent.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a duplicate record the caller must resolve.
	ErrConflict = errors.New("conflict")

	// ErrProvisioning indicates the orchestration platform failed to create a sandbox or boundary.
	ErrProvisioning = errors.New("provisioning failed")

	// ErrTeardown indicates the orchestration platform failed to remove a sandbox or boundary.
	ErrTeardown = errors.New("teardown failed")

	// ErrStream indicates the interactive exec stream broke mid-session.
	ErrStream = errors.New("stream error")
)
