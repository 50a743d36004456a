// Package sandbox defines the Runtime interface for ClassPod's
// orchestration platform: per-course isolation boundaries, per-student
// sandboxes, and interactive exec streams into them.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Labels stamped on every sandbox so the reaper can find the ones it owns.
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelCourseID  = "classpod.io/course-id"
	LabelStudentID = "classpod.io/student-id"

	ManagedByValue = "classpod"
)

var (
	// ErrConflict is returned when the boundary or sandbox already exists.
	ErrConflict = errors.New("already exists")

	// ErrNotFound is returned when the boundary or sandbox is absent.
	ErrNotFound = errors.New("not found remotely")

	// ErrNotRunning is returned by AttachExec when the sandbox cannot accept a stream yet.
	ErrNotRunning = errors.New("sandbox not running")
)

// Error is a failed orchestration call. Status carries the HTTP-like code
// reported by the platform, or 0 when the request never got a response.
type Error struct {
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrConflict) and errors.Is(err, ErrNotFound)
// match on the status code alone.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.Status == http.StatusConflict
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// Spec describes the sandbox to create.
type Spec struct {
	Image       string
	CPULimit    string // Kubernetes quantity, e.g. "500m"
	MemoryLimit string // Kubernetes quantity, e.g. "512Mi"
	Labels      map[string]string
	Env         map[string]string
}

// Validate checks the fields every runtime needs.
func (s Spec) Validate() error {
	switch {
	case s.Image == "":
		return errors.New("sandbox spec: image is required")
	case s.CPULimit == "":
		return errors.New("sandbox spec: cpu limit is required")
	case s.MemoryLimit == "":
		return errors.New("sandbox spec: memory limit is required")
	}
	return nil
}

// ExecOptions configures an interactive exec attach.
type ExecOptions struct {
	Command []string
	Stdin   bool
	Stdout  bool
	Stderr  bool
	TTY     bool
}

// ShellOptions returns interactive options for running shell with a TTY.
func ShellOptions(shell string) ExecOptions {
	return ExecOptions{
		Command: []string{shell},
		Stdin:   true,
		Stdout:  true,
		Stderr:  true,
		TTY:     true,
	}
}

// Stream is an attached exec session. Writes go to the process's stdin;
// reads return its combined stdout/stderr. Close releases the remote
// handle and unblocks pending reads.
type Stream interface {
	io.ReadWriteCloser
}

// Info describes a sandbox as reported by the platform.
type Info struct {
	Boundary  string
	Name      string
	Labels    map[string]string
	Running   bool
	CreatedAt time.Time
}

// Runtime manages boundaries and sandboxes on the orchestration platform.
// Create methods return an error matching ErrConflict when the object
// exists; delete methods return one matching ErrNotFound when it is gone.
type Runtime interface {
	CreateBoundary(ctx context.Context, name string) error
	DeleteBoundary(ctx context.Context, name string) error
	CreateSandbox(ctx context.Context, boundary, name string, spec Spec) error
	DeleteSandbox(ctx context.Context, boundary, name string) error
	ListBoundaries(ctx context.Context) ([]string, error)
	ListSandboxes(ctx context.Context, boundary string) ([]Info, error)
	AttachExec(ctx context.Context, boundary, name string, opts ExecOptions) (Stream, error)
}
