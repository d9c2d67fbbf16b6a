// Package runtime defines the abstraction over the compute backend
// that hosts ephemeral runners.  Each backend (Docker containers, GCP
// VMs) implements the Runtime interface so the lifecycle and
// reconciliation layers stay backend-agnostic.
package runtime

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Inspect and Logs when the referenced
// object no longer exists in the backend.  Stop and Remove treat a
// missing object as success instead, so destroys are idempotent.
var ErrNotFound = errors.New("runtime: object not found")

// Ref is an opaque handle to a backend object: a Docker container ID
// or a GCP instance name.
type Ref string

// RunSpec describes the worker to create.
type RunSpec struct {
	Image   string
	Name    string
	Env     map[string]string
	Labels  map[string]string
	Network string
}

// Info is the observed state of a backend object.
type Info struct {
	Status    string
	Running   bool
	CreatedAt time.Time
	Labels    map[string]string
	Image     string
}

// Runtime is the contract every compute backend must satisfy.  All
// operations are blocking I/O; callers must not hold registry locks
// across them.
type Runtime interface {
	// Run creates and starts a worker.  On failure nothing is left
	// behind in the backend.
	Run(ctx context.Context, spec RunSpec) (Ref, error)

	// Stop stops the worker within the given timeout.  A worker that
	// is already gone is success.
	Stop(ctx context.Context, ref Ref, timeout time.Duration) error

	// Remove permanently deletes the worker.  Idempotent.
	Remove(ctx context.Context, ref Ref) error

	// ListByLabel returns refs of all workers carrying label
	// key=value, including stopped ones.
	ListByLabel(ctx context.Context, key, value string) ([]Ref, error)

	// Inspect returns the observed state of a worker, or ErrNotFound.
	Inspect(ctx context.Context, ref Ref) (Info, error)

	// Logs returns up to tail trailing log lines of a worker.
	Logs(ctx context.Context, ref Ref, tail int) (string, error)
}
