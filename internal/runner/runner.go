// Package runner holds the in-memory representation of one ephemeral
// runner: its identity, its attachment scope, and the state machine
// that governs its lifecycle.
package runner

import (
	"fmt"
	"sync"
	"time"
)

// Scope is the unit a runner is attached to.
type Scope string

const (
	// ScopeRepository attaches the runner to a single repository
	// ("owner/name").
	ScopeRepository Scope = "repo"
	// ScopeOrganization attaches the runner to an entire organization.
	ScopeOrganization Scope = "org"
)

// State is the lifecycle state of a runner.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateIdle     State = "idle"
	StateBusy     State = "busy"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
	StateUnknown  State = "unknown"
)

// transitions is the set of legal state edges.  StateStopped is
// terminal and has no outgoing edges.
var transitions = map[State][]State{
	StateCreated:  {StateStarting, StateError},
	StateStarting: {StateRunning, StateError},
	StateRunning:  {StateIdle, StateBusy, StateStopping},
	StateIdle:     {StateBusy, StateStopping},
	StateBusy:     {StateIdle, StateStopping},
	StateStopping: {StateStopped, StateError},
	StateError:    {StateStopping},
	StateUnknown:  {StateStopping},
	StateStopped:  {},
}

// CanTransition reports whether the edge from -> to is legal.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned when a state change is attempted
// outside the transition table.  The runner's state is left unchanged.
type InvalidTransitionError struct {
	ID   string
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("runner %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}

// Runner is one ephemeral worker.  The ID is derived from the
// container name assigned at creation and is stable for the runner's
// lifetime.  State is mutated only through Transition.
type Runner struct {
	ID          string
	Scope       Scope
	ScopeName   string
	RunnerGroup string
	Labels      []string

	// ContainerRef is the opaque handle of the backing container or
	// VM in the compute backend.
	ContainerRef string

	CreatedAt time.Time

	mu        sync.Mutex
	state     State
	updatedAt time.Time
}

// New constructs a Runner in StateCreated.
func New(id string, scope Scope, scopeName string) *Runner {
	now := time.Now().UTC()
	return &Runner{
		ID:        id,
		Scope:     scope,
		ScopeName: scopeName,
		CreatedAt: now,
		state:     StateCreated,
		updatedAt: now,
	}
}

// Adopt constructs a Runner in StateUnknown, used when re-registering
// a container discovered at startup that this process did not create.
// The only legal exit from StateUnknown is StateStopping, so adopted
// runners can be reaped but never scheduled.
func Adopt(id string, scope Scope, scopeName string) *Runner {
	r := New(id, scope, scopeName)
	r.state = StateUnknown
	return r
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// UpdatedAt returns the time of the last successful transition.
func (r *Runner) UpdatedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updatedAt
}

// Transition moves the runner to the given state.  Illegal edges fail
// with *InvalidTransitionError and leave the state unchanged.
func (r *Runner) Transition(to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !CanTransition(r.state, to) {
		return &InvalidTransitionError{ID: r.ID, From: r.state, To: to}
	}

	r.state = to
	r.updatedAt = time.Now().UTC()
	return nil
}

// IsTerminatable reports whether the reconciler may destroy this
// runner: only idle and errored runners qualify.
func (r *Runner) IsTerminatable() bool {
	s := r.State()
	return s == StateIdle || s == StateError
}

// IsActive reports whether the runner counts toward a scope's active
// runner total for demand accounting.
func (r *Runner) IsActive() bool {
	switch r.State() {
	case StateRunning, StateIdle, StateBusy:
		return true
	}
	return false
}
