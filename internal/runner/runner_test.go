package runner

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStates = []State{
	StateCreated, StateStarting, StateRunning, StateIdle, StateBusy,
	StateStopping, StateStopped, StateError, StateUnknown,
}

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

func TestTransition_LegalEdges(t *testing.T) {
	for from, tos := range transitions {
		for _, to := range tos {
			t.Run(string(from)+"_to_"+string(to), func(t *testing.T) {
				r := New("r1", ScopeRepository, "acme/widgets")
				r.state = from

				err := r.Transition(to)
				require.NoError(t, err)
				assert.Equal(t, to, r.State())
			})
		}
	}
}

func TestTransition_IllegalEdgesFailAndPreserveState(t *testing.T) {
	for _, from := range allStates {
		for _, to := range allStates {
			if CanTransition(from, to) {
				continue
			}
			t.Run(string(from)+"_to_"+string(to), func(t *testing.T) {
				r := New("r1", ScopeRepository, "acme/widgets")
				r.state = from

				err := r.Transition(to)
				require.Error(t, err)

				var invalid *InvalidTransitionError
				require.ErrorAs(t, err, &invalid)
				assert.Equal(t, from, invalid.From)
				assert.Equal(t, to, invalid.To)
				assert.Equal(t, from, r.State(), "state must be unchanged after a rejected transition")
			})
		}
	}
}

func TestTransition_StoppedIsTerminal(t *testing.T) {
	r := New("r1", ScopeRepository, "acme/widgets")
	r.state = StateStopped

	for _, to := range allStates {
		err := r.Transition(to)
		assert.Error(t, err, "stopped -> %s must be rejected", to)
	}
}

func TestTransition_BumpsUpdatedAt(t *testing.T) {
	r := New("r1", ScopeRepository, "acme/widgets")
	before := r.UpdatedAt()

	require.NoError(t, r.Transition(StateStarting))
	assert.False(t, r.UpdatedAt().Before(before))
}

func TestIsTerminatable(t *testing.T) {
	terminatable := map[State]bool{
		StateIdle:  true,
		StateError: true,
	}
	for _, s := range allStates {
		r := New("r1", ScopeRepository, "acme/widgets")
		r.state = s
		assert.Equal(t, terminatable[s], r.IsTerminatable(), "state %s", s)
	}
}

func TestIsActive(t *testing.T) {
	active := map[State]bool{
		StateRunning: true,
		StateIdle:    true,
		StateBusy:    true,
	}
	for _, s := range allStates {
		r := New("r1", ScopeRepository, "acme/widgets")
		r.state = s
		assert.Equal(t, active[s], r.IsActive(), "state %s", s)
	}
}

func TestAdopt_StartsUnknown(t *testing.T) {
	r := Adopt("orphan", ScopeRepository, "acme/widgets")
	assert.Equal(t, StateUnknown, r.State())

	// The only legal exit is stopping.
	require.NoError(t, r.Transition(StateStopping))
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestRegistry_AddGetRemove(t *testing.T) {
	reg := NewRegistry()
	r := New("r1", ScopeRepository, "acme/widgets")

	require.NoError(t, reg.Add(r))
	assert.Equal(t, 1, reg.Len())

	got, ok := reg.Get("r1")
	require.True(t, ok)
	assert.Same(t, r, got)

	removed, ok := reg.Remove("r1")
	require.True(t, ok)
	assert.Same(t, r, removed)
	assert.Equal(t, 0, reg.Len())

	_, ok = reg.Get("r1")
	assert.False(t, ok)
}

func TestRegistry_DuplicateAdd(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(New("r1", ScopeRepository, "acme/widgets")))

	err := reg.Add(New("r1", ScopeRepository, "acme/widgets"))
	assert.Error(t, err)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_RemoveUnknown(t *testing.T) {
	reg := NewRegistry()
	_, ok := reg.Remove("nope")
	assert.False(t, ok)
}

func TestRegistry_CountActiveForScope(t *testing.T) {
	reg := NewRegistry()

	running := New("r1", ScopeRepository, "acme/widgets")
	running.state = StateRunning
	idle := New("r2", ScopeRepository, "acme/widgets")
	idle.state = StateIdle
	// Still provisioning, counts toward supply.
	starting := New("r3", ScopeRepository, "acme/widgets")
	starting.state = StateStarting
	stopped := New("r4", ScopeRepository, "acme/widgets")
	stopped.state = StateStopped
	failed := New("r5", ScopeRepository, "acme/widgets")
	failed.state = StateError
	other := New("r6", ScopeRepository, "acme/gadgets")
	other.state = StateBusy

	for _, r := range []*Runner{running, idle, starting, stopped, failed, other} {
		require.NoError(t, reg.Add(r))
	}

	assert.Equal(t, 3, reg.CountActiveForScope("acme/widgets"))
	assert.Equal(t, 1, reg.CountActiveForScope("acme/gadgets"))
	assert.Equal(t, 0, reg.CountActiveForScope("acme/nothing"))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup

	// Writers insert and remove while readers take snapshots.  Run
	// with -race to catch unsynchronized access.
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			_ = reg.Add(New(id, ScopeRepository, "acme/widgets"))
			reg.Remove(id)
		}(i)
		go func() {
			defer wg.Done()
			for _, r := range reg.List() {
				// Every snapshot entry must be fully populated.
				assert.NotEmpty(t, r.ID)
				assert.NotEmpty(t, r.ScopeName)
			}
			reg.Len()
		}()
	}
	wg.Wait()
}
