package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerforge/orchestrator/internal/lifecycle"
	"github.com/runnerforge/orchestrator/internal/monitor"
	"github.com/runnerforge/orchestrator/internal/placeholder"
	"github.com/runnerforge/orchestrator/internal/runner"
	"github.com/runnerforge/orchestrator/internal/runtime"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockProvider struct{}

func (mockProvider) IssueRegistrationToken(_ context.Context, _ runner.Scope, _ string) (string, error) {
	return "tok-abc", nil
}

func (mockProvider) CountWorkflowRuns(_ context.Context, _, _ string) (int, error) {
	return 0, nil
}

func (mockProvider) ListAccessibleRepositories(_ context.Context) ([]string, error) {
	return nil, nil
}

func (mockProvider) ListOrganizations(_ context.Context) ([]string, error) {
	return nil, nil
}

func (mockProvider) ListOrganizationRepositories(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

func (mockProvider) UsesSelfHostedRunners(_ context.Context, _ string) (bool, error) {
	return false, nil
}

type mockRuntime struct {
	mu         sync.Mutex
	containers map[runtime.Ref]runtime.Info
	nextID     int
}

func newMockRuntime() *mockRuntime {
	return &mockRuntime{containers: make(map[runtime.Ref]runtime.Info)}
}

func (m *mockRuntime) Run(_ context.Context, spec runtime.RunSpec) (runtime.Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	ref := runtime.Ref(fmt.Sprintf("ctr-%d", m.nextID))
	m.containers[ref] = runtime.Info{Status: "running", Running: true, Labels: spec.Labels}
	return ref, nil
}

func (m *mockRuntime) Stop(_ context.Context, ref runtime.Ref, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.containers[ref]; ok {
		info.Running = false
		m.containers[ref] = info
	}
	return nil
}

func (m *mockRuntime) Remove(_ context.Context, ref runtime.Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, ref)
	return nil
}

func (m *mockRuntime) ListByLabel(_ context.Context, key, value string) ([]runtime.Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var refs []runtime.Ref
	for ref, info := range m.containers {
		if info.Labels[key] == value {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func (m *mockRuntime) Inspect(_ context.Context, ref runtime.Ref) (runtime.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.containers[ref]
	if !ok {
		return runtime.Info{}, runtime.ErrNotFound
	}
	return info, nil
}

func (m *mockRuntime) Logs(_ context.Context, _ runtime.Ref, _ int) (string, error) {
	return "runner log line\n", nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestService(t *testing.T) (*Service, *runner.Registry) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := runner.NewRegistry()
	resolver := placeholder.NewResolver(placeholder.Environment{})
	rt := newMockRuntime()
	provider := mockProvider{}

	lc := lifecycle.New(provider, rt, registry, resolver, lifecycle.Config{
		RunnerImage: "ghcr.io/example/runner:latest",
		Logger:      logger,
	})
	mon := monitor.New(provider, lc, registry, monitor.Config{
		PollInterval:       time.Minute,
		CleanupInterval:    time.Minute,
		MaxRunnersPerScope: 5,
		Logger:             logger,
	})
	svc := New(lc, mon, registry, resolver, Config{
		MaxRunnersPerScope: 5,
		Logger:             logger,
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.StopMonitoring(ctx)
	})
	return svc, registry
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestCreateRunnersSingle(t *testing.T) {
	svc, registry := newTestService(t)

	results, err := svc.CreateRunners(context.Background(), CreateRequest{
		Scope:     runner.ScopeRepository,
		ScopeName: "octo/app",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, 1, registry.Len())
}

func TestCreateRunnersBatchSuffixes(t *testing.T) {
	svc, registry := newTestService(t)

	results, err := svc.CreateRunners(context.Background(), CreateRequest{
		Scope:      runner.ScopeRepository,
		ScopeName:  "octo/app",
		Count:      3,
		NamePrefix: "batch",
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	var ids []string
	for _, res := range results {
		require.NoError(t, res.Err)
		ids = append(ids, res.ID)
	}
	assert.ElementsMatch(t, []string{"batch-1", "batch-2", "batch-3"}, ids)
	assert.Equal(t, 3, registry.Len())
}

func TestCreateRunnersCountValidation(t *testing.T) {
	svc, registry := newTestService(t)
	ctx := context.Background()

	for _, count := range []int{-1, 6} {
		_, err := svc.CreateRunners(ctx, CreateRequest{
			Scope:     runner.ScopeRepository,
			ScopeName: "octo/app",
			Count:     count,
		})
		var verr *lifecycle.ValidationError
		require.ErrorAs(t, err, &verr, "count %d", count)
	}
	assert.Zero(t, registry.Len())
}

func TestCreateRunnersPartialFailure(t *testing.T) {
	svc, registry := newTestService(t)
	ctx := context.Background()

	// Occupy one of the batch names so that creation collides.
	_, err := svc.CreateRunners(ctx, CreateRequest{
		Scope:      runner.ScopeRepository,
		ScopeName:  "octo/app",
		NamePrefix: "pre-2",
	})
	require.NoError(t, err)

	results, err := svc.CreateRunners(ctx, CreateRequest{
		Scope:      runner.ScopeRepository,
		ScopeName:  "octo/app",
		Count:      3,
		NamePrefix: "pre",
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			assert.Equal(t, "pre-2", res.ID)
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 3, registry.Len())
}

func TestDestroyRunner(t *testing.T) {
	svc, registry := newTestService(t)
	ctx := context.Background()

	results, err := svc.CreateRunners(ctx, CreateRequest{
		Scope:      runner.ScopeRepository,
		ScopeName:  "octo/app",
		NamePrefix: "victim",
	})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)

	found, err := svc.DestroyRunner(ctx, "victim")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Zero(t, registry.Len())

	found, err = svc.DestroyRunner(ctx, "victim")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetRunnerStatusAndLogs(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateRunners(ctx, CreateRequest{
		Scope:      runner.ScopeRepository,
		ScopeName:  "octo/app",
		NamePrefix: "r1",
	})
	require.NoError(t, err)

	st, err := svc.GetRunnerStatus(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, runner.StateRunning, st.State)

	logs, err := svc.GetRunnerLogs(ctx, "r1", 50)
	require.NoError(t, err)
	assert.Equal(t, "runner log line\n", logs)

	_, err = svc.GetRunnerStatus(ctx, "ghost")
	var nerr *lifecycle.NotFoundError
	require.ErrorAs(t, err, &nerr)
}

func TestGetStatistics(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateRunners(ctx, CreateRequest{
		Scope:     runner.ScopeRepository,
		ScopeName: "octo/app",
		Count:     2,
	})
	require.NoError(t, err)
	_, err = svc.CreateRunners(ctx, CreateRequest{
		Scope:     runner.ScopeOrganization,
		ScopeName: "octo",
	})
	require.NoError(t, err)

	stats := svc.GetStatistics()
	assert.Equal(t, 3, stats.TotalRunners)
	assert.Equal(t, 3, stats.States[runner.StateStarting])
	assert.Equal(t, 2, stats.Scopes["octo/app"])
	assert.Equal(t, 1, stats.Scopes["octo"])
	assert.False(t, stats.Monitoring)
}

func TestMonitoringControl(t *testing.T) {
	svc, _ := newTestService(t)

	assert.False(t, svc.IsMonitoring())
	require.NoError(t, svc.StartMonitoring())
	assert.True(t, svc.IsMonitoring())
	assert.True(t, svc.GetStatistics().Monitoring)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, svc.StopMonitoring(ctx))
	assert.False(t, svc.IsMonitoring())
}

func TestAvailablePlaceholders(t *testing.T) {
	svc, _ := newTestService(t)

	known := svc.AvailablePlaceholders()
	assert.Contains(t, known, "{runner_name}")
	assert.Contains(t, known, "{registration_token}")
	assert.Contains(t, known, "{timestamp}")
}

func TestShutdownDestroysFleet(t *testing.T) {
	svc, registry := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateRunners(ctx, CreateRequest{
		Scope:     runner.ScopeRepository,
		ScopeName: "octo/app",
		Count:     3,
	})
	require.NoError(t, err)
	require.NoError(t, svc.StartMonitoring())

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(shutdownCtx))

	assert.Zero(t, registry.Len())
	assert.False(t, svc.IsMonitoring())
}
