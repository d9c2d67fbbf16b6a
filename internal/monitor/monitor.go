// Package monitor runs the reconciliation loop: a periodic scale-up
// pass that creates runners for queued demand, and a periodic cleanup
// pass that purges runners whose container died or whose scope has no
// work in flight.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/runnerforge/orchestrator/internal/github"
	"github.com/runnerforge/orchestrator/internal/lifecycle"
	"github.com/runnerforge/orchestrator/internal/runner"
)

// Discovery modes: which scopes the scale-up pass enumerates.
const (
	// DiscoveryAll scans organization repositories plus every
	// repository the credential can reach directly.
	DiscoveryAll = "all"
	// DiscoveryOrganization scans organization repositories only.
	DiscoveryOrganization = "organization"
)

// Config holds the loop parameters.
type Config struct {
	// PollInterval is the scale-up pass cadence.
	PollInterval time.Duration

	// CleanupInterval is the purge pass cadence.
	CleanupInterval time.Duration

	// DiscoveryMode is DiscoveryAll or DiscoveryOrganization.
	DiscoveryMode string

	// MaxRunnersPerScope caps how many runners one scope may have.
	MaxRunnersPerScope int

	Logger *slog.Logger
}

// Monitor drives reconciliation.  Exactly one loop goroutine exists
// between Start and Stop; both passes also work as one-shot calls.
type Monitor struct {
	provider  github.Provider
	lifecycle *lifecycle.Manager
	registry  *runner.Registry
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	tracer trace.Tracer
	meter  metric.Meter

	ticks        metric.Int64Counter
	purged       metric.Int64Counter
	scaleCreated metric.Int64Counter
	passFailures metric.Int64Counter
}

// New creates a Monitor.
func New(provider github.Provider, lc *lifecycle.Manager, registry *runner.Registry, cfg Config) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DiscoveryMode == "" {
		cfg.DiscoveryMode = DiscoveryAll
	}

	m := &Monitor{
		provider:  provider,
		lifecycle: lc,
		registry:  registry,
		cfg:       cfg,
		logger:    cfg.Logger,
		tracer:    otel.Tracer("orchestrator/monitor"),
		meter:     otel.Meter("orchestrator/monitor"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	m.ticks, err = m.meter.Int64Counter(
		"orchestrator.monitor.ticks",
		metric.WithDescription("Total number of reconciliation passes"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create ticks counter", slog.String("error", err.Error()))
	}

	m.purged, err = m.meter.Int64Counter(
		"orchestrator.runners.purged",
		metric.WithDescription("Total number of runners purged by cleanup"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create purged counter", slog.String("error", err.Error()))
	}

	m.scaleCreated, err = m.meter.Int64Counter(
		"orchestrator.runners.autoscaled",
		metric.WithDescription("Total number of runners created by scale-up"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create autoscaled counter", slog.String("error", err.Error()))
	}

	m.passFailures, err = m.meter.Int64Counter(
		"orchestrator.monitor.failures",
		metric.WithDescription("Total number of failed reconciliation passes"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create failures counter", slog.String("error", err.Error()))
	}

	return m
}

// ---------------------------------------------------------------------------
// Loop control
// ---------------------------------------------------------------------------

// Start launches the loop goroutine.  Starting a running monitor is
// an error.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("monitor already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.running = true

	m.logger.Info("monitor starting",
		slog.Duration("pollInterval", m.cfg.PollInterval),
		slog.Duration("cleanupInterval", m.cfg.CleanupInterval),
		slog.String("discoveryMode", m.cfg.DiscoveryMode),
	)

	go m.run(ctx, done)
	return nil
}

// Stop cancels the loop and waits for it to finish.  The wait is
// bounded by ctx.  Stopping a stopped monitor is a no-op.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	done := m.done
	m.running = false
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	cancel()
	select {
	case <-done:
		m.logger.Info("monitor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for monitor to stop: %w", ctx.Err())
	}
}

// IsRunning reports whether the loop goroutine is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// run is the loop body.  Cancellation is checked between passes, never
// mid-operation, so a pass in flight always completes.  The done
// channel is passed in rather than read from the struct: Stop clears
// the field, so closing it here would race with an immediate stop.
func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	poll := time.NewTicker(m.cfg.PollInterval)
	defer poll.Stop()
	cleanup := time.NewTicker(m.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			if _, err := m.ScaleUp(ctx); err != nil {
				m.logger.Warn("scale-up pass failed", slog.String("error", err.Error()))
			}
		case <-cleanup.C:
			if _, err := m.Purge(ctx); err != nil {
				m.logger.Warn("purge pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Purge pass
// ---------------------------------------------------------------------------

// Purge destroys runners whose container is no longer running and
// repository-scoped runners whose scope has no workflow runs in
// progress.  Per-runner failures are logged and the pass continues.
// Provider throttling aborts the pass so the loop backs off until the
// next tick.  Returns the number of runners destroyed.
func (m *Monitor) Purge(ctx context.Context) (int, error) {
	ctx, span := m.tracer.Start(ctx, "monitor.Purge")
	defer span.End()

	if m.ticks != nil {
		m.ticks.Add(ctx, 1, metric.WithAttributes(attribute.String("pass", "purge")))
	}

	var marked []string
	for _, r := range m.registry.List() {
		doomed, err := m.shouldPurge(ctx, r)
		if err != nil {
			if github.IsRateLimited(err) {
				if m.passFailures != nil {
					m.passFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("pass", "purge")))
				}
				return 0, fmt.Errorf("purge aborted, provider throttled: %w", err)
			}
			m.logger.Warn("failed to evaluate runner for purge",
				slog.String("runner", r.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if doomed {
			marked = append(marked, r.ID)
		}
	}

	purged := 0
	for _, id := range marked {
		found, err := m.lifecycle.DestroyRunner(ctx, id, 0)
		if err != nil {
			m.logger.Warn("failed to purge runner",
				slog.String("runner", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if found {
			purged++
		}
	}

	if purged > 0 {
		m.logger.Info("purge pass complete", slog.Int("purged", purged))
		if m.purged != nil {
			m.purged.Add(ctx, int64(purged))
		}
	}
	span.SetAttributes(attribute.Int("runners.purged", purged))
	return purged, nil
}

// shouldPurge decides whether one runner is reclaimable.
func (m *Monitor) shouldPurge(ctx context.Context, r *runner.Runner) (bool, error) {
	st, err := m.lifecycle.GetStatus(ctx, r.ID)
	if err != nil {
		return false, err
	}

	// GetStatus folds an exited or vanished container into the
	// stopped state.
	if st.State == runner.StateStopped || st.State == runner.StateError {
		return true, nil
	}
	if st.State == runner.StateUnknown {
		// Adopted orphans carry no verifiable work, reclaim them.
		return true, nil
	}

	// Workflow demand is only countable per repository.  Organization
	// runners are purged solely on container death.
	if r.Scope != runner.ScopeRepository {
		return false, nil
	}

	inProgress, err := m.provider.CountWorkflowRuns(ctx, r.ScopeName, github.StatusInProgress)
	if err != nil {
		return false, err
	}
	return inProgress == 0, nil
}

// ---------------------------------------------------------------------------
// Scale-up pass
// ---------------------------------------------------------------------------

// ScaleUp enumerates discoverable repositories and creates runners
// where queued workflow runs exceed the active runner count.
// Per-scope failures are logged and the pass continues; provider
// throttling aborts the pass.  Returns the number of runners created.
func (m *Monitor) ScaleUp(ctx context.Context) (int, error) {
	ctx, span := m.tracer.Start(ctx, "monitor.ScaleUp")
	defer span.End()

	if m.ticks != nil {
		m.ticks.Add(ctx, 1, metric.WithAttributes(attribute.String("pass", "scale_up")))
	}

	repos, err := m.discoverRepositories(ctx)
	if err != nil {
		if m.passFailures != nil {
			m.passFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("pass", "scale_up")))
		}
		return 0, fmt.Errorf("discover repositories: %w", err)
	}
	span.SetAttributes(attribute.Int("scopes.discovered", len(repos)))

	created := 0
	for _, repo := range repos {
		n, err := m.scaleScope(ctx, repo)
		if err != nil {
			if github.IsRateLimited(err) {
				if m.passFailures != nil {
					m.passFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("pass", "scale_up")))
				}
				return created, fmt.Errorf("scale-up aborted, provider throttled: %w", err)
			}
			m.logger.Warn("failed to scale scope",
				slog.String("scopeName", repo),
				slog.String("error", err.Error()),
			)
			continue
		}
		created += n
	}

	if created > 0 {
		m.logger.Info("scale-up pass complete", slog.Int("created", created))
		if m.scaleCreated != nil {
			m.scaleCreated.Add(ctx, int64(created))
		}
	}
	span.SetAttributes(attribute.Int("runners.created", created))
	return created, nil
}

// scaleScope reconciles one repository: queued demand minus active
// supply, capped per scope.
func (m *Monitor) scaleScope(ctx context.Context, repo string) (int, error) {
	uses, err := m.provider.UsesSelfHostedRunners(ctx, repo)
	if err != nil {
		return 0, err
	}
	if !uses {
		return 0, nil
	}

	queued, err := m.provider.CountWorkflowRuns(ctx, repo, github.StatusQueued)
	if err != nil {
		return 0, err
	}
	if queued > m.cfg.MaxRunnersPerScope {
		queued = m.cfg.MaxRunnersPerScope
	}

	active := m.registry.CountActiveForScope(repo)
	need := queued - active
	if need <= 0 {
		return 0, nil
	}

	m.logger.Info("scaling up scope",
		slog.String("scopeName", repo),
		slog.Int("queued", queued),
		slog.Int("active", active),
		slog.Int("need", need),
	)

	// The scope slug keeps generated names unique across scopes within
	// one pass; the loop index keeps them unique within the scope.
	slug := strings.NewReplacer("/", "-", ".", "-").Replace(repo)
	created := 0
	unix := time.Now().Unix()
	for i := range need {
		name := fmt.Sprintf("auto-%s-%d-%d", slug, unix, i)
		if _, err := m.lifecycle.CreateRunner(ctx, runner.ScopeRepository, repo, lifecycle.CreateOptions{Name: name}); err != nil {
			m.logger.Warn("failed to create runner for scope",
				slog.String("scopeName", repo),
				slog.String("runner", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		created++
	}
	return created, nil
}

// discoverRepositories enumerates candidate scopes.  Organization
// repositories are always included; DiscoveryAll adds everything the
// credential reaches directly.  Duplicates are dropped.
func (m *Monitor) discoverRepositories(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var repos []string

	add := func(list []string) {
		for _, repo := range list {
			if _, ok := seen[repo]; ok {
				continue
			}
			seen[repo] = struct{}{}
			repos = append(repos, repo)
		}
	}

	orgs, err := m.provider.ListOrganizations(ctx)
	if err != nil {
		return nil, err
	}
	for _, org := range orgs {
		orgRepos, err := m.provider.ListOrganizationRepositories(ctx, org)
		if err != nil {
			m.logger.Warn("failed to list organization repositories",
				slog.String("org", org),
				slog.String("error", err.Error()),
			)
			continue
		}
		add(orgRepos)
	}

	if m.cfg.DiscoveryMode == DiscoveryAll {
		direct, err := m.provider.ListAccessibleRepositories(ctx)
		if err != nil {
			return nil, err
		}
		add(direct)
	}

	return repos, nil
}
