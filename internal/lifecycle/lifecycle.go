// Package lifecycle implements the manual runner operations: create a
// runner end to end (token, environment, container), destroy one, and
// report status.  It owns no goroutines; the reconciliation loop and
// the service facade drive it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/runnerforge/orchestrator/internal/github"
	"github.com/runnerforge/orchestrator/internal/placeholder"
	"github.com/runnerforge/orchestrator/internal/runner"
	"github.com/runnerforge/orchestrator/internal/runtime"
)

// Labels attached to every backend object the manager creates.  The
// ephemeral marker is what AdoptOrphans and the reconciliation loop
// key on to find our containers among everything else on the host.
const (
	LabelEphemeral  = "gha-ephemeral"
	LabelRunnerName = "gha-runner-name"
	LabelScope      = "gha-scope"
	LabelScopeName  = "gha-scope-name"
)

// Config holds the parameters the Manager needs.
type Config struct {
	// RunnerImage is the image every runner container is started from.
	RunnerImage string

	// Network is the backend network runners attach to (optional).
	Network string

	// EnvTemplate maps environment variable names to template strings.
	// Values are expanded with the placeholder resolver per runner.
	EnvTemplate map[string]string

	// StopTimeout bounds the graceful stop during destroy.
	// Default: 30s.
	StopTimeout time.Duration

	Logger *slog.Logger
}

// CreateOptions are the optional knobs for CreateRunner.
type CreateOptions struct {
	// Name overrides the generated runner name.
	Name string

	// RunnerGroup is the GitHub runner group the runner joins.
	RunnerGroup string

	// Labels are the GitHub-side runner labels.
	Labels []string
}

// Status is a point-in-time view of one runner.
type Status struct {
	ID           string
	Scope        runner.Scope
	ScopeName    string
	State        runner.State
	ContainerRef string
	Labels       []string
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// ContainerStatus and Running reflect the backend's view when the
	// status was produced by an inspection, empty otherwise.
	ContainerStatus string
	Running         bool
}

// Manager creates and destroys runners.  All blocking I/O happens
// outside registry locks.
type Manager struct {
	provider github.Provider
	runtime  runtime.Runtime
	registry *runner.Registry
	resolver *placeholder.Resolver
	cfg      Config
	logger   *slog.Logger

	tracer trace.Tracer
	meter  metric.Meter

	runnersCreated   metric.Int64Counter
	runnersDestroyed metric.Int64Counter
	createFailures   metric.Int64Counter
	createDuration   metric.Float64Histogram
}

// New creates a Manager.
func New(provider github.Provider, rt runtime.Runtime, registry *runner.Registry, resolver *placeholder.Resolver, cfg Config) *Manager {
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		provider: provider,
		runtime:  rt,
		registry: registry,
		resolver: resolver,
		cfg:      cfg,
		logger:   cfg.Logger,
		tracer:   otel.Tracer("orchestrator/lifecycle"),
		meter:    otel.Meter("orchestrator/lifecycle"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	m.runnersCreated, err = m.meter.Int64Counter(
		"orchestrator.runners.created",
		metric.WithDescription("Total number of runners created"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersCreated counter", slog.String("error", err.Error()))
	}

	m.runnersDestroyed, err = m.meter.Int64Counter(
		"orchestrator.runners.destroyed",
		metric.WithDescription("Total number of runners destroyed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersDestroyed counter", slog.String("error", err.Error()))
	}

	m.createFailures, err = m.meter.Int64Counter(
		"orchestrator.runners.create.failures",
		metric.WithDescription("Total number of failed runner creations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create createFailures counter", slog.String("error", err.Error()))
	}

	m.createDuration, err = m.meter.Float64Histogram(
		"orchestrator.runner.create.duration",
		metric.WithDescription("Time to create a runner (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create createDuration histogram", slog.String("error", err.Error()))
	}

	_, err = m.meter.Int64ObservableGauge(
		"orchestrator.runners.tracked",
		metric.WithDescription("Current number of tracked runners"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(registry.Len()))
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create tracked gauge", slog.String("error", err.Error()))
	}

	return m
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

// CreateRunner provisions one runner: registration token, resolved
// environment, backend container, registry entry.  The runner is
// registered only after its container has started, so a failure on
// any step leaves nothing behind.
func (m *Manager) CreateRunner(ctx context.Context, scope runner.Scope, scopeName string, opts CreateOptions) (*runner.Runner, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.CreateRunner")
	defer span.End()

	startTime := time.Now()

	if err := validateScope(scope, scopeName); err != nil {
		return nil, err
	}

	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("ephemeral-runner-%s", uuid.NewString()[:8])
	}
	if _, exists := m.registry.Get(name); exists {
		return nil, &ValidationError{Field: "name", Reason: fmt.Sprintf("runner %s already exists", name)}
	}

	span.SetAttributes(
		attribute.String("runner.name", name),
		attribute.String("runner.scope", string(scope)),
		attribute.String("runner.scope_name", scopeName),
	)

	m.logger.Info("creating runner",
		slog.String("runner", name),
		slog.String("scope", string(scope)),
		slog.String("scopeName", scopeName),
	)

	var token string
	err := m.retryTimeouts(ctx, func() error {
		var err error
		token, err = m.provider.IssueRegistrationToken(ctx, scope, scopeName)
		return err
	})
	if err != nil {
		if m.createFailures != nil {
			m.createFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("step", "token")))
		}
		return nil, &TokenError{ScopeName: scopeName, Err: err}
	}

	env := m.buildEnv(placeholder.Context{
		ScopeName:         scopeName,
		RunnerName:        name,
		RegistrationToken: token,
	}, opts)

	ref, err := m.runtime.Run(ctx, runtime.RunSpec{
		Image: m.cfg.RunnerImage,
		Name:  name,
		Env:   env,
		Labels: map[string]string{
			LabelEphemeral:  "true",
			LabelRunnerName: name,
			LabelScope:      string(scope),
			LabelScopeName:  scopeName,
		},
		Network: m.cfg.Network,
	})
	if err != nil {
		if m.createFailures != nil {
			m.createFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("step", "run")))
		}
		return nil, &ContainerError{RunnerID: name, Op: "run", Err: err}
	}

	r := runner.New(name, scope, scopeName)
	r.ContainerRef = string(ref)
	r.RunnerGroup = opts.RunnerGroup
	r.Labels = opts.Labels

	if err := m.registry.Add(r); err != nil {
		// Lost a race on the name.  Undo the container.
		if rmErr := m.runtime.Remove(ctx, ref); rmErr != nil {
			m.logger.Warn("failed to remove container after registration race",
				slog.String("runner", name),
				slog.String("error", rmErr.Error()),
			)
		}
		return nil, &ValidationError{Field: "name", Reason: err.Error()}
	}

	if err := r.Transition(runner.StateStarting); err != nil {
		// Unreachable from StateCreated, but surface it if the state
		// machine ever changes.
		return nil, err
	}

	if m.createDuration != nil {
		m.createDuration.Record(ctx, time.Since(startTime).Seconds())
	}
	if m.runnersCreated != nil {
		m.runnersCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", string(scope))))
	}

	m.logger.Info("runner created",
		slog.String("runner", name),
		slog.String("containerRef", string(ref)),
	)

	return r, nil
}

// buildEnv expands the configured environment template for one runner
// and layers it over the variables every runner receives.
func (m *Manager) buildEnv(pctx placeholder.Context, opts CreateOptions) map[string]string {
	env := map[string]string{
		"RUNNER_NAME":       pctx.RunnerName,
		"RUNNER_TOKEN":      pctx.RegistrationToken,
		"RUNNER_SCOPE_NAME": pctx.ScopeName,
	}
	if len(opts.Labels) > 0 {
		env["RUNNER_LABELS"] = strings.Join(opts.Labels, ",")
	}
	if opts.RunnerGroup != "" {
		env["RUNNER_GROUP"] = opts.RunnerGroup
	}
	for key, tmpl := range m.cfg.EnvTemplate {
		env[key] = m.resolver.Resolve(tmpl, pctx)
	}
	return env
}

func validateScope(scope runner.Scope, scopeName string) error {
	switch scope {
	case runner.ScopeRepository:
		if !strings.Contains(scopeName, "/") {
			return &ValidationError{Field: "scope_name", Reason: fmt.Sprintf("repository scope requires owner/name, got %q", scopeName)}
		}
	case runner.ScopeOrganization:
		if scopeName == "" {
			return &ValidationError{Field: "scope_name", Reason: "organization scope requires a name"}
		}
	default:
		return &ValidationError{Field: "scope", Reason: fmt.Sprintf("unknown scope %q", scope)}
	}
	return nil
}

// retryTimeouts runs op with bounded exponential backoff, retrying
// only provider timeouts.  Everything else fails immediately.
func (m *Manager) retryTimeouts(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.Multiplier = 2
	policy.RandomizationFactor = 0

	return backoff.Retry(func() error {
		err := op()
		if err == nil || github.IsTimeout(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithMaxRetries(backoff.WithContext(policy, ctx), 2))
}

// ---------------------------------------------------------------------------
// Destroy
// ---------------------------------------------------------------------------

// DestroyRunner tears a runner down and removes it from the registry.
// A runner that is not registered returns (false, nil) so destroys
// are idempotent.  Backend failures are logged and the registry entry
// is removed anyway; a container the backend could not delete is
// reaped by a later cleanup pass, not leaked as tracked state.
func (m *Manager) DestroyRunner(ctx context.Context, id string, timeout time.Duration) (bool, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.DestroyRunner")
	defer span.End()
	span.SetAttributes(attribute.String("runner.name", id))

	r, ok := m.registry.Get(id)
	if !ok {
		return false, nil
	}

	if timeout == 0 {
		timeout = m.cfg.StopTimeout
	}

	m.logger.Info("destroying runner",
		slog.String("runner", id),
		slog.String("state", string(r.State())),
	)

	markStopping(r)

	ref := runtime.Ref(r.ContainerRef)
	if err := m.runtime.Stop(ctx, ref, timeout); err != nil {
		m.logger.Warn("failed to stop container, removing anyway",
			slog.String("runner", id),
			slog.String("error", err.Error()),
		)
	}
	if err := m.runtime.Remove(ctx, ref); err != nil {
		m.logger.Warn("failed to remove container, untracking anyway",
			slog.String("runner", id),
			slog.String("error", err.Error()),
		)
	}

	if err := r.Transition(runner.StateStopped); err != nil {
		m.logger.Warn("stopped transition rejected",
			slog.String("runner", id),
			slog.String("error", err.Error()),
		)
	}
	m.registry.Remove(id)

	if m.runnersDestroyed != nil {
		m.runnersDestroyed.Add(ctx, 1)
	}

	m.logger.Info("runner destroyed", slog.String("runner", id))
	return true, nil
}

// markStopping walks r into StateStopping along legal edges.  Created
// and Starting cannot reach Stopping directly so they route through
// Error.  A runner already stopping or stopped is left alone.
func markStopping(r *runner.Runner) {
	switch r.State() {
	case runner.StateStopping, runner.StateStopped:
		return
	case runner.StateCreated, runner.StateStarting:
		_ = r.Transition(runner.StateError)
	}
	_ = r.Transition(runner.StateStopping)
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

// GetStatus inspects the runner's container and reconciles the state
// machine with the backend's view before returning a snapshot.
func (m *Manager) GetStatus(ctx context.Context, id string) (Status, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.GetStatus")
	defer span.End()
	span.SetAttributes(attribute.String("runner.name", id))

	r, ok := m.registry.Get(id)
	if !ok {
		return Status{}, &NotFoundError{RunnerID: id}
	}

	st := snapshot(r)

	info, err := m.runtime.Inspect(ctx, runtime.Ref(r.ContainerRef))
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			// Container gone behind our back.
			m.foldStopped(r)
			st.State = r.State()
			st.UpdatedAt = r.UpdatedAt()
			return st, nil
		}
		return Status{}, &ContainerError{RunnerID: id, Op: "inspect", Err: err}
	}

	st.ContainerStatus = info.Status
	st.Running = info.Running

	switch {
	case info.Running && r.State() == runner.StateStarting:
		_ = r.Transition(runner.StateRunning)
	case !info.Running && r.IsActive():
		m.foldStopped(r)
	case !info.Running && r.State() == runner.StateStarting:
		m.foldStopped(r)
	}
	st.State = r.State()
	st.UpdatedAt = r.UpdatedAt()

	return st, nil
}

// foldStopped marks a runner whose container has exited or vanished.
func (m *Manager) foldStopped(r *runner.Runner) {
	markStopping(r)
	_ = r.Transition(runner.StateStopped)
	m.logger.Debug("runner observed stopped", slog.String("runner", r.ID))
}

// ListActive returns an in-memory snapshot of every tracked runner.
// No backend calls are made; use GetStatus for a reconciled view.
func (m *Manager) ListActive(ctx context.Context) []Status {
	_, span := m.tracer.Start(ctx, "lifecycle.ListActive")
	defer span.End()

	runners := m.registry.List()
	statuses := make([]Status, 0, len(runners))
	for _, r := range runners {
		statuses = append(statuses, snapshot(r))
	}
	return statuses
}

func snapshot(r *runner.Runner) Status {
	return Status{
		ID:           r.ID,
		Scope:        r.Scope,
		ScopeName:    r.ScopeName,
		State:        r.State(),
		ContainerRef: r.ContainerRef,
		Labels:       r.Labels,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt(),
	}
}

// GetLogs returns up to tail trailing log lines from the runner's
// container.
func (m *Manager) GetLogs(ctx context.Context, id string, tail int) (string, error) {
	r, ok := m.registry.Get(id)
	if !ok {
		return "", &NotFoundError{RunnerID: id}
	}
	out, err := m.runtime.Logs(ctx, runtime.Ref(r.ContainerRef), tail)
	if err != nil {
		return "", &ContainerError{RunnerID: id, Op: "logs", Err: err}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Orphan adoption
// ---------------------------------------------------------------------------

// AdoptOrphans finds backend objects carrying the ephemeral marker
// that are not in the registry.  Live ones are re-registered in the
// unknown state so the cleanup pass can reap them; dead ones are
// removed outright.  Returns the number adopted.
func (m *Manager) AdoptOrphans(ctx context.Context) (int, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.AdoptOrphans")
	defer span.End()

	refs, err := m.runtime.ListByLabel(ctx, LabelEphemeral, "true")
	if err != nil {
		return 0, fmt.Errorf("list ephemeral containers: %w", err)
	}

	adopted := 0
	for _, ref := range refs {
		info, err := m.runtime.Inspect(ctx, ref)
		if err != nil {
			if !errors.Is(err, runtime.ErrNotFound) {
				m.logger.Warn("failed to inspect orphan",
					slog.String("ref", string(ref)),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		name := info.Labels[LabelRunnerName]
		if name == "" {
			name = string(ref)
		}
		if _, exists := m.registry.Get(name); exists {
			continue
		}

		if !info.Running {
			m.logger.Info("removing dead orphan container",
				slog.String("ref", string(ref)),
				slog.String("runner", name),
			)
			if err := m.runtime.Remove(ctx, ref); err != nil {
				m.logger.Warn("failed to remove dead orphan",
					slog.String("ref", string(ref)),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		r := runner.Adopt(name, runner.Scope(info.Labels[LabelScope]), info.Labels[LabelScopeName])
		r.ContainerRef = string(ref)
		if err := m.registry.Add(r); err != nil {
			m.logger.Warn("failed to adopt orphan",
				slog.String("runner", name),
				slog.String("error", err.Error()),
			)
			continue
		}

		m.logger.Info("adopted orphan runner",
			slog.String("runner", name),
			slog.String("ref", string(ref)),
			slog.String("scopeName", info.Labels[LabelScopeName]),
		)
		adopted++
	}

	span.SetAttributes(attribute.Int("runners.adopted", adopted))
	return adopted, nil
}
