// Package orchestrator is the facade the outer surfaces (CLI, health
// endpoint) talk to.  It bundles the lifecycle manager and the
// reconciliation monitor behind one concurrency-safe API.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/runnerforge/orchestrator/internal/lifecycle"
	"github.com/runnerforge/orchestrator/internal/monitor"
	"github.com/runnerforge/orchestrator/internal/placeholder"
	"github.com/runnerforge/orchestrator/internal/runner"
)

// CreateRequest asks for one or more runners on a scope.
type CreateRequest struct {
	Scope     runner.Scope
	ScopeName string

	// Count is how many runners to create.  Zero means one.
	Count int

	// NamePrefix overrides generated names.  With Count > 1 each
	// runner gets a -1..-N suffix.
	NamePrefix string

	RunnerGroup string
	Labels      []string
}

// CreateResult reports the outcome for one requested runner.
type CreateResult struct {
	ID  string
	Err error
}

// Statistics is an aggregate view of the tracked fleet.
type Statistics struct {
	TotalRunners int
	States       map[runner.State]int
	Scopes       map[string]int
	Monitoring   bool
}

// Config holds facade-level limits.
type Config struct {
	// MaxRunnersPerScope caps Count on CreateRunners.
	MaxRunnersPerScope int

	// DestroyTimeout bounds the graceful stop on destroys.
	DestroyTimeout time.Duration

	Logger *slog.Logger
}

// Service is the orchestration facade.  All methods are safe for
// concurrent callers.
type Service struct {
	lifecycle *lifecycle.Manager
	monitor   *monitor.Monitor
	registry  *runner.Registry
	resolver  *placeholder.Resolver
	cfg       Config
	logger    *slog.Logger
}

// New assembles the facade from its already-constructed parts.
func New(lc *lifecycle.Manager, mon *monitor.Monitor, registry *runner.Registry, resolver *placeholder.Resolver, cfg Config) *Service {
	if cfg.MaxRunnersPerScope == 0 {
		cfg.MaxRunnersPerScope = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		lifecycle: lc,
		monitor:   mon,
		registry:  registry,
		resolver:  resolver,
		cfg:       cfg,
		logger:    cfg.Logger,
	}
}

// CreateRunners creates req.Count runners.  The request as a whole is
// validated up front; after that each runner succeeds or fails on its
// own and the per-runner outcomes are returned.
func (s *Service) CreateRunners(ctx context.Context, req CreateRequest) ([]CreateResult, error) {
	count := req.Count
	if count == 0 {
		count = 1
	}
	if count < 1 || count > s.cfg.MaxRunnersPerScope {
		return nil, &lifecycle.ValidationError{
			Field:  "count",
			Reason: fmt.Sprintf("must be between 1 and %d, got %d", s.cfg.MaxRunnersPerScope, count),
		}
	}

	results := make([]CreateResult, 0, count)
	for i := 1; i <= count; i++ {
		name := req.NamePrefix
		if name != "" && count > 1 {
			name = fmt.Sprintf("%s-%d", req.NamePrefix, i)
		}

		r, err := s.lifecycle.CreateRunner(ctx, req.Scope, req.ScopeName, lifecycle.CreateOptions{
			Name:        name,
			RunnerGroup: req.RunnerGroup,
			Labels:      req.Labels,
		})
		if err != nil {
			results = append(results, CreateResult{ID: name, Err: err})
			continue
		}
		results = append(results, CreateResult{ID: r.ID})
	}
	return results, nil
}

// DestroyRunner tears one runner down.  Unknown ids return
// (false, nil).
func (s *Service) DestroyRunner(ctx context.Context, id string) (bool, error) {
	return s.lifecycle.DestroyRunner(ctx, id, s.cfg.DestroyTimeout)
}

// GetRunnerStatus returns the reconciled status of one runner.
func (s *Service) GetRunnerStatus(ctx context.Context, id string) (lifecycle.Status, error) {
	return s.lifecycle.GetStatus(ctx, id)
}

// ListActiveRunners returns a snapshot of every tracked runner.
func (s *Service) ListActiveRunners(ctx context.Context) []lifecycle.Status {
	return s.lifecycle.ListActive(ctx)
}

// GetRunnerLogs returns up to tail trailing log lines of one runner.
func (s *Service) GetRunnerLogs(ctx context.Context, id string, tail int) (string, error) {
	return s.lifecycle.GetLogs(ctx, id, tail)
}

// CleanupInactive runs one purge pass immediately.
func (s *Service) CleanupInactive(ctx context.Context) (int, error) {
	return s.monitor.Purge(ctx)
}

// AdoptOrphans re-registers backend objects left behind by a previous
// process.
func (s *Service) AdoptOrphans(ctx context.Context) (int, error) {
	return s.lifecycle.AdoptOrphans(ctx)
}

// StartMonitoring launches the reconciliation loop.
func (s *Service) StartMonitoring() error {
	return s.monitor.Start()
}

// StopMonitoring stops the reconciliation loop and waits for it.
func (s *Service) StopMonitoring(ctx context.Context) error {
	return s.monitor.Stop(ctx)
}

// IsMonitoring reports whether the reconciliation loop is running.
func (s *Service) IsMonitoring() bool {
	return s.monitor.IsRunning()
}

// AvailablePlaceholders lists the template tokens the environment
// resolver understands.
func (s *Service) AvailablePlaceholders() map[string]string {
	return s.resolver.Known()
}

// GetStatistics aggregates the fleet by state and by scope.
func (s *Service) GetStatistics() Statistics {
	runners := s.registry.List()
	stats := Statistics{
		TotalRunners: len(runners),
		States:       make(map[runner.State]int),
		Scopes:       make(map[string]int),
		Monitoring:   s.monitor.IsRunning(),
	}
	for _, r := range runners {
		stats.States[r.State()]++
		stats.Scopes[r.ScopeName]++
	}
	return stats
}

// Shutdown stops monitoring and destroys every tracked runner.  Used
// on process exit so no containers outlive the orchestrator.
func (s *Service) Shutdown(ctx context.Context) error {
	if err := s.monitor.Stop(ctx); err != nil {
		return err
	}
	for _, r := range s.registry.List() {
		if _, err := s.lifecycle.DestroyRunner(ctx, r.ID, s.cfg.DestroyTimeout); err != nil {
			s.logger.Warn("failed to destroy runner during shutdown",
				slog.String("runner", r.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
