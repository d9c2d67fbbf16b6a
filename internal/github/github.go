// Package github talks to the GitHub REST API: registration-token
// issuance, workflow-run counts, repository and organization
// discovery, and workflow-content inspection.  The rest of the system
// depends only on the Provider interface so tests can substitute a
// fake.
package github

import (
	"context"
	"errors"
	"fmt"

	"github.com/runnerforge/orchestrator/internal/runner"
)

// Workflow run statuses accepted by CountWorkflowRuns.
const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
)

// Provider is the demand-signal contract.  All calls carry a bounded
// timeout and surface network/timeout failures distinctly from
// "not found" failures via *ProviderError.
type Provider interface {
	// IssueRegistrationToken obtains a one-shot runner registration
	// token for the given scope.
	IssueRegistrationToken(ctx context.Context, scope runner.Scope, scopeName string) (string, error)

	// CountWorkflowRuns returns the number of workflow runs for the
	// repository in the given status (StatusQueued or StatusInProgress).
	CountWorkflowRuns(ctx context.Context, scopeName, status string) (int, error)

	// ListAccessibleRepositories enumerates the repositories the
	// configured credential can reach, as "owner/name".
	ListAccessibleRepositories(ctx context.Context) ([]string, error)

	// ListOrganizations enumerates the organizations the credential
	// belongs to.
	ListOrganizations(ctx context.Context) ([]string, error)

	// ListOrganizationRepositories enumerates an organization's
	// repositories as "owner/name".
	ListOrganizationRepositories(ctx context.Context, org string) ([]string, error)

	// UsesSelfHostedRunners inspects the repository's workflow files
	// for a self-hosted marker.  A repository without workflows
	// reports false, not an error.
	UsesSelfHostedRunners(ctx context.Context, scopeName string) (bool, error)
}

// ErrorKind classifies provider failures so callers branch on kind,
// not on string matching.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindUnavailable ErrorKind = "unavailable"
	KindRateLimited ErrorKind = "rate_limited"
	KindNotFound    ErrorKind = "not_found"
)

// ProviderError is a classified failure from the GitHub API.
type ProviderError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("github %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("github %s: %s", e.Op, e.Kind)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a provider timeout.
func IsTimeout(err error) bool { return hasKind(err, KindTimeout) }

// IsRateLimited reports whether err is provider-side throttling.
func IsRateLimited(err error) bool { return hasKind(err, KindRateLimited) }

// IsNotFound reports whether err is a provider 404.
func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }

func hasKind(err error, kind ErrorKind) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == kind
}
