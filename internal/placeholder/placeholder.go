// Package placeholder expands `{token}` placeholders in runner
// environment templates against a closed, enumerable token registry.
// Resolution never fails: unknown tokens pass through verbatim and are
// reported by Validate as a configuration-time diagnostic instead.
package placeholder

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Context is the per-runner input for resolution, constructed once per
// runner creation.
type Context struct {
	ScopeName         string
	RunnerName        string
	RegistrationToken string
}

// Environment is the process-level configuration passed through to
// templates.  It is a snapshot taken at resolver construction, not
// read from the template caller.
type Environment struct {
	DockerNetwork    string
	OrchestratorPort string
	APIGatewayPort   string
	RunnerImage      string
	RegistryURL      string
	UserLogin        string
}

var tokenPattern = regexp.MustCompile(`\{[^}]+\}`)

// Resolver expands templates.  Hostname and the orchestrator id are
// captured once at construction and stay stable for the process
// lifetime.  The clock is read once per Resolve call so all time
// tokens in one template derive from the same instant.
type Resolver struct {
	hostname       string
	orchestratorID string
	env            Environment
	now            func() time.Time
}

// NewResolver creates a Resolver with the given environment snapshot.
func NewResolver(env Environment) *Resolver {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Resolver{
		hostname:       hostname,
		orchestratorID: fmt.Sprintf("orchestrator-%d", os.Getpid()),
		env:            env,
		now:            time.Now,
	}
}

// OrchestratorID returns the process-unique orchestrator identifier.
func (r *Resolver) OrchestratorID() string {
	return r.orchestratorID
}

// Resolve replaces every occurrence of a known token in template with
// its value.  Unknown tokens are left verbatim.
func (r *Resolver) Resolve(template string, ctx Context) string {
	result := template
	for token, value := range r.substitutions(ctx) {
		result = strings.ReplaceAll(result, token, value)
	}
	return result
}

func (r *Resolver) substitutions(ctx Context) map[string]string {
	now := r.now().UTC()
	owner, name := splitScope(ctx.ScopeName)

	return map[string]string{
		// Identity, from the per-runner context.
		"{scope_name}":         ctx.ScopeName,
		"{runner_name}":        ctx.RunnerName,
		"{registration_token}": ctx.RegistrationToken,
		// Time, all derived from the same clock read.
		"{timestamp}":      fmt.Sprintf("%d", now.Unix()),
		"{timestamp_iso}":  now.Format("2006-01-02T15:04:05Z"),
		"{timestamp_date}": now.Format("2006-01-02"),
		"{timestamp_time}": now.Format("15-04-05"),
		// Host and process, stable for the process lifetime.
		"{hostname}":        r.hostname,
		"{orchestrator_id}": r.orchestratorID,
		// Environment passthrough.
		"{docker_network}":    r.env.DockerNetwork,
		"{orchestrator_port}": r.env.OrchestratorPort,
		"{api_gateway_port}":  r.env.APIGatewayPort,
		"{runner_image}":      r.env.RunnerImage,
		"{registry_url}":      r.env.RegistryURL,
		"{user_login}":        r.env.UserLogin,
		// Scope decomposition.
		"{repo_owner}":     owner,
		"{repo_name}":      name,
		"{repo_full_name}": ctx.ScopeName,
	}
}

// splitScope decomposes "owner/name".  Without a separator the owner
// is empty and the name is the whole string.
func splitScope(scopeName string) (owner, name string) {
	if i := strings.Index(scopeName, "/"); i >= 0 {
		return scopeName[:i], scopeName[i+1:]
	}
	return "", scopeName
}

// Known returns the registered tokens with a short description for
// each, for startup diagnostics and the placeholders listing.
func (r *Resolver) Known() map[string]string {
	return map[string]string{
		"{scope_name}":         "repository or organization name (e.g. acme/widgets)",
		"{runner_name}":        "unique runner name",
		"{registration_token}": "one-shot registration token",
		"{timestamp}":          "unix timestamp at resolution",
		"{timestamp_iso}":      "ISO 8601 timestamp (e.g. 2026-02-03T18:30:34Z)",
		"{timestamp_date}":     "date as YYYY-MM-DD",
		"{timestamp_time}":     "time as HH-MM-SS",
		"{hostname}":           "host the orchestrator runs on",
		"{orchestrator_id}":    "process-unique orchestrator id",
		"{docker_network}":     "container network for runners",
		"{orchestrator_port}":  "orchestrator listen port",
		"{api_gateway_port}":   "API gateway port",
		"{runner_image}":       "configured runner image",
		"{registry_url}":       "container registry URL",
		"{user_login}":         "GitHub user the credential belongs to",
		"{repo_owner}":         "owner part of the scope name",
		"{repo_name}":          "repository part of the scope name",
		"{repo_full_name}":     "full scope name",
	}
}

// ValidationResult enumerates the tokens found in a template.
type ValidationResult struct {
	Template string
	Valid    []string
	Invalid  []string
}

// IsValid reports whether the template contains no unknown tokens.
func (v ValidationResult) IsValid() bool {
	return len(v.Invalid) == 0
}

// Validate enumerates the tokens in a template against the known set.
// An invalid result is a configuration warning; it never blocks
// Resolve.
func (r *Resolver) Validate(template string) ValidationResult {
	result := ValidationResult{Template: template}
	known := r.Known()

	for _, token := range tokenPattern.FindAllString(template, -1) {
		if _, ok := known[token]; ok {
			result.Valid = append(result.Valid, token)
		} else {
			result.Invalid = append(result.Invalid, token)
		}
	}
	return result
}
