// Package config handles loading, validating, and applying
// configuration for the runner orchestrator.  Configuration is read
// from a YAML file and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/runnerforge/orchestrator/internal/github"
	"github.com/runnerforge/orchestrator/internal/placeholder"
	"github.com/runnerforge/orchestrator/internal/runtime"
	"github.com/runnerforge/orchestrator/internal/runtime/docker"
	"github.com/runnerforge/orchestrator/internal/runtime/gcp"
)

// envTemplatePrefix marks process environment variables that feed the
// runner environment template, e.g. RUNNERENV_GITHUB_URL.
const envTemplatePrefix = "RUNNERENV_"

// ---------------------------------------------------------------------------
// Duration
// ---------------------------------------------------------------------------

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m", or from plain integer seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.  The node tag decides
// the form: "!!int" is bare seconds, "!!str" is a ParseDuration
// string.  An int node also decodes as a string, so trying the string
// branch first would swallow the integer form.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Tag {
	case "!!int":
		var secs int64
		if err := value.Decode(&secs); err != nil {
			return fmt.Errorf("invalid duration %q", value.Value)
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	case "!!str":
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration %q", value.Value)
	}
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitHub       GitHubConfig       `yaml:"github"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Runtime      RuntimeConfig      `yaml:"runtime"`
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	OTel         OTelConfig         `yaml:"otel"`
}

// ServerConfig controls the local HTTP endpoints.
type ServerConfig struct {
	// Port serves /healthz and /metrics.  Default: 8090.
	Port int `yaml:"port"`
}

// ---------------------------------------------------------------------------
// GitHub / auth
// ---------------------------------------------------------------------------

// GitHubConfig holds the API credential and endpoint.
type GitHubConfig struct {
	// Token is a personal access token with repo and admin:org scope.
	Token string `yaml:"token"`

	// BaseURL overrides the API endpoint, for GitHub Enterprise.
	// Default: "https://api.github.com".
	BaseURL string `yaml:"base_url"`

	// RequestTimeout bounds each API call.  Default: 30s.
	RequestTimeout Duration `yaml:"request_timeout"`
}

// ---------------------------------------------------------------------------
// Orchestrator
// ---------------------------------------------------------------------------

// OrchestratorConfig controls the reconciliation loop and fleet
// limits.
type OrchestratorConfig struct {
	// PollInterval is the scale-up pass cadence.  Minimum 10s,
	// default 30s.
	PollInterval Duration `yaml:"poll_interval"`

	// CleanupInterval is the purge pass cadence.  Minimum 60s,
	// default 5m.
	CleanupInterval Duration `yaml:"cleanup_interval"`

	// MaxRunnersPerScope caps runners per repository or organization.
	// Between 1 and 50, default 10.
	MaxRunnersPerScope int `yaml:"max_runners_per_scope"`

	// DiscoveryMode: "all" scans organization plus directly
	// accessible repositories, "organization" scans organizations
	// only.  Default: "all".
	DiscoveryMode string `yaml:"discovery_mode"`

	// AutoDiscovery starts the reconciliation loop at boot.
	// Default: true.
	AutoDiscovery *bool `yaml:"auto_discovery"`

	// StopTimeout bounds graceful container stop on destroy.
	// Default: 30s.
	StopTimeout Duration `yaml:"stop_timeout"`

	// RunnerEnv maps environment variable names to template strings
	// passed to every runner.  Values may contain placeholder tokens
	// like {runner_name} or {registration_token}.  Merged with
	// RUNNERENV_-prefixed process environment variables, which win.
	RunnerEnv map[string]string `yaml:"runner_env"`
}

// ---------------------------------------------------------------------------
// Runtime
// ---------------------------------------------------------------------------

// RuntimeConfig selects and configures the compute backend.
type RuntimeConfig struct {
	// Type selects the compute backend: "docker" or "gcp".
	Type string `yaml:"type"`

	// Network is the backend network runners attach to, also exposed
	// to templates as {docker_network}.
	Network string `yaml:"network"`

	// OrchestratorPort and APIGatewayPort are exposed to templates
	// only; nothing is bound here.
	OrchestratorPort string `yaml:"orchestrator_port"`
	APIGatewayPort   string `yaml:"api_gateway_port"`

	// RegistryURL is exposed to templates as {registry_url}.
	RegistryURL string `yaml:"registry_url"`

	// Docker holds Docker-specific settings.  Only read when Type == "docker".
	Docker DockerRuntimeConfig `yaml:"docker"`

	// GCP holds GCP Compute Engine settings.  Only read when Type == "gcp".
	GCP GCPRuntimeConfig `yaml:"gcp"`
}

// DockerRuntimeConfig holds Docker-specific settings.
type DockerRuntimeConfig struct {
	// Image is the container image for the runner.
	// Default: "ghcr.io/actions/actions-runner:latest"
	Image string `yaml:"image"`

	// PullOnStart pulls the image at startup so the first runner does
	// not pay the pull latency.
	PullOnStart bool `yaml:"pull_on_start"`
}

// GCPRuntimeConfig holds GCP Compute Engine settings.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCPRuntimeConfig struct {
	// Project is the GCP project ID (required when runtime.type == "gcp").
	Project string `yaml:"project"`

	// Zone is the GCP zone for runner VMs (required).
	Zone string `yaml:"zone"`

	// MachineType is the Compute Engine machine type.  Default: "e2-medium".
	MachineType string `yaml:"machine_type"`

	// Image is the full self-link or family URL of the runner image (required).
	Image string `yaml:"image"`

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Subnet is the subnetwork (optional).
	Subnet string `yaml:"subnet"`

	// PublicIP controls whether runner VMs get an external IP address.
	// Default: true.  A *bool distinguishes "not set" from
	// "explicitly false".
	PublicIP *bool `yaml:"public_ip"`

	// ServiceAccount is the GCP service account email to attach to
	// runner VMs (optional).
	ServiceAccount string `yaml:"service_account"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OpenTelemetry is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).  Default: false.
	StdOut bool `yaml:"stdout"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.GitHub.BaseURL == "" {
		c.GitHub.BaseURL = "https://api.github.com"
	}
	if c.GitHub.RequestTimeout == 0 {
		c.GitHub.RequestTimeout = Duration(30 * time.Second)
	}
	if c.Orchestrator.PollInterval == 0 {
		c.Orchestrator.PollInterval = Duration(30 * time.Second)
	}
	if c.Orchestrator.CleanupInterval == 0 {
		c.Orchestrator.CleanupInterval = Duration(5 * time.Minute)
	}
	if c.Orchestrator.MaxRunnersPerScope == 0 {
		c.Orchestrator.MaxRunnersPerScope = 10
	}
	if c.Orchestrator.DiscoveryMode == "" {
		c.Orchestrator.DiscoveryMode = "all"
	}
	if c.Orchestrator.AutoDiscovery == nil {
		t := true
		c.Orchestrator.AutoDiscovery = &t
	}
	if c.Orchestrator.StopTimeout == 0 {
		c.Orchestrator.StopTimeout = Duration(30 * time.Second)
	}
	if c.Runtime.Type == "" {
		c.Runtime.Type = "docker"
	}
	if c.Runtime.Docker.Image == "" {
		c.Runtime.Docker.Image = "ghcr.io/actions/actions-runner:latest"
	}
	if c.Runtime.GCP.MachineType == "" {
		c.Runtime.GCP.MachineType = "e2-medium"
	}
	if c.Runtime.GCP.DiskSizeGB == 0 {
		c.Runtime.GCP.DiskSizeGB = 50
	}
	if c.Runtime.GCP.PublicIP == nil {
		t := true
		c.Runtime.GCP.PublicIP = &t
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8090
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	// OTel defaults: disabled by default, insecure=true for local dev
	if !c.OTel.Enabled {
		if !c.OTel.Insecure && c.OTel.Endpoint == "" {
			c.OTel.Insecure = true
		}
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if c.GitHub.Token == "" {
		return fmt.Errorf("github.token is required")
	}

	if c.Orchestrator.PollInterval.Std() < 10*time.Second {
		return fmt.Errorf("orchestrator.poll_interval must be at least 10s, got %s", c.Orchestrator.PollInterval.Std())
	}
	if c.Orchestrator.CleanupInterval.Std() < time.Minute {
		return fmt.Errorf("orchestrator.cleanup_interval must be at least 1m, got %s", c.Orchestrator.CleanupInterval.Std())
	}
	if c.Orchestrator.MaxRunnersPerScope < 1 || c.Orchestrator.MaxRunnersPerScope > 50 {
		return fmt.Errorf("orchestrator.max_runners_per_scope must be between 1 and 50, got %d", c.Orchestrator.MaxRunnersPerScope)
	}
	switch c.Orchestrator.DiscoveryMode {
	case "all", "organization":
		// OK
	default:
		return fmt.Errorf("orchestrator.discovery_mode %q is not supported (supported: all, organization)", c.Orchestrator.DiscoveryMode)
	}

	switch c.Runtime.Type {
	case "docker":
		if c.Runtime.Docker.Image == "" {
			return fmt.Errorf("runtime.docker.image is required")
		}
	case "gcp":
		if c.Runtime.GCP.Project == "" {
			return fmt.Errorf("runtime.gcp.project is required when runtime.type is \"gcp\"")
		}
		if c.Runtime.GCP.Zone == "" {
			return fmt.Errorf("runtime.gcp.zone is required when runtime.type is \"gcp\"")
		}
		if c.Runtime.GCP.Image == "" {
			return fmt.Errorf("runtime.gcp.image is required when runtime.type is \"gcp\"")
		}
	default:
		return fmt.Errorf("runtime.type %q is not supported (supported: docker, gcp)", c.Runtime.Type)
	}

	return nil
}

// RunnerImage returns the image for the selected backend.
func (c *Config) RunnerImage() string {
	if c.Runtime.Type == "gcp" {
		return c.Runtime.GCP.Image
	}
	return c.Runtime.Docker.Image
}

// ---------------------------------------------------------------------------
// Runner environment template
// ---------------------------------------------------------------------------

// EnvTemplate merges the configured runner_env map with
// RUNNERENV_-prefixed process environment variables.  Process
// variables win so deployments can override the file without editing
// it.
func (c *Config) EnvTemplate() map[string]string {
	merged := make(map[string]string, len(c.Orchestrator.RunnerEnv))
	for k, v := range c.Orchestrator.RunnerEnv {
		merged[k] = v
	}
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(key, envTemplatePrefix) {
			continue
		}
		name := strings.TrimPrefix(key, envTemplatePrefix)
		if name == "" {
			continue
		}
		merged[name] = value
	}
	return merged
}

// ValidateTemplates checks every runner_env value against the known
// placeholder tokens.  Unknown tokens are warnings, not errors: they
// pass through to the runner verbatim.
func (c *Config) ValidateTemplates(resolver *placeholder.Resolver, logger *slog.Logger) {
	for name, tmpl := range c.EnvTemplate() {
		result := resolver.Validate(tmpl)
		if !result.IsValid() {
			logger.Warn("runner_env template contains unknown placeholders",
				slog.String("variable", name),
				slog.Any("unknown", result.Invalid),
			)
		}
	}
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewProvider creates the GitHub API client from the configured
// credential.
func (c *Config) NewProvider(logger *slog.Logger) *github.Client {
	return github.NewClient(github.ClientConfig{
		Token:          c.GitHub.Token,
		BaseURL:        c.GitHub.BaseURL,
		RequestTimeout: c.GitHub.RequestTimeout.Std(),
		Logger:         logger.WithGroup("github"),
	})
}

// NewRuntime creates the compute backend selected by runtime.type.
func (c *Config) NewRuntime(ctx context.Context, logger *slog.Logger) (runtime.Runtime, error) {
	switch c.Runtime.Type {
	case "docker":
		return docker.New(ctx, docker.Config{
			Image:       c.Runtime.Docker.Image,
			PullOnStart: c.Runtime.Docker.PullOnStart,
		}, logger.WithGroup("runtime.docker"))
	case "gcp":
		return gcp.New(ctx, gcp.Config{
			Project:        c.Runtime.GCP.Project,
			Zone:           c.Runtime.GCP.Zone,
			MachineType:    c.Runtime.GCP.MachineType,
			DiskSizeGB:     c.Runtime.GCP.DiskSizeGB,
			Subnet:         c.Runtime.GCP.Subnet,
			PublicIP:       *c.Runtime.GCP.PublicIP,
			ServiceAccount: c.Runtime.GCP.ServiceAccount,
		}, logger.WithGroup("runtime.gcp"))
	default:
		return nil, fmt.Errorf("unsupported runtime type: %s", c.Runtime.Type)
	}
}

// PlaceholderEnvironment returns the environment snapshot templates
// resolve against.
func (c *Config) PlaceholderEnvironment() placeholder.Environment {
	return placeholder.Environment{
		DockerNetwork:    c.Runtime.Network,
		OrchestratorPort: c.Runtime.OrchestratorPort,
		APIGatewayPort:   c.Runtime.APIGatewayPort,
		RunnerImage:      c.RunnerImage(),
		RegistryURL:      c.Runtime.RegistryURL,
		UserLogin:        os.Getenv("GITHUB_USER_LOGIN"),
	}
}
