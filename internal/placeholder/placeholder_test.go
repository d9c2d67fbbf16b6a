package placeholder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frozenResolver returns a resolver with a fixed clock, hostname, and
// environment so resolution is fully deterministic.
func frozenResolver() *Resolver {
	return &Resolver{
		hostname:       "testhost",
		orchestratorID: "orchestrator-4242",
		env: Environment{
			DockerNetwork:    "runners-net",
			OrchestratorPort: "8000",
			APIGatewayPort:   "8080",
			RunnerImage:      "ghcr.io/acme/runner:latest",
			RegistryURL:      "registry.example.com",
			UserLogin:        "octocat",
		},
		now: func() time.Time {
			return time.Date(2026, 2, 3, 18, 30, 34, 0, time.UTC)
		},
	}
}

func testContext() Context {
	return Context{
		ScopeName:         "acme/widgets",
		RunnerName:        "ephemeral-runner-ab12cd34",
		RegistrationToken: "AABBCC",
	}
}

func TestResolve_IdentityTokens(t *testing.T) {
	r := frozenResolver()
	out := r.Resolve("{scope_name}|{runner_name}|{registration_token}", testContext())
	assert.Equal(t, "acme/widgets|ephemeral-runner-ab12cd34|AABBCC", out)
}

func TestResolve_TimeTokensShareOneInstant(t *testing.T) {
	r := frozenResolver()
	out := r.Resolve("{timestamp}|{timestamp_iso}|{timestamp_date}|{timestamp_time}", testContext())
	assert.Equal(t, "1770143434|2026-02-03T18:30:34Z|2026-02-03|18-30-34", out)
}

func TestResolve_HostAndEnvironmentTokens(t *testing.T) {
	r := frozenResolver()
	out := r.Resolve("{hostname}/{orchestrator_id} net={docker_network} img={runner_image} reg={registry_url} p={orchestrator_port},{api_gateway_port} u={user_login}", testContext())
	assert.Equal(t, "testhost/orchestrator-4242 net=runners-net img=ghcr.io/acme/runner:latest reg=registry.example.com p=8000,8080 u=octocat", out)
}

func TestResolve_ScopeDecomposition(t *testing.T) {
	r := frozenResolver()

	out := r.Resolve("{repo_owner}|{repo_name}|{repo_full_name}", testContext())
	assert.Equal(t, "acme|widgets|acme/widgets", out)

	// Without a separator the owner is empty and the name falls back
	// to the whole string.
	ctx := testContext()
	ctx.ScopeName = "acme"
	out = r.Resolve("{repo_owner}|{repo_name}", ctx)
	assert.Equal(t, "|acme", out)
}

func TestResolve_UnknownTokensPassThrough(t *testing.T) {
	r := frozenResolver()
	out := r.Resolve("before {no_such_token} after {scope_name}", testContext())
	assert.Equal(t, "before {no_such_token} after acme/widgets", out)
}

func TestResolve_Deterministic(t *testing.T) {
	r := frozenResolver()
	template := "https://github.com/{scope_name}?t={timestamp}&h={hostname}&x={unknown}"

	first := r.Resolve(template, testContext())
	second := r.Resolve(template, testContext())
	assert.Equal(t, first, second)
}

func TestResolve_RepeatedToken(t *testing.T) {
	r := frozenResolver()
	out := r.Resolve("{repo_name}-{repo_name}", testContext())
	assert.Equal(t, "widgets-widgets", out)
}

func TestValidate(t *testing.T) {
	r := frozenResolver()

	result := r.Validate("{scope_name} and {bogus} and {runner_name}")
	assert.ElementsMatch(t, []string{"{scope_name}", "{runner_name}"}, result.Valid)
	assert.Equal(t, []string{"{bogus}"}, result.Invalid)
	assert.False(t, result.IsValid())

	result = r.Validate("no tokens here")
	assert.Empty(t, result.Valid)
	assert.Empty(t, result.Invalid)
	assert.True(t, result.IsValid())
}

func TestKnown_CoversEverySubstitution(t *testing.T) {
	r := frozenResolver()
	known := r.Known()
	for token := range r.substitutions(testContext()) {
		_, ok := known[token]
		require.True(t, ok, "substitution token %s missing from Known()", token)
	}
}

func TestNewResolver_StableIdentity(t *testing.T) {
	r := NewResolver(Environment{})
	require.NotEmpty(t, r.OrchestratorID())
	assert.Contains(t, r.OrchestratorID(), "orchestrator-")

	// Identity tokens must be identical across calls.
	a := r.Resolve("{hostname}|{orchestrator_id}", testContext())
	b := r.Resolve("{hostname}|{orchestrator_id}", testContext())
	assert.Equal(t, a, b)
}
