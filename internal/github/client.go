package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	retryable "github.com/hashicorp/go-retryablehttp"

	"github.com/runnerforge/orchestrator/internal/runner"
)

const defaultBaseURL = "https://api.github.com"

// Markers that identify a workflow job requiring a self-hosted runner.
var selfHostedMarkers = []string{
	"runs-on: self-hosted",
	`runs-on: ["self-hosted"`,
	`runs-on: [ "self-hosted"`,
}

// ClientConfig holds the settings for the REST adapter.
type ClientConfig struct {
	// Token is the PAT used for all API calls.
	Token string

	// BaseURL overrides the API endpoint (tests, GHES).
	// Default: https://api.github.com.
	BaseURL string

	// RequestTimeout bounds each API call.  Default: 30s.
	RequestTimeout time.Duration

	// RetryMax is the number of transport-level retries for 5xx
	// responses.  Default: 2.
	RetryMax int

	Logger *slog.Logger
}

// Client is the concrete Provider backed by the GitHub REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
	logger     *slog.Logger
}

// Compile-time check.
var _ Provider = (*Client)(nil)

// authTransport injects the token and accept headers on every request.
type authTransport struct {
	token string
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "token "+t.token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	return http.DefaultTransport.RoundTrip(req)
}

// NewClient creates a Client.  The underlying HTTP client retries
// transient 5xx responses with backoff before a failure is surfaced.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	rc := retryable.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMax = 10 * time.Second
	rc.Logger = nil
	rc.HTTPClient.Transport = &authTransport{token: cfg.Token}
	// Rate limiting must reach the caller as a classified error, not
	// be absorbed by transport retries.
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden) {
			return false, nil
		}
		return retryable.DefaultRetryPolicy(ctx, resp, err)
	}

	return &Client{
		httpClient: rc.StandardClient(),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.RequestTimeout,
		logger:     cfg.Logger,
	}
}

// ---------------------------------------------------------------------------
// Provider implementation
// ---------------------------------------------------------------------------

// IssueRegistrationToken obtains a one-shot registration token for a
// repository or organization scope.
func (c *Client) IssueRegistrationToken(ctx context.Context, scope runner.Scope, scopeName string) (string, error) {
	const op = "issue registration token"

	var path string
	switch scope {
	case runner.ScopeRepository:
		path = fmt.Sprintf("/repos/%s/actions/runners/registration-token", scopeName)
	case runner.ScopeOrganization:
		path = fmt.Sprintf("/orgs/%s/actions/runners/registration-token", scopeName)
	default:
		return "", &ProviderError{Kind: KindNotFound, Op: op, Err: fmt.Errorf("unknown scope %q", scope)}
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, op, http.MethodPost, path, &body); err != nil {
		return "", err
	}
	if body.Token == "" {
		return "", &ProviderError{Kind: KindUnavailable, Op: op, Err: errors.New("empty token in response")}
	}
	return body.Token, nil
}

// CountWorkflowRuns returns the number of workflow runs in the given
// status for a repository.
func (c *Client) CountWorkflowRuns(ctx context.Context, scopeName, status string) (int, error) {
	const op = "count workflow runs"

	var body struct {
		TotalCount int `json:"total_count"`
	}
	path := fmt.Sprintf("/repos/%s/actions/runs?status=%s", scopeName, status)
	if err := c.do(ctx, op, http.MethodGet, path, &body); err != nil {
		return 0, err
	}
	return body.TotalCount, nil
}

// ListAccessibleRepositories lists the repositories the credential can
// reach.
func (c *Client) ListAccessibleRepositories(ctx context.Context) ([]string, error) {
	return c.listRepos(ctx, "list accessible repositories", "/user/repos")
}

// ListOrganizations lists the credential's organizations.
func (c *Client) ListOrganizations(ctx context.Context) ([]string, error) {
	const op = "list organizations"

	var body []struct {
		Login string `json:"login"`
	}
	if err := c.do(ctx, op, http.MethodGet, "/user/orgs", &body); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(body))
	for _, org := range body {
		names = append(names, org.Login)
	}
	return names, nil
}

// ListOrganizationRepositories lists an organization's repositories.
func (c *Client) ListOrganizationRepositories(ctx context.Context, org string) ([]string, error) {
	return c.listRepos(ctx, "list organization repositories", fmt.Sprintf("/orgs/%s/repos", org))
}

func (c *Client) listRepos(ctx context.Context, op, path string) ([]string, error) {
	var body []struct {
		FullName string `json:"full_name"`
	}
	if err := c.do(ctx, op, http.MethodGet, path, &body); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(body))
	for _, repo := range body {
		names = append(names, repo.FullName)
	}
	return names, nil
}

// UsesSelfHostedRunners downloads the repository's workflow files and
// scans them for a self-hosted marker.  Workflow definitions can
// change at any time, so callers re-check every tick rather than
// caching the answer.
func (c *Client) UsesSelfHostedRunners(ctx context.Context, scopeName string) (bool, error) {
	const op = "inspect workflows"

	var entries []struct {
		Name        string `json:"name"`
		DownloadURL string `json:"download_url"`
	}
	path := fmt.Sprintf("/repos/%s/contents/.github/workflows", scopeName)
	err := c.do(ctx, op, http.MethodGet, path, &entries)
	if err != nil {
		// No workflows directory means no self-hosted runners.
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name, ".yml") && !strings.HasSuffix(entry.Name, ".yaml") {
			continue
		}
		if entry.DownloadURL == "" {
			continue
		}
		content, err := c.fetchRaw(ctx, op, entry.DownloadURL)
		if err != nil {
			c.logger.Warn("failed to fetch workflow file",
				slog.String("repo", scopeName),
				slog.String("file", entry.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, marker := range selfHostedMarkers {
			if strings.Contains(content, marker) {
				return true, nil
			}
		}
	}
	return false, nil
}

// ---------------------------------------------------------------------------
// HTTP plumbing
// ---------------------------------------------------------------------------

// do issues a request against the API base URL and decodes the JSON
// response into out (which may be nil).
func (c *Client) do(ctx context.Context, op, method, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return &ProviderError{Kind: KindUnavailable, Op: op, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.classifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.classifyStatus(op, resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProviderError{Kind: KindUnavailable, Op: op, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

// fetchRaw downloads a raw file (workflow content) from an absolute
// URL returned by the contents API.
func (c *Client) fetchRaw(ctx context.Context, op, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &ProviderError{Kind: KindUnavailable, Op: op, Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", c.classifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", c.classifyStatus(op, resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ProviderError{Kind: KindUnavailable, Op: op, Err: err}
	}
	return string(data), nil
}

func (c *Client) classifyTransport(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Kind: KindTimeout, Op: op, Err: err}
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ProviderError{Kind: KindTimeout, Op: op, Err: err}
	}
	return &ProviderError{Kind: KindUnavailable, Op: op, Err: err}
}

func (c *Client) classifyStatus(op string, resp *http.Response) error {
	err := fmt.Errorf("unexpected status %d", resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &ProviderError{Kind: KindNotFound, Op: op, Err: err}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ProviderError{Kind: KindRateLimited, Op: op, Err: err}
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return &ProviderError{Kind: KindRateLimited, Op: op, Err: err}
	default:
		return &ProviderError{Kind: KindUnavailable, Op: op, Err: err}
	}
}
