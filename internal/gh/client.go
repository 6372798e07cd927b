// Package gh collects commits, pull requests, workflow runs, repositories and
// organization members from the GitHub REST API.
package gh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/logger"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/model"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/paginate"
)

const (
	apiBaseURL = "https://api.github.com"
	perPage    = 100
)

// APIError is a non-2xx response from GitHub.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("GitHub API error: %s - %s", e.Status, e.Body)
}

type user struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
}

type commit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name string    `json:"name"`
			Date time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
	Author *user `json:"author"`
}

type pullRequest struct {
	ID        int64      `json:"id"`
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	State     string     `json:"state"`
	User      user       `json:"user"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	MergedAt  *time.Time `json:"merged_at"`
	ClosedAt  *time.Time `json:"closed_at"`
}

type workflowRun struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	HeadBranch string    `json:"head_branch"`
	HeadSHA    string    `json:"head_sha"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type workflowRuns struct {
	TotalCount   int           `json:"total_count"`
	WorkflowRuns []workflowRun `json:"workflow_runs"`
}

type repository struct {
	ID       int64  `json:"id"`
	HTMLURL  string `json:"html_url"`
	FullName string `json:"full_name"`
	Private  bool   `json:"private"`
}

// Client is a GitHub API client.
type Client struct {
	token      string
	baseURL    string
	perPage    int
	httpClient *http.Client
}

// ghHostsConfig represents the structure of ~/.config/gh/hosts.yml
type ghHostsConfig map[string]ghHost

type ghHost struct {
	OAuthToken string `yaml:"oauth_token"`
	User       string `yaml:"user"`
}

// New creates a new GitHub API client with the given token.
func New(token string) *Client {
	return NewWithBaseURL(token, apiBaseURL)
}

// NewWithBaseURL creates a GitHub API client with a custom base URL
// (GitHub Enterprise or a test server).
func NewWithBaseURL(token, baseURL string) *Client {
	return &Client{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		perPage:    perPage,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// GetToken attempts to get a GitHub token from various sources:
// 1. Run `gh auth token` command (gh CLI with keyring storage)
// 2. Read from ~/.config/gh/hosts.yml (older gh CLI format)
// 3. GITHUB_TOKEN environment variable
func GetToken() (string, error) {
	if token, err := getTokenFromGhCLI(); err == nil && token != "" {
		return token, nil
	}

	if token, err := getTokenFromGhConfig(); err == nil && token != "" {
		return token, nil
	}

	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		return token, nil
	}

	return "", fmt.Errorf("no GitHub token found: set github.token, run 'gh auth login', or set GITHUB_TOKEN env var")
}

func getTokenFromGhCLI() (string, error) {
	cmd := exec.Command("gh", "auth", "token")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("gh auth token failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

func getTokenFromGhConfig() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return getTokenFromGhConfigPath(filepath.Join(homeDir, ".config", "gh", "hosts.yml"))
}

// getTokenFromGhConfigPath reads the github.com token from a gh hosts.yml file.
func getTokenFromGhConfigPath(configPath string) (string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to read gh config: %w", err)
	}

	var config ghHostsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return "", fmt.Errorf("failed to parse gh config: %w", err)
	}

	if host, ok := config["github.com"]; ok && host.OAuthToken != "" {
		return host.OAuthToken, nil
	}

	return "", fmt.Errorf("no oauth_token found in gh config")
}

// doRequest performs an authenticated GET and returns the response.
func (c *Client) doRequest(ctx context.Context, hc *http.Client, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	checkRateLimit(resp)
	return resp, nil
}

// getJSON decodes a 200 response from rawURL into dest and returns the Link
// header's next page URL.
func (c *Client) getJSON(ctx context.Context, rawURL string, dest any) (string, error) {
	resp, err := c.doRequest(ctx, c.httpClient, rawURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", newAPIError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	return paginate.NextLink(resp.Header.Get("Link")), nil
}

// listPage returns a FetchFunc for endpoints whose payload is a JSON array.
func listPage[T any](c *Client) paginate.FetchFunc[T] {
	return func(ctx context.Context, locator string) (paginate.Page[T], error) {
		var items []T
		next, err := c.getJSON(ctx, locator, &items)
		if err != nil {
			return paginate.Page[T]{}, err
		}
		return paginate.Page[T]{Items: items, Next: next}, nil
	}
}

func newAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(body))}
}

// checkRateLimit logs rate limit information from response headers.
func checkRateLimit(resp *http.Response) {
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	reset := resp.Header.Get("X-RateLimit-Reset")

	if remaining == "0" && reset != "" {
		resetTime, err := strconv.ParseInt(reset, 10, 64)
		if err == nil {
			resetAt := time.Unix(resetTime, 0)
			logger.Warn("gh: GitHub API rate limit exceeded. Resets at %s", resetAt.Format(time.RFC3339))
		}
	}
}

func (c *Client) endpoint(path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	query.Set("per_page", strconv.Itoa(c.perPage))
	return c.baseURL + path + "?" + query.Encode()
}

func repoPath(owner, repo string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)
}

// GetCommits returns the commits of owner/repo since the given time.
func (c *Client) GetCommits(ctx context.Context, owner, repo string, since time.Time) ([]model.Commit, error) {
	first := c.endpoint(repoPath(owner, repo)+"/commits", url.Values{
		"since": {since.UTC().Format(time.RFC3339)},
	})

	raw, err := paginate.Walk(ctx, first, listPage[commit](c))
	if err != nil {
		return nil, fmt.Errorf("failed to list commits for %s/%s: %w", owner, repo, err)
	}

	commits := make([]model.Commit, 0, len(raw))
	for _, rc := range raw {
		author := rc.Commit.Author.Name
		if rc.Author != nil && rc.Author.Login != "" {
			author = rc.Author.Login
		}
		commits = append(commits, model.Commit{
			SHA:         rc.SHA,
			Message:     rc.Commit.Message,
			Author:      author,
			CommittedAt: rc.Commit.Author.Date.UTC(),
		})
	}
	return commits, nil
}

// GetPullRequests returns the pull requests of owner/repo updated since the
// given time, each with the SHA of its first commit.
func (c *Client) GetPullRequests(ctx context.Context, owner, repo string, since time.Time) ([]model.PullRequest, error) {
	first := c.endpoint(repoPath(owner, repo)+"/pulls", url.Values{
		"state":     {"all"},
		"sort":      {"updated"},
		"direction": {"desc"},
	})

	list := listPage[pullRequest](c)
	raw, err := paginate.Walk(ctx, first, func(ctx context.Context, locator string) (paginate.Page[pullRequest], error) {
		page, err := list(ctx, locator)
		if err != nil {
			return page, err
		}

		// Results are sorted by update time, so a page reaching past since is the last one needed.
		kept := page.Items[:0]
		for _, pr := range page.Items {
			if pr.UpdatedAt.Before(since) {
				page.Next = ""
				continue
			}
			kept = append(kept, pr)
		}
		page.Items = kept
		return page, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pull requests for %s/%s: %w", owner, repo, err)
	}

	prs := make([]model.PullRequest, 0, len(raw))
	for _, rp := range raw {
		sha, err := c.firstCommitSHA(ctx, owner, repo, rp.Number)
		if err != nil {
			return nil, err
		}
		prs = append(prs, model.PullRequest{
			ID:             rp.ID,
			Number:         rp.Number,
			Title:          rp.Title,
			State:          rp.State,
			Author:         rp.User.Login,
			FirstCommitSHA: sha,
			CreatedAt:      rp.CreatedAt.UTC(),
			UpdatedAt:      rp.UpdatedAt.UTC(),
			MergedAt:       utcPtr(rp.MergedAt),
			ClosedAt:       utcPtr(rp.ClosedAt),
		})
	}
	return prs, nil
}

// firstCommitSHA returns the SHA of the oldest commit of a pull request, or
// "" when it has none.
func (c *Client) firstCommitSHA(ctx context.Context, owner, repo string, number int) (string, error) {
	u := c.baseURL + repoPath(owner, repo) + "/pulls/" + strconv.Itoa(number) + "/commits?per_page=1"

	var commits []commit
	if _, err := c.getJSON(ctx, u, &commits); err != nil {
		return "", fmt.Errorf("failed to get first commit of %s/%s#%d: %w", owner, repo, number, err)
	}
	if len(commits) == 0 {
		return "", nil
	}
	return commits[0].SHA, nil
}

// GetWorkflowRuns returns the runs of a workflow file created since the given time.
func (c *Client) GetWorkflowRuns(ctx context.Context, owner, repo, workflowFile string, since time.Time) ([]model.Deployment, error) {
	first := c.endpoint(repoPath(owner, repo)+"/actions/workflows/"+url.PathEscape(workflowFile)+"/runs", url.Values{
		"created": {">=" + since.UTC().Format(time.RFC3339)},
	})

	runs, err := paginate.Walk(ctx, first, func(ctx context.Context, locator string) (paginate.Page[workflowRun], error) {
		var envelope workflowRuns
		next, err := c.getJSON(ctx, locator, &envelope)
		if err != nil {
			return paginate.Page[workflowRun]{}, err
		}
		return paginate.Page[workflowRun]{Items: envelope.WorkflowRuns, Next: next}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow runs for %s/%s (%s): %w", owner, repo, workflowFile, err)
	}

	deployments := make([]model.Deployment, 0, len(runs))
	for _, r := range runs {
		deployments = append(deployments, model.Deployment{
			ID:         r.ID,
			Name:       r.Name,
			HeadBranch: r.HeadBranch,
			HeadSHA:    r.HeadSHA,
			Status:     r.Status,
			Conclusion: r.Conclusion,
			CreatedAt:  r.CreatedAt.UTC(),
			UpdatedAt:  r.UpdatedAt.UTC(),
		})
	}
	return deployments, nil
}

// GetUserRepositories returns every repository the authenticated user can access.
func (c *Client) GetUserRepositories(ctx context.Context) ([]model.RepositoryRecord, error) {
	raw, err := paginate.Walk(ctx, c.endpoint("/user/repos", nil), listPage[repository](c))
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}

	repos := make([]model.RepositoryRecord, 0, len(raw))
	for _, r := range raw {
		repos = append(repos, model.RepositoryRecord{ID: r.ID, URL: r.HTMLURL, FullName: r.FullName, Private: r.Private})
	}
	return repos, nil
}

// GetOrganizationMembers returns the current roster of org.
func (c *Client) GetOrganizationMembers(ctx context.Context, org string) ([]model.MemberRecord, error) {
	raw, err := paginate.Walk(ctx, c.endpoint("/orgs/"+url.PathEscape(org)+"/members", nil), listPage[user](c))
	if err != nil {
		return nil, fmt.Errorf("failed to list members of %s: %w", org, err)
	}

	members := make([]model.MemberRecord, 0, len(raw))
	for _, u := range raw {
		members = append(members, model.MemberRecord{ID: u.ID, Login: u.Login, AvatarURL: u.AvatarURL})
	}
	return members, nil
}

// IsUserMemberOfOrganization reports whether username belongs to org.
// A 404, or a 302 returned when the requester is not itself a member, means false.
func (c *Client) IsUserMemberOfOrganization(ctx context.Context, username, org string) (bool, error) {
	u := c.baseURL + "/orgs/" + url.PathEscape(org) + "/members/" + url.PathEscape(username)

	noRedirect := *c.httpClient
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	resp, err := c.doRequest(ctx, &noRedirect, u)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return true, nil
	case http.StatusNotFound, http.StatusFound:
		return false, nil
	default:
		return false, newAPIError(resp)
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
