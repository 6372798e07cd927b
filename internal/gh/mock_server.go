package gh

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/model"
)

// MockServer provides a fake GitHub API for testing
type MockServer struct {
	*httptest.Server
	mu        sync.RWMutex
	commits   map[string][]commit      // owner/repo -> commits
	pulls     map[string][]pullRequest // owner/repo -> pull requests
	firstSHAs map[string]string        // owner/repo#number -> first commit sha
	runs      map[string][]workflowRun // owner/repo/workflow -> runs
	repos     []repository
	members   map[string][]user // org -> members
	perPage   int
	requests  map[string]int
	failures  map[string]int // owner/repo -> status
	nextError *mockError
}

type mockError struct {
	status int
	body   string
}

// NewMockServer creates a mock GitHub API server
func NewMockServer() *MockServer {
	m := &MockServer{
		commits:   make(map[string][]commit),
		pulls:     make(map[string][]pullRequest),
		firstSHAs: make(map[string]string),
		runs:      make(map[string][]workflowRun),
		members:   make(map[string][]user),
		requests:  make(map[string]int),
		failures:  make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/{owner}/{repo}/commits", m.handleCommits)
	mux.HandleFunc("GET /repos/{owner}/{repo}/pulls", m.handlePulls)
	mux.HandleFunc("GET /repos/{owner}/{repo}/pulls/{number}/commits", m.handlePullCommits)
	mux.HandleFunc("GET /repos/{owner}/{repo}/actions/workflows/{workflow}/runs", m.handleRuns)
	mux.HandleFunc("GET /user/repos", m.handleRepos)
	mux.HandleFunc("GET /orgs/{org}/members", m.handleMembers)
	mux.HandleFunc("GET /orgs/{org}/members/{username}", m.handleMembership)

	m.Server = httptest.NewServer(m.intercept(mux))
	return m
}

// intercept counts requests and applies injected failures before routing.
func (m *MockServer) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests[r.URL.Path]++
		injected := m.nextError
		m.nextError = nil
		status := 0
		if parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/repos/"), "/"); strings.HasPrefix(r.URL.Path, "/repos/") && len(parts) >= 2 {
			status = m.failures[parts[0]+"/"+parts[1]]
		}
		m.mu.Unlock()

		if injected != nil {
			http.Error(w, injected.body, injected.status)
			return
		}
		if status != 0 {
			http.Error(w, `{"message":"injected failure"}`, status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AddCommit adds a commit to owner/repo.
func (m *MockServer) AddCommit(owner, repo string, c model.Commit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rc commit
	rc.SHA = c.SHA
	rc.Commit.Message = c.Message
	rc.Commit.Author.Name = c.Author
	rc.Commit.Author.Date = c.CommittedAt
	if c.Author != "" {
		rc.Author = &user{Login: c.Author}
	}
	key := owner + "/" + repo
	m.commits[key] = append(m.commits[key], rc)
}

// AddPullRequest adds a pull request to owner/repo. FirstCommitSHA is served
// from the pull request commits endpoint.
func (m *MockServer) AddPullRequest(owner, repo string, pr model.PullRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := owner + "/" + repo
	m.pulls[key] = append(m.pulls[key], pullRequest{
		ID:        pr.ID,
		Number:    pr.Number,
		Title:     pr.Title,
		State:     pr.State,
		User:      user{Login: pr.Author},
		CreatedAt: pr.CreatedAt,
		UpdatedAt: pr.UpdatedAt,
		MergedAt:  pr.MergedAt,
		ClosedAt:  pr.ClosedAt,
	})
	if pr.FirstCommitSHA != "" {
		m.firstSHAs[key+"#"+strconv.Itoa(pr.Number)] = pr.FirstCommitSHA
	}
}

// AddWorkflowRun adds a run of workflow in owner/repo.
func (m *MockServer) AddWorkflowRun(owner, repo, workflow string, d model.Deployment) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := owner + "/" + repo + "/" + workflow
	m.runs[key] = append(m.runs[key], workflowRun{
		ID:         d.ID,
		Name:       d.Name,
		HeadBranch: d.HeadBranch,
		HeadSHA:    d.HeadSHA,
		Status:     d.Status,
		Conclusion: d.Conclusion,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	})
}

// AddRepository adds a repository visible to the authenticated user.
func (m *MockServer) AddRepository(r model.RepositoryRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repos = append(m.repos, repository{ID: r.ID, HTMLURL: r.URL, FullName: r.FullName, Private: r.Private})
}

// SetMembers replaces the roster of org.
func (m *MockServer) SetMembers(org string, members []model.MemberRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	roster := make([]user, 0, len(members))
	for _, mem := range members {
		roster = append(roster, user{ID: mem.ID, Login: mem.Login, AvatarURL: mem.AvatarURL})
	}
	m.members[org] = roster
}

// SetPerPage caps the page size regardless of the per_page query parameter.
func (m *MockServer) SetPerPage(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perPage = n
}

// FailRepository makes every request under /repos/owner/repo return status.
// A zero status clears the failure.
func (m *MockServer) FailRepository(owner, repo string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status == 0 {
		delete(m.failures, owner+"/"+repo)
		return
	}
	m.failures[owner+"/"+repo] = status
}

// SetNextError makes the next request fail with status and body.
func (m *MockServer) SetNextError(status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextError = &mockError{status: status, body: body}
}

// RequestCount returns how many requests hit path.
func (m *MockServer) RequestCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests[path]
}

// Reset clears all data, failures and counters
func (m *MockServer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits = make(map[string][]commit)
	m.pulls = make(map[string][]pullRequest)
	m.firstSHAs = make(map[string]string)
	m.runs = make(map[string][]workflowRun)
	m.repos = nil
	m.members = make(map[string][]user)
	m.requests = make(map[string]int)
	m.failures = make(map[string]int)
	m.nextError = nil
	m.perPage = 0
}

func (m *MockServer) handleCommits(w http.ResponseWriter, r *http.Request) {
	since, err := parseQueryTime(strings.TrimSpace(r.URL.Query().Get("since")))
	if err != nil {
		http.Error(w, "invalid since", http.StatusUnprocessableEntity)
		return
	}

	m.mu.RLock()
	var out []commit
	for _, c := range m.commits[r.PathValue("owner")+"/"+r.PathValue("repo")] {
		if !c.Commit.Author.Date.Before(since) {
			out = append(out, c)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Commit.Author.Date.After(out[j].Commit.Author.Date) })
	writePage(m, w, r, out)
}

func (m *MockServer) handlePulls(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	out := append([]pullRequest(nil), m.pulls[r.PathValue("owner")+"/"+r.PathValue("repo")]...)
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	writePage(m, w, r, out)
}

func (m *MockServer) handlePullCommits(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	sha, ok := m.firstSHAs[r.PathValue("owner")+"/"+r.PathValue("repo")+"#"+r.PathValue("number")]
	m.mu.RUnlock()

	out := []commit{}
	if ok {
		out = append(out, commit{SHA: sha})
	}
	writeJSON(w, out)
}

func (m *MockServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	created := strings.TrimPrefix(r.URL.Query().Get("created"), ">=")
	since, err := parseQueryTime(created)
	if err != nil {
		http.Error(w, "invalid created", http.StatusUnprocessableEntity)
		return
	}

	m.mu.RLock()
	var out []workflowRun
	for _, run := range m.runs[r.PathValue("owner")+"/"+r.PathValue("repo")+"/"+r.PathValue("workflow")] {
		if !run.CreatedAt.Before(since) {
			out = append(out, run)
		}
	}
	m.mu.RUnlock()

	window, link := m.page(r, len(out))
	if link != "" {
		w.Header().Set("Link", link)
	}
	writeJSON(w, workflowRuns{TotalCount: len(out), WorkflowRuns: sliceOrEmpty(out, window)})
}

func (m *MockServer) handleRepos(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	out := append([]repository(nil), m.repos...)
	m.mu.RUnlock()
	writePage(m, w, r, out)
}

func (m *MockServer) handleMembers(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	out, ok := m.members[r.PathValue("org")]
	out = append([]user(nil), out...)
	m.mu.RUnlock()

	if !ok {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
		return
	}
	writePage(m, w, r, out)
}

func (m *MockServer) handleMembership(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.members[r.PathValue("org")] {
		if strings.EqualFold(u.Login, r.PathValue("username")) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

// page returns the [start, end) window for the requested page and the Link
// header pointing at the following one.
func (m *MockServer) page(r *http.Request, total int) ([2]int, string) {
	q := r.URL.Query()
	size, _ := strconv.Atoi(q.Get("per_page"))
	if size <= 0 {
		size = 30
	}
	m.mu.RLock()
	if m.perPage > 0 && m.perPage < size {
		size = m.perPage
	}
	m.mu.RUnlock()

	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}

	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}

	link := ""
	if end < total {
		q.Set("page", strconv.Itoa(page+1))
		link = fmt.Sprintf(`<%s%s?%s>; rel="next"`, m.URL, r.URL.Path, q.Encode())
	}
	return [2]int{start, end}, link
}

func writePage[T any](m *MockServer, w http.ResponseWriter, r *http.Request, items []T) {
	window, link := m.page(r, len(items))
	if link != "" {
		w.Header().Set("Link", link)
	}
	writeJSON(w, sliceOrEmpty(items, window))
}

func sliceOrEmpty[T any](items []T, window [2]int) []T {
	out := make([]T, 0, window[1]-window[0])
	return append(out, items[window[0]:window[1]]...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func parseQueryTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
