package report

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/model"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/sync"
)

var errNoFrontmatter = errors.New("missing frontmatter")

// parseSummary reads back the frontmatter written by ToMarkdown.
func parseSummary(content string) (*Summary, error) {
	if !strings.HasPrefix(content, delimiter+"\n") {
		return nil, errNoFrontmatter
	}
	rest := content[len(delimiter)+1:]

	end := strings.Index(rest, "\n"+delimiter+"\n")
	if end < 0 {
		return nil, errors.New("unterminated frontmatter")
	}

	var s Summary
	if err := yaml.Unmarshal([]byte(rest[:end]), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func sampleResult() sync.JobResult {
	started := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return sync.JobResult{
		RunID:      uuid.MustParse("7f1c2a4e-3b5d-4c6e-8f90-123456789abc"),
		Job:        sync.JobCommits,
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Second),
		Sources: []sync.SourceResult{
			{Source: "acme/api", JobKey: "COMMIT_acme/api", Since: started.AddDate(-1, 0, 0), Fetched: 5, Inserted: 3, Unchanged: 2},
			{Source: "acme/web", JobKey: "COMMIT_acme/web", Err: &sync.SourceError{
				Job: sync.JobCommits, Source: "acme/web", Stage: sync.StageFetch, Err: errors.New("GitHub API error: 502 Bad Gateway - "),
			}},
		},
		Skipped: []string{"https://github.com/lonely"},
	}
}

func TestToMarkdown_Frontmatter(t *testing.T) {
	result := ToMarkdown(sampleResult())

	if !strings.HasPrefix(result, "---\n") {
		t.Fatal("report should start with ---")
	}

	parts := strings.SplitN(result, "---", 3)
	if len(parts) < 3 {
		t.Fatal("could not extract frontmatter")
	}
	frontmatter := parts[1]

	expectedKeys := []string{"run_id:", "job:", "started_at:", "finished_at:", "sources:", "failed:", "inserted:", "updated:", "skipped:"}
	for _, key := range expectedKeys {
		if !strings.Contains(frontmatter, key) {
			t.Errorf("frontmatter should contain %q", key)
		}
	}
}

func TestToMarkdown_SourceTable(t *testing.T) {
	result := ToMarkdown(sampleResult())

	expected := []string{
		"# commits",
		"| source | since | fetched | inserted | updated | unchanged | dropped | status |",
		"| acme/api | 2023-06-01T12:00:00Z | 5 | 3 | 0 | 2 | 0 | ok |",
		"| acme/web | - | 0 | 0 | 0 | 0 | 0 | failed (fetch) |",
		"## Errors",
		"- acme/web: GitHub API error: 502 Bad Gateway - ",
	}
	for _, want := range expected {
		if !strings.Contains(result, want) {
			t.Errorf("report missing %q\n%s", want, result)
		}
	}
}

func TestToMarkdown_NoSources(t *testing.T) {
	result := ToMarkdown(sync.JobResult{Job: sync.JobMembers})

	if !strings.Contains(result, "No sources configured.") {
		t.Errorf("expected no-source notice, got:\n%s", result)
	}
	if strings.Contains(result, "## Errors") {
		t.Error("no errors section expected")
	}
}

func TestToMarkdown_EscapesPipes(t *testing.T) {
	r := sync.JobResult{Job: sync.JobIncidents, Sources: []sync.SourceResult{{Source: "svc|a"}}}
	if !strings.Contains(ToMarkdown(r), `| svc\|a |`) {
		t.Error("pipes in cells should be escaped")
	}
}

func TestRoundTrip_PreservesSummary(t *testing.T) {
	original := sampleResult()

	parsed, err := parseSummary(ToMarkdown(original))
	if err != nil {
		t.Fatalf("parseSummary failed: %v", err)
	}

	want := NewSummary(original)
	if parsed.RunID != want.RunID {
		t.Errorf("RunID not preserved: expected %q, got %q", want.RunID, parsed.RunID)
	}
	if parsed.Job != want.Job {
		t.Errorf("Job not preserved: expected %q, got %q", want.Job, parsed.Job)
	}
	if !parsed.StartedAt.Equal(want.StartedAt) || !parsed.FinishedAt.Equal(want.FinishedAt) {
		t.Errorf("times not preserved: got %v - %v", parsed.StartedAt, parsed.FinishedAt)
	}
	if parsed.Sources != 2 || parsed.Failed != 1 || parsed.Inserted != 3 || parsed.Updated != 0 {
		t.Errorf("counters not preserved: %+v", parsed)
	}
	if len(parsed.Skipped) != 1 || parsed.Skipped[0] != "https://github.com/lonely" {
		t.Errorf("Skipped not preserved: %v", parsed.Skipped)
	}
}

func TestParseSummary_RejectsMalformedReports(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{name: "missing frontmatter", content: "# commits\n", wantErr: errNoFrontmatter},
		{name: "unterminated", content: "---\njob: commits\n"},
		{name: "malformed yaml", content: "---\njob: [unclosed\n---\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseSummary(tt.content)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRepositoriesMarkdown(t *testing.T) {
	result := RepositoriesMarkdown(sync.RepositorySyncResult{NewCount: 2, TotalCount: 5, UnchangedCount: 2, SkippedCount: 1})

	for _, want := range []string{"new: 2", "total: 5", "unchanged: 2", "skipped: 1", "2 new, 2 already configured, 1 skipped of 5 discovered."} {
		if !strings.Contains(result, want) {
			t.Errorf("report missing %q\n%s", want, result)
		}
	}
}

func TestStatusMarkdown(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	result := StatusMarkdown([]model.SyncStatus{
		{JobKey: "COMMIT_acme/api", LastSuccessfulRun: at},
		{JobKey: "DEPLOYMENT", LastSuccessfulRun: at.Add(time.Hour)},
	}, []string{"commits every 1h0m0s (initial delay 10s)", "members (disabled)"})

	for _, want := range []string{
		"| COMMIT_acme/api | 2024-06-01T12:00:00Z |",
		"| DEPLOYMENT | 2024-06-01T13:00:00Z |",
		"## Schedule",
		"- commits every 1h0m0s (initial delay 10s)\n",
		"- members (disabled)\n",
	} {
		if !strings.Contains(result, want) {
			t.Errorf("status missing %q:\n%s", want, result)
		}
	}
}

func TestStatusMarkdown_Empty(t *testing.T) {
	result := StatusMarkdown(nil, nil)
	if !strings.Contains(result, "No job has completed yet.") {
		t.Error("expected empty notice")
	}
	if strings.Contains(result, "## Schedule") {
		t.Error("schedule section should be omitted without triggers")
	}
}

func TestActivityMarkdown(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	merged := at.Add(2 * time.Hour)
	commits := []model.Commit{
		{SHA: "0123456789abcdef", Author: "alice", Message: "first\n\nbody", CommittedAt: at},
		{SHA: "fedcba9876543210", Message: "fix | pipe", CommittedAt: at.Add(time.Hour)},
		{SHA: "abc", Author: "bob", Message: "third", CommittedAt: at.Add(2 * time.Hour)},
	}
	prs := []model.PullRequest{{Number: 4, Title: "Feature", Author: "alice", State: "closed", CreatedAt: at, MergedAt: &merged}}

	result := ActivityMarkdown("https://github.com/acme/api", commits, prs, nil, 2)

	parsed := map[string]any{}
	parts := strings.SplitN(result, delimiter+"\n", 3)
	if len(parts) != 3 {
		t.Fatalf("missing frontmatter:\n%s", result)
	}
	if err := yaml.Unmarshal([]byte(parts[1]), &parsed); err != nil {
		t.Fatalf("frontmatter does not parse: %v", err)
	}
	if parsed["commits"] != 3 || parsed["pull_requests"] != 1 || parsed["deployments"] != 0 {
		t.Errorf("unexpected counters: %v", parsed)
	}

	for _, want := range []string{
		"# https://github.com/acme/api",
		"| abc | bob | 2024-06-01T14:00:00Z | third |",
		"| fedcba9 | - | 2024-06-01T13:00:00Z | fix \\| pipe |",
		"| 4 | Feature | alice | closed | 2024-06-01T12:00:00Z | 2024-06-01T14:00:00Z |",
		"## Deployments\n\nNone.",
	} {
		if !strings.Contains(result, want) {
			t.Errorf("activity missing %q:\n%s", want, result)
		}
	}
	if strings.Contains(result, "0123456") {
		t.Error("only the two most recent commits should be listed")
	}
	if strings.Index(result, "| abc |") > strings.Index(result, "| fedcba9 |") {
		t.Error("commits should be listed newest first")
	}
}

func TestIncidentMarkdown(t *testing.T) {
	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	resolved := created.Add(90 * time.Minute)
	inc := model.Incident{
		ID: "inc-1", ServiceName: "api-service", RepositoryURL: "https://github.com/acme/api",
		Title: "Errors spiking", State: "resolved", Severity: "SEV-2",
		CreatedAt: created, ResolvedAt: &resolved, DurationSeconds: model.IncidentDuration(created, &resolved), UpdatedAt: resolved,
	}

	result := IncidentMarkdown(inc)
	for _, want := range []string{
		"# Errors spiking",
		"- service: api-service",
		"- severity: SEV-2",
		"- resolved: 2024-06-01T13:30:00Z",
		"- time to restore: 1h30m0s",
	} {
		if !strings.Contains(result, want) {
			t.Errorf("incident missing %q:\n%s", want, result)
		}
	}

	inc.ResolvedAt, inc.DurationSeconds, inc.Severity = nil, nil, ""
	result = IncidentMarkdown(inc)
	for _, want := range []string{"- resolved: -", "- time to restore: -", "- severity: -"} {
		if !strings.Contains(result, want) {
			t.Errorf("open incident missing %q:\n%s", want, result)
		}
	}
}
