// Package report renders sync results as markdown with YAML frontmatter.
package report

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/model"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/sync"
)

const delimiter = "---"

// Summary is the frontmatter of a job report.
type Summary struct {
	RunID      string    `yaml:"run_id"`
	Job        string    `yaml:"job"`
	StartedAt  time.Time `yaml:"started_at"`
	FinishedAt time.Time `yaml:"finished_at"`
	Sources    int       `yaml:"sources"`
	Failed     int       `yaml:"failed"`
	Inserted   int       `yaml:"inserted"`
	Updated    int       `yaml:"updated"`
	Skipped    []string  `yaml:"skipped,omitempty"`
}

// NewSummary extracts the frontmatter fields of result.
func NewSummary(result sync.JobResult) Summary {
	return Summary{
		RunID:      result.RunID.String(),
		Job:        result.Job,
		StartedAt:  result.StartedAt.UTC(),
		FinishedAt: result.FinishedAt.UTC(),
		Sources:    len(result.Sources),
		Failed:     result.Failed(),
		Inserted:   result.Inserted(),
		Updated:    result.Updated(),
		Skipped:    result.Skipped,
	}
}

// ToMarkdown renders a job result: frontmatter, then one table row per source
// and the error of every failed source.
func ToMarkdown(result sync.JobResult) string {
	var b strings.Builder
	writeFrontmatter(&b, NewSummary(result))

	fmt.Fprintf(&b, "# %s\n\n", result.Job)
	if len(result.Sources) == 0 {
		b.WriteString("No sources configured.\n")
		return b.String()
	}

	b.WriteString("| source | since | fetched | inserted | updated | unchanged | dropped | status |\n")
	b.WriteString("|---|---|---|---|---|---|---|---|\n")
	for _, s := range result.Sources {
		status := "ok"
		if !s.OK() {
			status = "failed (" + s.Err.Stage + ")"
		}
		since := formatTime(s.Since)
		fmt.Fprintf(&b, "| %s | %s | %d | %d | %d | %d | %d | %s |\n",
			escapeCell(s.Source), since, s.Fetched, s.Inserted, s.Updated, s.Unchanged, s.Dropped, status)
	}

	if result.Failed() > 0 {
		b.WriteString("\n## Errors\n\n")
		for _, s := range result.Sources {
			if s.Err != nil {
				fmt.Fprintf(&b, "- %s: %v\n", s.Source, s.Err.Err)
			}
		}
	}
	return b.String()
}

// RepositoriesMarkdown renders the outcome of a repository sync.
func RepositoriesMarkdown(result sync.RepositorySyncResult) string {
	var b strings.Builder
	writeFrontmatter(&b, map[string]int{
		"new":       result.NewCount,
		"total":     result.TotalCount,
		"unchanged": result.UnchangedCount,
		"skipped":   result.SkippedCount,
	})
	fmt.Fprintf(&b, "# repositories\n\n%d new, %d already configured, %d skipped of %d discovered.\n",
		result.NewCount, result.UnchangedCount, result.SkippedCount, result.TotalCount)
	return b.String()
}

// StatusMarkdown renders the stored cursors followed by the configured
// schedule, one line per trigger.
func StatusMarkdown(cursors []model.SyncStatus, schedule []string) string {
	var b strings.Builder
	b.WriteString("# sync status\n\n")
	if len(cursors) == 0 {
		b.WriteString("No job has completed yet.\n")
	} else {
		b.WriteString("| job key | last successful run |\n")
		b.WriteString("|---|---|\n")
		for _, c := range cursors {
			fmt.Fprintf(&b, "| %s | %s |\n", escapeCell(c.JobKey), formatTime(c.LastSuccessfulRun))
		}
	}

	if len(schedule) > 0 {
		b.WriteString("\n## Schedule\n\n")
		for _, line := range schedule {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	return b.String()
}

// ActivityMarkdown renders the stored activity of one repository. Each
// section lists at most limit of the most recent records; limit <= 0 lists
// them all.
func ActivityMarkdown(repositoryURL string, commits []model.Commit, prs []model.PullRequest, deployments []model.Deployment, limit int) string {
	var b strings.Builder
	writeFrontmatter(&b, map[string]any{
		"repository":    repositoryURL,
		"commits":       len(commits),
		"pull_requests": len(prs),
		"deployments":   len(deployments),
	})
	fmt.Fprintf(&b, "# %s\n", repositoryURL)

	b.WriteString("\n## Commits\n\n")
	if len(commits) == 0 {
		b.WriteString("None.\n")
	} else {
		b.WriteString("| sha | author | committed | message |\n")
		b.WriteString("|---|---|---|---|\n")
		for _, c := range latest(commits, limit) {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", shortSHA(c.SHA), escapeCell(orDash(c.Author)),
				formatTime(c.CommittedAt), escapeCell(firstLine(c.Message)))
		}
	}

	b.WriteString("\n## Pull requests\n\n")
	if len(prs) == 0 {
		b.WriteString("None.\n")
	} else {
		b.WriteString("| # | title | author | state | created | merged |\n")
		b.WriteString("|---|---|---|---|---|---|\n")
		for _, pr := range latest(prs, limit) {
			fmt.Fprintf(&b, "| %d | %s | %s | %s | %s | %s |\n", pr.Number, escapeCell(pr.Title), escapeCell(orDash(pr.Author)),
				orDash(pr.State), formatTime(pr.CreatedAt), formatNullTime(pr.MergedAt))
		}
	}

	b.WriteString("\n## Deployments\n\n")
	if len(deployments) == 0 {
		b.WriteString("None.\n")
	} else {
		b.WriteString("| run | name | branch | conclusion | created |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for _, d := range latest(deployments, limit) {
			fmt.Fprintf(&b, "| %d | %s | %s | %s | %s |\n", d.ID, escapeCell(orDash(d.Name)), escapeCell(orDash(d.HeadBranch)),
				orDash(d.Conclusion), formatTime(d.CreatedAt))
		}
	}
	return b.String()
}

// IncidentMarkdown renders one stored incident.
func IncidentMarkdown(inc model.Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", orDash(inc.Title))
	fmt.Fprintf(&b, "- id: %s\n", inc.ID)
	fmt.Fprintf(&b, "- service: %s\n", inc.ServiceName)
	fmt.Fprintf(&b, "- repository: %s\n", inc.RepositoryURL)
	fmt.Fprintf(&b, "- state: %s\n", orDash(inc.State))
	fmt.Fprintf(&b, "- severity: %s\n", orDash(inc.Severity))
	fmt.Fprintf(&b, "- created: %s\n", formatTime(inc.CreatedAt))
	fmt.Fprintf(&b, "- resolved: %s\n", formatNullTime(inc.ResolvedAt))
	duration := "-"
	if inc.DurationSeconds != nil {
		duration = (time.Duration(*inc.DurationSeconds) * time.Second).String()
	}
	fmt.Fprintf(&b, "- time to restore: %s\n", duration)
	fmt.Fprintf(&b, "- last modified: %s\n", formatTime(inc.UpdatedAt))
	return b.String()
}

// latest returns the last n records of an oldest-first list, newest first.
func latest[T any](records []T, n int) []T {
	if n <= 0 || n > len(records) {
		n = len(records)
	}
	out := make([]T, 0, n)
	for i := len(records) - 1; i >= len(records)-n; i-- {
		out = append(out, records[i])
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatNullTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func writeFrontmatter(b *strings.Builder, v any) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	// Encoding plain structs and maps cannot fail.
	_ = enc.Encode(v)
	_ = enc.Close()

	b.WriteString(delimiter + "\n")
	b.Write(buf.Bytes())
	b.WriteString(delimiter + "\n\n")
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
