package store

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/model"
)

type commitRow struct {
	SHA           string         `db:"sha"`
	RepositoryURL string         `db:"repository_url"`
	Message       sql.NullString `db:"message"`
	Author        sql.NullString `db:"author"`
	CommittedAt   string         `db:"committed_at"`
}

func (r commitRow) toModel() (model.Commit, error) {
	committedAt, err := parseTime(r.CommittedAt)
	if err != nil {
		return model.Commit{}, err
	}
	return model.Commit{
		SHA:           r.SHA,
		RepositoryURL: r.RepositoryURL,
		Message:       r.Message.String,
		Author:        r.Author.String,
		CommittedAt:   committedAt,
	}, nil
}

// ExistingCommitSHAs returns which of shas are already stored.
func (q *Queries) ExistingCommitSHAs(ctx context.Context, shas []string) (map[string]bool, error) {
	return existing(ctx, q, "commits", "sha", shas)
}

// InsertCommits stores new commits. Rows whose SHA already exists are left untouched.
func (q *Queries) InsertCommits(ctx context.Context, commits []model.Commit) error {
	for _, chunk := range chunks(commits, maxBatch) {
		ins := q.builder.Insert("commits").
			Columns("sha", "repository_url", "message", "author", "committed_at").
			Suffix("ON CONFLICT (sha) DO NOTHING")
		for _, c := range chunk {
			ins = ins.Values(c.SHA, c.RepositoryURL, nullString(c.Message), nullString(c.Author), formatTime(c.CommittedAt))
		}
		if _, err := q.exec(ctx, ins); err != nil {
			return fmt.Errorf("failed to insert commits: %w", err)
		}
	}
	return nil
}

// ListCommits returns the commits of a repository, oldest first.
func (q *Queries) ListCommits(ctx context.Context, repositoryURL string) ([]model.Commit, error) {
	var rows []commitRow
	err := q.selectInto(ctx, &rows, q.builder.
		Select("sha", "repository_url", "message", "author", "committed_at").
		From("commits").
		Where(sq.Eq{"repository_url": repositoryURL}).
		OrderBy("committed_at ASC", "sha ASC"))
	if err != nil {
		return nil, fmt.Errorf("failed to query commits: %w", err)
	}

	commits := make([]model.Commit, 0, len(rows))
	for _, r := range rows {
		c, err := r.toModel()
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	return commits, nil
}

// CountCommits returns the number of stored commits.
func (q *Queries) CountCommits(ctx context.Context) (int, error) {
	return q.count(ctx, "commits")
}

type pullRequestRow struct {
	ID             int64          `db:"id"`
	RepositoryURL  string         `db:"repository_url"`
	Number         int            `db:"number"`
	Title          sql.NullString `db:"title"`
	State          sql.NullString `db:"state"`
	Author         sql.NullString `db:"author"`
	FirstCommitSHA sql.NullString `db:"first_commit_sha"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
	MergedAt       sql.NullString `db:"merged_at"`
	ClosedAt       sql.NullString `db:"closed_at"`
}

func (r pullRequestRow) toModel() (model.PullRequest, error) {
	pr := model.PullRequest{
		ID:             r.ID,
		RepositoryURL:  r.RepositoryURL,
		Number:         r.Number,
		Title:          r.Title.String,
		State:          r.State.String,
		Author:         r.Author.String,
		FirstCommitSHA: r.FirstCommitSHA.String,
	}

	var err error
	if pr.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return pr, err
	}
	if pr.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return pr, err
	}
	if pr.MergedAt, err = parseNullTime(r.MergedAt); err != nil {
		return pr, err
	}
	if pr.ClosedAt, err = parseNullTime(r.ClosedAt); err != nil {
		return pr, err
	}
	return pr, nil
}

// ExistingPullRequestIDs returns which of ids are already stored.
func (q *Queries) ExistingPullRequestIDs(ctx context.Context, ids []int64) (map[int64]bool, error) {
	return existing(ctx, q, "pull_requests", "id", ids)
}

// InsertPullRequests stores new pull requests. Existing ids are left untouched.
func (q *Queries) InsertPullRequests(ctx context.Context, prs []model.PullRequest) error {
	for _, chunk := range chunks(prs, maxBatch) {
		ins := q.builder.Insert("pull_requests").
			Columns("id", "repository_url", "number", "title", "state", "author", "first_commit_sha",
				"created_at", "updated_at", "merged_at", "closed_at").
			Suffix("ON CONFLICT (id) DO NOTHING")
		for _, pr := range chunk {
			ins = ins.Values(pr.ID, pr.RepositoryURL, pr.Number, nullString(pr.Title), nullString(pr.State),
				nullString(pr.Author), nullString(pr.FirstCommitSHA), formatTime(pr.CreatedAt),
				formatTime(pr.UpdatedAt), formatNullTime(pr.MergedAt), formatNullTime(pr.ClosedAt))
		}
		if _, err := q.exec(ctx, ins); err != nil {
			return fmt.Errorf("failed to insert pull requests: %w", err)
		}
	}
	return nil
}

// ListPullRequests returns the pull requests of a repository ordered by number.
func (q *Queries) ListPullRequests(ctx context.Context, repositoryURL string) ([]model.PullRequest, error) {
	var rows []pullRequestRow
	err := q.selectInto(ctx, &rows, q.builder.
		Select("id", "repository_url", "number", "title", "state", "author", "first_commit_sha",
			"created_at", "updated_at", "merged_at", "closed_at").
		From("pull_requests").
		Where(sq.Eq{"repository_url": repositoryURL}).
		OrderBy("number ASC"))
	if err != nil {
		return nil, fmt.Errorf("failed to query pull requests: %w", err)
	}

	prs := make([]model.PullRequest, 0, len(rows))
	for _, r := range rows {
		pr, err := r.toModel()
		if err != nil {
			return nil, err
		}
		prs = append(prs, pr)
	}
	return prs, nil
}

// CountPullRequests returns the number of stored pull requests.
func (q *Queries) CountPullRequests(ctx context.Context) (int, error) {
	return q.count(ctx, "pull_requests")
}

type deploymentRow struct {
	ID            int64          `db:"id"`
	RepositoryURL string         `db:"repository_url"`
	Name          sql.NullString `db:"name"`
	HeadBranch    sql.NullString `db:"head_branch"`
	HeadSHA       sql.NullString `db:"head_sha"`
	Status        sql.NullString `db:"status"`
	Conclusion    sql.NullString `db:"conclusion"`
	CreatedAt     string         `db:"created_at"`
	UpdatedAt     string         `db:"updated_at"`
}

func (r deploymentRow) toModel() (model.Deployment, error) {
	d := model.Deployment{
		ID:            r.ID,
		RepositoryURL: r.RepositoryURL,
		Name:          r.Name.String,
		HeadBranch:    r.HeadBranch.String,
		HeadSHA:       r.HeadSHA.String,
		Status:        r.Status.String,
		Conclusion:    r.Conclusion.String,
	}

	var err error
	if d.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return d, err
	}
	if d.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return d, err
	}
	return d, nil
}

// ExistingDeploymentIDs returns which of ids are already stored.
func (q *Queries) ExistingDeploymentIDs(ctx context.Context, ids []int64) (map[int64]bool, error) {
	return existing(ctx, q, "deployments", "id", ids)
}

// InsertDeployments stores new deployments. Existing ids are left untouched.
func (q *Queries) InsertDeployments(ctx context.Context, deployments []model.Deployment) error {
	for _, chunk := range chunks(deployments, maxBatch) {
		ins := q.builder.Insert("deployments").
			Columns("id", "repository_url", "name", "head_branch", "head_sha", "status", "conclusion",
				"created_at", "updated_at").
			Suffix("ON CONFLICT (id) DO NOTHING")
		for _, d := range chunk {
			ins = ins.Values(d.ID, d.RepositoryURL, nullString(d.Name), nullString(d.HeadBranch),
				nullString(d.HeadSHA), nullString(d.Status), nullString(d.Conclusion),
				formatTime(d.CreatedAt), formatTime(d.UpdatedAt))
		}
		if _, err := q.exec(ctx, ins); err != nil {
			return fmt.Errorf("failed to insert deployments: %w", err)
		}
	}
	return nil
}

// ListDeployments returns the deployments of a repository, oldest first.
func (q *Queries) ListDeployments(ctx context.Context, repositoryURL string) ([]model.Deployment, error) {
	var rows []deploymentRow
	err := q.selectInto(ctx, &rows, q.builder.
		Select("id", "repository_url", "name", "head_branch", "head_sha", "status", "conclusion",
			"created_at", "updated_at").
		From("deployments").
		Where(sq.Eq{"repository_url": repositoryURL}).
		OrderBy("created_at ASC", "id ASC"))
	if err != nil {
		return nil, fmt.Errorf("failed to query deployments: %w", err)
	}

	deployments := make([]model.Deployment, 0, len(rows))
	for _, r := range rows {
		d, err := r.toModel()
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, nil
}

// CountDeployments returns the number of stored deployments.
func (q *Queries) CountDeployments(ctx context.Context) (int, error) {
	return q.count(ctx, "deployments")
}
