package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/model"
)

var repositoryColumns = []string{
	"url", "owner", "name", "datadog_service_name", "deployment_workflow_file", "created_at", "updated_at",
}

type repositoryRow struct {
	URL                    string         `db:"url"`
	Owner                  string         `db:"owner"`
	Name                   string         `db:"name"`
	DatadogServiceName     sql.NullString `db:"datadog_service_name"`
	DeploymentWorkflowFile sql.NullString `db:"deployment_workflow_file"`
	CreatedAt              string         `db:"created_at"`
	UpdatedAt              string         `db:"updated_at"`
}

func (r repositoryRow) toModel() (model.RepositoryConfig, error) {
	rc := model.RepositoryConfig{
		URL:                    r.URL,
		Owner:                  r.Owner,
		Name:                   r.Name,
		DatadogServiceName:     r.DatadogServiceName.String,
		DeploymentWorkflowFile: r.DeploymentWorkflowFile.String,
	}

	var err error
	if rc.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return rc, err
	}
	if rc.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return rc, err
	}
	return rc, nil
}

// ExistingRepositoryURLs returns which of urls are already configured.
func (q *Queries) ExistingRepositoryURLs(ctx context.Context, urls []string) (map[string]bool, error) {
	return existing(ctx, q, "repository_configs", "url", urls)
}

// InsertRepositoryConfigs creates repository configs. A URL that already
// exists keeps its stored row, including admin-owned fields.
func (q *Queries) InsertRepositoryConfigs(ctx context.Context, repos []model.RepositoryConfig) error {
	for _, chunk := range chunks(repos, maxBatch) {
		ins := q.builder.Insert("repository_configs").
			Columns(repositoryColumns...).
			Suffix("ON CONFLICT (url) DO NOTHING")
		for _, rc := range chunk {
			ins = ins.Values(rc.URL, rc.Owner, rc.Name, nullString(rc.DatadogServiceName),
				nullString(rc.DeploymentWorkflowFile), formatTime(rc.CreatedAt), formatTime(rc.UpdatedAt))
		}
		if _, err := q.exec(ctx, ins); err != nil {
			return fmt.Errorf("failed to insert repository configs: %w", err)
		}
	}
	return nil
}

func (q *Queries) listRepositories(ctx context.Context, where sq.Sqlizer) ([]model.RepositoryConfig, error) {
	sel := q.builder.Select(repositoryColumns...).From("repository_configs").OrderBy("url ASC")
	if where != nil {
		sel = sel.Where(where)
	}

	var rows []repositoryRow
	if err := q.selectInto(ctx, &rows, sel); err != nil {
		return nil, fmt.Errorf("failed to query repository configs: %w", err)
	}

	repos := make([]model.RepositoryConfig, 0, len(rows))
	for _, r := range rows {
		rc, err := r.toModel()
		if err != nil {
			return nil, err
		}
		repos = append(repos, rc)
	}
	return repos, nil
}

// ListRepositoryConfigs returns every configured repository ordered by URL.
func (q *Queries) ListRepositoryConfigs(ctx context.Context) ([]model.RepositoryConfig, error) {
	return q.listRepositories(ctx, nil)
}

// ListRepositoryConfigsWithService returns repositories mapped to a Datadog service.
func (q *Queries) ListRepositoryConfigsWithService(ctx context.Context) ([]model.RepositoryConfig, error) {
	return q.listRepositories(ctx, sq.And{
		sq.NotEq{"datadog_service_name": nil},
		sq.NotEq{"datadog_service_name": ""},
	})
}

// ListRepositoryConfigsWithWorkflow returns repositories with a deployment workflow file.
func (q *Queries) ListRepositoryConfigsWithWorkflow(ctx context.Context) ([]model.RepositoryConfig, error) {
	return q.listRepositories(ctx, sq.And{
		sq.NotEq{"deployment_workflow_file": nil},
		sq.NotEq{"deployment_workflow_file": ""},
	})
}

// GetRepositoryConfig returns the config for url, or nil if it does not exist.
func (q *Queries) GetRepositoryConfig(ctx context.Context, url string) (*model.RepositoryConfig, error) {
	var row repositoryRow
	err := q.getInto(ctx, &row, q.builder.Select(repositoryColumns...).From("repository_configs").Where(sq.Eq{"url": url}))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository config: %w", err)
	}

	rc, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

// RepositoryUpdate contains the admin-owned fields of a repository config.
// Nil fields are not updated; an empty string clears the field.
type RepositoryUpdate struct {
	DatadogServiceName     *string
	DeploymentWorkflowFile *string
}

// UpdateRepositoryConfig applies an administrative update. It is the only
// writer of the admin-owned fields.
func (q *Queries) UpdateRepositoryConfig(ctx context.Context, url string, update RepositoryUpdate, now time.Time) error {
	upd := q.builder.Update("repository_configs").
		Set("updated_at", formatTime(now)).
		Where(sq.Eq{"url": url})

	if update.DatadogServiceName != nil {
		upd = upd.Set("datadog_service_name", nullString(*update.DatadogServiceName))
	}
	if update.DeploymentWorkflowFile != nil {
		upd = upd.Set("deployment_workflow_file", nullString(*update.DeploymentWorkflowFile))
	}

	res, err := q.exec(ctx, upd)
	if err != nil {
		return fmt.Errorf("failed to update repository config: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("repository %s: %w", url, ErrNotFound)
	}
	return nil
}
