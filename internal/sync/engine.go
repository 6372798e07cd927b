// Package sync runs the incremental synchronization jobs: for each configured
// source it reads the job cursor, fetches upstream records, reconciles them
// against storage and advances the cursor only when the source succeeded.
package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/logger"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/model"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/reconcile"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/store"
)

// Job names.
const (
	JobCommits      = "commits"
	JobPullRequests = "pull_requests"
	JobDeployments  = "deployments"
	JobIncidents    = "incidents"
	JobMembers      = "members"
	JobRepositories = "repositories"
)

// Options configures an Engine.
type Options struct {
	// ActivityLookback bounds first runs of commit, pull request and deployment jobs.
	ActivityLookback time.Duration
	// IncidentLookback bounds first runs of incident jobs.
	IncidentLookback time.Duration
	// Organization is the org whose roster is mirrored into users.
	Organization string
	// DeploymentRepository ("owner/repo") and DeploymentWorkflowFile name the
	// fixed deployment target used when no repository config has a workflow.
	DeploymentRepository   string
	DeploymentWorkflowFile string
	// RepositoryHost prefixes the fixed deployment target to form its URL.
	RepositoryHost string
	// Now overrides the clock.
	Now func() time.Time
}

// Engine runs sync jobs against a store.
type Engine struct {
	store   *store.Store
	sources Sources
	opts    Options
}

// NewEngine creates a new sync engine.
func NewEngine(st *store.Store, sources Sources, opts Options) *Engine {
	if opts.ActivityLookback <= 0 {
		opts.ActivityLookback = DefaultActivityLookback
	}
	if opts.IncidentLookback <= 0 {
		opts.IncidentLookback = DefaultIncidentLookback
	}
	if opts.RepositoryHost == "" {
		opts.RepositoryHost = "https://github.com"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{store: st, sources: sources, opts: opts}
}

func (e *Engine) now() time.Time {
	return e.opts.Now().UTC()
}

// pipeline describes how one source is fetched and persisted. R is the
// upstream record type and T the stored one.
type pipeline[R, T any] struct {
	job      string
	source   string
	key      string
	lookback time.Duration // zero means the cursor is not used to bound the fetch
	fetch    func(ctx context.Context, since time.Time) ([]R, []model.RecordFailure, error)
	plan     func(ctx context.Context, q *store.Queries, records []R, now time.Time) (reconcile.Plan[T], error)
	persist  func(ctx context.Context, q *store.Queries, plan reconcile.Plan[T]) error
}

// runPipeline processes one source. The cursor is captured before fetching and
// written in the same transaction as the reconciled records, so a failed
// source keeps its previous cursor.
func runPipeline[R, T any](ctx context.Context, e *Engine, p pipeline[R, T]) SourceResult {
	res := SourceResult{Source: p.source, JobKey: p.key}
	fail := func(stage string, err error) SourceResult {
		res.Err = &SourceError{Job: p.job, Source: p.source, Stage: stage, Err: err}
		return res
	}

	startedAt := e.now()

	var since time.Time
	if p.lookback > 0 {
		var err error
		since, err = Since(ctx, e.store, p.key, p.lookback, startedAt)
		if err != nil {
			return fail(StageCursor, err)
		}
	}
	res.Since = since

	records, failures, err := p.fetch(ctx, since)
	if err != nil {
		return fail(StageFetch, err)
	}
	res.Fetched = len(records)
	res.Dropped = len(failures)

	stage := StageReconcile
	err = e.store.InTx(ctx, func(q *store.Queries) error {
		plan, err := p.plan(ctx, q, records, startedAt)
		if err != nil {
			return err
		}

		stage = StagePersist
		if plan.Changed() {
			if err := p.persist(ctx, q, plan); err != nil {
				return err
			}
		}
		if err := q.SetCursor(ctx, p.key, startedAt); err != nil {
			return err
		}

		res.Inserted = len(plan.Insert)
		res.Updated = len(plan.Update)
		res.Unchanged = plan.Unchanged
		res.Dropped += len(plan.Skipped)
		return nil
	})
	if err != nil {
		res.Inserted, res.Updated, res.Unchanged = 0, 0, 0
		return fail(stage, err)
	}
	return res
}

// logSource reports the outcome of one source.
func logSource(job string, res SourceResult) {
	if res.Err != nil {
		logger.Error("sync: %s: %s failed, cursor %s unchanged: %v", job, res.Source, res.JobKey, res.Err.Err)
		return
	}
	logger.Info("sync: %s: %s fetched %d, inserted %d, updated %d, unchanged %d",
		job, res.Source, res.Fetched, res.Inserted, res.Updated, res.Unchanged)
	if res.Dropped > 0 {
		logger.Warn("sync: %s: %s dropped %d malformed records", job, res.Source, res.Dropped)
	}
}

func (e *Engine) finish(result JobResult) JobResult {
	result.FinishedAt = e.now()
	logger.Info("sync: %s run %s finished in %s: %d sources, %d failed, %d inserted, %d updated",
		result.Job, result.RunID, result.Duration().Round(time.Millisecond), len(result.Sources),
		result.Failed(), result.Inserted(), result.Updated())
	return result
}

// repoTarget is a repository-scoped source with its owner/name resolved.
type repoTarget struct {
	url      string
	owner    string
	name     string
	workflow string
	service  string
}

func (t repoTarget) fullName() string {
	return t.owner + "/" + t.name
}

// repoTargets resolves owner/name for each config. Configs whose URL is not
// owner/repo shaped are skipped with a warning.
func repoTargets(job string, configs []model.RepositoryConfig, result *JobResult) []repoTarget {
	targets := make([]repoTarget, 0, len(configs))
	for _, rc := range configs {
		owner, name, err := model.ParseRepositoryURL(rc.URL)
		if err != nil {
			logger.Warn("sync: %s: skipping repository %s: %v", job, rc.URL, err)
			result.Skipped = append(result.Skipped, rc.URL)
			continue
		}
		targets = append(targets, repoTarget{
			url:      rc.URL,
			owner:    owner,
			name:     name,
			workflow: rc.DeploymentWorkflowFile,
			service:  rc.DatadogServiceName,
		})
	}
	return targets
}

// fixedDeploymentTarget returns the configured deployment target, if any.
func (e *Engine) fixedDeploymentTarget() (repoTarget, bool) {
	repo := e.opts.DeploymentRepository
	if repo == "" || e.opts.DeploymentWorkflowFile == "" {
		return repoTarget{}, false
	}
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		logger.Warn("sync: %s: ignoring deployment target %q: must be owner/repo", JobDeployments, repo)
		return repoTarget{}, false
	}
	return repoTarget{
		url:      fmt.Sprintf("%s/%s/%s", strings.TrimRight(e.opts.RepositoryHost, "/"), parts[0], parts[1]),
		owner:    parts[0],
		name:     parts[1],
		workflow: e.opts.DeploymentWorkflowFile,
	}, true
}
