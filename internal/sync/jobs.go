package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/logger"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/model"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/reconcile"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/store"
)

// ErrNoSource is returned by manual syncs whose upstream is not configured.
var ErrNoSource = errors.New("source not configured")

// RunCommits syncs commits of every configured repository. A failing
// repository is reported in the result and does not stop the others.
func (e *Engine) RunCommits(ctx context.Context) (JobResult, error) {
	result := newJobResult(JobCommits, e.now())
	if e.sources.Commits == nil {
		logger.Debug("sync: %s: no commit source configured, skipping", JobCommits)
		return e.finish(result), nil
	}

	configs, err := e.store.ListRepositoryConfigs(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list repositories: %w", err)
	}

	for _, t := range repoTargets(JobCommits, configs, &result) {
		res := runPipeline(ctx, e, pipeline[model.Commit, model.Commit]{
			job:      JobCommits,
			source:   t.fullName(),
			key:      CommitKey(t.fullName()),
			lookback: e.opts.ActivityLookback,
			fetch: func(ctx context.Context, since time.Time) ([]model.Commit, []model.RecordFailure, error) {
				commits, err := e.sources.Commits.GetCommits(ctx, t.owner, t.name, since)
				for i := range commits {
					commits[i].RepositoryURL = t.url
				}
				return commits, nil, err
			},
			plan: func(ctx context.Context, q *store.Queries, commits []model.Commit, _ time.Time) (reconcile.Plan[model.Commit], error) {
				return reconcile.Commits(ctx, commits, q)
			},
			persist: func(ctx context.Context, q *store.Queries, plan reconcile.Plan[model.Commit]) error {
				return q.InsertCommits(ctx, plan.Insert)
			},
		})
		logSource(JobCommits, res)
		result.Sources = append(result.Sources, res)
	}

	return e.finish(result), nil
}

// RunPullRequests syncs pull requests of every configured repository.
func (e *Engine) RunPullRequests(ctx context.Context) (JobResult, error) {
	result := newJobResult(JobPullRequests, e.now())
	if e.sources.PullRequests == nil {
		logger.Debug("sync: %s: no pull request source configured, skipping", JobPullRequests)
		return e.finish(result), nil
	}

	configs, err := e.store.ListRepositoryConfigs(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list repositories: %w", err)
	}

	for _, t := range repoTargets(JobPullRequests, configs, &result) {
		res := runPipeline(ctx, e, pipeline[model.PullRequest, model.PullRequest]{
			job:      JobPullRequests,
			source:   t.fullName(),
			key:      PullRequestKey(t.fullName()),
			lookback: e.opts.ActivityLookback,
			fetch: func(ctx context.Context, since time.Time) ([]model.PullRequest, []model.RecordFailure, error) {
				prs, err := e.sources.PullRequests.GetPullRequests(ctx, t.owner, t.name, since)
				for i := range prs {
					prs[i].RepositoryURL = t.url
				}
				return prs, nil, err
			},
			plan: func(ctx context.Context, q *store.Queries, prs []model.PullRequest, _ time.Time) (reconcile.Plan[model.PullRequest], error) {
				return reconcile.PullRequests(ctx, prs, q)
			},
			persist: func(ctx context.Context, q *store.Queries, plan reconcile.Plan[model.PullRequest]) error {
				return q.InsertPullRequests(ctx, plan.Insert)
			},
		})
		logSource(JobPullRequests, res)
		result.Sources = append(result.Sources, res)
	}

	return e.finish(result), nil
}

// RunDeployments syncs workflow runs of every repository with a deployment
// workflow, falling back to the fixed deployment target when none has one.
// Unlike the other jobs it stops at the first failing source and returns its
// error; sources processed before the failure keep their advanced cursors.
func (e *Engine) RunDeployments(ctx context.Context) (JobResult, error) {
	result := newJobResult(JobDeployments, e.now())
	if e.sources.WorkflowRuns == nil {
		logger.Debug("sync: %s: no workflow run source configured, skipping", JobDeployments)
		return e.finish(result), nil
	}

	configs, err := e.store.ListRepositoryConfigsWithWorkflow(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list repositories: %w", err)
	}

	type target struct {
		repoTarget
		key string
	}
	var targets []target
	for _, t := range repoTargets(JobDeployments, configs, &result) {
		targets = append(targets, target{t, DeploymentRepositoryKey(t.fullName())})
	}
	if len(targets) == 0 {
		if t, ok := e.fixedDeploymentTarget(); ok {
			logger.Debug("sync: %s: no repository has a workflow, using %s", JobDeployments, t.fullName())
			targets = append(targets, target{t, DeploymentKey})
		}
	}
	if len(targets) == 0 {
		logger.Info("sync: %s: no deployment workflow configured, skipping", JobDeployments)
		return e.finish(result), nil
	}

	for _, t := range targets {
		res := runPipeline(ctx, e, pipeline[model.Deployment, model.Deployment]{
			job:      JobDeployments,
			source:   t.fullName(),
			key:      t.key,
			lookback: e.opts.ActivityLookback,
			fetch: func(ctx context.Context, since time.Time) ([]model.Deployment, []model.RecordFailure, error) {
				runs, err := e.sources.WorkflowRuns.GetWorkflowRuns(ctx, t.owner, t.name, t.workflow, since)
				for i := range runs {
					runs[i].RepositoryURL = t.url
				}
				return runs, nil, err
			},
			plan: func(ctx context.Context, q *store.Queries, runs []model.Deployment, _ time.Time) (reconcile.Plan[model.Deployment], error) {
				return reconcile.Deployments(ctx, runs, q)
			},
			persist: func(ctx context.Context, q *store.Queries, plan reconcile.Plan[model.Deployment]) error {
				return q.InsertDeployments(ctx, plan.Insert)
			},
		})
		logSource(JobDeployments, res)
		result.Sources = append(result.Sources, res)
		if res.Err != nil {
			return e.finish(result), res.Err
		}
	}

	return e.finish(result), nil
}

// TriggerDeploymentSync runs the deployment job on demand. Unlike the
// scheduled run it fails with ErrNoSource when there is nothing to sync.
func (e *Engine) TriggerDeploymentSync(ctx context.Context) (JobResult, error) {
	logger.Info("sync: manual %s sync requested", JobDeployments)
	if e.sources.WorkflowRuns == nil {
		return JobResult{}, fmt.Errorf("%s: %w", JobDeployments, ErrNoSource)
	}
	result, err := e.RunDeployments(ctx)
	if err == nil && len(result.Sources) == 0 {
		return result, fmt.Errorf("%s: no repository has a deployment workflow and no fixed target is set: %w", JobDeployments, ErrNoSource)
	}
	return result, err
}

// RunIncidents syncs incidents of every Datadog service mapped to a repository.
// Each distinct service is fetched once and attributed to the first repository
// that maps it.
func (e *Engine) RunIncidents(ctx context.Context) (JobResult, error) {
	result := newJobResult(JobIncidents, e.now())
	if e.sources.Incidents == nil {
		logger.Debug("sync: %s: no incident source configured, skipping", JobIncidents)
		return e.finish(result), nil
	}

	configs, err := e.store.ListRepositoryConfigsWithService(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list repositories: %w", err)
	}

	owners := make(map[string]string, len(configs))
	var services []string
	for _, rc := range configs {
		if first, ok := owners[rc.DatadogServiceName]; ok {
			logger.Warn("sync: %s: service %s is mapped by %s and %s, attributing to %s",
				JobIncidents, rc.DatadogServiceName, first, rc.URL, first)
			continue
		}
		owners[rc.DatadogServiceName] = rc.URL
		services = append(services, rc.DatadogServiceName)
	}

	for _, service := range services {
		repoURL := owners[service]
		res := runPipeline(ctx, e, pipeline[model.Incident, model.Incident]{
			job:      JobIncidents,
			source:   service,
			key:      IncidentKey(service),
			lookback: e.opts.IncidentLookback,
			fetch: func(ctx context.Context, since time.Time) ([]model.Incident, []model.RecordFailure, error) {
				batch, err := e.sources.Incidents.GetIncidents(ctx, since, service)
				if err != nil {
					return nil, nil, err
				}
				for i := range batch.Incidents {
					batch.Incidents[i].RepositoryURL = repoURL
					batch.Incidents[i].ServiceName = service
				}
				return batch.Incidents, batch.Failures, nil
			},
			plan: func(ctx context.Context, q *store.Queries, incidents []model.Incident, now time.Time) (reconcile.Plan[model.Incident], error) {
				return reconcile.Incidents(ctx, incidents, q, now)
			},
			persist: func(ctx context.Context, q *store.Queries, plan reconcile.Plan[model.Incident]) error {
				if err := q.InsertIncidents(ctx, plan.Insert); err != nil {
					return err
				}
				return q.UpdateIncidents(ctx, plan.Update)
			},
		})
		logSource(JobIncidents, res)
		result.Sources = append(result.Sources, res)
	}

	return e.finish(result), nil
}

// RunMembers mirrors the organization roster into the users table. Members
// that left the organization are deactivated, never deleted.
func (e *Engine) RunMembers(ctx context.Context) (JobResult, error) {
	result := newJobResult(JobMembers, e.now())
	org := e.opts.Organization
	if e.sources.Members == nil || org == "" {
		logger.Debug("sync: %s: no organization configured, skipping", JobMembers)
		return e.finish(result), nil
	}

	res := runPipeline(ctx, e, pipeline[model.MemberRecord, model.User]{
		job:    JobMembers,
		source: org,
		key:    MemberKey(org),
		fetch: func(ctx context.Context, _ time.Time) ([]model.MemberRecord, []model.RecordFailure, error) {
			members, err := e.sources.Members.GetOrganizationMembers(ctx, org)
			return members, nil, err
		},
		plan: func(ctx context.Context, q *store.Queries, members []model.MemberRecord, now time.Time) (reconcile.Plan[model.User], error) {
			local, err := q.ListUsers(ctx)
			if err != nil {
				return reconcile.Plan[model.User]{}, err
			}
			return reconcile.Roster(members, local, now), nil
		},
		persist: func(ctx context.Context, q *store.Queries, plan reconcile.Plan[model.User]) error {
			if err := q.InsertUsers(ctx, plan.Insert); err != nil {
				return err
			}
			return q.UpdateUsers(ctx, plan.Update)
		},
	})
	logSource(JobMembers, res)
	result.Sources = append(result.Sources, res)

	return e.finish(result), nil
}

// SyncRepositories discovers the repositories visible to the token and
// registers the new ones. Existing configs are never modified. Errors are
// returned to the caller.
func (e *Engine) SyncRepositories(ctx context.Context) (RepositorySyncResult, error) {
	logger.Info("sync: manual %s sync requested", JobRepositories)
	if e.sources.Repositories == nil {
		return RepositorySyncResult{}, fmt.Errorf("%s: %w", JobRepositories, ErrNoSource)
	}

	res := runPipeline(ctx, e, pipeline[model.RepositoryRecord, model.RepositoryConfig]{
		job:    JobRepositories,
		source: "user",
		key:    RepositoryKey,
		fetch: func(ctx context.Context, _ time.Time) ([]model.RepositoryRecord, []model.RecordFailure, error) {
			repos, err := e.sources.Repositories.GetUserRepositories(ctx)
			return repos, nil, err
		},
		plan: func(ctx context.Context, q *store.Queries, repos []model.RepositoryRecord, now time.Time) (reconcile.Plan[model.RepositoryConfig], error) {
			plan, err := reconcile.Repositories(ctx, repos, q, now)
			for _, f := range plan.Skipped {
				logger.Warn("sync: %s: skipping %s: %v", JobRepositories, f.ID, f.Err)
			}
			return plan, err
		},
		persist: func(ctx context.Context, q *store.Queries, plan reconcile.Plan[model.RepositoryConfig]) error {
			return q.InsertRepositoryConfigs(ctx, plan.Insert)
		},
	})
	logSource(JobRepositories, res)
	if res.Err != nil {
		return RepositorySyncResult{}, res.Err
	}

	return RepositorySyncResult{
		NewCount:       res.Inserted,
		TotalCount:     res.Fetched,
		UnchangedCount: res.Unchanged,
		SkippedCount:   res.Dropped,
	}, nil
}

// Run executes the named job. It is the entry point used by the scheduler and
// the run command.
func (e *Engine) Run(ctx context.Context, job string) (JobResult, error) {
	switch job {
	case JobCommits:
		return e.RunCommits(ctx)
	case JobPullRequests:
		return e.RunPullRequests(ctx)
	case JobDeployments:
		return e.RunDeployments(ctx)
	case JobIncidents:
		return e.RunIncidents(ctx)
	case JobMembers:
		return e.RunMembers(ctx)
	default:
		return JobResult{}, fmt.Errorf("unknown job %q", job)
	}
}

// Jobs lists the jobs accepted by Run in scheduling order.
func Jobs() []string {
	return []string{JobCommits, JobPullRequests, JobDeployments, JobIncidents, JobMembers}
}
