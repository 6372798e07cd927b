package sync

import (
	"context"
	"time"

	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/model"
)

// CommitSource lists commits of a repository.
type CommitSource interface {
	GetCommits(ctx context.Context, owner, repo string, since time.Time) ([]model.Commit, error)
}

// PullRequestSource lists pull requests of a repository.
type PullRequestSource interface {
	GetPullRequests(ctx context.Context, owner, repo string, since time.Time) ([]model.PullRequest, error)
}

// WorkflowRunSource lists runs of a deployment workflow.
type WorkflowRunSource interface {
	GetWorkflowRuns(ctx context.Context, owner, repo, workflowFile string, since time.Time) ([]model.Deployment, error)
}

// IncidentSource lists incidents of an observability service.
type IncidentSource interface {
	GetIncidents(ctx context.Context, since time.Time, serviceName string) (model.IncidentBatch, error)
}

// RepositorySource lists repositories visible to the engine.
type RepositorySource interface {
	GetUserRepositories(ctx context.Context) ([]model.RepositoryRecord, error)
}

// MemberSource lists the members of an organization.
type MemberSource interface {
	GetOrganizationMembers(ctx context.Context, org string) ([]model.MemberRecord, error)
}

// Sources groups the upstream capabilities used by the engine. A nil source
// disables the jobs that need it.
type Sources struct {
	Commits      CommitSource
	PullRequests PullRequestSource
	WorkflowRuns WorkflowRunSource
	Incidents    IncidentSource
	Repositories RepositorySource
	Members      MemberSource
}
