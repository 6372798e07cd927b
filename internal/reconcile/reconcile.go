// Package reconcile decides which freshly fetched records must be inserted or
// updated locally. Planners never write; callers persist the resulting Plan.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/model"
)

// Plan is the outcome of reconciling one batch.
type Plan[T any] struct {
	Insert    []T
	Update    []T
	Unchanged int
	// Skipped holds records that were dropped before reconciliation.
	Skipped []model.RecordFailure
}

// Changed reports whether the plan has anything to persist.
func (p Plan[T]) Changed() bool {
	return len(p.Insert) > 0 || len(p.Update) > 0
}

// CommitLookup answers which commit SHAs are already stored.
type CommitLookup interface {
	ExistingCommitSHAs(ctx context.Context, shas []string) (map[string]bool, error)
}

// PullRequestLookup answers which pull request ids are already stored.
type PullRequestLookup interface {
	ExistingPullRequestIDs(ctx context.Context, ids []int64) (map[int64]bool, error)
}

// DeploymentLookup answers which deployment ids are already stored.
type DeploymentLookup interface {
	ExistingDeploymentIDs(ctx context.Context, ids []int64) (map[int64]bool, error)
}

// RepositoryLookup answers which repository URLs are already configured.
type RepositoryLookup interface {
	ExistingRepositoryURLs(ctx context.Context, urls []string) (map[string]bool, error)
}

// dedupe drops records whose key already appeared earlier in the batch.
func dedupe[T any, K comparable](records []T, key func(T) K) ([]T, []K) {
	seen := make(map[K]bool, len(records))
	out := make([]T, 0, len(records))
	keys := make([]K, 0, len(records))
	for _, r := range records {
		k := key(r)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
		keys = append(keys, k)
	}
	return out, keys
}

// insertOnly plans the records whose identity is not stored yet, using one
// bulk lookup for the whole batch.
func insertOnly[T any, K comparable](ctx context.Context, remote []T, key func(T) K,
	lookup func(context.Context, []K) (map[K]bool, error)) (Plan[T], error) {
	var plan Plan[T]

	records, keys := dedupe(remote, key)
	if len(records) == 0 {
		return plan, nil
	}

	exists, err := lookup(ctx, keys)
	if err != nil {
		return plan, fmt.Errorf("failed to look up existing records: %w", err)
	}

	for _, r := range records {
		if exists[key(r)] {
			plan.Unchanged++
			continue
		}
		plan.Insert = append(plan.Insert, r)
	}
	return plan, nil
}

// Commits plans new commits. Commits are immutable; stored SHAs are skipped.
func Commits(ctx context.Context, remote []model.Commit, lookup CommitLookup) (Plan[model.Commit], error) {
	return insertOnly(ctx, remote, func(c model.Commit) string { return c.SHA }, lookup.ExistingCommitSHAs)
}

// PullRequests plans new pull requests. Stored ids are skipped.
func PullRequests(ctx context.Context, remote []model.PullRequest, lookup PullRequestLookup) (Plan[model.PullRequest], error) {
	return insertOnly(ctx, remote, func(pr model.PullRequest) int64 { return pr.ID }, lookup.ExistingPullRequestIDs)
}

// Deployments plans new workflow runs. A run already stored is skipped even if
// its status or conclusion changed upstream.
func Deployments(ctx context.Context, remote []model.Deployment, lookup DeploymentLookup) (Plan[model.Deployment], error) {
	return insertOnly(ctx, remote, func(d model.Deployment) int64 { return d.ID }, lookup.ExistingDeploymentIDs)
}

// CanonicalRepositoryURL normalizes a repository URL for use as identity.
func CanonicalRepositoryURL(raw string) string {
	return strings.TrimSuffix(strings.TrimRight(strings.TrimSpace(raw), "/"), ".git")
}

// Repositories plans repository configs for repositories not configured yet.
// Existing configs are never part of the plan, so admin-owned fields survive.
// Records whose URL has no owner/repo shape are reported in Skipped.
func Repositories(ctx context.Context, remote []model.RepositoryRecord, lookup RepositoryLookup, now time.Time) (Plan[model.RepositoryConfig], error) {
	var configs []model.RepositoryConfig
	var skipped []model.RecordFailure

	for _, r := range remote {
		canonical := CanonicalRepositoryURL(r.URL)
		owner, name, err := model.ParseRepositoryURL(canonical)
		if err != nil {
			skipped = append(skipped, model.RecordFailure{ID: r.URL, Err: err})
			continue
		}
		configs = append(configs, model.RepositoryConfig{
			URL:       canonical,
			Owner:     owner,
			Name:      name,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	plan, err := insertOnly(ctx, configs, func(rc model.RepositoryConfig) string { return rc.URL }, lookup.ExistingRepositoryURLs)
	plan.Skipped = skipped
	return plan, err
}
