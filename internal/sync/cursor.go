package sync

import (
	"context"
	"fmt"
	"time"
)

// Default lookback windows applied when a job key has no cursor yet.
const (
	DefaultActivityLookback = 365 * 24 * time.Hour
	DefaultIncidentLookback = 30 * 24 * time.Hour
)

// Job key prefixes.
const (
	prefixCommit      = "COMMIT_"
	prefixPullRequest = "PULL_REQUEST_"
	prefixDeployment  = "DEPLOYMENT_"
	prefixIncident    = "INCIDENT_"
	prefixMember      = "MEMBER_"

	// DeploymentKey is the job key of the fixed deployment target.
	DeploymentKey = "DEPLOYMENT"
	// RepositoryKey is the job key of repository discovery.
	RepositoryKey = "REPOSITORY"
)

// CursorStore persists the last successful run per job key.
type CursorStore interface {
	GetCursor(ctx context.Context, jobKey string) (time.Time, bool, error)
	SetCursor(ctx context.Context, jobKey string, at time.Time) error
}

// Since returns the stored cursor for jobKey, or now minus lookback when the
// job has never completed.
func Since(ctx context.Context, cursors CursorStore, jobKey string, lookback time.Duration, now time.Time) (time.Time, error) {
	at, ok, err := cursors.GetCursor(ctx, jobKey)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read cursor %s: %w", jobKey, err)
	}
	if !ok {
		return now.Add(-lookback), nil
	}
	return at, nil
}

// CommitKey returns the job key of the commit job for owner/repo.
func CommitKey(fullName string) string { return prefixCommit + fullName }

// PullRequestKey returns the job key of the pull request job for owner/repo.
func PullRequestKey(fullName string) string { return prefixPullRequest + fullName }

// DeploymentRepositoryKey returns the job key of the deployment job for owner/repo.
func DeploymentRepositoryKey(fullName string) string { return prefixDeployment + fullName }

// IncidentKey returns the job key of the incident job for a service.
func IncidentKey(service string) string { return prefixIncident + service }

// MemberKey returns the job key of the roster job for an organization.
func MemberKey(org string) string { return prefixMember + org }
