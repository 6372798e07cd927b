// Package model defines the records exchanged between collectors, reconcilers and storage.
package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Commit is an immutable commit fact. Identity is the SHA.
type Commit struct {
	SHA           string
	RepositoryURL string
	Message       string
	Author        string
	CommittedAt   time.Time
}

// PullRequest is identified by its upstream numeric ID.
type PullRequest struct {
	ID             int64
	RepositoryURL  string
	Number         int
	Title          string
	State          string
	Author         string
	FirstCommitSHA string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	MergedAt       *time.Time
	ClosedAt       *time.Time
}

// Deployment is a workflow run of the deployment workflow.
type Deployment struct {
	ID            int64
	RepositoryURL string
	Name          string
	HeadBranch    string
	HeadSHA       string
	Status        string
	Conclusion    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Incident is an observability incident. State, Severity, ResolvedAt,
// DurationSeconds and UpdatedAt are mutable across syncs.
type Incident struct {
	ID              string
	RepositoryURL   string
	ServiceName     string
	Title           string
	State           string
	Severity        string
	CreatedAt       time.Time
	ResolvedAt      *time.Time
	DurationSeconds *int64
	UpdatedAt       time.Time
}

// IncidentDuration returns resolved - created in whole seconds, or nil while unresolved.
func IncidentDuration(created time.Time, resolved *time.Time) *int64 {
	if resolved == nil {
		return nil
	}
	d := int64(resolved.Sub(created) / time.Second)
	if d < 0 {
		d = 0
	}
	return &d
}

// RecordFailure describes a single upstream record that could not be mapped.
type RecordFailure struct {
	ID  string
	Err error
}

// IncidentBatch is the result of an incident fetch. Failures holds records that
// were dropped individually; the rest of the batch is still usable.
type IncidentBatch struct {
	Incidents []Incident
	Failures  []RecordFailure
}

// RepositoryConfig is a tracked repository. DatadogServiceName and
// DeploymentWorkflowFile are admin-owned and never written by sync.
type RepositoryConfig struct {
	URL                    string
	Owner                  string
	Name                   string
	DatadogServiceName     string
	DeploymentWorkflowFile string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// FullName returns "owner/name".
func (r RepositoryConfig) FullName() string {
	return r.Owner + "/" + r.Name
}

// RepositoryRecord is a repository as reported by the source-control host.
type RepositoryRecord struct {
	ID       int64
	URL      string
	FullName string
	Private  bool
}

// MemberRecord is an organization member as reported upstream.
type MemberRecord struct {
	ID        int64
	Login     string
	AvatarURL string
}

// User is a locally stored organization member.
type User struct {
	ID        int64
	Username  string
	AvatarURL string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SyncStatus is the persisted cursor for one job key.
type SyncStatus struct {
	JobKey            string
	LastSuccessfulRun time.Time
}

// ErrInvalidRepositoryURL is returned when a URL does not look like host/owner/repo.
var ErrInvalidRepositoryURL = errors.New("invalid repository url")

// ParseRepositoryURL extracts owner and repository name from a canonical
// repository URL such as https://github.com/owner/repo.
func ParseRepositoryURL(raw string) (string, string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("%w %q: %v", ErrInvalidRepositoryURL, raw, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("%w %q: missing host", ErrInvalidRepositoryURL, raw)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w %q: expected owner/repo path", ErrInvalidRepositoryURL, raw)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}
