package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stages at which a source can fail.
const (
	StageCursor    = "cursor"
	StageFetch     = "fetch"
	StageReconcile = "reconcile"
	StagePersist   = "persist"
)

// SourceError is the failure of one source within a job run.
type SourceError struct {
	Job    string
	Source string
	Stage  string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s %s: %s failed: %v", e.Job, e.Source, e.Stage, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// SourceResult is the outcome of processing one source.
type SourceResult struct {
	Source    string
	JobKey    string
	Since     time.Time
	Fetched   int
	Inserted  int
	Updated   int
	Unchanged int
	// Dropped counts upstream records that could not be mapped.
	Dropped int
	Err     *SourceError
}

// OK reports whether the source completed and advanced its cursor.
func (r SourceResult) OK() bool {
	return r.Err == nil
}

// JobResult summarizes one invocation of a job.
type JobResult struct {
	RunID      uuid.UUID
	Job        string
	StartedAt  time.Time
	FinishedAt time.Time
	Sources    []SourceResult
	// Skipped lists sources left out because their configuration is malformed.
	Skipped []string
}

func newJobResult(job string, now time.Time) JobResult {
	return JobResult{RunID: uuid.New(), Job: job, StartedAt: now}
}

// Failed returns the number of sources that failed.
func (r JobResult) Failed() int {
	n := 0
	for _, s := range r.Sources {
		if !s.OK() {
			n++
		}
	}
	return n
}

// Inserted returns the number of records inserted across sources.
func (r JobResult) Inserted() int {
	n := 0
	for _, s := range r.Sources {
		n += s.Inserted
	}
	return n
}

// Updated returns the number of records updated across sources.
func (r JobResult) Updated() int {
	n := 0
	for _, s := range r.Sources {
		n += s.Updated
	}
	return n
}

// Err joins the errors of every failed source, or returns nil.
func (r JobResult) Err() error {
	var errs []error
	for _, s := range r.Sources {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	return errors.Join(errs...)
}

// Duration returns how long the run took.
func (r JobResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RepositorySyncResult is reported by a manual repository sync.
type RepositorySyncResult struct {
	NewCount       int
	TotalCount     int
	UnchangedCount int
	SkippedCount   int
}
