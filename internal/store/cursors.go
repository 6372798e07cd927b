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

// GetCursor returns the last successful run for jobKey. ok is false when the
// job has never completed.
func (q *Queries) GetCursor(ctx context.Context, jobKey string) (time.Time, bool, error) {
	var raw string
	err := q.getInto(ctx, &raw, q.builder.
		Select("last_successful_run").
		From("sync_status").
		Where(sq.Eq{"job_key": jobKey}))
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get cursor %s: %w", jobKey, err)
	}

	t, err := parseTime(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// SetCursor upserts the last successful run for jobKey.
func (q *Queries) SetCursor(ctx context.Context, jobKey string, at time.Time) error {
	ins := q.builder.Insert("sync_status").
		Columns("job_key", "last_successful_run").
		Values(jobKey, formatTime(at)).
		Suffix("ON CONFLICT (job_key) DO UPDATE SET last_successful_run = excluded.last_successful_run")
	if _, err := q.exec(ctx, ins); err != nil {
		return fmt.Errorf("failed to set cursor %s: %w", jobKey, err)
	}
	return nil
}

// ListCursors returns every stored cursor ordered by job key.
func (q *Queries) ListCursors(ctx context.Context) ([]model.SyncStatus, error) {
	var rows []struct {
		JobKey            string `db:"job_key"`
		LastSuccessfulRun string `db:"last_successful_run"`
	}
	err := q.selectInto(ctx, &rows, q.builder.
		Select("job_key", "last_successful_run").
		From("sync_status").
		OrderBy("job_key ASC"))
	if err != nil {
		return nil, fmt.Errorf("failed to query cursors: %w", err)
	}

	statuses := make([]model.SyncStatus, 0, len(rows))
	for _, r := range rows {
		t, err := parseTime(r.LastSuccessfulRun)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, model.SyncStatus{JobKey: r.JobKey, LastSuccessfulRun: t})
	}
	return statuses, nil
}
