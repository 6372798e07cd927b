package store

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/model"
)

var incidentColumns = []string{
	"id", "repository_url", "service_name", "title", "state", "severity",
	"created_at", "resolved_at", "duration_seconds", "updated_at",
}

type incidentRow struct {
	ID              string         `db:"id"`
	RepositoryURL   string         `db:"repository_url"`
	ServiceName     string         `db:"service_name"`
	Title           sql.NullString `db:"title"`
	State           sql.NullString `db:"state"`
	Severity        sql.NullString `db:"severity"`
	CreatedAt       string         `db:"created_at"`
	ResolvedAt      sql.NullString `db:"resolved_at"`
	DurationSeconds sql.NullInt64  `db:"duration_seconds"`
	UpdatedAt       string         `db:"updated_at"`
}

func (r incidentRow) toModel() (model.Incident, error) {
	inc := model.Incident{
		ID:            r.ID,
		RepositoryURL: r.RepositoryURL,
		ServiceName:   r.ServiceName,
		Title:         r.Title.String,
		State:         r.State.String,
		Severity:      r.Severity.String,
	}
	if r.DurationSeconds.Valid {
		d := r.DurationSeconds.Int64
		inc.DurationSeconds = &d
	}

	var err error
	if inc.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return inc, err
	}
	if inc.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return inc, err
	}
	if inc.ResolvedAt, err = parseNullTime(r.ResolvedAt); err != nil {
		return inc, err
	}
	return inc, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// FindIncidents loads the stored incidents among ids, keyed by id.
func (q *Queries) FindIncidents(ctx context.Context, ids []string) (map[string]model.Incident, error) {
	found := make(map[string]model.Incident, len(ids))
	for _, chunk := range chunks(ids, maxBatch) {
		var rows []incidentRow
		err := q.selectInto(ctx, &rows, q.builder.Select(incidentColumns...).From("incidents").Where(sq.Eq{"id": chunk}))
		if err != nil {
			return nil, fmt.Errorf("failed to query incidents: %w", err)
		}
		for _, r := range rows {
			inc, err := r.toModel()
			if err != nil {
				return nil, err
			}
			found[inc.ID] = inc
		}
	}
	return found, nil
}

// GetIncident returns the incident with id, or nil if it is not stored.
func (q *Queries) GetIncident(ctx context.Context, id string) (*model.Incident, error) {
	found, err := q.FindIncidents(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	inc, ok := found[id]
	if !ok {
		return nil, nil
	}
	return &inc, nil
}

// ListIncidents returns every stored incident ordered by creation time.
func (q *Queries) ListIncidents(ctx context.Context) ([]model.Incident, error) {
	var rows []incidentRow
	err := q.selectInto(ctx, &rows, q.builder.Select(incidentColumns...).From("incidents").OrderBy("created_at ASC", "id ASC"))
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}

	incidents := make([]model.Incident, 0, len(rows))
	for _, r := range rows {
		inc, err := r.toModel()
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	return incidents, nil
}

// InsertIncidents stores new incidents.
func (q *Queries) InsertIncidents(ctx context.Context, incidents []model.Incident) error {
	for _, chunk := range chunks(incidents, maxBatch) {
		ins := q.builder.Insert("incidents").Columns(incidentColumns...)
		for _, inc := range chunk {
			ins = ins.Values(inc.ID, inc.RepositoryURL, inc.ServiceName, nullString(inc.Title),
				nullString(inc.State), nullString(inc.Severity), formatTime(inc.CreatedAt),
				formatNullTime(inc.ResolvedAt), nullInt64(inc.DurationSeconds), formatTime(inc.UpdatedAt))
		}
		if _, err := q.exec(ctx, ins); err != nil {
			return fmt.Errorf("failed to insert incidents: %w", err)
		}
	}
	return nil
}

// UpdateIncidents replaces the mutable fields of stored incidents. Identity,
// creation time, title and repository link are never written.
func (q *Queries) UpdateIncidents(ctx context.Context, incidents []model.Incident) error {
	for _, inc := range incidents {
		upd := q.builder.Update("incidents").
			Set("state", nullString(inc.State)).
			Set("severity", nullString(inc.Severity)).
			Set("resolved_at", formatNullTime(inc.ResolvedAt)).
			Set("duration_seconds", nullInt64(inc.DurationSeconds)).
			Set("updated_at", formatTime(inc.UpdatedAt)).
			Where(sq.Eq{"id": inc.ID})

		res, err := q.exec(ctx, upd)
		if err != nil {
			return fmt.Errorf("failed to update incident %s: %w", inc.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("failed to update incident %s: %w", inc.ID, ErrNotFound)
		}
	}
	return nil
}
