package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/model"
)

// IncidentLookup loads stored incidents by id.
type IncidentLookup interface {
	FindIncidents(ctx context.Context, ids []string) (map[string]model.Incident, error)
}

// Incidents plans an upsert of remote incidents. New incidents are inserted
// with a derived duration. Stored incidents keep identity, creation time,
// repository and title; only state, severity, resolution, duration and update
// time are replaced. now stamps records that carry no update time.
func Incidents(ctx context.Context, remote []model.Incident, lookup IncidentLookup, now time.Time) (Plan[model.Incident], error) {
	var plan Plan[model.Incident]

	records, ids := dedupe(remote, func(inc model.Incident) string { return inc.ID })
	if len(records) == 0 {
		return plan, nil
	}

	stored, err := lookup.FindIncidents(ctx, ids)
	if err != nil {
		return plan, fmt.Errorf("failed to look up existing incidents: %w", err)
	}

	for _, r := range records {
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = now
		}

		existing, ok := stored[r.ID]
		if !ok {
			r.DurationSeconds = model.IncidentDuration(r.CreatedAt, r.ResolvedAt)
			plan.Insert = append(plan.Insert, r)
			continue
		}

		updated := existing
		updated.State = r.State
		updated.Severity = r.Severity
		updated.ResolvedAt = r.ResolvedAt
		updated.DurationSeconds = model.IncidentDuration(existing.CreatedAt, r.ResolvedAt)
		updated.UpdatedAt = r.UpdatedAt

		if sameMutableFields(existing, updated) {
			plan.Unchanged++
			continue
		}
		plan.Update = append(plan.Update, updated)
	}
	return plan, nil
}

func sameMutableFields(a, b model.Incident) bool {
	return a.State == b.State &&
		a.Severity == b.Severity &&
		sameTime(a.ResolvedAt, b.ResolvedAt) &&
		sameInt(a.DurationSeconds, b.DurationSeconds)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func sameInt(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
