package datadog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/model"
)

var (
	t0    = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	since = t0.Add(-24 * time.Hour)
)

func newTestClient(m *MockServer) *Client {
	return New("api-key", "app-key", m.URL)
}

func TestGetIncidents_PaginatesAndMaps(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()

	resolved := t0.Add(30 * time.Minute)
	for i := 1; i <= 5; i++ {
		inc := model.Incident{
			ID: fmt.Sprintf("inc-%d", i), ServiceName: "api", Title: fmt.Sprintf("incident %d", i),
			State: "active", Severity: "SEV-2", CreatedAt: t0, UpdatedAt: t0,
		}
		if i == 5 {
			inc.State = "resolved"
			inc.ResolvedAt = &resolved
			inc.UpdatedAt = resolved
		}
		mock.AddIncident(inc)
	}
	mock.AddIncident(model.Incident{ID: "other", ServiceName: "web", CreatedAt: t0, UpdatedAt: t0})
	mock.SetPageSize(2)

	batch, err := newTestClient(mock).GetIncidents(context.Background(), since, "api")
	require.NoError(t, err)

	assert.Empty(t, batch.Failures)
	require.Len(t, batch.Incidents, 5)
	assert.Equal(t, 3, mock.RequestCount())

	last := batch.Incidents[4]
	assert.Equal(t, "inc-5", last.ID)
	assert.Equal(t, "api", last.ServiceName)
	assert.Equal(t, "resolved", last.State)
	assert.Equal(t, "SEV-2", last.Severity)
	require.NotNil(t, last.ResolvedAt)
	assert.True(t, last.ResolvedAt.Equal(resolved))
	assert.True(t, last.UpdatedAt.Equal(resolved))
}

func TestGetIncidents_IsolatesBadRecords(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()

	mock.AddIncident(model.Incident{ID: "good-1", ServiceName: "api", State: "active", CreatedAt: t0, UpdatedAt: t0})
	mock.AddRawIncident("api", []byte(`{"id":"bad-time","attributes":{"created":"yesterday"}}`))
	mock.AddRawIncident("api", []byte(`{"attributes":{"created":"2024-03-01T10:00:00Z"}}`))
	mock.AddRawIncident("api", []byte(`{"id":"no-created","attributes":{"title":"x"}}`))
	mock.AddIncident(model.Incident{ID: "good-2", ServiceName: "api", State: "active", CreatedAt: t0, UpdatedAt: t0})

	batch, err := newTestClient(mock).GetIncidents(context.Background(), since, "api")
	require.NoError(t, err)

	require.Len(t, batch.Incidents, 2)
	assert.Equal(t, "good-1", batch.Incidents[0].ID)
	assert.Equal(t, "good-2", batch.Incidents[1].ID)

	require.Len(t, batch.Failures, 3)
	assert.Equal(t, "bad-time", batch.Failures[0].ID)
	assert.ErrorIs(t, batch.Failures[1].Err, errMissingID)
	assert.Equal(t, "no-created", batch.Failures[2].ID)
}

func TestGetIncidents_SinceUsesCreatedOrModified(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()

	old := since.Add(-48 * time.Hour)
	mock.AddIncident(model.Incident{ID: "stale", ServiceName: "api", CreatedAt: old, UpdatedAt: old})
	mock.AddIncident(model.Incident{ID: "reopened", ServiceName: "api", CreatedAt: old, UpdatedAt: t0})
	mock.AddIncident(model.Incident{ID: "fresh", ServiceName: "api", CreatedAt: t0, UpdatedAt: t0})

	batch, err := newTestClient(mock).GetIncidents(context.Background(), since, "api")
	require.NoError(t, err)

	var ids []string
	for _, inc := range batch.Incidents {
		ids = append(ids, inc.ID)
	}
	assert.Equal(t, []string{"reopened", "fresh"}, ids)
}

func TestGetIncidents_ErrorAbortsWalk(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()

	mock.AddIncident(model.Incident{ID: "inc-1", ServiceName: "api", CreatedAt: t0, UpdatedAt: t0})
	mock.FailService("api", http.StatusServiceUnavailable)

	batch, err := newTestClient(mock).GetIncidents(context.Background(), since, "api")
	require.Error(t, err)
	assert.Empty(t, batch.Incidents)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
}

func TestGetIncidents_RequiresKeys(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()

	_, err := New("", "", mock.URL).GetIncidents(context.Background(), since, "api")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestGetIncidents_QueryParameters(t *testing.T) {
	var got url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		fmt.Fprint(w, `{"data":{"attributes":{"incidents":[]}},"meta":{"pagination":{"offset":0,"next_offset":0}}}`)
	}))
	defer server.Close()

	tests := []struct {
		service string
		want    string
	}{
		{"checkout", `state:(active OR stable OR resolved) AND service:"checkout"`},
		{"web api (eu)", `state:(active OR stable OR resolved) AND service:"web api (eu)"`},
		{`team:payments "v2"`, `state:(active OR stable OR resolved) AND service:"team:payments \"v2\""`},
		{"", `state:(active OR stable OR resolved)`},
	}

	for _, tt := range tests {
		t.Run(tt.service, func(t *testing.T) {
			_, err := New("k", "a", server.URL).GetIncidents(context.Background(), since, tt.service)
			require.NoError(t, err)

			assert.Equal(t, tt.want, got.Get("query"))
			assert.Equal(t, "100", got.Get("page[size]"))
			assert.Equal(t, "0", got.Get("page[offset]"))
		})
	}
}

func TestGetIncidents_ServiceWithSpecialCharacters(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()

	odd := "web api (eu)"
	mock.AddIncident(model.Incident{ID: "inc-odd", ServiceName: odd, Title: "Outage", State: "active",
		CreatedAt: since.Add(time.Hour), UpdatedAt: since.Add(time.Hour)})
	mock.AddIncident(model.Incident{ID: "inc-web", ServiceName: "web", Title: "Other", State: "active",
		CreatedAt: since.Add(time.Hour), UpdatedAt: since.Add(time.Hour)})

	batch, err := New("k", "a", mock.URL).GetIncidents(context.Background(), since, odd)
	require.NoError(t, err)
	require.Len(t, batch.Incidents, 1)
	assert.Equal(t, "inc-odd", batch.Incidents[0].ID)
}

func TestMapIncident_FieldFallbacks(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantState    string
		wantSeverity string
	}{
		{
			name:         "fields win over top level",
			raw:          `{"id":"1","attributes":{"created":"2024-03-01T10:00:00Z","state":"active","severity":"SEV-3","fields":{"state":{"value":"stable"},"severity":{"value":"SEV-1"}}}}`,
			wantState:    "stable",
			wantSeverity: "SEV-1",
		},
		{
			name:         "top level fallback",
			raw:          `{"id":"1","attributes":{"created":"2024-03-01T10:00:00Z","state":"active","severity":"SEV-4"}}`,
			wantState:    "active",
			wantSeverity: "SEV-4",
		},
		{
			name:         "non-string field value ignored",
			raw:          `{"id":"1","attributes":{"created":"2024-03-01T10:00:00Z","state":"active","fields":{"severity":{"value":["SEV-1"]}}}}`,
			wantState:    "active",
			wantSeverity: UnknownSeverity,
		},
		{
			name:         "severity defaults to unknown",
			raw:          `{"id":"1","attributes":{"created":"2024-03-01T10:00:00Z"}}`,
			wantState:    "",
			wantSeverity: UnknownSeverity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inc, err := mapIncident([]byte(tt.raw), "api")
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, inc.State)
			assert.Equal(t, tt.wantSeverity, inc.Severity)
			assert.True(t, inc.UpdatedAt.Equal(inc.CreatedAt), "modified defaults to created")
			assert.Nil(t, inc.ResolvedAt)
		})
	}
}
