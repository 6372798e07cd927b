package datadog

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/model"
)

// MockServer provides a fake Datadog incidents API for testing
type MockServer struct {
	*httptest.Server
	mu        sync.RWMutex
	incidents []mockIncident
	pageSize  int
	requests  int
	failures  map[string]int // service -> status
	nextError int
}

type mockIncident struct {
	service string
	raw     json.RawMessage
}

var serviceTerm = regexp.MustCompile(`service:("(?:[^"\\]|\\.)*")`)

// NewMockServer creates a mock Datadog API server
func NewMockServer() *MockServer {
	m := &MockServer{failures: make(map[string]int)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+searchPath, m.handleSearch)

	m.Server = httptest.NewServer(mux)
	return m
}

// AddIncident adds an incident under inc.ServiceName.
func (m *MockServer) AddIncident(inc model.Incident) {
	attrs := map[string]any{
		"title":    inc.Title,
		"created":  inc.CreatedAt.UTC().Format(time.RFC3339),
		"modified": inc.UpdatedAt.UTC().Format(time.RFC3339),
		"resolved": nil,
		"fields": map[string]any{
			"state":    map[string]any{"type": "dropdown", "value": inc.State},
			"severity": map[string]any{"type": "dropdown", "value": inc.Severity},
		},
	}
	if inc.ResolvedAt != nil {
		attrs["resolved"] = inc.ResolvedAt.UTC().Format(time.RFC3339)
	}

	raw, _ := json.Marshal(map[string]any{"id": inc.ID, "type": "incidents", "attributes": attrs})
	m.AddRawIncident(inc.ServiceName, raw)
}

// AddRawIncident adds a verbatim incident record under service.
func (m *MockServer) AddRawIncident(service string, raw json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents = append(m.incidents, mockIncident{service: service, raw: raw})
}

// SetPageSize caps the page size regardless of page[size].
func (m *MockServer) SetPageSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageSize = n
}

// FailService makes searches for service return status. A zero status clears it.
func (m *MockServer) FailService(service string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status == 0 {
		delete(m.failures, service)
		return
	}
	m.failures[service] = status
}

// SetNextError makes the next request fail with status.
func (m *MockServer) SetNextError(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextError = status
}

// RequestCount returns the number of search requests received.
func (m *MockServer) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests
}

// Reset clears incidents, failures and counters
func (m *MockServer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents = nil
	m.pageSize = 0
	m.requests = 0
	m.failures = make(map[string]int)
	m.nextError = 0
}

func (m *MockServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests++
	nextError := m.nextError
	m.nextError = 0
	m.mu.Unlock()

	if r.Header.Get("DD-API-KEY") == "" || r.Header.Get("DD-APPLICATION-KEY") == "" {
		http.Error(w, `{"errors":["Forbidden"]}`, http.StatusForbidden)
		return
	}
	if nextError != 0 {
		http.Error(w, `{"errors":["injected failure"]}`, nextError)
		return
	}

	q := r.URL.Query()
	service := ""
	if match := serviceTerm.FindStringSubmatch(q.Get("query")); match != nil {
		service, _ = strconv.Unquote(match[1])
	}

	m.mu.RLock()
	status := m.failures[service]
	var matched []json.RawMessage
	for _, inc := range m.incidents {
		if service == "" || inc.service == service {
			matched = append(matched, inc.raw)
		}
	}
	pageSize := m.pageSize
	m.mu.RUnlock()

	if status != 0 {
		http.Error(w, `{"errors":["injected failure"]}`, status)
		return
	}

	size, _ := strconv.Atoi(q.Get("page[size]"))
	if size <= 0 {
		size = 10
	}
	if pageSize > 0 && pageSize < size {
		size = pageSize
	}
	offset, _ := strconv.Atoi(q.Get("page[offset]"))
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + size
	if end > len(matched) {
		end = len(matched)
	}

	type wrapped struct {
		Data json.RawMessage `json:"data"`
	}
	page := make([]wrapped, 0, end-offset)
	for _, raw := range matched[offset:end] {
		page = append(page, wrapped{Data: raw})
	}

	nextOffset := 0
	if end < len(matched) {
		nextOffset = end
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"data": map[string]any{
			"type": "incidents_search_results",
			"attributes": map[string]any{
				"incidents": page,
				"total":     len(matched),
			},
		},
		"meta": map[string]any{
			"pagination": map[string]any{
				"offset":      offset,
				"next_offset": nextOffset,
				"size":        size,
			},
		},
	})
}
