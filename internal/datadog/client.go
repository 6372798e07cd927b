// Package datadog collects incidents from the Datadog incidents API.
package datadog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/logger"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/model"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/paginate"
)

const (
	defaultPageSize = 100
	searchPath      = "/api/v2/incidents/search"

	// UnknownSeverity is used when an incident carries no severity.
	UnknownSeverity = "UNKNOWN"
)

// APIError is a non-2xx response from Datadog.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Datadog API error: %s - %s", e.Status, e.Body)
}

type searchResponse struct {
	Data struct {
		Attributes struct {
			Incidents []struct {
				Data json.RawMessage `json:"data"`
			} `json:"incidents"`
			Total int `json:"total"`
		} `json:"attributes"`
	} `json:"data"`
	Meta struct {
		Pagination struct {
			Offset     int `json:"offset"`
			NextOffset int `json:"next_offset"`
			Size       int `json:"size"`
		} `json:"pagination"`
	} `json:"meta"`
}

type incidentData struct {
	ID         string `json:"id"`
	Attributes struct {
		Title    string                `json:"title"`
		Created  *time.Time            `json:"created"`
		Modified *time.Time            `json:"modified"`
		Resolved *time.Time            `json:"resolved"`
		State    string                `json:"state"`
		Severity string                `json:"severity"`
		Fields   map[string]fieldValue `json:"fields"`
	} `json:"attributes"`
}

type fieldValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// text returns the value as a string, or "" when it is not a string.
func (f fieldValue) text() string {
	var s string
	if err := json.Unmarshal(f.Value, &s); err != nil {
		return ""
	}
	return s
}

// Client is a Datadog API client.
type Client struct {
	apiKey     string
	appKey     string
	baseURL    string
	pageSize   int
	httpClient *http.Client
}

// New creates a client for the Datadog API at baseURL, e.g. https://api.datadoghq.com.
func New(apiKey, appKey, baseURL string) *Client {
	return &Client{
		apiKey:     apiKey,
		appKey:     appKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		pageSize:   defaultPageSize,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// GetIncidents returns the incidents of serviceName created or modified since
// the given time. An empty serviceName searches every service. Records that
// cannot be mapped are reported in Failures; the rest are still returned.
func (c *Client) GetIncidents(ctx context.Context, since time.Time, serviceName string) (model.IncidentBatch, error) {
	var batch model.IncidentBatch

	raw, err := paginate.Walk(ctx, c.searchURL(serviceName, 0), c.fetchPage)
	if err != nil {
		return batch, fmt.Errorf("failed to search incidents for %q: %w", serviceName, err)
	}

	for _, r := range raw {
		inc, err := mapIncident(r, serviceName)
		if err != nil {
			batch.Failures = append(batch.Failures, model.RecordFailure{ID: recordID(r), Err: err})
			logger.Warn("datadog: skipping incident %s: %v", recordID(r), err)
			continue
		}
		if inc.CreatedAt.Before(since) && inc.UpdatedAt.Before(since) {
			continue
		}
		batch.Incidents = append(batch.Incidents, inc)
	}
	return batch, nil
}

func (c *Client) searchURL(serviceName string, offset int) string {
	query := "state:(active OR stable OR resolved)"
	if serviceName != "" {
		query += " AND service:" + strconv.Quote(serviceName)
	}

	q := url.Values{}
	q.Set("query", query)
	q.Set("sort", "-created")
	q.Set("page[size]", strconv.Itoa(c.pageSize))
	q.Set("page[offset]", strconv.Itoa(offset))
	return c.baseURL + searchPath + "?" + q.Encode()
}

func (c *Client) fetchPage(ctx context.Context, locator string) (paginate.Page[json.RawMessage], error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return paginate.Page[json.RawMessage]{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("DD-API-KEY", c.apiKey)
	req.Header.Set("DD-APPLICATION-KEY", c.appKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return paginate.Page[json.RawMessage]{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return paginate.Page[json.RawMessage]{}, &APIError{StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(body))}
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return paginate.Page[json.RawMessage]{}, fmt.Errorf("failed to decode response: %w", err)
	}

	items := make([]json.RawMessage, 0, len(sr.Data.Attributes.Incidents))
	for _, inc := range sr.Data.Attributes.Incidents {
		items = append(items, inc.Data)
	}

	page := paginate.Page[json.RawMessage]{Items: items}
	p := sr.Meta.Pagination
	if len(items) > 0 && p.NextOffset > p.Offset {
		next, err := withOffset(locator, p.NextOffset)
		if err != nil {
			return paginate.Page[json.RawMessage]{}, err
		}
		page.Next = next
	}
	return page, nil
}

func withOffset(locator string, offset int) (string, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", fmt.Errorf("invalid page url: %w", err)
	}
	q := u.Query()
	q.Set("page[offset]", strconv.Itoa(offset))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

var errMissingID = errors.New("missing id")

func mapIncident(raw json.RawMessage, serviceName string) (model.Incident, error) {
	var d incidentData
	if err := json.Unmarshal(raw, &d); err != nil {
		return model.Incident{}, fmt.Errorf("invalid incident payload: %w", err)
	}
	if d.ID == "" {
		return model.Incident{}, errMissingID
	}
	a := d.Attributes
	if a.Created == nil {
		return model.Incident{}, fmt.Errorf("incident %s: missing created time", d.ID)
	}

	inc := model.Incident{
		ID:          d.ID,
		ServiceName: serviceName,
		Title:       a.Title,
		State:       a.State,
		Severity:    a.Severity,
		CreatedAt:   a.Created.UTC(),
		UpdatedAt:   a.Created.UTC(),
	}
	if a.Modified != nil {
		inc.UpdatedAt = a.Modified.UTC()
	}
	if a.Resolved != nil {
		resolved := a.Resolved.UTC()
		inc.ResolvedAt = &resolved
	}
	if v := a.Fields["state"].text(); v != "" {
		inc.State = v
	}
	if v := a.Fields["severity"].text(); v != "" {
		inc.Severity = v
	}
	if inc.Severity == "" {
		inc.Severity = UnknownSeverity
	}
	return inc, nil
}

// recordID extracts the id of a raw record for failure reports.
func recordID(raw json.RawMessage) string {
	var d struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &d)
	return d.ID
}
