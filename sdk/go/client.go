package jalonsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Jalon HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// ClientRecord represents the API client model.
type ClientRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	City      string `json:"city,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// StageInterval is one stage-occupancy period.
type StageInterval struct {
	ID              string  `json:"id"`
	ClientID        string  `json:"client_id"`
	StageName       string  `json:"stage_name"`
	StartedAt       string  `json:"started_at"`
	EndedAt         *string `json:"ended_at,omitempty"`
	DurationSeconds *int64  `json:"duration_seconds,omitempty"`
	ChangedBy       string  `json:"changed_by"`
}

// Transition is the result of moving a client to a new stage.
type Transition struct {
	Interval      StageInterval `json:"interval"`
	PreviousStage *string       `json:"previous_stage,omitempty"`
}

// TimelineEntry is one entry of the client history feed.
type TimelineEntry struct {
	ID             int64   `json:"id"`
	ClientID       string  `json:"client_id"`
	Type           string  `json:"type"`
	Description    string  `json:"description,omitempty"`
	PreviousStatus *string `json:"previous_status,omitempty"`
	NewStatus      *string `json:"new_status,omitempty"`
	Actor          string  `json:"actor"`
	TS             string  `json:"ts"`
}

// StageDuration is the rendered time-in-stage label.
type StageDuration struct {
	ClientID  string `json:"client_id"`
	StageName string `json:"stage_name"`
	Display   string `json:"display"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedTimeline wraps timeline listings with cursors.
type PaginatedTimeline struct {
	Items      []TimelineEntry `json:"items"`
	NextCursor string          `json:"next_cursor"`
}

// CreateClient creates a client record.
func (c *Client) CreateClient(ctx context.Context, name, initialStage string) (ClientRecord, error) {
	body := map[string]any{"name": name}
	if initialStage != "" {
		body["initial_stage"] = initialStage
	}
	var resp ClientRecord
	err := c.do(ctx, http.MethodPost, "v0/clients", body, &resp)
	return resp, err
}

// Transition moves a client to a new stage.
func (c *Client) Transition(ctx context.Context, clientID, newStage string) (Transition, error) {
	body := map[string]any{"new_stage": newStage}
	var resp Transition
	endpoint := fmt.Sprintf("v0/clients/%s/stage-transitions", url.PathEscape(clientID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// History returns a client's stage history, most recent first.
func (c *Client) History(ctx context.Context, clientID string) ([]StageInterval, error) {
	var resp []StageInterval
	endpoint := fmt.Sprintf("v0/clients/%s/stage-transitions", url.PathEscape(clientID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CurrentStage returns the client's open interval.
func (c *Client) CurrentStage(ctx context.Context, clientID string) (StageInterval, error) {
	var resp StageInterval
	endpoint := fmt.Sprintf("v0/clients/%s/stage-transitions/current", url.PathEscape(clientID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StageDuration returns the rendered time-in-stage label.
func (c *Client) StageDuration(ctx context.Context, clientID, stageName string) (StageDuration, error) {
	var resp StageDuration
	endpoint := fmt.Sprintf("v0/clients/%s/stages/%s/duration", url.PathEscape(clientID), url.PathEscape(stageName))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AddTimelineEntry appends a free-form entry to the client timeline.
func (c *Client) AddTimelineEntry(ctx context.Context, clientID, entryType, description string, payload map[string]any) (TimelineEntry, error) {
	body := map[string]any{
		"type":        entryType,
		"description": description,
	}
	if payload != nil {
		body["payload"] = payload
	}
	var resp TimelineEntry
	endpoint := fmt.Sprintf("v0/clients/%s/timeline", url.PathEscape(clientID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Timeline returns recent timeline entries.
func (c *Client) Timeline(ctx context.Context, clientID string, limit int) ([]TimelineEntry, error) {
	page, err := c.TimelinePage(ctx, clientID, limit, "")
	return page.Items, err
}

// TimelinePage returns a paginated timeline listing.
func (c *Client) TimelinePage(ctx context.Context, clientID string, limit int, cursor string) (PaginatedTimeline, error) {
	endpoint := fmt.Sprintf("v0/clients/%s/timeline", url.PathEscape(clientID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedTimeline
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
