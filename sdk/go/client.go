package callbanksdk

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

// Client is a minimal Callbank HTTP API client.
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

// Location represents the API location model.
type Location struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Task represents the API task model.
type Task struct {
	ID         string   `json:"id"`
	LocationID string   `json:"location_id"`
	Title      string   `json:"title"`
	Status     string   `json:"status"`
	Actions    []string `json:"actions,omitempty"`
	CreatedAt  string   `json:"created_at"`
	UpdatedAt  string   `json:"updated_at"`
}

// TaskSummary carries pool counters for a task.
type TaskSummary struct {
	TaskID       string `json:"task_id"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	TotalTargets int    `json:"total_targets"`
	Assigned     int    `json:"assigned"`
}

// Target is one person to call.
type Target struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	Seq       int    `json:"seq"`
	Name      string `json:"name"`
	Phone     string `json:"phone,omitempty"`
	CreatedAt string `json:"created_at"`
}

// TargetInput describes a target to add.
type TargetInput struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// ClaimResult reports how many targets a claim actually assigned.
type ClaimResult struct {
	TaskID    string `json:"task_id"`
	Requested int    `json:"requested"`
	Assigned  int    `json:"assigned"`
	Message   string `json:"message,omitempty"`
}

// Outcome is a call result to record.
type Outcome struct {
	Actions    []string `json:"actions,omitempty"`
	Notes      string   `json:"notes,omitempty"`
	Rating     *int     `json:"rating,omitempty"`
	FollowUpAt *string  `json:"follow_up_at,omitempty"`
}

// Interaction is the latest recorded outcome for an assignment.
type Interaction struct {
	TaskID      string   `json:"task_id"`
	TargetID    string   `json:"target_id"`
	PrincipalID string   `json:"principal_id"`
	Actions     []string `json:"actions,omitempty"`
	Notes       string   `json:"notes,omitempty"`
	Rating      *int     `json:"rating,omitempty"`
	FollowUpAt  *string  `json:"follow_up_at,omitempty"`
	UpdatedAt   string   `json:"updated_at"`
}

// WorkItem is one claimed target with its latest interaction.
type WorkItem struct {
	TaskID      string       `json:"task_id"`
	TargetID    string       `json:"target_id"`
	Name        string       `json:"name"`
	Phone       string       `json:"phone,omitempty"`
	Status      string       `json:"status"`
	Interaction *Interaction `json:"interaction,omitempty"`
}

// Membership records a principal joining a location group.
type Membership struct {
	PrincipalID string `json:"principal_id"`
	LocationID  string `json:"location_id"`
	GroupID     string `json:"group_id"`
}

// Pages lists accessible pages at a location.
type Pages struct {
	PrincipalID string   `json:"principal_id"`
	LocationID  string   `json:"location_id"`
	Pages       []string `json:"pages"`
}

// APIKey is a key record; Key is set only on creation.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         string `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	LocationID string `json:"location_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateLocation registers a location with a unique code.
func (c *Client) CreateLocation(ctx context.Context, code, name string) (Location, error) {
	var resp Location
	err := c.do(ctx, http.MethodPost, "v0/locations", map[string]any{"code": code, "name": name}, &resp)
	return resp, err
}

// GetLocation looks a location up by code.
func (c *Client) GetLocation(ctx context.Context, code string) (Location, error) {
	var resp Location
	err := c.do(ctx, http.MethodGet, "v0/locations/"+url.PathEscape(code), nil, &resp)
	return resp, err
}

// CreateTask creates a task at a location.
func (c *Client) CreateTask(ctx context.Context, locationID, title string, actions []string) (Task, error) {
	body := map[string]any{"title": title, "actions": actions}
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/locations/%s/tasks", url.PathEscape(locationID)), body, &resp)
	return resp, err
}

// ListTasks returns summaries for every task at a location.
func (c *Client) ListTasks(ctx context.Context, locationID string) ([]TaskSummary, error) {
	var resp []TaskSummary
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/locations/%s/tasks", url.PathEscape(locationID)), nil, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// TaskSummary fetches pool counters for a task.
func (c *Client) TaskSummary(ctx context.Context, taskID string) (TaskSummary, error) {
	var resp TaskSummary
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/tasks/%s/summary", url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

// AddTargets appends targets to a task pool.
func (c *Client) AddTargets(ctx context.Context, taskID string, targets []TargetInput) ([]Target, error) {
	var resp []Target
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tasks/%s/targets", url.PathEscape(taskID)), map[string]any{"targets": targets}, &resp)
	return resp, err
}

// ListTargets returns the task pool in input order.
func (c *Client) ListTargets(ctx context.Context, taskID string) ([]Target, error) {
	var resp []Target
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/tasks/%s/targets", url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

// Claim pulls up to count unclaimed targets for the caller.
// Count zero means the location's configured batch size.
func (c *Client) Claim(ctx context.Context, taskID string, count int) (ClaimResult, error) {
	var resp ClaimResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tasks/%s/claim", url.PathEscape(taskID)), map[string]any{"count": count}, &resp)
	return resp, err
}

// Skip marks a claimed target skipped without returning it to the pool.
func (c *Client) Skip(ctx context.Context, taskID, targetID string) error {
	endpoint := fmt.Sprintf("v0/tasks/%s/targets/%s/skip", url.PathEscape(taskID), url.PathEscape(targetID))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{}, nil)
}

// RecordCall records an outcome for a claimed target.
func (c *Client) RecordCall(ctx context.Context, taskID, targetID string, out Outcome) (Interaction, error) {
	var resp Interaction
	endpoint := fmt.Sprintf("v0/tasks/%s/targets/%s/call", url.PathEscape(taskID), url.PathEscape(targetID))
	err := c.do(ctx, http.MethodPost, endpoint, out, &resp)
	return resp, err
}

// CompleteTask completes a task once its pool is exhausted.
func (c *Client) CompleteTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tasks/%s/complete", url.PathEscape(taskID)), map[string]any{}, &resp)
	return resp, err
}

// Work lists the caller's claimed targets across all tasks.
func (c *Client) Work(ctx context.Context) ([]WorkItem, error) {
	var resp []WorkItem
	err := c.do(ctx, http.MethodGet, "v0/work", nil, &resp)
	return resp, err
}

// Join adds the caller to a group at a location.
func (c *Client) Join(ctx context.Context, locationID, groupType string) (Membership, error) {
	var resp Membership
	endpoint := fmt.Sprintf("v0/locations/%s/join", url.PathEscape(locationID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"group_type": groupType}, &resp)
	return resp, err
}

// AccessiblePages lists pages the caller can reach at a location.
func (c *Client) AccessiblePages(ctx context.Context, locationID string) (Pages, error) {
	var resp Pages
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/locations/%s/pages", url.PathEscape(locationID)), nil, &resp)
	return resp, err
}

// CreateAPIKey mints an API key. The plaintext Key is returned once.
func (c *Client) CreateAPIKey(ctx context.Context, name string) (APIKey, error) {
	var resp APIKey
	err := c.do(ctx, http.MethodPost, "v0/keys", map[string]any{"name": name}, &resp)
	return resp, err
}

// ListAPIKeys lists the caller's keys without plaintext.
func (c *Client) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	var resp []APIKey
	err := c.do(ctx, http.MethodGet, "v0/keys", nil, &resp)
	return resp, err
}

// Events returns recent events for a location.
func (c *Client) Events(ctx context.Context, locationID string, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/locations/%s/events", url.PathEscape(locationID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
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
