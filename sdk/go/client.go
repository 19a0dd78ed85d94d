package qubesdk

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

// Client is a minimal Qube HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
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

// Project represents the API project model.
type Project struct {
	ID            string   `json:"id"`
	Owner         string   `json:"owner"`
	Name          string   `json:"name"`
	Status        string   `json:"status"`
	AssignedUsers []string `json:"assigned_users"`
	InDispute     bool     `json:"in_dispute"`
	CreatedAt     string   `json:"created_at"`
}

// Task represents the API task model (partial).
type Task struct {
	ID                 string            `json:"id"`
	ProjectID          string            `json:"project_id"`
	Title              string            `json:"title"`
	Status             string            `json:"status"`
	Recipient          *string           `json:"recipient,omitempty"`
	SubmissionDeadline string            `json:"submission_deadline"`
	ReviewDeadline     string            `json:"review_deadline"`
	PaymentDeadline    string            `json:"payment_deadline"`
	Hashes             map[string]string `json:"hashes"`
	EndTimestamp       *string           `json:"end_timestamp,omitempty"`
}

// User represents the API user model.
type User struct {
	WalletAddress string `json:"wallet_address"`
	Username      string `json:"username"`
	Email         string `json:"email,omitempty"`
	UserType      string `json:"user_type"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates an escrow project.
func (c *Client) CreateProject(ctx context.Context, name, owner string) (Project, error) {
	body := map[string]any{
		"name":  name,
		"owner": owner,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

// CreateTask creates a task under a project.
func (c *Client) CreateTask(ctx context.Context, projectID, title, submissionDeadline, reviewDeadline, paymentDeadline string) (Task, error) {
	body := map[string]any{
		"title":               title,
		"submission_deadline": submissionDeadline,
		"review_deadline":     reviewDeadline,
		"payment_deadline":    paymentDeadline,
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/projects/%s/tasks", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SignTask signs a task for the given recipient wallet.
func (c *Client) SignTask(ctx context.Context, id, recipient string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/sign", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"recipient": recipient}, &resp)
	return resp, err
}

// SubmitTask submits deliverables and moves the task into review.
func (c *Client) SubmitTask(ctx context.Context, id string, deliverables any) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/submit", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"deliverables": deliverables}, &resp)
	return resp, err
}

// ApproveTask accepts a submission.
func (c *Client) ApproveTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/approve", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// RegisterUser registers or updates a user.
func (c *Client) RegisterUser(ctx context.Context, u User) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodPut, "v0/users", u, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
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
