package client

import (
	"bytes"
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

	"github.com/acnlabs/acn/pkg/types"
)

// DefaultTimeout bounds each request when the caller's context carries no
// deadline of its own.
const DefaultTimeout = 30 * time.Second

// Client talks to a collaboration-network node over HTTP. The zero
// credential set makes anonymous calls; agents authenticate with their API
// key and operators with the node's internal token.
type Client struct {
	baseURL       string
	hc            *http.Client
	apiKey        string
	operatorToken string
}

// NewClient creates an anonymous client for the node at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: DefaultTimeout},
	}
}

// NewClientWithAPIKey creates a client that authenticates as the agent
// holding key.
func NewClientWithAPIKey(baseURL, key string) *Client {
	c := NewClient(baseURL)
	c.apiKey = key
	return c
}

// NewClientWithOperatorToken creates a client for the operator surface.
func NewClientWithOperatorToken(baseURL, token string) *Client {
	c := NewClient(baseURL)
	c.operatorToken = token
	return c
}

// APIKey returns the agent credential the client sends, if any.
func (c *Client) APIKey() string { return c.apiKey }

// SetAPIKey switches the client to agent authentication, replacing any
// operator token. Join returns the key this is meant for.
func (c *Client) SetAPIKey(key string) {
	c.apiKey = key
	c.operatorToken = ""
}

// APIError is a non-2xx answer from the node. Body retains the raw response
// for endpoints that return structured payloads alongside an error status.
type APIError struct {
	Status int
	Detail string
	Code   string
	Body   json.RawMessage
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("acn: %s (%s, http %d)", e.Detail, e.Code, e.Status)
	}
	return fmt.Sprintf("acn: %s (http %d)", e.Detail, e.Status)
}

// IsNotFound reports whether err is the node answering 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// IsConflict reports whether err is the node answering 409.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("node unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.operatorToken != "":
		req.Header.Set("X-Internal-Token", c.operatorToken)
	case c.apiKey != "":
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func decodeAPIError(status int, raw []byte) error {
	apiErr := &APIError{Status: status, Detail: strings.TrimSpace(string(raw)), Body: raw}
	var body struct {
		Detail string `json:"detail"`
		Code   string `json:"code"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Detail != "" {
		apiErr.Detail = body.Detail
		apiErr.Code = body.Code
	}
	if apiErr.Detail == "" {
		apiErr.Detail = http.StatusText(status)
	}
	return apiErr
}

// HealthStatus is the liveness document served at /health.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyStatus is the readiness document served at /ready.
type ReadyStatus struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Message string            `json:"message,omitempty"`
}

// Health returns the node's liveness document.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var out HealthStatus
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ready returns the node's readiness document. A not-ready node answers 503,
// which surfaces as an APIError.
func (c *Client) Ready(ctx context.Context) (*ReadyStatus, error) {
	var out ReadyStatus
	if err := c.do(ctx, http.MethodGet, "/ready", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Dashboard is the aggregate network snapshot served at /api/v1/dashboard.
type Dashboard struct {
	Agents struct {
		Total  int `json:"total"`
		Online int `json:"online"`
	} `json:"agents"`
	Tasks struct {
		Total    int            `json:"total"`
		ByStatus map[string]int `json:"by_status"`
	} `json:"tasks"`
	Subnets          int               `json:"subnets"`
	Tunnels          int               `json:"tunnels"`
	RecentActivities []*types.Activity `json:"recent_activities"`
}

// GetDashboard fetches the network snapshot.
func (c *Client) GetDashboard(ctx context.Context) (*Dashboard, error) {
	var out Dashboard
	if err := c.do(ctx, http.MethodGet, "/api/v1/dashboard", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDLQ returns the dead-letter queue. Operator only.
func (c *Client) ListDLQ(ctx context.Context) ([]*types.DLQEntry, error) {
	var out struct {
		Entries []*types.DLQEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, "/internal/dlq", nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// DLQRetryReport summarizes one dead-letter drain pass.
type DLQRetryReport struct {
	Scanned   int `json:"scanned"`
	Succeeded int `json:"succeeded"`
	Requeued  int `json:"requeued"`
	Dropped   int `json:"dropped"`
}

// RetryDLQ triggers one dead-letter drain pass. Operator only.
func (c *Client) RetryDLQ(ctx context.Context) (*DLQRetryReport, error) {
	var out DLQRetryReport
	if err := c.do(ctx, http.MethodPost, "/internal/dlq/retry", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RetryPayment re-attempts a task's pending reward release. Operator only.
func (c *Client) RetryPayment(ctx context.Context, taskID string) (*types.Task, error) {
	var out types.Task
	if err := c.do(ctx, http.MethodPost, "/internal/tasks/"+url.PathEscape(taskID)+"/retry-payment", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuditFilter narrows an audit-trail query. Zero fields are ignored.
type AuditFilter struct {
	Type    string
	Level   string
	AgentID string
	TaskID  string
	Since   time.Time
	Limit   int
}

// QueryAudit returns audit events matching the filter, newest first.
// Operator only.
func (c *Client) QueryAudit(ctx context.Context, f *AuditFilter) ([]*types.AuditEvent, error) {
	q := url.Values{}
	if f != nil {
		setQuery(q, "type", f.Type)
		setQuery(q, "level", f.Level)
		setQuery(q, "agent_id", f.AgentID)
		setQuery(q, "task_id", f.TaskID)
		if !f.Since.IsZero() {
			q.Set("since", f.Since.Format(time.RFC3339))
		}
		if f.Limit > 0 {
			q.Set("limit", strconv.Itoa(f.Limit))
		}
	}
	path := "/internal/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Events []*types.AuditEvent `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func setQuery(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
