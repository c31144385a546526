package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/acnlabs/acn/pkg/errs"
)

// DefaultTimeout bounds every payment collaborator call
const DefaultTimeout = 15 * time.Second

// Agent is a payment-capable agent as reported by the collaborator's
// discovery endpoint
type Agent struct {
	AgentID  string   `json:"agent_id"`
	Name     string   `json:"name,omitempty"`
	Methods  []string `json:"methods,omitempty"`
	Networks []string `json:"networks,omitempty"`
	Endpoint string   `json:"endpoint,omitempty"`
}

// Task is an external payment task keyed to a collaboration-network task.
// Lifecycle updates arrive through the collaborator's webhook, not by
// polling.
type Task struct {
	ID        string    `json:"payment_task_id"`
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	Method    string    `json:"method,omitempty"`
	Network   string    `json:"network,omitempty"`
	PayerID   string    `json:"payer_id,omitempty"`
	PayeeID   string    `json:"payee_id,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// CreateTaskRequest asks the collaborator to open a payment task for a
// real-currency reward
type CreateTaskRequest struct {
	TaskID   string `json:"task_id"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Method   string `json:"method,omitempty"`
	Network  string `json:"network,omitempty"`
	PayerID  string `json:"payer_id,omitempty"`
	PayeeID  string `json:"payee_id,omitempty"`
}

// Client calls the external payment collaborator for real-currency tasks
type Client struct {
	baseURL string
	hc      *http.Client
}

// NewClient creates a payment client. A zero timeout falls back to
// DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: timeout},
	}
}

// DiscoverAgents lists payment-capable agents, optionally filtered by
// accepted method and network
func (c *Client) DiscoverAgents(ctx context.Context, method, network string) ([]Agent, error) {
	q := url.Values{}
	if method != "" {
		q.Set("method", method)
	}
	if network != "" {
		q.Set("network", network)
	}
	path := "/payments/agents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// CreateTask opens an external payment task for a real-currency reward.
// Failure here never aborts collaboration-task creation; the caller logs
// and continues.
func (c *Client) CreateTask(ctx context.Context, req *CreateTaskRequest) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodPost, "/payments/tasks", req, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, errs.E(errs.ExternalUnavailable, "payment task response missing payment_task_id")
	}
	return &out, nil
}

// GetTask fetches a payment task by its collaborator-side id
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodGet, "/payments/tasks/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateTaskStatus pushes a status change to the collaborator
func (c *Client) UpdateTaskStatus(ctx context.Context, id, status string) (*Task, error) {
	var out Task
	payload := map[string]string{"status": status}
	if err := c.do(ctx, http.MethodPatch, "/payments/tasks/"+id, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return errs.Wrap(errs.Internal, err, "failed to encode payment request")
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "failed to build payment request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errs.Wrap(errs.Timeout, err, "payment call %s timed out", path)
		}
		return errs.Wrap(errs.ExternalUnavailable, err, "payment collaborator unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, err, "failed to read payment response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.E(errs.ExternalUnavailable, "payment collaborator returned %d on %s: %s", resp.StatusCode, path, snippet(raw))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Wrap(errs.ExternalUnavailable, err, "malformed payment response")
	}
	return nil
}

func snippet(raw []byte) string {
	const max = 200
	if len(raw) <= max {
		return string(raw)
	}
	return fmt.Sprintf("%s...", raw[:max])
}
