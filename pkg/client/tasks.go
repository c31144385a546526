package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/acnlabs/acn/pkg/payment"
	"github.com/acnlabs/acn/pkg/types"
)

// CreateTaskRequest posts paid work to the pool. Reward amounts are decimal
// strings; currency "points" (the default) locks the budget up front.
type CreateTaskRequest struct {
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	TaskType       string   `json:"task_type,omitempty"`
	Mode           string   `json:"mode,omitempty"`
	RequiredSkills []string `json:"required_skills,omitempty"`

	RewardAmount   string `json:"reward_amount,omitempty"`
	RewardCurrency string `json:"reward_currency,omitempty"`
	RewardUnit     string `json:"reward_unit,omitempty"`

	ApprovalType string `json:"approval_type,omitempty"`
	ValidatorID  string `json:"validator_id,omitempty"`

	IsMultiParticipant bool `json:"is_multi_participant,omitempty"`
	AllowRepeatBySame  bool `json:"allow_repeat_by_same,omitempty"`
	MaxCompletions     int  `json:"max_completions,omitempty"`
	DeadlineHours      int  `json:"deadline_hours,omitempty"`

	AssigneeID string                 `json:"assignee_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`

	PaymentMethod  string `json:"payment_method,omitempty"`
	PaymentNetwork string `json:"payment_network,omitempty"`

	// Creator fields are honored for operator callers only.
	CreatorType string `json:"creator_type,omitempty"`
	CreatorID   string `json:"creator_id,omitempty"`
	CreatorName string `json:"creator_name,omitempty"`
}

// CreateTask posts a task. Points budgets that cannot be locked abort with
// the node's error.
func (c *Client) CreateTask(ctx context.Context, req *CreateTaskRequest) (*types.Task, error) {
	var out types.Task
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TaskFilter narrows a task listing. Zero fields are ignored. ForAgent
// returns open tasks matching that agent's skills and overrides the rest.
type TaskFilter struct {
	Status     string
	Skills     []string
	CreatorID  string
	AssigneeID string
	SubnetID   string
	ForAgent   string
	Limit      int
}

// ListTasks searches the pool, newest first.
func (c *Client) ListTasks(ctx context.Context, f *TaskFilter) ([]*types.Task, error) {
	q := url.Values{}
	if f != nil {
		setQuery(q, "status", f.Status)
		setQuery(q, "creator_id", f.CreatorID)
		setQuery(q, "assignee_id", f.AssigneeID)
		setQuery(q, "subnet_id", f.SubnetID)
		setQuery(q, "for_agent", f.ForAgent)
		if len(f.Skills) > 0 {
			q.Set("skills", strings.Join(f.Skills, ","))
		}
		if f.Limit > 0 {
			q.Set("limit", strconv.Itoa(f.Limit))
		}
	}
	path := "/api/v1/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Tasks []*types.Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	var out types.Task
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TaskWork is the answer to accept and submit calls: the updated task and,
// for multi-participant tasks, the caller's participation.
type TaskWork struct {
	Task          *types.Task          `json:"task"`
	Participation *types.Participation `json:"participation,omitempty"`
}

// AcceptTask assigns a single-assignee task to the agent or joins a
// multi-participant one. Agent callers may leave agentID empty to act as
// themselves.
func (c *Client) AcceptTask(ctx context.Context, taskID, agentID, agentName string) (*TaskWork, error) {
	payload := map[string]string{}
	if agentID != "" {
		payload["agent_id"] = agentID
	}
	if agentName != "" {
		payload["agent_name"] = agentName
	}
	var out TaskWork
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(taskID)+"/accept", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitTask hands in work for review. Auto-approval tasks settle inline and
// come back completed.
func (c *Client) SubmitTask(ctx context.Context, taskID, agentID, submission string) (*TaskWork, error) {
	payload := map[string]string{"submission": submission}
	if agentID != "" {
		payload["agent_id"] = agentID
	}
	var out TaskWork
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(taskID)+"/submit", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReviewTask approves or rejects a submitted single-assignee task. Creator
// only; approval releases the reward.
func (c *Client) ReviewTask(ctx context.Context, taskID string, approve bool, notes string) (*types.Task, error) {
	payload := map[string]interface{}{"approve": approve}
	if notes != "" {
		payload["notes"] = notes
	}
	var out types.Task
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(taskID)+"/review", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelTask cancels a task and refunds the remaining budget. Creator only.
func (c *Client) CancelTask(ctx context.Context, taskID string) (*types.Task, error) {
	var out types.Task
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(taskID)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListParticipations returns a task's participations.
func (c *Client) ListParticipations(ctx context.Context, taskID string) ([]*types.Participation, error) {
	var out struct {
		Participations []*types.Participation `json:"participations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID)+"/participations", nil, &out); err != nil {
		return nil, err
	}
	return out.Participations, nil
}

// ListCompletions returns the agents recorded as having completed the task.
func (c *Client) ListCompletions(ctx context.Context, taskID string) ([]string, error) {
	var out struct {
		CompletedBy []string `json:"completed_by"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID)+"/completions", nil, &out); err != nil {
		return nil, err
	}
	return out.CompletedBy, nil
}

// ReviewParticipation approves or rejects one participant's submission.
// Creator only; approval releases that participant's reward.
func (c *Client) ReviewParticipation(ctx context.Context, participationID string, approve bool, notes string) (*types.Participation, error) {
	payload := map[string]interface{}{"approve": approve}
	if notes != "" {
		payload["notes"] = notes
	}
	var out types.Participation
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks/participations/"+url.PathEscape(participationID)+"/review", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelParticipation withdraws a participant from a task.
func (c *Client) CancelParticipation(ctx context.Context, participationID string) (*types.Participation, error) {
	var out types.Participation
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks/participations/"+url.PathEscape(participationID)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DiscoverPaymentAgents lists payment-capable agents from the payment
// collaborator, optionally filtered by accepted method and network.
func (c *Client) DiscoverPaymentAgents(ctx context.Context, method, network string) ([]payment.Agent, error) {
	q := url.Values{}
	setQuery(q, "method", method)
	setQuery(q, "network", network)
	path := "/api/v1/tasks/payments/discovery"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Agents []payment.Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// CreatePaymentTaskRequest opens an external payment task keyed to a network
// task.
type CreatePaymentTaskRequest struct {
	TaskID   string `json:"task_id"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Method   string `json:"method,omitempty"`
	Network  string `json:"network,omitempty"`
	PayerID  string `json:"payer_id,omitempty"`
	PayeeID  string `json:"payee_id,omitempty"`
}

// CreatePaymentTask opens a payment task with the payment collaborator.
func (c *Client) CreatePaymentTask(ctx context.Context, req *CreatePaymentTaskRequest) (*payment.Task, error) {
	var out payment.Task
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks/payments", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPaymentTask fetches an external payment task.
func (c *Client) GetPaymentTask(ctx context.Context, paymentTaskID string) (*payment.Task, error) {
	var out payment.Task
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/payments/"+url.PathEscape(paymentTaskID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
