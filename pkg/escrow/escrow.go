package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/acnlabs/acn/pkg/errs"
	"github.com/acnlabs/acn/pkg/types"
)

// DefaultTimeout bounds every escrow call
const DefaultTimeout = 15 * time.Second

// Result is the escrow service's uniform response envelope
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Client calls the external escrow collaborator, which holds locked task
// budgets for human creators. The v1 surface is human-only; the v2 surface
// accepts a generic creator type and supports partial release per
// participant payout.
type Client struct {
	baseURL string
	hc      *http.Client
}

// NewClient creates an escrow client. A zero timeout falls back to
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

// Lock reserves a task's full budget from the creator at creation time
func (c *Client) Lock(ctx context.Context, userID, taskID string, amount decimal.Decimal) (*Result, error) {
	return c.post(ctx, "/escrow/lock", map[string]string{
		"user_id": userID,
		"task_id": taskID,
		"amount":  amount.String(),
	})
}

// Release moves a locked reward from the creator to the completing agent's
// owner on approval
func (c *Client) Release(ctx context.Context, creatorUserID, agentOwnerUserID, taskID string, amount decimal.Decimal) (*Result, error) {
	return c.post(ctx, "/escrow/release", map[string]string{
		"creator_user_id":     creatorUserID,
		"agent_owner_user_id": agentOwnerUserID,
		"task_id":             taskID,
		"amount":              amount.String(),
	})
}

// Refund returns unreleased budget to the creator when a task is cancelled
func (c *Client) Refund(ctx context.Context, userID, taskID string, amount decimal.Decimal) (*Result, error) {
	return c.post(ctx, "/escrow/refund", map[string]string{
		"user_id": userID,
		"task_id": taskID,
		"amount":  amount.String(),
	})
}

// LockV2 reserves budget for any creator type. Agent creators lock against
// their wallet balance instead of a user account.
func (c *Client) LockV2(ctx context.Context, creatorType types.CreatorType, creatorID, taskID string, amount decimal.Decimal) (*Result, error) {
	return c.post(ctx, "/escrow/v2/lock", map[string]string{
		"creator_type": string(creatorType),
		"creator_id":   creatorID,
		"task_id":      taskID,
		"amount":       amount.String(),
	})
}

// ReleasePartial releases one participant's reward out of a multi-completion
// budget, leaving the rest locked
func (c *Client) ReleasePartial(ctx context.Context, creatorType types.CreatorType, creatorID, recipientID, taskID string, amount decimal.Decimal) (*Result, error) {
	return c.post(ctx, "/escrow/v2/release", map[string]string{
		"creator_type": string(creatorType),
		"creator_id":   creatorID,
		"recipient_id": recipientID,
		"task_id":      taskID,
		"amount":       amount.String(),
	})
}

// RefundV2 returns unreleased budget to any creator type
func (c *Client) RefundV2(ctx context.Context, creatorType types.CreatorType, creatorID, taskID string, amount decimal.Decimal) (*Result, error) {
	return c.post(ctx, "/escrow/v2/refund", map[string]string{
		"creator_type": string(creatorType),
		"creator_id":   creatorID,
		"task_id":      taskID,
		"amount":       amount.String(),
	})
}

// MarkAccepted records work-started progression on the escrow side
func (c *Client) MarkAccepted(ctx context.Context, taskID, participantID string) (*Result, error) {
	return c.post(ctx, "/escrow/v2/accept", map[string]string{
		"task_id":        taskID,
		"participant_id": participantID,
	})
}

// MarkSubmitted records work-submitted progression on the escrow side
func (c *Client) MarkSubmitted(ctx context.Context, taskID, participantID string) (*Result, error) {
	return c.post(ctx, "/escrow/v2/submit", map[string]string{
		"task_id":        taskID,
		"participant_id": participantID,
	})
}

func (c *Client) post(ctx context.Context, path string, payload map[string]string) (*Result, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "failed to encode escrow request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "failed to build escrow request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errs.Wrap(errs.Timeout, err, "escrow call %s timed out", path)
		}
		return nil, errs.Wrap(errs.ExternalUnavailable, err, "escrow unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, err, "failed to read escrow response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.E(errs.ExternalUnavailable, "escrow returned %d on %s: %s", resp.StatusCode, path, snippet(raw))
	}

	var out Result
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, err, "malformed escrow response")
	}
	return &out, nil
}

func snippet(raw []byte) string {
	const max = 200
	if len(raw) <= max {
		return string(raw)
	}
	return fmt.Sprintf("%s...", raw[:max])
}
