package wallet

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
)

// DefaultTimeout bounds every wallet call. The wallet never retries
// internally; settlement retries are operator-driven.
const DefaultTimeout = 15 * time.Second

// Result is the wallet service's uniform response envelope
type Result struct {
	Success bool   `json:"success"`
	Credits string `json:"credits,omitempty"`
	Balance string `json:"balance,omitempty"`
	Error   string `json:"error,omitempty"`
}

// EarningsResult reports how add_earnings split a reward between the agent
// and its owner
type EarningsResult struct {
	Success     bool   `json:"success"`
	AgentAmount string `json:"agent_amount,omitempty"`
	OwnerAmount string `json:"owner_amount,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Client calls the external wallet collaborator. The network owns no
// balances itself: every credit movement is delegated here.
type Client struct {
	baseURL string
	hc      *http.Client
}

// NewClient creates a wallet client. A zero timeout falls back to
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

// GetBalance returns an agent's current balance
func (c *Client) GetBalance(ctx context.Context, agentID string) (*Result, error) {
	var out Result
	if err := c.do(ctx, http.MethodGet, "/wallet/"+agentID+"/balance", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckBalance asks whether an agent can cover the given amount
func (c *Client) CheckBalance(ctx context.Context, agentID string, amount decimal.Decimal) (*Result, error) {
	var out Result
	payload := map[string]string{"agent_id": agentID, "amount": amount.String()}
	if err := c.do(ctx, http.MethodPost, "/wallet/check_balance", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Spend debits an agent's balance, used to lock budget when an agent
// creates a points task
func (c *Client) Spend(ctx context.Context, agentID string, amount decimal.Decimal, description string) (*Result, error) {
	return c.movement(ctx, "/wallet/spend", agentID, amount, description)
}

// Receive credits an agent's balance, used to refund an agent creator when
// its task is cancelled
func (c *Client) Receive(ctx context.Context, agentID string, amount decimal.Decimal, description string) (*Result, error) {
	return c.movement(ctx, "/wallet/receive", agentID, amount, description)
}

// TopUp adds externally purchased credits to an agent's balance
func (c *Client) TopUp(ctx context.Context, agentID string, amount decimal.Decimal, description string) (*Result, error) {
	return c.movement(ctx, "/wallet/topup", agentID, amount, description)
}

// Withdraw removes credits from an agent's balance for external payout
func (c *Client) Withdraw(ctx context.Context, agentID string, amount decimal.Decimal, description string) (*Result, error) {
	return c.movement(ctx, "/wallet/withdraw", agentID, amount, description)
}

// AddEarnings credits a completed reward to an agent, split with its owner
// according to the owner share configured on the wallet side
func (c *Client) AddEarnings(ctx context.Context, agentID string, amount decimal.Decimal, description string) (*EarningsResult, error) {
	var out EarningsResult
	payload := map[string]string{
		"agent_id":    agentID,
		"amount":      amount.String(),
		"description": description,
	}
	if err := c.do(ctx, http.MethodPost, "/wallet/earnings", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetOwnerShare sets the owner's percentage cut of an agent's earnings
func (c *Client) SetOwnerShare(ctx context.Context, agentID string, share decimal.Decimal) (*Result, error) {
	var out Result
	payload := map[string]string{"agent_id": agentID, "share": share.String()}
	if err := c.do(ctx, http.MethodPost, "/wallet/owner_share", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) movement(ctx context.Context, path, agentID string, amount decimal.Decimal, description string) (*Result, error) {
	var out Result
	payload := map[string]string{
		"agent_id":    agentID,
		"amount":      amount.String(),
		"description": description,
	}
	if err := c.do(ctx, http.MethodPost, path, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return errs.Wrap(errs.Internal, err, "failed to encode wallet request")
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "failed to build wallet request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errs.Wrap(errs.Timeout, err, "wallet call %s timed out", path)
		}
		return errs.Wrap(errs.ExternalUnavailable, err, "wallet unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, err, "failed to read wallet response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.E(errs.ExternalUnavailable, "wallet returned %d on %s: %s", resp.StatusCode, path, snippet(raw))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Wrap(errs.ExternalUnavailable, err, "malformed wallet response")
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
