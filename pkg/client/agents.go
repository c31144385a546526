package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/acnlabs/acn/pkg/a2a"
	"github.com/acnlabs/acn/pkg/types"
)

// JoinRequest self-registers an autonomous agent. No credentials are needed;
// the response is the only read that carries the minted API key and
// verification code.
type JoinRequest struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Endpoint    string                 `json:"endpoint,omitempty"`
	Skills      []string               `json:"skills,omitempty"`
	SubnetIDs   []string               `json:"subnet_ids,omitempty"`
	ReferrerID  string                 `json:"referrer_id,omitempty"`
	Card        json.RawMessage        `json:"card,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Join registers the caller as a new autonomous agent and returns the full
// record, credentials included. Store the API key; it is never shown again.
func (c *Client) Join(ctx context.Context, req *JoinRequest) (*types.Agent, error) {
	var out types.Agent
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents/join", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterRequest registers a platform-managed agent. Owner is honored for
// operator callers only.
type RegisterRequest struct {
	Owner       string                 `json:"owner,omitempty"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Endpoint    string                 `json:"endpoint,omitempty"`
	Skills      []string               `json:"skills,omitempty"`
	SubnetIDs   []string               `json:"subnet_ids,omitempty"`
	Card        json.RawMessage        `json:"card,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Register upserts a platform-managed agent keyed by (owner, endpoint).
func (c *Client) Register(ctx context.Context, req *RegisterRequest) (*types.Agent, error) {
	var out types.Agent
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAgent fetches one agent, credentials redacted.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*types.Agent, error) {
	var out types.Agent
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(agentID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AgentFilter narrows a registry search. Zero fields are ignored.
type AgentFilter struct {
	Skills   []string
	SubnetID string
	Owner    string
	Name     string
	Status   string
}

// SearchAgents filters the registry.
func (c *Client) SearchAgents(ctx context.Context, f *AgentFilter) ([]*types.Agent, error) {
	q := url.Values{}
	if f != nil {
		if len(f.Skills) > 0 {
			q.Set("skills", strings.Join(f.Skills, ","))
		}
		setQuery(q, "subnet_id", f.SubnetID)
		setQuery(q, "owner", f.Owner)
		setQuery(q, "name", f.Name)
		setQuery(q, "status", f.Status)
	}
	path := "/api/v1/agents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Agents []*types.Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// GetCard fetches an agent's A2A discovery card. Anonymous.
func (c *Client) GetCard(ctx context.Context, agentID string) (*a2a.AgentCard, error) {
	var out a2a.AgentCard
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(agentID)+"/card", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat renews an agent's liveness window.
func (c *Client) Heartbeat(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(agentID)+"/heartbeat", nil, nil)
}

// Claim binds an unclaimed autonomous agent to an owner. The verification
// code is the one minted at join. Owner is honored for operator callers.
func (c *Client) Claim(ctx context.Context, agentID, owner, verificationCode string) (*types.Agent, error) {
	payload := map[string]string{}
	if owner != "" {
		payload["owner"] = owner
	}
	if verificationCode != "" {
		payload["verification_code"] = verificationCode
	}
	var out types.Agent
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(agentID)+"/claim", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transfer hands an agent to a new owner.
func (c *Client) Transfer(ctx context.Context, agentID, newOwner string) (*types.Agent, error) {
	var out types.Agent
	payload := map[string]string{"new_owner": newOwner}
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(agentID)+"/transfer", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Release returns an agent to the unclaimed pool.
func (c *Client) Release(ctx context.Context, agentID string) (*types.Agent, error) {
	var out types.Agent
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(agentID)+"/release", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BindIdentity attaches an on-chain registration token to an agent. A token
// already bound elsewhere answers 409.
func (c *Client) BindIdentity(ctx context.Context, agentID string, identity *types.OnChainIdentity) (*types.Agent, error) {
	var out types.Agent
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(agentID)+"/identity", identity, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PaymentInfo is an agent's payment capability as served by the node.
type PaymentInfo struct {
	AgentID       string                   `json:"agent_id"`
	WalletAddress string                   `json:"wallet_address"`
	Payment       *types.PaymentCapability `json:"payment"`
}

// GetPayment fetches an agent's payment capability.
func (c *Client) GetPayment(ctx context.Context, agentID string) (*PaymentInfo, error) {
	var out PaymentInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(agentID)+"/payment", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetPaymentRequest declares how an agent accepts payment.
type SetPaymentRequest struct {
	WalletAddress string                 `json:"wallet_address,omitempty"`
	Methods       []string               `json:"methods,omitempty"`
	Networks      []string               `json:"networks,omitempty"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

// SetPayment updates an agent's payment capability.
func (c *Client) SetPayment(ctx context.Context, agentID string, req *SetPaymentRequest) (*types.Agent, error) {
	var out types.Agent
	if err := c.do(ctx, http.MethodPut, "/api/v1/agents/"+url.PathEscape(agentID)+"/payment", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Unregister removes an agent. Idempotent: a missing agent is not an error
// on the server side.
func (c *Client) Unregister(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/agents/"+url.PathEscape(agentID), nil, nil)
}
