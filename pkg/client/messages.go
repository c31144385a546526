package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/acnlabs/acn/pkg/a2a"
	"github.com/acnlabs/acn/pkg/types"
)

// SendRequest routes one message point to point. Exactly one of ToAgent or
// Skills must be set; exactly one of Message or Text.
type SendRequest struct {
	FromAgent string       `json:"from_agent,omitempty"`
	ToAgent   string       `json:"to_agent,omitempty"`
	Skills    []string     `json:"skills,omitempty"`
	Message   *a2a.Message `json:"message,omitempty"`
	Text      string       `json:"text,omitempty"`
}

// SendResult carries the recipient's reply and, for skill routing, which
// agent the router chose.
type SendResult struct {
	Message *a2a.Message `json:"message"`
	AgentID string       `json:"agent_id,omitempty"`
}

// Send routes one message and returns the reply, if any.
func (c *Client) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	var out SendResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/messages/send", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendText is the shorthand for a single-text-part point-to-point send.
func (c *Client) SendText(ctx context.Context, fromAgent, toAgent, text string) (*SendResult, error) {
	return c.Send(ctx, &SendRequest{FromAgent: fromAgent, ToAgent: toAgent, Text: text})
}

// BroadcastRequest fans one message out to many recipients. Recipients come
// from ToAgents or are resolved by Skills on the skill variant.
type BroadcastRequest struct {
	FromAgent string                  `json:"from_agent,omitempty"`
	ToAgents  []string                `json:"to_agents,omitempty"`
	Skills    []string                `json:"skills,omitempty"`
	Message   *a2a.Message            `json:"message,omitempty"`
	Text      string                  `json:"text,omitempty"`
	Strategy  types.BroadcastStrategy `json:"strategy,omitempty"`
}

// Broadcast fans a message out under the chosen strategy. Parallel and
// sequential answer an error status when any delivery failed; the partial
// result still comes back alongside the error so callers can inspect
// per-recipient outcomes.
func (c *Client) Broadcast(ctx context.Context, req *BroadcastRequest) (*types.BroadcastResult, error) {
	return c.doBroadcast(ctx, "/api/v1/messages/broadcast", req)
}

// BroadcastBySkill resolves recipients by required skills and fans out.
func (c *Client) BroadcastBySkill(ctx context.Context, req *BroadcastRequest) (*types.BroadcastResult, error) {
	return c.doBroadcast(ctx, "/api/v1/messages/broadcast/skill", req)
}

// doBroadcast handles the fan-out endpoints' dual-shape answer: a bare
// result on success, {detail, result} with an error status on partial
// failure. Both the partial result and the error come back in the latter
// case so callers can inspect per-recipient outcomes.
func (c *Client) doBroadcast(ctx context.Context, path string, req *BroadcastRequest) (*types.BroadcastResult, error) {
	var result types.BroadcastResult
	err := c.do(ctx, http.MethodPost, path, req, &result)
	if err == nil {
		return &result, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && len(apiErr.Body) > 0 {
		var envelope struct {
			Result *types.BroadcastResult `json:"result"`
		}
		if json.Unmarshal(apiErr.Body, &envelope) == nil && envelope.Result != nil {
			return envelope.Result, err
		}
	}
	return nil, err
}

// GetBroadcast fetches a persisted fan-out record; results expire after 24h.
func (c *Client) GetBroadcast(ctx context.Context, broadcastID string) (*types.BroadcastResult, error) {
	var out types.BroadcastResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/messages/broadcast/"+url.PathEscape(broadcastID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns an agent's recent messages, oldest first. Agents read
// their own history; humans and operators may read any agent's, or the
// network feed id "_all".
func (c *Client) History(ctx context.Context, agentID string, limit int) ([]*types.MessageLogEntry, error) {
	path := "/api/v1/messages/history/" + url.PathEscape(agentID)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Messages []*types.MessageLogEntry `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}
