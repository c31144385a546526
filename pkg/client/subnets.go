package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/acnlabs/acn/pkg/types"
)

// CreateSubnetRequest creates a subnet owned by the caller. Private subnets
// come back with their secret token exactly once.
type CreateSubnetRequest struct {
	ID              string                          `json:"subnet_id,omitempty"`
	Name            string                          `json:"name"`
	IsPrivate       bool                            `json:"is_private,omitempty"`
	SecuritySchemes map[string]types.SecurityScheme `json:"security_schemes,omitempty"`
}

// CreateSubnet registers a new subnet. Store the returned SecretToken for
// private subnets; it is never shown again.
func (c *Client) CreateSubnet(ctx context.Context, req *CreateSubnetRequest) (*types.Subnet, error) {
	var out types.Subnet
	if err := c.do(ctx, http.MethodPost, "/api/v1/subnets", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubnetView is a subnet listing row, annotated with its live tunnel count.
type SubnetView struct {
	types.Subnet
	Connections int `json:"connections"`
}

// ListSubnets returns all subnets, secrets redacted.
func (c *Client) ListSubnets(ctx context.Context) ([]*SubnetView, error) {
	var out struct {
		Subnets []*SubnetView `json:"subnets"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/subnets", nil, &out); err != nil {
		return nil, err
	}
	return out.Subnets, nil
}

// GetSubnet fetches one subnet, secret redacted.
func (c *Client) GetSubnet(ctx context.Context, subnetID string) (*types.Subnet, error) {
	var out types.Subnet
	if err := c.do(ctx, http.MethodGet, "/api/v1/subnets/"+url.PathEscape(subnetID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSubnet removes a subnet. With live tunnels the node refuses unless
// force is set, which disconnects every tunnel and unregisters its agent.
func (c *Client) DeleteSubnet(ctx context.Context, subnetID string, force bool) error {
	path := "/api/v1/subnets/" + url.PathEscape(subnetID)
	if force {
		path += "?force=true"
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// JoinSubnet adds an agent to a subnet. Private subnets require the secret
// unless the caller owns the subnet. Agent callers may leave agentID empty
// to join themselves.
func (c *Client) JoinSubnet(ctx context.Context, subnetID, agentID, secret string) (*types.Subnet, error) {
	payload := map[string]string{}
	if agentID != "" {
		payload["agent_id"] = agentID
	}
	if secret != "" {
		payload["secret"] = secret
	}
	var out types.Subnet
	if err := c.do(ctx, http.MethodPost, "/api/v1/subnets/"+url.PathEscape(subnetID)+"/join", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LeaveSubnet removes an agent from a subnet. The public subnet cannot be
// left.
func (c *Client) LeaveSubnet(ctx context.Context, subnetID, agentID string) (*types.Subnet, error) {
	payload := map[string]string{}
	if agentID != "" {
		payload["agent_id"] = agentID
	}
	var out types.Subnet
	if err := c.do(ctx, http.MethodPost, "/api/v1/subnets/"+url.PathEscape(subnetID)+"/leave", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
