package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acnlabs/acn/pkg/audit"
	"github.com/acnlabs/acn/pkg/errs"
	"github.com/acnlabs/acn/pkg/types"
)

// TunnelRegistration carries the metadata an agent presents in its tunnel
// register frame. The gateway supplies the agent and subnet ids from the
// connection path and the routable endpoint it will serve.
type TunnelRegistration struct {
	AgentID     string
	SubnetID    string
	Endpoint    string
	Name        string
	Description string
	Skills      []string
	Card        json.RawMessage
}

// RegisterTunnel registers a gateway-hosted agent, or refreshes it when the
// id already exists (reconnects keep their identity). The stored endpoint is
// the gateway ingress URL so all routing to this agent flows through the
// tunnel.
func (s *Service) RegisterTunnel(ctx context.Context, in *TunnelRegistration) (*types.Agent, error) {
	if in.AgentID == "" {
		in.AgentID = uuid.NewString()
	}
	if in.Name == "" {
		return nil, errs.E(errs.Validation, "agent name is required")
	}

	now := time.Now().UTC()

	agent, err := s.store.GetAgent(in.AgentID)
	switch {
	case err == nil:
		agent.Name = in.Name
		agent.Description = in.Description
		agent.Endpoint = in.Endpoint
		agent.Skills = normalizeSkills(in.Skills)
		if !agent.InSubnet(in.SubnetID) {
			agent.SubnetIDs = append(agent.SubnetIDs, in.SubnetID)
		}
		if len(in.Card) > 0 {
			agent.Card = in.Card
		}
	case errs.IsKind(err, errs.NotFound):
		agent = &types.Agent{
			ID:           in.AgentID,
			Name:         in.Name,
			Description:  in.Description,
			Endpoint:     in.Endpoint,
			Skills:       normalizeSkills(in.Skills),
			SubnetIDs:    normalizeSubnets([]string{in.SubnetID}),
			ClaimStatus:  types.ClaimStatusUnclaimed,
			RegisteredAt: now,
			Card:         in.Card,
		}
	default:
		return nil, fmt.Errorf("failed to look up tunnel agent: %w", err)
	}

	agent.Status = types.AgentStatusOnline
	agent.LastHeartbeat = now
	if err := agent.Validate(); err != nil {
		return nil, errs.Wrap(errs.Validation, err, "invalid agent")
	}

	if err := s.store.UpdateAgent(agent); err != nil {
		return nil, fmt.Errorf("failed to persist tunnel agent: %w", err)
	}
	s.eph.SetLiveness(agent.ID, s.renewTTL)

	s.recorder.Audit(&types.AuditEvent{
		Type:        types.AuditAgentRegistered,
		ActorType:   "agent",
		ActorID:     agent.ID,
		TargetType:  "agent",
		TargetID:    agent.ID,
		SubnetID:    in.SubnetID,
		Description: fmt.Sprintf("agent %q registered through gateway tunnel", agent.Name),
	})
	s.recorder.Emit(audit.EventAgentRegistered, map[string]interface{}{
		"agent_id":  agent.ID,
		"subnet_id": in.SubnetID,
		"tunnel":    true,
	})

	s.logger.Info().
		Str("agent_id", agent.ID).
		Str("subnet_id", in.SubnetID).
		Msg("Tunnel agent registered")
	return agent, nil
}

// RemoveTunnelAgent deletes a gateway-hosted agent without an owner check;
// the gateway calls this when a subnet is force-deleted. Missing agents are
// ignored so the teardown loop never aborts midway.
func (s *Service) RemoveTunnelAgent(ctx context.Context, agentID string) error {
	err := s.store.DeleteAgent(agentID)
	if err != nil && !errs.IsKind(err, errs.NotFound) {
		return fmt.Errorf("failed to delete tunnel agent: %w", err)
	}
	s.eph.ClearLiveness(agentID)

	s.recorder.Emit(audit.EventAgentUnregistered, map[string]interface{}{
		"agent_id": agentID,
		"tunnel":   true,
	})
	return nil
}
