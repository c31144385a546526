package registry

import (
	"encoding/json"
	"fmt"

	"github.com/acnlabs/acn/pkg/a2a"
	"github.com/acnlabs/acn/pkg/types"
)

// Card returns the agent's A2A card, synthesizing one from the registered
// name, endpoint and skills when the registrant supplied none.
func (s *Service) Card(agentID string) (*a2a.AgentCard, error) {
	agent, err := s.store.GetAgent(agentID)
	if err != nil {
		return nil, err
	}

	if len(agent.Card) > 0 {
		var card a2a.AgentCard
		if err := json.Unmarshal(agent.Card, &card); err == nil {
			return &card, nil
		}
		// A malformed stored card falls through to synthesis rather than
		// failing discovery.
		s.logger.Warn().Str("agent_id", agentID).Msg("Stored agent card is malformed, synthesizing")
	}

	return SynthesizeCard(agent), nil
}

// SynthesizeCard builds an A2A agent card from registry fields.
func SynthesizeCard(agent *types.Agent) *a2a.AgentCard {
	card := &a2a.AgentCard{
		ProtocolVersion: a2a.ProtocolVersion,
		Name:            agent.Name,
		Description:     agent.Description,
		URL:             agent.Endpoint,
		Version:         "1.0.0",
		Capabilities: a2a.Capabilities{
			PushNotifications: agent.Endpoint != "",
		},
		DefaultInputModes:  []string{"text/plain", "application/json"},
		DefaultOutputModes: []string{"text/plain", "application/json"},
	}
	for i, skill := range agent.Skills {
		card.Skills = append(card.Skills, a2a.CardSkill{
			ID:   fmt.Sprintf("skill-%d", i+1),
			Name: skill,
			Tags: []string{skill},
		})
	}
	return card
}
