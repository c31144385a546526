package e2e

import (
	"context"
	"testing"

	"github.com/acnlabs/acn/pkg/client"
	"github.com/acnlabs/acn/pkg/types"
	"github.com/acnlabs/acn/test/framework"
)

// TestAgentRegistration covers the two registration paths: operator upserts
// keyed by (owner, endpoint) and autonomous self-joins that mint credentials.
func TestAgentRegistration(t *testing.T) {
	node := framework.StartNode(t)
	assert := framework.NewAssertions(t)
	ctx := context.Background()

	t.Run("UpsertKeyedByOwnerAndEndpoint", func(t *testing.T) {
		first := node.RegisterAgent(t, "acme", "translator", "http://agents.acme.test/translator", "translate")
		again := node.RegisterAgent(t, "acme", "translator-v2", "http://agents.acme.test/translator", "translate", "summarize")

		if again.ID != first.ID {
			t.Fatalf("Re-registering the same owner and endpoint minted a new agent: %s vs %s", again.ID, first.ID)
		}
		assert.Equal("translator-v2", again.Name, "upsert should refresh the name")
		if len(again.Skills) != 2 {
			t.Fatalf("Expected refreshed skills, got %v", again.Skills)
		}

		elsewhere := node.RegisterAgent(t, "acme", "translator", "http://agents.acme.test/translator-eu")
		if elsewhere.ID == first.ID {
			t.Fatalf("A different endpoint must create a distinct agent")
		}
	})

	t.Run("JoinMintsCredentialsOnce", func(t *testing.T) {
		joined := node.JoinAgent(t, "self-starter", "research")
		if joined.APIKey == "" {
			t.Fatalf("Join response is the one read that carries the API key")
		}
		if joined.VerificationCode == "" {
			t.Fatalf("Join response must carry the verification code for the claim flow")
		}
		assert.AgentOnline(joined.ID, node.OperatorClient())

		// Every later read redacts credentials.
		fetched, err := node.OperatorClient().GetAgent(ctx, joined.ID)
		if err != nil {
			t.Fatalf("Failed to fetch joined agent: %v", err)
		}
		if fetched.APIKey != "" || fetched.VerificationCode != "" {
			t.Fatalf("Agent reads must redact credentials")
		}
	})

	t.Run("AgentsActOnThemselvesOnly", func(t *testing.T) {
		a := node.JoinAgent(t, "worker-a")
		b := node.JoinAgent(t, "worker-b")

		ac := node.AgentClient(a.APIKey)
		if err := ac.Heartbeat(ctx, a.ID); err != nil {
			t.Fatalf("Agent could not heartbeat itself: %v", err)
		}
		if err := ac.Heartbeat(ctx, b.ID); err == nil {
			t.Fatalf("Agent heartbeated a different agent; expected a permission error")
		}
	})
}

// TestSkillDiscovery exercises search filters and the liveness watchdog:
// expired agents drop out of online-only discovery but stay registered.
func TestSkillDiscovery(t *testing.T) {
	node := framework.StartNode(t)
	assert := framework.NewAssertions(t)
	ctx := context.Background()

	translator := node.JoinAgent(t, "translator", "translate")
	summarizer := node.JoinAgent(t, "summarizer", "summarize")
	polyglot := node.JoinAgent(t, "polyglot", "translate", "summarize")
	operator := node.OperatorClient()

	online := func(skills ...string) []*types.Agent {
		t.Helper()
		found, err := operator.SearchAgents(ctx, &client.AgentFilter{
			Skills: skills,
			Status: string(types.AgentStatusOnline),
		})
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		return found
	}

	t.Run("SkillFilterRequiresEverySkill", func(t *testing.T) {
		found := online("translate")
		if len(found) != 2 {
			t.Fatalf("Expected translator and polyglot, got %d agents", len(found))
		}

		found = online("translate", "summarize")
		if len(found) != 1 || found[0].ID != polyglot.ID {
			t.Fatalf("Expected only polyglot to hold both skills, got %v", found)
		}
	})

	t.Run("ExpiredAgentsLeaveOnlineDiscovery", func(t *testing.T) {
		node.ExpireAgent(t, translator.ID)
		assert.AgentOffline(translator.ID, operator)
		assert.AgentOnline(summarizer.ID, operator)

		found := online("translate")
		if len(found) != 1 || found[0].ID != polyglot.ID {
			t.Fatalf("Expired translator should be gone from online discovery, got %v", found)
		}

		// Still registered: an unfiltered search finds it.
		all, err := operator.SearchAgents(ctx, &client.AgentFilter{Skills: []string{"translate"}})
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("Offline agents must stay registered, got %d agents", len(all))
		}
	})

	t.Run("HeartbeatRevivesAgent", func(t *testing.T) {
		if err := node.AgentClient(translator.APIKey).Heartbeat(ctx, translator.ID); err != nil {
			t.Fatalf("Heartbeat failed: %v", err)
		}
		assert.AgentOnline(translator.ID, operator)

		found := online("translate")
		if len(found) != 2 {
			t.Fatalf("Heartbeat should restore online discovery, got %d agents", len(found))
		}
	})
}
