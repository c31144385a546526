package api

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acnlabs/acn/pkg/types"
)

func TestPrivateSubnetSecretShownOnce(t *testing.T) {
	h := newHarness(t)

	var created types.Subnet
	status := h.request(http.MethodPost, "/api/v1/subnets", asOperator(), map[string]interface{}{
		"subnet_id":  "research",
		"name":       "Research",
		"is_private": true,
	}, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, strings.HasPrefix(created.SecretToken, "sst_"))
	assert.Equal(t, types.OwnerSystem, created.Owner)

	// Reads never surface the secret again.
	var fetched types.Subnet
	status = h.request(http.MethodGet, "/api/v1/subnets/research", asOperator(), nil, &fetched)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, fetched.SecretToken)
	assert.True(t, fetched.IsPrivate)
}

func TestPrivateSubnetJoinRequiresSecret(t *testing.T) {
	h := newHarness(t)
	agent := h.joinAgent("joiner", nil)

	var created types.Subnet
	status := h.request(http.MethodPost, "/api/v1/subnets", asOperator(), map[string]interface{}{
		"subnet_id":  "vault",
		"name":       "Vault",
		"is_private": true,
	}, &created)
	require.Equal(t, http.StatusCreated, status)

	var out errorBody
	status = h.request(http.MethodPost, "/api/v1/subnets/vault/join", asAgent(agent.APIKey), map[string]interface{}{
		"secret": "sst_wrong",
	}, &out)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, out.Detail, "requires a valid secret")

	var joined types.Subnet
	status = h.request(http.MethodPost, "/api/v1/subnets/vault/join", asAgent(agent.APIKey), map[string]interface{}{
		"secret": created.SecretToken,
	}, &joined)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, joined.MemberAgentIDs, agent.ID)
	assert.Empty(t, joined.SecretToken)

	// Membership is reflected on the agent record.
	var fetched types.Agent
	status = h.request(http.MethodGet, "/api/v1/agents/"+agent.ID, asOperator(), nil, &fetched)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, fetched.SubnetIDs, "vault")
}

func TestPublicSubnetOpenToAll(t *testing.T) {
	h := newHarness(t)
	agent := h.joinAgent("wanderer", nil)

	var joined types.Subnet
	status := h.request(http.MethodPost, "/api/v1/subnets/public/join", asAgent(agent.APIKey), map[string]interface{}{}, &joined)
	require.Equal(t, http.StatusOK, status)

	var out errorBody
	status = h.request(http.MethodPost, "/api/v1/subnets/public/leave", asAgent(agent.APIKey), map[string]interface{}{}, &out)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, out.Detail, "cannot be left")
}

func TestSubnetLeave(t *testing.T) {
	h := newHarness(t)
	agent := h.joinAgent("visitor", nil)

	status := h.request(http.MethodPost, "/api/v1/subnets", asOperator(), map[string]interface{}{
		"subnet_id": "lounge",
		"name":      "Lounge",
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	status = h.request(http.MethodPost, "/api/v1/subnets/lounge/join", asAgent(agent.APIKey), map[string]interface{}{}, nil)
	require.Equal(t, http.StatusOK, status)

	var left types.Subnet
	status = h.request(http.MethodPost, "/api/v1/subnets/lounge/leave", asAgent(agent.APIKey), map[string]interface{}{}, &left)
	require.Equal(t, http.StatusOK, status)
	assert.NotContains(t, left.MemberAgentIDs, agent.ID)
}

func TestSubnetJoinForOtherAgentDenied(t *testing.T) {
	h := newHarness(t)
	a := h.joinAgent("mover", nil)
	b := h.joinAgent("pawn", nil)

	status := h.request(http.MethodPost, "/api/v1/subnets", asOperator(), map[string]interface{}{
		"subnet_id": "club",
		"name":      "Club",
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	var out errorBody
	status = h.request(http.MethodPost, "/api/v1/subnets/club/join", asAgent(a.APIKey), map[string]interface{}{
		"agent_id": b.ID,
	}, &out)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestReservedSubnetsCannotBeDeleted(t *testing.T) {
	h := newHarness(t)

	for _, id := range []string{types.SubnetPublic, types.SubnetSystem} {
		var out errorBody
		status := h.request(http.MethodDelete, "/api/v1/subnets/"+id, asOperator(), nil, &out)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Contains(t, out.Detail, "reserved")
	}
}

func TestSubnetDeleteOwnership(t *testing.T) {
	h := newHarness(t)
	agent := h.joinAgent("interloper", nil)

	status := h.request(http.MethodPost, "/api/v1/subnets", asOperator(), map[string]interface{}{
		"subnet_id": "doomed",
		"name":      "Doomed",
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	// The subnet belongs to the system owner, not to the agent.
	var out errorBody
	status = h.request(http.MethodDelete, "/api/v1/subnets/doomed", asAgent(agent.APIKey), nil, &out)
	assert.Equal(t, http.StatusForbidden, status)

	status = h.request(http.MethodDelete, "/api/v1/subnets/doomed", asOperator(), nil, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status = h.request(http.MethodGet, "/api/v1/subnets/doomed", asOperator(), nil, &out)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSubnetListIncludesConnections(t *testing.T) {
	h := newHarness(t)

	var list struct {
		Subnets []struct {
			ID          string `json:"subnet_id"`
			Connections int    `json:"connections"`
		} `json:"subnets"`
		Count int `json:"count"`
	}
	status := h.request(http.MethodGet, "/api/v1/subnets", asOperator(), nil, &list)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 2, list.Count)

	ids := make([]string, 0, len(list.Subnets))
	for _, sn := range list.Subnets {
		ids = append(ids, sn.ID)
		assert.Equal(t, 0, sn.Connections)
	}
	assert.ElementsMatch(t, []string{types.SubnetPublic, types.SubnetSystem}, ids)
}

func TestDuplicateSubnetConflicts(t *testing.T) {
	h := newHarness(t)

	status := h.request(http.MethodPost, "/api/v1/subnets", asOperator(), map[string]interface{}{
		"subnet_id": "twice",
		"name":      "Twice",
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	var out errorBody
	status = h.request(http.MethodPost, "/api/v1/subnets", asOperator(), map[string]interface{}{
		"subnet_id": "twice",
		"name":      "Twice Again",
	}, &out)
	assert.Equal(t, http.StatusConflict, status)
}
