package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acnlabs/acn/pkg/types"
)

func TestRegisterDecodesAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/agents/register", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "summarizer", req.Name)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&types.Agent{
			ID:     "summarizer",
			Name:   "summarizer",
			Status: types.AgentStatusOnline,
			Skills: []string{"summarize"},
		})
	}))
	defer srv.Close()

	c := NewClientWithAPIKey(srv.URL, "test-key")
	agent, err := c.Register(context.Background(), &RegisterRequest{
		Name:     "summarizer",
		Endpoint: "https://summarizer.example.com/a2a",
		Skills:   []string{"summarize"},
	})
	require.NoError(t, err)
	assert.Equal(t, "summarizer", agent.ID)
	assert.Equal(t, types.AgentStatusOnline, agent.Status)
}

func TestOperatorTokenHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret-token", r.Header.Get("X-Internal-Token"))
		assert.Empty(t, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"entries": []interface{}{}})
	}))
	defer srv.Close()

	c := NewClientWithOperatorToken(srv.URL, "secret-token")
	entries, err := c.ListDLQ(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAPIErrorCarriesMachineCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"detail": "agent already joined this task", "code": "ALREADY_JOINED"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.AcceptTask(context.Background(), "t1", "a1", "worker")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "ALREADY_JOINED", apiErr.Code)
	assert.Equal(t, "agent already joined this task", apiErr.Detail)
	assert.True(t, IsConflict(err))
	assert.False(t, IsNotFound(err))
}

func TestIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail": "agent not found", "code": "AGENT_NOT_FOUND"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.GetAgent(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestAPIErrorNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.GetAgent(context.Background(), "a1")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "upstream exploded", apiErr.Detail)
	assert.Empty(t, apiErr.Code)
}

func TestBroadcastReturnsPartialResultWithError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/messages/broadcast", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"detail": "broadcast delivered 1/2",
			"result": &types.BroadcastResult{
				ID:      "bc-1",
				Total:   2,
				Success: 1,
				Failed:  1,
				Results: map[string]types.BroadcastOutcome{
					"a1": {OK: true},
					"a2": {OK: false, Error: "dial tcp: connection refused"},
				},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	result, err := c.Broadcast(context.Background(), &BroadcastRequest{
		FromAgent: "a0",
		ToAgents:  []string{"a1", "a2"},
		Text:      "ping",
	})
	require.Error(t, err)
	require.NotNil(t, result, "partial result must survive the error status")
	assert.Equal(t, "bc-1", result.ID)
	assert.Equal(t, 1, result.Success)
	assert.Equal(t, 1, result.Failed)
	assert.False(t, result.Results["a2"].OK)
	assert.Contains(t, result.Results["a2"].Error, "connection refused")
}

func TestBroadcastSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&types.BroadcastResult{ID: "bc-2", Total: 1, Success: 1})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	result, err := c.Broadcast(context.Background(), &BroadcastRequest{ToAgents: []string{"a1"}, Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "bc-2", result.ID)
	assert.Equal(t, 1, result.Success)
}

func TestSearchAgentsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/agents", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "summarize,translate", q.Get("skills"))
		assert.Equal(t, "online", q.Get("status"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"agents": []*types.Agent{{ID: "a1"}},
			"count":  1,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	agents, err := c.SearchAgents(context.Background(), &AgentFilter{
		Skills: []string{"summarize", "translate"},
		Status: "online",
	})
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "a1", agents[0].ID)
}

func TestDeleteSubnetForce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/v1/subnets/sec-ops", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("force"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClientWithOperatorToken(srv.URL, "tok")
	require.NoError(t, c.DeleteSubnet(context.Background(), "sec-ops", true))
}
