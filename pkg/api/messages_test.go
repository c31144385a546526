package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acnlabs/acn/pkg/a2a"
	"github.com/acnlabs/acn/pkg/config"
	"github.com/acnlabs/acn/pkg/router"
	"github.com/acnlabs/acn/pkg/types"
)

// a2aPeer runs an A2A message/send endpoint backed by handle.
func a2aPeer(t *testing.T, handle func(msg *a2a.Message) (*a2a.Message, error)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req a2a.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		msg, err := a2a.ParseSendParams(&req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var resp *a2a.Response
		reply, herr := handle(msg)
		if herr != nil {
			resp = a2a.NewErrorResponse(req.ID, a2a.CodeInternalError, herr.Error())
		} else if resp, err = a2a.NewResponse(req.ID, reply); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func echoPeer(t *testing.T) *httptest.Server {
	t.Helper()
	return a2aPeer(t, func(msg *a2a.Message) (*a2a.Message, error) {
		return a2a.NewTextMessage(a2a.RoleAgent, "pong:"+msg.Texts()[0]), nil
	})
}

// deadEndpoint returns a URL that refuses connections.
func deadEndpoint(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func TestSendPointToPoint(t *testing.T) {
	h := newHarness(t)
	peer := echoPeer(t)
	agent := h.registerAgent("u1", "echo", peer.URL, []string{"echo"})

	var out struct {
		Message *a2a.Message `json:"message"`
	}
	status := h.request(http.MethodPost, "/api/v1/messages/send", asOperator(), map[string]interface{}{
		"to_agent": agent.ID,
		"text":     "hi",
	}, &out)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, out.Message)
	require.NotEmpty(t, out.Message.Texts())
	assert.Equal(t, "pong:hi", out.Message.Texts()[0])
}

func TestSendBySkillPicksOnlineMatch(t *testing.T) {
	h := newHarness(t)
	coder := h.registerAgent("u1", "coder", echoPeer(t).URL, []string{"code"})
	h.registerAgent("u1", "translator", echoPeer(t).URL, []string{"translate"})

	var out struct {
		Message *a2a.Message `json:"message"`
		AgentID string       `json:"agent_id"`
	}
	status := h.request(http.MethodPost, "/api/v1/messages/send", asOperator(), map[string]interface{}{
		"skills": []string{"code"},
		"text":   "review this",
	}, &out)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, coder.ID, out.AgentID)
	assert.Equal(t, "pong:review this", out.Message.Texts()[0])
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t)

	var out errorBody
	status := h.request(http.MethodPost, "/api/v1/messages/send", asOperator(), map[string]interface{}{
		"text": "unrouted",
	}, &out)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, out.Detail, "either to_agent or skills is required")

	status = h.request(http.MethodPost, "/api/v1/messages/send", asOperator(), map[string]interface{}{
		"to_agent": "someone",
	}, &out)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, out.Detail, "either message or text is required")
}

func TestAgentsSendOnlyAsThemselves(t *testing.T) {
	h := newHarness(t)
	a := h.joinAgent("honest", nil)
	b := h.joinAgent("victim", nil)

	var out errorBody
	status := h.request(http.MethodPost, "/api/v1/messages/send", asAgent(a.APIKey), map[string]interface{}{
		"from_agent": b.ID,
		"to_agent":   b.ID,
		"text":       "spoofed",
	}, &out)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, out.Detail, "themselves")
}

func TestBroadcastBestEffort(t *testing.T) {
	h := newHarness(t)
	alive := h.registerAgent("u1", "alive", echoPeer(t).URL, nil)
	dead := h.registerAgent("u1", "dead", deadEndpoint(t), nil)

	var result types.BroadcastResult
	status := h.request(http.MethodPost, "/api/v1/messages/broadcast", asOperator(), map[string]interface{}{
		"to_agents": []string{alive.ID, dead.ID},
		"text":      "fan out",
		"strategy":  types.BroadcastBestEffort,
	}, &result)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.Success)
	assert.Equal(t, 1, result.Failed)
	require.NotEmpty(t, result.ID)

	// The record stays retrievable by id.
	var fetched types.BroadcastResult
	status = h.request(http.MethodGet, "/api/v1/messages/broadcast/"+result.ID, asOperator(), nil, &fetched)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, result.ID, fetched.ID)
}

func TestBroadcastParallelReportsPartialFailure(t *testing.T) {
	h := newHarness(t)
	alive := h.registerAgent("u1", "alive", echoPeer(t).URL, nil)
	dead := h.registerAgent("u1", "dead", deadEndpoint(t), nil)

	var out struct {
		Detail string                 `json:"detail"`
		Result *types.BroadcastResult `json:"result"`
	}
	status := h.request(http.MethodPost, "/api/v1/messages/broadcast", asOperator(), map[string]interface{}{
		"to_agents": []string{alive.ID, dead.ID},
		"text":      "fan out",
		"strategy":  types.BroadcastParallel,
	}, &out)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, out.Detail, "deliveries failed")
	require.NotNil(t, out.Result)
	assert.Equal(t, 1, out.Result.Failed)
}

func TestBroadcastBySkill(t *testing.T) {
	h := newHarness(t)
	h.registerAgent("u1", "coder-a", echoPeer(t).URL, []string{"code"})
	h.registerAgent("u1", "coder-b", echoPeer(t).URL, []string{"code"})
	h.registerAgent("u1", "other", echoPeer(t).URL, []string{"translate"})

	var result types.BroadcastResult
	status := h.request(http.MethodPost, "/api/v1/messages/broadcast/skill", asOperator(), map[string]interface{}{
		"skills":   []string{"code"},
		"text":     "build",
		"strategy": types.BroadcastBestEffort,
	}, &result)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Success)
}

func TestHistoryVisibility(t *testing.T) {
	h := newHarness(t)
	peer := echoPeer(t)
	target := h.registerAgent("u1", "receiver", peer.URL, nil)
	sender := h.joinAgent("sender", nil)

	status := h.request(http.MethodPost, "/api/v1/messages/send", asAgent(sender.APIKey), map[string]interface{}{
		"to_agent": target.ID,
		"text":     "hello",
	}, nil)
	require.Equal(t, http.StatusOK, status)

	type historyResponse struct {
		AgentID  string                    `json:"agent_id"`
		Messages []*types.MessageLogEntry  `json:"messages"`
		Count    int                       `json:"count"`
	}

	var own historyResponse
	status = h.request(http.MethodGet, "/api/v1/messages/history/"+sender.ID, asAgent(sender.APIKey), nil, &own)
	require.Equal(t, http.StatusOK, status)
	require.NotZero(t, own.Count)
	assert.Equal(t, sender.ID, own.Messages[0].FromAgent)

	var out errorBody
	status = h.request(http.MethodGet, "/api/v1/messages/history/"+target.ID, asAgent(sender.APIKey), nil, &out)
	assert.Equal(t, http.StatusForbidden, status)

	var feed historyResponse
	status = h.request(http.MethodGet, "/api/v1/messages/history/"+router.GlobalHistory, asOperator(), nil, &feed)
	require.Equal(t, http.StatusOK, status)
	assert.NotZero(t, feed.Count)
}

func TestSendRateLimited(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.SendRateLimit = 2
	})

	for i := 0; i < 2; i++ {
		status := h.request(http.MethodPost, "/api/v1/messages/send", asOperator(), map[string]interface{}{}, nil)
		assert.Equal(t, http.StatusBadRequest, status)
	}

	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/api/v1/messages/send", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerInternalToken, testOperatorToken)
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
}

func TestInboundDisabledByDefault(t *testing.T) {
	h := newHarness(t)

	envelope, err := a2a.NewRequest("req-1", a2a.NewTextMessage(a2a.RoleUser, "ping"))
	require.NoError(t, err)
	status := h.request(http.MethodPost, "/api/v1/messages/inbound", asOperator(), envelope, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestInboundDispatchesToHandlers(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.ExperimentalInbound = true
	})

	var handled atomic.Int32
	h.router.RegisterHandler(router.Wildcard, func(ctx context.Context, from string, msg *a2a.Message) error {
		handled.Add(1)
		return nil
	})

	envelope, err := a2a.NewRequest("req-1", a2a.NewTextMessage(a2a.RoleUser, "ping"))
	require.NoError(t, err)

	var resp a2a.Response
	status := h.request(http.MethodPost, "/api/v1/messages/inbound", asOperator(), envelope, &resp)
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)

	var result map[string]int
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, 1, result["handled"])
	assert.Equal(t, int32(1), handled.Load())
}
