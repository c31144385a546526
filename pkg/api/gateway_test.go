package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acnlabs/acn/pkg/a2a"
	"github.com/acnlabs/acn/pkg/gateway"
	"github.com/acnlabs/acn/pkg/types"
)

func dialTunnel(t *testing.T, h *harness, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) gateway.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f gateway.Frame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func TestTunnelRegisterAndForward(t *testing.T) {
	h := newHarness(t)
	ws := dialTunnel(t, h, "/gateway/ws/public/courier-1")

	require.NoError(t, ws.WriteJSON(&gateway.Frame{
		Type:   gateway.FrameRegister,
		Name:   "courier",
		Skills: []string{"deliver"},
	}))
	ack := readFrame(t, ws)
	require.Equal(t, gateway.FrameRegisterAck, ack.Type)
	assert.Equal(t, "courier-1", ack.AgentID)
	assert.Equal(t, h.srv.URL+"/gateway/a2a/public/courier-1", ack.Endpoint)

	// Heartbeats are acked and renew registry liveness.
	require.NoError(t, ws.WriteJSON(&gateway.Frame{Type: gateway.FrameHeartbeat}))
	hb := readFrame(t, ws)
	assert.Equal(t, gateway.FrameHeartbeatAck, hb.Type)

	// The tunnel registration is visible through the registry.
	var agent types.Agent
	status := h.request(http.MethodGet, "/api/v1/agents/courier-1", asOperator(), nil, &agent)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "courier", agent.Name)
	assert.Equal(t, types.AgentStatusOnline, agent.Status)

	// Answer the forwarded request from the agent side.
	done := make(chan error, 1)
	go func() {
		_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		var f gateway.Frame
		if err := ws.ReadJSON(&f); err != nil {
			done <- err
			return
		}
		done <- ws.WriteJSON(&gateway.Frame{
			Type:      gateway.FrameA2AResponse,
			RequestID: f.RequestID,
			Message:   a2a.NewTextMessage(a2a.RoleAgent, "pong:"+f.Message.Texts()[0]),
		})
	}()

	envelope, err := a2a.NewRequest("req-42", a2a.NewTextMessage(a2a.RoleUser, "ping"))
	require.NoError(t, err)

	var resp a2a.Response
	status = h.request(http.MethodPost, "/gateway/a2a/public/courier-1", nil, envelope, &resp)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, <-done)
	require.Nil(t, resp.Error)

	var reply a2a.Message
	require.NoError(t, json.Unmarshal(resp.Result, &reply))
	assert.Equal(t, "pong:ping", reply.Texts()[0])
}

func TestTunnelCountsAsConnection(t *testing.T) {
	h := newHarness(t)
	ws := dialTunnel(t, h, "/gateway/ws/public/counter-1")

	require.NoError(t, ws.WriteJSON(&gateway.Frame{Type: gateway.FrameRegister, Name: "counter"}))
	ack := readFrame(t, ws)
	require.Equal(t, gateway.FrameRegisterAck, ack.Type)

	var list struct {
		Subnets []struct {
			ID          string `json:"subnet_id"`
			Connections int    `json:"connections"`
		} `json:"subnets"`
	}
	status := h.request(http.MethodGet, "/api/v1/subnets", asOperator(), nil, &list)
	require.Equal(t, http.StatusOK, status)
	for _, sn := range list.Subnets {
		if sn.ID == types.SubnetPublic {
			assert.Equal(t, 1, sn.Connections)
		}
	}
}

func TestTunnelUnknownSubnet(t *testing.T) {
	h := newHarness(t)
	ws := dialTunnel(t, h, "/gateway/ws/nowhere/ghost")

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, gateway.CloseUnknownSubnet), "got %v", err)
}

func TestTunnelPrivateSubnetAuth(t *testing.T) {
	h := newHarness(t)

	var created types.Subnet
	status := h.request(http.MethodPost, "/api/v1/subnets", asOperator(), map[string]interface{}{
		"subnet_id":  "vault",
		"name":       "Vault",
		"is_private": true,
	}, &created)
	require.Equal(t, http.StatusCreated, status)

	// Without the subnet secret the tunnel is closed after the upgrade.
	ws := dialTunnel(t, h, "/gateway/ws/vault/spy")
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, gateway.CloseAuthRequired), "got %v", err)

	// The token query parameter authenticates dialers that cannot set headers.
	authed := dialTunnel(t, h, "/gateway/ws/vault/spy?token="+created.SecretToken)
	require.NoError(t, authed.WriteJSON(&gateway.Frame{Type: gateway.FrameRegister, Name: "spy"}))
	ack := readFrame(t, authed)
	assert.Equal(t, gateway.FrameRegisterAck, ack.Type)
}

func TestTunnelFirstFrameMustRegister(t *testing.T) {
	h := newHarness(t)
	ws := dialTunnel(t, h, "/gateway/ws/public/hasty-1")

	require.NoError(t, ws.WriteJSON(&gateway.Frame{Type: gateway.FrameHeartbeat}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestGatewayRPCWithoutTunnel(t *testing.T) {
	h := newHarness(t)

	envelope, err := a2a.NewRequest("req-1", a2a.NewTextMessage(a2a.RoleUser, "anyone home"))
	require.NoError(t, err)

	var resp a2a.Response
	status := h.request(http.MethodPost, "/gateway/a2a/public/ghost", nil, envelope, &resp)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, a2a.CodeAgentGone, resp.Error.Code)
}

func TestGatewayRPCUnsupportedMethod(t *testing.T) {
	h := newHarness(t)

	var resp a2a.Response
	status := h.request(http.MethodPost, "/gateway/a2a/public/ghost", nil, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      "req-2",
		"method":  "message/stream",
	}, &resp)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, a2a.CodeMethodNotFound, resp.Error.Code)
}
