package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acnlabs/acn/pkg/a2a"
	"github.com/acnlabs/acn/pkg/audit"
	"github.com/acnlabs/acn/pkg/config"
	"github.com/acnlabs/acn/pkg/errs"
	"github.com/acnlabs/acn/pkg/registry"
	"github.com/acnlabs/acn/pkg/storage"
	"github.com/acnlabs/acn/pkg/types"
)

func newTestGateway(t *testing.T) (*Gateway, storage.Store, *httptest.Server) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	eph := storage.NewMemoryEphemeral()
	recorder := audit.NewRecorder(store, nil)

	cfg := config.Load()
	cfg.AuthDomain = ""
	cfg.RequestTimeout = 2 * time.Second
	cfg.RegisterTimeout = 2 * time.Second

	reg := registry.NewService(cfg, store, eph, recorder)
	gw := New(cfg, store, reg, recorder, nil)
	require.NoError(t, gw.EnsureDefaultSubnets(context.Background()))
	t.Cleanup(gw.Stop)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/gateway/ws/"), "/", 2)
		if len(parts) != 2 {
			http.NotFound(w, r)
			return
		}
		gw.HandleTunnel(w, r, parts[0], parts[1])
	}))
	t.Cleanup(srv.Close)

	return gw, store, srv
}

func dialTunnel(t *testing.T, srv *httptest.Server, subnetID, agentID string, hdr http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/gateway/ws/" + subnetID + "/" + agentID
	ws, _, err := websocket.DefaultDialer.Dial(url, hdr)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func registerTunnel(t *testing.T, ws *websocket.Conn, name string) Frame {
	t.Helper()
	require.NoError(t, ws.WriteJSON(&Frame{Type: FrameRegister, Name: name, Skills: []string{"echo"}}))
	var ack Frame
	require.NoError(t, ws.ReadJSON(&ack))
	require.Equal(t, FrameRegisterAck, ack.Type)
	return ack
}

func closeCode(err error) int {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code
	}
	return 0
}

func TestTunnelRegisterAndAck(t *testing.T) {
	gw, store, srv := newTestGateway(t)

	ws := dialTunnel(t, srv, types.SubnetPublic, "agent-1", nil)
	ack := registerTunnel(t, ws, "echo-agent")

	assert.Equal(t, "agent-1", ack.AgentID)
	assert.Contains(t, ack.Endpoint, "/gateway/a2a/public/agent-1")
	assert.Equal(t, 1, gw.ConnectionCount(types.SubnetPublic))

	agent, err := store.GetAgent("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "echo-agent", agent.Name)
	assert.Equal(t, types.AgentStatusOnline, agent.Status)
	assert.Equal(t, ack.Endpoint, agent.Endpoint)
	assert.True(t, agent.InSubnet(types.SubnetPublic))
}

func TestTunnelUnknownSubnetClosedWith4004(t *testing.T) {
	_, _, srv := newTestGateway(t)

	ws := dialTunnel(t, srv, "nope", "agent-1", nil)
	var f Frame
	err := ws.ReadJSON(&f)
	require.Error(t, err)
	assert.Equal(t, CloseUnknownSubnet, closeCode(err))
}

func TestTunnelPrivateSubnetAuth(t *testing.T) {
	gw, _, srv := newTestGateway(t)
	ctx := context.Background()

	created, err := gw.CreateSubnet(ctx, &CreateSubnetInput{
		ID:        "sec-ops",
		Owner:     "u1",
		IsPrivate: true,
		SecuritySchemes: map[string]types.SecurityScheme{
			"bearer": {Type: types.SecuritySchemeBearer},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.SecretToken)

	// No credential: closed with 4001.
	ws := dialTunnel(t, srv, "sec-ops", "agent-1", nil)
	var f Frame
	err = ws.ReadJSON(&f)
	require.Error(t, err)
	assert.Equal(t, CloseAuthRequired, closeCode(err))

	// Correct bearer token: register proceeds.
	hdr := http.Header{"Authorization": []string{"Bearer " + created.SecretToken}}
	ws2 := dialTunnel(t, srv, "sec-ops", "agent-1", hdr)
	ack := registerTunnel(t, ws2, "secure-agent")
	assert.Equal(t, "agent-1", ack.AgentID)
}

func TestForwardRoundtrip(t *testing.T) {
	gw, _, srv := newTestGateway(t)

	ws := dialTunnel(t, srv, types.SubnetPublic, "agent-1", nil)
	registerTunnel(t, ws, "echo-agent")

	// Echo the request body back on the same request id.
	go func() {
		var req Frame
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		reply := a2a.NewTextMessage(a2a.RoleAgent, "pong:"+req.Message.Texts()[0])
		_ = ws.WriteJSON(&Frame{Type: FrameA2AResponse, RequestID: req.RequestID, Message: reply})
	}()

	msg := a2a.NewTextMessage(a2a.RoleUser, "ping")
	reply, err := gw.Forward(context.Background(), types.SubnetPublic, "agent-1", msg)
	require.NoError(t, err)
	assert.Equal(t, []string{"pong:ping"}, reply.Texts())
}

func TestForwardNoTunnel(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	_, err := gw.Forward(context.Background(), types.SubnetPublic, "ghost", a2a.NewTextMessage(a2a.RoleUser, "hi"))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.NotFound))
	assert.Equal(t, errs.CodeAgentNotFound, errs.CodeOf(err))
}

func TestForwardTimeout(t *testing.T) {
	gw, _, srv := newTestGateway(t)
	gw.requestTimeout = 100 * time.Millisecond

	ws := dialTunnel(t, srv, types.SubnetPublic, "agent-1", nil)
	registerTunnel(t, ws, "slow-agent")

	_, err := gw.Forward(context.Background(), types.SubnetPublic, "agent-1", a2a.NewTextMessage(a2a.RoleUser, "hi"))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Timeout))
	assert.Equal(t, errs.CodeRequestTimeout, errs.CodeOf(err))
}

func TestForwardFailsWhenTunnelCloses(t *testing.T) {
	gw, _, srv := newTestGateway(t)

	ws := dialTunnel(t, srv, types.SubnetPublic, "agent-1", nil)
	registerTunnel(t, ws, "flaky-agent")

	go func() {
		var req Frame
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		ws.Close()
	}()

	_, err := gw.Forward(context.Background(), types.SubnetPublic, "agent-1", a2a.NewTextMessage(a2a.RoleUser, "hi"))
	require.Error(t, err)
	assert.Equal(t, errs.CodeConnectionClosed, errs.CodeOf(err))
}

func TestHeartbeatAckAndLivenessRenewal(t *testing.T) {
	_, store, srv := newTestGateway(t)

	ws := dialTunnel(t, srv, types.SubnetPublic, "agent-1", nil)
	registerTunnel(t, ws, "hb-agent")

	before, err := store.GetAgent("agent-1")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ws.WriteJSON(&Frame{Type: FrameHeartbeat}))

	var ack Frame
	require.NoError(t, ws.ReadJSON(&ack))
	assert.Equal(t, FrameHeartbeatAck, ack.Type)

	after, err := store.GetAgent("agent-1")
	require.NoError(t, err)
	assert.True(t, after.LastHeartbeat.After(before.LastHeartbeat))
}

func TestReconnectReplacesTunnel(t *testing.T) {
	gw, _, srv := newTestGateway(t)

	first := dialTunnel(t, srv, types.SubnetPublic, "agent-1", nil)
	registerTunnel(t, first, "v1")

	second := dialTunnel(t, srv, types.SubnetPublic, "agent-1", nil)
	ack := registerTunnel(t, second, "v2")
	assert.Equal(t, "agent-1", ack.AgentID)

	// The replaced tunnel is closed by the gateway.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	err := first.ReadJSON(&f)
	require.Error(t, err)

	assert.Equal(t, 1, gw.ConnectionCount(types.SubnetPublic))
}

func TestSweepDisconnectsStaleTunnels(t *testing.T) {
	gw, _, srv := newTestGateway(t)
	gw.staleAfter = 30 * time.Millisecond

	ws := dialTunnel(t, srv, types.SubnetPublic, "agent-1", nil)
	registerTunnel(t, ws, "quiet-agent")
	require.Equal(t, 1, gw.ConnectionCount(""))

	time.Sleep(60 * time.Millisecond)
	gw.sweepStale()

	assert.Equal(t, 0, gw.ConnectionCount(""))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	err := ws.ReadJSON(&f)
	require.Error(t, err)
}

func TestStopClosesAllTunnels(t *testing.T) {
	gw, _, srv := newTestGateway(t)

	ws := dialTunnel(t, srv, types.SubnetPublic, "agent-1", nil)
	registerTunnel(t, ws, "a")
	ws2 := dialTunnel(t, srv, types.SubnetPublic, "agent-2", nil)
	registerTunnel(t, ws2, "b")
	require.Equal(t, 2, gw.ConnectionCount(""))

	gw.Stop()
	assert.Equal(t, 0, gw.ConnectionCount(""))
}
