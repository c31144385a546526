package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/acnlabs/acn/pkg/a2a"
	"github.com/acnlabs/acn/pkg/audit"
	"github.com/acnlabs/acn/pkg/config"
	"github.com/acnlabs/acn/pkg/errs"
	"github.com/acnlabs/acn/pkg/log"
	"github.com/acnlabs/acn/pkg/metrics"
	"github.com/acnlabs/acn/pkg/registry"
	"github.com/acnlabs/acn/pkg/security"
	"github.com/acnlabs/acn/pkg/storage"
	"github.com/acnlabs/acn/pkg/types"
)

// Gateway bridges agents behind NATs and private networks into the fabric.
// Each agent holds one persistent websocket tunnel per subnet; the agent's
// registered endpoint points at the gateway ingress so every routed message
// flows through the tunnel.
type Gateway struct {
	store    storage.Store
	registry *registry.Service
	recorder *audit.Recorder
	secrets  *security.SecretsManager // nil: subnet tokens stored plaintext

	publicURL       string
	requestTimeout  time.Duration
	registerTimeout time.Duration
	staleAfter      time.Duration
	sweepInterval   time.Duration

	mu    sync.RWMutex
	conns map[string]*Conn // keyed subnetID + "/" + agentID

	upgrader websocket.Upgrader
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// New creates the gateway from runtime configuration. secrets may be nil
// when no encryption password is configured.
func New(cfg *config.Config, store storage.Store, reg *registry.Service, recorder *audit.Recorder, secrets *security.SecretsManager) *Gateway {
	return &Gateway{
		store:           store,
		registry:        reg,
		recorder:        recorder,
		secrets:         secrets,
		publicURL:       strings.TrimSuffix(cfg.PublicURL, "/"),
		requestTimeout:  cfg.RequestTimeout,
		registerTimeout: cfg.RegisterTimeout,
		staleAfter:      cfg.TunnelStaleAfter,
		sweepInterval:   cfg.SweepInterval,
		conns:           make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents connect from arbitrary networks; auth happens against
			// the subnet scheme, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		stopCh: make(chan struct{}),
		logger: log.WithComponent("gateway"),
	}
}

// Start launches the staleness sweeper.
func (g *Gateway) Start() {
	go g.sweepLoop()
}

// Stop halts the sweeper and disconnects every tunnel.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })

	g.mu.Lock()
	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.conns = make(map[string]*Conn)
	g.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func connKey(subnetID, agentID string) string {
	return subnetID + "/" + agentID
}

// EndpointFor returns the public ingress URL registered for a tunnel agent.
func (g *Gateway) EndpointFor(subnetID, agentID string) string {
	return fmt.Sprintf("%s/gateway/a2a/%s/%s", g.publicURL, subnetID, agentID)
}

// Connection returns the live tunnel for an agent on a subnet, if any.
func (g *Gateway) Connection(subnetID, agentID string) (*Conn, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.conns[connKey(subnetID, agentID)]
	return c, ok
}

// ConnectionCount reports the number of open tunnels, optionally scoped to
// one subnet.
func (g *Gateway) ConnectionCount(subnetID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if subnetID == "" {
		return len(g.conns)
	}
	n := 0
	for _, c := range g.conns {
		if c.SubnetID == subnetID {
			n++
		}
	}
	return n
}

// HandleTunnel upgrades an inbound websocket and runs the connection until
// it closes. Unknown subnets close with 4004 and failed credentials with
// 4001; both happen after the upgrade so the agent sees the close code.
func (g *Gateway) HandleTunnel(w http.ResponseWriter, r *http.Request, subnetID, agentID string) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("Tunnel upgrade failed")
		return
	}

	subnet, err := g.store.GetSubnet(subnetID)
	if err != nil {
		g.closeWith(ws, CloseUnknownSubnet, fmt.Sprintf("unknown subnet %s", subnetID))
		return
	}

	if err := g.authorizeTunnel(subnet, r); err != nil {
		g.recorder.AuthFailure("tunnel", fmt.Sprintf("subnet %s agent %s: %v", subnetID, agentID, err))
		g.closeWith(ws, CloseAuthRequired, "subnet authentication failed")
		return
	}

	conn := newConn(uuid.NewString(), subnetID, agentID, ws)

	// The register frame must arrive within the handshake window.
	_ = ws.SetReadDeadline(time.Now().Add(g.registerTimeout))
	var reg Frame
	if err := ws.ReadJSON(&reg); err != nil {
		g.closeWith(ws, websocket.ClosePolicyViolation, "register frame not received")
		return
	}
	if reg.Type != FrameRegister || reg.Name == "" {
		g.closeWith(ws, websocket.ClosePolicyViolation, "first frame must be a register frame with a name")
		return
	}
	metrics.TunnelFramesTotal.WithLabelValues(FrameRegister, "in").Inc()

	endpoint := g.EndpointFor(subnetID, agentID)
	agent, err := g.registry.RegisterTunnel(r.Context(), &registry.TunnelRegistration{
		AgentID:     agentID,
		SubnetID:    subnetID,
		Endpoint:    endpoint,
		Name:        reg.Name,
		Description: reg.Description,
		Skills:      reg.Skills,
		Card:        reg.Card,
	})
	if err != nil {
		_ = conn.send(&Frame{Type: FrameError, Error: err.Error()})
		g.closeWith(ws, websocket.CloseInternalServerErr, "registration failed")
		return
	}

	// Attach before the ack so the agent is routable the moment it reads it.
	g.attach(conn)
	if err := conn.send(&Frame{Type: FrameRegisterAck, AgentID: agent.ID, Endpoint: endpoint}); err != nil {
		g.detach(conn, "register ack failed")
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	g.recorder.Audit(&types.AuditEvent{
		Type:        types.AuditTunnelOpened,
		ActorType:   "agent",
		ActorID:     agent.ID,
		SubnetID:    subnetID,
		Description: fmt.Sprintf("tunnel %s opened", conn.ID),
	})
	g.recorder.Emit(audit.EventTunnelOpened, map[string]interface{}{
		"agent_id":      agent.ID,
		"subnet_id":     subnetID,
		"connection_id": conn.ID,
	})
	g.logger.Info().
		Str("connection_id", conn.ID).
		Str("agent_id", agent.ID).
		Str("subnet_id", subnetID).
		Msg("Tunnel opened")

	g.readLoop(conn)
	g.detach(conn, "read loop ended")
}

// attach inserts the connection, replacing (and closing) any previous tunnel
// for the same agent and subnet.
func (g *Gateway) attach(conn *Conn) {
	key := connKey(conn.SubnetID, conn.AgentID)

	g.mu.Lock()
	old := g.conns[key]
	g.conns[key] = conn
	g.mu.Unlock()

	if old != nil {
		old.close()
		g.logger.Info().
			Str("agent_id", conn.AgentID).
			Str("old_connection_id", old.ID).
			Msg("Replaced stale tunnel for reconnecting agent")
	} else {
		metrics.TunnelsActive.Inc()
	}
}

// detach removes the connection and fails its pending futures. A connection
// replaced by a reconnect is already gone from the table and only needs its
// own teardown.
func (g *Gateway) detach(conn *Conn, reason string) {
	key := connKey(conn.SubnetID, conn.AgentID)

	g.mu.Lock()
	current := g.conns[key] == conn
	if current {
		delete(g.conns, key)
	}
	g.mu.Unlock()

	conn.close()
	if current {
		metrics.TunnelsActive.Dec()
	}

	g.recorder.Audit(&types.AuditEvent{
		Type:        types.AuditTunnelClosed,
		ActorType:   "agent",
		ActorID:     conn.AgentID,
		SubnetID:    conn.SubnetID,
		Description: fmt.Sprintf("tunnel %s closed: %s", conn.ID, reason),
	})
	g.recorder.Emit(audit.EventTunnelClosed, map[string]interface{}{
		"agent_id":      conn.AgentID,
		"subnet_id":     conn.SubnetID,
		"connection_id": conn.ID,
	})
	g.logger.Info().
		Str("connection_id", conn.ID).
		Str("agent_id", conn.AgentID).
		Str("reason", reason).
		Msg("Tunnel closed")
}

// readLoop processes inbound frames until the tunnel closes. Frames on one
// connection are handled strictly in receive order.
func (g *Gateway) readLoop(conn *Conn) {
	for {
		var f Frame
		if err := conn.ws.ReadJSON(&f); err != nil {
			return
		}
		metrics.TunnelFramesTotal.WithLabelValues(f.Type, "in").Inc()

		switch f.Type {
		case FrameHeartbeat:
			conn.touchHeartbeat()
			if err := g.registry.Heartbeat(context.Background(), conn.AgentID); err != nil {
				g.logger.Warn().Err(err).Str("agent_id", conn.AgentID).Msg("Tunnel heartbeat failed to renew liveness")
			}
			if err := conn.send(&Frame{Type: FrameHeartbeatAck}); err != nil {
				return
			}

		case FrameA2AResponse:
			if f.RequestID == "" {
				g.logger.Warn().Str("connection_id", conn.ID).Msg("a2a_response without request_id dropped")
				continue
			}
			if !conn.resolvePending(f.RequestID, f.Message) {
				// Late or duplicate response; the future already settled.
				g.logger.Debug().
					Str("connection_id", conn.ID).
					Str("request_id", f.RequestID).
					Msg("Unmatched a2a_response dropped")
			}

		case FrameRegister:
			// Already registered on this connection.
			g.logger.Debug().Str("connection_id", conn.ID).Msg("Duplicate register frame ignored")

		default:
			g.logger.Warn().
				Str("connection_id", conn.ID).
				Str("frame_type", f.Type).
				Msg("Unhandled tunnel frame")
		}
	}
}

// Forward delivers an A2A message through an agent's tunnel and awaits the
// correlated a2a_response. Timeouts and disconnects settle the pending
// future with a typed error.
func (g *Gateway) Forward(ctx context.Context, subnetID, agentID string, msg *a2a.Message) (*a2a.Message, error) {
	conn, ok := g.Connection(subnetID, agentID)
	if !ok {
		return nil, errs.EC(errs.NotFound, errs.CodeAgentNotFound, "no tunnel for agent %s on subnet %s", agentID, subnetID)
	}

	requestID := uuid.NewString()
	ch := conn.addPending(requestID)
	defer conn.removePending(requestID)

	if err := conn.send(&Frame{Type: FrameA2ARequest, RequestID: requestID, Message: msg}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(g.requestTimeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-conn.closedCh:
		return nil, errs.EC(errs.ExternalUnavailable, errs.CodeConnectionClosed,
			"tunnel to agent %s closed while awaiting response", agentID)
	case <-timer.C:
		return nil, errs.EC(errs.Timeout, errs.CodeRequestTimeout,
			"agent %s did not respond within %s", agentID, g.requestTimeout)
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Timeout, ctx.Err(), "forward to agent %s cancelled", agentID)
	}
}

// Disconnect closes an agent's tunnel, if one exists.
func (g *Gateway) Disconnect(subnetID, agentID, reason string) {
	if conn, ok := g.Connection(subnetID, agentID); ok {
		g.detach(conn, reason)
	}
}

// sweepLoop disconnects tunnels that stopped heartbeating.
func (g *Gateway) sweepLoop() {
	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sweepStale()
		case <-g.stopCh:
			return
		}
	}
}

func (g *Gateway) sweepStale() {
	g.mu.RLock()
	stale := make([]*Conn, 0)
	for _, c := range g.conns {
		if c.heartbeatAge() > g.staleAfter {
			stale = append(stale, c)
		}
	}
	g.mu.RUnlock()

	for _, c := range stale {
		g.logger.Warn().
			Str("connection_id", c.ID).
			Str("agent_id", c.AgentID).
			Dur("heartbeat_age", c.heartbeatAge()).
			Msg("Disconnecting stale tunnel")
		g.detach(c, "heartbeat stale")
	}
}

func (g *Gateway) closeWith(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(5 * time.Second)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}
