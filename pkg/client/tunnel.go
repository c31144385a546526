package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/acnlabs/acn/pkg/a2a"
	"github.com/acnlabs/acn/pkg/log"
)

// DefaultHeartbeatInterval keeps tunnels comfortably inside the gateway's
// 90 s staleness window.
const DefaultHeartbeatInterval = 25 * time.Second

// tunnelFrame mirrors the gateway's tunnel wire format. The SDK carries its
// own copy so agent binaries do not import the server packages; the JSON
// shape is the contract.
type tunnelFrame struct {
	Type      string       `json:"type"`
	RequestID string       `json:"request_id,omitempty"`
	Message   *a2a.Message `json:"message,omitempty"`

	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Skills      []string        `json:"skills,omitempty"`
	Card        json.RawMessage `json:"card,omitempty"`

	AgentID  string `json:"agent_id,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`

	Error string `json:"error,omitempty"`
}

// Tunnel frame types, matching the gateway protocol.
const (
	frameRegister     = "register"
	frameRegisterAck  = "register_ack"
	frameA2ARequest   = "a2a_request"
	frameA2AResponse  = "a2a_response"
	frameHeartbeat    = "heartbeat"
	frameHeartbeatAck = "heartbeat_ack"
	frameError        = "error"
)

// TunnelHandler serves one inbound A2A message. The returned message travels
// back to the caller as the correlated response; a nil reply with nil error
// acknowledges without content.
type TunnelHandler func(ctx context.Context, msg *a2a.Message) (*a2a.Message, error)

// TunnelConfig describes a persistent gateway connection for an agent that
// cannot be reached directly.
type TunnelConfig struct {
	// GatewayURL is the node's public base URL (http(s) or ws(s) scheme).
	GatewayURL string
	SubnetID   string
	AgentID    string

	// Secret authenticates against the subnet's security scheme; empty for
	// public subnets.
	Secret string

	// Register frame payload.
	Name        string
	Description string
	Skills      []string
	Card        json.RawMessage

	// Handler serves inbound a2a_request frames. Required.
	Handler TunnelHandler

	// HeartbeatInterval defaults to DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
}

// Tunnel maintains one persistent websocket connection to a gateway,
// re-dialing with exponential backoff whenever the link drops. Inbound
// a2a_request frames are served through the configured handler; each reply
// carries the request's correlation id back.
type Tunnel struct {
	cfg    TunnelConfig
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu       sync.RWMutex
	agentID  string
	endpoint string
}

// NewTunnel validates the configuration and prepares a tunnel. Run starts it.
func NewTunnel(cfg TunnelConfig) (*Tunnel, error) {
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("gateway URL is required")
	}
	if cfg.SubnetID == "" || cfg.AgentID == "" {
		return nil, fmt.Errorf("subnet id and agent id are required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Tunnel{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		logger: log.WithComponent("tunnel"),
	}, nil
}

// Endpoint returns the public ingress URL the gateway registered for this
// agent, available once the first register_ack arrives.
func (t *Tunnel) Endpoint() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.endpoint
}

// AgentID returns the agent id acknowledged by the gateway.
func (t *Tunnel) AgentID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.agentID
}

// Run connects and serves until ctx is cancelled. Dropped connections are
// re-dialed with exponential backoff; a successful registration resets the
// backoff. The returned error is ctx.Err() on orderly shutdown.
func (t *Tunnel) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = time.Minute
	policy.MaxElapsedTime = 0 // reconnect for as long as the agent lives

	for {
		if err := t.session(ctx, policy); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn().Err(err).Str("agent_id", t.cfg.AgentID).Msg("Tunnel session ended; reconnecting")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.NextBackOff()):
		}
	}
}

// session runs one connect-register-serve cycle.
func (t *Tunnel) session(ctx context.Context, policy *backoff.ExponentialBackOff) error {
	ws, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = ws.Close() }()

	// Close the socket when ctx ends so the blocked read loop unwinds.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-watchDone:
		}
	}()

	var writeMu sync.Mutex
	send := func(f *tunnelFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return ws.WriteJSON(f)
	}

	if err := send(&tunnelFrame{
		Type:        frameRegister,
		Name:        t.cfg.Name,
		Description: t.cfg.Description,
		Skills:      t.cfg.Skills,
		Card:        t.cfg.Card,
	}); err != nil {
		return fmt.Errorf("register frame: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(30 * time.Second))
	var ack tunnelFrame
	if err := ws.ReadJSON(&ack); err != nil {
		return fmt.Errorf("register ack: %w", err)
	}
	switch ack.Type {
	case frameRegisterAck:
	case frameError:
		return fmt.Errorf("gateway refused registration: %s", ack.Error)
	default:
		return fmt.Errorf("unexpected frame %q before register ack", ack.Type)
	}
	_ = ws.SetReadDeadline(time.Time{})

	t.mu.Lock()
	t.agentID = ack.AgentID
	t.endpoint = ack.Endpoint
	t.mu.Unlock()
	policy.Reset()

	t.logger.Info().
		Str("agent_id", ack.AgentID).
		Str("subnet_id", t.cfg.SubnetID).
		Str("endpoint", ack.Endpoint).
		Msg("Tunnel registered")

	// Heartbeats ride a separate goroutine; the websocket admits one writer
	// at a time, hence the shared send closure.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go t.heartbeatLoop(hbCtx, ws, send)

	return t.serve(ctx, ws, send)
}

// dial opens the websocket against /gateway/ws/{subnet}/{agent}.
func (t *Tunnel) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := tunnelURL(t.cfg.GatewayURL, t.cfg.SubnetID, t.cfg.AgentID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if t.cfg.Secret != "" {
		header.Set("Authorization", "Bearer "+t.cfg.Secret)
	}

	ws, resp, err := t.dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	return ws, nil
}

// serve reads frames until the connection drops or ctx is cancelled.
func (t *Tunnel) serve(ctx context.Context, ws *websocket.Conn, send func(*tunnelFrame) error) error {
	for {
		var f tunnelFrame
		if err := ws.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("tunnel read: %w", err)
		}

		switch f.Type {
		case frameA2ARequest:
			// Served off the read loop so a slow handler never blocks
			// heartbeat acks or later requests.
			go t.handleRequest(ctx, f.RequestID, f.Message, send)

		case frameHeartbeatAck:
			// Liveness confirmed; nothing to do.

		case frameError:
			t.logger.Warn().Str("error", f.Error).Msg("Gateway reported error")

		default:
			t.logger.Debug().Str("frame_type", f.Type).Msg("Ignoring unexpected tunnel frame")
		}
	}
}

// handleRequest serves one a2a_request and sends the correlated response.
// Handler failures still settle the caller's pending future: the error
// travels back as a data part instead of letting the gateway time out.
func (t *Tunnel) handleRequest(ctx context.Context, requestID string, msg *a2a.Message, send func(*tunnelFrame) error) {
	if requestID == "" || msg == nil {
		return
	}

	reply, err := t.cfg.Handler(ctx, msg)
	if err != nil {
		t.logger.Warn().Err(err).Str("request_id", requestID).Msg("Tunnel handler failed")
		reply = a2a.NewMessage(a2a.RoleAgent, a2a.DataPart(map[string]interface{}{
			"type":  "error",
			"error": err.Error(),
		}))
	}
	if reply == nil {
		reply = a2a.NewTextMessage(a2a.RoleAgent, "ok")
	}

	if err := send(&tunnelFrame{Type: frameA2AResponse, RequestID: requestID, Message: reply}); err != nil {
		t.logger.Warn().Err(err).Str("request_id", requestID).Msg("Failed to send tunnel response")
	}
}

// heartbeatLoop emits heartbeat frames until the session ends.
func (t *Tunnel) heartbeatLoop(ctx context.Context, ws *websocket.Conn, send func(*tunnelFrame) error) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := send(&tunnelFrame{Type: frameHeartbeat}); err != nil {
				// The read loop sees the same broken connection and triggers
				// the reconnect; just stop ticking.
				return
			}
		}
	}
}

// tunnelURL converts the gateway base URL to the websocket endpoint for one
// agent's tunnel.
func tunnelURL(base, subnetID, agentID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid gateway URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("gateway URL must use http(s) or ws(s) scheme")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/gateway/ws/" + url.PathEscape(subnetID) + "/" + url.PathEscape(agentID)
	return u.String(), nil
}
