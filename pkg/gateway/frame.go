package gateway

import (
	"encoding/json"

	"github.com/acnlabs/acn/pkg/a2a"
)

// Frame types of the tunnel protocol. Every frame is a JSON object with a
// type field; unknown types are logged and ignored so the protocol can grow
// without breaking older peers.
const (
	FrameRegister     = "register"
	FrameRegisterAck  = "register_ack"
	FrameA2ARequest   = "a2a_request"
	FrameA2AResponse  = "a2a_response"
	FrameHeartbeat    = "heartbeat"
	FrameHeartbeatAck = "heartbeat_ack"
	FrameError        = "error"
)

// Websocket close codes for connection-time rejections.
const (
	CloseUnknownSubnet = 4004
	CloseAuthRequired  = 4001
)

// Frame is one tunnel protocol message. RequestID correlates a2a_request
// and a2a_response pairs; the register fields are only read on the first
// frame of a connection.
type Frame struct {
	Type      string       `json:"type"`
	RequestID string       `json:"request_id,omitempty"`
	Message   *a2a.Message `json:"message,omitempty"`

	// Register frame payload
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Skills      []string        `json:"skills,omitempty"`
	Card        json.RawMessage `json:"card,omitempty"`

	// register_ack payload
	AgentID  string `json:"agent_id,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`

	// error payload
	Error string `json:"error,omitempty"`
}
