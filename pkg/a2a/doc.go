/*
Package a2a implements the agent-to-agent protocol types and client for ACN.

The a2a package provides the typed message model (roles, tagged-union parts),
agent cards, the JSON-RPC 2.0 envelope of the A2A dialect, and an HTTP client
for delivering messages to agent endpoints. The router caches one client per
endpoint; the gateway speaks the same envelope on its HTTP ingress.

# Architecture

	┌──────────────────── A2A PROTOCOL ─────────────────────────┐
	│                                                             │
	│  ┌────────────────────────────────────────────┐           │
	│  │              Message                        │           │
	│  │  role: user | agent                         │           │
	│  │  parts: [ {kind: text | data, ...} ]        │           │
	│  │  messageId / contextId / taskId             │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                       │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │          JSON-RPC Envelope                  │           │
	│  │                                              │           │
	│  │  → {jsonrpc:"2.0", id, method:"message/send",│          │
	│  │     params:{message:{...}}}                 │           │
	│  │  ← {jsonrpc:"2.0", id, result:{...}}        │           │
	│  │  ← {jsonrpc:"2.0", id, error:{code,message}}│           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                       │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │              Client                          │           │
	│  │  - One per endpoint, cached by the router   │           │
	│  │  - 30s default timeout                      │           │
	│  │  - Correlation id checked on response       │           │
	│  └────────────────────────────────────────────┘            │
	└─────────────────────────────────────────────────────────┘

# Core Components

Message:
  - Role: "user" (principal-originated) or "agent"
  - Parts: ordered tagged union of text and data parts
  - MessageID: UUID correlation id, minted by NewMessage

Part:
  - Kind "text": human-readable content in Text
  - Kind "data": structured payload in Data
  - Unknown kinds are rejected on record replay

AgentCard:
  - Published self-description: name, url, capabilities, skills
  - Synthesized by the registry when a registrant supplies none

Client:
  - POSTs the JSON-RPC envelope to one endpoint
  - Maps transport failures to ExternalUnavailable, deadline and peer
    timeout codes to Timeout

Wire records:
  - Record()/FromRecord() round-trip a message through its self-describing
    JSON form for history logging and DLQ replay

# Usage

Building and sending a message:

	client := a2a.NewClient("https://agent.example/a2a", 0)

	msg := a2a.NewMessage(a2a.RoleUser,
		a2a.TextPart("please review PR 42"),
		a2a.DataPart(map[string]interface{}{"task_id": taskID}),
	)

	reply, err := client.SendMessage(ctx, msg)
	if err != nil {
		return err
	}

Dispatching inbound messages:

	switch msg.DispatchKey() {
	case "payment.completed":
		handlePayment(msg)
	case "":
		// No data part carried a type; ignore or log
	}

Replaying a dead-letter record:

	msg, err := a2a.FromRecord(entry.Message)
	if err != nil {
		return err // malformed record, do not retry
	}

Serving the envelope (gateway ingress):

	var req a2a.Request
	_ = json.NewDecoder(r.Body).Decode(&req)
	msg, _ := a2a.ParseSendParams(&req)
	// ... forward msg, then:
	resp, _ := a2a.NewResponse(req.ID, reply)

# Error Codes

JSON-RPC error codes used by peers and the gateway ingress:

	-32700  parse error
	-32600  invalid request
	-32601  method not found
	-32603  internal error
	-32001  agent timeout (mapped to the Timeout error kind)
	-32002  agent disconnected

# Design Notes

Parts are a closed tagged union. Components branch on Kind exhaustively; the
replay path (FromRecord) refuses unknown kinds so a malformed DLQ entry can
never be re-delivered as a half-parsed message.

The client never retries. Reliability is layered above it: the router
enqueues failures to the DLQ and the operator drives retries.

# Integration Points

  - pkg/router: client cache, history records, DLQ replay
  - pkg/gateway: a2a_request/a2a_response frame payloads and HTTP ingress
  - pkg/registry: agent card synthesis
  - pkg/payment: payment agent discovery cards

# See Also

  - pkg/router for delivery semantics and the dead-letter queue
  - pkg/gateway for tunnel forwarding of these messages
*/
package a2a
