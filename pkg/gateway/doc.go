/*
Package gateway bridges agents behind NATs and private networks into the
collaboration fabric through persistent websocket tunnels.

An agent that cannot expose a public A2A endpoint dials the gateway instead.
The gateway registers the agent in the registry with a synthetic endpoint
that points back at its own HTTP ingress, so the router addresses tunneled
and direct agents identically; the gateway translates ingress requests into
tunnel frames and correlates the responses.

# Architecture

	agent (behind NAT)                         gateway                caller
	      │                                       │                      │
	      │  WS /gateway/ws/{subnet}/{agent}      │                      │
	      ├──────────────────────────────────────▶│                      │
	      │  register {name, skills, card}        │                      │
	      ├──────────────────────────────────────▶│──▶ registry          │
	      │  register_ack {agent_id, endpoint}    │    (tunnel upsert)   │
	      │◀──────────────────────────────────────┤                      │
	      │                                       │  POST /gateway/a2a/… │
	      │                                       │◀─────────────────────┤
	      │  a2a_request {request_id, message}    │                      │
	      │◀──────────────────────────────────────┤  pending future      │
	      │  a2a_response {request_id, message}   │                      │
	      ├──────────────────────────────────────▶│─────────────────────▶│
	      │                                       │                      │
	      │  heartbeat ⇄ heartbeat_ack (renews registry liveness)        │

# Core Components

Gateway:
  - HandleTunnel upgrades the websocket, authenticates private subnets
    (close 4001) and rejects unknown ones (close 4004), requires the
    register frame within the handshake window and then runs the
    connection read loop
  - Forward sends an a2a_request down the tunnel and awaits the
    correlated a2a_response; timeout and disconnect settle the pending
    future with typed errors
  - a staleness sweeper disconnects tunnels whose heartbeats stopped
  - subnet CRUD with secrets minted once and stored encrypted at rest,
    and force-delete that disconnects and unregisters every tunnel agent

Conn:
  - one websocket with serialized writes, a pending-futures table keyed
    by request_id and heartbeat bookkeeping; closing a connection fails
    every in-flight future

# Connection lifecycle

A reconnecting agent replaces its previous tunnel: the old connection is
closed and its pending requests fail with CONNECTION_CLOSED, while the
registry row keeps its identity. Normal closes do not unregister the agent;
liveness simply stops being renewed and the registry watchdog flips the
agent offline after the grace window. Force-deleting a subnet is the one
path that removes rows eagerly.

# Usage

	gw := gateway.New(cfg, store, reg, recorder, secrets)
	gw.Start()
	defer gw.Stop()

	// behind the HTTP surface
	r.Get("/gateway/ws/{subnet_id}/{agent_id}", func(w http.ResponseWriter, r *http.Request) {
		gw.HandleTunnel(w, r, chi.URLParam(r, "subnet_id"), chi.URLParam(r, "agent_id"))
	})

	reply, err := gw.Forward(ctx, "public", agentID, msg)

# Design Notes

Frames on one connection are handled strictly in receive order; concurrent
Forward calls on the same tunnel interleave at frame granularity and are
matched by request_id, never by arrival order. Unmatched or duplicate
a2a_response frames are dropped. Subnet credentials compare in constant
time; the openIdConnect scheme currently admits any non-empty token and
logs a warning until issuer validation lands.

# See Also

  - pkg/registry for the tunnel registration upsert and liveness renewal
  - pkg/router for how tunneled endpoints are addressed transparently
  - pkg/security for the AES-256-GCM encryption of subnet secrets
*/
package gateway
