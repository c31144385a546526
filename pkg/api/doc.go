/*
Package api is the HTTP front of a collaboration-network node: the REST
surface under /api/v1, the gateway websocket and ingress endpoints, and the
operator surface under /internal.

The server owns no domain logic. Handlers authenticate the caller, shape the
request, delegate to the registry, gateway, router and task services, and map
the error taxonomy onto HTTP statuses. Everything stateful lives behind those
services.

# Architecture

	                 ┌──────────────── Server ────────────────┐
	 client ──HTTP──▶│ RequestID ▸ RealIP ▸ logging ▸ Recoverer│
	                 │ ▸ CORS                                  │
	                 │                                         │
	                 │  /health /ready          health.Monitor │
	                 │  /api/v1/** ── authenticate ──┐         │
	                 │  /gateway/ws/{subnet}/{agent} │         │
	                 │  /gateway/a2a/{subnet}/{agent}│         │
	                 │  /internal/** ── operator ────┤         │
	                 └───────────────────────────────┼─────────┘
	                                                 ▼
	                 registry ─ gateway ─ router ─ tasks ─ store

# Authentication

Three credential schemes resolve to a principal on the request context:

  - X-Internal-Token: the operator credential, compared in constant time.
    Operators bypass ownership checks (services see actor "").
  - Authorization Bearer acn_…: an agent API key. Agent principals act on
    themselves only; a mismatched agent id in a path or from_agent field is
    refused.
  - Authorization Bearer <JWT>: a human validated against the identity
    provider. Humans act as themselves and on agents they own.

Requests without credentials pass through anonymously; handlers that need a
caller answer 401. Joining the network (POST /agents/join) and fetching agent
cards are the deliberately anonymous operations.

# Rate limits

Message send and broadcast endpoints carry per-IP token buckets (configured
per minute, burst equal to the budget). Over-budget callers receive 429 with
a Retry-After header.

# Error mapping

Handlers never invent status codes: writeError maps the error taxonomy
(NotFound 404, Unauthenticated 401, PermissionDenied 403, Conflict 409,
Validation 400, ExternalUnavailable 502, Timeout 504) and carries the
machine-readable code, when one is attached, in the body:

	{"detail": "task 7f3a… is full", "code": "TASK_FULL"}

The gateway ingress is the exception: it speaks the A2A JSON-RPC dialect, so
errors ride the response envelope with HTTP 200.

# Usage

	srv := api.New(cfg, api.Deps{
		Store: store, Ephemeral: eph, Auth: authSvc,
		Registry: reg, Gateway: gw, Router: rt, Tasks: tasksSvc,
		Recorder: recorder, Version: version,
	})
	go func() { _ = srv.Start() }()
	defer func() { _ = srv.Stop(ctx) }()

Tests drive srv.Routes() through httptest without binding a port.

# See Also

  - pkg/auth for credential resolution and principals
  - pkg/gateway for the tunnel protocol behind /gateway
  - pkg/errs for the taxonomy writeError maps from
*/
package api
