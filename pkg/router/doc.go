/*
Package router delivers A2A messages between agents: point-to-point sends,
skill-based discovery routing, multi-strategy broadcast fan-out and the
dead-letter queue with its operator retry pass.

The router treats every recipient the same way. Agents behind the gateway
registered with an ingress endpoint, so delivery is always an HTTP JSON-RPC
call against the recipient's endpoint; the gateway translates to tunnel
frames on its own side.

# Architecture

	            Send / RouteBySkill / Broadcast / SendBySkill
	                              │
	                    ┌─────────▼──────────┐
	                    │   recipient lookup  │──▶ AGENT_NOT_FOUND (no DLQ)
	                    │   (registry / C2)   │
	                    └─────────┬──────────┘
	                              │ endpoint
	                    ┌─────────▼──────────┐
	                    │  a2a.Client cache   │  one client per endpoint,
	                    │  (never evicted)    │  kept for process lifetime
	                    └─────────┬──────────┘
	                   success    │    failure
	          ┌───────────────────┴───────────────┐
	          ▼                                   ▼
	  message history                      dead-letter queue
	  (per-agent + global,                 (durable; operator
	   ephemeral, capped)                   RetryDLQ pass)

# Broadcast strategies

  - parallel: all recipients concurrently; per-recipient outcomes are
    recorded and an aggregate error surfaces when any delivery failed
  - sequential: one at a time, stopping at the first failure; recipients
    after the failure are not attempted
  - best_effort: like parallel but never surfaces an error

Every broadcast result is persisted for 24 hours and retrievable by id.
Per-sender ordering is only guaranteed under the sequential strategy.

# Dead letters

A delivery failure stores the message's self-describing wire record with
retry_count zero. RetryDLQ redelivers entries below their ceiling: success
removes the entry, failure increments and requeues, the ceiling drops the
entry with a warning. Unknown recipients fail fast and are never
dead-lettered; there is no recipient to eventually deliver to.

# Inbound dispatch

Callers may register handlers keyed on the notification_type or type field
of inbound data parts, or on the "*" wildcard. Dispatch invokes typed
matches first, wildcards after; handler errors are logged and do not stop
later handlers.

# Usage

	rt := router.New(cfg, store, eph, reg, recorder)

	reply, err := rt.Send(ctx, "agent-a", "agent-b", a2a.NewTextMessage(a2a.RoleUser, "hi"))

	result, err := rt.Broadcast(ctx, "agent-a", ids, msg, types.BroadcastBestEffort)

	rt.RegisterHandler("task.created", func(ctx context.Context, from string, msg *a2a.Message) error {
		return process(msg)
	})

# See Also

  - pkg/a2a for the JSON-RPC dialect and the wire record used for replay
  - pkg/gateway for how tunneled agents receive these deliveries
  - pkg/storage for the DLQ repository and the ephemeral history store
*/
package router
