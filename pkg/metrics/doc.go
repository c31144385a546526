/*
Package metrics provides Prometheus metrics collection and exposition for
the collaboration network, plus the component health registry behind the
monitoring endpoints.

All metrics carry the acn_ prefix and register at package init against the
default registry. Entity gauges (agents, subnets, tasks, DLQ depth) are
refreshed by a Collector loop every 15 seconds; event counters (routed
messages, tunnel frames, escrow calls, webhook deliveries) are incremented
inline by the owning component.

# Architecture

	┌──────────────────── METRICS SYSTEM ───────────────────────┐
	│                                                            │
	│  ┌──────────────┐   gauges every 15s   ┌───────────────┐  │
	│  │  Collector   │─────────────────────▶│  Prometheus   │  │
	│  │  (store +    │                      │  Registry     │  │
	│  │  ephemeral)  │    inline counters   │               │  │
	│  └──────────────┘   ┌─────────────────▶└───────┬───────┘  │
	│                     │                          │          │
	│  router / gateway / tasks / api               ▼          │
	│                                        GET /internal/     │
	│  ┌──────────────┐                      metrics (operator  │
	│  │HealthChecker │──▶ /health /ready    token)             │
	│  │(components)  │      /live                              │
	│  └──────────────┘                                         │
	└────────────────────────────────────────────────────────────┘

# Metric Categories

Registry:
  - acn_agents_total{status}: registered agents by durable status
  - acn_agents_online: agents with a live heartbeat key
  - acn_subnets_total: subnet count

Gateway:
  - acn_tunnels_active: open websocket tunnels
  - acn_tunnel_frames_total{type,direction}: frame traffic

Routing:
  - acn_messages_routed_total{outcome}: deliveries vs failures
  - acn_broadcasts_total{strategy}: fan-outs by strategy
  - acn_route_duration_seconds: delivery latency
  - acn_dlq_depth: undelivered messages awaiting retry

Task pool:
  - acn_tasks_total{status}: tasks by lifecycle state
  - acn_escrow_operations_total{operation,outcome}: collaborator calls
  - acn_rewards_released_total: settled reward releases

API:
  - acn_api_requests_total{method,status}
  - acn_api_request_duration_seconds{method}

Webhooks:
  - acn_webhook_deliveries_total{outcome}

# Usage

Inline counters:

	metrics.MessagesRouted.WithLabelValues("delivered").Inc()

Latency with a timer:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RouteDuration)

Entity gauges via the collector:

	collector := metrics.NewCollector(store, eph)
	collector.Start()
	defer collector.Stop()

Health registry:

	metrics.RegisterComponent("storage", true, "")
	metrics.UpdateComponent("gateway", false, "sweeper stalled")

The readiness probe requires the storage, gateway and api components to be
registered and healthy; the liveness probe only proves the process runs.

# Integration Points

  - pkg/api: /health, /ready, /live and the operator metrics export
  - pkg/router, pkg/gateway, pkg/tasks, pkg/webhook: inline counters
  - cmd/acn: starts the Collector alongside the server

# See Also

  - pkg/health for active dependency probes
  - Prometheus client: https://github.com/prometheus/client_golang
*/
package metrics
