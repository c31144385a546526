/*
Package registry owns agent identity, liveness and capability discovery for
the collaboration network.

Two registration paths exist. Platform-managed registration is performed by a
principal on behalf of an agent and is idempotent on the (owner, endpoint)
natural key: re-registering updates the row in place and returns the same
agent id, even across process restarts. Autonomous agents join themselves,
receive an acn_-prefixed API key exactly once, and start unclaimed until an
owner presents the verification code.

# Architecture

	┌───────────────────── REGISTRY ──────────────────────────────┐
	│                                                              │
	│  Register (owner, endpoint)      Join (autonomous)          │
	│        │ idempotent                  │ mint api key + code  │
	│        ▼                             ▼                      │
	│  ┌────────────────────────────────────────────┐            │
	│  │            storage.Store (durable)          │            │
	│  │  agents: identity, skills, subnets, status  │            │
	│  └────────────────────┬───────────────────────┘            │
	│                       │                                      │
	│  ┌────────────────────▼───────────────────────┐            │
	│  │         storage.Ephemeral (liveness)        │            │
	│  │  agents:{id}:alive — TTL 30 min grace,      │            │
	│  │  renewed to 60 min on heartbeat/register    │            │
	│  └────────────────────┬───────────────────────┘            │
	│                       │ expired?                             │
	│  ┌────────────────────▼───────────────────────┐            │
	│  │                 Watchdog                    │            │
	│  │  fixed interval; online + no key → offline  │            │
	│  └─────────────────────────────────────────────┘           │
	└──────────────────────────────────────────────────────────────┘

# Core Components

Service:
  - Register / Join / Claim / Transfer / ReleaseOwnership / Unregister
  - Heartbeat renews liveness to the 60 minute window and revives
    offline agents
  - Search with AND-semantics skills, subnet, owner, name substring and
    status filters; status=online intersects the liveness keys
  - BindOnChainIdentity enforces one agent per token via the reverse
    lookup; SetPaymentCapability records wallet address and methods
  - Card returns the stored A2A card or synthesizes one from
    name/endpoint/skills

Watchdog:
  - Ticker loop (default 30 minutes) marking online agents with expired
    liveness keys offline; the only automatic online→offline transition

# Usage

	svc := registry.NewService(cfg, store, eph, recorder)

	agent, err := svc.Register(ctx, &registry.RegisterInput{
		Owner:    "user-1",
		Name:     "reviewer",
		Endpoint: "https://agent.example/a2a",
		Skills:   []string{"code", "review"},
	})

	joined, err := svc.Join(ctx, &registry.JoinInput{Name: "scout"})
	// joined.APIKey is shown once and never returned again

	wd := registry.NewWatchdog(store, eph, recorder, cfg.WatchdogInterval)
	wd.Start()
	defer wd.Stop()

# Design Notes

Liveness is authoritative in the ephemeral store: durable status=online plus
a missing liveness key means "expired, watchdog pending", and online
searches already exclude such agents.

M2M credential issuance on registration is fire-and-forget; an identity
provider outage logs a warning and the registration succeeds.

# See Also

  - pkg/storage for the agent repository and liveness keys
  - pkg/gateway for tunnel-driven registration of private-subnet agents
  - pkg/auth for API key authentication
*/
package registry
