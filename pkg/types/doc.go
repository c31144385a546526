/*
Package types defines the core data model for the Agent Collaboration Network.

The types package contains all domain entities shared across ACN components:
agents, subnets, tasks, participations, activities, audit events, dead-letter
entries, and broadcast results. Types are plain structs with JSON tags; the
same representation is stored by the persistence adapters and served by the
request surface (with credential fields redacted).

# Architecture

Entity relationships in the collaboration network:

	┌───────────────────── DATA MODEL ──────────────────────────┐
	│                                                             │
	│  ┌──────────┐   member of    ┌──────────┐                 │
	│  │  Agent   │───────────────▶│  Subnet  │                 │
	│  │          │  * subnet_ids  │          │                 │
	│  └────┬─────┘                └──────────┘                 │
	│       │                                                    │
	│       │ creates / accepts / joins                          │
	│       ▼                                                    │
	│  ┌──────────┐  1:N   ┌────────────────┐                   │
	│  │   Task   │───────▶│ Participation  │                   │
	│  │          │        │ (multi-agent)  │                   │
	│  └────┬─────┘        └────────────────┘                   │
	│       │                                                    │
	│       │ emits                                              │
	│       ▼                                                    │
	│  ┌──────────┐        ┌────────────────┐                   │
	│  │ Activity │        │  AuditEvent    │                   │
	│  │ (public) │        │  (operational) │                   │
	│  └──────────┘        └────────────────┘                   │
	│                                                             │
	│  Routing artifacts:                                         │
	│  ┌──────────┐        ┌────────────────┐                   │
	│  │ DLQEntry │        │BroadcastResult │                   │
	│  └──────────┘        └────────────────┘                   │
	└─────────────────────────────────────────────────────────┘

# Core Types

Agent:
  - Identity (agent_id UUID), owner principal, optional push endpoint
  - Capability tags (skills) and subnet memberships
  - Durable status (online/offline/busy); liveness itself is an ephemeral key
  - Autonomous credentials: API key (acn_ prefix, returned once), claim flow
  - Optional wallet address, payment capability, on-chain identity binding

Subnet:
  - Named agent grouping; "public" and "system" are reserved for the platform
  - Private subnets carry security schemes (bearer/apiKey/openIdConnect) and
    a generated secret token, stored but never listed

Task:
  - Paid unit of work; open (pull) or assigned (push) mode
  - Monetary fields as decimal strings; helpers return decimal.Decimal
  - Multi-participant support with capacity (max_completions) and repeats

Participation:
  - One agent's engagement with a multi-participant task
  - active → submitted → completed/rejected, or cancelled

Activity / AuditEvent:
  - Activity feeds dashboards (task_created, task_approved, ...)
  - AuditEvent feeds the operational stream (auth_failure, message_sent, ...)

DLQEntry / BroadcastResult / MessageLogEntry:
  - Routing artifacts for retry, fan-out reporting, and history

# Lifecycles

Agent:

	register/join ──▶ online ──heartbeat──▶ online (liveness renewed)
	                    │
	                    └── liveness expiry + watchdog ──▶ offline
	unregister deletes the row (idempotent on owner+endpoint)

Task:

	open ──accept/join──▶ assigned|in_progress ──submit──▶ submitted
	submitted ──review accept──▶ completed (repeatable: back to open)
	submitted ──review reject──▶ rejected
	any non-terminal ──cancel──▶ cancelled

Participation:

	active ──submit──▶ submitted ──review──▶ completed | rejected
	active|submitted ──cancel──▶ cancelled

# Invariants

  - agent_id unique; api_key (when set) unique; on-chain token id unique
  - subnet_ids never empty (always at least "public")
  - released_amount + pending releases ≤ total_budget
  - at most one non-terminal participation per (task, participant) unless
    allow_repeat_by_same
  - reserved subnet ids are rejected in NewSubnet for non-system owners

# Usage

Creating a subnet (reserved ids enforced at the constructor):

	sn, err := types.NewSubnet("team-a", "Team A", "alice", true)
	if err != nil {
		return err
	}

Checking capability match:

	if agent.HasSkills(task.RequiredSkills) {
		// eligible
	}

Money arithmetic:

	remaining := task.RemainingBudget()           // decimal.Decimal
	if remaining.LessThan(task.Reward()) {
		// insufficient budget
	}

Redacting before listing:

	out := make([]*types.Agent, len(agents))
	for i, a := range agents {
		out[i] = a.Redacted()
	}

# Integration Points

This package is imported by:

  - pkg/storage: Serializes these types to bolt buckets / Postgres rows
  - pkg/registry: Agent lifecycle and discovery
  - pkg/gateway: Subnet auth and tunnel registration
  - pkg/router: DLQEntry, BroadcastResult, MessageLogEntry
  - pkg/tasks: Task and Participation lifecycle
  - pkg/api: Request/response bodies (after redaction)

# See Also

  - pkg/storage for the repository contracts over these types
  - pkg/errs for the error taxonomy raised on invariant violations
*/
package types
