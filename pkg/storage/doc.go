/*
Package storage provides durable and ephemeral state persistence for the
collaboration network.

Durable state (agents, subnets, tasks, participations, activities, audit
events, the dead-letter queue) lives behind the Store interface with two
interchangeable backends: an embedded BoltDB file for single-binary
deployments and PostgreSQL for deployments that already run a relational
database. Rows are serialized as JSON in both backends so the two stay
byte-compatible; the migration tool copies documents verbatim.

Ephemeral state (liveness keys, active-participant counters, completion
sets, broadcast results, message history, webhook delivery history) lives
behind the Ephemeral interface on an in-process TTL cache. It is
authoritative for liveness and advisory everywhere else.

# Architecture

	┌───────────────────────── STORAGE ─────────────────────────┐
	│                                                            │
	│  ┌──────────────────────┐      ┌──────────────────────┐   │
	│  │        Store         │      │      Ephemeral       │   │
	│  │  (durable entities)  │      │  (TTL'd hot state)   │   │
	│  └──────────┬───────────┘      └──────────┬───────────┘   │
	│             │                             │               │
	│    ┌────────┴────────┐                    │               │
	│    ▼                 ▼                    ▼               │
	│  ┌───────────┐  ┌────────────┐  ┌──────────────────────┐ │
	│  │ BoltStore │  │ PostgresSt │  │   MemoryEphemeral    │ │
	│  │ acn.db    │  │ pgxpool +  │  │  go-cache, acn:-     │ │
	│  │ bucket/   │  │ JSONB docs │  │  prefixed keys       │ │
	│  │ entity    │  │ row locks  │  │                      │ │
	│  └───────────┘  └────────────┘  └──────────────────────┘ │
	└────────────────────────────────────────────────────────────┘

# Core Components

Store:
  - CRUD plus secondary lookups per entity
  - Three atomic task operations: JoinTask, CancelParticipation,
    CompleteParticipation
  - MutateTask/MutateParticipation for guarded status transitions
  - Append-only activity and audit streams (audit capped at 100k rows)

BoltStore:
  - One bucket per entity, JSON rows keyed by id
  - Bolt's single-writer model serializes the atomic operations
  - Activities and audit events keyed by big-endian sequence numbers
    so reverse cursor walks yield newest-first

PostgresStore:
  - JSONB document per row, expression and GIN indexes for the
    secondary lookups (api_key, owner, skills, subnet membership)
  - SELECT ... FOR UPDATE row locks inside the atomic operations
  - Skill queries use JSONB containment: @> for "has all skills",
    <@ for "required skills within agent's set"

MemoryEphemeral:
  - Liveness keys with grace/renew TTLs; IsAlive is the single
    source of truth for online-right-now
  - Active-participant counters floor at zero on decrement
  - Broadcast results kept 24h, message history capped at 200
    entries per agent, webhook deliveries kept 7 days

# Usage

	store, err := storage.Open(cfg)
	if err != nil {
		log.Fatal("storage", err)
	}
	defer store.Close()

	eph := storage.NewMemoryEphemeral()

	// Atomic join: capacity and duplicates are checked under the row
	// lock; the ephemeral counter is only touched after commit.
	if err := store.JoinTask(taskID, p); err != nil {
		return err
	}
	eph.IncrActiveCount(taskID)

# Design Notes

Capacity is always counted from durable participations inside the lock,
never from the ephemeral counter; the counter exists so list endpoints
avoid a count query per task row.

Not-found conditions surface as errs.NotFound so the request surface
maps them to 404 without string matching. The atomic operations return
the coded errors callers branch on: TASK_FULL, ALREADY_JOINED,
INSUFFICIENT_BUDGET.

# Integration Points

  - pkg/registry: agents, liveness keys, watchdog scans
  - pkg/tasks: tasks, participations, counters, completion sets
  - pkg/router: DLQ entries, message history, broadcast results
  - pkg/gateway: subnets
  - pkg/audit: activity and audit streams
  - cmd/acn-migrate: copies documents between the two backends

# See Also

  - pkg/types for entity definitions
  - BoltDB documentation: https://github.com/etcd-io/bbolt
  - pgx documentation: https://github.com/jackc/pgx
*/
package storage
