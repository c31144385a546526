/*
Package log provides structured logging for ACN using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Architecture

ACN's logging system provides structured JSON logging with minimal overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("registry")                │          │
	│  │  - WithAgentID("agent-abc123")              │          │
	│  │  - WithSubnetID("team-a")                   │          │
	│  │  - WithTaskID("task-def456")                │          │
	│  │  - WithRequestID("req-789")                 │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "router",                   │          │
	│  │    "time": "2026-02-10T10:30:00Z",         │          │
	│  │    "message": "message routed"              │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM INF message routed component=router│          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all ACN packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithAgentID: Add agent ID context
  - WithSubnetID: Add subnet ID context
  - WithTaskID: Add task ID context
  - WithRequestID: Add request correlation context

# Usage

Initializing the Logger:

	import "github.com/acnlabs/acn/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
	})

Basic Logging:

	log.Info("gateway started")
	log.Debug("checking liveness keys")
	log.Warn("agent heartbeat missed")
	log.Error("failed to deliver message")

Component Loggers:

	var logger = log.WithComponent("registry")

	logger.Info().
		Str("agent_id", agent.ID).
		Str("owner", agent.Owner).
		Msg("agent registered")

Error Logging with Context:

	logger.Error().
		Err(err).
		Str("to_agent", toAgent).
		Str("endpoint", endpoint).
		Msg("a2a send failed")

Structured Fields:

	logger.Info().
		Str("task_id", task.ID).
		Str("reward", task.RewardAmount).
		Int("max_completions", task.MaxCompletions).
		Msg("task created")

# Log Fields Conventions

Standard fields used across ACN components:

	component     Component emitting the log (registry, gateway, router, tasks)
	agent_id      Agent identifier
	subnet_id     Subnet identifier
	task_id       Task identifier
	request_id    Correlation id for gateway request forwarding
	broadcast_id  Broadcast batch identifier
	connection_id Gateway tunnel connection identifier
	owner         Principal that owns an agent or subnet
	error         Error message (via .Err(err))

# Integration Points

This package integrates with:

  - pkg/registry: Registration, liveness, and watchdog logs
  - pkg/gateway: Connection lifecycle and frame handling logs
  - pkg/router: Delivery, broadcast, and DLQ logs
  - pkg/tasks: Task lifecycle and settlement logs
  - pkg/api: HTTP request logging middleware
  - pkg/webhook: Delivery attempt logs

# Performance Characteristics

Zerolog is a zero-allocation JSON logger:

  - Disabled levels: ~1ns per call (no allocation)
  - Enabled levels: ~30-50ns per field
  - JSON encoding: No reflection, direct buffer writes
  - Console writer: Slower (pretty printing), development only

Production guidance: run at info level with JSON output; debug level is safe
to enable temporarily but routing and heartbeat paths are chatty.

# Best Practices

Do:
  - Create component loggers once at package level
  - Use structured fields instead of formatted strings
  - Pass errors via .Err(err), not in the message
  - Keep messages lowercase and action-oriented

Don't:
  - Log secrets (API keys, subnet tokens, operator tokens)
  - Log full A2A message bodies at info level
  - Call log.Init() more than once outside tests

# See Also

  - pkg/api for request logging middleware
  - pkg/metrics for quantitative instrumentation
  - zerolog documentation: https://github.com/rs/zerolog
*/
package log
