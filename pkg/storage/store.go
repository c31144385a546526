package storage

import (
	"time"

	"github.com/acnlabs/acn/pkg/types"
)

// AgentQuery narrows SearchAgents. Zero-valued fields are ignored.
// Skills use AND semantics: an agent matches only if it has every skill.
type AgentQuery struct {
	Skills       []string
	SubnetID     string
	Owner        string
	NameContains string
	Status       types.AgentStatus
}

// TaskQuery narrows SearchTasks. Zero-valued fields are ignored.
// Skills select tasks whose required skills are a subset of the given set.
type TaskQuery struct {
	Status     types.TaskStatus
	CreatorID  string
	AssigneeID string
	SubnetID   string
	Skills     []string
	Limit      int
}

// AuditQuery narrows QueryAuditEvents. Zero-valued fields are ignored.
type AuditQuery struct {
	Type    types.AuditEventType
	Level   types.AuditLevel
	AgentID string
	TaskID  string
	Since   time.Time
	Limit   int
}

// Store defines the interface for durable collaboration-network state.
// Implemented by BoltStore (default) and PostgresStore (DATABASE_URL set).
//
// Writes are last-write-wins on the full row except JoinTask,
// CancelParticipation, CompleteParticipation, MutateTask and
// MutateParticipation, which serialize on the affected rows.
type Store interface {
	// Agents
	CreateAgent(agent *types.Agent) error
	GetAgent(id string) (*types.Agent, error)
	GetAgentByAPIKey(apiKey string) (*types.Agent, error)
	GetAgentByOwnerEndpoint(owner, endpoint string) (*types.Agent, error)
	GetAgentByTokenID(tokenID string) (*types.Agent, error)
	ListAgents() ([]*types.Agent, error)
	SearchAgents(q *AgentQuery) ([]*types.Agent, error)
	UpdateAgent(agent *types.Agent) error
	DeleteAgent(id string) error

	// Subnets
	CreateSubnet(subnet *types.Subnet) error
	GetSubnet(id string) (*types.Subnet, error)
	ListSubnets() ([]*types.Subnet, error)
	UpdateSubnet(subnet *types.Subnet) error
	DeleteSubnet(id string) error

	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	SearchTasks(q *TaskQuery) ([]*types.Task, error)
	UpdateTask(task *types.Task) error
	DeleteTask(id string) error

	// MutateTask applies fn to the task row under a row lock and persists
	// the result. fn returning an error aborts without writing. Used for
	// every guarded status transition outside the three ops below.
	MutateTask(id string, fn func(*types.Task) error) (*types.Task, error)

	// JoinTask inserts a participation if and only if, under the task row
	// lock, the task is open, capacity remains (completed_count plus
	// participations in {active, submitted} stays below max_completions)
	// and no duplicate non-terminal participation exists for the agent
	// when repeats are disallowed. Fails with TASK_FULL or ALREADY_JOINED.
	JoinTask(taskID string, p *types.Participation) error

	// CancelParticipation transitions a non-terminal participation to
	// cancelled under its row lock and stamps the time.
	CancelParticipation(id string) (*types.Participation, error)

	// CompleteParticipation transitions a submitted participation to
	// completed. In the same transaction it increments the task's
	// completed_count, checks remaining budget against the reward and
	// increments released_amount. Returns the updated rows.
	CompleteParticipation(id string) (*types.Participation, *types.Task, error)

	// Participations
	GetParticipation(id string) (*types.Participation, error)
	ListParticipationsByTask(taskID string) ([]*types.Participation, error)
	ListParticipationsByAgent(agentID string) ([]*types.Participation, error)
	MutateParticipation(id string, fn func(*types.Participation) error) (*types.Participation, error)

	// Activities
	CreateActivity(activity *types.Activity) error
	ListActivitiesByTask(taskID string) ([]*types.Activity, error)
	ListRecentActivities(limit int) ([]*types.Activity, error)

	// Audit events (append-only, pruned beyond maxAuditEvents)
	AppendAuditEvent(event *types.AuditEvent) error
	QueryAuditEvents(q *AuditQuery) ([]*types.AuditEvent, error)

	// Dead-letter queue
	EnqueueDLQ(entry *types.DLQEntry) error
	ListDLQ() ([]*types.DLQEntry, error)
	UpdateDLQEntry(entry *types.DLQEntry) error
	DeleteDLQEntry(id string) error

	// Utility
	Close() error
}

// maxAuditEvents caps the audit stream; the oldest rows are pruned on append.
const maxAuditEvents = 100000
