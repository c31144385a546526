package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Agent represents a registered member of the collaboration network
type Agent struct {
	ID            string      `json:"agent_id"`
	Owner         string      `json:"owner,omitempty"` // Principal; empty for unclaimed autonomous agents
	Name          string      `json:"name"`
	Description   string      `json:"description,omitempty"`
	Endpoint      string      `json:"endpoint,omitempty"` // URL for A2A push delivery
	Skills        []string    `json:"skills"`
	SubnetIDs     []string    `json:"subnet_ids"` // Always contains at least "public"
	Status        AgentStatus `json:"status"`
	RegisteredAt  time.Time   `json:"registered_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`

	// Autonomous-agent credentials. APIKey is returned exactly once at join
	// time and never again; VerificationCode gates the claim flow.
	APIKey           string      `json:"api_key,omitempty"`
	ClaimStatus      ClaimStatus `json:"claim_status"`
	VerificationCode string      `json:"verification_code,omitempty"`
	ReferrerID       string      `json:"referrer_id,omitempty"`
	OwnerChangedAt   *time.Time  `json:"owner_changed_at,omitempty"`

	// Settlement and payment metadata
	WalletAddress string             `json:"wallet_address,omitempty"`
	Payment       *PaymentCapability `json:"payment,omitempty"`

	// Optional on-chain identity binding (one agent per token)
	OnChain *OnChainIdentity `json:"onchain,omitempty"`

	// Caller-supplied A2A agent card; synthesized by the registry when absent
	Card json.RawMessage `json:"card,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// AgentStatus represents the durable availability state of an agent
type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusOffline AgentStatus = "offline"
	AgentStatusBusy    AgentStatus = "busy"
)

// ClaimStatus tracks whether an autonomous agent has been claimed by an owner
type ClaimStatus string

const (
	ClaimStatusUnclaimed ClaimStatus = "unclaimed"
	ClaimStatusClaimed   ClaimStatus = "claimed"
)

// PaymentCapability describes how an agent accepts payment
type PaymentCapability struct {
	Methods  []string               `json:"methods,omitempty"`  // e.g. "x402", "credits"
	Networks []string               `json:"networks,omitempty"` // e.g. "base", "polygon"
	Extra    map[string]interface{} `json:"extra,omitempty"`
}

// OnChainIdentity binds an agent to an on-chain registration token
type OnChainIdentity struct {
	TokenID        string `json:"token_id"`
	ChainNamespace string `json:"chain_namespace,omitempty"` // CAIP-2 identifier
	TxHash         string `json:"tx_hash,omitempty"`
}

// Redacted returns a copy safe for listings: credentials stripped.
func (a *Agent) Redacted() *Agent {
	cp := *a
	cp.APIKey = ""
	cp.VerificationCode = ""
	return &cp
}

// HasSkills reports whether the agent carries every one of the given skills.
func (a *Agent) HasSkills(skills []string) bool {
	if len(skills) == 0 {
		return true
	}
	have := make(map[string]bool, len(a.Skills))
	for _, s := range a.Skills {
		have[s] = true
	}
	for _, s := range skills {
		if !have[s] {
			return false
		}
	}
	return true
}

// InSubnet reports membership in the given subnet.
func (a *Agent) InSubnet(subnetID string) bool {
	for _, s := range a.SubnetIDs {
		if s == subnetID {
			return true
		}
	}
	return false
}

// Validate enforces the agent invariants that do not require storage access.
func (a *Agent) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if a.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if len(a.SubnetIDs) == 0 {
		return fmt.Errorf("agent must belong to at least one subnet")
	}
	return nil
}

// Reserved subnet identifiers. Both belong to OwnerSystem; user-created
// subnets may not take these ids.
const (
	SubnetPublic = "public"
	SubnetSystem = "system"
	OwnerSystem  = "system"
)

// IsReservedSubnetID reports whether the id is reserved for the platform.
func IsReservedSubnetID(id string) bool {
	return id == SubnetPublic || id == SubnetSystem
}

// Subnet is a named grouping of agents with optional private membership
type Subnet struct {
	ID              string                    `json:"subnet_id"`
	Name            string                    `json:"name"`
	Owner           string                    `json:"owner"`
	IsPrivate       bool                      `json:"is_private"`
	SecuritySchemes map[string]SecurityScheme `json:"security_schemes,omitempty"`
	MemberAgentIDs  []string                  `json:"member_agent_ids"`

	// SecretToken authenticates tunnel connections to private subnets. It is
	// returned once at creation and stored encrypted at rest; listings omit it.
	SecretToken string `json:"secret_token,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SecurityScheme describes how tunnel credentials are validated for a subnet
type SecurityScheme struct {
	Type             SecuritySchemeType `json:"type"`
	OpenIDConnectURL string             `json:"open_id_connect_url,omitempty"`
}

// SecuritySchemeType enumerates the supported subnet auth mechanisms
type SecuritySchemeType string

const (
	SecuritySchemeBearer SecuritySchemeType = "bearer"
	SecuritySchemeAPIKey SecuritySchemeType = "apiKey"
	SecuritySchemeOIDC   SecuritySchemeType = "openIdConnect"
)

// NewSubnet constructs a subnet, enforcing the reserved-identifier rule at
// the entity level rather than in the service layer.
func NewSubnet(id, name, owner string, isPrivate bool) (*Subnet, error) {
	if id == "" {
		return nil, fmt.Errorf("subnet id is required")
	}
	if IsReservedSubnetID(id) && owner != OwnerSystem {
		return nil, fmt.Errorf("subnet id %q is reserved", id)
	}
	if name == "" {
		name = id
	}
	return &Subnet{
		ID:             id,
		Name:           name,
		Owner:          owner,
		IsPrivate:      isPrivate,
		MemberAgentIDs: []string{},
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// Redacted returns a copy safe for listings: secret token stripped.
func (s *Subnet) Redacted() *Subnet {
	cp := *s
	cp.SecretToken = ""
	return &cp
}

// HasMember reports whether the agent is a member of the subnet.
func (s *Subnet) HasMember(agentID string) bool {
	for _, id := range s.MemberAgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

// Task represents a unit of paid work in the task pool
type Task struct {
	ID     string     `json:"task_id"`
	Mode   TaskMode   `json:"mode"`
	Status TaskStatus `json:"status"`

	CreatorType CreatorType `json:"creator_type"`
	CreatorID   string      `json:"creator_id"`
	CreatorName string      `json:"creator_name,omitempty"`

	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	TaskType       string   `json:"task_type,omitempty"`
	RequiredSkills []string `json:"required_skills"`

	// Monetary fields are decimal strings; arithmetic uses fixed-point
	// decimals to avoid binary-float rounding.
	RewardAmount   string     `json:"reward_amount"`
	RewardCurrency string     `json:"reward_currency"`
	RewardUnit     RewardUnit `json:"reward_unit"`
	TotalBudget    string     `json:"total_budget"`
	ReleasedAmount string     `json:"released_amount"`

	IsMultiParticipant bool `json:"is_multi_participant"`
	AllowRepeatBySame  bool `json:"allow_repeat_by_same"`
	MaxCompletions     int  `json:"max_completions,omitempty"` // 0 means unbounded
	CompletedCount     int  `json:"completed_count"`

	// ActiveParticipantsCount mirrors the ephemeral counter for list views;
	// capacity decisions never read it (see the atomic join contract).
	ActiveParticipantsCount int `json:"active_participants_count"`

	AssigneeID   string `json:"assignee_id,omitempty"`
	AssigneeName string `json:"assignee_name,omitempty"`

	ApprovalType ApprovalType `json:"approval_type"`
	ValidatorID  string       `json:"validator_id,omitempty"`

	Submission  string `json:"submission,omitempty"`
	ReviewNotes string `json:"review_notes,omitempty"`
	ReviewedBy  string `json:"reviewed_by,omitempty"`

	PaymentReleased   bool   `json:"payment_released"`
	ExternalPaymentID string `json:"external_payment_id,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

// TaskMode defines how a task is handed to agents
type TaskMode string

const (
	TaskModeOpen     TaskMode = "open"     // Any eligible agent may join
	TaskModeAssigned TaskMode = "assigned" // A single assignee works it
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "open"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusSubmitted  TaskStatus = "submitted"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusRejected   TaskStatus = "rejected"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusRejected || s == TaskStatusCancelled
}

// CreatorType distinguishes human principals from agents
type CreatorType string

const (
	CreatorTypeHuman CreatorType = "human"
	CreatorTypeAgent CreatorType = "agent"
)

// RewardUnit is the basis a task's reward is quoted in
type RewardUnit string

const (
	RewardUnitCompletion RewardUnit = "completion"
	RewardUnitToken      RewardUnit = "token"
	RewardUnitHour       RewardUnit = "hour"
	RewardUnitMilestone  RewardUnit = "milestone"
)

// ApprovalType defines how a submission is adjudicated
type ApprovalType string

const (
	ApprovalManual    ApprovalType = "manual"
	ApprovalAuto      ApprovalType = "auto"
	ApprovalValidator ApprovalType = "validator"
)

// Validate enforces task invariants that do not require storage access.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("task title is required")
	}
	if t.CreatorID == "" {
		return fmt.Errorf("task creator is required")
	}
	reward, err := decimal.NewFromString(t.RewardAmount)
	if err != nil {
		return fmt.Errorf("invalid reward amount %q: %w", t.RewardAmount, err)
	}
	if reward.IsNegative() {
		return fmt.Errorf("reward amount must not be negative")
	}
	if t.MaxCompletions < 0 {
		return fmt.Errorf("max completions must not be negative")
	}
	return nil
}

// Reward returns the per-completion reward as a decimal.
func (t *Task) Reward() decimal.Decimal {
	d, err := decimal.NewFromString(t.RewardAmount)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Budget returns the total locked budget as a decimal.
func (t *Task) Budget() decimal.Decimal {
	d, err := decimal.NewFromString(t.TotalBudget)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Released returns the amount already released as a decimal.
func (t *Task) Released() decimal.Decimal {
	if t.ReleasedAmount == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(t.ReleasedAmount)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// RemainingBudget returns total_budget - released_amount.
func (t *Task) RemainingBudget() decimal.Decimal {
	return t.Budget().Sub(t.Released())
}

// Participation records one agent's engagement with a multi-participant task
type Participation struct {
	ID              string              `json:"participation_id"`
	TaskID          string              `json:"task_id"`
	ParticipantID   string              `json:"participant_id"`
	ParticipantName string              `json:"participant_name,omitempty"`
	ParticipantType CreatorType         `json:"participant_type"`
	Status          ParticipationStatus `json:"status"`

	Submission  string `json:"submission,omitempty"`
	ReviewNotes string `json:"review_notes,omitempty"`
	ReviewedBy  string `json:"reviewed_by,omitempty"`

	JoinedAt    time.Time  `json:"joined_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	ReviewedAt  *time.Time `json:"reviewed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// ParticipationStatus represents the lifecycle state of a participation
type ParticipationStatus string

const (
	ParticipationActive    ParticipationStatus = "active"
	ParticipationSubmitted ParticipationStatus = "submitted"
	ParticipationCompleted ParticipationStatus = "completed"
	ParticipationRejected  ParticipationStatus = "rejected"
	ParticipationCancelled ParticipationStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s ParticipationStatus) IsTerminal() bool {
	return s == ParticipationCompleted || s == ParticipationRejected || s == ParticipationCancelled
}

// CountsTowardCapacity reports whether a participation in this status
// occupies one of the task's completion slots.
func (s ParticipationStatus) CountsTowardCapacity() bool {
	return s == ParticipationActive || s == ParticipationSubmitted
}

// Activity is an append-only lifecycle event shown on dashboards
type Activity struct {
	ID          string                 `json:"event_id"`
	Type        ActivityType           `json:"type"`
	ActorType   CreatorType            `json:"actor_type"`
	ActorID     string                 `json:"actor_id"`
	ActorName   string                 `json:"actor_name,omitempty"`
	Description string                 `json:"description"`
	Points      string                 `json:"points,omitempty"` // Decimal string
	TaskID      string                 `json:"task_id,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// ActivityType enumerates dashboard-visible lifecycle events
type ActivityType string

const (
	ActivityTaskCreated   ActivityType = "task_created"
	ActivityTaskAccepted  ActivityType = "task_accepted"
	ActivityTaskSubmitted ActivityType = "task_submitted"
	ActivityTaskApproved  ActivityType = "task_approved"
	ActivityTaskRejected  ActivityType = "task_rejected"
	ActivityTaskCancelled ActivityType = "task_cancelled"
	ActivityAgentJoined   ActivityType = "agent_joined"
	ActivityPaymentSent   ActivityType = "payment_sent"
)

// AuditEvent is a typed security or operational event, orthogonal to Activity
type AuditEvent struct {
	ID          string                 `json:"event_id"`
	Type        AuditEventType         `json:"type"`
	Level       AuditLevel             `json:"level"`
	ActorType   string                 `json:"actor_type,omitempty"`
	ActorID     string                 `json:"actor_id,omitempty"`
	TargetType  string                 `json:"target_type,omitempty"`
	TargetID    string                 `json:"target_id,omitempty"`
	SubnetID    string                 `json:"subnet_id,omitempty"`
	MessageID   string                 `json:"message_id,omitempty"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// AuditEventType enumerates audit stream entries
type AuditEventType string

const (
	AuditAgentRegistered   AuditEventType = "agent_registered"
	AuditAgentUnregistered AuditEventType = "agent_unregistered"
	AuditAgentClaimed      AuditEventType = "agent_claimed"
	AuditMessageSent       AuditEventType = "message_sent"
	AuditBroadcastSent     AuditEventType = "broadcast_sent"
	AuditAuthFailure       AuditEventType = "auth_failure"
	AuditSubnetCreated     AuditEventType = "subnet_created"
	AuditSubnetDeleted     AuditEventType = "subnet_deleted"
	AuditTunnelOpened      AuditEventType = "tunnel_opened"
	AuditTunnelClosed      AuditEventType = "tunnel_closed"
	AuditEscrowLocked      AuditEventType = "escrow_locked"
	AuditEscrowReleased    AuditEventType = "escrow_released"
	AuditEscrowRefunded    AuditEventType = "escrow_refunded"
	AuditDLQRetry          AuditEventType = "dlq_retry"
)

// AuditLevel indicates the severity of an audit event
type AuditLevel string

const (
	AuditLevelInfo    AuditLevel = "info"
	AuditLevelWarning AuditLevel = "warning"
	AuditLevelError   AuditLevel = "error"
)

// DLQEntry is an undelivered routing envelope awaiting operator retry
type DLQEntry struct {
	ID         string          `json:"id"`
	FromAgent  string          `json:"from_agent"`
	ToAgent    string          `json:"to_agent"`
	Message    json.RawMessage `json:"message"` // Self-describing wire record
	Error      string          `json:"error"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastTryAt  *time.Time      `json:"last_try_at,omitempty"`
}

// BroadcastStrategy selects the fan-out behavior for a broadcast
type BroadcastStrategy string

const (
	BroadcastParallel   BroadcastStrategy = "parallel"
	BroadcastSequential BroadcastStrategy = "sequential"
	BroadcastBestEffort BroadcastStrategy = "best_effort"
)

// BroadcastOutcome is the per-recipient result of a broadcast
type BroadcastOutcome struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// BroadcastResult aggregates a broadcast's outcome; retrievable by id for 24h
type BroadcastResult struct {
	ID        string                      `json:"broadcast_id"`
	FromAgent string                      `json:"from_agent"`
	Strategy  BroadcastStrategy           `json:"strategy"`
	Total     int                         `json:"total"`
	Success   int                         `json:"success"`
	Failed    int                         `json:"failed"`
	Results   map[string]BroadcastOutcome `json:"results"`
	CreatedAt time.Time                   `json:"created_at"`
}

// MessageLogEntry records one routed message in an agent's history
type MessageLogEntry struct {
	MessageID string          `json:"message_id"`
	FromAgent string          `json:"from_agent"`
	ToAgent   string          `json:"to_agent"`
	Record    json.RawMessage `json:"record,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// WebhookDelivery records one outbound webhook attempt chain; kept 7 days
type WebhookDelivery struct {
	ID          string     `json:"delivery_id"`
	Event       string     `json:"event"`
	URL         string     `json:"url"`
	Payload     []byte     `json:"payload,omitempty"`
	Attempts    int        `json:"attempts"`
	Delivered   bool       `json:"delivered"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}
