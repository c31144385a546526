package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/acnlabs/acn/pkg/errs"
	"github.com/acnlabs/acn/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Rows are stored as JSONB documents keyed by id, mirroring the bolt layout,
// with expression indexes over the fields the secondary lookups filter on.
// The three atomic task operations take SELECT ... FOR UPDATE row locks.
const pgSchema = `
CREATE TABLE IF NOT EXISTS agents (
    id  TEXT PRIMARY KEY,
    doc JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_api_key ON agents ((doc->>'api_key'));
CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents ((doc->>'owner'));
CREATE INDEX IF NOT EXISTS idx_agents_token ON agents ((doc->'onchain'->>'token_id'));
CREATE INDEX IF NOT EXISTS idx_agents_skills ON agents USING GIN ((doc->'skills'));
CREATE INDEX IF NOT EXISTS idx_agents_subnets ON agents USING GIN ((doc->'subnet_ids'));

CREATE TABLE IF NOT EXISTS subnets (
    id  TEXT PRIMARY KEY,
    doc JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
    id  TEXT PRIMARY KEY,
    doc JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks ((doc->>'status'));
CREATE INDEX IF NOT EXISTS idx_tasks_creator ON tasks ((doc->>'creator_id'));
CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks ((doc->>'assignee_id'));
CREATE INDEX IF NOT EXISTS idx_tasks_skills ON tasks USING GIN ((doc->'required_skills'));

CREATE TABLE IF NOT EXISTS participations (
    id  TEXT PRIMARY KEY,
    doc JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_participations_task ON participations ((doc->>'task_id'));
CREATE INDEX IF NOT EXISTS idx_participations_agent ON participations ((doc->>'participant_id'));

CREATE TABLE IF NOT EXISTS activities (
    seq BIGSERIAL PRIMARY KEY,
    doc JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activities_task ON activities ((doc->>'task_id'));

CREATE TABLE IF NOT EXISTS audit_events (
    seq BIGSERIAL PRIMARY KEY,
    doc JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS dlq (
    id  TEXT PRIMARY KEY,
    doc JSONB NOT NULL
);
`

const pgOpTimeout = 5 * time.Second

// PostgresStore implements Store on PostgreSQL via pgxpool. Selected when
// DATABASE_URL is configured.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database and ensures the schema exists
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Pool exposes the underlying pool for health probes.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func pgCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), pgOpTimeout)
}

func (s *PostgresStore) upsert(table, id string, row interface{}) error {
	ctx, cancel := pgCtx()
	defer cancel()
	doc, err := json.Marshal(row)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`, table)
	_, err = s.pool.Exec(ctx, sql, id, doc)
	return err
}

func (s *PostgresStore) getDoc(table, id string, out interface{}, notFound error) error {
	ctx, cancel := pgCtx()
	defer cancel()
	var doc []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, table), id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(doc, out)
}

func (s *PostgresStore) deleteRow(table, id string) error {
	ctx, cancel := pgCtx()
	defer cancel()
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
	return err
}

// Agent operations

func (s *PostgresStore) CreateAgent(agent *types.Agent) error {
	return s.upsert("agents", agent.ID, agent)
}

func (s *PostgresStore) GetAgent(id string) (*types.Agent, error) {
	var agent types.Agent
	err := s.getDoc("agents", id, &agent,
		errs.EC(errs.NotFound, errs.CodeAgentNotFound, "agent not found: %s", id))
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *PostgresStore) getAgentWhere(where string, notFound error, args ...interface{}) (*types.Agent, error) {
	ctx, cancel := pgCtx()
	defer cancel()
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM agents WHERE `+where+` LIMIT 1`, args...).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound
	}
	if err != nil {
		return nil, err
	}
	var agent types.Agent
	if err := json.Unmarshal(doc, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *PostgresStore) GetAgentByAPIKey(apiKey string) (*types.Agent, error) {
	return s.getAgentWhere(`doc->>'api_key' = $1`,
		errs.EC(errs.NotFound, errs.CodeAgentNotFound, "agent not found for api key"), apiKey)
}

func (s *PostgresStore) GetAgentByOwnerEndpoint(owner, endpoint string) (*types.Agent, error) {
	return s.getAgentWhere(`doc->>'owner' = $1 AND doc->>'endpoint' = $2`,
		errs.EC(errs.NotFound, errs.CodeAgentNotFound, "agent not found for owner %s endpoint %s", owner, endpoint),
		owner, endpoint)
}

func (s *PostgresStore) GetAgentByTokenID(tokenID string) (*types.Agent, error) {
	return s.getAgentWhere(`doc->'onchain'->>'token_id' = $1`,
		errs.EC(errs.NotFound, errs.CodeAgentNotFound, "agent not found for token %s", tokenID), tokenID)
}

func (s *PostgresStore) queryAgents(sql string, args ...interface{}) ([]*types.Agent, error) {
	ctx, cancel := pgCtx()
	defer cancel()
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*types.Agent
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var agent types.Agent
		if err := json.Unmarshal(doc, &agent); err != nil {
			return nil, err
		}
		agents = append(agents, &agent)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) ListAgents() ([]*types.Agent, error) {
	return s.queryAgents(`SELECT doc FROM agents`)
}

func (s *PostgresStore) SearchAgents(q *AgentQuery) ([]*types.Agent, error) {
	sql := `SELECT doc FROM agents`
	var where []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q != nil {
		if len(q.Skills) > 0 {
			skills, err := json.Marshal(q.Skills)
			if err != nil {
				return nil, err
			}
			// Containment: the agent's skill array must include every
			// requested skill.
			where = append(where, fmt.Sprintf(`doc->'skills' @> %s::jsonb`, arg(skills)))
		}
		if q.SubnetID != "" {
			subnet, err := json.Marshal([]string{q.SubnetID})
			if err != nil {
				return nil, err
			}
			where = append(where, fmt.Sprintf(`doc->'subnet_ids' @> %s::jsonb`, arg(subnet)))
		}
		if q.Owner != "" {
			where = append(where, fmt.Sprintf(`doc->>'owner' = %s`, arg(q.Owner)))
		}
		if q.NameContains != "" {
			where = append(where, fmt.Sprintf(`doc->>'name' ILIKE %s`, arg("%"+q.NameContains+"%")))
		}
		if q.Status != "" {
			where = append(where, fmt.Sprintf(`doc->>'status' = %s`, arg(string(q.Status))))
		}
	}
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	return s.queryAgents(sql, args...)
}

func (s *PostgresStore) UpdateAgent(agent *types.Agent) error {
	return s.CreateAgent(agent)
}

func (s *PostgresStore) DeleteAgent(id string) error {
	return s.deleteRow("agents", id)
}

// Subnet operations

func (s *PostgresStore) CreateSubnet(subnet *types.Subnet) error {
	return s.upsert("subnets", subnet.ID, subnet)
}

func (s *PostgresStore) GetSubnet(id string) (*types.Subnet, error) {
	var subnet types.Subnet
	err := s.getDoc("subnets", id, &subnet, errs.E(errs.NotFound, "subnet not found: %s", id))
	if err != nil {
		return nil, err
	}
	return &subnet, nil
}

func (s *PostgresStore) ListSubnets() ([]*types.Subnet, error) {
	ctx, cancel := pgCtx()
	defer cancel()
	rows, err := s.pool.Query(ctx, `SELECT doc FROM subnets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subnets []*types.Subnet
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var subnet types.Subnet
		if err := json.Unmarshal(doc, &subnet); err != nil {
			return nil, err
		}
		subnets = append(subnets, &subnet)
	}
	return subnets, rows.Err()
}

func (s *PostgresStore) UpdateSubnet(subnet *types.Subnet) error {
	return s.CreateSubnet(subnet)
}

func (s *PostgresStore) DeleteSubnet(id string) error {
	return s.deleteRow("subnets", id)
}

// Task operations

func (s *PostgresStore) CreateTask(task *types.Task) error {
	return s.upsert("tasks", task.ID, task)
}

func (s *PostgresStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.getDoc("tasks", id, &task, errs.E(errs.NotFound, "task not found: %s", id))
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *PostgresStore) queryTasks(sql string, args ...interface{}) ([]*types.Task, error) {
	ctx, cancel := pgCtx()
	defer cancel()
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var task types.Task
		if err := json.Unmarshal(doc, &task); err != nil {
			return nil, err
		}
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) ListTasks() ([]*types.Task, error) {
	return s.queryTasks(`SELECT doc FROM tasks`)
}

func (s *PostgresStore) SearchTasks(q *TaskQuery) ([]*types.Task, error) {
	sql := `SELECT doc FROM tasks`
	var where []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q != nil {
		if q.Status != "" {
			where = append(where, fmt.Sprintf(`doc->>'status' = %s`, arg(string(q.Status))))
		}
		if q.CreatorID != "" {
			where = append(where, fmt.Sprintf(`doc->>'creator_id' = %s`, arg(q.CreatorID)))
		}
		if q.AssigneeID != "" {
			where = append(where, fmt.Sprintf(`doc->>'assignee_id' = %s`, arg(q.AssigneeID)))
		}
		if q.SubnetID != "" {
			where = append(where, fmt.Sprintf(`doc->'metadata'->>'subnet_id' = %s`, arg(q.SubnetID)))
		}
		if len(q.Skills) > 0 {
			skills, err := json.Marshal(q.Skills)
			if err != nil {
				return nil, err
			}
			// Subset: every required skill must be within the given set.
			where = append(where, fmt.Sprintf(`doc->'required_skills' <@ %s::jsonb`, arg(skills)))
		}
	}
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY doc->>'created_at' DESC`
	if q != nil && q.Limit > 0 {
		sql += fmt.Sprintf(` LIMIT %s`, arg(q.Limit))
	}
	return s.queryTasks(sql, args...)
}

func (s *PostgresStore) UpdateTask(task *types.Task) error {
	return s.CreateTask(task)
}

func (s *PostgresStore) DeleteTask(id string) error {
	return s.deleteRow("tasks", id)
}

func (s *PostgresStore) MutateTask(id string, fn func(*types.Task) error) (*types.Task, error) {
	ctx, cancel := pgCtx()
	defer cancel()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	task, err := lockTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(task); err != nil {
		return nil, err
	}
	if err := putTask(ctx, tx, task); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return task, nil
}

func lockTask(ctx context.Context, tx pgx.Tx, id string) (*types.Task, error) {
	var doc []byte
	err := tx.QueryRow(ctx, `SELECT doc FROM tasks WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.E(errs.NotFound, "task not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	var task types.Task
	if err := json.Unmarshal(doc, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func putTask(ctx context.Context, tx pgx.Tx, task *types.Task) error {
	doc, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `UPDATE tasks SET doc = $2 WHERE id = $1`, task.ID, doc)
	return err
}

// JoinTask inserts a participation under the task row lock. Capacity is
// counted from the participations table inside the transaction, never from
// the ephemeral counter.
func (s *PostgresStore) JoinTask(taskID string, p *types.Participation) error {
	ctx, cancel := pgCtx()
	defer cancel()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	task, err := lockTask(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if task.Status != types.TaskStatusOpen {
		return errs.E(errs.InvalidState, "task %s is not open for joining (status %s)", taskID, task.Status)
	}

	var active int
	err = tx.QueryRow(ctx, `SELECT count(*) FROM participations
		WHERE doc->>'task_id' = $1 AND doc->>'status' IN ('active', 'submitted')`, taskID).Scan(&active)
	if err != nil {
		return err
	}

	if !task.AllowRepeatBySame {
		var dup int
		err = tx.QueryRow(ctx, `SELECT count(*) FROM participations
			WHERE doc->>'task_id' = $1 AND doc->>'participant_id' = $2
			AND doc->>'status' NOT IN ('completed', 'rejected', 'cancelled')`,
			taskID, p.ParticipantID).Scan(&dup)
		if err != nil {
			return err
		}
		if dup > 0 {
			return errs.EC(errs.Conflict, errs.CodeAlreadyJoined,
				"agent %s already joined task %s", p.ParticipantID, taskID)
		}
	}

	if task.MaxCompletions > 0 && task.CompletedCount+active >= task.MaxCompletions {
		return errs.EC(errs.CapacityExceeded, errs.CodeTaskFull,
			"task %s is full (%d/%d completions)", taskID, task.CompletedCount+active, task.MaxCompletions)
	}

	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO participations (id, doc) VALUES ($1, $2)`, p.ID, doc); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func lockParticipation(ctx context.Context, tx pgx.Tx, id string) (*types.Participation, error) {
	var doc []byte
	err := tx.QueryRow(ctx, `SELECT doc FROM participations WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.E(errs.NotFound, "participation not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	var p types.Participation
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func putParticipation(ctx context.Context, tx pgx.Tx, p *types.Participation) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `UPDATE participations SET doc = $2 WHERE id = $1`, p.ID, doc)
	return err
}

func (s *PostgresStore) CancelParticipation(id string) (*types.Participation, error) {
	ctx, cancel := pgCtx()
	defer cancel()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := lockParticipation(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if p.Status.IsTerminal() {
		return nil, errs.E(errs.InvalidState, "participation %s is already %s", id, p.Status)
	}
	now := time.Now().UTC()
	p.Status = types.ParticipationCancelled
	p.CancelledAt = &now
	if err := putParticipation(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) CompleteParticipation(id string) (*types.Participation, *types.Task, error) {
	ctx, cancel := pgCtx()
	defer cancel()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := lockParticipation(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}
	if p.Status != types.ParticipationSubmitted {
		return nil, nil, errs.E(errs.InvalidState, "participation %s is %s, expected submitted", id, p.Status)
	}

	task, err := lockTask(ctx, tx, p.TaskID)
	if err != nil {
		return nil, nil, err
	}
	reward := task.Reward()
	if task.RemainingBudget().LessThan(reward) {
		return nil, nil, errs.EC(errs.InsufficientBudget, errs.CodeInsufficientBudget,
			"task %s budget exhausted: remaining %s < reward %s",
			task.ID, task.RemainingBudget().String(), reward.String())
	}

	now := time.Now().UTC()
	p.Status = types.ParticipationCompleted
	p.ReviewedAt = &now
	task.CompletedCount++
	task.ReleasedAmount = task.Released().Add(reward).String()

	if err := putParticipation(ctx, tx, p); err != nil {
		return nil, nil, err
	}
	if err := putTask(ctx, tx, task); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return p, task, nil
}

// Participation operations

func (s *PostgresStore) GetParticipation(id string) (*types.Participation, error) {
	var p types.Participation
	err := s.getDoc("participations", id, &p, errs.E(errs.NotFound, "participation not found: %s", id))
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) queryParticipations(sql string, args ...interface{}) ([]*types.Participation, error) {
	ctx, cancel := pgCtx()
	defer cancel()
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Participation
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var p types.Participation
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListParticipationsByTask(taskID string) ([]*types.Participation, error) {
	return s.queryParticipations(`SELECT doc FROM participations WHERE doc->>'task_id' = $1`, taskID)
}

func (s *PostgresStore) ListParticipationsByAgent(agentID string) ([]*types.Participation, error) {
	return s.queryParticipations(`SELECT doc FROM participations WHERE doc->>'participant_id' = $1`, agentID)
}

func (s *PostgresStore) MutateParticipation(id string, fn func(*types.Participation) error) (*types.Participation, error) {
	ctx, cancel := pgCtx()
	defer cancel()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := lockParticipation(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	if err := putParticipation(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Activity operations

func (s *PostgresStore) CreateActivity(activity *types.Activity) error {
	ctx, cancel := pgCtx()
	defer cancel()
	doc, err := json.Marshal(activity)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO activities (doc) VALUES ($1)`, doc)
	return err
}

func (s *PostgresStore) queryActivities(sql string, args ...interface{}) ([]*types.Activity, error) {
	ctx, cancel := pgCtx()
	defer cancel()
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Activity
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var a types.Activity
		if err := json.Unmarshal(doc, &a); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListActivitiesByTask(taskID string) ([]*types.Activity, error) {
	return s.queryActivities(`SELECT doc FROM activities WHERE doc->>'task_id' = $1 ORDER BY seq DESC`, taskID)
}

func (s *PostgresStore) ListRecentActivities(limit int) ([]*types.Activity, error) {
	if limit <= 0 {
		return s.queryActivities(`SELECT doc FROM activities ORDER BY seq DESC`)
	}
	return s.queryActivities(`SELECT doc FROM activities ORDER BY seq DESC LIMIT $1`, limit)
}

// Audit operations

func (s *PostgresStore) AppendAuditEvent(event *types.AuditEvent) error {
	ctx, cancel := pgCtx()
	defer cancel()
	doc, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `INSERT INTO audit_events (doc) VALUES ($1)`, doc); err != nil {
		return err
	}
	// Sequence numbers are monotone, so rows further than the cap behind the
	// head are safe to drop.
	_, err = s.pool.Exec(ctx,
		`DELETE FROM audit_events WHERE seq <= (SELECT max(seq) FROM audit_events) - $1`, maxAuditEvents)
	return err
}

func (s *PostgresStore) QueryAuditEvents(q *AuditQuery) ([]*types.AuditEvent, error) {
	sql := `SELECT doc FROM audit_events`
	var where []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q != nil {
		if q.Type != "" {
			where = append(where, fmt.Sprintf(`doc->>'type' = %s`, arg(string(q.Type))))
		}
		if q.Level != "" {
			where = append(where, fmt.Sprintf(`doc->>'level' = %s`, arg(string(q.Level))))
		}
		if q.AgentID != "" {
			ph := arg(q.AgentID)
			where = append(where, fmt.Sprintf(`(doc->>'actor_id' = %s OR doc->>'target_id' = %s)`, ph, ph))
		}
		if q.TaskID != "" {
			where = append(where, fmt.Sprintf(`doc->>'target_id' = %s`, arg(q.TaskID)))
		}
		if !q.Since.IsZero() {
			where = append(where, fmt.Sprintf(`(doc->>'timestamp')::timestamptz >= %s`, arg(q.Since)))
		}
	}
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY seq DESC`
	if q != nil && q.Limit > 0 {
		sql += fmt.Sprintf(` LIMIT %s`, arg(q.Limit))
	}

	ctx, cancel := pgCtx()
	defer cancel()
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.AuditEvent
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var e types.AuditEvent
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DLQ operations

func (s *PostgresStore) EnqueueDLQ(entry *types.DLQEntry) error {
	return s.upsert("dlq", entry.ID, entry)
}

func (s *PostgresStore) ListDLQ() ([]*types.DLQEntry, error) {
	ctx, cancel := pgCtx()
	defer cancel()
	rows, err := s.pool.Query(ctx, `SELECT doc FROM dlq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*types.DLQEntry
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var entry types.DLQEntry
		if err := json.Unmarshal(doc, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) UpdateDLQEntry(entry *types.DLQEntry) error {
	return s.EnqueueDLQ(entry)
}

func (s *PostgresStore) DeleteDLQEntry(id string) error {
	return s.deleteRow("dlq", id)
}
