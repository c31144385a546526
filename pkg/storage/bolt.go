package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/acnlabs/acn/pkg/errs"
	"github.com/acnlabs/acn/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketAgents         = []byte("agents")
	bucketSubnets        = []byte("subnets")
	bucketTasks          = []byte("tasks")
	bucketParticipations = []byte("participations")
	bucketActivities     = []byte("activities")
	bucketAuditEvents    = []byte("audit_events")
	bucketDLQ            = []byte("dlq")
)

// BoltStore implements Store using BoltDB. Bolt admits a single writer, so
// every db.Update runs serialized; the atomic task operations lean on that
// instead of explicit row locks.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "acn.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketAgents,
			bucketSubnets,
			bucketTasks,
			bucketParticipations,
			bucketActivities,
			bucketAuditEvents,
			bucketDLQ,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Agent operations

func (s *BoltStore) CreateAgent(agent *types.Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		data, err := json.Marshal(agent)
		if err != nil {
			return err
		}
		return b.Put([]byte(agent.ID), data)
	})
}

func (s *BoltStore) GetAgent(id string) (*types.Agent, error) {
	var agent types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		data := b.Get([]byte(id))
		if data == nil {
			return errs.EC(errs.NotFound, errs.CodeAgentNotFound, "agent not found: %s", id)
		}
		return json.Unmarshal(data, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *BoltStore) GetAgentByAPIKey(apiKey string) (*types.Agent, error) {
	var found *types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		return b.ForEach(func(k, v []byte) error {
			var agent types.Agent
			if err := json.Unmarshal(v, &agent); err != nil {
				return err
			}
			if agent.APIKey != "" && agent.APIKey == apiKey {
				found = &agent
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errs.EC(errs.NotFound, errs.CodeAgentNotFound, "agent not found for api key")
	}
	return found, nil
}

func (s *BoltStore) GetAgentByOwnerEndpoint(owner, endpoint string) (*types.Agent, error) {
	var found *types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		return b.ForEach(func(k, v []byte) error {
			var agent types.Agent
			if err := json.Unmarshal(v, &agent); err != nil {
				return err
			}
			if agent.Owner == owner && agent.Endpoint == endpoint {
				found = &agent
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errs.EC(errs.NotFound, errs.CodeAgentNotFound, "agent not found for owner %s endpoint %s", owner, endpoint)
	}
	return found, nil
}

func (s *BoltStore) GetAgentByTokenID(tokenID string) (*types.Agent, error) {
	var found *types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		return b.ForEach(func(k, v []byte) error {
			var agent types.Agent
			if err := json.Unmarshal(v, &agent); err != nil {
				return err
			}
			if agent.OnChain != nil && agent.OnChain.TokenID == tokenID {
				found = &agent
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errs.EC(errs.NotFound, errs.CodeAgentNotFound, "agent not found for token %s", tokenID)
	}
	return found, nil
}

func (s *BoltStore) ListAgents() ([]*types.Agent, error) {
	var agents []*types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		return b.ForEach(func(k, v []byte) error {
			var agent types.Agent
			if err := json.Unmarshal(v, &agent); err != nil {
				return err
			}
			agents = append(agents, &agent)
			return nil
		})
	})
	return agents, err
}

func (s *BoltStore) SearchAgents(q *AgentQuery) ([]*types.Agent, error) {
	var agents []*types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		return b.ForEach(func(k, v []byte) error {
			var agent types.Agent
			if err := json.Unmarshal(v, &agent); err != nil {
				return err
			}
			if matchAgent(&agent, q) {
				agents = append(agents, &agent)
			}
			return nil
		})
	})
	return agents, err
}

func matchAgent(agent *types.Agent, q *AgentQuery) bool {
	if q == nil {
		return true
	}
	if !agent.HasSkills(q.Skills) {
		return false
	}
	if q.SubnetID != "" && !agent.InSubnet(q.SubnetID) {
		return false
	}
	if q.Owner != "" && agent.Owner != q.Owner {
		return false
	}
	if q.NameContains != "" && !strings.Contains(strings.ToLower(agent.Name), strings.ToLower(q.NameContains)) {
		return false
	}
	if q.Status != "" && agent.Status != q.Status {
		return false
	}
	return true
}

func (s *BoltStore) UpdateAgent(agent *types.Agent) error {
	return s.CreateAgent(agent) // Same as create (upsert)
}

func (s *BoltStore) DeleteAgent(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		return b.Delete([]byte(id))
	})
}

// Subnet operations

func (s *BoltStore) CreateSubnet(subnet *types.Subnet) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubnets)
		data, err := json.Marshal(subnet)
		if err != nil {
			return err
		}
		return b.Put([]byte(subnet.ID), data)
	})
}

func (s *BoltStore) GetSubnet(id string) (*types.Subnet, error) {
	var subnet types.Subnet
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubnets)
		data := b.Get([]byte(id))
		if data == nil {
			return errs.E(errs.NotFound, "subnet not found: %s", id)
		}
		return json.Unmarshal(data, &subnet)
	})
	if err != nil {
		return nil, err
	}
	return &subnet, nil
}

func (s *BoltStore) ListSubnets() ([]*types.Subnet, error) {
	var subnets []*types.Subnet
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubnets)
		return b.ForEach(func(k, v []byte) error {
			var subnet types.Subnet
			if err := json.Unmarshal(v, &subnet); err != nil {
				return err
			}
			subnets = append(subnets, &subnet)
			return nil
		})
	})
	return subnets, err
}

func (s *BoltStore) UpdateSubnet(subnet *types.Subnet) error {
	return s.CreateSubnet(subnet)
}

func (s *BoltStore) DeleteSubnet(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubnets)
		return b.Delete([]byte(id))
	})
}

// Task operations

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put([]byte(task.ID), data)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return errs.E(errs.NotFound, "task not found: %s", id)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) SearchTasks(q *TaskQuery) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if matchTask(&task, q) {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortTasksNewestFirst(tasks)
	if q != nil && q.Limit > 0 && len(tasks) > q.Limit {
		tasks = tasks[:q.Limit]
	}
	return tasks, nil
}

func matchTask(task *types.Task, q *TaskQuery) bool {
	if q == nil {
		return true
	}
	if q.Status != "" && task.Status != q.Status {
		return false
	}
	if q.CreatorID != "" && task.CreatorID != q.CreatorID {
		return false
	}
	if q.AssigneeID != "" && task.AssigneeID != q.AssigneeID {
		return false
	}
	if q.SubnetID != "" {
		if task.Metadata == nil {
			return false
		}
		sn, _ := task.Metadata["subnet_id"].(string)
		if sn != q.SubnetID {
			return false
		}
	}
	// Skills select tasks the holder of q.Skills could work: every required
	// skill must be within the given set.
	if len(q.Skills) > 0 {
		have := make(map[string]bool, len(q.Skills))
		for _, sk := range q.Skills {
			have[sk] = true
		}
		for _, need := range task.RequiredSkills {
			if !have[need] {
				return false
			}
		}
	}
	return true
}

func sortTasksNewestFirst(tasks []*types.Task) {
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && tasks[j].CreatedAt.After(tasks[j-1].CreatedAt); j-- {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
		}
	}
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.CreateTask(task)
}

func (s *BoltStore) DeleteTask(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) MutateTask(id string, fn func(*types.Task) error) (*types.Task, error) {
	var task types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return errs.E(errs.NotFound, "task not found: %s", id)
		}
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		if err := fn(&task); err != nil {
			return err
		}
		out, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// JoinTask inserts a participation under the write lock. Capacity is counted
// from the participations bucket inside the same transaction, never from the
// ephemeral counter.
func (s *BoltStore) JoinTask(taskID string, p *types.Participation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tb := tx.Bucket(bucketTasks)
		data := tb.Get([]byte(taskID))
		if data == nil {
			return errs.E(errs.NotFound, "task not found: %s", taskID)
		}
		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		if task.Status != types.TaskStatusOpen {
			return errs.E(errs.InvalidState, "task %s is not open for joining (status %s)", taskID, task.Status)
		}

		pb := tx.Bucket(bucketParticipations)
		active := 0
		err := pb.ForEach(func(k, v []byte) error {
			var existing types.Participation
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.TaskID != taskID {
				return nil
			}
			if existing.Status.CountsTowardCapacity() {
				active++
			}
			if !task.AllowRepeatBySame &&
				existing.ParticipantID == p.ParticipantID &&
				!existing.Status.IsTerminal() {
				return errs.EC(errs.Conflict, errs.CodeAlreadyJoined,
					"agent %s already joined task %s", p.ParticipantID, taskID)
			}
			return nil
		})
		if err != nil {
			return err
		}

		if task.MaxCompletions > 0 && task.CompletedCount+active >= task.MaxCompletions {
			return errs.EC(errs.CapacityExceeded, errs.CodeTaskFull,
				"task %s is full (%d/%d completions)", taskID, task.CompletedCount+active, task.MaxCompletions)
		}

		row, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return pb.Put([]byte(p.ID), row)
	})
}

// CancelParticipation transitions a non-terminal participation to cancelled.
func (s *BoltStore) CancelParticipation(id string) (*types.Participation, error) {
	var p types.Participation
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketParticipations)
		data := b.Get([]byte(id))
		if data == nil {
			return errs.E(errs.NotFound, "participation not found: %s", id)
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if p.Status.IsTerminal() {
			return errs.E(errs.InvalidState, "participation %s is already %s", id, p.Status)
		}
		now := time.Now().UTC()
		p.Status = types.ParticipationCancelled
		p.CancelledAt = &now
		out, err := json.Marshal(&p)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CompleteParticipation moves a submitted participation to completed and, in
// the same transaction, bumps the task's completed_count and released_amount
// after checking the remaining budget.
func (s *BoltStore) CompleteParticipation(id string) (*types.Participation, *types.Task, error) {
	var p types.Participation
	var task types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		pb := tx.Bucket(bucketParticipations)
		data := pb.Get([]byte(id))
		if data == nil {
			return errs.E(errs.NotFound, "participation not found: %s", id)
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if p.Status != types.ParticipationSubmitted {
			return errs.E(errs.InvalidState, "participation %s is %s, expected submitted", id, p.Status)
		}

		tb := tx.Bucket(bucketTasks)
		tdata := tb.Get([]byte(p.TaskID))
		if tdata == nil {
			return errs.E(errs.NotFound, "task not found: %s", p.TaskID)
		}
		if err := json.Unmarshal(tdata, &task); err != nil {
			return err
		}

		reward := task.Reward()
		if task.RemainingBudget().LessThan(reward) {
			return errs.EC(errs.InsufficientBudget, errs.CodeInsufficientBudget,
				"task %s budget exhausted: remaining %s < reward %s",
				task.ID, task.RemainingBudget().String(), reward.String())
		}

		now := time.Now().UTC()
		p.Status = types.ParticipationCompleted
		p.ReviewedAt = &now
		task.CompletedCount++
		task.ReleasedAmount = task.Released().Add(reward).String()

		pout, err := json.Marshal(&p)
		if err != nil {
			return err
		}
		if err := pb.Put([]byte(id), pout); err != nil {
			return err
		}
		tout, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		return tb.Put([]byte(task.ID), tout)
	})
	if err != nil {
		return nil, nil, err
	}
	return &p, &task, nil
}

// Participation operations

func (s *BoltStore) GetParticipation(id string) (*types.Participation, error) {
	var p types.Participation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketParticipations)
		data := b.Get([]byte(id))
		if data == nil {
			return errs.E(errs.NotFound, "participation not found: %s", id)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListParticipationsByTask(taskID string) ([]*types.Participation, error) {
	return s.scanParticipations(func(p *types.Participation) bool {
		return p.TaskID == taskID
	})
}

func (s *BoltStore) ListParticipationsByAgent(agentID string) ([]*types.Participation, error) {
	return s.scanParticipations(func(p *types.Participation) bool {
		return p.ParticipantID == agentID
	})
}

func (s *BoltStore) scanParticipations(match func(*types.Participation) bool) ([]*types.Participation, error) {
	var out []*types.Participation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketParticipations)
		return b.ForEach(func(k, v []byte) error {
			var p types.Participation
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if match(&p) {
				out = append(out, &p)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) MutateParticipation(id string, fn func(*types.Participation) error) (*types.Participation, error) {
	var p types.Participation
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketParticipations)
		data := b.Get([]byte(id))
		if data == nil {
			return errs.E(errs.NotFound, "participation not found: %s", id)
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if err := fn(&p); err != nil {
			return err
		}
		out, err := json.Marshal(&p)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Activity operations. Keys are big-endian sequence numbers so a reverse
// cursor walk yields newest-first without sorting.

func (s *BoltStore) CreateActivity(activity *types.Activity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActivities)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(activity)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

func (s *BoltStore) ListActivitiesByTask(taskID string) ([]*types.Activity, error) {
	var out []*types.Activity
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketActivities).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var a types.Activity
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.TaskID == taskID {
				out = append(out, &a)
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ListRecentActivities(limit int) ([]*types.Activity, error) {
	var out []*types.Activity
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketActivities).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var a types.Activity
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, &a)
		}
		return nil
	})
	return out, err
}

// Audit operations

func (s *BoltStore) AppendAuditEvent(event *types.AuditEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuditEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}
		// Prune oldest rows beyond the cap.
		excess := b.Stats().KeyN + 1 - maxAuditEvents
		if excess <= 0 {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil && excess > 0; k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
			excess--
		}
		return nil
	})
}

func (s *BoltStore) QueryAuditEvents(q *AuditQuery) ([]*types.AuditEvent, error) {
	var out []*types.AuditEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAuditEvents).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if q != nil && q.Limit > 0 && len(out) >= q.Limit {
				break
			}
			var e types.AuditEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if matchAudit(&e, q) {
				out = append(out, &e)
			}
		}
		return nil
	})
	return out, err
}

func matchAudit(e *types.AuditEvent, q *AuditQuery) bool {
	if q == nil {
		return true
	}
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if q.Level != "" && e.Level != q.Level {
		return false
	}
	if q.AgentID != "" && e.ActorID != q.AgentID && e.TargetID != q.AgentID {
		return false
	}
	if q.TaskID != "" && e.TargetID != q.TaskID {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

// DLQ operations

func (s *BoltStore) EnqueueDLQ(entry *types.DLQEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDLQ)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(entry.ID), data)
	})
}

func (s *BoltStore) ListDLQ() ([]*types.DLQEntry, error) {
	var entries []*types.DLQEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDLQ)
		return b.ForEach(func(k, v []byte) error {
			var entry types.DLQEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) UpdateDLQEntry(entry *types.DLQEntry) error {
	return s.EnqueueDLQ(entry)
}

func (s *BoltStore) DeleteDLQEntry(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDLQ)
		return b.Delete([]byte(id))
	})
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
