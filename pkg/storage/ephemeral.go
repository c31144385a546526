package storage

import (
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/acnlabs/acn/pkg/types"
)

const (
	broadcastResultTTL = 24 * time.Hour
	messageHistoryTTL  = 24 * time.Hour
	webhookHistoryTTL  = 7 * 24 * time.Hour

	// messageHistoryCap bounds the per-agent history list; the oldest
	// entries fall off first.
	messageHistoryCap = 200

	cleanupInterval = 10 * time.Minute
)

// Ephemeral holds short-lived collaboration state: liveness keys, the
// per-task active-participant counter, per-task completion sets, broadcast
// results, message history and webhook delivery history. Liveness keys are
// authoritative for "is this agent alive right now"; everything else is a
// cache over facts the durable store could reconstruct.
type Ephemeral interface {
	// Liveness
	SetLiveness(agentID string, ttl time.Duration)
	IsAlive(agentID string) bool
	BatchIsAlive(agentIDs []string) map[string]bool
	ClearLiveness(agentID string)

	// Active-participant counters. Decrements floor at zero.
	IncrActiveCount(taskID string) int
	DecrActiveCount(taskID string) int
	ActiveCount(taskID string) int
	ClearActiveCount(taskID string)

	// Completion sets
	AddCompletion(taskID, agentID string)
	Completions(taskID string) []string

	// Broadcast results, retrievable by id for 24 hours
	PutBroadcastResult(result *types.BroadcastResult)
	GetBroadcastResult(id string) (*types.BroadcastResult, bool)

	// Per-agent message history, newest last, capped and TTL'd
	AppendMessageHistory(agentID string, entry *types.MessageLogEntry)
	MessageHistory(agentID string, limit int) []*types.MessageLogEntry

	// Webhook delivery history, kept 7 days
	PutWebhookDelivery(delivery *types.WebhookDelivery)
	ListWebhookDeliveries() []*types.WebhookDelivery

	// Flush drops everything. Test hook.
	Flush()
}

// MemoryEphemeral implements Ephemeral on an in-process TTL cache. A single
// mutex serializes the multi-step mutations (counters, sets, history
// appends); plain key reads and writes go straight to the cache.
type MemoryEphemeral struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

// NewMemoryEphemeral creates an in-process ephemeral store.
func NewMemoryEphemeral() *MemoryEphemeral {
	return &MemoryEphemeral{
		cache: gocache.New(gocache.NoExpiration, cleanupInterval),
	}
}

// SetLiveness writes the agent's liveness key with the given TTL.
func (e *MemoryEphemeral) SetLiveness(agentID string, ttl time.Duration) {
	e.cache.Set(keyLiveness(agentID), time.Now().UTC(), ttl)
}

// IsAlive reports whether the agent's liveness key exists and has not expired.
func (e *MemoryEphemeral) IsAlive(agentID string) bool {
	_, ok := e.cache.Get(keyLiveness(agentID))
	return ok
}

// BatchIsAlive checks many liveness keys at once.
func (e *MemoryEphemeral) BatchIsAlive(agentIDs []string) map[string]bool {
	out := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		_, ok := e.cache.Get(keyLiveness(id))
		out[id] = ok
	}
	return out
}

// ClearLiveness removes the agent's liveness key.
func (e *MemoryEphemeral) ClearLiveness(agentID string) {
	e.cache.Delete(keyLiveness(agentID))
}

// IncrActiveCount increments the task's active-participant counter and
// returns the new value.
func (e *MemoryEphemeral) IncrActiveCount(taskID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.activeCountLocked(taskID) + 1
	e.cache.Set(keyActiveCount(taskID), n, gocache.NoExpiration)
	return n
}

// DecrActiveCount decrements the counter, flooring at zero.
func (e *MemoryEphemeral) DecrActiveCount(taskID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.activeCountLocked(taskID) - 1
	if n < 0 {
		n = 0
	}
	e.cache.Set(keyActiveCount(taskID), n, gocache.NoExpiration)
	return n
}

// ActiveCount returns the current counter value.
func (e *MemoryEphemeral) ActiveCount(taskID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeCountLocked(taskID)
}

// ClearActiveCount removes the counter, used when a task is cancelled.
func (e *MemoryEphemeral) ClearActiveCount(taskID string) {
	e.cache.Delete(keyActiveCount(taskID))
}

func (e *MemoryEphemeral) activeCountLocked(taskID string) int {
	v, ok := e.cache.Get(keyActiveCount(taskID))
	if !ok {
		return 0
	}
	n, ok := v.(int)
	if !ok || n < 0 {
		return 0
	}
	return n
}

// AddCompletion records the agent in the task's completion set.
func (e *MemoryEphemeral) AddCompletion(taskID, agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	set := e.completionsLocked(taskID)
	for _, id := range set {
		if id == agentID {
			return
		}
	}
	set = append(set, agentID)
	e.cache.Set(keyCompletions(taskID), set, gocache.NoExpiration)
}

// Completions returns the agents recorded as having completed the task.
func (e *MemoryEphemeral) Completions(taskID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	set := e.completionsLocked(taskID)
	out := make([]string, len(set))
	copy(out, set)
	return out
}

func (e *MemoryEphemeral) completionsLocked(taskID string) []string {
	v, ok := e.cache.Get(keyCompletions(taskID))
	if !ok {
		return nil
	}
	set, _ := v.([]string)
	return set
}

// PutBroadcastResult stores a broadcast outcome for 24 hours.
func (e *MemoryEphemeral) PutBroadcastResult(result *types.BroadcastResult) {
	e.cache.Set(keyBroadcast(result.ID), result, broadcastResultTTL)
}

// GetBroadcastResult fetches a broadcast outcome by id.
func (e *MemoryEphemeral) GetBroadcastResult(id string) (*types.BroadcastResult, bool) {
	v, ok := e.cache.Get(keyBroadcast(id))
	if !ok {
		return nil, false
	}
	result, ok := v.(*types.BroadcastResult)
	return result, ok
}

// AppendMessageHistory appends an entry to the agent's history, trims to
// the cap and renews the history TTL.
func (e *MemoryEphemeral) AppendMessageHistory(agentID string, entry *types.MessageLogEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var history []*types.MessageLogEntry
	if v, ok := e.cache.Get(keyMessageHistory(agentID)); ok {
		history, _ = v.([]*types.MessageLogEntry)
	}
	history = append(history, entry)
	if len(history) > messageHistoryCap {
		history = history[len(history)-messageHistoryCap:]
	}
	e.cache.Set(keyMessageHistory(agentID), history, messageHistoryTTL)
}

// MessageHistory returns up to limit newest entries for the agent, newest
// last. limit <= 0 returns everything retained.
func (e *MemoryEphemeral) MessageHistory(agentID string, limit int) []*types.MessageLogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, ok := e.cache.Get(keyMessageHistory(agentID))
	if !ok {
		return nil
	}
	history, _ := v.([]*types.MessageLogEntry)
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]*types.MessageLogEntry, len(history))
	copy(out, history)
	return out
}

// PutWebhookDelivery stores a delivery record for 7 days.
func (e *MemoryEphemeral) PutWebhookDelivery(delivery *types.WebhookDelivery) {
	e.cache.Set(keyWebhookDelivery(delivery.ID), delivery, webhookHistoryTTL)
}

// ListWebhookDeliveries returns all retained delivery records, newest first.
func (e *MemoryEphemeral) ListWebhookDeliveries() []*types.WebhookDelivery {
	var out []*types.WebhookDelivery
	for key, item := range e.cache.Items() {
		if !strings.HasPrefix(key, webhookDeliveryPrefix) {
			continue
		}
		if d, ok := item.Object.(*types.WebhookDelivery); ok {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Flush drops all ephemeral state.
func (e *MemoryEphemeral) Flush() {
	e.cache.Flush()
}
