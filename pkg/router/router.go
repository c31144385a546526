package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/acnlabs/acn/pkg/a2a"
	"github.com/acnlabs/acn/pkg/audit"
	"github.com/acnlabs/acn/pkg/config"
	"github.com/acnlabs/acn/pkg/errs"
	"github.com/acnlabs/acn/pkg/log"
	"github.com/acnlabs/acn/pkg/metrics"
	"github.com/acnlabs/acn/pkg/registry"
	"github.com/acnlabs/acn/pkg/storage"
	"github.com/acnlabs/acn/pkg/types"
)

// GlobalHistory is the reserved history id holding the network-wide feed.
// Agent ids are uuids or caller-chosen slugs; the underscore prefix keeps
// the feed out of that namespace.
const GlobalHistory = "_all"

// Router delivers A2A messages point-to-point, fans out broadcasts and
// keeps the dead-letter queue. Tunneled agents need no special casing: their
// registered endpoint already points at the gateway ingress.
type Router struct {
	store    storage.Store
	eph      storage.Ephemeral
	registry *registry.Service
	recorder *audit.Recorder

	timeout    time.Duration
	maxRetries int

	clientMu sync.RWMutex
	clients  map[string]*a2a.Client // keyed by endpoint URL, never evicted

	handlerMu sync.RWMutex
	handlers  map[string][]Handler

	logger zerolog.Logger
}

// New creates the router. The DLQ depth gauge is synced from the durable
// queue so restarts do not zero it.
func New(cfg *config.Config, store storage.Store, eph storage.Ephemeral, reg *registry.Service, recorder *audit.Recorder) *Router {
	r := &Router{
		store:      store,
		eph:        eph,
		registry:   reg,
		recorder:   recorder,
		timeout:    cfg.RequestTimeout,
		maxRetries: cfg.MaxRetries,
		clients:    make(map[string]*a2a.Client),
		handlers:   make(map[string][]Handler),
		logger:     log.WithComponent("router"),
	}
	if entries, err := store.ListDLQ(); err == nil {
		metrics.DLQDepth.Set(float64(len(entries)))
	}
	return r
}

// Send routes one message to one recipient and returns the reply, if any.
// Unknown recipients fail fast; delivery failures are dead-lettered before
// the error surfaces.
func (r *Router) Send(ctx context.Context, fromAgent, toAgent string, msg *a2a.Message) (*a2a.Message, error) {
	if msg == nil {
		return nil, errs.E(errs.Validation, "message is required")
	}
	if toAgent == "" {
		return nil, errs.E(errs.Validation, "recipient agent id is required")
	}

	reply, err := r.deliver(ctx, fromAgent, toAgent, msg)
	if err != nil {
		if errs.IsKind(err, errs.NotFound) {
			return nil, err
		}
		r.enqueueDLQ(fromAgent, toAgent, msg, err)
		return nil, err
	}
	return reply, nil
}

// deliver performs the raw lookup-and-send without dead-lettering. Shared
// by Send and the DLQ retry pass.
func (r *Router) deliver(ctx context.Context, fromAgent, toAgent string, msg *a2a.Message) (*a2a.Message, error) {
	agent, err := r.store.GetAgent(toAgent)
	if err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	reply, err := r.clientFor(agent.Endpoint).SendMessage(ctx, msg)
	timer.ObserveDuration(metrics.RouteDuration)

	if err != nil {
		metrics.MessagesRouted.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.MessagesRouted.WithLabelValues("ok").Inc()

	r.recordHistory(fromAgent, toAgent, msg)
	return reply, nil
}

// RouteBySkill discovers a recipient by required skills and sends to it.
// Online agents are preferred; with none online the search falls back to
// every registered agent. Selection is deterministic: first match wins.
// Returns the reply and the chosen agent id.
func (r *Router) RouteBySkill(ctx context.Context, fromAgent string, skills []string, msg *a2a.Message) (*a2a.Message, string, error) {
	candidates, err := r.resolveBySkill(ctx, skills)
	if err != nil {
		return nil, "", err
	}
	target := candidates[0]
	reply, err := r.Send(ctx, fromAgent, target.ID, msg)
	return reply, target.ID, err
}

// Broadcast fans one message out to many recipients under the chosen
// strategy. The result record is persisted for 24 hours and retrievable by
// id regardless of outcome. Parallel and sequential surface an error when
// any delivery failed; best_effort never does.
func (r *Router) Broadcast(ctx context.Context, fromAgent string, toAgents []string, msg *a2a.Message, strategy types.BroadcastStrategy) (*types.BroadcastResult, error) {
	if strategy == "" {
		strategy = types.BroadcastParallel
	}
	switch strategy {
	case types.BroadcastParallel, types.BroadcastSequential, types.BroadcastBestEffort:
	default:
		return nil, errs.E(errs.Validation, "unknown broadcast strategy %q", strategy)
	}
	if len(toAgents) == 0 {
		return nil, errs.E(errs.Validation, "broadcast requires at least one recipient")
	}
	if msg == nil {
		return nil, errs.E(errs.Validation, "message is required")
	}

	result := &types.BroadcastResult{
		ID:        uuid.NewString(),
		FromAgent: fromAgent,
		Strategy:  strategy,
		Total:     len(toAgents),
		Results:   make(map[string]types.BroadcastOutcome, len(toAgents)),
		CreatedAt: time.Now().UTC(),
	}
	metrics.BroadcastsTotal.WithLabelValues(string(strategy)).Inc()

	if strategy == types.BroadcastSequential {
		for _, to := range toAgents {
			if _, err := r.Send(ctx, fromAgent, to, msg); err != nil {
				result.Results[to] = types.BroadcastOutcome{Error: err.Error()}
				result.Failed++
				break
			}
			result.Results[to] = types.BroadcastOutcome{OK: true}
			result.Success++
		}
	} else {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, to := range toAgents {
			to := to
			g.Go(func() error {
				_, err := r.Send(gctx, fromAgent, to, msg)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.Results[to] = types.BroadcastOutcome{Error: err.Error()}
					result.Failed++
				} else {
					result.Results[to] = types.BroadcastOutcome{OK: true}
					result.Success++
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	r.eph.PutBroadcastResult(result)
	r.logger.Info().
		Str("broadcast_id", result.ID).
		Str("strategy", string(strategy)).
		Int("total", result.Total).
		Int("success", result.Success).
		Int("failed", result.Failed).
		Msg("Broadcast finished")

	if strategy != types.BroadcastBestEffort && result.Failed > 0 {
		return result, errs.E(errs.ExternalUnavailable, "broadcast %s: %d of %d deliveries failed", result.ID, result.Failed, result.Total)
	}
	return result, nil
}

// SendBySkill resolves recipients by required skills and delegates to
// Broadcast with the chosen strategy.
func (r *Router) SendBySkill(ctx context.Context, fromAgent string, skills []string, msg *a2a.Message, strategy types.BroadcastStrategy) (*types.BroadcastResult, error) {
	candidates, err := r.resolveBySkill(ctx, skills)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(candidates))
	for _, a := range candidates {
		ids = append(ids, a.ID)
	}
	return r.Broadcast(ctx, fromAgent, ids, msg, strategy)
}

// BroadcastResult fetches a persisted broadcast outcome by id.
func (r *Router) BroadcastResult(id string) (*types.BroadcastResult, bool) {
	return r.eph.GetBroadcastResult(id)
}

// History returns an agent's message history, newest last. Use
// GlobalHistory for the network-wide feed.
func (r *Router) History(agentID string, limit int) []*types.MessageLogEntry {
	return r.eph.MessageHistory(agentID, limit)
}

// resolveBySkill searches online agents holding every skill, falling back
// to all registered agents when none are online.
func (r *Router) resolveBySkill(ctx context.Context, skills []string) ([]*types.Agent, error) {
	if len(skills) == 0 {
		return nil, errs.E(errs.Validation, "at least one skill is required")
	}

	candidates, err := r.registry.Search(ctx, &storage.AgentQuery{
		Skills: skills,
		Status: types.AgentStatusOnline,
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		candidates, err = r.registry.Search(ctx, &storage.AgentQuery{Skills: skills})
		if err != nil {
			return nil, err
		}
	}
	if len(candidates) == 0 {
		return nil, errs.EC(errs.NotFound, errs.CodeAgentNotFound, "no agent provides skills %v", skills)
	}
	return candidates, nil
}

// clientFor returns the cached A2A client for an endpoint, creating it on
// first use. Clients live until process exit.
func (r *Router) clientFor(endpoint string) *a2a.Client {
	r.clientMu.RLock()
	c, ok := r.clients[endpoint]
	r.clientMu.RUnlock()
	if ok {
		return c
	}

	r.clientMu.Lock()
	defer r.clientMu.Unlock()
	if c, ok := r.clients[endpoint]; ok {
		return c
	}
	c = a2a.NewClient(endpoint, r.timeout)
	r.clients[endpoint] = c
	return c
}

// recordHistory writes the delivered message to both agents' histories and
// the global feed.
func (r *Router) recordHistory(fromAgent, toAgent string, msg *a2a.Message) {
	record, err := msg.Record()
	if err != nil {
		r.logger.Error().Err(err).Msg("Delivered message not serializable for history")
		record = nil
	}
	entry := &types.MessageLogEntry{
		MessageID: msg.MessageID,
		FromAgent: fromAgent,
		ToAgent:   toAgent,
		Record:    record,
		Timestamp: time.Now().UTC(),
	}
	if fromAgent != "" {
		r.eph.AppendMessageHistory(fromAgent, entry)
	}
	r.eph.AppendMessageHistory(toAgent, entry)
	r.eph.AppendMessageHistory(GlobalHistory, entry)
}

// enqueueDLQ persists a failed delivery for the operator retry pass.
func (r *Router) enqueueDLQ(fromAgent, toAgent string, msg *a2a.Message, cause error) {
	record, err := msg.Record()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed message not serializable; dead-letter entry skipped")
		return
	}
	entry := &types.DLQEntry{
		ID:         uuid.NewString(),
		FromAgent:  fromAgent,
		ToAgent:    toAgent,
		Message:    record,
		Error:      cause.Error(),
		RetryCount: 0,
		MaxRetries: r.maxRetries,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := r.store.EnqueueDLQ(entry); err != nil {
		r.logger.Error().Err(err).Str("to", toAgent).Msg("Failed to enqueue dead letter")
		return
	}
	metrics.DLQDepth.Inc()

	r.recorder.Emit(audit.EventMessageFailed, map[string]interface{}{
		"from_agent": fromAgent,
		"to_agent":   toAgent,
		"dlq_id":     entry.ID,
		"error":      cause.Error(),
	})
	r.logger.Warn().
		Str("from", fromAgent).
		Str("to", toAgent).
		Str("dlq_id", entry.ID).
		Err(cause).
		Msg("Message dead-lettered")
}
