package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/acnlabs/acn/pkg/audit"
	"github.com/acnlabs/acn/pkg/auth"
	"github.com/acnlabs/acn/pkg/config"
	"github.com/acnlabs/acn/pkg/errs"
	"github.com/acnlabs/acn/pkg/log"
	"github.com/acnlabs/acn/pkg/storage"
	"github.com/acnlabs/acn/pkg/types"
)

// Service owns agent identity and liveness. Registration is idempotent on
// the (owner, endpoint) natural key; autonomous agents join without an owner
// and hold an API key returned exactly once.
type Service struct {
	store    storage.Store
	eph      storage.Ephemeral
	recorder *audit.Recorder
	issuer   *auth.IssuerClient // nil when no identity provider is configured

	graceTTL time.Duration // first liveness window for autonomous joins
	renewTTL time.Duration // window granted by register and heartbeat

	logger zerolog.Logger
}

// NewService creates the registry service from runtime configuration.
func NewService(cfg *config.Config, store storage.Store, eph storage.Ephemeral, recorder *audit.Recorder) *Service {
	s := &Service{
		store:    store,
		eph:      eph,
		recorder: recorder,
		graceTTL: cfg.LivenessGraceTTL,
		renewTTL: cfg.LivenessRenewTTL,
		logger:   log.WithComponent("registry"),
	}
	if cfg.AuthDomain != "" {
		s.issuer = auth.NewIssuerClient(cfg.AuthDomain)
	}
	return s
}

// RegisterInput is the platform-managed registration request. Owner and
// endpoint form the natural key that makes registration idempotent.
type RegisterInput struct {
	Owner       string
	Name        string
	Description string
	Endpoint    string
	Skills      []string
	SubnetIDs   []string
	Card        json.RawMessage
	Metadata    map[string]interface{}
}

// Register creates or updates an agent for a principal. A repeat call with
// the same (owner, endpoint) updates the existing row in place and returns
// the same agent id. The agent always comes back online with a renewed
// liveness key.
func (s *Service) Register(ctx context.Context, in *RegisterInput) (*types.Agent, error) {
	if in.Owner == "" {
		return nil, errs.E(errs.Validation, "owner is required")
	}
	if in.Name == "" {
		return nil, errs.E(errs.Validation, "agent name is required")
	}

	now := time.Now().UTC()

	agent, err := s.store.GetAgentByOwnerEndpoint(in.Owner, in.Endpoint)
	switch {
	case err == nil:
		// Same natural key: refresh the existing row, keep the id.
		agent.Name = in.Name
		agent.Description = in.Description
		agent.Skills = normalizeSkills(in.Skills)
		agent.SubnetIDs = normalizeSubnets(in.SubnetIDs)
		agent.Metadata = in.Metadata
		if len(in.Card) > 0 {
			agent.Card = in.Card
		}
	case errs.IsKind(err, errs.NotFound):
		agent = &types.Agent{
			ID:           uuid.NewString(),
			Owner:        in.Owner,
			Name:         in.Name,
			Description:  in.Description,
			Endpoint:     in.Endpoint,
			Skills:       normalizeSkills(in.Skills),
			SubnetIDs:    normalizeSubnets(in.SubnetIDs),
			ClaimStatus:  types.ClaimStatusClaimed,
			RegisteredAt: now,
			Card:         in.Card,
			Metadata:     in.Metadata,
		}
	default:
		return nil, fmt.Errorf("failed to look up agent by owner and endpoint: %w", err)
	}

	agent.Status = types.AgentStatusOnline
	agent.LastHeartbeat = now
	if err := agent.Validate(); err != nil {
		return nil, errs.Wrap(errs.Validation, err, "invalid agent")
	}

	if err := s.store.UpdateAgent(agent); err != nil {
		return nil, fmt.Errorf("failed to persist agent: %w", err)
	}
	s.eph.SetLiveness(agent.ID, s.renewTTL)

	s.recorder.Audit(&types.AuditEvent{
		Type:        types.AuditAgentRegistered,
		ActorType:   "human",
		ActorID:     in.Owner,
		TargetType:  "agent",
		TargetID:    agent.ID,
		Description: fmt.Sprintf("agent %q registered by %s", agent.Name, in.Owner),
	})
	s.recorder.Emit(audit.EventAgentRegistered, map[string]interface{}{
		"agent_id": agent.ID,
		"owner":    in.Owner,
		"name":     agent.Name,
	})

	// Credential issuance is a side effect: run it in the background and
	// never let a provider outage fail the registration.
	if s.issuer != nil {
		go s.issueCredentials(agent.ID, agent.Name)
	}

	s.logger.Info().
		Str("agent_id", agent.ID).
		Str("owner", in.Owner).
		Str("name", agent.Name).
		Msg("Agent registered")
	return agent, nil
}

// JoinInput is the autonomous-agent self-registration request.
type JoinInput struct {
	Name        string
	Description string
	Endpoint    string
	Skills      []string
	SubnetIDs   []string
	ReferrerID  string
	Card        json.RawMessage
	Metadata    map[string]interface{}
}

// Join self-registers an autonomous agent. The returned agent carries its
// freshly minted API key and verification code; neither is ever returned
// again. Liveness starts on the shorter grace TTL until the first heartbeat.
func (s *Service) Join(ctx context.Context, in *JoinInput) (*types.Agent, error) {
	if in.Name == "" {
		return nil, errs.E(errs.Validation, "agent name is required")
	}

	apiKey, err := s.mintAPIKey()
	if err != nil {
		return nil, err
	}
	code, err := mintVerificationCode()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	agent := &types.Agent{
		ID:               uuid.NewString(),
		Name:             in.Name,
		Description:      in.Description,
		Endpoint:         in.Endpoint,
		Skills:           normalizeSkills(in.Skills),
		SubnetIDs:        normalizeSubnets(in.SubnetIDs),
		Status:           types.AgentStatusOnline,
		RegisteredAt:     now,
		LastHeartbeat:    now,
		APIKey:           apiKey,
		ClaimStatus:      types.ClaimStatusUnclaimed,
		VerificationCode: code,
		ReferrerID:       in.ReferrerID,
		Card:             in.Card,
		Metadata:         in.Metadata,
	}
	if err := agent.Validate(); err != nil {
		return nil, errs.Wrap(errs.Validation, err, "invalid agent")
	}

	if err := s.store.CreateAgent(agent); err != nil {
		return nil, fmt.Errorf("failed to persist agent: %w", err)
	}
	s.eph.SetLiveness(agent.ID, s.graceTTL)

	s.recorder.Activity(&types.Activity{
		Type:        types.ActivityAgentJoined,
		ActorType:   types.CreatorTypeAgent,
		ActorID:     agent.ID,
		ActorName:   agent.Name,
		Description: fmt.Sprintf("agent %q joined the network", agent.Name),
	})
	s.recorder.Audit(&types.AuditEvent{
		Type:        types.AuditAgentRegistered,
		ActorType:   "agent",
		ActorID:     agent.ID,
		TargetType:  "agent",
		TargetID:    agent.ID,
		Description: fmt.Sprintf("autonomous agent %q joined", agent.Name),
	})
	s.recorder.Emit(audit.EventAgentRegistered, map[string]interface{}{
		"agent_id": agent.ID,
		"name":     agent.Name,
	})

	s.logger.Info().
		Str("agent_id", agent.ID).
		Str("name", agent.Name).
		Msg("Autonomous agent joined")
	return agent, nil
}

// Claim binds an unclaimed autonomous agent to an owner. When the agent was
// minted with a verification code the caller must present it.
func (s *Service) Claim(ctx context.Context, agentID, newOwner, code string) (*types.Agent, error) {
	if newOwner == "" {
		return nil, errs.E(errs.Validation, "owner is required")
	}

	agent, err := s.store.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if agent.ClaimStatus == types.ClaimStatusClaimed {
		return nil, errs.E(errs.Conflict, "agent %s is already claimed", agentID)
	}
	if agent.VerificationCode != "" && agent.VerificationCode != code {
		s.recorder.AuthFailure("claim", fmt.Sprintf("verification code mismatch for agent %s", agentID))
		return nil, errs.E(errs.PermissionDenied, "verification code mismatch")
	}

	now := time.Now().UTC()
	agent.Owner = newOwner
	agent.ClaimStatus = types.ClaimStatusClaimed
	agent.VerificationCode = ""
	agent.OwnerChangedAt = &now

	if err := s.store.UpdateAgent(agent); err != nil {
		return nil, fmt.Errorf("failed to persist claim: %w", err)
	}

	s.recorder.Audit(&types.AuditEvent{
		Type:        types.AuditAgentClaimed,
		ActorType:   "human",
		ActorID:     newOwner,
		TargetType:  "agent",
		TargetID:    agent.ID,
		Description: fmt.Sprintf("agent %q claimed by %s", agent.Name, newOwner),
	})
	s.recorder.Emit(audit.EventAgentClaimed, map[string]interface{}{
		"agent_id": agent.ID,
		"owner":    newOwner,
	})

	s.logger.Info().Str("agent_id", agent.ID).Str("owner", newOwner).Msg("Agent claimed")
	return agent, nil
}

// Transfer moves an agent to a new owner. Only the current owner may call it.
func (s *Service) Transfer(ctx context.Context, agentID, owner, newOwner string) (*types.Agent, error) {
	if newOwner == "" {
		return nil, errs.E(errs.Validation, "new owner is required")
	}

	agent, err := s.store.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if agent.Owner != owner {
		return nil, errs.E(errs.PermissionDenied, "caller does not own agent %s", agentID)
	}

	now := time.Now().UTC()
	agent.Owner = newOwner
	agent.OwnerChangedAt = &now

	if err := s.store.UpdateAgent(agent); err != nil {
		return nil, fmt.Errorf("failed to persist transfer: %w", err)
	}
	s.logger.Info().
		Str("agent_id", agent.ID).
		Str("from", owner).
		Str("to", newOwner).
		Msg("Agent ownership transferred")
	return agent, nil
}

// ReleaseOwnership clears an agent's owner, returning it to the unclaimed
// pool. Only the current owner may call it.
func (s *Service) ReleaseOwnership(ctx context.Context, agentID, owner string) (*types.Agent, error) {
	agent, err := s.store.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if agent.Owner != owner {
		return nil, errs.E(errs.PermissionDenied, "caller does not own agent %s", agentID)
	}

	now := time.Now().UTC()
	agent.Owner = ""
	agent.ClaimStatus = types.ClaimStatusUnclaimed
	agent.OwnerChangedAt = &now

	if err := s.store.UpdateAgent(agent); err != nil {
		return nil, fmt.Errorf("failed to persist release: %w", err)
	}
	s.logger.Info().Str("agent_id", agent.ID).Str("owner", owner).Msg("Agent ownership released")
	return agent, nil
}

// Heartbeat renews the agent's liveness window and brings it back online.
func (s *Service) Heartbeat(ctx context.Context, agentID string) error {
	agent, err := s.store.GetAgent(agentID)
	if err != nil {
		return err
	}

	agent.LastHeartbeat = time.Now().UTC()
	if agent.Status == types.AgentStatusOffline {
		agent.Status = types.AgentStatusOnline
	}
	if err := s.store.UpdateAgent(agent); err != nil {
		return fmt.Errorf("failed to persist heartbeat: %w", err)
	}

	s.eph.SetLiveness(agentID, s.renewTTL)
	return nil
}

// Get fetches an agent by id.
func (s *Service) Get(ctx context.Context, agentID string) (*types.Agent, error) {
	return s.store.GetAgent(agentID)
}

// Search finds agents matching the query. Skills use AND semantics. When the
// query asks for online agents the durable rows are intersected with the
// liveness keys, so an agent whose key expired stops matching before the
// watchdog flips its durable status.
func (s *Service) Search(ctx context.Context, q *storage.AgentQuery) ([]*types.Agent, error) {
	agents, err := s.store.SearchAgents(q)
	if err != nil {
		return nil, fmt.Errorf("failed to search agents: %w", err)
	}

	if q == nil || q.Status != types.AgentStatusOnline {
		return agents, nil
	}

	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	alive := s.eph.BatchIsAlive(ids)

	out := agents[:0]
	for _, a := range agents {
		if alive[a.ID] {
			out = append(out, a)
		}
	}
	return out, nil
}

// Unregister deletes an agent. The caller must be the owner or the agent
// itself; owner "" is the operator and bypasses the check. Deleting an agent
// that is already gone succeeds, so retries are safe.
func (s *Service) Unregister(ctx context.Context, agentID, owner string) error {
	agent, err := s.store.GetAgent(agentID)
	if errs.IsKind(err, errs.NotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if owner != "" && agent.Owner != "" && agent.Owner != owner && agent.ID != owner {
		return errs.E(errs.PermissionDenied, "caller does not own agent %s", agentID)
	}

	if err := s.store.DeleteAgent(agentID); err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	s.eph.ClearLiveness(agentID)

	s.recorder.Audit(&types.AuditEvent{
		Type:        types.AuditAgentUnregistered,
		ActorID:     owner,
		TargetType:  "agent",
		TargetID:    agentID,
		Description: fmt.Sprintf("agent %q unregistered", agent.Name),
	})
	s.recorder.Emit(audit.EventAgentUnregistered, map[string]interface{}{
		"agent_id": agentID,
	})

	s.logger.Info().Str("agent_id", agentID).Msg("Agent unregistered")
	return nil
}

// BindOnChainIdentity records an agent's on-chain registration token. Each
// token binds to at most one agent.
func (s *Service) BindOnChainIdentity(ctx context.Context, agentID string, identity *types.OnChainIdentity) (*types.Agent, error) {
	if identity == nil || identity.TokenID == "" {
		return nil, errs.E(errs.Validation, "token id is required")
	}

	existing, err := s.store.GetAgentByTokenID(identity.TokenID)
	if err != nil && !errs.IsKind(err, errs.NotFound) {
		return nil, err
	}
	if existing != nil && existing.ID != agentID {
		return nil, errs.E(errs.Conflict, "token %s is already bound to agent %s", identity.TokenID, existing.ID)
	}

	agent, err := s.store.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	agent.OnChain = identity
	if err := s.store.UpdateAgent(agent); err != nil {
		return nil, fmt.Errorf("failed to persist on-chain identity: %w", err)
	}

	s.logger.Info().
		Str("agent_id", agentID).
		Str("token_id", identity.TokenID).
		Msg("On-chain identity bound")
	return agent, nil
}

// SetPaymentCapability records how an agent accepts payment.
func (s *Service) SetPaymentCapability(ctx context.Context, agentID, walletAddress string, capability *types.PaymentCapability) (*types.Agent, error) {
	agent, err := s.store.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if walletAddress != "" {
		agent.WalletAddress = walletAddress
	}
	agent.Payment = capability

	if err := s.store.UpdateAgent(agent); err != nil {
		return nil, fmt.Errorf("failed to persist payment capability: %w", err)
	}
	return agent, nil
}

// IsAlive reports whether the agent's liveness key currently exists.
func (s *Service) IsAlive(agentID string) bool {
	return s.eph.IsAlive(agentID)
}

func (s *Service) issueCredentials(agentID, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	creds, err := s.issuer.IssueCredentials(ctx, agentID, name)
	if err != nil {
		s.logger.Warn().Err(err).Str("agent_id", agentID).Msg("M2M credential issuance failed")
		return
	}
	s.logger.Info().
		Str("agent_id", agentID).
		Str("client_id", creds.ClientID).
		Msg("M2M credentials issued")
}

// mintAPIKey generates an agent credential: the acn_ prefix plus 32 bytes of
// URL-safe random. Collisions are checked against the store so the key
// uniqueness invariant holds even against a poisoned entropy source.
func (s *Service) mintAPIKey() (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate api key: %w", err)
		}
		key := auth.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(buf)

		_, err := s.store.GetAgentByAPIKey(key)
		if errs.IsKind(err, errs.NotFound) {
			return key, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", errs.E(errs.Internal, "failed to mint a unique api key")
}

// mintVerificationCode generates the short code an owner presents to claim
// an autonomous agent.
func mintVerificationCode() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate verification code: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// normalizeSkills deduplicates while preserving order.
func normalizeSkills(skills []string) []string {
	out := make([]string, 0, len(skills))
	seen := make(map[string]bool, len(skills))
	for _, s := range skills {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// normalizeSubnets deduplicates and guarantees membership in the public
// subnet, which every agent belongs to.
func normalizeSubnets(subnets []string) []string {
	out := []string{types.SubnetPublic}
	seen := map[string]bool{types.SubnetPublic: true}
	for _, s := range subnets {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
