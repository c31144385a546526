package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/acnlabs/acn/pkg/auth"
	"github.com/acnlabs/acn/pkg/errs"
	"github.com/acnlabs/acn/pkg/registry"
	"github.com/acnlabs/acn/pkg/storage"
	"github.com/acnlabs/acn/pkg/types"
)

func (s *Server) agentRoutes(r chi.Router) {
	r.Post("/join", s.handleAgentJoin)
	r.Post("/register", s.handleAgentRegister)
	r.Get("/", s.handleAgentSearch)
	r.Route("/{agentID}", func(r chi.Router) {
		r.Get("/", s.handleAgentGet)
		r.Get("/card", s.handleAgentCard)
		r.Post("/heartbeat", s.handleAgentHeartbeat)
		r.Post("/claim", s.handleAgentClaim)
		r.Post("/transfer", s.handleAgentTransfer)
		r.Post("/release", s.handleAgentRelease)
		r.Post("/identity", s.handleAgentIdentity)
		r.Get("/payment", s.handleAgentPaymentGet)
		r.Put("/payment", s.handleAgentPaymentSet)
		r.Delete("/", s.handleAgentUnregister)
	})
}

type joinAgentRequest struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Endpoint    string                 `json:"endpoint,omitempty"`
	Skills      []string               `json:"skills,omitempty"`
	SubnetIDs   []string               `json:"subnet_ids,omitempty"`
	ReferrerID  string                 `json:"referrer_id,omitempty"`
	Card        json.RawMessage        `json:"card,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// handleAgentJoin self-registers an autonomous agent. No credentials are
// required; the response carries the minted API key and verification code,
// neither of which is ever returned again.
func (s *Server) handleAgentJoin(w http.ResponseWriter, r *http.Request) {
	var req joinAgentRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	agent, err := s.registry.Join(r.Context(), &registry.JoinInput{
		Name:        req.Name,
		Description: req.Description,
		Endpoint:    req.Endpoint,
		Skills:      req.Skills,
		SubnetIDs:   req.SubnetIDs,
		ReferrerID:  req.ReferrerID,
		Card:        req.Card,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

type registerAgentRequest struct {
	// Owner is honored for operator callers only; humans register as
	// themselves.
	Owner       string                 `json:"owner,omitempty"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Endpoint    string                 `json:"endpoint,omitempty"`
	Skills      []string               `json:"skills,omitempty"`
	SubnetIDs   []string               `json:"subnet_ids,omitempty"`
	Card        json.RawMessage        `json:"card,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// handleAgentRegister registers a platform-managed agent under the calling
// principal. Re-registering the same (owner, endpoint) updates in place.
func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if p.IsAgent() {
		writeError(w, errs.E(errs.PermissionDenied, "agents register themselves through /agents/join"))
		return
	}

	var req registerAgentRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	owner := actor(p)
	if owner == "" {
		owner = req.Owner
	}

	agent, err := s.registry.Register(r.Context(), &registry.RegisterInput{
		Owner:       owner,
		Name:        req.Name,
		Description: req.Description,
		Endpoint:    req.Endpoint,
		Skills:      req.Skills,
		SubnetIDs:   req.SubnetIDs,
		Card:        req.Card,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent.Redacted())
}

// handleAgentSearch filters the registry by any subset of skills, subnet,
// owner, name substring and status. status=online intersects with liveness.
func (s *Server) handleAgentSearch(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r); !ok {
		return
	}

	q := &storage.AgentQuery{
		SubnetID:     r.URL.Query().Get("subnet_id"),
		Owner:        r.URL.Query().Get("owner"),
		NameContains: r.URL.Query().Get("name"),
		Status:       types.AgentStatus(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("skills"); raw != "" {
		q.Skills = strings.Split(raw, ",")
	}

	agents, err := s.registry.Search(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]*types.Agent, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.Redacted())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": out,
		"count":  len(out),
	})
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r); !ok {
		return
	}
	agent, err := s.registry.Get(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent.Redacted())
}

// handleAgentCard serves the agent's A2A card. Cards are discovery documents
// and require no credentials.
func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.registry.Card(chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	agentID := chi.URLParam(r, "agentID")
	if !s.canActOnAgent(w, r, p, agentID) {
		return
	}
	if err := s.registry.Heartbeat(r.Context(), agentID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type claimAgentRequest struct {
	// Owner is honored for operator callers only; humans claim for
	// themselves.
	Owner            string `json:"owner,omitempty"`
	VerificationCode string `json:"verification_code,omitempty"`
}

// handleAgentClaim binds an unclaimed autonomous agent to the caller.
func (s *Server) handleAgentClaim(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if p.IsAgent() {
		writeError(w, errs.E(errs.PermissionDenied, "agents cannot claim agents"))
		return
	}

	var req claimAgentRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	newOwner := actor(p)
	if newOwner == "" {
		newOwner = req.Owner
	}

	agent, err := s.registry.Claim(r.Context(), chi.URLParam(r, "agentID"), newOwner, req.VerificationCode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent.Redacted())
}

type transferAgentRequest struct {
	NewOwner string `json:"new_owner"`
}

func (s *Server) handleAgentTransfer(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req transferAgentRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	agentID := chi.URLParam(r, "agentID")
	owner, err := s.ownerFor(r.Context(), p, agentID)
	if err != nil {
		writeError(w, err)
		return
	}

	agent, err := s.registry.Transfer(r.Context(), agentID, owner, req.NewOwner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent.Redacted())
}

func (s *Server) handleAgentRelease(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	agentID := chi.URLParam(r, "agentID")
	owner, err := s.ownerFor(r.Context(), p, agentID)
	if err != nil {
		writeError(w, err)
		return
	}

	agent, err := s.registry.ReleaseOwnership(r.Context(), agentID, owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent.Redacted())
}

type bindIdentityRequest struct {
	TokenID        string `json:"token_id"`
	ChainNamespace string `json:"chain_namespace,omitempty"`
	TxHash         string `json:"tx_hash,omitempty"`
}

func (s *Server) handleAgentIdentity(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	agentID := chi.URLParam(r, "agentID")
	if !s.canActOnAgent(w, r, p, agentID) {
		return
	}

	var req bindIdentityRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	agent, err := s.registry.BindOnChainIdentity(r.Context(), agentID, &types.OnChainIdentity{
		TokenID:        req.TokenID,
		ChainNamespace: req.ChainNamespace,
		TxHash:         req.TxHash,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent.Redacted())
}

func (s *Server) handleAgentPaymentGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r); !ok {
		return
	}
	agent, err := s.registry.Get(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id":       agent.ID,
		"wallet_address": agent.WalletAddress,
		"payment":        agent.Payment,
	})
}

type setPaymentRequest struct {
	WalletAddress string                 `json:"wallet_address,omitempty"`
	Methods       []string               `json:"methods,omitempty"`
	Networks      []string               `json:"networks,omitempty"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

func (s *Server) handleAgentPaymentSet(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	agentID := chi.URLParam(r, "agentID")
	if !s.canActOnAgent(w, r, p, agentID) {
		return
	}

	var req setPaymentRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	agent, err := s.registry.SetPaymentCapability(r.Context(), agentID, req.WalletAddress, &types.PaymentCapability{
		Methods:  req.Methods,
		Networks: req.Networks,
		Extra:    req.Extra,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent.Redacted())
}

func (s *Server) handleAgentUnregister(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	agentID := chi.URLParam(r, "agentID")
	if !enforceSelf(w, p, agentID) {
		return
	}
	if err := s.registry.Unregister(r.Context(), agentID, actor(p)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownerFor resolves the identity an ownership check should compare against:
// operators act as the agent's current owner, everyone else as themselves.
func (s *Server) ownerFor(ctx context.Context, p *auth.Principal, agentID string) (string, error) {
	if p.Kind != auth.PrincipalOperator {
		return actor(p), nil
	}
	agent, err := s.registry.Get(ctx, agentID)
	if err != nil {
		return "", err
	}
	return agent.Owner, nil
}

// canActOnAgent enforces mutation rules: agents act on themselves, humans on
// agents they own, operators on anything.
func (s *Server) canActOnAgent(w http.ResponseWriter, r *http.Request, p *auth.Principal, agentID string) bool {
	switch p.Kind {
	case auth.PrincipalOperator:
		return true
	case auth.PrincipalAgent:
		return enforceSelf(w, p, agentID)
	default:
		agent, err := s.registry.Get(r.Context(), agentID)
		if err != nil {
			writeError(w, err)
			return false
		}
		if agent.Owner != p.Subject {
			writeError(w, errs.E(errs.PermissionDenied, "caller does not own agent %s", agentID))
			return false
		}
		return true
	}
}
