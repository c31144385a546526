package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/acnlabs/acn/pkg/errs"
	"github.com/acnlabs/acn/pkg/gateway"
	"github.com/acnlabs/acn/pkg/types"
)

func (s *Server) subnetRoutes(r chi.Router) {
	r.Post("/", s.handleSubnetCreate)
	r.Get("/", s.handleSubnetList)
	r.Route("/{subnetID}", func(r chi.Router) {
		r.Get("/", s.handleSubnetGet)
		r.Delete("/", s.handleSubnetDelete)
		r.Post("/join", s.handleSubnetJoin)
		r.Post("/leave", s.handleSubnetLeave)
	})
}

type createSubnetRequest struct {
	ID              string                          `json:"subnet_id,omitempty"`
	Name            string                          `json:"name"`
	IsPrivate       bool                            `json:"is_private,omitempty"`
	SecuritySchemes map[string]types.SecurityScheme `json:"security_schemes,omitempty"`
}

// handleSubnetCreate registers a subnet owned by the caller. Private subnets
// come back with their secret token exactly once.
func (s *Server) handleSubnetCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req createSubnetRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	owner := actor(p)
	if owner == "" {
		owner = types.OwnerSystem
	}

	subnet, err := s.gateway.CreateSubnet(r.Context(), &gateway.CreateSubnetInput{
		ID:              req.ID,
		Name:            req.Name,
		Owner:           owner,
		IsPrivate:       req.IsPrivate,
		SecuritySchemes: req.SecuritySchemes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, subnet)
}

func (s *Server) handleSubnetList(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r); !ok {
		return
	}
	subnets, err := s.gateway.ListSubnets(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	type subnetView struct {
		*types.Subnet
		Connections int `json:"connections"`
	}
	out := make([]subnetView, 0, len(subnets))
	for _, sn := range subnets {
		out = append(out, subnetView{Subnet: sn, Connections: s.gateway.ConnectionCount(sn.ID)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subnets": out,
		"count":   len(out),
	})
}

func (s *Server) handleSubnetGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r); !ok {
		return
	}
	subnet, err := s.gateway.GetSubnet(r.Context(), chi.URLParam(r, "subnetID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subnet)
}

func (s *Server) handleSubnetDelete(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if err := s.gateway.DeleteSubnet(r.Context(), chi.URLParam(r, "subnetID"), actor(p), force); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type subnetMemberRequest struct {
	AgentID string `json:"agent_id"`
	Secret  string `json:"secret,omitempty"`
}

// handleSubnetJoin adds an agent to a subnet. Agents join themselves; humans
// and operators may enrol agents they control. Private subnets require the
// secret unless the caller owns the subnet.
func (s *Server) handleSubnetJoin(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req subnetMemberRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	agentID := req.AgentID
	if p.IsAgent() && agentID == "" {
		agentID = p.AgentID()
	}
	if agentID == "" {
		writeError(w, errs.E(errs.Validation, "agent_id is required"))
		return
	}
	if !s.canActOnAgent(w, r, p, agentID) {
		return
	}

	subnet, err := s.gateway.JoinSubnet(r.Context(), chi.URLParam(r, "subnetID"), agentID, actor(p), req.Secret)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subnet)
}

func (s *Server) handleSubnetLeave(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req subnetMemberRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	agentID := req.AgentID
	if p.IsAgent() && agentID == "" {
		agentID = p.AgentID()
	}
	if agentID == "" {
		writeError(w, errs.E(errs.Validation, "agent_id is required"))
		return
	}
	if !s.canActOnAgent(w, r, p, agentID) {
		return
	}

	subnet, err := s.gateway.LeaveSubnet(r.Context(), chi.URLParam(r, "subnetID"), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subnet)
}
