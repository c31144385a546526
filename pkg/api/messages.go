package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/acnlabs/acn/pkg/a2a"
	"github.com/acnlabs/acn/pkg/auth"
	"github.com/acnlabs/acn/pkg/errs"
	"github.com/acnlabs/acn/pkg/types"
)

func (s *Server) messageRoutes(r chi.Router) {
	r.With(s.rateLimit(s.sendLimiter)).Post("/send", s.handleMessageSend)
	r.With(s.rateLimit(s.broadcastLimiter)).Post("/broadcast", s.handleBroadcast)
	r.With(s.rateLimit(s.broadcastLimiter)).Post("/broadcast/skill", s.handleBroadcastBySkill)
	r.Get("/broadcast/{broadcastID}", s.handleBroadcastResult)
	r.Get("/history/{agentID}", s.handleHistory)
	if s.cfg.ExperimentalInbound {
		r.Post("/inbound", s.handleInbound)
	}
}

type sendMessageRequest struct {
	FromAgent string       `json:"from_agent,omitempty"`
	ToAgent   string       `json:"to_agent,omitempty"`
	Skills    []string     `json:"skills,omitempty"`
	Message   *a2a.Message `json:"message,omitempty"`
	Text      string       `json:"text,omitempty"`
}

// handleMessageSend routes one message point to point. With to_agent set the
// recipient is explicit; with skills set the router picks the best online
// match and reports which agent answered.
func (s *Server) handleMessageSend(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	from, ok := s.resolveSender(w, r, p, req.FromAgent)
	if !ok {
		return
	}
	msg, err := s.buildMessage(p, req.Message, req.Text)
	if err != nil {
		writeError(w, err)
		return
	}

	switch {
	case req.ToAgent != "":
		reply, err := s.router.Send(r.Context(), from, req.ToAgent, msg)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"message": reply})
	case len(req.Skills) > 0:
		reply, chosen, err := s.router.RouteBySkill(r.Context(), from, req.Skills, msg)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message":  reply,
			"agent_id": chosen,
		})
	default:
		writeError(w, errs.E(errs.Validation, "either to_agent or skills is required"))
	}
}

type broadcastRequest struct {
	FromAgent string                  `json:"from_agent,omitempty"`
	ToAgents  []string                `json:"to_agents,omitempty"`
	Skills    []string                `json:"skills,omitempty"`
	Message   *a2a.Message            `json:"message,omitempty"`
	Text      string                  `json:"text,omitempty"`
	Strategy  types.BroadcastStrategy `json:"strategy,omitempty"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req broadcastRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	from, ok := s.resolveSender(w, r, p, req.FromAgent)
	if !ok {
		return
	}
	msg, err := s.buildMessage(p, req.Message, req.Text)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.router.Broadcast(r.Context(), from, req.ToAgents, msg, req.Strategy)
	writeBroadcast(w, result, err)
}

// handleBroadcastBySkill resolves recipients by skill and fans out.
func (s *Server) handleBroadcastBySkill(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req broadcastRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	from, ok := s.resolveSender(w, r, p, req.FromAgent)
	if !ok {
		return
	}
	msg, err := s.buildMessage(p, req.Message, req.Text)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.router.SendBySkill(r.Context(), from, req.Skills, msg, req.Strategy)
	writeBroadcast(w, result, err)
}

// writeBroadcast returns the fan-out record even when deliveries failed; a
// partially failed broadcast still produced a retrievable result.
func writeBroadcast(w http.ResponseWriter, result *types.BroadcastResult, err error) {
	if err != nil {
		if result == nil {
			writeError(w, err)
			return
		}
		writeJSON(w, errs.HTTPStatus(err), map[string]interface{}{
			"detail": err.Error(),
			"result": result,
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBroadcastResult(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r); !ok {
		return
	}
	id := chi.URLParam(r, "broadcastID")
	result, ok := s.router.BroadcastResult(id)
	if !ok {
		writeError(w, errs.E(errs.NotFound, "broadcast %s not found or expired", id))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleHistory returns an agent's recent messages. Agents read their own
// history only; humans and operators may read any, including the network
// feed id "_all".
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	agentID := chi.URLParam(r, "agentID")
	if !enforceSelf(w, p, agentID) {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	entries := s.router.History(agentID, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id": agentID,
		"messages": entries,
		"count":    len(entries),
	})
}

// handleInbound accepts an A2A JSON-RPC message/send and dispatches it to
// the node's registered handlers. Mounted only with ACN_EXPERIMENTAL_INBOUND.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req a2a.Request
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusOK, a2a.NewErrorResponse(req.ID, a2a.CodeParseError, err.Error()))
		return
	}
	if req.Method != a2a.MethodSendMessage {
		writeJSON(w, http.StatusOK, a2a.NewErrorResponse(req.ID, a2a.CodeMethodNotFound, "unsupported method "+req.Method))
		return
	}
	msg, err := a2a.ParseSendParams(&req)
	if err != nil || msg == nil {
		writeJSON(w, http.StatusOK, a2a.NewErrorResponse(req.ID, a2a.CodeInvalidRequest, "params must carry a message"))
		return
	}

	from := ""
	if p.IsAgent() {
		from = p.AgentID()
	}
	handled := s.router.Dispatch(r.Context(), from, msg)

	resp := &a2a.Response{JSONRPC: "2.0", ID: req.ID}
	resp.Result, _ = json.Marshal(map[string]int{"handled": handled})
	writeJSON(w, http.StatusOK, resp)
}

// resolveSender applies the from_agent rules: agents send as themselves,
// humans may send as agents they own or anonymously, operators as anyone.
func (s *Server) resolveSender(w http.ResponseWriter, r *http.Request, p *auth.Principal, requested string) (string, bool) {
	if p.IsAgent() {
		if requested != "" && requested != p.AgentID() {
			writeError(w, errs.E(errs.PermissionDenied, "agents may only send as themselves"))
			return "", false
		}
		return p.AgentID(), true
	}
	if p.Kind == auth.PrincipalHuman && requested != "" {
		if !s.canActOnAgent(w, r, p, requested) {
			return "", false
		}
	}
	return requested, true
}

// buildMessage accepts either a full A2A message or the text shorthand.
func (s *Server) buildMessage(p *auth.Principal, msg *a2a.Message, text string) (*a2a.Message, error) {
	if msg != nil {
		return msg, nil
	}
	if text == "" {
		return nil, errs.E(errs.Validation, "either message or text is required")
	}
	role := a2a.RoleUser
	if p.IsAgent() {
		role = a2a.RoleAgent
	}
	return a2a.NewTextMessage(role, text), nil
}
