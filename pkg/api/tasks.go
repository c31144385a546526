package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/acnlabs/acn/pkg/auth"
	"github.com/acnlabs/acn/pkg/errs"
	"github.com/acnlabs/acn/pkg/payment"
	"github.com/acnlabs/acn/pkg/storage"
	"github.com/acnlabs/acn/pkg/tasks"
	"github.com/acnlabs/acn/pkg/types"
)

func (s *Server) taskRoutes(r chi.Router) {
	r.Post("/", s.handleTaskCreate)
	r.Get("/", s.handleTaskList)

	r.Route("/payments", func(r chi.Router) {
		r.Get("/discovery", s.handlePaymentDiscovery)
		r.Post("/", s.handlePaymentTaskCreate)
		r.Get("/{paymentTaskID}", s.handlePaymentTaskGet)
	})

	r.Route("/participations/{participationID}", func(r chi.Router) {
		r.Post("/review", s.handleParticipationReview)
		r.Post("/cancel", s.handleParticipationCancel)
	})

	r.Route("/{taskID}", func(r chi.Router) {
		r.Get("/", s.handleTaskGet)
		r.Post("/accept", s.handleTaskAccept)
		r.Post("/submit", s.handleTaskSubmit)
		r.Post("/review", s.handleTaskReview)
		r.Post("/cancel", s.handleTaskCancel)
		r.Get("/participations", s.handleTaskParticipations)
		r.Get("/completions", s.handleTaskCompletions)
	})
}

type createTaskRequest struct {
	// Creator fields are honored for operator callers only; agents and
	// humans create as themselves.
	CreatorType types.CreatorType `json:"creator_type,omitempty"`
	CreatorID   string            `json:"creator_id,omitempty"`
	CreatorName string            `json:"creator_name,omitempty"`

	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	TaskType       string   `json:"task_type,omitempty"`
	Mode           string   `json:"mode,omitempty"`
	RequiredSkills []string `json:"required_skills,omitempty"`

	RewardAmount   string `json:"reward_amount,omitempty"`
	RewardCurrency string `json:"reward_currency,omitempty"`
	RewardUnit     string `json:"reward_unit,omitempty"`

	ApprovalType string `json:"approval_type,omitempty"`
	ValidatorID  string `json:"validator_id,omitempty"`

	IsMultiParticipant bool `json:"is_multi_participant,omitempty"`
	AllowRepeatBySame  bool `json:"allow_repeat_by_same,omitempty"`
	MaxCompletions     int  `json:"max_completions,omitempty"`
	DeadlineHours      int  `json:"deadline_hours,omitempty"`

	AssigneeID string                 `json:"assignee_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`

	PaymentMethod  string `json:"payment_method,omitempty"`
	PaymentNetwork string `json:"payment_network,omitempty"`
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req createTaskRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	in := &tasks.CreateInput{
		Title:              req.Title,
		Description:        req.Description,
		TaskType:           req.TaskType,
		Mode:               types.TaskMode(req.Mode),
		RequiredSkills:     req.RequiredSkills,
		RewardAmount:       req.RewardAmount,
		RewardCurrency:     req.RewardCurrency,
		RewardUnit:         types.RewardUnit(req.RewardUnit),
		ApprovalType:       types.ApprovalType(req.ApprovalType),
		ValidatorID:        req.ValidatorID,
		IsMultiParticipant: req.IsMultiParticipant,
		AllowRepeatBySame:  req.AllowRepeatBySame,
		MaxCompletions:     req.MaxCompletions,
		DeadlineHours:      req.DeadlineHours,
		AssigneeID:         req.AssigneeID,
		Metadata:           req.Metadata,
		PaymentMethod:      req.PaymentMethod,
		PaymentNetwork:     req.PaymentNetwork,
	}

	switch p.Kind {
	case auth.PrincipalAgent:
		in.CreatorType = types.CreatorTypeAgent
		in.CreatorID = p.AgentID()
		if p.Agent != nil {
			in.CreatorName = p.Agent.Name
		}
	case auth.PrincipalHuman:
		in.CreatorType = types.CreatorTypeHuman
		in.CreatorID = p.Subject
		in.CreatorName = req.CreatorName
	default:
		in.CreatorType = req.CreatorType
		in.CreatorID = req.CreatorID
		in.CreatorName = req.CreatorName
	}

	task, err := s.tasks.Create(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// handleTaskList searches tasks. for_agent returns open tasks matching that
// agent's skills; otherwise the filter params apply directly.
func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	if forAgent := r.URL.Query().Get("for_agent"); forAgent != "" {
		if !enforceSelf(w, p, forAgent) {
			return
		}
		found, err := s.tasks.SearchForAgent(r.Context(), forAgent, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": found, "count": len(found)})
		return
	}

	q := &storage.TaskQuery{
		Status:     types.TaskStatus(r.URL.Query().Get("status")),
		CreatorID:  r.URL.Query().Get("creator_id"),
		AssigneeID: r.URL.Query().Get("assignee_id"),
		SubnetID:   r.URL.Query().Get("subnet_id"),
		Limit:      limit,
	}
	if raw := r.URL.Query().Get("skills"); raw != "" {
		q.Skills = strings.Split(raw, ",")
	}

	found, err := s.tasks.Search(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": found, "count": len(found)})
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r); !ok {
		return
	}
	task, err := s.tasks.Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type acceptTaskRequest struct {
	// AgentID is honored for human owners and operators; agents accept as
	// themselves.
	AgentID   string `json:"agent_id,omitempty"`
	AgentName string `json:"agent_name,omitempty"`
}

// handleTaskAccept assigns a single-assignee task or joins a
// multi-participant one.
func (s *Server) handleTaskAccept(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req acceptTaskRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	agentID, ok := s.resolveWorker(w, r, p, req.AgentID)
	if !ok {
		return
	}

	task, participation, err := s.tasks.Accept(r.Context(), chi.URLParam(r, "taskID"), agentID, req.AgentName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task":          task,
		"participation": participation,
	})
}

type submitTaskRequest struct {
	AgentID    string `json:"agent_id,omitempty"`
	Submission string `json:"submission,omitempty"`
}

func (s *Server) handleTaskSubmit(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req submitTaskRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	agentID, ok := s.resolveWorker(w, r, p, req.AgentID)
	if !ok {
		return
	}

	task, participation, err := s.tasks.Submit(r.Context(), chi.URLParam(r, "taskID"), agentID, req.Submission)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task":          task,
		"participation": participation,
	})
}

type reviewRequest struct {
	// Reviewer is honored for operator callers only.
	Reviewer string `json:"reviewer,omitempty"`
	Approve  bool   `json:"approve"`
	Notes    string `json:"notes,omitempty"`
}

func (s *Server) handleTaskReview(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req reviewRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	reviewer := actor(p)
	if reviewer == "" {
		reviewer = req.Reviewer
	}

	task, err := s.tasks.Review(r.Context(), chi.URLParam(r, "taskID"), reviewer, req.Approve, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	task, err := s.tasks.Cancel(r.Context(), chi.URLParam(r, "taskID"), actor(p))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskParticipations(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r); !ok {
		return
	}
	taskID := chi.URLParam(r, "taskID")
	participations, err := s.tasks.Participations(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_id":        taskID,
		"participations": participations,
		"count":          len(participations),
	})
}

func (s *Server) handleTaskCompletions(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r); !ok {
		return
	}
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.tasks.Get(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}
	completed := s.tasks.Completions(taskID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_id":      taskID,
		"completed_by": completed,
	})
}

func (s *Server) handleParticipationReview(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req reviewRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	reviewer := actor(p)
	if reviewer == "" {
		reviewer = req.Reviewer
	}

	participation, err := s.tasks.ReviewParticipation(r.Context(), chi.URLParam(r, "participationID"), reviewer, req.Approve, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, participation)
}

func (s *Server) handleParticipationCancel(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	participation, err := s.tasks.CancelParticipation(r.Context(), chi.URLParam(r, "participationID"), actor(p))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, participation)
}

// handlePaymentDiscovery proxies the collaborator's payment-capable agent
// listing.
func (s *Server) handlePaymentDiscovery(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r); !ok {
		return
	}
	if s.payments == nil {
		writeError(w, errs.E(errs.ExternalUnavailable, "payment service not configured"))
		return
	}
	agents, err := s.payments.DiscoverAgents(r.Context(), r.URL.Query().Get("method"), r.URL.Query().Get("network"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": agents,
		"count":  len(agents),
	})
}

type createPaymentTaskRequest struct {
	TaskID   string `json:"task_id"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Method   string `json:"method,omitempty"`
	Network  string `json:"network,omitempty"`
	PayerID  string `json:"payer_id,omitempty"`
	PayeeID  string `json:"payee_id,omitempty"`
}

func (s *Server) handlePaymentTaskCreate(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r); !ok {
		return
	}
	if s.payments == nil {
		writeError(w, errs.E(errs.ExternalUnavailable, "payment service not configured"))
		return
	}
	var req createPaymentTaskRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.payments.CreateTask(r.Context(), &payment.CreateTaskRequest{
		TaskID:   req.TaskID,
		Amount:   req.Amount,
		Currency: req.Currency,
		Method:   req.Method,
		Network:  req.Network,
		PayerID:  req.PayerID,
		PayeeID:  req.PayeeID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handlePaymentTaskGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r); !ok {
		return
	}
	if s.payments == nil {
		writeError(w, errs.E(errs.ExternalUnavailable, "payment service not configured"))
		return
	}
	task, err := s.payments.GetTask(r.Context(), chi.URLParam(r, "paymentTaskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// resolveWorker applies the acting-agent rules for task work: agents act as
// themselves, humans may drive agents they own, operators any agent.
func (s *Server) resolveWorker(w http.ResponseWriter, r *http.Request, p *auth.Principal, requested string) (string, bool) {
	if p.IsAgent() {
		if requested != "" && requested != p.AgentID() {
			writeError(w, errs.E(errs.PermissionDenied, "agents may only act on themselves"))
			return "", false
		}
		return p.AgentID(), true
	}
	if requested == "" {
		writeError(w, errs.E(errs.Validation, "agent_id is required"))
		return "", false
	}
	if p.Kind == auth.PrincipalHuman && !s.canActOnAgent(w, r, p, requested) {
		return "", false
	}
	return requested, true
}
