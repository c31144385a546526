package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/acnlabs/acn/pkg/a2a"
	"github.com/acnlabs/acn/pkg/audit"
	"github.com/acnlabs/acn/pkg/errs"
	"github.com/acnlabs/acn/pkg/escrow"
	"github.com/acnlabs/acn/pkg/log"
	"github.com/acnlabs/acn/pkg/metrics"
	"github.com/acnlabs/acn/pkg/payment"
	"github.com/acnlabs/acn/pkg/storage"
	"github.com/acnlabs/acn/pkg/types"
	"github.com/acnlabs/acn/pkg/wallet"
)

// CurrencyPoints is the internal credit currency. Points budgets are locked
// up front through escrow or wallet; any other currency settles through the
// external payment collaborator.
const CurrencyPoints = "points"

// AutoReviewer is the recorded reviewer identity for auto-approved
// submissions.
const AutoReviewer = "system:auto"

// Wallet is the slice of the wallet collaborator the task engine uses.
// Implemented by *wallet.Client.
type Wallet interface {
	Spend(ctx context.Context, agentID string, amount decimal.Decimal, description string) (*wallet.Result, error)
	Receive(ctx context.Context, agentID string, amount decimal.Decimal, description string) (*wallet.Result, error)
	AddEarnings(ctx context.Context, agentID string, amount decimal.Decimal, description string) (*wallet.EarningsResult, error)
}

// Escrow is the slice of the escrow collaborator the task engine uses.
// Implemented by *escrow.Client.
type Escrow interface {
	Lock(ctx context.Context, userID, taskID string, amount decimal.Decimal) (*escrow.Result, error)
	Release(ctx context.Context, creatorUserID, agentOwnerUserID, taskID string, amount decimal.Decimal) (*escrow.Result, error)
	Refund(ctx context.Context, userID, taskID string, amount decimal.Decimal) (*escrow.Result, error)
	MarkAccepted(ctx context.Context, taskID, participantID string) (*escrow.Result, error)
	MarkSubmitted(ctx context.Context, taskID, participantID string) (*escrow.Result, error)
}

// Payments opens and updates external payment tasks for real-currency
// rewards. Implemented by *payment.Client.
type Payments interface {
	CreateTask(ctx context.Context, req *payment.CreateTaskRequest) (*payment.Task, error)
	UpdateTaskStatus(ctx context.Context, id, status string) (*payment.Task, error)
}

// Notifier delivers best-effort lifecycle notifications to agents.
// Implemented by *router.Router.
type Notifier interface {
	Send(ctx context.Context, fromAgent, toAgent string, msg *a2a.Message) (*a2a.Message, error)
}

// Service runs the task pool: creation with budget locking, accept/join,
// submission, review, cancellation and reward settlement. Collaborators may
// be nil; operations that need a missing one fail (points locking) or skip
// it (payment tasks, notifications).
type Service struct {
	store    storage.Store
	eph      storage.Ephemeral
	recorder *audit.Recorder
	wallet   Wallet
	escrow   Escrow
	payments Payments
	notifier Notifier

	logger zerolog.Logger
}

// New creates the task engine.
func New(store storage.Store, eph storage.Ephemeral, recorder *audit.Recorder, w Wallet, e Escrow, p Payments) *Service {
	return &Service{
		store:    store,
		eph:      eph,
		recorder: recorder,
		wallet:   w,
		escrow:   e,
		payments: p,
		logger:   log.WithComponent("tasks"),
	}
}

// SetNotifier wires the optional lifecycle notifier. Called once at boot;
// not safe to swap while requests are in flight.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// CreateInput carries the caller-supplied task fields.
type CreateInput struct {
	CreatorType types.CreatorType
	CreatorID   string
	CreatorName string

	Title          string
	Description    string
	TaskType       string
	Mode           types.TaskMode
	RequiredSkills []string

	RewardAmount   string
	RewardCurrency string
	RewardUnit     types.RewardUnit

	ApprovalType types.ApprovalType
	ValidatorID  string

	IsMultiParticipant bool
	AllowRepeatBySame  bool
	MaxCompletions     int
	DeadlineHours      int

	AssigneeID string
	Metadata   map[string]interface{}

	// Hints forwarded to the payment collaborator for real-currency tasks.
	PaymentMethod  string
	PaymentNetwork string
}

// Create opens a task. For points tasks the full budget is locked up front:
// human creators lock through escrow, agent creators spend from their
// wallet; a failed lock aborts creation. Real-currency tasks open an
// external payment task; a collaborator failure there is logged and does
// not abort.
func (s *Service) Create(ctx context.Context, in *CreateInput) (*types.Task, error) {
	task, err := s.buildTask(in)
	if err != nil {
		return nil, err
	}

	if task.RewardCurrency == CurrencyPoints {
		if err := s.lockBudget(ctx, task); err != nil {
			return nil, err
		}
	} else if s.payments != nil {
		s.openPaymentTask(ctx, task, in)
	}

	if err := s.store.CreateTask(task); err != nil {
		// Budget is locked but the row failed to persist; refund eagerly so
		// the creator is not left charged for a task that does not exist.
		s.refundBudget(ctx, task, task.Budget())
		return nil, err
	}

	s.recorder.Activity(&types.Activity{
		Type:        types.ActivityTaskCreated,
		ActorType:   task.CreatorType,
		ActorID:     task.CreatorID,
		ActorName:   task.CreatorName,
		Description: fmt.Sprintf("task %q created (%s %s per completion)", task.Title, task.RewardAmount, task.RewardCurrency),
		Points:      task.RewardAmount,
		TaskID:      task.ID,
	})
	s.recorder.Emit(audit.EventTaskCreated, map[string]interface{}{
		"task_id":    task.ID,
		"creator_id": task.CreatorID,
		"title":      task.Title,
		"budget":     task.TotalBudget,
		"currency":   task.RewardCurrency,
	})
	s.syncTaskGauges()

	s.logger.Info().
		Str("task_id", task.ID).
		Str("creator_id", task.CreatorID).
		Str("budget", task.TotalBudget).
		Str("currency", task.RewardCurrency).
		Bool("multi", task.IsMultiParticipant).
		Msg("Task created")
	return task, nil
}

// buildTask normalizes the input into a validated task row.
func (s *Service) buildTask(in *CreateInput) (*types.Task, error) {
	if in.CreatorType == "" {
		in.CreatorType = types.CreatorTypeHuman
	}
	mode := in.Mode
	if mode == "" {
		if in.AssigneeID != "" {
			mode = types.TaskModeAssigned
		} else {
			mode = types.TaskModeOpen
		}
	}
	currency := in.RewardCurrency
	if currency == "" {
		currency = CurrencyPoints
	}
	unit := in.RewardUnit
	if unit == "" {
		unit = types.RewardUnitCompletion
	}
	approval := in.ApprovalType
	if approval == "" {
		approval = types.ApprovalManual
	}
	if approval == types.ApprovalValidator && in.ValidatorID == "" {
		return nil, errs.E(errs.Validation, "validator approval requires a validator id")
	}

	amount := in.RewardAmount
	if amount == "" {
		amount = "0"
	}
	reward, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, errs.E(errs.Validation, "invalid reward amount %q", in.RewardAmount)
	}
	if reward.IsNegative() {
		return nil, errs.E(errs.Validation, "reward amount must not be negative")
	}

	// Single-completion tasks lock reward x 1; capacity-bounded tasks lock
	// the full quota. Unbounded multi-participant tasks lock one reward up
	// front and hit the budget ceiling at completion time.
	slots := in.MaxCompletions
	if slots < 1 {
		slots = 1
	}
	budget := reward.Mul(decimal.NewFromInt(int64(slots)))

	task := &types.Task{
		ID:                 uuid.NewString(),
		Mode:               mode,
		Status:             types.TaskStatusOpen,
		CreatorType:        in.CreatorType,
		CreatorID:          in.CreatorID,
		CreatorName:        in.CreatorName,
		Title:              in.Title,
		Description:        in.Description,
		TaskType:           in.TaskType,
		RequiredSkills:     in.RequiredSkills,
		RewardAmount:       reward.String(),
		RewardCurrency:     currency,
		RewardUnit:         unit,
		TotalBudget:        budget.String(),
		ReleasedAmount:     decimal.Zero.String(),
		IsMultiParticipant: in.IsMultiParticipant,
		AllowRepeatBySame:  in.AllowRepeatBySame,
		MaxCompletions:     in.MaxCompletions,
		ApprovalType:       approval,
		ValidatorID:        in.ValidatorID,
		AssigneeID:         in.AssigneeID,
		Metadata:           in.Metadata,
		CreatedAt:          time.Now().UTC(),
	}
	if in.RequiredSkills == nil {
		task.RequiredSkills = []string{}
	}
	if in.DeadlineHours > 0 {
		d := task.CreatedAt.Add(time.Duration(in.DeadlineHours) * time.Hour)
		task.Deadline = &d
	}
	if err := task.Validate(); err != nil {
		return nil, errs.Wrap(errs.Validation, err, "invalid task")
	}
	return task, nil
}

// lockBudget reserves a points task's full budget from its creator.
func (s *Service) lockBudget(ctx context.Context, task *types.Task) error {
	budget := task.Budget()
	if budget.IsZero() {
		return nil
	}

	if task.CreatorType == types.CreatorTypeAgent {
		if s.wallet == nil {
			return errs.E(errs.ExternalUnavailable, "wallet collaborator not configured; cannot lock agent budget")
		}
		res, err := s.wallet.Spend(ctx, task.CreatorID, budget, "budget lock for task "+task.ID)
		if err != nil {
			metrics.EscrowOperations.WithLabelValues("lock", "error").Inc()
			return err
		}
		if !res.Success {
			metrics.EscrowOperations.WithLabelValues("lock", "rejected").Inc()
			return errs.EC(errs.InsufficientBudget, errs.CodeInsufficientBudget,
				"wallet refused budget lock: %s", res.Error)
		}
		metrics.EscrowOperations.WithLabelValues("lock", "ok").Inc()
		return nil
	}

	if s.escrow == nil {
		return errs.E(errs.ExternalUnavailable, "escrow collaborator not configured; cannot lock budget")
	}
	res, err := s.escrow.Lock(ctx, task.CreatorID, task.ID, budget)
	if err != nil {
		metrics.EscrowOperations.WithLabelValues("lock", "error").Inc()
		return err
	}
	if !res.Success {
		metrics.EscrowOperations.WithLabelValues("lock", "rejected").Inc()
		return errs.EC(errs.InsufficientBudget, errs.CodeInsufficientBudget,
			"escrow refused budget lock: %s", res.Error)
	}
	metrics.EscrowOperations.WithLabelValues("lock", "ok").Inc()
	return nil
}

// refundBudget returns unreleased points to the creator. Collaborator
// failures are logged; the cancellation itself stands.
func (s *Service) refundBudget(ctx context.Context, task *types.Task, amount decimal.Decimal) {
	if task.RewardCurrency != CurrencyPoints || amount.IsZero() || amount.IsNegative() {
		return
	}

	var err error
	var ok bool
	if task.CreatorType == types.CreatorTypeAgent {
		if s.wallet == nil {
			return
		}
		var res *wallet.Result
		res, err = s.wallet.Receive(ctx, task.CreatorID, amount, "refund for task "+task.ID)
		ok = err == nil && res.Success
	} else {
		if s.escrow == nil {
			return
		}
		var res *escrow.Result
		res, err = s.escrow.Refund(ctx, task.CreatorID, task.ID, amount)
		ok = err == nil && res.Success
	}

	if !ok {
		metrics.EscrowOperations.WithLabelValues("refund", "error").Inc()
		s.logger.Error().
			Err(err).
			Str("task_id", task.ID).
			Str("amount", amount.String()).
			Msg("Budget refund failed; reconcile manually")
		return
	}
	metrics.EscrowOperations.WithLabelValues("refund", "ok").Inc()
}

// openPaymentTask registers a real-currency task with the payment
// collaborator. Failure is logged and creation continues.
func (s *Service) openPaymentTask(ctx context.Context, task *types.Task, in *CreateInput) {
	pt, err := s.payments.CreateTask(ctx, &payment.CreateTaskRequest{
		TaskID:   task.ID,
		Amount:   task.TotalBudget,
		Currency: task.RewardCurrency,
		Method:   in.PaymentMethod,
		Network:  in.PaymentNetwork,
		PayerID:  task.CreatorID,
	})
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("task_id", task.ID).
			Msg("Payment collaborator rejected task creation; continuing without external payment id")
		return
	}
	task.ExternalPaymentID = pt.ID
	s.recorder.Emit(audit.EventPaymentTaskCreated, map[string]interface{}{
		"task_id":         task.ID,
		"payment_task_id": pt.ID,
		"amount":          task.TotalBudget,
		"currency":        task.RewardCurrency,
	})
}

// Get fetches a task by id.
func (s *Service) Get(ctx context.Context, taskID string) (*types.Task, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	task.ActiveParticipantsCount = s.eph.ActiveCount(taskID)
	return task, nil
}

// Search lists tasks with optional filters, newest first.
func (s *Service) Search(ctx context.Context, q *storage.TaskQuery) ([]*types.Task, error) {
	found, err := s.store.SearchTasks(q)
	if err != nil {
		return nil, err
	}
	for _, t := range found {
		if t.IsMultiParticipant {
			t.ActiveParticipantsCount = s.eph.ActiveCount(t.ID)
		}
	}
	return found, nil
}

// SearchForAgent returns up to limit open tasks whose required skills are a
// subset of the agent's skills, newest first.
func (s *Service) SearchForAgent(ctx context.Context, agentID string, limit int) ([]*types.Task, error) {
	agent, err := s.store.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	return s.Search(ctx, &storage.TaskQuery{
		Status: types.TaskStatusOpen,
		Skills: agent.Skills,
		Limit:  limit,
	})
}

// Participations lists a task's participations.
func (s *Service) Participations(ctx context.Context, taskID string) ([]*types.Participation, error) {
	if _, err := s.store.GetTask(taskID); err != nil {
		return nil, err
	}
	return s.store.ListParticipationsByTask(taskID)
}

// Completions returns the agents recorded as having completed the task.
func (s *Service) Completions(taskID string) []string {
	return s.eph.Completions(taskID)
}

// syncTaskGauges refreshes the per-status task gauges from the store.
func (s *Service) syncTaskGauges() {
	all, err := s.store.ListTasks()
	if err != nil {
		return
	}
	counts := make(map[types.TaskStatus]int)
	for _, t := range all {
		counts[t.Status]++
	}
	for _, status := range []types.TaskStatus{
		types.TaskStatusOpen,
		types.TaskStatusAssigned,
		types.TaskStatusInProgress,
		types.TaskStatusSubmitted,
		types.TaskStatusCompleted,
		types.TaskStatusRejected,
		types.TaskStatusCancelled,
	} {
		metrics.TasksTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// mirrorActiveCount refreshes the task row's display counter from the
// ephemeral counter. Capacity decisions never read the mirror.
func (s *Service) mirrorActiveCount(taskID string) {
	if _, err := s.store.MutateTask(taskID, func(t *types.Task) error {
		t.ActiveParticipantsCount = s.eph.ActiveCount(taskID)
		return nil
	}); err != nil {
		s.logger.Debug().Err(err).Str("task_id", taskID).Msg("Active-count mirror update skipped")
	}
}
