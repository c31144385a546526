package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acnlabs/acn/pkg/audit"
	"github.com/acnlabs/acn/pkg/errs"
	"github.com/acnlabs/acn/pkg/types"
)

// Accept claims a task for an agent. Single-assignee tasks transition
// open -> in_progress with the agent as assignee; when a pre-assignee is
// set only that agent may accept. Multi-participant tasks create a new
// participation instead, subject to capacity and duplicate checks.
func (s *Service) Accept(ctx context.Context, taskID, agentID, agentName string) (*types.Task, *types.Participation, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, nil, err
	}
	if agentName == "" {
		if agent, err := s.store.GetAgent(agentID); err == nil {
			agentName = agent.Name
		}
	}

	if task.IsMultiParticipant {
		p, err := s.join(ctx, task, agentID, agentName)
		if err != nil {
			return nil, nil, err
		}
		if task, err = s.Get(ctx, taskID); err != nil {
			return nil, nil, err
		}
		return task, p, nil
	}

	task, err = s.store.MutateTask(taskID, func(t *types.Task) error {
		if t.Status != types.TaskStatusOpen {
			return errs.E(errs.InvalidState, "task %s is %s, not open", t.ID, t.Status)
		}
		if t.AssigneeID != "" && t.AssigneeID != agentID {
			return errs.E(errs.PermissionDenied, "task %s is reserved for %s", t.ID, t.AssigneeID)
		}
		now := time.Now().UTC()
		t.AssigneeID = agentID
		t.AssigneeName = agentName
		t.Status = types.TaskStatusInProgress
		t.AcceptedAt = &now
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.markAccepted(ctx, taskID, agentID)
	s.recorder.Activity(&types.Activity{
		Type:        types.ActivityTaskAccepted,
		ActorType:   types.CreatorTypeAgent,
		ActorID:     agentID,
		ActorName:   agentName,
		Description: fmt.Sprintf("task %q accepted", task.Title),
		TaskID:      task.ID,
	})
	s.recorder.Emit(audit.EventTaskAccepted, map[string]interface{}{
		"task_id":  task.ID,
		"agent_id": agentID,
	})
	s.syncTaskGauges()
	s.logger.Info().Str("task_id", task.ID).Str("agent_id", agentID).Msg("Task accepted")
	return task, nil, nil
}

// join inserts a participation through the store's atomic join, which
// enforces open status, capacity and the duplicate rule under the task
// row lock.
func (s *Service) join(ctx context.Context, task *types.Task, agentID, agentName string) (*types.Participation, error) {
	p := &types.Participation{
		ID:              uuid.NewString(),
		TaskID:          task.ID,
		ParticipantID:   agentID,
		ParticipantName: agentName,
		ParticipantType: types.CreatorTypeAgent,
		Status:          types.ParticipationActive,
		JoinedAt:        time.Now().UTC(),
	}
	if err := s.store.JoinTask(task.ID, p); err != nil {
		return nil, err
	}

	s.eph.IncrActiveCount(task.ID)
	s.mirrorActiveCount(task.ID)
	s.markAccepted(ctx, task.ID, agentID)

	s.recorder.Activity(&types.Activity{
		Type:        types.ActivityTaskAccepted,
		ActorType:   types.CreatorTypeAgent,
		ActorID:     agentID,
		ActorName:   agentName,
		Description: fmt.Sprintf("joined task %q", task.Title),
		TaskID:      task.ID,
	})
	s.recorder.Emit(audit.EventTaskAccepted, map[string]interface{}{
		"task_id":          task.ID,
		"agent_id":         agentID,
		"participation_id": p.ID,
	})
	s.logger.Info().
		Str("task_id", task.ID).
		Str("agent_id", agentID).
		Str("participation_id", p.ID).
		Msg("Agent joined task")
	return p, nil
}

// markAccepted advances the escrow progression; failures are logged only.
func (s *Service) markAccepted(ctx context.Context, taskID, participantID string) {
	if s.escrow == nil {
		return
	}
	if _, err := s.escrow.MarkAccepted(ctx, taskID, participantID); err != nil {
		s.logger.Debug().Err(err).Str("task_id", taskID).Msg("Escrow accept mark failed")
	}
}

// Submit records a work submission. Single-assignee tasks require the
// current assignee and in_progress status; multi-participant tasks submit
// the agent's active participation. With auto approval the review runs
// immediately under the system:auto reviewer.
func (s *Service) Submit(ctx context.Context, taskID, agentID, submission string) (*types.Task, *types.Participation, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, nil, err
	}

	if task.IsMultiParticipant {
		p, err := s.submitParticipation(ctx, task, agentID, submission)
		if err != nil {
			return nil, nil, err
		}
		if task.ApprovalType == types.ApprovalAuto {
			if p, err = s.ReviewParticipation(ctx, p.ID, AutoReviewer, true, "auto-approved"); err != nil {
				return nil, nil, err
			}
		}
		if task, err = s.Get(ctx, taskID); err != nil {
			return nil, nil, err
		}
		return task, p, nil
	}

	task, err = s.store.MutateTask(taskID, func(t *types.Task) error {
		if t.AssigneeID != agentID {
			return errs.E(errs.PermissionDenied, "task %s is assigned to %s", t.ID, t.AssigneeID)
		}
		if t.Status != types.TaskStatusInProgress {
			return errs.E(errs.InvalidState, "task %s is %s, not in_progress", t.ID, t.Status)
		}
		now := time.Now().UTC()
		t.Status = types.TaskStatusSubmitted
		t.Submission = submission
		t.SubmittedAt = &now
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.markSubmitted(ctx, taskID, agentID)
	s.recorder.Activity(&types.Activity{
		Type:        types.ActivityTaskSubmitted,
		ActorType:   types.CreatorTypeAgent,
		ActorID:     agentID,
		Description: fmt.Sprintf("work submitted for task %q", task.Title),
		TaskID:      task.ID,
	})
	s.recorder.Emit(audit.EventTaskSubmitted, map[string]interface{}{
		"task_id":  task.ID,
		"agent_id": agentID,
	})
	s.syncTaskGauges()
	s.logger.Info().Str("task_id", task.ID).Str("agent_id", agentID).Msg("Work submitted")

	if task.ApprovalType == types.ApprovalAuto {
		if task, err = s.Review(ctx, taskID, AutoReviewer, true, "auto-approved"); err != nil {
			return nil, nil, err
		}
	}
	return task, nil, nil
}

// submitParticipation transitions the agent's active participation to
// submitted.
func (s *Service) submitParticipation(ctx context.Context, task *types.Task, agentID, submission string) (*types.Participation, error) {
	existing, err := s.store.ListParticipationsByTask(task.ID)
	if err != nil {
		return nil, err
	}
	var target *types.Participation
	for _, p := range existing {
		if p.ParticipantID == agentID && p.Status == types.ParticipationActive {
			target = p
			break
		}
	}
	if target == nil {
		return nil, errs.E(errs.InvalidState, "agent %s has no active participation in task %s", agentID, task.ID)
	}

	p, err := s.store.MutateParticipation(target.ID, func(p *types.Participation) error {
		if p.Status != types.ParticipationActive {
			return errs.E(errs.InvalidState, "participation %s is %s, not active", p.ID, p.Status)
		}
		now := time.Now().UTC()
		p.Status = types.ParticipationSubmitted
		p.Submission = submission
		p.SubmittedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.markSubmitted(ctx, task.ID, agentID)
	s.recorder.Activity(&types.Activity{
		Type:        types.ActivityTaskSubmitted,
		ActorType:   types.CreatorTypeAgent,
		ActorID:     agentID,
		ActorName:   p.ParticipantName,
		Description: fmt.Sprintf("work submitted for task %q", task.Title),
		TaskID:      task.ID,
	})
	s.recorder.Emit(audit.EventTaskSubmitted, map[string]interface{}{
		"task_id":          task.ID,
		"agent_id":         agentID,
		"participation_id": p.ID,
	})
	s.logger.Info().
		Str("task_id", task.ID).
		Str("agent_id", agentID).
		Str("participation_id", p.ID).
		Msg("Participation submitted")
	return p, nil
}

// markSubmitted advances the escrow progression; failures are logged only.
func (s *Service) markSubmitted(ctx context.Context, taskID, participantID string) {
	if s.escrow == nil {
		return
	}
	if _, err := s.escrow.MarkSubmitted(ctx, taskID, participantID); err != nil {
		s.logger.Debug().Err(err).Str("task_id", taskID).Msg("Escrow submit mark failed")
	}
}

// canReview reports whether the reviewer may judge the task: the creator
// always can, the configured validator can on validator-approval tasks, and
// the auto reviewer is used internally for auto-approval tasks.
func canReview(task *types.Task, reviewer string) bool {
	if reviewer == task.CreatorID {
		return true
	}
	if task.ApprovalType == types.ApprovalValidator && reviewer != "" && reviewer == task.ValidatorID {
		return true
	}
	return reviewer == AutoReviewer && task.ApprovalType == types.ApprovalAuto
}

// Review approves or rejects a single-assignee submission. Approval runs
// the budget check, increments completed_count and released_amount under
// the row lock, then settles the reward. Repeatable open-mode tasks with
// quota remaining reset to open for the next completion.
func (s *Service) Review(ctx context.Context, taskID, reviewer string, approve bool, notes string) (*types.Task, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.IsMultiParticipant {
		return nil, errs.E(errs.Validation, "task %s is multi-participant; review its participations instead", taskID)
	}
	if !canReview(task, reviewer) {
		return nil, errs.E(errs.PermissionDenied, "%s may not review task %s", reviewer, taskID)
	}

	if !approve {
		task, err = s.store.MutateTask(taskID, func(t *types.Task) error {
			if t.Status != types.TaskStatusSubmitted {
				return errs.E(errs.InvalidState, "task %s is %s, not submitted", t.ID, t.Status)
			}
			t.Status = types.TaskStatusRejected
			t.ReviewedBy = reviewer
			t.ReviewNotes = notes
			return nil
		})
		if err != nil {
			return nil, err
		}
		s.recorder.Activity(&types.Activity{
			Type:        types.ActivityTaskRejected,
			ActorType:   task.CreatorType,
			ActorID:     reviewer,
			Description: fmt.Sprintf("task %q rejected", task.Title),
			TaskID:      task.ID,
		})
		s.recorder.Emit(audit.EventTaskRejected, map[string]interface{}{
			"task_id":  task.ID,
			"reviewer": reviewer,
		})
		s.syncTaskGauges()
		s.notifyAgent(task.AssigneeID, "task_rejected", task.ID,
			fmt.Sprintf("Your submission for task %q was rejected: %s", task.Title, notes))
		return task, nil
	}

	var completedBy string
	task, err = s.store.MutateTask(taskID, func(t *types.Task) error {
		if t.Status != types.TaskStatusSubmitted {
			return errs.E(errs.InvalidState, "task %s is %s, not submitted", t.ID, t.Status)
		}
		if t.RemainingBudget().LessThan(t.Reward()) {
			return errs.EC(errs.InsufficientBudget, errs.CodeInsufficientBudget,
				"task %s has %s remaining, reward is %s", t.ID, t.RemainingBudget(), t.Reward())
		}
		completedBy = t.AssigneeID
		t.CompletedCount++
		t.ReleasedAmount = t.Released().Add(t.Reward()).String()
		t.ReviewedBy = reviewer
		t.ReviewNotes = notes

		if t.Mode == types.TaskModeOpen && t.MaxCompletions > 0 && t.CompletedCount < t.MaxCompletions {
			// Quota remains; reopen for the next taker.
			t.Status = types.TaskStatusOpen
			t.AssigneeID = ""
			t.AssigneeName = ""
			t.Submission = ""
			t.AcceptedAt = nil
			t.SubmittedAt = nil
			return nil
		}
		now := time.Now().UTC()
		t.Status = types.TaskStatusCompleted
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.eph.AddCompletion(taskID, completedBy)
	s.releaseReward(ctx, task, completedBy)

	s.recorder.Activity(&types.Activity{
		Type:        types.ActivityTaskApproved,
		ActorType:   task.CreatorType,
		ActorID:     reviewer,
		Description: fmt.Sprintf("task %q approved", task.Title),
		Points:      task.RewardAmount,
		TaskID:      task.ID,
	})
	s.recorder.Emit(audit.EventTaskCompleted, map[string]interface{}{
		"task_id":  task.ID,
		"agent_id": completedBy,
		"reviewer": reviewer,
		"reopened": task.Status == types.TaskStatusOpen,
	})
	s.syncTaskGauges()
	s.notifyAgent(completedBy, "task_approved", task.ID,
		fmt.Sprintf("Your submission for task %q was approved; reward %s %s", task.Title, task.RewardAmount, task.RewardCurrency))
	s.logger.Info().
		Str("task_id", task.ID).
		Str("agent_id", completedBy).
		Str("status", string(task.Status)).
		Msg("Task approved")

	// Reload so the caller sees settlement fields written by releaseReward.
	return s.Get(ctx, taskID)
}

// ReviewParticipation approves or rejects one participation of a
// multi-participant task. Approval runs the store's atomic completion
// (budget check, completed_count and released_amount under the task row
// lock), then settles the reward and completes the task once the quota
// is filled.
func (s *Service) ReviewParticipation(ctx context.Context, participationID, reviewer string, approve bool, notes string) (*types.Participation, error) {
	p, err := s.store.GetParticipation(participationID)
	if err != nil {
		return nil, err
	}
	task, err := s.store.GetTask(p.TaskID)
	if err != nil {
		return nil, err
	}
	if !canReview(task, reviewer) {
		return nil, errs.E(errs.PermissionDenied, "%s may not review task %s", reviewer, task.ID)
	}

	if !approve {
		p, err = s.store.MutateParticipation(participationID, func(p *types.Participation) error {
			if p.Status != types.ParticipationSubmitted {
				return errs.E(errs.InvalidState, "participation %s is %s, not submitted", p.ID, p.Status)
			}
			now := time.Now().UTC()
			p.Status = types.ParticipationRejected
			p.ReviewedBy = reviewer
			p.ReviewNotes = notes
			p.ReviewedAt = &now
			return nil
		})
		if err != nil {
			return nil, err
		}
		s.eph.DecrActiveCount(task.ID)
		s.mirrorActiveCount(task.ID)
		s.recorder.Activity(&types.Activity{
			Type:        types.ActivityTaskRejected,
			ActorType:   task.CreatorType,
			ActorID:     reviewer,
			Description: fmt.Sprintf("submission by %s for task %q rejected", p.ParticipantID, task.Title),
			TaskID:      task.ID,
		})
		s.recorder.Emit(audit.EventTaskRejected, map[string]interface{}{
			"task_id":          task.ID,
			"participation_id": p.ID,
			"agent_id":         p.ParticipantID,
			"reviewer":         reviewer,
		})
		s.notifyAgent(p.ParticipantID, "task_rejected", task.ID,
			fmt.Sprintf("Your submission for task %q was rejected: %s", task.Title, notes))
		return p, nil
	}

	p, task, err = s.store.CompleteParticipation(participationID)
	if err != nil {
		return nil, err
	}
	p, err = s.store.MutateParticipation(participationID, func(p *types.Participation) error {
		p.ReviewedBy = reviewer
		p.ReviewNotes = notes
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.eph.DecrActiveCount(task.ID)
	s.eph.AddCompletion(task.ID, p.ParticipantID)
	s.mirrorActiveCount(task.ID)

	if task.MaxCompletions > 0 && task.CompletedCount >= task.MaxCompletions {
		if t, err := s.store.MutateTask(task.ID, func(t *types.Task) error {
			if t.Status.IsTerminal() {
				return nil
			}
			now := time.Now().UTC()
			t.Status = types.TaskStatusCompleted
			t.CompletedAt = &now
			return nil
		}); err == nil {
			task = t
		}
	}

	s.releaseReward(ctx, task, p.ParticipantID)

	s.recorder.Activity(&types.Activity{
		Type:        types.ActivityTaskApproved,
		ActorType:   task.CreatorType,
		ActorID:     reviewer,
		Description: fmt.Sprintf("submission by %s for task %q approved", p.ParticipantID, task.Title),
		Points:      task.RewardAmount,
		TaskID:      task.ID,
	})
	s.recorder.Emit(audit.EventTaskCompleted, map[string]interface{}{
		"task_id":          task.ID,
		"participation_id": p.ID,
		"agent_id":         p.ParticipantID,
		"reviewer":         reviewer,
		"task_completed":   task.Status == types.TaskStatusCompleted,
	})
	s.syncTaskGauges()
	s.notifyAgent(p.ParticipantID, "task_approved", task.ID,
		fmt.Sprintf("Your submission for task %q was approved; reward %s %s", task.Title, task.RewardAmount, task.RewardCurrency))
	s.logger.Info().
		Str("task_id", task.ID).
		Str("participation_id", p.ID).
		Str("agent_id", p.ParticipantID).
		Int("completed_count", task.CompletedCount).
		Msg("Participation approved")
	return p, nil
}

// Cancel aborts a task. Only the creator may cancel, terminal tasks are
// refused, the unreleased budget is refunded, and on multi-participant
// tasks every non-terminal participation is cancelled and the active
// counter cleared.
func (s *Service) Cancel(ctx context.Context, taskID, actor string) (*types.Task, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if actor != "" && actor != task.CreatorID {
		return nil, errs.E(errs.PermissionDenied, "only the creator may cancel task %s", taskID)
	}

	task, err = s.store.MutateTask(taskID, func(t *types.Task) error {
		if t.Status.IsTerminal() {
			return errs.E(errs.InvalidState, "task %s is already %s", t.ID, t.Status)
		}
		now := time.Now().UTC()
		t.Status = types.TaskStatusCancelled
		t.CancelledAt = &now
		t.ActiveParticipantsCount = 0
		return nil
	})
	if err != nil {
		return nil, err
	}

	if task.IsMultiParticipant {
		s.cancelParticipations(task)
	}
	s.eph.ClearActiveCount(taskID)
	s.refundBudget(ctx, task, task.RemainingBudget())
	if task.RewardCurrency != CurrencyPoints && s.payments != nil && task.ExternalPaymentID != "" {
		if _, err := s.payments.UpdateTaskStatus(ctx, task.ExternalPaymentID, "cancelled"); err != nil {
			s.logger.Warn().Err(err).Str("task_id", taskID).Msg("Payment task cancel update failed")
		}
	}

	s.recorder.Activity(&types.Activity{
		Type:        types.ActivityTaskCancelled,
		ActorType:   task.CreatorType,
		ActorID:     task.CreatorID,
		Description: fmt.Sprintf("task %q cancelled", task.Title),
		TaskID:      task.ID,
	})
	s.recorder.Emit(audit.EventTaskCancelled, map[string]interface{}{
		"task_id":  task.ID,
		"refunded": task.RemainingBudget().String(),
	})
	s.syncTaskGauges()
	s.logger.Info().
		Str("task_id", task.ID).
		Str("refunded", task.RemainingBudget().String()).
		Msg("Task cancelled")
	return task, nil
}

// cancelParticipations flips every non-terminal participation to cancelled
// and notifies its agent.
func (s *Service) cancelParticipations(task *types.Task) {
	parts, err := s.store.ListParticipationsByTask(task.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Participation listing failed during cancel")
		return
	}
	for _, p := range parts {
		if p.Status.IsTerminal() {
			continue
		}
		if _, err := s.store.CancelParticipation(p.ID); err != nil {
			s.logger.Warn().
				Err(err).
				Str("participation_id", p.ID).
				Msg("Participation cancel failed during task cancel")
			continue
		}
		s.notifyAgent(p.ParticipantID, "task_cancelled", task.ID,
			fmt.Sprintf("Task %q was cancelled by its creator", task.Title))
	}
}

// CancelParticipation withdraws one agent from a multi-participant task.
// The participant or the task creator may cancel.
func (s *Service) CancelParticipation(ctx context.Context, participationID, actor string) (*types.Participation, error) {
	p, err := s.store.GetParticipation(participationID)
	if err != nil {
		return nil, err
	}
	task, err := s.store.GetTask(p.TaskID)
	if err != nil {
		return nil, err
	}
	if actor != "" && actor != p.ParticipantID && actor != task.CreatorID {
		return nil, errs.E(errs.PermissionDenied, "%s may not cancel participation %s", actor, participationID)
	}

	p, err = s.store.CancelParticipation(participationID)
	if err != nil {
		return nil, err
	}
	s.eph.DecrActiveCount(task.ID)
	s.mirrorActiveCount(task.ID)
	s.logger.Info().
		Str("task_id", task.ID).
		Str("participation_id", p.ID).
		Str("agent_id", p.ParticipantID).
		Msg("Participation cancelled")
	return p, nil
}
