package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/acnlabs/acn/pkg/a2a"
	"github.com/acnlabs/acn/pkg/audit"
	"github.com/acnlabs/acn/pkg/errs"
	"github.com/acnlabs/acn/pkg/metrics"
	"github.com/acnlabs/acn/pkg/types"
)

// Metadata key holding the agent whose reward release failed and is
// awaiting the operator retry endpoint.
const pendingReleaseKey = "pending_release_agent"

// Metadata key marking that the escrow leg of the outstanding settlement
// already succeeded. Keeps RetryPayment from releasing escrow twice when
// only the wallet leg failed; cleared once the settlement finishes.
const escrowReleasedKey = "escrow_release_done"

// releaseReward settles one completion's reward to the agent. The budget
// accounting (released_amount, completed_count) already happened under the
// task row lock; this is the collaborator leg. Failures leave
// payment_released = false plus a pending marker so RetryPayment can drive
// the reattempt.
func (s *Service) releaseReward(ctx context.Context, task *types.Task, agentID string) {
	reward := task.Reward()
	if agentID == "" || reward.IsZero() {
		return
	}

	if task.RewardCurrency != CurrencyPoints {
		if s.payments == nil || task.ExternalPaymentID == "" {
			s.markPendingRelease(task.ID, agentID, fmt.Errorf("no payment task attached"))
			return
		}
		if _, err := s.payments.UpdateTaskStatus(ctx, task.ExternalPaymentID, "completed"); err != nil {
			s.markPendingRelease(task.ID, agentID, err)
			return
		}
		s.markReleased(ctx, task, agentID, "", "")
		return
	}

	escrowDone, _ := task.Metadata[escrowReleasedKey].(bool)
	if task.CreatorType == types.CreatorTypeHuman && s.escrow != nil && !escrowDone {
		owner := ""
		if agent, err := s.store.GetAgent(agentID); err == nil {
			owner = agent.Owner
		}
		res, err := s.escrow.Release(ctx, task.CreatorID, owner, task.ID, reward)
		if err != nil {
			metrics.EscrowOperations.WithLabelValues("release", "error").Inc()
			s.markPendingRelease(task.ID, agentID, err)
			return
		}
		if !res.Success {
			metrics.EscrowOperations.WithLabelValues("release", "rejected").Inc()
			s.markPendingRelease(task.ID, agentID, fmt.Errorf("escrow refused release: %s", res.Error))
			return
		}
		metrics.EscrowOperations.WithLabelValues("release", "ok").Inc()
		// Persist the escrow-leg marker before the wallet leg so a retry
		// after a wallet failure resumes here instead of releasing again.
		if _, err := s.store.MutateTask(task.ID, func(t *types.Task) error {
			if t.Metadata == nil {
				t.Metadata = make(map[string]interface{})
			}
			t.Metadata[escrowReleasedKey] = true
			return nil
		}); err != nil {
			s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Escrow-leg marker write failed")
		}
	}

	if s.wallet == nil {
		s.markPendingRelease(task.ID, agentID, fmt.Errorf("wallet collaborator not configured"))
		return
	}
	res, err := s.wallet.AddEarnings(ctx, agentID, reward, "reward for task "+task.ID)
	if err != nil {
		s.markPendingRelease(task.ID, agentID, err)
		return
	}
	if !res.Success {
		s.markPendingRelease(task.ID, agentID, fmt.Errorf("wallet refused earnings: %s", res.Error))
		return
	}
	s.markReleased(ctx, task, agentID, res.AgentAmount, res.OwnerAmount)
}

// markReleased flips payment_released, clears any pending marker and
// records the settlement.
func (s *Service) markReleased(ctx context.Context, task *types.Task, agentID, agentAmount, ownerAmount string) {
	if _, err := s.store.MutateTask(task.ID, func(t *types.Task) error {
		t.PaymentReleased = true
		delete(t.Metadata, pendingReleaseKey)
		delete(t.Metadata, escrowReleasedKey)
		return nil
	}); err != nil {
		s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Release flag update failed")
	}
	metrics.RewardsReleasedTotal.Inc()

	s.recorder.Activity(&types.Activity{
		Type:        types.ActivityPaymentSent,
		ActorType:   task.CreatorType,
		ActorID:     task.CreatorID,
		Description: fmt.Sprintf("reward of %s %s released to %s for task %q", task.RewardAmount, task.RewardCurrency, agentID, task.Title),
		Points:      task.RewardAmount,
		TaskID:      task.ID,
	})
	s.recorder.Emit(audit.EventPaymentSent, map[string]interface{}{
		"task_id":      task.ID,
		"agent_id":     agentID,
		"amount":       task.RewardAmount,
		"currency":     task.RewardCurrency,
		"agent_amount": agentAmount,
		"owner_amount": ownerAmount,
	})
	s.logger.Info().
		Str("task_id", task.ID).
		Str("agent_id", agentID).
		Str("amount", task.RewardAmount).
		Str("agent_amount", agentAmount).
		Str("owner_amount", ownerAmount).
		Msg("Reward released")
}

// markPendingRelease records a failed settlement for later retry. The
// completion itself stands; only the payout is outstanding.
func (s *Service) markPendingRelease(taskID, agentID string, cause error) {
	if _, err := s.store.MutateTask(taskID, func(t *types.Task) error {
		t.PaymentReleased = false
		if t.Metadata == nil {
			t.Metadata = make(map[string]interface{})
		}
		t.Metadata[pendingReleaseKey] = agentID
		return nil
	}); err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("Pending-release marker write failed")
	}
	s.logger.Error().
		Err(cause).
		Str("task_id", taskID).
		Str("agent_id", agentID).
		Msg("Reward release failed; awaiting operator retry")
}

// RetryPayment reattempts a failed reward release. Idempotent per task:
// a task whose payment already released is a no-op, and a successful
// retry clears the pending marker so further retries no-op too.
func (s *Service) RetryPayment(ctx context.Context, taskID string) (*types.Task, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.PaymentReleased {
		return task, nil
	}
	agentID, _ := task.Metadata[pendingReleaseKey].(string)
	if agentID == "" {
		return nil, errs.E(errs.InvalidState, "task %s has no pending reward release", taskID)
	}

	s.logger.Info().Str("task_id", taskID).Str("agent_id", agentID).Msg("Retrying reward release")
	s.releaseReward(ctx, task, agentID)
	return s.Get(ctx, taskID)
}

// notifyAgent pushes a best-effort lifecycle notification through the
// router. Delivery failures are the router's problem (dead letters); the
// lifecycle transition never waits on them.
func (s *Service) notifyAgent(agentID, notificationType, taskID, text string) {
	if s.notifier == nil || agentID == "" {
		return
	}
	msg := a2a.NewMessage(a2a.RoleAgent,
		a2a.TextPart(text),
		a2a.DataPart(map[string]interface{}{
			"notification_type": notificationType,
			"task_id":           taskID,
		}),
	)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.notifier.Send(ctx, "", agentID, msg); err != nil {
			s.logger.Debug().
				Err(err).
				Str("agent_id", agentID).
				Str("notification_type", notificationType).
				Msg("Lifecycle notification not delivered")
		}
	}()
}
