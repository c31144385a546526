package tasks

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acnlabs/acn/pkg/errs"
	"github.com/acnlabs/acn/pkg/types"
)

func TestAcceptOpenTask(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()
	f.addAgent(t, "agent-1", "user-2")

	task, err := f.svc.Create(ctx, pointsTask("user-1", "5"))
	require.NoError(t, err)

	task, p, err := f.svc.Accept(ctx, task.ID, "agent-1", "")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, types.TaskStatusInProgress, task.Status)
	assert.Equal(t, "agent-1", task.AssigneeID)
	assert.Equal(t, "agent-1", task.AssigneeName)
	require.NotNil(t, task.AcceptedAt)

	f.escrow.mu.Lock()
	accepted := len(f.escrow.accepted)
	f.escrow.mu.Unlock()
	assert.Equal(t, 1, accepted)
}

func TestAcceptReservedForAssignee(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()

	in := pointsTask("user-1", "5")
	in.AssigneeID = "agent-2"
	task, err := f.svc.Create(ctx, in)
	require.NoError(t, err)

	_, _, err = f.svc.Accept(ctx, task.ID, "agent-1", "")
	assert.True(t, errs.IsKind(err, errs.PermissionDenied))

	task, _, err = f.svc.Accept(ctx, task.ID, "agent-2", "")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusInProgress, task.Status)
}

func TestAcceptTwiceRefused(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()

	task, err := f.svc.Create(ctx, pointsTask("user-1", "5"))
	require.NoError(t, err)

	_, _, err = f.svc.Accept(ctx, task.ID, "agent-1", "")
	require.NoError(t, err)
	_, _, err = f.svc.Accept(ctx, task.ID, "agent-2", "")
	assert.True(t, errs.IsKind(err, errs.InvalidState))
}

func multiTask(t *testing.T, f *taskFixture, reward string, maxCompletions int) *types.Task {
	t.Helper()
	in := pointsTask("user-1", reward)
	in.IsMultiParticipant = true
	in.MaxCompletions = maxCompletions
	task, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)
	return task
}

func TestJoinMultiParticipant(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()
	task := multiTask(t, f, "5", 3)

	_, p1, err := f.svc.Accept(ctx, task.ID, "agent-1", "One")
	require.NoError(t, err)
	require.NotNil(t, p1)
	assert.Equal(t, types.ParticipationActive, p1.Status)

	got, p2, err := f.svc.Accept(ctx, task.ID, "agent-2", "Two")
	require.NoError(t, err)
	require.NotNil(t, p2)
	assert.Equal(t, 2, got.ActiveParticipantsCount)
	assert.Equal(t, 2, f.eph.ActiveCount(task.ID))

	parts, err := f.svc.Participations(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, parts, 2)
}

func TestJoinCapacityExceeded(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()
	task := multiTask(t, f, "5", 1)

	_, _, err := f.svc.Accept(ctx, task.ID, "agent-1", "")
	require.NoError(t, err)

	_, _, err = f.svc.Accept(ctx, task.ID, "agent-2", "")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.CapacityExceeded))
	assert.Equal(t, errs.CodeTaskFull, errs.CodeOf(err))
}

func TestJoinDuplicateRefused(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()
	task := multiTask(t, f, "5", 3)

	_, _, err := f.svc.Accept(ctx, task.ID, "agent-1", "")
	require.NoError(t, err)

	_, _, err = f.svc.Accept(ctx, task.ID, "agent-1", "")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Conflict))
	assert.Equal(t, errs.CodeAlreadyJoined, errs.CodeOf(err))
}

func TestSubmitSingleAssignee(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()

	task, err := f.svc.Create(ctx, pointsTask("user-1", "5"))
	require.NoError(t, err)

	_, _, err = f.svc.Submit(ctx, task.ID, "agent-1", "result")
	assert.True(t, errs.IsKind(err, errs.PermissionDenied), "submit before accept")

	_, _, err = f.svc.Accept(ctx, task.ID, "agent-1", "")
	require.NoError(t, err)

	_, _, err = f.svc.Submit(ctx, task.ID, "agent-2", "result")
	assert.True(t, errs.IsKind(err, errs.PermissionDenied), "submit by non-assignee")

	task, _, err = f.svc.Submit(ctx, task.ID, "agent-1", "result: 42")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusSubmitted, task.Status)
	assert.Equal(t, "result: 42", task.Submission)
	require.NotNil(t, task.SubmittedAt)

	_, _, err = f.svc.Submit(ctx, task.ID, "agent-1", "again")
	assert.True(t, errs.IsKind(err, errs.InvalidState))
}

func TestSubmitParticipation(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()
	task := multiTask(t, f, "5", 2)

	_, _, err := f.svc.Submit(ctx, task.ID, "agent-1", "early")
	assert.True(t, errs.IsKind(err, errs.InvalidState), "submit without join")

	_, _, err = f.svc.Accept(ctx, task.ID, "agent-1", "")
	require.NoError(t, err)

	_, p, err := f.svc.Submit(ctx, task.ID, "agent-1", "batch done")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, types.ParticipationSubmitted, p.Status)
	assert.Equal(t, "batch done", p.Submission)
	require.NotNil(t, p.SubmittedAt)
}

func TestReviewApproveReleasesReward(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()
	f.addAgent(t, "agent-1", "owner-1")

	task, err := f.svc.Create(ctx, pointsTask("user-1", "5"))
	require.NoError(t, err)
	_, _, err = f.svc.Accept(ctx, task.ID, "agent-1", "")
	require.NoError(t, err)
	_, _, err = f.svc.Submit(ctx, task.ID, "agent-1", "done")
	require.NoError(t, err)

	task, err = f.svc.Review(ctx, task.ID, "user-1", true, "great work")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, task.Status)
	assert.Equal(t, 1, task.CompletedCount)
	assert.Equal(t, "5", task.ReleasedAmount)
	assert.Equal(t, "user-1", task.ReviewedBy)
	assert.True(t, task.PaymentReleased)
	require.NotNil(t, task.CompletedAt)

	assert.True(t, f.wallet.earnedBy("agent-1").Equal(decimal.NewFromInt(5)))
	f.escrow.mu.Lock()
	released := f.escrow.released[task.ID]
	f.escrow.mu.Unlock()
	assert.True(t, released.Equal(decimal.NewFromInt(5)))
	assert.Contains(t, f.svc.Completions(task.ID), "agent-1")
}

func TestReviewReject(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()

	task, err := f.svc.Create(ctx, pointsTask("user-1", "5"))
	require.NoError(t, err)
	_, _, err = f.svc.Accept(ctx, task.ID, "agent-1", "")
	require.NoError(t, err)
	_, _, err = f.svc.Submit(ctx, task.ID, "agent-1", "half done")
	require.NoError(t, err)

	task, err = f.svc.Review(ctx, task.ID, "user-1", false, "incomplete")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRejected, task.Status)
	assert.Equal(t, "incomplete", task.ReviewNotes)
	assert.Equal(t, 0, task.CompletedCount)
	assert.True(t, f.wallet.earnedBy("agent-1").IsZero())
}

func TestReviewPermissions(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()

	task, err := f.svc.Create(ctx, pointsTask("user-1", "5"))
	require.NoError(t, err)
	_, _, err = f.svc.Accept(ctx, task.ID, "agent-1", "")
	require.NoError(t, err)
	_, _, err = f.svc.Submit(ctx, task.ID, "agent-1", "done")
	require.NoError(t, err)

	_, err = f.svc.Review(ctx, task.ID, "user-9", true, "")
	assert.True(t, errs.IsKind(err, errs.PermissionDenied))

	_, err = f.svc.Review(ctx, task.ID, AutoReviewer, true, "")
	assert.True(t, errs.IsKind(err, errs.PermissionDenied), "auto reviewer only on auto-approval tasks")
}

func TestReviewValidatorApproval(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()

	in := pointsTask("user-1", "5")
	in.ApprovalType = types.ApprovalValidator
	in.ValidatorID = "validator-1"
	task, err := f.svc.Create(ctx, in)
	require.NoError(t, err)
	_, _, err = f.svc.Accept(ctx, task.ID, "agent-1", "")
	require.NoError(t, err)
	_, _, err = f.svc.Submit(ctx, task.ID, "agent-1", "done")
	require.NoError(t, err)

	_, err = f.svc.Review(ctx, task.ID, "someone-else", true, "")
	assert.True(t, errs.IsKind(err, errs.PermissionDenied))

	task, err = f.svc.Review(ctx, task.ID, "validator-1", true, "verified")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, task.Status)
}

func TestAutoApprovalOnSubmit(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()

	in := pointsTask("user-1", "5")
	in.ApprovalType = types.ApprovalAuto
	task, err := f.svc.Create(ctx, in)
	require.NoError(t, err)
	_, _, err = f.svc.Accept(ctx, task.ID, "agent-1", "")
	require.NoError(t, err)

	task, _, err = f.svc.Submit(ctx, task.ID, "agent-1", "done")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, task.Status)
	assert.Equal(t, AutoReviewer, task.ReviewedBy)
	assert.True(t, task.PaymentReleased)
	assert.True(t, f.wallet.earnedBy("agent-1").Equal(decimal.NewFromInt(5)))
}

func TestReviewRepeatableReopens(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()

	in := pointsTask("user-1", "5")
	in.MaxCompletions = 2
	in.AllowRepeatBySame = true
	task, err := f.svc.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "10", task.TotalBudget)

	_, _, err = f.svc.Accept(ctx, task.ID, "agent-1", "")
	require.NoError(t, err)
	_, _, err = f.svc.Submit(ctx, task.ID, "agent-1", "round one")
	require.NoError(t, err)
	task, err = f.svc.Review(ctx, task.ID, "user-1", true, "")
	require.NoError(t, err)

	// Quota remains, so the task reopens with assignment cleared.
	assert.Equal(t, types.TaskStatusOpen, task.Status)
	assert.Empty(t, task.AssigneeID)
	assert.Empty(t, task.Submission)
	assert.Nil(t, task.AcceptedAt)
	assert.Equal(t, 1, task.CompletedCount)
	assert.Equal(t, "5", task.ReleasedAmount)

	_, _, err = f.svc.Accept(ctx, task.ID, "agent-2", "")
	require.NoError(t, err)
	_, _, err = f.svc.Submit(ctx, task.ID, "agent-2", "round two")
	require.NoError(t, err)
	task, err = f.svc.Review(ctx, task.ID, "user-1", true, "")
	require.NoError(t, err)

	assert.Equal(t, types.TaskStatusCompleted, task.Status)
	assert.Equal(t, 2, task.CompletedCount)
	assert.Equal(t, "10", task.ReleasedAmount)
}

func TestReviewInsufficientBudget(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()

	in := pointsTask("user-1", "5")
	in.MaxCompletions = 2
	task, err := f.svc.Create(ctx, in)
	require.NoError(t, err)

	// Shrink the budget to a single reward so the second approval must fail.
	_, err = f.store.MutateTask(task.ID, func(t *types.Task) error {
		t.TotalBudget = "5"
		return nil
	})
	require.NoError(t, err)

	_, _, err = f.svc.Accept(ctx, task.ID, "agent-1", "")
	require.NoError(t, err)
	_, _, err = f.svc.Submit(ctx, task.ID, "agent-1", "one")
	require.NoError(t, err)
	_, err = f.svc.Review(ctx, task.ID, "user-1", true, "")
	require.NoError(t, err)

	_, _, err = f.svc.Accept(ctx, task.ID, "agent-2", "")
	require.NoError(t, err)
	_, _, err = f.svc.Submit(ctx, task.ID, "agent-2", "two")
	require.NoError(t, err)
	_, err = f.svc.Review(ctx, task.ID, "user-1", true, "")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.InsufficientBudget))
	assert.Equal(t, errs.CodeInsufficientBudget, errs.CodeOf(err))

	got, err := f.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "5", got.ReleasedAmount, "failed approval must not move money")
	assert.Equal(t, 1, got.CompletedCount)
}

func TestReviewParticipationApprove(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()
	f.addAgent(t, "agent-1", "owner-1")
	f.addAgent(t, "agent-2", "owner-2")
	task := multiTask(t, f, "5", 2)

	_, p1, err := f.svc.Accept(ctx, task.ID, "agent-1", "")
	require.NoError(t, err)
	_, p2, err := f.svc.Accept(ctx, task.ID, "agent-2", "")
	require.NoError(t, err)
	_, _, err = f.svc.Submit(ctx, task.ID, "agent-1", "a")
	require.NoError(t, err)
	_, _, err = f.svc.Submit(ctx, task.ID, "agent-2", "b")
	require.NoError(t, err)

	p1, err = f.svc.ReviewParticipation(ctx, p1.ID, "user-1", true, "ok")
	require.NoError(t, err)
	assert.Equal(t, types.ParticipationCompleted, p1.Status)
	assert.Equal(t, "user-1", p1.ReviewedBy)

	got, err := f.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CompletedCount)
	assert.Equal(t, types.TaskStatusOpen, got.Status, "quota not yet filled")
	assert.Equal(t, 1, got.ActiveParticipantsCount)

	_, err = f.svc.ReviewParticipation(ctx, p2.ID, "user-1", true, "ok")
	require.NoError(t, err)

	got, err = f.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CompletedCount)
	assert.Equal(t, types.TaskStatusCompleted, got.Status)
	assert.Equal(t, "10", got.ReleasedAmount)
	assert.Equal(t, 0, got.ActiveParticipantsCount)

	assert.True(t, f.wallet.earnedBy("agent-1").Equal(decimal.NewFromInt(5)))
	assert.True(t, f.wallet.earnedBy("agent-2").Equal(decimal.NewFromInt(5)))
	completions := f.svc.Completions(task.ID)
	assert.ElementsMatch(t, []string{"agent-1", "agent-2"}, completions)
}

func TestReviewParticipationReject(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()
	task := multiTask(t, f, "5", 2)

	_, p, err := f.svc.Accept(ctx, task.ID, "agent-1", "")
	require.NoError(t, err)
	_, _, err = f.svc.Submit(ctx, task.ID, "agent-1", "weak")
	require.NoError(t, err)

	p, err = f.svc.ReviewParticipation(ctx, p.ID, "user-1", false, "not enough")
	require.NoError(t, err)
	assert.Equal(t, types.ParticipationRejected, p.Status)
	assert.Equal(t, "not enough", p.ReviewNotes)
	require.NotNil(t, p.ReviewedAt)

	assert.Equal(t, 0, f.eph.ActiveCount(task.ID))
	assert.True(t, f.wallet.earnedBy("agent-1").IsZero())
}

func TestCancelRefundsRemaining(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()
	f.addAgent(t, "agent-1", "owner-1")
	task := multiTask(t, f, "5", 2)

	_, p1, err := f.svc.Accept(ctx, task.ID, "agent-1", "")
	require.NoError(t, err)
	_, _, err = f.svc.Submit(ctx, task.ID, "agent-1", "a")
	require.NoError(t, err)
	_, err = f.svc.ReviewParticipation(ctx, p1.ID, "user-1", true, "")
	require.NoError(t, err)

	_, p2, err := f.svc.Accept(ctx, task.ID, "agent-2", "")
	require.NoError(t, err)

	task, err = f.svc.Cancel(ctx, task.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, task.Status)
	require.NotNil(t, task.CancelledAt)

	// 10 locked, 5 released, so exactly 5 comes back.
	assert.True(t, f.escrow.refundedFor(task.ID).Equal(decimal.NewFromInt(5)))
	assert.Equal(t, 0, f.eph.ActiveCount(task.ID))

	got, err := f.store.GetParticipation(p2.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ParticipationCancelled, got.Status)
}

func TestCancelAgentCreatorRefundsWallet(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()

	in := pointsTask("agent-9", "5")
	in.CreatorType = types.CreatorTypeAgent
	task, err := f.svc.Create(ctx, in)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, task.ID, "agent-9")
	require.NoError(t, err)

	f.wallet.mu.Lock()
	refunded := f.wallet.received["agent-9"]
	f.wallet.mu.Unlock()
	assert.True(t, refunded.Equal(decimal.NewFromInt(5)))
}

func TestCancelAuthorization(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()

	task, err := f.svc.Create(ctx, pointsTask("user-1", "5"))
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, task.ID, "user-2")
	assert.True(t, errs.IsKind(err, errs.PermissionDenied))

	_, _, err = f.svc.Accept(ctx, task.ID, "agent-1", "")
	require.NoError(t, err)
	_, _, err = f.svc.Submit(ctx, task.ID, "agent-1", "done")
	require.NoError(t, err)
	_, err = f.svc.Review(ctx, task.ID, "user-1", true, "")
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, task.ID, "user-1")
	assert.True(t, errs.IsKind(err, errs.InvalidState), "completed tasks cannot be cancelled")
}

func TestCancelParticipation(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()
	task := multiTask(t, f, "5", 3)

	_, p, err := f.svc.Accept(ctx, task.ID, "agent-1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, f.eph.ActiveCount(task.ID))

	_, err = f.svc.CancelParticipation(ctx, p.ID, "agent-2")
	assert.True(t, errs.IsKind(err, errs.PermissionDenied))

	got, err := f.svc.CancelParticipation(ctx, p.ID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.ParticipationCancelled, got.Status)
	assert.Equal(t, 0, f.eph.ActiveCount(task.ID))

	// The slot is free again.
	_, _, err = f.svc.Accept(ctx, task.ID, "agent-1", "")
	require.NoError(t, err)
}

func TestParticipationsUnknownTask(t *testing.T) {
	f := newTaskFixture(t)
	_, err := f.svc.Participations(context.Background(), "missing")
	assert.True(t, errs.IsKind(err, errs.NotFound))
}
