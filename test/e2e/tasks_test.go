package e2e

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/acnlabs/acn/pkg/client"
	"github.com/acnlabs/acn/pkg/types"
	"github.com/acnlabs/acn/test/framework"
)

// TestTaskCapacity posts a capacity-bounded multi-participant task and races
// more agents at it than there are slots: the budget locks up front, the
// overflow join is refused with a stable code, and repeat joins are rejected.
func TestTaskCapacity(t *testing.T) {
	node := framework.StartNode(t)
	ctx := context.Background()
	operator := node.OperatorClient()

	task, err := operator.CreateTask(ctx, &client.CreateTaskRequest{
		Title:              "label 100 images",
		RequiredSkills:     []string{"labeling"},
		RewardAmount:       "5",
		IsMultiParticipant: true,
		MaxCompletions:     2,
		CreatorType:        "human",
		CreatorID:          "user-1",
	})
	if err != nil {
		t.Fatalf("Task creation failed: %v", err)
	}
	if got := node.Escrow.LockedFor(task.ID); !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("Expected reward x max_completions locked up front, got %s", got)
	}

	workers := []*types.Agent{
		node.JoinAgent(t, "labeler-1", "labeling"),
		node.JoinAgent(t, "labeler-2", "labeling"),
		node.JoinAgent(t, "labeler-3", "labeling"),
	}

	outcomes := make([]error, len(workers))
	var wg sync.WaitGroup
	for i, w := range workers {
		i, w := i, w
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, outcomes[i] = node.AgentClient(w.APIKey).AcceptTask(ctx, task.ID, "", "")
		}()
	}
	wg.Wait()

	var rejected []error
	var winner *types.Agent
	for i, err := range outcomes {
		if err != nil {
			rejected = append(rejected, err)
			continue
		}
		winner = workers[i]
	}
	if len(rejected) != 1 {
		t.Fatalf("Expected exactly one join refused at capacity, got %d of %d", len(rejected), len(workers))
	}
	var apiErr *client.APIError
	if !errors.As(rejected[0], &apiErr) || apiErr.Code != "TASK_FULL" {
		t.Fatalf("Overflow join should fail with TASK_FULL, got %v", rejected[0])
	}

	// A slot holder cannot take a second slot.
	_, err = node.AgentClient(winner.APIKey).AcceptTask(ctx, task.ID, "", "")
	if !errors.As(err, &apiErr) || apiErr.Code != "ALREADY_JOINED" {
		t.Fatalf("Repeat join should fail with ALREADY_JOINED, got %v", err)
	}
}

// TestAutoApprovalSettlement runs a single-assignee task end to end under
// auto approval: accept, submit, and the settlement legs all land in one
// round trip.
func TestAutoApprovalSettlement(t *testing.T) {
	node := framework.StartNode(t)
	assert := framework.NewAssertions(t)
	ctx := context.Background()
	operator := node.OperatorClient()

	task, err := operator.CreateTask(ctx, &client.CreateTaskRequest{
		Title:        "summarize the weekly digest",
		RewardAmount: "5",
		ApprovalType: string(types.ApprovalAuto),
		CreatorType:  "human",
		CreatorID:    "user-1",
	})
	if err != nil {
		t.Fatalf("Task creation failed: %v", err)
	}
	if got := node.Escrow.LockedFor(task.ID); !got.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("Expected the reward locked up front, got %s", got)
	}

	worker := node.JoinAgent(t, "summarizer", "summarize")
	wc := node.AgentClient(worker.APIKey)

	work, err := wc.AcceptTask(ctx, task.ID, "", "")
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	assert.Equal(types.TaskStatusInProgress, work.Task.Status, "accept should assign the task")
	assert.Equal(worker.ID, work.Task.AssigneeID, "accept should record the assignee")

	work, err = wc.SubmitTask(ctx, task.ID, "", "digest: all quiet")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	assert.Equal(types.TaskStatusCompleted, work.Task.Status, "auto approval should settle inline")
	assert.True(work.Task.PaymentReleased, "settlement should be recorded on the task")
	assert.Equal(1, work.Task.CompletedCount, "completed count")
	assert.Equal("5", work.Task.ReleasedAmount, "released amount")

	if got := node.Wallet.EarnedBy(worker.ID); !got.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("Worker should have earned the reward, got %s", got)
	}
	if got := node.Escrow.ReleasedFor(task.ID); !got.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("Escrow should have released the reward, got %s", got)
	}

	completed, err := operator.ListCompletions(ctx, task.ID)
	if err != nil {
		t.Fatalf("Completions lookup failed: %v", err)
	}
	if len(completed) != 1 || completed[0] != worker.ID {
		t.Fatalf("Completions should name the worker, got %v", completed)
	}
}

// TestCancelRefundsRemainingBudget cancels a partially completed
// multi-participant task: finished work keeps its payout, the unreleased
// budget is refunded, and open participations are cancelled.
func TestCancelRefundsRemainingBudget(t *testing.T) {
	node := framework.StartNode(t)
	assert := framework.NewAssertions(t)
	ctx := context.Background()
	operator := node.OperatorClient()

	task, err := operator.CreateTask(ctx, &client.CreateTaskRequest{
		Title:              "translate the release notes",
		RewardAmount:       "4",
		ApprovalType:       string(types.ApprovalAuto),
		IsMultiParticipant: true,
		MaxCompletions:     3,
		CreatorType:        "human",
		CreatorID:          "user-1",
	})
	if err != nil {
		t.Fatalf("Task creation failed: %v", err)
	}
	if got := node.Escrow.LockedFor(task.ID); !got.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("Expected the full quota locked up front, got %s", got)
	}

	finisher := node.JoinAgent(t, "finisher", "translate")
	fc := node.AgentClient(finisher.APIKey)
	if _, err := fc.AcceptTask(ctx, task.ID, "", ""); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	work, err := fc.SubmitTask(ctx, task.ID, "", "notes translated")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	assert.Equal(types.ParticipationCompleted, work.Participation.Status, "auto approval should complete the participation")
	assert.Equal(types.TaskStatusOpen, work.Task.Status, "task should stay open while quota remains")
	if got := node.Escrow.ReleasedFor(task.ID); !got.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("One completion should have released one reward, got %s", got)
	}

	straggler := node.JoinAgent(t, "straggler", "translate")
	if _, err := node.AgentClient(straggler.APIKey).AcceptTask(ctx, task.ID, "", ""); err != nil {
		t.Fatalf("Second join failed: %v", err)
	}

	cancelled, err := operator.CancelTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	assert.Equal(types.TaskStatusCancelled, cancelled.Status, "cancel should be terminal")
	if got := node.Escrow.RefundedFor(task.ID); !got.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("Unreleased budget should be refunded, got %s", got)
	}
	if got := node.Wallet.EarnedBy(finisher.ID); !got.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("Finished work keeps its payout, got %s", got)
	}

	parts, err := operator.ListParticipations(ctx, task.ID)
	if err != nil {
		t.Fatalf("Participation listing failed: %v", err)
	}
	byAgent := make(map[string]types.ParticipationStatus, len(parts))
	for _, p := range parts {
		byAgent[p.ParticipantID] = p.Status
	}
	assert.Equal(types.ParticipationCompleted, byAgent[finisher.ID], "completed participation stays completed")
	assert.Equal(types.ParticipationCancelled, byAgent[straggler.ID], "open participation is cancelled")
}
