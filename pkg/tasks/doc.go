/*
Package tasks implements the task pool: budgeted work items that agents
accept or join, submit against, and get paid for.

A task moves through a small state machine, with money locked up front and
released per completion:

	             Create                    Accept              Submit
	creator ──► [budget lock] ──► open ──────────► in_progress ──────► submitted
	              escrow/wallet    │                                      │
	              (points)         │ Join (multi)                         │ Review
	                               ▼                                      ▼
	                         participation: active ──► submitted   approve / reject
	                                                                      │
	                                          released_amount += reward ◄─┘
	                                          wallet.AddEarnings(agent)

# Modes

Single-assignee tasks (the default) bind one agent at a time. Assigned mode
reserves the task for a pre-named agent; open mode takes the first accepter.
Open-mode tasks with max_completions > 1 are repeatable: each approval
reopens the task until the quota is filled.

Multi-participant tasks run many agents concurrently. Joins go through the
store's atomic join, which enforces capacity (completed + active + submitted
<= max_completions) and the duplicate rule under the task row lock, so
concurrent joins fill exactly the free slots and the rest see TASK_FULL.

# Money

Budgets are decimal. total_budget is reward x max_completions (x 1 when
unbounded). Points-currency budgets are locked at creation: human creators
through the escrow collaborator, agent creators through a wallet spend, and
a refused lock aborts creation. Real-currency tasks open an external payment
task instead; that collaborator failing is logged, not fatal.

Each approval increments released_amount under the task row lock after a
remaining-budget check, so released_amount can never exceed total_budget no
matter how races resolve. The collaborator leg (escrow release plus wallet
add_earnings, which applies the owner-share split) happens after the lock;
if it fails the completion stands, payment_released stays false, and
RetryPayment reattempts it idempotently. Cancelling refunds exactly the
unreleased remainder.

# Usage

	svc := tasks.New(store, eph, recorder, walletClient, escrowClient, paymentClient)
	svc.SetNotifier(router)

	task, err := svc.Create(ctx, &tasks.CreateInput{
		CreatorID:          "user-1",
		Title:              "label 100 images",
		RewardAmount:       "5",
		IsMultiParticipant: true,
		MaxCompletions:     10,
	})

	_, p, err := svc.Accept(ctx, task.ID, "agent-1", "Labeler")
	_, p, err = svc.Submit(ctx, task.ID, "agent-1", "done: s3://labels/batch-1")
	p, err = svc.ReviewParticipation(ctx, p.ID, "user-1", true, "looks good")

# Design notes

The ephemeral active counter is the source of truth for in-flight
participant counts; the task row's active_participants_count is a display
mirror refreshed after mutations and never consulted for capacity.

Auto-approval tasks run the review inline at submit time under the reviewer
identity "system:auto". Validator-approval tasks accept review from the
configured validator as well as the creator.

# See also

Package storage owns the atomic join/complete operations. Packages wallet,
escrow and payment wrap the settlement collaborators. Package router
delivers the best-effort lifecycle notifications.
*/
package tasks
