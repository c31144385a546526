package framework

import (
	"context"
	"fmt"
	"time"

	"github.com/acnlabs/acn/pkg/client"
	"github.com/acnlabs/acn/pkg/types"
)

// Waiter provides utilities for waiting on conditions with timeouts
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a new Waiter with the given timeout and polling interval
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{
		timeout:  timeout,
		interval: interval,
	}
}

// DefaultWaiter returns a waiter with defaults suited to an in-process node
// (10s timeout, 50ms interval)
func DefaultWaiter() *Waiter {
	return NewWaiter(10*time.Second, 50*time.Millisecond)
}

// WaitFor waits for a condition to become true
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Check immediately
	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// WaitForAgentStatus waits for an agent's durable status to reach the given
// value.
func (w *Waiter) WaitForAgentStatus(ctx context.Context, c *client.Client, agentID string, status types.AgentStatus) error {
	return w.WaitFor(ctx, func() bool {
		agent, err := c.GetAgent(ctx, agentID)
		if err != nil {
			return false
		}
		return agent.Status == status
	}, fmt.Sprintf("agent %s to reach status %s", agentID, status))
}

// WaitForAgentOnline waits for an agent to be online.
func (w *Waiter) WaitForAgentOnline(ctx context.Context, c *client.Client, agentID string) error {
	return w.WaitForAgentStatus(ctx, c, agentID, types.AgentStatusOnline)
}

// WaitForTaskStatus waits for a task to reach a lifecycle status.
func (w *Waiter) WaitForTaskStatus(ctx context.Context, c *client.Client, taskID string, status types.TaskStatus) error {
	return w.WaitFor(ctx, func() bool {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return false
		}
		return task.Status == status
	}, fmt.Sprintf("task %s to reach status %s", taskID, status))
}

// WaitForDLQDepth waits for the dead letter queue to hold exactly n entries.
// The client must carry the operator token.
func (w *Waiter) WaitForDLQDepth(ctx context.Context, c *client.Client, n int) error {
	return w.WaitFor(ctx, func() bool {
		entries, err := c.ListDLQ(ctx)
		if err != nil {
			return false
		}
		return len(entries) == n
	}, fmt.Sprintf("dead letter queue to hold %d entries", n))
}

// WaitForBroadcastSettled waits for a broadcast to finish delivering: every
// recipient has an outcome recorded.
func (w *Waiter) WaitForBroadcastSettled(ctx context.Context, c *client.Client, broadcastID string) error {
	return w.WaitFor(ctx, func() bool {
		result, err := c.GetBroadcast(ctx, broadcastID)
		if err != nil {
			return false
		}
		return len(result.Results) == result.Total
	}, fmt.Sprintf("broadcast %s to settle", broadcastID))
}

// PollUntil polls a condition until it returns true or context is cancelled
func PollUntil(ctx context.Context, interval time.Duration, condition func() bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Check immediately
	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// Retry retries an operation with exponential backoff
func Retry(ctx context.Context, attempts int, initialDelay time.Duration, operation func() error) error {
	var err error
	delay := initialDelay

	for i := 0; i < attempts; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
				delay = delay * 2
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, err)
}
