package framework

import (
	"context"
	"strings"
	"time"

	"github.com/acnlabs/acn/pkg/client"
	"github.com/acnlabs/acn/pkg/types"
)

// Assertions provides test assertion helpers
type Assertions struct {
	t TestingT
}

// NewAssertions creates a new Assertions instance
func NewAssertions(t TestingT) *Assertions {
	return &Assertions{t: t}
}

// AgentExists asserts that an agent record exists
func (a *Assertions) AgentExists(agentID string, c *client.Client) {
	a.t.Helper()

	agent, err := c.GetAgent(context.Background(), agentID)
	if err != nil {
		a.t.Fatalf("Agent %s does not exist: %v", agentID, err)
	}
	if agent == nil {
		a.t.Fatalf("Agent %s is nil", agentID)
	}
}

// AgentStatus asserts an agent's durable status
func (a *Assertions) AgentStatus(agentID string, expected types.AgentStatus, c *client.Client) {
	a.t.Helper()

	agent, err := c.GetAgent(context.Background(), agentID)
	if err != nil {
		a.t.Fatalf("Failed to get agent %s: %v", agentID, err)
	}
	if agent.Status != expected {
		a.t.Fatalf("Agent %s has status %s, expected %s", agentID, agent.Status, expected)
	}
}

// AgentOnline asserts that an agent is online
func (a *Assertions) AgentOnline(agentID string, c *client.Client) {
	a.t.Helper()
	a.AgentStatus(agentID, types.AgentStatusOnline, c)
}

// AgentOffline asserts that an agent is offline
func (a *Assertions) AgentOffline(agentID string, c *client.Client) {
	a.t.Helper()
	a.AgentStatus(agentID, types.AgentStatusOffline, c)
}

// TaskStatus asserts a task's lifecycle status
func (a *Assertions) TaskStatus(taskID string, expected types.TaskStatus, c *client.Client) {
	a.t.Helper()

	task, err := c.GetTask(context.Background(), taskID)
	if err != nil {
		a.t.Fatalf("Failed to get task %s: %v", taskID, err)
	}
	if task.Status != expected {
		a.t.Fatalf("Task %s has status %s, expected %s", taskID, task.Status, expected)
	}
}

// DLQDepth asserts the dead letter queue depth. The client must carry the
// operator token.
func (a *Assertions) DLQDepth(expected int, c *client.Client) {
	a.t.Helper()

	entries, err := c.ListDLQ(context.Background())
	if err != nil {
		a.t.Fatalf("Failed to list dead letter queue: %v", err)
	}
	if len(entries) != expected {
		a.t.Fatalf("Dead letter queue holds %d entries, expected %d", len(entries), expected)
	}
}

// Eventually repeatedly runs a condition until it returns true or timeout occurs
func (a *Assertions) Eventually(condition func() bool, timeout, interval time.Duration, msg string) {
	a.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.t.Fatalf("Timeout waiting for condition: %s (timeout: %v)", msg, timeout)
		case <-ticker.C:
			if condition() {
				return
			}
		}
	}
}

// NoError asserts that the error is nil
func (a *Assertions) NoError(err error, msg string) {
	a.t.Helper()

	if err != nil {
		a.t.Fatalf("%s: %v", msg, err)
	}
}

// Error asserts that the error is not nil
func (a *Assertions) Error(err error, msg string) {
	a.t.Helper()

	if err == nil {
		a.t.Fatalf("%s: expected error but got nil", msg)
	}
}

// Equal asserts that two values are equal
func (a *Assertions) Equal(expected, actual interface{}, msg string) {
	a.t.Helper()

	if expected != actual {
		a.t.Fatalf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// True asserts that a condition is true
func (a *Assertions) True(condition bool, msg string) {
	a.t.Helper()

	if !condition {
		a.t.Fatalf("%s: expected true, got false", msg)
	}
}

// False asserts that a condition is false
func (a *Assertions) False(condition bool, msg string) {
	a.t.Helper()

	if condition {
		a.t.Fatalf("%s: expected false, got true", msg)
	}
}

// Contains asserts that a string contains a substring
func (a *Assertions) Contains(haystack, needle, msg string) {
	a.t.Helper()

	if !strings.Contains(haystack, needle) {
		a.t.Fatalf("%s: expected %q to contain %q", msg, haystack, needle)
	}
}

// Step logs a test step (for visibility in test output)
func (a *Assertions) Step(step string) {
	a.t.Helper()
	a.t.Logf("\n==> %s", step)
}

// Success logs a success message
func (a *Assertions) Success(msg string) {
	a.t.Helper()
	a.t.Logf("✓ %s", msg)
}
