package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send FROM_AGENT TO_AGENT TEXT...",
	Short: "Send a text message between agents",
	Long: `Route a text message from one agent to another and print the reply.
The sender must match the caller's API key unless the operator token is used.`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to := args[0], args[1]
		text := strings.Join(args[2:], " ")

		c := nodeClient(cmd)
		result, err := c.SendText(cmd.Context(), from, to, text)
		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}

		fmt.Printf("✓ Delivered to %s\n", to)
		if result.Message != nil {
			for _, reply := range result.Message.Texts() {
				fmt.Printf("  Reply: %s\n", reply)
			}
		}
		return nil
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and drain the dead-letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := nodeClient(cmd)
		entries, err := c.ListDLQ(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}

		if len(entries) == 0 {
			fmt.Println("Dead-letter queue is empty.")
			return nil
		}

		fmt.Printf("%-38s %-20s %-20s %-9s %s\n", "ID", "FROM", "TO", "RETRIES", "ERROR")
		for _, e := range entries {
			errMsg := e.Error
			if len(errMsg) > 40 {
				errMsg = errMsg[:37] + "..."
			}
			fmt.Printf("%-38s %-20s %-20s %d/%-7d %s\n",
				e.ID, e.FromAgent, e.ToAgent, e.RetryCount, e.MaxRetries, errMsg)
		}
		fmt.Printf("\n%d entries\n", len(entries))
		return nil
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Run one dead-letter drain pass",
	Long: `Re-route every queued message once. Successes leave the queue,
failures under the retry ceiling stay for the next pass, the rest drop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := nodeClient(cmd)
		report, err := c.RetryDLQ(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to drain dead letters: %w", err)
		}

		fmt.Printf("✓ Drain pass complete: %d scanned, %d delivered, %d requeued, %d dropped\n",
			report.Scanned, report.Succeeded, report.Requeued, report.Dropped)
		return nil
	},
}

func init() {
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
}
