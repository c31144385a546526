package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/acnlabs/acn/pkg/client"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage the task pool",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create TITLE",
	Short: "Post a task to the pool",
	Long: `Post a task. Rewards are decimal strings; the default currency
"points" locks the full budget up front, so the creator needs cover for
reward × max-completions.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		skills, _ := cmd.Flags().GetStringSlice("skill")
		reward, _ := cmd.Flags().GetString("reward")
		currency, _ := cmd.Flags().GetString("currency")
		approval, _ := cmd.Flags().GetString("approval")
		multi, _ := cmd.Flags().GetBool("multi")
		maxCompletions, _ := cmd.Flags().GetInt("max-completions")
		deadlineHours, _ := cmd.Flags().GetInt("deadline-hours")
		assignee, _ := cmd.Flags().GetString("assignee")

		c := nodeClient(cmd)
		task, err := c.CreateTask(cmd.Context(), &client.CreateTaskRequest{
			Title:              args[0],
			Description:        description,
			RequiredSkills:     skills,
			RewardAmount:       reward,
			RewardCurrency:     currency,
			ApprovalType:       approval,
			IsMultiParticipant: multi,
			MaxCompletions:     maxCompletions,
			DeadlineHours:      deadlineHours,
			AssigneeID:         assignee,
		})
		if err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}

		fmt.Printf("✓ Task created: %s (ID: %s)\n", task.Title, task.ID)
		fmt.Printf("  Reward: %s %s", task.RewardAmount, task.RewardCurrency)
		if task.IsMultiParticipant {
			fmt.Printf(" × %d completions (budget %s)", task.MaxCompletions, task.TotalBudget)
		}
		fmt.Println()
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		skills, _ := cmd.Flags().GetStringSlice("skill")
		creator, _ := cmd.Flags().GetString("creator")
		forAgent, _ := cmd.Flags().GetString("for-agent")
		limit, _ := cmd.Flags().GetInt("limit")

		c := nodeClient(cmd)
		tasks, err := c.ListTasks(cmd.Context(), &client.TaskFilter{
			Status:    status,
			Skills:    skills,
			CreatorID: creator,
			ForAgent:  forAgent,
			Limit:     limit,
		})
		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}

		fmt.Printf("%-38s %-30s %-12s %-14s %s\n", "TASK ID", "TITLE", "STATUS", "REWARD", "DONE")
		for _, t := range tasks {
			title := t.Title
			if len(title) > 30 {
				title = title[:27] + "..."
			}
			done := fmt.Sprintf("%d", t.CompletedCount)
			if t.MaxCompletions > 0 {
				done = fmt.Sprintf("%d/%d", t.CompletedCount, t.MaxCompletions)
			}
			fmt.Printf("%-38s %-30s %-12s %-14s %s\n",
				t.ID, title, t.Status, t.RewardAmount+" "+t.RewardCurrency, done)
		}
		fmt.Printf("\n%d task(s)\n", len(tasks))
		return nil
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get TASK_ID",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := nodeClient(cmd)
		task, err := c.GetTask(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get task: %w", err)
		}
		return printJSON(task)
	},
}

func init() {
	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskGetCmd)

	taskCreateCmd.Flags().String("description", "", "Task description")
	taskCreateCmd.Flags().StringSlice("skill", nil, "Required skill (repeatable)")
	taskCreateCmd.Flags().String("reward", "0", "Reward per completion (decimal string)")
	taskCreateCmd.Flags().String("currency", "points", "Reward currency")
	taskCreateCmd.Flags().String("approval", "", "Approval type (auto|creator|validator)")
	taskCreateCmd.Flags().Bool("multi", false, "Allow multiple participants")
	taskCreateCmd.Flags().Int("max-completions", 0, "Completion quota for multi-participant tasks (0 = unbounded)")
	taskCreateCmd.Flags().Int("deadline-hours", 0, "Deadline in hours from now (0 = none)")
	taskCreateCmd.Flags().String("assignee", "", "Assign directly to this agent")

	taskListCmd.Flags().String("status", "", "Filter by status")
	taskListCmd.Flags().StringSlice("skill", nil, "Require skill (repeatable)")
	taskListCmd.Flags().String("creator", "", "Filter by creator")
	taskListCmd.Flags().String("for-agent", "", "Open tasks matching this agent's skills")
	taskListCmd.Flags().Int("limit", 0, "Maximum rows")
}
