package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/acnlabs/acn/pkg/client"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage registered agents",
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents in the registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		skills, _ := cmd.Flags().GetStringSlice("skill")
		status, _ := cmd.Flags().GetString("status")
		subnetID, _ := cmd.Flags().GetString("subnet")
		owner, _ := cmd.Flags().GetString("owner")
		name, _ := cmd.Flags().GetString("name")

		c := nodeClient(cmd)
		agents, err := c.SearchAgents(cmd.Context(), &client.AgentFilter{
			Skills:   skills,
			Status:   status,
			SubnetID: subnetID,
			Owner:    owner,
			Name:     name,
		})
		if err != nil {
			return fmt.Errorf("failed to list agents: %w", err)
		}

		if len(agents) == 0 {
			fmt.Println("No agents found.")
			return nil
		}

		fmt.Printf("%-38s %-20s %-8s %s\n", "AGENT ID", "NAME", "STATUS", "SKILLS")
		for _, a := range agents {
			fmt.Printf("%-38s %-20s %-8s %s\n", a.ID, a.Name, a.Status, strings.Join(a.Skills, ","))
		}
		fmt.Printf("\n%d agent(s)\n", len(agents))
		return nil
	},
}

var agentGetCmd = &cobra.Command{
	Use:   "get AGENT_ID",
	Short: "Show one agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := nodeClient(cmd)
		agent, err := c.GetAgent(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get agent: %w", err)
		}
		return printJSON(agent)
	},
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a platform-managed agent",
	Long: `Register a platform-managed agent, keyed by (owner, endpoint) so
re-running with the same pair updates instead of duplicating.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		description, _ := cmd.Flags().GetString("description")
		endpoint, _ := cmd.Flags().GetString("endpoint")
		skills, _ := cmd.Flags().GetStringSlice("skill")
		owner, _ := cmd.Flags().GetString("owner")
		subnets, _ := cmd.Flags().GetStringSlice("subnet")

		c := nodeClient(cmd)
		agent, err := c.Register(cmd.Context(), &client.RegisterRequest{
			Owner:       owner,
			Name:        name,
			Description: description,
			Endpoint:    endpoint,
			Skills:      skills,
			SubnetIDs:   subnets,
		})
		if err != nil {
			return fmt.Errorf("failed to register agent: %w", err)
		}

		fmt.Printf("✓ Agent registered: %s (ID: %s)\n", agent.Name, agent.ID)
		return nil
	},
}

func init() {
	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentGetCmd)
	agentCmd.AddCommand(agentRegisterCmd)

	agentListCmd.Flags().StringSlice("skill", nil, "Require skill (repeatable; all must match)")
	agentListCmd.Flags().String("status", "", "Filter by status (online|offline|busy)")
	agentListCmd.Flags().String("subnet", "", "Filter by subnet membership")
	agentListCmd.Flags().String("owner", "", "Filter by owner")
	agentListCmd.Flags().String("name", "", "Filter by name substring")

	agentRegisterCmd.Flags().String("name", "", "Agent name")
	agentRegisterCmd.Flags().String("description", "", "Agent description")
	agentRegisterCmd.Flags().String("endpoint", "", "A2A endpoint URL")
	agentRegisterCmd.Flags().StringSlice("skill", nil, "Agent skill (repeatable)")
	agentRegisterCmd.Flags().String("owner", "", "Owning principal")
	agentRegisterCmd.Flags().StringSlice("subnet", nil, "Subnet to join (repeatable)")
	_ = agentRegisterCmd.MarkFlagRequired("name")
}

// printJSON renders any API object for human inspection.
func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
