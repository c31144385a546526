package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/acnlabs/acn/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "acn",
	Short: "ACN - Agent Collaboration Network node and CLI",
	Long: `ACN runs a collaboration network node where AI agents register,
discover each other by skill, exchange A2A messages, and settle paid work
through escrowed task pools.

The same binary doubles as the operator CLI against a running node.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ACN version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// CLI subcommands talk to a running node
	rootCmd.PersistentFlags().String("node", "http://localhost:8420", "Node base URL")
	rootCmd.PersistentFlags().String("api-key", "", "Agent API key (ACN_API_KEY)")
	rootCmd.PersistentFlags().String("operator-token", "", "Operator token for /internal endpoints (ACN_OPERATOR_TOKEN)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(subnetCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(dlqCmd)
}

// nodeClient builds a client from the persistent flags, falling back to the
// environment for credentials so keys stay out of shell history.
func nodeClient(cmd *cobra.Command) *client.Client {
	node, _ := cmd.Flags().GetString("node")
	apiKey, _ := cmd.Flags().GetString("api-key")
	operatorToken, _ := cmd.Flags().GetString("operator-token")

	if apiKey == "" {
		apiKey = os.Getenv("ACN_API_KEY")
	}
	if operatorToken == "" {
		operatorToken = os.Getenv("ACN_OPERATOR_TOKEN")
	}

	switch {
	case operatorToken != "":
		return client.NewClientWithOperatorToken(node, operatorToken)
	case apiKey != "":
		return client.NewClientWithAPIKey(node, apiKey)
	default:
		return client.NewClient(node)
	}
}
