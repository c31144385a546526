package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/acnlabs/acn/pkg/client"
	"github.com/acnlabs/acn/pkg/types"
)

var subnetCmd = &cobra.Command{
	Use:   "subnet",
	Short: "Manage subnets",
}

var subnetCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a subnet",
	Long: `Create a subnet. Private subnets mint a secret token shown exactly
once; tunnel connections must present it under the chosen scheme.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		id, _ := cmd.Flags().GetString("id")
		private, _ := cmd.Flags().GetBool("private")
		scheme, _ := cmd.Flags().GetString("scheme")

		req := &client.CreateSubnetRequest{
			ID:        id,
			Name:      name,
			IsPrivate: private,
		}
		if private {
			switch scheme {
			case "bearer", "apiKey", "openIdConnect":
				req.SecuritySchemes = map[string]types.SecurityScheme{
					scheme: {Type: types.SecuritySchemeType(scheme)},
				}
			default:
				return fmt.Errorf("scheme must be bearer, apiKey or openIdConnect")
			}
		}

		c := nodeClient(cmd)
		subnet, err := c.CreateSubnet(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("failed to create subnet: %w", err)
		}

		fmt.Printf("✓ Subnet created: %s (ID: %s)\n", subnet.Name, subnet.ID)
		if subnet.SecretToken != "" {
			fmt.Println()
			fmt.Printf("Secret token (shown once, store it now):\n  %s\n", subnet.SecretToken)
		}
		return nil
	},
}

var subnetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subnets",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := nodeClient(cmd)
		subnets, err := c.ListSubnets(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list subnets: %w", err)
		}

		fmt.Printf("%-20s %-20s %-9s %-8s %s\n", "SUBNET ID", "NAME", "PRIVATE", "MEMBERS", "TUNNELS")
		for _, s := range subnets {
			fmt.Printf("%-20s %-20s %-9t %-8d %d\n", s.ID, s.Name, s.IsPrivate, len(s.MemberAgentIDs), s.Connections)
		}
		fmt.Printf("\n%d subnet(s)\n", len(subnets))
		return nil
	},
}

var subnetDeleteCmd = &cobra.Command{
	Use:   "delete SUBNET_ID",
	Short: "Delete a subnet",
	Long: `Delete a subnet. With live tunnel connections the node refuses unless
--force is given, which disconnects every tunnel and unregisters its agent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		c := nodeClient(cmd)
		if err := c.DeleteSubnet(cmd.Context(), args[0], force); err != nil {
			return fmt.Errorf("failed to delete subnet: %w", err)
		}

		fmt.Printf("✓ Subnet deleted: %s\n", args[0])
		return nil
	},
}

func init() {
	subnetCmd.AddCommand(subnetCreateCmd)
	subnetCmd.AddCommand(subnetListCmd)
	subnetCmd.AddCommand(subnetDeleteCmd)

	subnetCreateCmd.Flags().String("id", "", "Subnet ID (derived from name when empty)")
	subnetCreateCmd.Flags().Bool("private", false, "Require a credential for tunnel connections")
	subnetCreateCmd.Flags().String("scheme", "bearer", "Security scheme for private subnets (bearer|apiKey|openIdConnect)")

	subnetDeleteCmd.Flags().Bool("force", false, "Disconnect live tunnels and unregister their agents")
}
