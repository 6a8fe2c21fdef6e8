package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/streamplane/coordinator/pkg/client"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether a coordinator is ready",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("coordinator", "http://localhost:9090", "Coordinator HTTP address")
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("coordinator")
	c := client.NewClient(addr)

	ready, err := c.Ready()
	if err != nil {
		return fmt.Errorf("failed to reach coordinator at %s: %w", addr, err)
	}
	if ready {
		fmt.Printf("%s: ready\n", addr)
		return nil
	}
	fmt.Printf("%s: not ready\n", addr)
	return fmt.Errorf("coordinator not ready")
}
