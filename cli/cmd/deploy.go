package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newCmdDeploy() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy",
		Short: "Deploy one stream worker per asset group",
		Long: `Deploy one stream worker per asset group.

For every group reported by the grouping strategy this creates the group's
derived ksqlDB stream, starts a worker service that consumes it, and finally
starts the routing frontend. Groups that are already running are left
untouched.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			controller, err := newController(ctx)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}

			if err := controller.Deploy(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "deploy failed: %s\n", err)
				os.Exit(1)
			}

			workers := controller.Workers()
			fmt.Printf("deployed %d group workers\n", len(workers))
			for _, worker := range workers {
				fmt.Printf("  %s -> %s\n", worker.Group, worker.URL)
			}
		},
	}
}
