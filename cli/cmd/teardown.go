package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newCmdTeardown() *cobra.Command {
	return &cobra.Command{
		Use:   "teardown",
		Short: "Remove every group worker and its derived stream",
		Long: `Remove every group worker and its derived stream.

Each worker service is stopped before its derived ksqlDB stream is dropped,
then the routing frontend is removed. Running teardown when nothing is
deployed is a no-op.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			controller, err := newController(ctx)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}

			if err := controller.Teardown(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "teardown failed: %s\n", err)
				os.Exit(1)
			}
			fmt.Println("teardown complete")
		},
	}
}
