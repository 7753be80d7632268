package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <action-id>",
		Short: "Cancel an in-flight deployment action",
		Long: `Request cancellation of a running action. The pipeline stops at the
next command boundary, the sandbox is torn down, and the action
finishes as cancelled. The project's milestone is unchanged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			if err := rt.orch.Cancel(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Cancellation requested for action %s\n", args[0])
			return nil
		},
	}

	return cmd
}
