package commands

import (
	"context"

	"github.com/spf13/cobra"
)

func newLogsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <action-id>",
		Short: "Stream an action's ordered log",
		Long: `Print the full log of a deployment action from the first line, then
follow live output until the action finishes. Joining mid-run or after
the action has finished always yields the complete, gapless log.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			return followLogs(ctx, rt.orch, args[0])
		},
	}

	return cmd
}
