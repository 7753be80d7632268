package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/FlexiInc/sirpi-gcp/pkg/stores"
)

func newDeployCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Run deployment phases",
		Long: `Run one deployment phase for a project. Phases are strictly ordered:
build, then plan, then apply. A failed phase can be retried; the
project's milestone never regresses on failure.`,
	}

	cmd.AddCommand(newPhaseCommand(stores.PhaseBuild, "Build the application image from the generated Dockerfile"))
	cmd.AddCommand(newPhaseCommand(stores.PhasePlan, "Compute the Terraform plan for the generated infrastructure"))
	cmd.AddCommand(newPhaseCommand(stores.PhaseApply, "Apply the planned infrastructure to the cloud"))

	return cmd
}

func newDestroyCommand() *cobra.Command {
	return newPhaseCommand(stores.PhaseDestroy, "Tear down the deployed infrastructure")
}

// newPhaseCommand builds the shared start-phase command for one phase.
func newPhaseCommand(phase stores.Phase, short string) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   fmt.Sprintf("%s <project-id>", phase),
		Short: short,
		Args:  cobra.ExactArgs(1),
		Example: fmt.Sprintf(`  # Start the phase and stream its log
  sirpi deploy %s <project-id>

  # Start without following the log
  sirpi deploy %s <project-id> --follow=false`, phase, phase),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			action, err := rt.orch.StartPhase(ctx, args[0], phase)
			if err != nil {
				return err
			}
			fmt.Printf("Action %s started (%s)\n", action.ID, phase)

			if !follow {
				return nil
			}
			if err := followLogs(ctx, rt.orch, action.ID); err != nil {
				return err
			}

			final, err := rt.store.GetAction(ctx, action.ID)
			if err != nil {
				return err
			}
			if final.Status != stores.ActionStatusSucceeded {
				if final.Error != nil {
					return fmt.Errorf("%s %s: %s", phase, final.Status, *final.Error)
				}
				return fmt.Errorf("%s finished with status %s", phase, final.Status)
			}
			fmt.Printf("%s succeeded\n", phase)
			return nil
		},
	}

	cmd.Flags().BoolVar(&follow, "follow", true, "stream the action log until the phase ends")

	return cmd
}
