package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sirpi",
		Short: "Sirpi - Deployment Orchestration Engine",
		Long: `Sirpi drives generated infrastructure artifacts (Dockerfile + Terraform)
through sandboxed deployment phases against Google Cloud.

Phases run strictly in order per project:
  build -> plan -> apply -> destroy

Every phase executes in an isolated sandbox, streams its output live,
and records a durable, ordered log.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newProjectCommand())
	rootCmd.AddCommand(newCredentialsCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newLogsCommand())

	return rootCmd
}
