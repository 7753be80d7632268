package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newCredentialsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage project credentials",
	}

	cmd.AddCommand(newCredentialsAddCommand())

	return cmd
}

func newCredentialsAddCommand() *cobra.Command {
	var (
		projectID string
		provider  string
		name      string
		value     string
		fromFile  string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store an encrypted credential for a project",
		Long: `Encrypt and store one named secret. The plaintext only ever exists in
memory during a deployment phase and is injected into the sandbox
environment, never written to logs or disk.`,
		Example: `  # Store the service account key from a file
  sirpi credentials add --project <id> --name GOOGLE_CREDENTIALS --from-file sa.json

  # Store a plain value
  sirpi credentials add --project <id> --name GOOGLE_PROJECT --value acme-prod`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if (value == "") == (fromFile == "") {
				return fmt.Errorf("exactly one of --value or --from-file is required")
			}
			if fromFile != "" {
				data, err := os.ReadFile(fromFile)
				if err != nil {
					return fmt.Errorf("failed to read credential file: %w", err)
				}
				value = string(data)
			}

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			if err := rt.creds.Put(ctx, projectID, provider, name, value); err != nil {
				return err
			}

			fmt.Printf("Credential %s stored for project %s\n", name, projectID)
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&provider, "provider", "gcp", "cloud provider the credential belongs to")
	cmd.Flags().StringVar(&name, "name", "", "credential name, becomes the environment variable")
	cmd.Flags().StringVar(&value, "value", "", "credential value")
	cmd.Flags().StringVar(&fromFile, "from-file", "", "read the credential value from a file")
	cmd.MarkFlagRequired("project")
	cmd.MarkFlagRequired("name")

	return cmd
}
