package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newProjectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage deployment projects",
	}

	cmd.AddCommand(newProjectCreateCommand())
	cmd.AddCommand(newProjectGenerateCommand())
	cmd.AddCommand(newProjectStatusCommand())

	return cmd
}

func newProjectCreateCommand() *cobra.Command {
	var (
		name     string
		repoURL  string
		provider string
		region   string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new project",
		Example: `  sirpi project create --name demo --repo https://github.com/acme/demo
  sirpi project create --name demo --repo https://github.com/acme/demo --region europe-west1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			project, err := rt.orch.CreateProject(ctx, name, repoURL, provider, region)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(project)
			}
			fmt.Printf("Project %s created: %s\n", project.Name, project.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&repoURL, "repo", "", "source repository URL")
	cmd.Flags().StringVar(&provider, "provider", "gcp", "cloud provider")
	cmd.Flags().StringVar(&region, "region", "europe-west1", "deployment region")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("repo")

	return cmd
}

func newProjectGenerateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <project-id>",
		Short: "Generate a new artifact bundle for a project",
		Long: `Produce and version a fresh Dockerfile and Terraform configuration for
the project. Deployments always run the latest generation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			generation, err := rt.orch.Generate(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(generation)
			}
			fmt.Printf("Generation v%d created: %s\n", generation.Version, generation.ID)
			return nil
		},
	}

	return cmd
}

func newProjectStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show a project's milestone, status and latest action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			status, err := rt.orch.GetStatus(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(status)
			}

			p := status.Project
			fmt.Printf("Project:   %s (%s)\n", p.Name, p.ID)
			fmt.Printf("Provider:  %s / %s\n", p.Provider, p.Region)
			fmt.Printf("Milestone: %s\n", p.Milestone)
			fmt.Printf("Status:    %s\n", p.Status)
			if p.FailedPhase != nil {
				fmt.Printf("Failed at: %s\n", *p.FailedPhase)
			}
			if status.LatestGeneration != nil {
				fmt.Printf("Artifacts: v%d\n", status.LatestGeneration.Version)
			}
			if a := status.LatestAction; a != nil {
				fmt.Printf("Last action: %s %s (%s)\n", a.Phase, a.Status, a.ID)
			}
			return nil
		},
	}

	return cmd
}
