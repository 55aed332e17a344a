package cmd

import (
	"context"
	"fmt"

	"github.com/bnema/tasksync/internal/domain"
	"github.com/spf13/cobra"
)

func newProjectsCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List the projects you belong to",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.requireSession(cmd.Context()); err != nil {
				return err
			}

			var projects []domain.Project
			err := fetchWithSpinner(cmd.Context(), cmd.ErrOrStderr(), asJSON, "Fetching projects...", func(ctx context.Context) error {
				var err error
				projects, err = app.projects.Projects(ctx)
				return err
			})
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd, projects)
			}
			if len(projects) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No projects.")
				return nil
			}
			for _, project := range projects {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "#%d %s\n", project.ID, project.Name)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output projects as JSON")
	cmd.AddCommand(newProjectMembersCmd(app))

	return cmd
}

func newProjectMembersCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "members PROJECT_ID",
		Short: "List a project's members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseID("project id", args[0])
			if err != nil {
				return err
			}
			if err := app.requireSession(cmd.Context()); err != nil {
				return err
			}

			members, err := app.projects.Members(cmd.Context(), projectID)
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd, members)
			}
			for _, member := range members {
				role := member.Role
				if role == "" {
					role = "member"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", member.Username, role)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output members as JSON")

	return cmd
}
