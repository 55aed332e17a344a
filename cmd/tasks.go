package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/bnema/tasksync/internal/adapters/render/board"
	"github.com/bnema/tasksync/internal/domain"
	"github.com/bnema/tasksync/internal/keys"
	"github.com/spf13/cobra"
)

func newTasksCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List and update tasks",
	}

	cmd.AddCommand(
		newTasksListCmd(app),
		newTasksStatusCmd(app),
		newTasksBulkStatusCmd(app),
		newTasksDeleteCmd(app),
		newTasksCommentsCmd(app),
		newTasksCommentCmd(app),
	)

	return cmd
}

func newTasksListCmd(app *app) *cobra.Command {
	var (
		projectID int64
		mine      bool
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a project's tasks, or yours with --mine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if projectID <= 0 && !mine {
				return fmt.Errorf("either --project or --mine is required")
			}
			if err := app.requireSession(cmd.Context()); err != nil {
				return err
			}

			title := "My tasks"
			key := keys.MyTasks()
			if !mine {
				title = fmt.Sprintf("Project #%d", projectID)
				key = keys.ProjectTasks(projectID)
			}

			var tasks []domain.Task
			err := fetchWithSpinner(cmd.Context(), cmd.ErrOrStderr(), asJSON, "Fetching tasks...", func(ctx context.Context) error {
				var err error
				if mine {
					tasks, err = app.tasks.MyTasks(ctx)
				} else {
					tasks, err = app.tasks.ProjectTasks(ctx, projectID)
				}
				return err
			})
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd, tasks)
			}

			entry, _ := app.cache.Read(key)
			rendered, err := board.RenderTasks(title, tasks, entry.FetchedAt, app.renderOptions(app.cfg.Cache.StaleAfter[keys.ResourceTasks]))
			return writeRendered(cmd, rendered, err)
		},
	}

	cmd.Flags().Int64Var(&projectID, "project", 0, "Project ID")
	cmd.Flags().BoolVar(&mine, "mine", false, "List tasks assigned to you")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output tasks as JSON")
	cmd.MarkFlagsMutuallyExclusive("project", "mine")

	return cmd
}

func newTasksStatusCmd(app *app) *cobra.Command {
	var projectID int64

	cmd := &cobra.Command{
		Use:   "status TASK_ID STATUS",
		Short: "Move a task to todo, in_progress, review or done",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID("task id", args[0])
			if err != nil {
				return err
			}
			status, err := domain.ParseTaskStatus(args[1])
			if err != nil {
				return err
			}
			if err := app.requireSession(cmd.Context()); err != nil {
				return err
			}

			task, err := app.tasks.UpdateStatus(cmd.Context(), projectID, taskID, status)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task #%d is now %s\n", task.ID, task.Status.Label())
			return nil
		},
	}

	cmd.Flags().Int64Var(&projectID, "project", 0, "Project the task belongs to")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

func newTasksBulkStatusCmd(app *app) *cobra.Command {
	var projectID int64

	cmd := &cobra.Command{
		Use:   "bulk-status STATUS TASK_ID...",
		Short: "Move several tasks to one status",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := domain.ParseTaskStatus(args[0])
			if err != nil {
				return err
			}
			taskIDs, err := parseIDs("task id", args[1:])
			if err != nil {
				return err
			}
			if err := app.requireSession(cmd.Context()); err != nil {
				return err
			}

			if err := app.tasks.BulkUpdateStatus(cmd.Context(), projectID, taskIDs, status); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Moved %d tasks to %s\n", len(taskIDs), status.Label())
			return nil
		},
	}

	cmd.Flags().Int64Var(&projectID, "project", 0, "Project the tasks belong to")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

func newTasksDeleteCmd(app *app) *cobra.Command {
	var projectID int64

	cmd := &cobra.Command{
		Use:   "delete TASK_ID",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID("task id", args[0])
			if err != nil {
				return err
			}
			if err := app.requireSession(cmd.Context()); err != nil {
				return err
			}

			if err := app.tasks.DeleteTask(cmd.Context(), projectID, taskID); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted task #%d\n", taskID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&projectID, "project", 0, "Project the task belongs to")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

func newTasksCommentsCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "comments TASK_ID",
		Short: "List a task's comments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID("task id", args[0])
			if err != nil {
				return err
			}
			if err := app.requireSession(cmd.Context()); err != nil {
				return err
			}

			comments, err := app.tasks.Comments(cmd.Context(), taskID)
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd, comments)
			}
			if len(comments) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No comments.")
				return nil
			}
			for _, comment := range comments {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "#%d %s\n", comment.ID, comment.Content)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output comments as JSON")

	return cmd
}

func newTasksCommentCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "comment TASK_ID TEXT...",
		Short: "Add a comment to a task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID("task id", args[0])
			if err != nil {
				return err
			}
			if err := app.requireSession(cmd.Context()); err != nil {
				return err
			}

			comment, err := app.tasks.AddComment(cmd.Context(), taskID, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Added comment #%d to task #%d\n", comment.ID, taskID)
			return nil
		},
	}
}
