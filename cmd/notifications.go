package cmd

import (
	"context"
	"fmt"

	"github.com/bnema/tasksync/internal/adapters/render/board"
	"github.com/bnema/tasksync/internal/domain"
	"github.com/bnema/tasksync/internal/keys"
	"github.com/spf13/cobra"
)

func newNotificationsCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Show and acknowledge notifications",
	}

	cmd.AddCommand(newNotificationsListCmd(app), newNotificationsReadCmd(app))

	return cmd
}

func newNotificationsListCmd(app *app) *cobra.Command {
	var (
		asJSON     bool
		unreadOnly bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.requireSession(cmd.Context()); err != nil {
				return err
			}

			var state domain.NotificationState
			err := fetchWithSpinner(cmd.Context(), cmd.ErrOrStderr(), asJSON, "Fetching notifications...", func(ctx context.Context) error {
				var err error
				state, err = app.notifications.Refresh(ctx)
				return err
			})
			if err != nil {
				return err
			}

			if unreadOnly {
				state = unreadState(state)
			}
			if asJSON {
				return writeJSON(cmd, state)
			}

			rendered, err := board.RenderNotifications(state, app.renderOptions(app.cfg.Cache.StaleAfter[keys.ResourceNotifications]))
			return writeRendered(cmd, rendered, err)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output notifications as JSON")
	cmd.Flags().BoolVar(&unreadOnly, "unread", false, "Show unread notifications only")

	return cmd
}

func newNotificationsReadCmd(app *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "read [NOTIFICATION_ID]",
		Short: "Mark one notification, or all with --all, as read",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("pass either a notification id or --all")
			}
			if err := app.requireSession(cmd.Context()); err != nil {
				return err
			}
			if _, err := app.notifications.Refresh(cmd.Context()); err != nil {
				return err
			}

			if all {
				if err := app.notifications.MarkAllRead(cmd.Context()); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Marked all notifications as read")
				return nil
			}

			id, err := parseID("notification id", args[0])
			if err != nil {
				return err
			}
			if err := app.notifications.MarkRead(cmd.Context(), domain.NotificationID(id)); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Marked notification #%d as read (%d unread)\n", id, app.notifications.State().UnreadCount)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Mark every notification as read")

	return cmd
}

func unreadState(state domain.NotificationState) domain.NotificationState {
	items := make([]domain.Notification, 0, state.UnreadCount)
	for _, item := range state.Items {
		if !item.IsRead {
			items = append(items, item)
		}
	}
	state.Items = items
	return state
}
