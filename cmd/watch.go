package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/bnema/tasksync/internal/adapters/render/board"
	"github.com/bnema/tasksync/internal/cache"
	"github.com/bnema/tasksync/internal/domain"
	"github.com/bnema/tasksync/internal/keys"
	"github.com/bnema/tasksync/internal/ports"
	"github.com/bnema/tasksync/internal/realtime"
	"github.com/spf13/cobra"
)

func newWatchCmd(app *app) *cobra.Command {
	var projectIDs []int64

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow notifications and project tasks live until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.requireSession(cmd.Context()); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runWatch(ctx, cmd.OutOrStdout(), app, projectIDs)
		},
	}

	cmd.Flags().Int64SliceVar(&projectIDs, "project", nil, "Project IDs to follow (repeatable)")

	return cmd
}

func runWatch(ctx context.Context, out io.Writer, app *app, projectIDs []int64) error {
	bridge, err := app.newBridge()
	if err != nil {
		return err
	}

	// Rendering happens from cache and bridge callbacks on several goroutines.
	var outMu sync.Mutex
	printf := func(format string, args ...any) {
		outMu.Lock()
		defer outMu.Unlock()
		_, _ = fmt.Fprintf(out, format, args...)
	}

	unsubscribeState := bridge.OnStateChange(func(state realtime.State) {
		printf("push: %s\n", state)
	})
	defer unsubscribeState()

	unsubscribeNotifications := app.notifications.Subscribe(func(state domain.NotificationState) {
		rendered, err := board.RenderNotifications(state, app.renderOptions(0))
		if err != nil {
			printf("render notifications: %v\n", err)
			return
		}
		printf("%s\n", rendered)
	})
	defer unsubscribeNotifications()

	for _, projectID := range projectIDs {
		membership := bridge.JoinProject(projectID)
		defer membership.Dispose()

		watch := app.tasks.WatchProjectTasks(projectID)
		defer watch.Dispose()

		title := fmt.Sprintf("Project #%d", projectID)
		unsubscribe := app.cache.Subscribe(cache.Exactly(keys.ProjectTasks(projectID)), func(ev cache.Event) {
			if ev.Change == cache.ChangeInvalidated {
				return
			}
			entry, ok := app.cache.Read(ev.Key)
			if !ok {
				return
			}
			tasks, _ := entry.Value.([]domain.Task)
			rendered, err := board.RenderTasks(title, tasks, entry.FetchedAt, app.renderOptions(0))
			if err != nil {
				printf("render tasks: %v\n", err)
				return
			}
			printf("%s\n", rendered)
		})
		defer unsubscribe()

		if _, err := watch.Fetch(ctx); err != nil {
			return fmt.Errorf("load project %d tasks: %w", projectID, err)
		}
	}

	if _, err := app.notifications.Refresh(ctx); err != nil {
		return err
	}

	if watcher, ok := app.tokenStore.(ports.StoreWatcher); ok {
		go func() {
			if err := app.session.WatchStore(ctx, watcher); err != nil && ctx.Err() == nil {
				printf("watch token store: %v\n", err)
			}
		}()
	}

	if err := bridge.Start(ctx); err != nil {
		return err
	}
	defer bridge.Stop()

	select {
	case <-ctx.Done():
		if err := app.mutations.Drain(context.Background()); err != nil {
			return err
		}
		return nil
	case <-bridge.Done():
		if !app.session.LoggedIn() {
			return domain.ErrSessionExpired
		}
		return nil
	}
}
