// Package board renders notifications and task lists for the terminal.
package board

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/bnema/tasksync/internal/domain"
)

type RenderOptions struct {
	Now        time.Time
	StaleAfter time.Duration
}

func RenderNotifications(state domain.NotificationState, opts RenderOptions) (string, error) {
	return run(func(s styles) string {
		return notificationsView(state, opts, s)
	})
}

// RenderTasks renders tasks grouped by status with a completion bar.
// syncedAt is when the list was last confirmed by the server.
func RenderTasks(title string, tasks []domain.Task, syncedAt time.Time, opts RenderOptions) (string, error) {
	return run(func(s styles) string {
		return tasksView(title, tasks, syncedAt, opts, s)
	})
}

func notificationsView(state domain.NotificationState, opts RenderOptions, s styles) string {
	header := fmt.Sprintf("unread: %d of %d", state.UnreadCount, len(state.Items))
	if stale(state.LastSyncedAt, opts) {
		header += " " + s.warning.Render("[stale]")
	}
	lines := []string{
		s.title.Render("Notifications"),
		s.header.Render(header),
	}

	if len(state.Items) == 0 {
		lines = append(lines, s.empty.Render("No notifications."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	for _, item := range state.Items {
		lines = append(lines, s.section.Render(notificationBlock(item, opts, s)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func notificationBlock(item domain.Notification, opts RenderOptions, s styles) string {
	marker, titleStyle := "  ", s.read
	if !item.IsRead {
		marker, titleStyle = "* ", s.unread
	}

	parts := []string{
		titleStyle.Render(fmt.Sprintf("%s#%d %s", marker, item.ID, strings.TrimSpace(item.Title))),
	}
	if content := strings.TrimSpace(item.Content); content != "" {
		parts = append(parts, s.detail.Render("  "+content))
	}
	parts = append(parts, s.header.Render("  "+formatAge(item.CreatedAt, opts.Now)))

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func tasksView(title string, tasks []domain.Task, syncedAt time.Time, opts RenderOptions, s styles) string {
	header := fmt.Sprintf("tasks: %d", len(tasks))
	if stale(syncedAt, opts) {
		header += " " + s.warning.Render("[stale]")
	}
	lines := []string{s.title.Render(title), s.header.Render(header)}

	if len(tasks) == 0 {
		lines = append(lines, s.empty.Render("No tasks."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	lines = append(lines, completionLine(tasks, s))

	for _, status := range []domain.TaskStatus{
		domain.TaskStatusTodo,
		domain.TaskStatusInProgress,
		domain.TaskStatusReview,
		domain.TaskStatusDone,
	} {
		group := tasksWithStatus(tasks, status)
		if len(group) == 0 {
			continue
		}
		block := []string{s.statusKey.Render(fmt.Sprintf("%s (%d)", status.Label(), len(group)))}
		for _, task := range group {
			block = append(block, s.detail.Render(fmt.Sprintf("  #%d %s", task.ID, strings.TrimSpace(task.Title))))
		}
		lines = append(lines, s.section.Render(lipgloss.JoinVertical(lipgloss.Left, block...)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func tasksWithStatus(tasks []domain.Task, status domain.TaskStatus) []domain.Task {
	var group []domain.Task
	for _, task := range tasks {
		if task.Status == status {
			group = append(group, task)
		}
	}
	return group
}

func completionLine(tasks []domain.Task, s styles) string {
	done := len(tasksWithStatus(tasks, domain.TaskStatusDone))
	percent := 100 * float64(done) / float64(len(tasks))

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.statusKey.Render("done:"),
		" ",
		renderProgressBar(percent, 24, s),
		" ",
		s.detail.Render(fmt.Sprintf("%2.0f%%", percent)),
	)
}

func renderProgressBar(donePercent float64, width int, s styles) string {
	if width <= 0 {
		return ""
	}

	filled := int(math.Round(float64(width) * clampPercent(donePercent) / 100.0))
	if filled > width {
		filled = width
	}

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.barBracket.Render("["),
		s.barFill.Render(strings.Repeat("=", filled)),
		s.barEmpty.Render(strings.Repeat("-", width-filled)),
		s.barBracket.Render("]"),
	)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// stale is never reported without a reference time.
func stale(syncedAt time.Time, opts RenderOptions) bool {
	if opts.Now.IsZero() || syncedAt.IsZero() {
		return false
	}
	return (domain.Freshness{AsOf: syncedAt}).IsStale(opts.Now, opts.StaleAfter)
}

func formatAge(at, now time.Time) string {
	if at.IsZero() {
		return "unknown time"
	}
	if now.IsZero() {
		return at.Format(time.RFC3339)
	}

	elapsed := now.Sub(at)
	switch {
	case elapsed < time.Minute:
		return "just now"
	case elapsed < time.Hour:
		return plural(int(elapsed.Minutes()), "minute") + " ago"
	case elapsed < 24*time.Hour:
		return plural(int(elapsed.Hours()), "hour") + " ago"
	default:
		return fmt.Sprintf("%s ago (%s)", plural(int(elapsed.Hours()/24), "day"), at.Format("15:04 on 02 Jan"))
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
