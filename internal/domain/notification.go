package domain

import "time"

type NotificationID int64

type Notification struct {
	ID        NotificationID `json:"id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Content   string         `json:"content,omitempty"`
	IsRead    bool           `json:"is_read"`
	ProjectID *int64         `json:"related_project_id,omitempty"`
	TaskID    *int64         `json:"related_task_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NotificationState is the one shared view of the user's notifications.
// UnreadCount is always derived from Items.
type NotificationState struct {
	Items        []Notification
	UnreadCount  int
	LastSyncedAt time.Time
}

func UnreadCount(items []Notification) int {
	count := 0
	for _, item := range items {
		if !item.IsRead {
			count++
		}
	}
	return count
}
