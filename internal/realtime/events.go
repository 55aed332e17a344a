package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/bnema/tasksync/internal/cache"
	"github.com/bnema/tasksync/internal/domain"
	"github.com/bnema/tasksync/internal/keys"
)

const (
	EventTaskCreated    = "task_created"
	EventTaskUpdated    = "task_updated"
	EventTaskDeleted    = "task_deleted"
	EventCommentAdded   = "comment_added"
	EventMemberAdded    = "member_added"
	EventMemberRemoved  = "member_removed"
	EventProjectUpdated = "project_updated"
	EventNotification   = "notification"
)

// effect is what one inbound event does to local state.
type effect struct {
	invalidate   func(cache.Key) bool
	notification *domain.Notification
}

type eventHandler func(ev Event) (effect, error)

var eventTable = map[string]eventHandler{
	EventTaskCreated:    onTaskUpserted,
	EventTaskUpdated:    onTaskUpserted,
	EventTaskDeleted:    onTaskDeleted,
	EventCommentAdded:   onCommentAdded,
	EventMemberAdded:    onMembershipChanged,
	EventMemberRemoved:  onMembershipChanged,
	EventProjectUpdated: onProjectUpdated,
	EventNotification:   onNotification,
}

type taskEvent struct {
	Task domain.Task `json:"task"`
}

type taskDeletedEvent struct {
	TaskID    int64 `json:"task_id"`
	ProjectID int64 `json:"project_id"`
}

type commentEvent struct {
	TaskID int64 `json:"task_id"`
}

type projectEvent struct {
	ProjectID int64           `json:"project_id"`
	Project   *domain.Project `json:"project"`
}

// effectFor maps ev through the event table. Unknown events have no effect.
func effectFor(ev Event) (effect, bool, error) {
	handler, ok := eventTable[ev.Name]
	if !ok {
		return effect{}, false, nil
	}
	eff, err := handler(ev)
	if err != nil {
		return effect{}, true, fmt.Errorf("handle %s: %w", ev.Name, err)
	}
	return eff, true, nil
}

func onTaskUpserted(ev Event) (effect, error) {
	var payload taskEvent
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return effect{}, err
	}
	projectID := payload.Task.ProjectID
	if projectID == 0 {
		projectID = roomProject(ev.Room)
	}

	matchers := []func(cache.Key) bool{cache.Exactly(keys.MyTasks())}
	if payload.Task.ID != 0 && ev.Name == EventTaskUpdated {
		matchers = append(matchers, cache.Exactly(keys.Task(payload.Task.ID)))
	}
	if projectID != 0 {
		matchers = append(matchers, cache.Exactly(keys.ProjectTasks(projectID)))
	} else {
		matchers = append(matchers, keys.TaskLists())
	}
	return effect{invalidate: cache.AnyOf(matchers...)}, nil
}

func onTaskDeleted(ev Event) (effect, error) {
	var payload taskDeletedEvent
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return effect{}, err
	}
	projectID := payload.ProjectID
	if projectID == 0 {
		projectID = roomProject(ev.Room)
	}

	matchers := []func(cache.Key) bool{cache.Exactly(keys.Task(payload.TaskID), keys.MyTasks())}
	if projectID != 0 {
		matchers = append(matchers, cache.Exactly(keys.ProjectTasks(projectID)))
	} else {
		matchers = append(matchers, keys.TaskLists())
	}
	return effect{invalidate: cache.AnyOf(matchers...)}, nil
}

func onCommentAdded(ev Event) (effect, error) {
	var payload commentEvent
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return effect{}, err
	}
	if payload.TaskID == 0 {
		return effect{}, fmt.Errorf("missing task_id")
	}
	return effect{invalidate: cache.Exactly(keys.Comments(payload.TaskID), keys.Task(payload.TaskID))}, nil
}

func onMembershipChanged(ev Event) (effect, error) {
	var payload projectEvent
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			return effect{}, err
		}
	}
	projectID := payload.ProjectID
	if projectID == 0 {
		projectID = roomProject(ev.Room)
	}
	if projectID == 0 {
		return effect{invalidate: cache.AnyOf(cache.ResourceIs(keys.ResourceMembers), cache.ResourceIs(keys.ResourceProject))}, nil
	}
	return effect{invalidate: cache.Exactly(keys.Members(projectID), keys.Project(projectID))}, nil
}

func onProjectUpdated(ev Event) (effect, error) {
	var payload projectEvent
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			return effect{}, err
		}
	}
	projectID := payload.ProjectID
	if projectID == 0 && payload.Project != nil {
		projectID = payload.Project.ID
	}
	if projectID == 0 {
		projectID = roomProject(ev.Room)
	}
	if projectID == 0 {
		return effect{invalidate: cache.AnyOf(cache.ResourceIs(keys.ResourceProject), cache.Exactly(keys.Projects()))}, nil
	}
	return effect{invalidate: cache.Exactly(keys.Project(projectID), keys.Projects())}, nil
}

func onNotification(ev Event) (effect, error) {
	var notification domain.Notification
	if err := json.Unmarshal(ev.Data, &notification); err != nil {
		return effect{}, err
	}
	if notification.ID == 0 {
		return effect{}, fmt.Errorf("missing notification id")
	}
	return effect{
		notification: &notification,
		invalidate:   cache.Exactly(keys.Notifications()),
	}, nil
}

func roomProject(room string) int64 {
	if room == "" {
		return 0
	}
	id, err := keys.ParseProjectRoom(room)
	if err != nil {
		return 0
	}
	return id
}
