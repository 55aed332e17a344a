// Package keys names the cache keys and push rooms shared by the services
// and the realtime bridge.
package keys

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bnema/tasksync/internal/cache"
)

const (
	ResourceProjects      = "projects"
	ResourceProject       = "project"
	ResourceTasks         = "tasks"
	ResourceTask          = "task"
	ResourceComments      = "comments"
	ResourceMembers       = "members"
	ResourceNotifications = "notifications"

	projectRoomPrefix = "project_"
)

func Projects() cache.Key {
	return cache.Key{Resource: ResourceProjects}
}

func Project(id int64) cache.Key {
	return cache.Key{Resource: ResourceProject, ID: strconv.FormatInt(id, 10)}
}

func ProjectTasks(projectID int64) cache.Key {
	return cache.Key{Resource: ResourceTasks, ID: "project=" + strconv.FormatInt(projectID, 10)}
}

func MyTasks() cache.Key {
	return cache.Key{Resource: ResourceTasks, ID: "my"}
}

func Task(id int64) cache.Key {
	return cache.Key{Resource: ResourceTask, ID: strconv.FormatInt(id, 10)}
}

func Comments(taskID int64) cache.Key {
	return cache.Key{Resource: ResourceComments, ID: "task=" + strconv.FormatInt(taskID, 10)}
}

func Members(projectID int64) cache.Key {
	return cache.Key{Resource: ResourceMembers, ID: "project=" + strconv.FormatInt(projectID, 10)}
}

func Notifications() cache.Key {
	return cache.Key{Resource: ResourceNotifications, ID: "list"}
}

// TaskLists matches every task collection: per-project lists and my tasks.
func TaskLists() func(cache.Key) bool {
	return cache.ResourceIs(ResourceTasks)
}

func ProjectRoom(projectID int64) string {
	return projectRoomPrefix + strconv.FormatInt(projectID, 10)
}

func ParseProjectRoom(room string) (int64, error) {
	raw, ok := strings.CutPrefix(room, projectRoomPrefix)
	if !ok {
		return 0, fmt.Errorf("room %q is not a project room", room)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse project room %q: %w", room, err)
	}
	return id, nil
}
