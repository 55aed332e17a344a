package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/bnema/tasksync/internal/cache"
	"github.com/bnema/tasksync/internal/domain"
	"github.com/bnema/tasksync/internal/gateway"
	"github.com/bnema/tasksync/internal/keys"
	"github.com/bnema/tasksync/internal/mutation"
)

var ErrEmptyComment = errors.New("comment content is required")

type taskList struct {
	Tasks []domain.Task `json:"tasks"`
}

type taskEnvelope struct {
	Task domain.Task `json:"task"`
}

type commentList struct {
	Comments []domain.Comment `json:"comments"`
}

type commentEnvelope struct {
	Comment domain.Comment `json:"comment"`
}

type statusPatch struct {
	Status domain.TaskStatus `json:"status"`
}

type bulkStatusPatch struct {
	TaskIDs []int64           `json:"task_ids"`
	Status  domain.TaskStatus `json:"status"`
}

type TaskService struct {
	sender    gateway.Sender
	cache     *cache.Store
	mutations *mutation.Coordinator
}

func NewTaskService(sender gateway.Sender, store *cache.Store, mutations *mutation.Coordinator) *TaskService {
	return &TaskService{sender: sender, cache: store, mutations: mutations}
}

func (s *TaskService) ProjectTasks(ctx context.Context, projectID int64) ([]domain.Task, error) {
	return cache.Fetch(ctx, s.cache, keys.ProjectTasks(projectID), s.projectTasksLoader(projectID))
}

// WatchProjectTasks keeps a project's task list current while the watch is
// held: pushes and settled mutations trigger a refetch.
func (s *TaskService) WatchProjectTasks(projectID int64) *cache.Watch {
	load := s.projectTasksLoader(projectID)
	return s.cache.Watch(keys.ProjectTasks(projectID), func(ctx context.Context) (any, error) {
		return load(ctx)
	}, cache.WatchOptions{AutoRefetch: true})
}

func (s *TaskService) projectTasksLoader(projectID int64) func(context.Context) ([]domain.Task, error) {
	return func(ctx context.Context) ([]domain.Task, error) {
		resp, err := gateway.Do[taskList](ctx, s.sender, gateway.Request{
			Method: http.MethodGet,
			Path:   "projects/" + strconv.FormatInt(projectID, 10) + "/tasks",
		})
		if err != nil {
			return nil, fmt.Errorf("list project %d tasks: %w", projectID, err)
		}
		return resp.Tasks, nil
	}
}

func (s *TaskService) MyTasks(ctx context.Context) ([]domain.Task, error) {
	return cache.Fetch(ctx, s.cache, keys.MyTasks(), func(ctx context.Context) ([]domain.Task, error) {
		resp, err := gateway.Do[taskList](ctx, s.sender, gateway.Request{Method: http.MethodGet, Path: "tasks/my"})
		if err != nil {
			return nil, fmt.Errorf("list my tasks: %w", err)
		}
		return resp.Tasks, nil
	})
}

func (s *TaskService) Task(ctx context.Context, taskID int64) (domain.Task, error) {
	return cache.Fetch(ctx, s.cache, keys.Task(taskID), func(ctx context.Context) (domain.Task, error) {
		resp, err := gateway.Do[taskEnvelope](ctx, s.sender, gateway.Request{Method: http.MethodGet, Path: taskPath(taskID)})
		if err != nil {
			return domain.Task{}, fmt.Errorf("get task %d: %w", taskID, err)
		}
		return resp.Task, nil
	})
}

// UpdateStatus moves a task to status. The task and its project list show
// the new status immediately; the server's copy replaces them on success and
// the previous values come back on failure.
func (s *TaskService) UpdateStatus(ctx context.Context, projectID int64, taskID int64, status domain.TaskStatus) (domain.Task, error) {
	taskKey, listKey := keys.Task(taskID), keys.ProjectTasks(projectID)

	return mutation.Run[domain.Task](ctx, s.mutations, mutation.Mutation{
		Name: fmt.Sprintf("update task %d status", taskID),
		Keys: []cache.Key{taskKey, listKey},
		Patch: func(current map[cache.Key]any) map[cache.Key]any {
			patched := map[cache.Key]any{}
			if task, ok := current[taskKey].(domain.Task); ok {
				task.Status = status
				patched[taskKey] = task
			}
			if tasks, ok := current[listKey].([]domain.Task); ok {
				patched[listKey] = mapTask(tasks, taskID, func(task domain.Task) domain.Task {
					task.Status = status
					return task
				})
			}
			return patched
		},
		Commit: func(ctx context.Context) (any, error) {
			resp, err := gateway.Do[taskEnvelope](ctx, s.sender, gateway.Request{
				Method: http.MethodPatch,
				Path:   taskPath(taskID),
				Body:   statusPatch{Status: status},
			})
			if err != nil {
				return nil, fmt.Errorf("patch task %d: %w", taskID, err)
			}
			return resp.Task, nil
		},
		Policy: mutation.PolicyMerge,
		Reconcile: func(result any) (map[cache.Key]any, error) {
			task, _ := result.(domain.Task)
			if task.ID == 0 {
				// Nothing changed server-side; keep the optimistic values.
				return nil, nil
			}
			if task.ID != taskID {
				return nil, fmt.Errorf("server returned task %d for %d: %w", task.ID, taskID, domain.ErrConflict)
			}
			values := map[cache.Key]any{taskKey: task}
			if tasks, ok := cache.Get[[]domain.Task](s.cache, listKey); ok {
				values[listKey] = mapTask(tasks, taskID, func(domain.Task) domain.Task { return task })
			}
			return values, nil
		},
		AlsoInvalidate: cache.Exactly(keys.MyTasks()),
	})
}

// BulkUpdateStatus moves several tasks of one project at once. On success the
// affected entries are marked stale and refetched rather than merged.
func (s *TaskService) BulkUpdateStatus(ctx context.Context, projectID int64, taskIDs []int64, status domain.TaskStatus) error {
	if len(taskIDs) == 0 {
		return nil
	}
	listKey := keys.ProjectTasks(projectID)
	affected := []cache.Key{listKey}
	selected := map[int64]bool{}
	for _, id := range taskIDs {
		affected = append(affected, keys.Task(id))
		selected[id] = true
	}

	_, err := s.mutations.Mutate(ctx, mutation.Mutation{
		Name: fmt.Sprintf("bulk update %d tasks", len(taskIDs)),
		Keys: affected,
		Patch: func(current map[cache.Key]any) map[cache.Key]any {
			patched := map[cache.Key]any{}
			for key, value := range current {
				switch v := value.(type) {
				case domain.Task:
					v.Status = status
					patched[key] = v
				case []domain.Task:
					next := make([]domain.Task, len(v))
					for i, task := range v {
						if selected[task.ID] {
							task.Status = status
						}
						next[i] = task
					}
					patched[key] = next
				}
			}
			return patched
		},
		Commit: func(ctx context.Context) (any, error) {
			_, err := s.sender.Send(ctx, gateway.Request{
				Method: http.MethodPatch,
				Path:   "tasks/bulk",
				Body:   bulkStatusPatch{TaskIDs: taskIDs, Status: status},
			})
			if err != nil {
				return nil, fmt.Errorf("patch tasks: %w", err)
			}
			return nil, nil
		},
		Policy:         mutation.PolicyInvalidate,
		AlsoInvalidate: cache.Exactly(keys.MyTasks()),
	})
	return err
}

// DeleteTask removes a task from its project list optimistically.
func (s *TaskService) DeleteTask(ctx context.Context, projectID int64, taskID int64) error {
	listKey := keys.ProjectTasks(projectID)

	_, err := s.mutations.Mutate(ctx, mutation.Mutation{
		Name: fmt.Sprintf("delete task %d", taskID),
		Keys: []cache.Key{listKey},
		Patch: func(current map[cache.Key]any) map[cache.Key]any {
			tasks, ok := current[listKey].([]domain.Task)
			if !ok {
				return nil
			}
			kept := make([]domain.Task, 0, len(tasks))
			for _, task := range tasks {
				if task.ID != taskID {
					kept = append(kept, task)
				}
			}
			return map[cache.Key]any{listKey: kept}
		},
		Commit: func(ctx context.Context) (any, error) {
			if _, err := s.sender.Send(ctx, gateway.Request{Method: http.MethodDelete, Path: taskPath(taskID)}); err != nil {
				return nil, fmt.Errorf("delete task %d: %w", taskID, err)
			}
			return nil, nil
		},
		Policy:         mutation.PolicyInvalidate,
		AlsoInvalidate: cache.Exactly(keys.Task(taskID), keys.MyTasks()),
	})
	return err
}

func (s *TaskService) Comments(ctx context.Context, taskID int64) ([]domain.Comment, error) {
	return cache.Fetch(ctx, s.cache, keys.Comments(taskID), func(ctx context.Context) ([]domain.Comment, error) {
		resp, err := gateway.Do[commentList](ctx, s.sender, gateway.Request{Method: http.MethodGet, Path: commentsPath(taskID)})
		if err != nil {
			return nil, fmt.Errorf("list task %d comments: %w", taskID, err)
		}
		return resp.Comments, nil
	})
}

// AddComment shows the comment at once with a zero ID and swaps in the
// server's copy when it is accepted.
func (s *TaskService) AddComment(ctx context.Context, taskID int64, content string) (domain.Comment, error) {
	if content == "" {
		return domain.Comment{}, ErrEmptyComment
	}
	listKey := keys.Comments(taskID)

	return mutation.Run[domain.Comment](ctx, s.mutations, mutation.Mutation{
		Name: fmt.Sprintf("comment on task %d", taskID),
		Keys: []cache.Key{listKey},
		Patch: func(current map[cache.Key]any) map[cache.Key]any {
			comments, ok := current[listKey].([]domain.Comment)
			if !ok {
				return nil
			}
			next := append(append([]domain.Comment(nil), comments...), domain.Comment{TaskID: taskID, Content: content})
			return map[cache.Key]any{listKey: next}
		},
		Commit: func(ctx context.Context) (any, error) {
			resp, err := gateway.Do[commentEnvelope](ctx, s.sender, gateway.Request{
				Method: http.MethodPost,
				Path:   commentsPath(taskID),
				Body:   map[string]string{"content": content},
			})
			if err != nil {
				return nil, fmt.Errorf("add comment to task %d: %w", taskID, err)
			}
			return resp.Comment, nil
		},
		Policy: mutation.PolicyMerge,
		Reconcile: func(result any) (map[cache.Key]any, error) {
			comment, _ := result.(domain.Comment)
			comments, ok := cache.Get[[]domain.Comment](s.cache, listKey)
			if !ok {
				return nil, nil
			}
			next := make([]domain.Comment, 0, len(comments))
			replaced := false
			for _, c := range comments {
				if !replaced && c.ID == 0 && c.Content == content {
					next = append(next, comment)
					replaced = true
					continue
				}
				next = append(next, c)
			}
			return map[cache.Key]any{listKey: next}, nil
		},
		AlsoInvalidate: cache.Exactly(keys.Task(taskID)),
	})
}

func mapTask(tasks []domain.Task, taskID int64, fn func(domain.Task) domain.Task) []domain.Task {
	next := make([]domain.Task, len(tasks))
	for i, task := range tasks {
		if task.ID == taskID {
			task = fn(task)
		}
		next[i] = task
	}
	return next
}

func taskPath(taskID int64) string {
	return "tasks/" + strconv.FormatInt(taskID, 10)
}

func commentsPath(taskID int64) string {
	return taskPath(taskID) + "/comments"
}
