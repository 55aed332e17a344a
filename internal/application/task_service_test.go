package application

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bnema/tasksync/internal/cache"
	"github.com/bnema/tasksync/internal/domain"
	"github.com/bnema/tasksync/internal/gateway"
	"github.com/bnema/tasksync/internal/gateway/mocks"
	"github.com/bnema/tasksync/internal/keys"
	"github.com/bnema/tasksync/internal/mutation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func mockAnyContext() interface{} {
	return mock.Anything
}

func okResponse(t *testing.T, body any) gateway.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return gateway.Response{Status: 200, Data: data}
}

func newTaskService(t *testing.T) (*TaskService, *mocks.MockSender, *cache.Store) {
	t.Helper()
	sender := mocks.NewMockSender(t)
	store := cache.New(cache.Options{})
	return NewTaskService(sender, store, mutation.New(store, nil)), sender, store
}

func statusOf(t *testing.T, store *cache.Store, key cache.Key) []domain.TaskStatus {
	t.Helper()
	tasks, ok := cache.Get[[]domain.Task](store, key)
	require.True(t, ok)
	statuses := make([]domain.TaskStatus, 0, len(tasks))
	for _, task := range tasks {
		statuses = append(statuses, task.Status)
	}
	return statuses
}

func TestProjectTasksReadsThroughCache(t *testing.T) {
	service, sender, _ := newTaskService(t)

	sender.EXPECT().Send(mockAnyContext(), gateway.Request{Method: "GET", Path: "projects/7/tasks"}).
		Return(okResponse(t, taskList{Tasks: []domain.Task{{ID: 1, ProjectID: 7, Status: domain.TaskStatusTodo}}}), nil).
		Once()

	first, err := service.ProjectTasks(context.Background(), 7)
	require.NoError(t, err)
	second, err := service.ProjectTasks(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 1)
}

func TestProjectTasksWrapsGatewayError(t *testing.T) {
	service, sender, store := newTaskService(t)

	sender.EXPECT().Send(mockAnyContext(), gateway.Request{Method: "GET", Path: "projects/7/tasks"}).
		Return(gateway.Response{}, &domain.APIError{Kind: domain.KindForbidden, Status: 403}).
		Once()

	_, err := service.ProjectTasks(context.Background(), 7)
	require.ErrorIs(t, err, domain.ErrForbidden)
	assert.Contains(t, err.Error(), "list project 7 tasks")
	_, ok := store.Read(keys.ProjectTasks(7))
	assert.False(t, ok)
}

func TestUpdateStatusIsOptimisticAndMergesServerCopy(t *testing.T) {
	service, sender, store := newTaskService(t)
	store.Write(keys.ProjectTasks(7), []domain.Task{{ID: 1, ProjectID: 7, Status: domain.TaskStatusTodo}, {ID: 2, ProjectID: 7, Status: domain.TaskStatusTodo}})
	store.Write(keys.Task(1), domain.Task{ID: 1, ProjectID: 7, Status: domain.TaskStatusTodo})
	store.Write(keys.MyTasks(), []domain.Task{{ID: 1, ProjectID: 7, Status: domain.TaskStatusTodo}})

	called := make(chan struct{})
	release := make(chan struct{})
	serverCopy := domain.Task{ID: 1, ProjectID: 7, Title: "Ship", Status: domain.TaskStatusInProgress}
	sender.EXPECT().Send(mockAnyContext(), gateway.Request{Method: "PATCH", Path: "tasks/1", Body: statusPatch{Status: domain.TaskStatusInProgress}}).
		RunAndReturn(func(context.Context, gateway.Request) (gateway.Response, error) {
			close(called)
			<-release
			return okResponse(t, taskEnvelope{Task: serverCopy}), nil
		}).
		Once()

	result := make(chan error, 1)
	go func() {
		_, err := service.UpdateStatus(context.Background(), 7, 1, domain.TaskStatusInProgress)
		result <- err
	}()

	<-called
	assert.Equal(t, []domain.TaskStatus{domain.TaskStatusInProgress, domain.TaskStatusTodo}, statusOf(t, store, keys.ProjectTasks(7)))
	close(release)
	require.NoError(t, <-result)

	task, ok := cache.Get[domain.Task](store, keys.Task(1))
	require.True(t, ok)
	assert.Equal(t, serverCopy, task)
	tasks, _ := cache.Get[[]domain.Task](store, keys.ProjectTasks(7))
	assert.Equal(t, "Ship", tasks[0].Title)

	entry, ok := store.Read(keys.MyTasks())
	require.True(t, ok)
	assert.Equal(t, cache.StateStale, entry.State)
}

func TestUpdateStatusRollsBackOnFailure(t *testing.T) {
	service, sender, store := newTaskService(t)
	before := []domain.Task{{ID: 1, ProjectID: 7, Status: domain.TaskStatusTodo}}
	store.Write(keys.ProjectTasks(7), before)

	sender.EXPECT().Send(mockAnyContext(), mock.AnythingOfType("gateway.Request")).
		Return(gateway.Response{}, &domain.APIError{Kind: domain.KindForbidden, Status: 403, Message: "Permission denied"}).
		Once()

	_, err := service.UpdateStatus(context.Background(), 7, 1, domain.TaskStatusDone)
	require.ErrorIs(t, err, domain.ErrForbidden)

	after, ok := cache.Get[[]domain.Task](store, keys.ProjectTasks(7))
	require.True(t, ok)
	assert.Equal(t, before, after)
	_, ok = store.Read(keys.Task(1))
	assert.False(t, ok)
}

func TestUpdateStatusRejectsMismatchedServerTask(t *testing.T) {
	service, sender, store := newTaskService(t)
	store.Write(keys.Task(1), domain.Task{ID: 1, Status: domain.TaskStatusTodo})

	sender.EXPECT().Send(mockAnyContext(), mock.AnythingOfType("gateway.Request")).
		Return(okResponse(t, taskEnvelope{Task: domain.Task{ID: 9, Status: domain.TaskStatusDone}}), nil).
		Once()

	_, err := service.UpdateStatus(context.Background(), 7, 1, domain.TaskStatusDone)
	require.ErrorIs(t, err, domain.ErrConflict)

	task, _ := cache.Get[domain.Task](store, keys.Task(1))
	assert.Equal(t, domain.TaskStatusTodo, task.Status)
}

func TestRapidStatusUpdatesSettleInOrder(t *testing.T) {
	service, sender, store := newTaskService(t)
	store.Write(keys.Task(1), domain.Task{ID: 1, ProjectID: 7, Status: domain.TaskStatusTodo})

	firstCalled := make(chan struct{})
	releaseFirst := make(chan struct{})
	sender.EXPECT().Send(mockAnyContext(), gateway.Request{Method: "PATCH", Path: "tasks/1", Body: statusPatch{Status: domain.TaskStatusInProgress}}).
		RunAndReturn(func(context.Context, gateway.Request) (gateway.Response, error) {
			close(firstCalled)
			<-releaseFirst
			return okResponse(t, taskEnvelope{Task: domain.Task{ID: 1, ProjectID: 7, Status: domain.TaskStatusInProgress}}), nil
		}).
		Once()
	sender.EXPECT().Send(mockAnyContext(), gateway.Request{Method: "PATCH", Path: "tasks/1", Body: statusPatch{Status: domain.TaskStatusDone}}).
		Return(okResponse(t, taskEnvelope{Task: domain.Task{ID: 1, ProjectID: 7, Status: domain.TaskStatusDone}}), nil).
		Once()

	results := make(chan error, 2)
	go func() {
		_, err := service.UpdateStatus(context.Background(), 7, 1, domain.TaskStatusInProgress)
		results <- err
	}()
	<-firstCalled
	go func() {
		_, err := service.UpdateStatus(context.Background(), 7, 1, domain.TaskStatusDone)
		results <- err
	}()

	time.Sleep(20 * time.Millisecond)
	close(releaseFirst)
	require.NoError(t, <-results)
	require.NoError(t, <-results)

	task, _ := cache.Get[domain.Task](store, keys.Task(1))
	assert.Equal(t, domain.TaskStatusDone, task.Status)
}

func TestBulkUpdateStatusInvalidatesAffectedKeys(t *testing.T) {
	service, sender, store := newTaskService(t)
	store.Write(keys.ProjectTasks(7), []domain.Task{{ID: 1, Status: domain.TaskStatusTodo}, {ID: 2, Status: domain.TaskStatusTodo}, {ID: 3, Status: domain.TaskStatusTodo}})
	store.Write(keys.ProjectTasks(8), []domain.Task{{ID: 4, Status: domain.TaskStatusTodo}})

	sender.EXPECT().Send(mockAnyContext(), gateway.Request{
		Method: "PATCH",
		Path:   "tasks/bulk",
		Body:   bulkStatusPatch{TaskIDs: []int64{1, 3}, Status: domain.TaskStatusReview},
	}).Return(gateway.Response{Status: 200}, nil).Once()

	require.NoError(t, service.BulkUpdateStatus(context.Background(), 7, []int64{1, 3}, domain.TaskStatusReview))

	assert.Equal(t, []domain.TaskStatus{domain.TaskStatusReview, domain.TaskStatusTodo, domain.TaskStatusReview}, statusOf(t, store, keys.ProjectTasks(7)))
	entry, _ := store.Read(keys.ProjectTasks(7))
	assert.Equal(t, cache.StateStale, entry.State)
	other, _ := store.Read(keys.ProjectTasks(8))
	assert.Equal(t, cache.StateFresh, other.State)
}

func TestBulkUpdateStatusWithoutTasksIsNoop(t *testing.T) {
	service, _, _ := newTaskService(t)

	require.NoError(t, service.BulkUpdateStatus(context.Background(), 7, nil, domain.TaskStatusDone))
}

func TestDeleteTaskRestoresListOnFailure(t *testing.T) {
	service, sender, store := newTaskService(t)
	before := []domain.Task{{ID: 1}, {ID: 2}}
	store.Write(keys.ProjectTasks(7), before)

	sender.EXPECT().Send(mockAnyContext(), gateway.Request{Method: "DELETE", Path: "tasks/2"}).
		Return(gateway.Response{}, &domain.APIError{Kind: domain.KindServer, Status: 500}).
		Once()

	err := service.DeleteTask(context.Background(), 7, 2)
	require.ErrorIs(t, err, domain.ErrServer)

	after, _ := cache.Get[[]domain.Task](store, keys.ProjectTasks(7))
	assert.Equal(t, before, after)
}

func TestDeleteTaskRemovesFromList(t *testing.T) {
	service, sender, store := newTaskService(t)
	store.Write(keys.ProjectTasks(7), []domain.Task{{ID: 1}, {ID: 2}})

	sender.EXPECT().Send(mockAnyContext(), gateway.Request{Method: "DELETE", Path: "tasks/2"}).
		Return(gateway.Response{Status: 200}, nil).
		Once()

	require.NoError(t, service.DeleteTask(context.Background(), 7, 2))

	after, _ := cache.Get[[]domain.Task](store, keys.ProjectTasks(7))
	assert.Equal(t, []domain.Task{{ID: 1}}, after)
}

func TestAddCommentSwapsPlaceholderForServerCopy(t *testing.T) {
	service, sender, store := newTaskService(t)
	store.Write(keys.Comments(3), []domain.Comment{{ID: 10, TaskID: 3, Content: "first"}})

	called := make(chan struct{})
	release := make(chan struct{})
	sender.EXPECT().Send(mockAnyContext(), gateway.Request{Method: "POST", Path: "tasks/3/comments", Body: map[string]string{"content": "looks good"}}).
		RunAndReturn(func(context.Context, gateway.Request) (gateway.Response, error) {
			close(called)
			<-release
			return okResponse(t, commentEnvelope{Comment: domain.Comment{ID: 11, TaskID: 3, Content: "looks good"}}), nil
		}).
		Once()

	result := make(chan domain.Comment, 1)
	go func() {
		comment, err := service.AddComment(context.Background(), 3, "looks good")
		assert.NoError(t, err)
		result <- comment
	}()

	<-called
	pending, _ := cache.Get[[]domain.Comment](store, keys.Comments(3))
	require.Len(t, pending, 2)
	assert.Zero(t, pending[1].ID)
	close(release)

	comment := <-result
	assert.Equal(t, int64(11), comment.ID)
	settled, _ := cache.Get[[]domain.Comment](store, keys.Comments(3))
	assert.Equal(t, []domain.Comment{{ID: 10, TaskID: 3, Content: "first"}, {ID: 11, TaskID: 3, Content: "looks good"}}, settled)
}

func TestAddCommentRequiresContent(t *testing.T) {
	service, _, _ := newTaskService(t)

	_, err := service.AddComment(context.Background(), 3, "")
	require.ErrorIs(t, err, ErrEmptyComment)
}

func TestWatchProjectTasksRefetchesAfterInvalidation(t *testing.T) {
	service, sender, store := newTaskService(t)

	sender.EXPECT().Send(mockAnyContext(), gateway.Request{Method: "GET", Path: "projects/7/tasks"}).
		Return(okResponse(t, taskList{Tasks: []domain.Task{{ID: 1}}}), nil).
		Once()
	sender.EXPECT().Send(mockAnyContext(), gateway.Request{Method: "GET", Path: "projects/7/tasks"}).
		Return(okResponse(t, taskList{Tasks: []domain.Task{{ID: 1}, {ID: 2}}}), nil).
		Once()

	watch := service.WatchProjectTasks(7)
	defer watch.Dispose()
	_, err := watch.Fetch(context.Background())
	require.NoError(t, err)

	store.Invalidate(cache.Exactly(keys.ProjectTasks(7)))

	require.Eventually(t, func() bool {
		tasks, _ := cache.Get[[]domain.Task](store, keys.ProjectTasks(7))
		return len(tasks) == 2
	}, 2*time.Second, time.Millisecond)
}
