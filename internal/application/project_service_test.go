package application

import (
	"context"
	"testing"

	"github.com/bnema/tasksync/internal/cache"
	"github.com/bnema/tasksync/internal/domain"
	"github.com/bnema/tasksync/internal/gateway"
	"github.com/bnema/tasksync/internal/gateway/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectServiceReadsThroughCache(t *testing.T) {
	sender := mocks.NewMockSender(t)
	service := NewProjectService(sender, cache.New(cache.Options{}))

	sender.EXPECT().Send(mockAnyContext(), gateway.Request{Method: "GET", Path: "projects"}).
		Return(okResponse(t, projectList{Projects: []domain.Project{{ID: 7, Name: "Launch"}}}), nil).
		Once()
	sender.EXPECT().Send(mockAnyContext(), gateway.Request{Method: "GET", Path: "projects/7"}).
		Return(okResponse(t, projectEnvelope{Project: domain.Project{ID: 7, Name: "Launch"}}), nil).
		Once()
	sender.EXPECT().Send(mockAnyContext(), gateway.Request{Method: "GET", Path: "projects/7/members"}).
		Return(okResponse(t, memberList{Members: []domain.Member{{UserID: 1, ProjectID: 7, Role: "admin"}}}), nil).
		Once()

	for range 2 {
		projects, err := service.Projects(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []domain.Project{{ID: 7, Name: "Launch"}}, projects)

		project, err := service.Project(context.Background(), 7)
		require.NoError(t, err)
		assert.Equal(t, "Launch", project.Name)

		members, err := service.Members(context.Background(), 7)
		require.NoError(t, err)
		assert.Len(t, members, 1)
	}
}

func TestProjectServiceWrapsNotFound(t *testing.T) {
	sender := mocks.NewMockSender(t)
	service := NewProjectService(sender, cache.New(cache.Options{}))

	sender.EXPECT().Send(mockAnyContext(), gateway.Request{Method: "GET", Path: "projects/9"}).
		Return(gateway.Response{}, &domain.APIError{Kind: domain.KindNotFound, Status: 404}).
		Once()

	_, err := service.Project(context.Background(), 9)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, err.Error(), "get project 9")
}
