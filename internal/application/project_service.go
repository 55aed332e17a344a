package application

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/bnema/tasksync/internal/cache"
	"github.com/bnema/tasksync/internal/domain"
	"github.com/bnema/tasksync/internal/gateway"
	"github.com/bnema/tasksync/internal/keys"
)

type projectList struct {
	Projects []domain.Project `json:"projects"`
}

type projectEnvelope struct {
	Project domain.Project `json:"project"`
}

type memberList struct {
	Members []domain.Member `json:"members"`
}

type ProjectService struct {
	sender gateway.Sender
	cache  *cache.Store
}

func NewProjectService(sender gateway.Sender, store *cache.Store) *ProjectService {
	return &ProjectService{sender: sender, cache: store}
}

func (s *ProjectService) Projects(ctx context.Context) ([]domain.Project, error) {
	return cache.Fetch(ctx, s.cache, keys.Projects(), func(ctx context.Context) ([]domain.Project, error) {
		resp, err := gateway.Do[projectList](ctx, s.sender, gateway.Request{Method: http.MethodGet, Path: "projects"})
		if err != nil {
			return nil, fmt.Errorf("list projects: %w", err)
		}
		return resp.Projects, nil
	})
}

func (s *ProjectService) Project(ctx context.Context, projectID int64) (domain.Project, error) {
	return cache.Fetch(ctx, s.cache, keys.Project(projectID), func(ctx context.Context) (domain.Project, error) {
		resp, err := gateway.Do[projectEnvelope](ctx, s.sender, gateway.Request{Method: http.MethodGet, Path: projectPath(projectID)})
		if err != nil {
			return domain.Project{}, fmt.Errorf("get project %d: %w", projectID, err)
		}
		return resp.Project, nil
	})
}

func (s *ProjectService) Members(ctx context.Context, projectID int64) ([]domain.Member, error) {
	return cache.Fetch(ctx, s.cache, keys.Members(projectID), func(ctx context.Context) ([]domain.Member, error) {
		resp, err := gateway.Do[memberList](ctx, s.sender, gateway.Request{Method: http.MethodGet, Path: projectPath(projectID) + "/members"})
		if err != nil {
			return nil, fmt.Errorf("list project %d members: %w", projectID, err)
		}
		return resp.Members, nil
	})
}

func projectPath(projectID int64) string {
	return "projects/" + strconv.FormatInt(projectID, 10)
}
