package ports

import (
	"context"

	"github.com/bnema/tasksync/internal/domain"
)

type AuthAPI interface {
	Login(ctx context.Context, credentials domain.Credentials) (domain.TokenGrant, error)
	Refresh(ctx context.Context, refreshToken string) (domain.TokenGrant, error)
	Logout(ctx context.Context, accessToken string) error
}
