package scylla

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"banking-gateway/internal/models"
	"banking-gateway/internal/util"
)

type UserRepository struct {
	client *ScyllaClient
}

var _ UserDirectory = (*UserRepository)(nil)

func NewUserRepository(client *ScyllaClient) *UserRepository {
	return &UserRepository{client: client}
}

func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}

	r.client.prepareMutex.RLock()
	query := r.client.Session.Query(r.client.Prepared.GetUserByUsername.Statement(), username)
	r.client.prepareMutex.RUnlock()

	err := r.client.ScanWithRetry(ctx, query,
		&user.Username, &user.UserID, &user.Role, &user.IsBlocked, &user.CreatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
		}
		util.Error("Failed to get user by username",
			zap.String("username", username),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get user by username: %w", err)
	}

	return user, nil
}
