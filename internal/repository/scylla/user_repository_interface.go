package scylla

import (
	"context"
	"errors"

	"banking-gateway/internal/models"
)

// ErrUserNotFound is returned when the directory has no record for a username.
var ErrUserNotFound = errors.New("user not found")

// UserDirectory resolves usernames to user records.
type UserDirectory interface {
	FindByUsername(ctx context.Context, username string) (*models.User, error)
}
