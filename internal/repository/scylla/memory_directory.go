package scylla

import (
	"context"
	"fmt"
	"sync"

	"banking-gateway/internal/models"
)

// MemoryDirectory is an in-process UserDirectory for development runs without
// a ScyllaDB cluster, and for tests.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

var _ UserDirectory = (*MemoryDirectory)(nil)

func NewMemoryDirectory(users ...*models.User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]*models.User, len(users))}
	for _, u := range users {
		d.Put(u)
	}
	return d
}

func (d *MemoryDirectory) Put(user *models.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := *user
	d.users[user.Username] = &copied
}

func (d *MemoryDirectory) FindByUsername(_ context.Context, username string) (*models.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	user, ok := d.users[username]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	copied := *user
	return &copied, nil
}
