package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/usermgmt/apiserver/types"
)

// MemoryUserRepository keeps users in process memory. It enforces the same
// email uniqueness as the Postgres schema and is used for local runs and tests.
type MemoryUserRepository struct {
	mu      sync.RWMutex
	byID    map[string]types.User
	byEmail map[string]string
	now     func() time.Time
}

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		byID:    make(map[string]types.User),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

func (m *MemoryUserRepository) List(ctx context.Context) ([]types.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]types.User, 0, len(m.byID))
	for _, user := range m.byID {
		users = append(users, clone(user))
	}
	slices.SortFunc(users, func(a, b types.User) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return users, nil
}

func (m *MemoryUserRepository) GetByID(ctx context.Context, id string) (types.User, error) {
	if err := ctx.Err(); err != nil {
		return types.User{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.byID[id]
	if !ok {
		return types.User{}, ErrNotFound
	}
	return clone(user), nil
}

func (m *MemoryUserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	if err := ctx.Err(); err != nil {
		return types.User{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEmail[email]
	if !ok {
		return types.User{}, ErrNotFound
	}
	return clone(m.byID[id]), nil
}

func (m *MemoryUserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	if err := ctx.Err(); err != nil {
		return types.User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.byEmail[user.Email]; taken {
		return types.User{}, ErrConflict
	}
	if _, taken := m.byID[user.ID]; taken {
		return types.User{}, ErrConflict
	}
	m.byID[user.ID] = clone(user)
	m.byEmail[user.Email] = user.ID
	return clone(user), nil
}

func (m *MemoryUserRepository) Update(ctx context.Context, id string, patch types.UserPatch) (types.User, error) {
	if err := ctx.Err(); err != nil {
		return types.User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.byID[id]
	if !ok {
		return types.User{}, ErrNotFound
	}
	if patch.Email != nil && *patch.Email != user.Email {
		if _, taken := m.byEmail[*patch.Email]; taken {
			return types.User{}, ErrConflict
		}
		delete(m.byEmail, user.Email)
		user.Email = *patch.Email
		m.byEmail[user.Email] = id
	}
	if patch.Name != nil {
		user.Name = *patch.Name
	}
	if patch.Age != nil {
		age := *patch.Age
		user.Age = &age
	}
	user.UpdatedAt = m.now().UTC()
	m.byID[id] = user
	return clone(user), nil
}

func (m *MemoryUserRepository) Delete(ctx context.Context, id string) (types.User, error) {
	if err := ctx.Err(); err != nil {
		return types.User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.byID[id]
	if !ok {
		return types.User{}, ErrNotFound
	}
	delete(m.byID, id)
	delete(m.byEmail, user.Email)
	return user, nil
}

func (m *MemoryUserRepository) DeleteAll(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := int64(len(m.byID))
	m.byID = make(map[string]types.User)
	m.byEmail = make(map[string]string)
	return n, nil
}

func clone(user types.User) types.User {
	if user.Age != nil {
		age := *user.Age
		user.Age = &age
	}
	return user
}
