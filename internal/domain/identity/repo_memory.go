package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/clinicflow/internal/platform/apperr"
)

type userRepoMemory struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*User
}

func NewUserRepoMemory() UserRepository {
	return &userRepoMemory{items: make(map[uuid.UUID]*User)}
}

func cloneUser(u *User) *User {
	c := *u
	c.RefreshTokenHash = copyHash(u.RefreshTokenHash)
	return &c
}

func copyHash(h *string) *string {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}

func (r *userRepoMemory) Create(_ context.Context, u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.items {
		if strings.EqualFold(existing.Email, u.Email) || existing.Username == u.Username {
			return apperr.Conflict(msgUserExists)
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	r.items[u.ID] = cloneUser(u)
	return nil
}

func (r *userRepoMemory) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.items[id]
	if !ok {
		return nil, apperr.NotFound("user not found")
	}
	return cloneUser(u), nil
}

func (r *userRepoMemory) GetByEmail(_ context.Context, email string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.items {
		if strings.EqualFold(u.Email, email) {
			return cloneUser(u), nil
		}
	}
	return nil, apperr.NotFound("user not found")
}

func (r *userRepoMemory) ListByRole(_ context.Context, role string) ([]*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*User
	for _, u := range r.items {
		if u.Role == role {
			result = append(result, cloneUser(u))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (r *userRepoMemory) GetMany(_ context.Context, ids []uuid.UUID) ([]*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*User
	for _, id := range ids {
		if u, ok := r.items[id]; ok {
			result = append(result, cloneUser(u))
		}
	}
	return result, nil
}

func (r *userRepoMemory) SetRefreshTokenHash(_ context.Context, id uuid.UUID, hash *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.items[id]
	if !ok {
		return apperr.NotFound("user not found")
	}
	u.RefreshTokenHash = copyHash(hash)
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *userRepoMemory) SwapRefreshTokenHash(_ context.Context, id uuid.UUID, old string, next *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.items[id]
	if !ok || u.RefreshTokenHash == nil || *u.RefreshTokenHash != old {
		return false, nil
	}
	u.RefreshTokenHash = copyHash(next)
	u.UpdatedAt = time.Now().UTC()
	return true, nil
}
