package calls

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is the in-memory store used by tests and single-node setups.
type MemoryRepo struct {
	mu    sync.Mutex
	calls map[string]Call
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{calls: make(map[string]Call)}
}

func (r *MemoryRepo) Create(_ context.Context, c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[c.ID]; ok {
		return ErrConflict
	}
	r.calls[c.ID] = c
	return nil
}

func (r *MemoryRepo) Get(_ context.Context, id string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) GetByRoom(_ context.Context, roomID string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c.RoomID == roomID {
			return c, nil
		}
	}
	return Call{}, ErrNotFound
}

func (r *MemoryRepo) List(_ context.Context, status Status) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, 0, len(r.calls))
	for _, c := range r.calls {
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepo) ListWaiting(_ context.Context) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if c.Status == StatusWaiting {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepo) Update(_ context.Context, c Call) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.calls[c.ID]
	if !ok {
		return Call{}, ErrNotFound
	}
	if stored.Version != c.Version {
		return Call{}, ErrConflict
	}
	c.Version++
	r.calls[c.ID] = c
	return c, nil
}

func (r *MemoryRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[id]; !ok {
		return ErrNotFound
	}
	delete(r.calls, id)
	return nil
}
