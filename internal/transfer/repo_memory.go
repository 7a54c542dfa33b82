package transfer

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is the in-memory store used by tests and single-node setups.
type MemoryRepo struct {
	mu        sync.Mutex
	transfers map[string]Transfer
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{transfers: make(map[string]Transfer)}
}

func (r *MemoryRepo) Create(_ context.Context, t Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transfers[t.ID]; ok {
		return ErrConflict
	}
	for _, existing := range r.transfers {
		if existing.CallID == t.CallID && !existing.Status.Terminal() {
			return ErrActiveTransferExists
		}
	}
	r.transfers[t.ID] = t
	return nil
}

func (r *MemoryRepo) Get(_ context.Context, id string) (Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[id]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	return t, nil
}

func (r *MemoryRepo) GetActiveByCall(_ context.Context, callID string) (Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transfers {
		if t.CallID == callID && !t.Status.Terminal() {
			return t, nil
		}
	}
	return Transfer{}, ErrNotFound
}

func (r *MemoryRepo) ListActive(_ context.Context) ([]Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Transfer
	for _, t := range r.transfers {
		if !t.Status.Terminal() {
			out = append(out, t)
		}
	}
	sortByCreation(out)
	return out, nil
}

func (r *MemoryRepo) ListByCall(_ context.Context, callID string) ([]Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Transfer
	for _, t := range r.transfers {
		if t.CallID == callID {
			out = append(out, t)
		}
	}
	sortByCreation(out)
	return out, nil
}

func (r *MemoryRepo) Update(_ context.Context, t Transfer) (Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.transfers[t.ID]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	if stored.Version != t.Version {
		return Transfer{}, ErrConflict
	}
	t.Version++
	r.transfers[t.ID] = t
	return t, nil
}

func sortByCreation(ts []Transfer) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}
