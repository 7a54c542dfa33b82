package agents

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory registry repository for tests and early development.
// All invariant-bearing operations run under one mutex, giving the same
// atomicity the Postgres implementation gets from row locks.
type MemoryRepo struct {
	mu     sync.Mutex
	agents map[string]Agent
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{agents: map[string]Agent{}}
}

func (r *MemoryRepo) Create(_ context.Context, a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.agents {
		if existing.Email == a.Email {
			return ErrDuplicateEmail
		}
	}
	r.agents[a.ID] = a
	return nil
}

func (r *MemoryRepo) Get(_ context.Context, id string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, ErrNotFound
	}
	return a, nil
}

func (r *MemoryRepo) List(_ context.Context, status Status) ([]Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *MemoryRepo) Update(_ context.Context, a Agent) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.agents[a.ID]
	if !ok {
		return Agent{}, ErrNotFound
	}
	if stored.Version != a.Version {
		return Agent{}, ErrConflict
	}
	a.Version++
	r.agents[a.ID] = a
	return a, nil
}

func (r *MemoryRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return ErrNotFound
	}
	delete(r.agents, id)
	return nil
}

func (r *MemoryRepo) AcquireAvailable(_ context.Context, skills []string, roomID string, now time.Time) (Agent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []Agent
	for _, a := range r.agents {
		if a.Status != StatusAvailable {
			continue
		}
		if a.ActiveCalls >= a.MaxConcurrentCalls {
			continue
		}
		if !a.HasSkills(skills) {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return Agent{}, false, nil
	}
	// Longest idle first; id as a stable tie-break.
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].UpdatedAt.Equal(candidates[j].UpdatedAt) {
			return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	picked := candidates[0]
	picked.ActiveCalls++
	picked.Status = StatusBusy
	picked.CurrentRoomID = roomID
	picked.UpdatedAt = now
	picked.Version++
	r.agents[picked.ID] = picked
	return picked, true, nil
}

func (r *MemoryRepo) AcquireByID(_ context.Context, id, roomID string, now time.Time) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, ErrNotFound
	}
	if a.Status != StatusAvailable {
		return Agent{}, ErrConflict
	}
	if a.ActiveCalls >= a.MaxConcurrentCalls {
		return Agent{}, ErrConflict
	}
	a.ActiveCalls++
	a.Status = StatusBusy
	a.CurrentRoomID = roomID
	a.UpdatedAt = now
	a.Version++
	r.agents[id] = a
	return a, nil
}

func (r *MemoryRepo) Release(_ context.Context, id string, now time.Time) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, ErrNotFound
	}
	if a.ActiveCalls > 0 {
		a.ActiveCalls--
	}
	if a.ActiveCalls == 0 && a.Status == StatusBusy {
		a.Status = StatusAvailable
		a.CurrentRoomID = ""
	}
	a.UpdatedAt = now
	a.Version++
	r.agents[id] = a
	return a, nil
}

func (r *MemoryRepo) BindRoom(_ context.Context, id, roomID string, now time.Time) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, ErrNotFound
	}
	a.CurrentRoomID = roomID
	a.Status = StatusBusy
	a.UpdatedAt = now
	a.Version++
	r.agents[id] = a
	return a, nil
}
