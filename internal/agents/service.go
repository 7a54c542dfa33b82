package agents

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultMaxConcurrentCalls = 3

// ReassignFunc is invoked when an agent drops offline while still bound to a
// room, so the call layer can requeue or end the affected call.
type ReassignFunc func(ctx context.Context, agentID, roomID string)

// Service owns agent lifecycle and assignment. Capacity is enforced twice:
// the repository guards a single store, the CapacityGuard extends the cap
// across API instances.
type Service struct {
	repo     Repository
	guard    CapacityGuard
	log      *slog.Logger
	clock    func() time.Time
	reassign ReassignFunc
}

func NewService(repo Repository, guard CapacityGuard, log *slog.Logger) *Service {
	if guard == nil {
		guard = NoopGuard{}
	}
	return &Service{
		repo:  repo,
		guard: guard,
		log:   log,
		clock: time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// OnReassign registers the callback fired when an offline transition strands
// a room. Must be set before the service handles traffic.
func (s *Service) OnReassign(fn ReassignFunc) {
	s.reassign = fn
}

type CreateInput struct {
	Name               string   `json:"name" binding:"required"`
	Email              string   `json:"email" binding:"required"`
	MaxConcurrentCalls int      `json:"max_concurrent_calls"`
	Skills             []string `json:"skills"`
}

func (s *Service) Create(ctx context.Context, in CreateInput) (Agent, error) {
	name := strings.TrimSpace(in.Name)
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if name == "" {
		return Agent{}, fmt.Errorf("%w: name is required", ErrInvalidArgument)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return Agent{}, fmt.Errorf("%w: invalid email", ErrInvalidArgument)
	}
	maxCalls := in.MaxConcurrentCalls
	if maxCalls == 0 {
		maxCalls = defaultMaxConcurrentCalls
	}
	if maxCalls < 1 {
		return Agent{}, fmt.Errorf("%w: max_concurrent_calls must be positive", ErrInvalidArgument)
	}

	now := s.clock()
	a := Agent{
		ID:                 uuid.NewString(),
		Name:               name,
		Email:              email,
		Status:             StatusAvailable,
		MaxConcurrentCalls: maxCalls,
		Skills:             normalizeSkills(in.Skills),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return Agent{}, err
	}
	s.log.Info("agent registered", "agent_id", a.ID, "email", a.Email)
	return a, nil
}

func (s *Service) Get(ctx context.Context, id string) (Agent, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, status Status) ([]Agent, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, status)
	}
	return s.repo.List(ctx, status)
}

type UpdateInput struct {
	Name               *string   `json:"name"`
	MaxConcurrentCalls *int      `json:"max_concurrent_calls"`
	Skills             *[]string `json:"skills"`
}

func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (Agent, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return Agent{}, err
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return Agent{}, fmt.Errorf("%w: name is required", ErrInvalidArgument)
		}
		a.Name = name
	}
	if in.MaxConcurrentCalls != nil {
		if *in.MaxConcurrentCalls < 1 {
			return Agent{}, fmt.Errorf("%w: max_concurrent_calls must be positive", ErrInvalidArgument)
		}
		a.MaxConcurrentCalls = *in.MaxConcurrentCalls
	}
	if in.Skills != nil {
		a.Skills = normalizeSkills(*in.Skills)
	}
	a.UpdatedAt = s.clock()
	return s.repo.Update(ctx, a)
}

// SetStatus applies a manual status change. Going offline while bound to a
// room succeeds immediately and signals the reassign hook so the orphaned
// call can be requeued.
func (s *Service) SetStatus(ctx context.Context, id string, status Status) (Agent, error) {
	if !status.Valid() {
		return Agent{}, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, status)
	}
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return Agent{}, err
	}

	orphanedRoom := ""
	if status == StatusOffline && a.CurrentRoomID != "" {
		orphanedRoom = a.CurrentRoomID
	}
	if status != StatusBusy {
		a.CurrentRoomID = ""
		a.ActiveCalls = 0
	}
	a.Status = status
	a.UpdatedAt = s.clock()

	out, err := s.repo.Update(ctx, a)
	if err != nil {
		return Agent{}, err
	}
	if orphanedRoom != "" {
		if err := s.guard.Release(ctx, id); err != nil {
			s.log.Warn("call slot release failed", "agent_id", id, "error", err)
		}
		if s.reassign != nil {
			s.reassign(ctx, id, orphanedRoom)
		}
	}
	return out, nil
}

// Delete removes an agent. Busy agents cannot be deleted.
func (s *Service) Delete(ctx context.Context, id string) error {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status == StatusBusy {
		return fmt.Errorf("%w: agent is on a call", ErrConflict)
	}
	return s.repo.Delete(ctx, id)
}

// Availability lists available agents with spare capacity, excluding the
// requesting agent so a transfer cannot target its own initiator.
func (s *Service) Availability(ctx context.Context, excludeID string) ([]Availability, error) {
	list, err := s.repo.List(ctx, StatusAvailable)
	if err != nil {
		return nil, err
	}
	out := make([]Availability, 0, len(list))
	for _, a := range list {
		if a.ID == excludeID || a.RemainingCapacity() <= 0 {
			continue
		}
		out = append(out, Availability{
			ID:                a.ID,
			Name:              a.Name,
			Email:             a.Email,
			Skills:            a.Skills,
			ActiveCalls:       a.ActiveCalls,
			MaxCalls:          a.MaxConcurrentCalls,
			AvailableCapacity: a.RemainingCapacity(),
		})
	}
	return out, nil
}

// AcquireAvailable picks the best eligible agent for a new call and marks it
// busy. ok=false means every agent is offline, busy, at capacity, or missing
// a requested skill.
func (s *Service) AcquireAvailable(ctx context.Context, skills []string, roomID string) (Agent, bool, error) {
	a, ok, err := s.repo.AcquireAvailable(ctx, normalizeSkills(skills), roomID, s.clock())
	if err != nil || !ok {
		return Agent{}, false, err
	}
	admitted, err := s.guard.Acquire(ctx, a.ID, a.MaxConcurrentCalls)
	if err != nil {
		s.log.Warn("capacity guard unavailable, admitting on store state", "agent_id", a.ID, "error", err)
		admitted = true
	}
	if !admitted {
		// Another instance filled the last slot first. Undo and report no match.
		if _, relErr := s.repo.Release(ctx, a.ID, s.clock()); relErr != nil {
			s.log.Error("acquire rollback failed", "agent_id", a.ID, "error", relErr)
		}
		return Agent{}, false, nil
	}
	s.log.Info("agent assigned", "agent_id", a.ID, "room_id", roomID, "active_calls", a.ActiveCalls)
	return a, true, nil
}

// AcquireForTransfer takes a slot on a specific agent chosen as transfer
// target. ErrConflict when the target is not available or at capacity.
func (s *Service) AcquireForTransfer(ctx context.Context, id, roomID string) (Agent, error) {
	a, err := s.repo.AcquireByID(ctx, id, roomID, s.clock())
	if err != nil {
		return Agent{}, err
	}
	admitted, err := s.guard.Acquire(ctx, a.ID, a.MaxConcurrentCalls)
	if err != nil {
		s.log.Warn("capacity guard unavailable, admitting on store state", "agent_id", a.ID, "error", err)
		admitted = true
	}
	if !admitted {
		if _, relErr := s.repo.Release(ctx, a.ID, s.clock()); relErr != nil {
			s.log.Error("acquire rollback failed", "agent_id", a.ID, "error", relErr)
		}
		return Agent{}, fmt.Errorf("%w: agent at capacity", ErrConflict)
	}
	return a, nil
}

// Release returns one call slot to the agent. Safe to call for agents whose
// slot was already freed; the count floors at zero.
func (s *Service) Release(ctx context.Context, id string) (Agent, error) {
	a, err := s.repo.Release(ctx, id, s.clock())
	if err != nil {
		return Agent{}, err
	}
	if err := s.guard.Release(ctx, id); err != nil {
		s.log.Warn("call slot release failed", "agent_id", id, "error", err)
	}
	s.log.Info("agent released", "agent_id", id, "status", a.Status, "active_calls", a.ActiveCalls)
	return a, nil
}

// BindRoom re-points a busy agent at a different room without changing its
// slot count.
func (s *Service) BindRoom(ctx context.Context, id, roomID string) (Agent, error) {
	return s.repo.BindRoom(ctx, id, roomID, s.clock())
}

func normalizeSkills(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
