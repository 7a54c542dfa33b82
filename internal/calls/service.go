package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"warm-transfer-platform/internal/agents"
	"warm-transfer-platform/internal/gateway"
)

const (
	callerRoomPrefix = "call"
	// Caller, up to two agents during a handoff, plus headroom for
	// supervisors listening in.
	callerRoomMaxParticipants = 5
	callerRoomEmptyTimeout    = 30 * time.Minute
)

// Options tune queue and token behavior.
type Options struct {
	// TokenTTL bounds room token validity.
	TokenTTL time.Duration
	// Staleness marks waiting calls that have queued too long.
	Staleness time.Duration
	// AbandonTTL is how long a waiting call survives before the reaper
	// fails it and tears the room down.
	AbandonTTL time.Duration
	// ReaperInterval is the sweep period for abandon and dispatch.
	ReaperInterval time.Duration
}

func (o *Options) defaults() {
	if o.TokenTTL <= 0 {
		o.TokenTTL = 24 * time.Hour
	}
	if o.Staleness <= 0 {
		o.Staleness = 5 * time.Minute
	}
	if o.AbandonTTL <= 0 {
		o.AbandonTTL = 30 * time.Minute
	}
	if o.ReaperInterval <= 0 {
		o.ReaperInterval = 30 * time.Second
	}
}

// Service drives the call lifecycle: room creation, agent dispatch, status
// transitions, and the waiting queue.
type Service struct {
	repo     Repository
	agents   *agents.Service
	provider gateway.Provider
	opts     Options
	log      *slog.Logger
	clock    func() time.Time
}

func NewService(repo Repository, ag *agents.Service, provider gateway.Provider, opts Options, log *slog.Logger) *Service {
	opts.defaults()
	return &Service{
		repo:     repo,
		agents:   ag,
		provider: provider,
		opts:     opts,
		log:      log,
		clock:    time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

type CreateInput struct {
	CallerName     string   `json:"caller_name" binding:"required"`
	CallerPhone    string   `json:"caller_phone"`
	Reason         string   `json:"reason"`
	Priority       Priority `json:"priority"`
	RequiredSkills []string `json:"required_skills"`

	// AssignAgent controls immediate dispatch; nil means true. With false the
	// call queues until an agent joins or the reaper dispatches it.
	AssignAgent *bool `json:"assign_agent"`
}

// CreateResult carries the new call plus the caller's room credentials.
type CreateResult struct {
	Call     Call   `json:"call"`
	RoomID   string `json:"room_id"`
	Token    string `json:"token"`
	Assigned bool   `json:"assigned"`
}

type roomMetadata struct {
	CallID     string `json:"call_id"`
	CallerName string `json:"caller_name"`
}

// Create provisions the caller room, issues the caller token, and tries to
// dispatch an agent right away. With nobody eligible the call queues as
// waiting; the reaper keeps retrying dispatch.
func (s *Service) Create(ctx context.Context, in CreateInput) (CreateResult, error) {
	name := strings.TrimSpace(in.CallerName)
	if name == "" {
		return CreateResult{}, fmt.Errorf("%w: caller_name is required", ErrInvalidArgument)
	}
	priority := in.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return CreateResult{}, fmt.Errorf("%w: unknown priority %q", ErrInvalidArgument, in.Priority)
	}

	now := s.clock()
	c := Call{
		ID:             uuid.NewString(),
		CallerName:     name,
		CallerPhone:    strings.TrimSpace(in.CallerPhone),
		Reason:         strings.TrimSpace(in.Reason),
		Status:         StatusWaiting,
		Priority:       priority,
		RoomID:         gateway.NewRoomID(callerRoomPrefix, now),
		RequiredSkills: in.RequiredSkills,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	meta, _ := json.Marshal(roomMetadata{CallID: c.ID, CallerName: c.CallerName})
	if _, err := s.provider.CreateRoom(ctx, gateway.CreateRoomRequest{
		RoomID:          c.RoomID,
		MaxParticipants: callerRoomMaxParticipants,
		EmptyTimeout:    callerRoomEmptyTimeout,
		Metadata:        string(meta),
	}); err != nil {
		return CreateResult{}, fmt.Errorf("create caller room: %w", err)
	}

	if err := s.repo.Create(ctx, c); err != nil {
		return CreateResult{}, err
	}

	token, err := s.provider.IssueToken(ctx, gateway.TokenRequest{
		RoomID:   c.RoomID,
		Identity: gateway.CallerIdentity(c.ID),
		Name:     c.CallerName,
		Kind:     gateway.KindCaller,
		TTL:      s.opts.TokenTTL,
	})
	if err != nil {
		// No credentials ever reached the caller; fail the call so the reaper
		// cannot dispatch an agent into an empty room.
		if _, failErr := s.UpdateStatus(context.WithoutCancel(ctx), c.ID, StatusFailed); failErr != nil {
			s.log.Error("orphan call cleanup failed", "call_id", c.ID, "error", failErr)
		}
		return CreateResult{}, fmt.Errorf("issue caller token: %w", err)
	}

	if in.AssignAgent != nil && !*in.AssignAgent {
		s.log.Info("call created unassigned by request", "call_id", c.ID, "room_id", c.RoomID)
		return CreateResult{Call: c, RoomID: c.RoomID, Token: token}, nil
	}

	// Dispatch is best effort here. A store error leaves the call queued
	// rather than failing the creation.
	assigned := false
	if agent, ok, err := s.agents.AcquireAvailable(ctx, c.RequiredSkills, c.RoomID); err != nil {
		s.log.Warn("initial dispatch failed, call queued", "call_id", c.ID, "error", err)
	} else if ok {
		updated, err := s.answer(ctx, c, agent.ID)
		if err != nil {
			if _, relErr := s.agents.Release(ctx, agent.ID); relErr != nil {
				s.log.Error("dispatch rollback failed", "agent_id", agent.ID, "error", relErr)
			}
			return CreateResult{}, err
		}
		c = updated
		assigned = true
	}

	s.log.Info("call created", "call_id", c.ID, "room_id", c.RoomID,
		"priority", c.Priority, "assigned", assigned)
	return CreateResult{Call: c, RoomID: c.RoomID, Token: token, Assigned: assigned}, nil
}

// answer moves a waiting call to active under the given agent.
func (s *Service) answer(ctx context.Context, c Call, agentID string) (Call, error) {
	now := s.clock()
	c.Status = StatusActive
	c.AgentAID = agentID
	c.StartedAt = &now
	c.UpdatedAt = now
	return s.repo.Update(ctx, c)
}

func (s *Service) Get(ctx context.Context, id string) (Call, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) GetByRoom(ctx context.Context, roomID string) (Call, error) {
	return s.repo.GetByRoom(ctx, roomID)
}

func (s *Service) List(ctx context.Context, status Status) ([]Call, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, status)
	}
	return s.repo.List(ctx, status)
}

// ListWaiting returns the FIFO queue. Stale entries are annotated; with
// includeStale=false they are dropped so dashboards show only viable work.
func (s *Service) ListWaiting(ctx context.Context, includeStale bool) ([]WaitingCall, error) {
	list, err := s.repo.ListWaiting(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	out := make([]WaitingCall, 0, len(list))
	for _, c := range list {
		waited := now.Sub(c.CreatedAt)
		stale := waited > s.opts.Staleness
		if stale && !includeStale {
			continue
		}
		out = append(out, WaitingCall{
			Call:          c,
			WaitedSeconds: int64(waited.Seconds()),
			Stale:         stale,
		})
	}
	return out, nil
}

// JoinResult carries the room credentials for one participant.
type JoinResult struct {
	Call     Call   `json:"call"`
	RoomID   string `json:"room_id"`
	Identity string `json:"identity"`
	Token    string `json:"token"`
}

// Join issues a room token. An empty agentID means the caller is (re)joining.
// An agent joining a waiting call picks it up; the owning agent can rejoin an
// active call at any time.
func (s *Service) Join(ctx context.Context, callID, agentID string) (JoinResult, error) {
	c, err := s.repo.Get(ctx, callID)
	if err != nil {
		return JoinResult{}, err
	}
	if c.Status.Terminal() {
		return JoinResult{}, fmt.Errorf("%w: call already %s", ErrConflict, c.Status)
	}

	req := gateway.TokenRequest{RoomID: c.RoomID, TTL: s.opts.TokenTTL}
	if agentID == "" {
		req.Identity = gateway.CallerIdentity(c.ID)
		req.Name = c.CallerName
		req.Kind = gateway.KindCaller
	} else {
		agent, err := s.agents.Get(ctx, agentID)
		if err != nil {
			if errors.Is(err, agents.ErrNotFound) {
				return JoinResult{}, fmt.Errorf("%w: unknown agent", ErrInvalidArgument)
			}
			return JoinResult{}, err
		}
		switch {
		case c.Status == StatusWaiting:
			if _, err := s.agents.AcquireForTransfer(ctx, agentID, c.RoomID); err != nil {
				if errors.Is(err, agents.ErrConflict) {
					return JoinResult{}, fmt.Errorf("%w: agent cannot take the call", ErrConflict)
				}
				return JoinResult{}, err
			}
			updated, err := s.answer(ctx, c, agentID)
			if err != nil {
				if _, relErr := s.agents.Release(ctx, agentID); relErr != nil {
					s.log.Error("pickup rollback failed", "agent_id", agentID, "error", relErr)
				}
				return JoinResult{}, err
			}
			c = updated
		case c.CurrentOwner() == agentID:
			// Rejoin after a dropped connection.
		default:
			return JoinResult{}, fmt.Errorf("%w: call is handled by another agent", ErrConflict)
		}
		req.Identity = gateway.AgentIdentity(agentID)
		req.Name = agent.Name
		req.Kind = gateway.KindAgent
	}

	token, err := s.provider.IssueToken(ctx, req)
	if err != nil {
		return JoinResult{}, fmt.Errorf("issue token: %w", err)
	}
	return JoinResult{Call: c, RoomID: c.RoomID, Identity: req.Identity, Token: token}, nil
}

// UpdateStatus applies a lifecycle transition. Terminal transitions stamp the
// end time, release the owning agent (unless a handoff is mid-flight; then the
// transfer teardown frees both agents), and close the caller room.
func (s *Service) UpdateStatus(ctx context.Context, callID string, to Status) (Call, error) {
	if !to.Valid() {
		return Call{}, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, to)
	}
	c, err := s.repo.Get(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if c.Status == to {
		return c, nil
	}
	if !CanTransition(c.Status, to) {
		return Call{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}

	now := s.clock()
	from := c.Status
	owner := c.CurrentOwner()
	c.Status = to
	c.UpdatedAt = now
	if to.Terminal() {
		if c.StartedAt != nil && c.EndedAt == nil {
			c.EndedAt = &now
		}
	}

	updated, err := s.repo.Update(ctx, c)
	if err != nil {
		return Call{}, err
	}

	if to.Terminal() {
		// A call ended mid-handoff leaves agent cleanup to the transfer
		// teardown; releasing the owner here would race it.
		if owner != "" && from != StatusTransferring {
			if _, err := s.agents.Release(ctx, owner); err != nil && !errors.Is(err, agents.ErrNotFound) {
				s.log.Warn("agent release on call end failed", "call_id", callID, "agent_id", owner, "error", err)
			}
		}
		if err := s.provider.CloseRoom(ctx, updated.RoomID); err != nil && !errors.Is(err, gateway.ErrRoomNotFound) {
			s.log.Warn("room close on call end failed", "call_id", callID, "room_id", updated.RoomID, "error", err)
		}
	}

	s.log.Info("call status changed", "call_id", callID, "status", to)
	return updated, nil
}

// AppendTranscript adds a line to the running transcript.
func (s *Service) AppendTranscript(ctx context.Context, callID, line string) (Call, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Call{}, fmt.Errorf("%w: empty transcript line", ErrInvalidArgument)
	}
	c, err := s.repo.Get(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if c.Status.Terminal() {
		return Call{}, fmt.Errorf("%w: call already %s", ErrConflict, c.Status)
	}
	if c.Transcript != "" {
		c.Transcript += "\n"
	}
	c.Transcript += line
	c.UpdatedAt = s.clock()
	return s.repo.Update(ctx, c)
}

// Apply persists caller-supplied or orchestrator-supplied field changes with
// optimistic concurrency intact.
func (s *Service) Apply(ctx context.Context, c Call) (Call, error) {
	c.UpdatedAt = s.clock()
	return s.repo.Update(ctx, c)
}

// Delete ends the call if it is still live (unanswered calls fail, answered
// ones complete) and removes the record.
func (s *Service) Delete(ctx context.Context, id string) error {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !c.Status.Terminal() {
		end := StatusCompleted
		if c.Status == StatusWaiting {
			end = StatusFailed
		}
		if _, err := s.UpdateStatus(ctx, id, end); err != nil {
			return err
		}
	}
	return s.repo.Delete(ctx, id)
}

// HandleAgentOffline is wired as the registry's reassign hook. It tries to
// hand the stranded call to another agent; with nobody eligible the call
// fails and the room closes.
func (s *Service) HandleAgentOffline(ctx context.Context, agentID, roomID string) {
	c, err := s.repo.GetByRoom(ctx, roomID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Error("offline reassign lookup failed", "room_id", roomID, "error", err)
		}
		return
	}
	if c.Status.Terminal() || c.CurrentOwner() != agentID {
		return
	}

	replacement, ok, err := s.agents.AcquireAvailable(ctx, c.RequiredSkills, c.RoomID)
	if err != nil {
		s.log.Error("offline reassign dispatch failed", "call_id", c.ID, "error", err)
		ok = false
	}
	if !ok {
		if _, err := s.UpdateStatus(ctx, c.ID, StatusFailed); err != nil {
			s.log.Error("offline call fail failed", "call_id", c.ID, "error", err)
		}
		return
	}

	if c.AgentBID == agentID {
		c.AgentBID = replacement.ID
	} else {
		c.AgentAID = replacement.ID
	}
	c.UpdatedAt = s.clock()
	if _, err := s.repo.Update(ctx, c); err != nil {
		s.log.Error("offline reassign update failed", "call_id", c.ID, "error", err)
		if _, relErr := s.agents.Release(ctx, replacement.ID); relErr != nil {
			s.log.Error("offline reassign rollback failed", "agent_id", replacement.ID, "error", relErr)
		}
		return
	}
	s.notify(ctx, c.RoomID, map[string]any{
		"type":     "agent_reassigned",
		"call_id":  c.ID,
		"agent_id": replacement.ID,
	})
	s.log.Info("call reassigned after agent offline", "call_id", c.ID,
		"from_agent", agentID, "to_agent", replacement.ID)
}

// StartReaper sweeps the waiting queue until ctx is cancelled: calls queued
// past AbandonTTL are failed and their rooms closed, fresh calls are dispatched
// FIFO to whoever is eligible, stale ones are left for a manual pickup.
func (s *Service) StartReaper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.opts.ReaperInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

func (s *Service) sweep(ctx context.Context) {
	list, err := s.repo.ListWaiting(ctx)
	if err != nil {
		s.log.Error("reaper queue scan failed", "error", err)
		return
	}
	now := s.clock()
	for _, c := range list {
		waited := now.Sub(c.CreatedAt)
		if waited > s.opts.AbandonTTL {
			if _, err := s.UpdateStatus(ctx, c.ID, StatusFailed); err != nil && !errors.Is(err, ErrConflict) {
				s.log.Error("reaper abandon failed", "call_id", c.ID, "error", err)
			} else {
				s.log.Info("abandoned call reaped", "call_id", c.ID)
			}
			continue
		}
		if waited > s.opts.Staleness {
			// Stale calls stay listable for a manual pickup but are no longer
			// auto-dispatched.
			continue
		}

		agent, ok, err := s.agents.AcquireAvailable(ctx, c.RequiredSkills, c.RoomID)
		if err != nil {
			s.log.Error("reaper dispatch failed", "call_id", c.ID, "error", err)
			return
		}
		if !ok {
			// FIFO: nobody for the oldest call means nobody for the rest
			// either, except when later calls need narrower skills. Keep
			// scanning so those are not starved.
			continue
		}
		if _, err := s.answer(ctx, c, agent.ID); err != nil {
			s.log.Error("reaper answer failed", "call_id", c.ID, "error", err)
			if _, relErr := s.agents.Release(ctx, agent.ID); relErr != nil {
				s.log.Error("reaper rollback failed", "agent_id", agent.ID, "error", relErr)
			}
			continue
		}
		s.notify(ctx, c.RoomID, map[string]any{
			"type":     "agent_assigned",
			"call_id":  c.ID,
			"agent_id": agent.ID,
		})
		s.log.Info("queued call dispatched", "call_id", c.ID, "agent_id", agent.ID)
	}
}

func (s *Service) notify(ctx context.Context, roomID string, event map[string]any) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.provider.SendData(ctx, roomID, payload); err != nil {
		s.log.Warn("room notification failed", "room_id", roomID, "error", err)
	}
}
