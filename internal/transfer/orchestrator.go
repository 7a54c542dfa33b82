package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"warm-transfer-platform/internal/agents"
	"warm-transfer-platform/internal/calls"
	"warm-transfer-platform/internal/gateway"
	"warm-transfer-platform/internal/summary"
)

const (
	bridgeRoomPrefix = "transfer"
	// Two agents plus headroom for a supervisor.
	bridgeRoomMaxParticipants = 3
	bridgeRoomEmptyTimeout    = 30 * time.Minute

	attachRetries = 3
)

// Options tune transfer pacing.
type Options struct {
	// TokenTTL bounds room token validity.
	TokenTTL time.Duration
	// SummaryTimeout caps background summary generation; past it the
	// deterministic fallback is attached instead.
	SummaryTimeout time.Duration
	// MaxTransferWait auto-cancels a transfer nobody completed.
	MaxTransferWait time.Duration
}

func (o *Options) defaults() {
	if o.TokenTTL <= 0 {
		o.TokenTTL = 24 * time.Hour
	}
	if o.SummaryTimeout <= 0 {
		o.SummaryTimeout = 10 * time.Second
	}
	if o.MaxTransferWait <= 0 {
		o.MaxTransferWait = 2 * time.Minute
	}
}

// Orchestrator runs the warm transfer handshake: bridge the two agents in a
// private room, brief the receiver with a generated summary, then hand the
// caller room over and retire the initiating agent.
type Orchestrator struct {
	repo     Repository
	calls    *calls.Service
	agents   *agents.Service
	provider gateway.Provider
	gen      summary.Generator
	opts     Options
	log      *slog.Logger
	clock    func() time.Time

	summaryWG sync.WaitGroup

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewOrchestrator(repo Repository, cs *calls.Service, ag *agents.Service, provider gateway.Provider, gen summary.Generator, opts Options, log *slog.Logger) *Orchestrator {
	opts.defaults()
	return &Orchestrator{
		repo:     repo,
		calls:    cs,
		agents:   ag,
		provider: provider,
		gen:      gen,
		opts:     opts,
		log:      log,
		clock:    time.Now,
		timers:   make(map[string]*time.Timer),
	}
}

// WithClock overrides the time source. Test hook.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

type InitiateInput struct {
	CallID      string `json:"call_id" binding:"required"`
	FromAgentID string `json:"from_agent_id" binding:"required"`
	ToAgentID   string `json:"to_agent_id" binding:"required"`
	Reason      string `json:"reason"`
}

// InitiateResult carries the new transfer plus bridge room credentials for
// both agents.
type InitiateResult struct {
	Transfer     Transfer `json:"transfer"`
	BridgeRoomID string   `json:"bridge_room_id"`
	FromToken    string   `json:"from_token"`
	ToToken      string   `json:"to_token"`
}

// Initiate starts a warm transfer. The call flips to transferring, the target
// agent takes a slot bound to a fresh bridge room, and summary generation
// kicks off in the background.
func (o *Orchestrator) Initiate(ctx context.Context, in InitiateInput) (InitiateResult, error) {
	if in.CallID == "" || in.FromAgentID == "" || in.ToAgentID == "" {
		return InitiateResult{}, fmt.Errorf("%w: call_id, from_agent_id and to_agent_id are required", ErrInvalidArgument)
	}
	if in.FromAgentID == in.ToAgentID {
		return InitiateResult{}, fmt.Errorf("%w: cannot transfer a call to its current agent", ErrInvalidArgument)
	}

	c, err := o.calls.Get(ctx, in.CallID)
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			return InitiateResult{}, fmt.Errorf("%w: unknown call", ErrNotFound)
		}
		return InitiateResult{}, err
	}
	if c.Status != calls.StatusActive {
		return InitiateResult{}, fmt.Errorf("%w: call is %s, not active", ErrConflict, c.Status)
	}
	if c.CurrentOwner() != in.FromAgentID {
		return InitiateResult{}, fmt.Errorf("%w: call is not handled by from_agent", ErrConflict)
	}

	// Flipping to transferring first doubles as the race guard: a second
	// initiation sees a non-active call and stops here.
	if _, err := o.calls.UpdateStatus(ctx, c.ID, calls.StatusTransferring); err != nil {
		if errors.Is(err, calls.ErrInvalidTransition) || errors.Is(err, calls.ErrConflict) {
			return InitiateResult{}, fmt.Errorf("%w: call is being transferred", ErrConflict)
		}
		return InitiateResult{}, err
	}
	revertCall := func() {
		if _, err := o.calls.UpdateStatus(context.WithoutCancel(ctx), c.ID, calls.StatusActive); err != nil {
			o.log.Error("transfer rollback: call revert failed", "call_id", c.ID, "error", err)
		}
	}

	now := o.clock()
	bridgeRoomID := gateway.NewRoomID(bridgeRoomPrefix, now)
	meta, _ := json.Marshal(map[string]string{"call_id": c.ID, "purpose": "warm_transfer"})
	if _, err := o.provider.CreateRoom(ctx, gateway.CreateRoomRequest{
		RoomID:          bridgeRoomID,
		MaxParticipants: bridgeRoomMaxParticipants,
		EmptyTimeout:    bridgeRoomEmptyTimeout,
		Metadata:        string(meta),
	}); err != nil {
		revertCall()
		return InitiateResult{}, fmt.Errorf("create bridge room: %w", err)
	}

	toAgent, err := o.agents.AcquireForTransfer(ctx, in.ToAgentID, bridgeRoomID)
	if err != nil {
		o.closeRoom(ctx, bridgeRoomID)
		revertCall()
		if errors.Is(err, agents.ErrNotFound) {
			return InitiateResult{}, fmt.Errorf("%w: unknown target agent", ErrNotFound)
		}
		if errors.Is(err, agents.ErrConflict) {
			return InitiateResult{}, fmt.Errorf("%w: target agent is not available", ErrConflict)
		}
		return InitiateResult{}, err
	}

	t := Transfer{
		ID:           uuid.NewString(),
		CallID:       c.ID,
		FromAgentID:  in.FromAgentID,
		ToAgentID:    in.ToAgentID,
		Status:       StatusInitiated,
		Reason:       in.Reason,
		BridgeRoomID: bridgeRoomID,
		InitiatedAt:  now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.repo.Create(ctx, t); err != nil {
		if _, relErr := o.agents.Release(ctx, in.ToAgentID); relErr != nil {
			o.log.Error("transfer rollback: target release failed", "agent_id", in.ToAgentID, "error", relErr)
		}
		o.closeRoom(ctx, bridgeRoomID)
		revertCall()
		return InitiateResult{}, err
	}

	fromAgent, err := o.agents.Get(ctx, in.FromAgentID)
	if err != nil {
		fromAgent = agents.Agent{ID: in.FromAgentID}
	}
	fromToken, err := o.issueBridgeToken(ctx, bridgeRoomID, in.FromAgentID, fromAgent.Name)
	if err != nil {
		return InitiateResult{}, err
	}
	toToken, err := o.issueBridgeToken(ctx, bridgeRoomID, in.ToAgentID, toAgent.Name)
	if err != nil {
		return InitiateResult{}, err
	}

	o.spawnSummary(t, c, toAgent.Skills)
	o.scheduleExpiry(t.ID)

	o.log.Info("transfer initiated", "transfer_id", t.ID, "call_id", c.ID,
		"from_agent", in.FromAgentID, "to_agent", in.ToAgentID, "bridge_room", bridgeRoomID)
	return InitiateResult{Transfer: t, BridgeRoomID: bridgeRoomID, FromToken: fromToken, ToToken: toToken}, nil
}

func (o *Orchestrator) issueBridgeToken(ctx context.Context, roomID, agentID, name string) (string, error) {
	token, err := o.provider.IssueToken(ctx, gateway.TokenRequest{
		RoomID:   roomID,
		Identity: gateway.AgentIdentity(agentID),
		Name:     name,
		Kind:     gateway.KindAgent,
		TTL:      o.opts.TokenTTL,
	})
	if err != nil {
		return "", fmt.Errorf("issue bridge token: %w", err)
	}
	return token, nil
}

// spawnSummary generates the briefing off the request path. The transfer
// stays usable while generation runs; the result attaches via CAS when done.
func (o *Orchestrator) spawnSummary(t Transfer, c calls.Call, targetSkills []string) {
	o.summaryWG.Add(1)
	go func() {
		defer o.summaryWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.opts.SummaryTimeout)
		defer cancel()

		in := summary.CallContext{
			Transcript:      c.Transcript,
			CallerName:      c.CallerName,
			CallerPhone:     c.CallerPhone,
			CallReason:      c.Reason,
			DurationSeconds: int(c.DurationSeconds(o.clock())),
		}
		// A summary from an earlier hop or a prior transcript pass is reused
		// rather than regenerated.
		callSummary := c.Summary
		if callSummary == "" {
			var err error
			callSummary, err = o.gen.GenerateCallSummary(ctx, in)
			if err != nil {
				o.log.Warn("summary generation failed, using fallback",
					"transfer_id", t.ID, "error", err)
				callSummary = summary.Fallback(in)
			}
		}
		transferCtx, err := o.gen.GenerateTransferContext(ctx, callSummary, t.Reason, targetSkills)
		if err != nil {
			transferCtx = callSummary
		}

		o.attachSummary(t.ID, c.ID, callSummary, transferCtx)
	}()
}

func (o *Orchestrator) attachSummary(transferID, callID, callSummary, transferCtx string) {
	ctx := context.Background()
	for i := 0; i < attachRetries; i++ {
		t, err := o.repo.Get(ctx, transferID)
		if err != nil {
			o.log.Error("summary attach lookup failed", "transfer_id", transferID, "error", err)
			return
		}
		if t.Status.Terminal() {
			// Cancelled or completed while generating.
			return
		}
		t.Summary = callSummary
		t.Context = transferCtx
		if t.Status == StatusInitiated {
			t.Status = StatusInProgress
		}
		t.UpdatedAt = o.clock()
		updated, err := o.repo.Update(ctx, t)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			o.log.Error("summary attach failed", "transfer_id", transferID, "error", err)
			return
		}
		o.attachCallSummary(ctx, callID, callSummary)
		o.notify(ctx, updated.BridgeRoomID, map[string]any{
			"type":        "transfer_briefing",
			"transfer_id": transferID,
			"summary":     callSummary,
			"context":     transferCtx,
		})
		return
	}
	o.log.Error("summary attach retries exhausted", "transfer_id", transferID)
}

func (o *Orchestrator) attachCallSummary(ctx context.Context, callID, callSummary string) {
	for i := 0; i < attachRetries; i++ {
		c, err := o.calls.Get(ctx, callID)
		if err != nil {
			return
		}
		c.Summary = callSummary
		if _, err := o.calls.Apply(ctx, c); !errors.Is(err, calls.ErrConflict) {
			return
		}
	}
}

// finish moves a transfer to a terminal state, retrying the version CAS when
// the background summary attach lands in between. Already-terminal transfers
// come back as ErrConflict so a repeat never re-runs side effects.
func (o *Orchestrator) finish(ctx context.Context, transferID string, mutate func(*Transfer)) (Transfer, error) {
	for i := 0; i < attachRetries; i++ {
		t, err := o.repo.Get(ctx, transferID)
		if err != nil {
			return Transfer{}, err
		}
		if t.Status.Terminal() {
			return Transfer{}, fmt.Errorf("%w: transfer already %s", ErrConflict, t.Status)
		}
		mutate(&t)
		t.UpdatedAt = o.clock()
		updated, err := o.repo.Update(ctx, t)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return Transfer{}, err
		}
		return updated, nil
	}
	return Transfer{}, fmt.Errorf("%w: transfer is being updated concurrently", ErrConflict)
}

// teardown cancels a transfer whose call went away, logging rather than
// surfacing secondary failures.
func (o *Orchestrator) teardown(ctx context.Context, transferID, reason string) {
	if _, err := o.Cancel(ctx, transferID, reason); err != nil && !errors.Is(err, ErrConflict) && !errors.Is(err, ErrNotFound) {
		o.log.Error("transfer teardown failed", "transfer_id", transferID, "error", err)
	}
}

// CompleteResult hands the receiving agent its caller room credentials.
type CompleteResult struct {
	Transfer Transfer `json:"transfer"`
	RoomID   string   `json:"room_id"`
	Token    string   `json:"token"`
}

// Complete finishes the handoff: the target agent becomes the call owner and
// moves to the caller room, the initiating agent is released and removed.
// Completing a finished transfer returns ErrConflict. If the call legally
// ended while the agents were still bridged, the transfer is torn down
// instead of completed so no agent slot is stranded.
func (o *Orchestrator) Complete(ctx context.Context, transferID string) (CompleteResult, error) {
	t, err := o.repo.Get(ctx, transferID)
	if err != nil {
		return CompleteResult{}, err
	}
	if t.Status.Terminal() {
		return CompleteResult{}, fmt.Errorf("%w: transfer already %s", ErrConflict, t.Status)
	}

	c, err := o.calls.Get(ctx, t.CallID)
	if err != nil {
		return CompleteResult{}, err
	}
	if c.Status != calls.StatusTransferring {
		o.teardown(ctx, transferID, "call ended during transfer")
		return CompleteResult{}, fmt.Errorf("%w: call is %s, not transferring", ErrConflict, c.Status)
	}

	// The call side commits first; the transfer only turns completed once the
	// caller room is back under an owner.
	c.AgentBID = t.ToAgentID
	c, err = o.calls.Apply(ctx, c)
	if err != nil {
		return CompleteResult{}, err
	}
	if _, err := o.calls.UpdateStatus(ctx, c.ID, calls.StatusActive); err != nil {
		o.teardown(ctx, transferID, "call ended during transfer")
		return CompleteResult{}, fmt.Errorf("%w: call ended during completion", ErrConflict)
	}

	t, err = o.finish(ctx, transferID, func(t *Transfer) {
		now := o.clock()
		t.Status = StatusCompleted
		t.CompletedAt = &now
		t.DurationSeconds = int64(now.Sub(t.InitiatedAt).Seconds())
	})
	if err != nil {
		return CompleteResult{}, err
	}
	o.stopExpiry(transferID)

	if _, err := o.agents.BindRoom(ctx, t.ToAgentID, c.RoomID); err != nil {
		o.log.Warn("target rebind failed", "transfer_id", t.ID, "agent_id", t.ToAgentID, "error", err)
	}
	token, err := o.provider.IssueToken(ctx, gateway.TokenRequest{
		RoomID:   c.RoomID,
		Identity: gateway.AgentIdentity(t.ToAgentID),
		Kind:     gateway.KindAgent,
		TTL:      o.opts.TokenTTL,
	})
	if err != nil {
		return CompleteResult{}, fmt.Errorf("issue caller room token: %w", err)
	}

	if _, err := o.agents.Release(ctx, t.FromAgentID); err != nil && !errors.Is(err, agents.ErrNotFound) {
		o.log.Warn("initiator release failed", "transfer_id", t.ID, "agent_id", t.FromAgentID, "error", err)
	}
	if err := o.provider.RemoveParticipant(ctx, c.RoomID, gateway.AgentIdentity(t.FromAgentID)); err != nil {
		o.log.Debug("initiator removal skipped", "transfer_id", t.ID, "error", err)
	}
	o.closeRoom(ctx, t.BridgeRoomID)
	o.notify(ctx, c.RoomID, map[string]any{
		"type":        "transfer_completed",
		"transfer_id": t.ID,
		"agent_id":    t.ToAgentID,
	})

	o.log.Info("transfer completed", "transfer_id", t.ID, "call_id", c.ID,
		"new_owner", t.ToAgentID)
	return CompleteResult{Transfer: t, RoomID: c.RoomID, Token: token}, nil
}

// Cancel aborts a transfer: the target agent is released, the call returns to
// its current owner, and the bridge room closes. Cancelling a finished
// transfer returns ErrConflict.
func (o *Orchestrator) Cancel(ctx context.Context, transferID, reason string) (Transfer, error) {
	t, err := o.finish(ctx, transferID, func(t *Transfer) {
		t.Status = StatusFailed
		if reason != "" {
			t.Reason = reason
		}
	})
	if err != nil {
		return Transfer{}, err
	}
	o.stopExpiry(transferID)

	if _, err := o.agents.Release(ctx, t.ToAgentID); err != nil && !errors.Is(err, agents.ErrNotFound) {
		o.log.Warn("target release failed", "transfer_id", t.ID, "agent_id", t.ToAgentID, "error", err)
	}

	c, callErr := o.calls.Get(ctx, t.CallID)
	switch {
	case callErr == nil && c.Status == calls.StatusTransferring:
		if _, err := o.calls.UpdateStatus(ctx, c.ID, calls.StatusActive); err != nil {
			o.log.Error("call revert after cancel failed", "call_id", c.ID, "error", err)
		}
		o.notify(ctx, c.RoomID, map[string]any{
			"type":        "transfer_cancelled",
			"transfer_id": t.ID,
		})
	case (callErr == nil && c.Status.Terminal()) || errors.Is(callErr, calls.ErrNotFound):
		// A terminal edge taken mid-transfer leaves agent cleanup to the
		// transfer teardown, so the initiator's slot is freed here too.
		if _, err := o.agents.Release(ctx, t.FromAgentID); err != nil && !errors.Is(err, agents.ErrNotFound) {
			o.log.Warn("initiator release failed", "transfer_id", t.ID, "agent_id", t.FromAgentID, "error", err)
		}
	case callErr != nil:
		o.log.Error("call lookup after cancel failed", "call_id", t.CallID, "error", callErr)
	}
	o.closeRoom(ctx, t.BridgeRoomID)

	o.log.Info("transfer cancelled", "transfer_id", t.ID, "reason", reason)
	return t, nil
}

// StatusView is the polling shape for a transfer in flight.
type StatusView struct {
	Transfer     Transfer     `json:"transfer"`
	CallStatus   calls.Status `json:"call_status"`
	SummaryReady bool         `json:"summary_ready"`
}

func (o *Orchestrator) Status(ctx context.Context, transferID string) (StatusView, error) {
	t, err := o.repo.Get(ctx, transferID)
	if err != nil {
		return StatusView{}, err
	}
	view := StatusView{Transfer: t, SummaryReady: t.Summary != ""}
	if c, err := o.calls.Get(ctx, t.CallID); err == nil {
		view.CallStatus = c.Status
	}
	return view, nil
}

// Active lists transfers still in flight, oldest first.
func (o *Orchestrator) Active(ctx context.Context) ([]Transfer, error) {
	return o.repo.ListActive(ctx)
}

// ByCall lists a call's transfer history, oldest first.
func (o *Orchestrator) ByCall(ctx context.Context, callID string) ([]Transfer, error) {
	return o.repo.ListByCall(ctx, callID)
}

// AvailableAgents lists eligible transfer targets for the given agent.
func (o *Orchestrator) AvailableAgents(ctx context.Context, excludeAgentID string) ([]agents.Availability, error) {
	return o.agents.Availability(ctx, excludeAgentID)
}

func (o *Orchestrator) scheduleExpiry(transferID string) {
	timer := time.AfterFunc(o.opts.MaxTransferWait, func() { o.expire(transferID) })
	o.mu.Lock()
	o.timers[transferID] = timer
	o.mu.Unlock()
}

func (o *Orchestrator) stopExpiry(transferID string) {
	o.mu.Lock()
	if timer, ok := o.timers[transferID]; ok {
		timer.Stop()
		delete(o.timers, transferID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) expire(transferID string) {
	if _, err := o.Cancel(context.Background(), transferID, "transfer wait timeout"); err != nil {
		if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrNotFound) {
			o.log.Error("transfer expiry failed", "transfer_id", transferID, "error", err)
		}
		return
	}
	o.log.Info("transfer expired", "transfer_id", transferID)
}

func (o *Orchestrator) closeRoom(ctx context.Context, roomID string) {
	if err := o.provider.CloseRoom(ctx, roomID); err != nil && !errors.Is(err, gateway.ErrRoomNotFound) {
		o.log.Warn("room close failed", "room_id", roomID, "error", err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, roomID string, event map[string]any) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := o.provider.SendData(ctx, roomID, payload); err != nil {
		o.log.Warn("room notification failed", "room_id", roomID, "error", err)
	}
}
