package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"warm-transfer-platform/internal/agents"
	"warm-transfer-platform/internal/calls"
	"warm-transfer-platform/internal/gateway"
	"warm-transfer-platform/internal/summary"
)

type fixture struct {
	orch     *Orchestrator
	calls    *calls.Service
	agents   *agents.Service
	provider *gateway.Fake
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		provider: gateway.NewFake(),
		now:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.agents = agents.NewService(agents.NewMemoryRepo(), agents.NoopGuard{}, log)
	f.agents.WithClock(clock)
	f.calls = calls.NewService(calls.NewMemoryRepo(), f.agents, f.provider, calls.Options{}, log)
	f.calls.WithClock(clock)
	f.orch = NewOrchestrator(NewMemoryRepo(), f.calls, f.agents, f.provider,
		summary.Static{}, Options{MaxTransferWait: time.Hour}, log)
	f.orch.WithClock(clock)
	return f
}

func (f *fixture) addAgent(t *testing.T, name string, skills ...string) agents.Agent {
	t.Helper()
	a, err := f.agents.Create(context.Background(), agents.CreateInput{
		Name: name, Email: strings.ToLower(name) + "@example.com", Skills: skills,
	})
	if err != nil {
		t.Fatalf("add agent %s: %v", name, err)
	}
	return a
}

// activeCall creates a call answered by a fresh agent and returns both.
func (f *fixture) activeCall(t *testing.T, agentName string) (calls.Call, agents.Agent) {
	t.Helper()
	a := f.addAgent(t, agentName)
	res, err := f.calls.Create(context.Background(), calls.CreateInput{
		CallerName: "Caller", CallerPhone: "+15550100", Reason: "billing dispute",
	})
	if err != nil {
		t.Fatalf("create call: %v", err)
	}
	if !res.Assigned || res.Call.AgentAID != a.ID {
		t.Fatalf("call not assigned to %s: %+v", agentName, res.Call)
	}
	return res.Call, a
}

func TestInitiateBridgesAgents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, from := f.activeCall(t, "Origin")
	to := f.addAgent(t, "Target")

	res, err := f.orch.Initiate(ctx, InitiateInput{
		CallID: c.ID, FromAgentID: from.ID, ToAgentID: to.ID, Reason: "needs billing team",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if res.Transfer.Status != StatusInitiated {
		t.Fatalf("status = %s, want initiated", res.Transfer.Status)
	}
	if !strings.HasPrefix(res.BridgeRoomID, "transfer_") {
		t.Fatalf("bridge room = %s, want transfer_ prefix", res.BridgeRoomID)
	}
	if !f.provider.HasRoom(res.BridgeRoomID) {
		t.Fatal("bridge room not created")
	}
	if res.FromToken == "" || res.ToToken == "" {
		t.Fatal("bridge tokens missing")
	}

	gotCall, _ := f.calls.Get(ctx, c.ID)
	if gotCall.Status != calls.StatusTransferring {
		t.Fatalf("call status = %s, want transferring", gotCall.Status)
	}
	gotTarget, _ := f.agents.Get(ctx, to.ID)
	if gotTarget.Status != agents.StatusBusy || gotTarget.CurrentRoomID != res.BridgeRoomID {
		t.Fatalf("target agent = %+v, want busy in bridge", gotTarget)
	}

	f.orch.summaryWG.Wait()
	view, err := f.orch.Status(ctx, res.Transfer.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !view.SummaryReady || view.Transfer.Status != StatusInProgress {
		t.Fatalf("view = %+v, want summary attached and in_progress", view)
	}
	if !strings.Contains(view.Transfer.Summary, "Call transfer for Caller") {
		t.Fatalf("summary = %q", view.Transfer.Summary)
	}
	if !strings.Contains(view.Transfer.Context, "needs billing team") {
		t.Fatalf("context = %q", view.Transfer.Context)
	}
}

func TestInitiateValidationOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, from := f.activeCall(t, "Origin")
	to := f.addAgent(t, "Target")

	if _, err := f.orch.Initiate(ctx, InitiateInput{CallID: "missing", FromAgentID: from.ID, ToAgentID: to.ID}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown call err = %v", err)
	}
	if _, err := f.orch.Initiate(ctx, InitiateInput{CallID: c.ID, FromAgentID: to.ID, ToAgentID: from.ID}); !errors.Is(err, ErrConflict) {
		t.Fatalf("non-owner initiator err = %v", err)
	}
	if _, err := f.orch.Initiate(ctx, InitiateInput{CallID: c.ID, FromAgentID: from.ID, ToAgentID: from.ID}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("self transfer err = %v", err)
	}
	if _, err := f.orch.Initiate(ctx, InitiateInput{CallID: c.ID, FromAgentID: from.ID, ToAgentID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown target err = %v", err)
	}

	// Failed attempts must leave the call usable.
	gotCall, _ := f.calls.Get(ctx, c.ID)
	if gotCall.Status != calls.StatusActive {
		t.Fatalf("call status after failed attempts = %s, want active", gotCall.Status)
	}
}

func TestInitiateRejectsBusyTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, from := f.activeCall(t, "Origin")
	busy := f.addAgent(t, "Busy")
	if _, err := f.agents.AcquireForTransfer(ctx, busy.ID, "elsewhere"); err != nil {
		t.Fatalf("occupy target: %v", err)
	}

	if _, err := f.orch.Initiate(ctx, InitiateInput{CallID: c.ID, FromAgentID: from.ID, ToAgentID: busy.ID}); !errors.Is(err, ErrConflict) {
		t.Fatalf("busy target err = %v", err)
	}
	gotCall, _ := f.calls.Get(ctx, c.ID)
	if gotCall.Status != calls.StatusActive {
		t.Fatalf("call status = %s, want reverted to active", gotCall.Status)
	}
}

func TestOneActiveTransferPerCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, from := f.activeCall(t, "Origin")
	to := f.addAgent(t, "Target")
	f.addAgent(t, "Other")

	if _, err := f.orch.Initiate(ctx, InitiateInput{CallID: c.ID, FromAgentID: from.ID, ToAgentID: to.ID}); err != nil {
		t.Fatalf("first initiate: %v", err)
	}
	// The call is transferring now, so a second initiation conflicts.
	if _, err := f.orch.Initiate(ctx, InitiateInput{CallID: c.ID, FromAgentID: from.ID, ToAgentID: to.ID}); !errors.Is(err, ErrConflict) {
		t.Fatalf("second initiate err = %v", err)
	}
	f.orch.summaryWG.Wait()
}

func TestCompleteHandsCallOver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, from := f.activeCall(t, "Origin")
	to := f.addAgent(t, "Target")

	res, err := f.orch.Initiate(ctx, InitiateInput{CallID: c.ID, FromAgentID: from.ID, ToAgentID: to.ID})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	f.orch.summaryWG.Wait()

	f.now = f.now.Add(90 * time.Second)
	done, err := f.orch.Complete(ctx, res.Transfer.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Transfer.Status != StatusCompleted || done.Transfer.CompletedAt == nil {
		t.Fatalf("transfer = %+v, want completed", done.Transfer)
	}
	if done.Transfer.DurationSeconds != 90 {
		t.Fatalf("duration = %d, want 90", done.Transfer.DurationSeconds)
	}
	if done.RoomID != c.RoomID || done.Token == "" {
		t.Fatalf("handoff credentials = %+v, want caller room token", done)
	}

	gotCall, _ := f.calls.Get(ctx, c.ID)
	if gotCall.Status != calls.StatusActive || gotCall.CurrentOwner() != to.ID {
		t.Fatalf("call = %+v, want active under target", gotCall)
	}
	if gotCall.AgentAID != from.ID || gotCall.AgentBID != to.ID {
		t.Fatalf("agent fields = a:%s b:%s", gotCall.AgentAID, gotCall.AgentBID)
	}

	gotFrom, _ := f.agents.Get(ctx, from.ID)
	if gotFrom.Status != agents.StatusAvailable || gotFrom.ActiveCalls != 0 {
		t.Fatalf("initiator after handoff = %+v, want available", gotFrom)
	}
	gotTo, _ := f.agents.Get(ctx, to.ID)
	if gotTo.Status != agents.StatusBusy || gotTo.CurrentRoomID != c.RoomID {
		t.Fatalf("target after handoff = %+v, want busy in caller room", gotTo)
	}

	if f.provider.HasRoom(res.BridgeRoomID) {
		t.Fatal("bridge room should be closed")
	}
	wantRemoved := c.RoomID + "/agent_" + from.ID
	removed := false
	for _, r := range f.provider.Removed {
		if r == wantRemoved {
			removed = true
		}
	}
	if !removed {
		t.Fatalf("initiator not removed from caller room, removed = %v", f.provider.Removed)
	}

	// Completing again is a conflict, not a double handoff.
	if _, err := f.orch.Complete(ctx, res.Transfer.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("repeat complete err = %v", err)
	}
	gotFromAgain, _ := f.agents.Get(ctx, from.ID)
	if gotFromAgain.ActiveCalls != 0 {
		t.Fatalf("repeat complete changed initiator slots: %+v", gotFromAgain)
	}
}

func TestCompleteAfterCallEndedTearsDownTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, from := f.activeCall(t, "Origin")
	to := f.addAgent(t, "Target")

	res, err := f.orch.Initiate(ctx, InitiateInput{CallID: c.ID, FromAgentID: from.ID, ToAgentID: to.ID})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	f.orch.summaryWG.Wait()

	// The caller hangs up while the agents are still talking in the bridge.
	if _, err := f.calls.UpdateStatus(ctx, c.ID, calls.StatusCompleted); err != nil {
		t.Fatalf("end call: %v", err)
	}

	if _, err := f.orch.Complete(ctx, res.Transfer.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("complete on ended call err = %v, want conflict", err)
	}

	got, _ := f.orch.Status(ctx, res.Transfer.ID)
	if got.Transfer.Status != StatusFailed {
		t.Fatalf("transfer status = %s, want failed", got.Transfer.Status)
	}
	gotCall, _ := f.calls.Get(ctx, c.ID)
	if gotCall.Status != calls.StatusCompleted {
		t.Fatalf("call status = %s, want still completed", gotCall.Status)
	}
	gotTo, _ := f.agents.Get(ctx, to.ID)
	if gotTo.Status != agents.StatusAvailable || gotTo.ActiveCalls != 0 {
		t.Fatalf("target after teardown = %+v, want available", gotTo)
	}
	gotFrom, _ := f.agents.Get(ctx, from.ID)
	if gotFrom.Status != agents.StatusAvailable || gotFrom.ActiveCalls != 0 {
		t.Fatalf("initiator after teardown = %+v, want available", gotFrom)
	}
	if f.provider.HasRoom(res.BridgeRoomID) {
		t.Fatal("bridge room should be closed")
	}
}

func TestCancelRestoresCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, from := f.activeCall(t, "Origin")
	to := f.addAgent(t, "Target")

	res, err := f.orch.Initiate(ctx, InitiateInput{CallID: c.ID, FromAgentID: from.ID, ToAgentID: to.ID})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	f.orch.summaryWG.Wait()

	cancelled, err := f.orch.Cancel(ctx, res.Transfer.ID, "caller hung up on hold")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusFailed || cancelled.Reason != "caller hung up on hold" {
		t.Fatalf("cancelled = %+v", cancelled)
	}

	gotCall, _ := f.calls.Get(ctx, c.ID)
	if gotCall.Status != calls.StatusActive || gotCall.CurrentOwner() != from.ID {
		t.Fatalf("call = %+v, want back with initiator", gotCall)
	}
	gotTo, _ := f.agents.Get(ctx, to.ID)
	if gotTo.Status != agents.StatusAvailable || gotTo.ActiveCalls != 0 {
		t.Fatalf("target after cancel = %+v, want available", gotTo)
	}
	if f.provider.HasRoom(res.BridgeRoomID) {
		t.Fatal("bridge room should be closed")
	}

	if _, err := f.orch.Cancel(ctx, res.Transfer.ID, "again"); !errors.Is(err, ErrConflict) {
		t.Fatalf("repeat cancel err = %v", err)
	}
}

func TestExpireCancelsStalledTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, from := f.activeCall(t, "Origin")
	to := f.addAgent(t, "Target")

	res, err := f.orch.Initiate(ctx, InitiateInput{CallID: c.ID, FromAgentID: from.ID, ToAgentID: to.ID})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	f.orch.summaryWG.Wait()

	f.orch.expire(res.Transfer.ID)

	got, _ := f.orch.Status(ctx, res.Transfer.ID)
	if got.Transfer.Status != StatusFailed || got.Transfer.Reason != "transfer wait timeout" {
		t.Fatalf("expired transfer = %+v", got.Transfer)
	}
	gotCall, _ := f.calls.Get(ctx, c.ID)
	if gotCall.Status != calls.StatusActive {
		t.Fatalf("call status = %s, want active", gotCall.Status)
	}
}

func TestSequentialTransfers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, a := f.activeCall(t, "Alpha")
	b := f.addAgent(t, "Bravo")
	cAgent := f.addAgent(t, "Charlie")

	first, err := f.orch.Initiate(ctx, InitiateInput{CallID: c.ID, FromAgentID: a.ID, ToAgentID: b.ID})
	if err != nil {
		t.Fatalf("first initiate: %v", err)
	}
	f.orch.summaryWG.Wait()
	if _, err := f.orch.Complete(ctx, first.Transfer.ID); err != nil {
		t.Fatalf("first complete: %v", err)
	}

	// The second hop originates from the current owner, not the first agent.
	if _, err := f.orch.Initiate(ctx, InitiateInput{CallID: c.ID, FromAgentID: a.ID, ToAgentID: cAgent.ID}); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale owner initiate err = %v", err)
	}
	second, err := f.orch.Initiate(ctx, InitiateInput{CallID: c.ID, FromAgentID: b.ID, ToAgentID: cAgent.ID})
	if err != nil {
		t.Fatalf("second initiate: %v", err)
	}
	f.orch.summaryWG.Wait()
	if _, err := f.orch.Complete(ctx, second.Transfer.ID); err != nil {
		t.Fatalf("second complete: %v", err)
	}

	gotCall, _ := f.calls.Get(ctx, c.ID)
	if gotCall.CurrentOwner() != cAgent.ID {
		t.Fatalf("owner = %s, want %s", gotCall.CurrentOwner(), cAgent.ID)
	}
	history, err := f.orch.ByCall(ctx, c.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
}

func TestAvailableAgentsExcludesInitiator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, from := f.activeCall(t, "Origin")
	target := f.addAgent(t, "Target")

	list, err := f.orch.AvailableAgents(ctx, from.ID)
	if err != nil {
		t.Fatalf("available agents: %v", err)
	}
	if len(list) != 1 || list[0].ID != target.ID {
		t.Fatalf("available = %+v, want only target", list)
	}
}

func TestSummaryFallbackOnGeneratorError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, from := f.activeCall(t, "Origin")
	to := f.addAgent(t, "Target")

	f.orch.gen = failingGenerator{}
	res, err := f.orch.Initiate(ctx, InitiateInput{CallID: c.ID, FromAgentID: from.ID, ToAgentID: to.ID})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	f.orch.summaryWG.Wait()

	got, _ := f.orch.Status(ctx, res.Transfer.ID)
	if !strings.Contains(got.Transfer.Summary, "Call transfer for Caller") {
		t.Fatalf("summary = %q, want deterministic fallback", got.Transfer.Summary)
	}
	gotCall, _ := f.calls.Get(ctx, c.ID)
	if gotCall.Summary != got.Transfer.Summary {
		t.Fatalf("call summary %q != transfer summary %q", gotCall.Summary, got.Transfer.Summary)
	}
}

type failingGenerator struct{}

func (failingGenerator) GenerateCallSummary(context.Context, summary.CallContext) (string, error) {
	return "", summary.ErrTimeout
}

func (failingGenerator) GenerateTransferContext(_ context.Context, s, _ string, _ []string) (string, error) {
	return s, nil
}
