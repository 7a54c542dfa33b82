package agents

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestService() *Service {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(NewMemoryRepo(), NoopGuard{}, log)
}

func mustCreate(t *testing.T, s *Service, name, email string, skills ...string) Agent {
	t.Helper()
	a, err := s.Create(context.Background(), CreateInput{Name: name, Email: email, Skills: skills})
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return a
}

func TestCreateDefaults(t *testing.T) {
	s := newTestService()
	a := mustCreate(t, s, "Ana", "ana@example.com", "Billing", "billing", " SPANISH ")

	if a.Status != StatusAvailable {
		t.Fatalf("status = %s, want available", a.Status)
	}
	if a.MaxConcurrentCalls != 3 {
		t.Fatalf("max_concurrent_calls = %d, want 3", a.MaxConcurrentCalls)
	}
	if len(a.Skills) != 2 || a.Skills[0] != "billing" || a.Skills[1] != "spanish" {
		t.Fatalf("skills = %v, want deduped lowercase", a.Skills)
	}
}

func TestCreateValidation(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	if _, err := s.Create(ctx, CreateInput{Name: "", Email: "a@b.com"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty name err = %v", err)
	}
	if _, err := s.Create(ctx, CreateInput{Name: "A", Email: "not-an-email"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("bad email err = %v", err)
	}

	mustCreate(t, s, "Ana", "ana@example.com")
	if _, err := s.Create(ctx, CreateInput{Name: "Other", Email: "Ana@Example.com"}); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("duplicate email err = %v", err)
	}
}

func TestAcquireAvailablePrefersLongestIdle(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	now := time.Now()
	s.WithClock(func() time.Time { return now })
	first := mustCreate(t, s, "First", "first@example.com")

	now = now.Add(time.Minute)
	mustCreate(t, s, "Second", "second@example.com")

	got, ok, err := s.AcquireAvailable(ctx, nil, "room_a")
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if got.ID != first.ID {
		t.Fatalf("acquired %s, want longest idle %s", got.ID, first.ID)
	}
	if got.Status != StatusBusy || got.CurrentRoomID != "room_a" || got.ActiveCalls != 1 {
		t.Fatalf("acquired state = %+v", got)
	}
}

func TestAcquireAvailableSkillFilter(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	mustCreate(t, s, "Generalist", "g@example.com")
	specialist := mustCreate(t, s, "Specialist", "s@example.com", "billing", "spanish")

	got, ok, err := s.AcquireAvailable(ctx, []string{"Billing"}, "room_a")
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if got.ID != specialist.ID {
		t.Fatalf("acquired %s, want specialist", got.ID)
	}

	if _, ok, _ := s.AcquireAvailable(ctx, []string{"billing", "french"}, "room_b"); ok {
		t.Fatal("acquired agent without full skill set")
	}
}

func TestAcquireExhaustsCapacity(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	a, err := s.Create(ctx, CreateInput{Name: "Solo", Email: "solo@example.com", MaxConcurrentCalls: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, ok, _ := s.AcquireAvailable(ctx, nil, "room_a"); !ok {
		t.Fatal("first acquire should succeed")
	}
	if _, ok, _ := s.AcquireAvailable(ctx, nil, "room_b"); ok {
		t.Fatal("second acquire should find nobody")
	}

	if _, err := s.Release(ctx, a.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, err := s.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusAvailable || got.CurrentRoomID != "" || got.ActiveCalls != 0 {
		t.Fatalf("released state = %+v", got)
	}
}

func TestReleaseFloorsAtZero(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	a := mustCreate(t, s, "Ana", "ana@example.com")

	got, err := s.Release(ctx, a.ID)
	if err != nil {
		t.Fatalf("release idle agent: %v", err)
	}
	if got.ActiveCalls != 0 {
		t.Fatalf("active_calls = %d, want 0", got.ActiveCalls)
	}
}

func TestAcquireForTransferConflicts(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	target, err := s.Create(ctx, CreateInput{Name: "Target", Email: "t@example.com", MaxConcurrentCalls: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.AcquireForTransfer(ctx, target.ID, "room_a"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := s.AcquireForTransfer(ctx, target.ID, "room_b"); !errors.Is(err, ErrConflict) {
		t.Fatalf("at-capacity acquire err = %v, want conflict", err)
	}
	if _, err := s.AcquireForTransfer(ctx, "missing", "room_c"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing agent err = %v", err)
	}
}

func TestSetStatusOfflineSignalsReassign(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	a := mustCreate(t, s, "Ana", "ana@example.com")
	if _, err := s.AcquireForTransfer(ctx, a.ID, "room_a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	var gotAgent, gotRoom string
	s.OnReassign(func(_ context.Context, agentID, roomID string) {
		gotAgent, gotRoom = agentID, roomID
	})

	out, err := s.SetStatus(ctx, a.ID, StatusOffline)
	if err != nil {
		t.Fatalf("set offline: %v", err)
	}
	if out.Status != StatusOffline || out.CurrentRoomID != "" || out.ActiveCalls != 0 {
		t.Fatalf("offline state = %+v", out)
	}
	if gotAgent != a.ID || gotRoom != "room_a" {
		t.Fatalf("reassign signal = (%s, %s), want (%s, room_a)", gotAgent, gotRoom, a.ID)
	}
}

func TestDeleteBusyAgent(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	a := mustCreate(t, s, "Ana", "ana@example.com")
	if _, err := s.AcquireForTransfer(ctx, a.ID, "room_a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s.Delete(ctx, a.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("delete busy err = %v, want conflict", err)
	}

	if _, err := s.Release(ctx, a.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.Delete(ctx, a.ID); err != nil {
		t.Fatalf("delete idle: %v", err)
	}
	if _, err := s.Get(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get deleted err = %v", err)
	}
}

func TestAvailabilityExcludesRequester(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	self := mustCreate(t, s, "Self", "self@example.com")
	other := mustCreate(t, s, "Other", "other@example.com", "billing")

	list, err := s.Availability(ctx, self.ID)
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if len(list) != 1 || list[0].ID != other.ID {
		t.Fatalf("availability = %+v, want only other", list)
	}
	if list[0].AvailableCapacity != 3 {
		t.Fatalf("available_capacity = %d, want 3", list[0].AvailableCapacity)
	}
}

func TestUpdateConflictOnStaleVersion(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	now := time.Now()
	a := Agent{ID: "a1", Name: "Ana", Email: "ana@example.com", Status: StatusAvailable,
		MaxConcurrentCalls: 3, CreatedAt: now, UpdatedAt: now}
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	fresh, err := repo.Update(ctx, a)
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if fresh.Version != a.Version+1 {
		t.Fatalf("version = %d, want %d", fresh.Version, a.Version+1)
	}
	if _, err := repo.Update(ctx, a); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale update err = %v, want conflict", err)
	}
}
