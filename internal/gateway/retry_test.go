package gateway

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_RecoversFromTransientFailure(t *testing.T) {
	fake := NewFake()
	fake.FailNext = 2

	p := WithRetry(fake)
	p.BaseDelay = time.Millisecond

	info, err := p.CreateRoom(context.Background(), CreateRoomRequest{RoomID: "call_abc_1"})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if info.RoomID != "call_abc_1" {
		t.Fatalf("unexpected room id %q", info.RoomID)
	}
}

func TestRetry_SurfacesUnavailableAfterBudget(t *testing.T) {
	fake := NewFake()
	fake.FailNext = 10

	p := WithRetry(fake)
	p.Attempts = 3
	p.BaseDelay = time.Millisecond

	_, err := p.CreateRoom(context.Background(), CreateRoomRequest{RoomID: "call_abc_2"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestRetry_DoesNotRetryDomainErrors(t *testing.T) {
	fake := NewFake()
	p := WithRetry(fake)
	p.BaseDelay = time.Millisecond

	_, err := p.IssueToken(context.Background(), TokenRequest{})
	if err == nil || errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected a non-retryable validation error, got %v", err)
	}
}

func TestStats_AggregatesTracks(t *testing.T) {
	fake := NewFake()
	ctx := context.Background()
	if _, err := fake.CreateRoom(ctx, CreateRoomRequest{RoomID: "call_x_1"}); err != nil {
		t.Fatalf("create room: %v", err)
	}
	fake.Join("call_x_1", Participant{
		Identity:    CallerIdentity("c1"),
		Kind:        KindCaller,
		IsPublisher: true,
		Tracks:      []TrackInfo{{SID: "TR1", Kind: TrackAudio}},
	})
	fake.Join("call_x_1", Participant{
		Identity: AgentIdentity("a1"),
		Kind:     KindAgent,
		Tracks:   []TrackInfo{{SID: "TR2", Kind: TrackAudio}, {SID: "TR3", Kind: TrackVideo}},
	})

	stats, err := Stats(ctx, fake, "call_x_1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ParticipantCount != 2 || stats.ActivePublishers != 1 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.AudioTracks != 2 || stats.VideoTracks != 1 {
		t.Fatalf("unexpected track counts: %+v", stats)
	}
}

func TestStats_UnknownRoom(t *testing.T) {
	fake := NewFake()
	if _, err := Stats(context.Background(), fake, "missing"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestHasKind(t *testing.T) {
	parts := []Participant{
		{Identity: AgentIdentity("a1"), Kind: KindAgent},
	}
	if HasKind(parts, KindCaller) {
		t.Fatalf("no caller should be present")
	}
	parts = append(parts, Participant{Identity: CallerIdentity("c1"), Kind: KindCaller})
	if !HasKind(parts, KindCaller) {
		t.Fatalf("caller should be present")
	}
}

func TestNewRoomID_Format(t *testing.T) {
	now := time.Unix(1700000000, 0)
	id := NewRoomID("transfer", now)
	if len(id) < len("transfer_xxxxxxxx_") {
		t.Fatalf("room id too short: %q", id)
	}
	if id[:9] != "transfer_" {
		t.Fatalf("expected transfer prefix, got %q", id)
	}
}
