package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory Provider for tests and early development.
// It records mutations and supports failure injection so callers can exercise
// the retry and failure-policy paths deterministically.
type Fake struct {
	mu sync.Mutex

	rooms        map[string]RoomInfo
	participants map[string][]Participant

	// FailNext makes the next n room/participant operations fail with
	// ErrUnavailable before succeeding again.
	FailNext int

	// FailTokens makes the next n token issuances fail with ErrUnavailable.
	FailTokens int

	// Removed records remove-participant calls as "roomID/identity".
	Removed []string
	// Closed records closed room ids.
	Closed []string

	tokensIssued int
	now          func() time.Time
}

func NewFake() *Fake {
	return &Fake{
		rooms:        map[string]RoomInfo{},
		participants: map[string][]Participant{},
		now:          time.Now,
	}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) failNext() error {
	if f.FailNext > 0 {
		f.FailNext--
		return fmt.Errorf("%w: injected failure", ErrUnavailable)
	}
	return nil
}

func (f *Fake) HealthCheck(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failNext()
}

func (f *Fake) CreateRoom(_ context.Context, req CreateRoomRequest) (RoomInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return RoomInfo{}, err
	}
	info := RoomInfo{
		RoomID:          req.RoomID,
		SID:             "RM_" + req.RoomID,
		MaxParticipants: req.MaxParticipants,
		CreatedAt:       f.now().UTC(),
		Metadata:        req.Metadata,
	}
	f.rooms[req.RoomID] = info
	return info, nil
}

func (f *Fake) GetRoom(_ context.Context, roomID string) (RoomInfo, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return RoomInfo{}, false, err
	}
	info, ok := f.rooms[roomID]
	if ok {
		info.NumParticipants = len(f.participants[roomID])
	}
	return info, ok, nil
}

func (f *Fake) CloseRoom(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return err
	}
	delete(f.rooms, roomID)
	delete(f.participants, roomID)
	f.Closed = append(f.Closed, roomID)
	return nil
}

func (f *Fake) IssueToken(_ context.Context, req TokenRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailTokens > 0 {
		f.FailTokens--
		return "", fmt.Errorf("%w: injected failure", ErrUnavailable)
	}
	if req.RoomID == "" || req.Identity == "" {
		return "", fmt.Errorf("gateway: room id and identity are required")
	}
	f.tokensIssued++
	return fmt.Sprintf("tok_%s_%s_%d", req.RoomID, req.Identity, f.tokensIssued), nil
}

func (f *Fake) ListParticipants(_ context.Context, roomID string) ([]Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return nil, err
	}
	out := make([]Participant, len(f.participants[roomID]))
	copy(out, f.participants[roomID])
	return out, nil
}

func (f *Fake) RemoveParticipant(_ context.Context, roomID, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return err
	}
	parts := f.participants[roomID]
	kept := parts[:0]
	for _, p := range parts {
		if p.Identity != identity {
			kept = append(kept, p)
		}
	}
	f.participants[roomID] = kept
	f.Removed = append(f.Removed, roomID+"/"+identity)
	return nil
}

func (f *Fake) MuteParticipant(_ context.Context, roomID, identity string, kind TrackKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return err
	}
	for i, p := range f.participants[roomID] {
		if p.Identity != identity {
			continue
		}
		for j, tr := range p.Tracks {
			if tr.Kind == kind {
				f.participants[roomID][i].Tracks[j].Muted = true
				return nil
			}
		}
	}
	return fmt.Errorf("gateway: no %s track published by %s in room %s", kind, identity, roomID)
}

func (f *Fake) SendData(_ context.Context, roomID string, _ []byte, _ ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return err
	}
	if _, ok := f.rooms[roomID]; !ok {
		return ErrRoomNotFound
	}
	return nil
}

// Join adds a participant to a room, simulating a connect over the media plane.
func (f *Fake) Join(roomID string, p Participant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.JoinedAt.IsZero() {
		p.JoinedAt = f.now().UTC()
	}
	f.participants[roomID] = append(f.participants[roomID], p)
}

// HasRoom reports whether the room currently exists.
func (f *Fake) HasRoom(roomID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rooms[roomID]
	return ok
}
