package gateway

import (
	"context"
	"errors"
	"time"
)

// Retrying decorates a Provider with bounded-backoff retries on ErrUnavailable.
// Domain errors pass through untouched; after the attempt budget is exhausted the
// last ErrUnavailable is surfaced to the caller.
type Retrying struct {
	Inner Provider

	// Attempts is the total number of tries (including the first). Default 3.
	Attempts int
	// BaseDelay is the first backoff step; it doubles per retry. Default 200ms.
	BaseDelay time.Duration
}

func WithRetry(inner Provider) *Retrying {
	return &Retrying{Inner: inner, Attempts: 3, BaseDelay: 200 * time.Millisecond}
}

func (r *Retrying) do(ctx context.Context, fn func() error) error {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := r.BaseDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrUnavailable) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func (r *Retrying) Name() string { return r.Inner.Name() }

func (r *Retrying) HealthCheck(ctx context.Context) error {
	return r.do(ctx, func() error { return r.Inner.HealthCheck(ctx) })
}

func (r *Retrying) CreateRoom(ctx context.Context, req CreateRoomRequest) (RoomInfo, error) {
	var out RoomInfo
	err := r.do(ctx, func() error {
		var e error
		out, e = r.Inner.CreateRoom(ctx, req)
		return e
	})
	return out, err
}

func (r *Retrying) GetRoom(ctx context.Context, roomID string) (RoomInfo, bool, error) {
	var out RoomInfo
	var ok bool
	err := r.do(ctx, func() error {
		var e error
		out, ok, e = r.Inner.GetRoom(ctx, roomID)
		return e
	})
	return out, ok, err
}

func (r *Retrying) CloseRoom(ctx context.Context, roomID string) error {
	return r.do(ctx, func() error { return r.Inner.CloseRoom(ctx, roomID) })
}

// IssueToken is local signing for real providers; retry is harmless either way.
func (r *Retrying) IssueToken(ctx context.Context, req TokenRequest) (string, error) {
	var out string
	err := r.do(ctx, func() error {
		var e error
		out, e = r.Inner.IssueToken(ctx, req)
		return e
	})
	return out, err
}

func (r *Retrying) ListParticipants(ctx context.Context, roomID string) ([]Participant, error) {
	var out []Participant
	err := r.do(ctx, func() error {
		var e error
		out, e = r.Inner.ListParticipants(ctx, roomID)
		return e
	})
	return out, err
}

func (r *Retrying) RemoveParticipant(ctx context.Context, roomID, identity string) error {
	return r.do(ctx, func() error { return r.Inner.RemoveParticipant(ctx, roomID, identity) })
}

func (r *Retrying) MuteParticipant(ctx context.Context, roomID, identity string, kind TrackKind) error {
	return r.do(ctx, func() error { return r.Inner.MuteParticipant(ctx, roomID, identity, kind) })
}

func (r *Retrying) SendData(ctx context.Context, roomID string, payload []byte, identities ...string) error {
	return r.do(ctx, func() error { return r.Inner.SendData(ctx, roomID, payload, identities...) })
}
