package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Provider is the provider-agnostic media-session interface used by business logic.
//
// Rules:
// - No media SDK calls outside gateway adapters.
// - Room identity is load-bearing: callers must treat failures as explicit
//   (ErrUnavailable), never as silently-missing rooms.
// - Keep request/response types provider-agnostic; raw provider payloads stay
//   inside the adapter.
type Provider interface {
	Name() string
	HealthCheck(ctx context.Context) error

	CreateRoom(ctx context.Context, req CreateRoomRequest) (RoomInfo, error)
	GetRoom(ctx context.Context, roomID string) (RoomInfo, bool, error)
	CloseRoom(ctx context.Context, roomID string) error

	IssueToken(ctx context.Context, req TokenRequest) (string, error)

	ListParticipants(ctx context.Context, roomID string) ([]Participant, error)
	RemoveParticipant(ctx context.Context, roomID, identity string) error
	MuteParticipant(ctx context.Context, roomID, identity string, kind TrackKind) error
	SendData(ctx context.Context, roomID string, payload []byte, identities ...string) error
}

// ErrUnavailable marks infrastructure failures at the media provider boundary.
// Callers retry with bounded backoff (see Retrying); domain errors never carry it.
var ErrUnavailable = errors.New("gateway: media provider unavailable")

// ErrRoomNotFound is returned for operations against a room the provider does not know.
var ErrRoomNotFound = errors.New("gateway: room not found")

type CreateRoomRequest struct {
	RoomID          string `json:"room_id"`
	MaxParticipants int    `json:"max_participants"`

	// EmptyTimeout closes the room after it has been empty this long.
	EmptyTimeout time.Duration `json:"empty_timeout"`

	// Metadata is optional JSON describing why the room exists
	// (call vs transfer bridge, related ids).
	Metadata string `json:"metadata,omitempty"`
}

type TokenRequest struct {
	RoomID   string          `json:"room_id"`
	Identity string          `json:"identity"`
	Name     string          `json:"name"`
	Kind     ParticipantKind `json:"kind"`

	TTL time.Duration `json:"ttl"`
}

// RoomInfo is a read-only projection of the provider's room state.
type RoomInfo struct {
	RoomID          string    `json:"room_id"`
	SID             string    `json:"sid"`
	NumParticipants int       `json:"num_participants"`
	MaxParticipants int       `json:"max_participants"`
	CreatedAt       time.Time `json:"created_at"`
	Metadata        string    `json:"metadata,omitempty"`
}

// ParticipantKind is carried in token metadata so liveness checks do not have
// to sniff identity-string prefixes.
type ParticipantKind string

const (
	KindCaller  ParticipantKind = "caller"
	KindAgent   ParticipantKind = "agent"
	KindUnknown ParticipantKind = "unknown"
)

type Participant struct {
	Identity    string          `json:"identity"`
	Name        string          `json:"name"`
	Kind        ParticipantKind `json:"kind"`
	State       string          `json:"state"`
	JoinedAt    time.Time       `json:"joined_at"`
	IsPublisher bool            `json:"is_publisher"`
	Tracks      []TrackInfo     `json:"tracks"`
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

type TrackInfo struct {
	SID   string    `json:"sid"`
	Name  string    `json:"name"`
	Kind  TrackKind `json:"kind"`
	Muted bool      `json:"muted"`
}

// RoomStats aggregates a room snapshot for operator dashboards.
type RoomStats struct {
	Room             RoomInfo      `json:"room_info"`
	ParticipantCount int           `json:"participant_count"`
	ActivePublishers int           `json:"active_publishers"`
	AudioTracks      int           `json:"audio_tracks"`
	VideoTracks      int           `json:"video_tracks"`
	Participants     []Participant `json:"participants"`
}

// Stats combines room info and the participant list into one snapshot.
func Stats(ctx context.Context, p Provider, roomID string) (RoomStats, error) {
	room, ok, err := p.GetRoom(ctx, roomID)
	if err != nil {
		return RoomStats{}, err
	}
	if !ok {
		return RoomStats{}, ErrRoomNotFound
	}
	parts, err := p.ListParticipants(ctx, roomID)
	if err != nil {
		return RoomStats{}, err
	}

	out := RoomStats{Room: room, ParticipantCount: len(parts), Participants: parts}
	for _, pt := range parts {
		if pt.IsPublisher {
			out.ActivePublishers++
		}
		for _, tr := range pt.Tracks {
			switch tr.Kind {
			case TrackAudio:
				out.AudioTracks++
			case TrackVideo:
				out.VideoTracks++
			}
		}
	}
	return out, nil
}

// HasKind reports whether any participant of the given kind is connected.
// This is the explicit presence check used for caller liveness.
func HasKind(parts []Participant, kind ParticipantKind) bool {
	for _, p := range parts {
		if p.Kind == kind {
			return true
		}
	}
	return false
}

// NewRoomID generates a room identifier like call_ab12cd34_1737171717.
func NewRoomID(prefix string, now time.Time) string {
	if prefix == "" {
		prefix = "room"
	}
	hex := uuid.NewString()
	return fmt.Sprintf("%s_%s_%d", prefix, hex[:8], now.Unix())
}

// CallerIdentity and AgentIdentity mint the participant identities the media
// provider keys on. The kind travels in token metadata, not the string.
func CallerIdentity(callID string) string { return "caller_" + callID }

func AgentIdentity(agentID string) string { return "agent_" + agentID }
