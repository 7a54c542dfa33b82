package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
)

// LiveKit implements Provider against a LiveKit server.
//
// Token issuance is local JWT signing and never touches the network; room and
// participant operations proxy to the RoomService API and surface
// ErrUnavailable on transport failures.
type LiveKit struct {
	client    *lksdk.RoomServiceClient
	apiKey    string
	apiSecret string

	// tokenTTL bounds issued media tokens when the request does not set one.
	tokenTTL time.Duration
}

type LiveKitOptions struct {
	Host      string
	APIKey    string
	APISecret string
	TokenTTL  time.Duration
}

func NewLiveKit(opts LiveKitOptions) (*LiveKit, error) {
	if opts.Host == "" || opts.APIKey == "" || opts.APISecret == "" {
		return nil, fmt.Errorf("gateway: livekit host, api key and secret are required")
	}
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &LiveKit{
		client:    lksdk.NewRoomServiceClient(opts.Host, opts.APIKey, opts.APISecret),
		apiKey:    opts.APIKey,
		apiSecret: opts.APISecret,
		tokenTTL:  ttl,
	}, nil
}

func (l *LiveKit) Name() string { return "livekit" }

func (l *LiveKit) HealthCheck(ctx context.Context) error {
	if _, err := l.client.ListRooms(ctx, &livekit.ListRoomsRequest{}); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (l *LiveKit) CreateRoom(ctx context.Context, req CreateRoomRequest) (RoomInfo, error) {
	if req.RoomID == "" {
		return RoomInfo{}, fmt.Errorf("gateway: room id is required")
	}
	emptyTimeout := req.EmptyTimeout
	if emptyTimeout <= 0 {
		emptyTimeout = 30 * time.Minute
	}
	room, err := l.client.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:             req.RoomID,
		MaxParticipants:  uint32(req.MaxParticipants),
		EmptyTimeout:     uint32(emptyTimeout / time.Second),
		DepartureTimeout: 60,
		Metadata:         req.Metadata,
	})
	if err != nil {
		return RoomInfo{}, fmt.Errorf("%w: create room %s: %v", ErrUnavailable, req.RoomID, err)
	}
	return roomInfoFromProto(room), nil
}

func (l *LiveKit) GetRoom(ctx context.Context, roomID string) (RoomInfo, bool, error) {
	res, err := l.client.ListRooms(ctx, &livekit.ListRoomsRequest{Names: []string{roomID}})
	if err != nil {
		return RoomInfo{}, false, fmt.Errorf("%w: get room %s: %v", ErrUnavailable, roomID, err)
	}
	if len(res.Rooms) == 0 {
		return RoomInfo{}, false, nil
	}
	return roomInfoFromProto(res.Rooms[0]), true, nil
}

func (l *LiveKit) CloseRoom(ctx context.Context, roomID string) error {
	if _, err := l.client.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: roomID}); err != nil {
		return fmt.Errorf("%w: close room %s: %v", ErrUnavailable, roomID, err)
	}
	return nil
}

// tokenMetadata travels inside the media token so presence checks can read the
// participant kind back from the provider instead of parsing identities.
type tokenMetadata struct {
	Kind ParticipantKind `json:"kind"`
}

func (l *LiveKit) IssueToken(_ context.Context, req TokenRequest) (string, error) {
	if req.RoomID == "" || req.Identity == "" {
		return "", fmt.Errorf("gateway: room id and identity are required")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = l.tokenTTL
	}

	grant := &auth.VideoGrant{RoomJoin: true, Room: req.RoomID}
	grant.SetCanPublish(true)
	grant.SetCanSubscribe(true)
	grant.SetCanPublishData(true)

	name := req.Name
	if name == "" {
		name = req.Identity
	}
	meta, err := json.Marshal(tokenMetadata{Kind: req.Kind})
	if err != nil {
		return "", err
	}

	at := auth.NewAccessToken(l.apiKey, l.apiSecret)
	at.SetVideoGrant(grant).
		SetIdentity(req.Identity).
		SetName(name).
		SetMetadata(string(meta)).
		SetValidFor(ttl)

	return at.ToJWT()
}

func (l *LiveKit) ListParticipants(ctx context.Context, roomID string) ([]Participant, error) {
	res, err := l.client.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: roomID})
	if err != nil {
		return nil, fmt.Errorf("%w: list participants %s: %v", ErrUnavailable, roomID, err)
	}
	out := make([]Participant, 0, len(res.Participants))
	for _, p := range res.Participants {
		out = append(out, participantFromProto(p))
	}
	return out, nil
}

func (l *LiveKit) RemoveParticipant(ctx context.Context, roomID, identity string) error {
	_, err := l.client.RemoveParticipant(ctx, &livekit.RoomParticipantIdentity{
		Room:     roomID,
		Identity: identity,
	})
	if err != nil {
		return fmt.Errorf("%w: remove %s from %s: %v", ErrUnavailable, identity, roomID, err)
	}
	return nil
}

func (l *LiveKit) MuteParticipant(ctx context.Context, roomID, identity string, kind TrackKind) error {
	// LiveKit mutes by track sid, so resolve the participant's track first.
	parts, err := l.ListParticipants(ctx, roomID)
	if err != nil {
		return err
	}
	for _, p := range parts {
		if p.Identity != identity {
			continue
		}
		for _, tr := range p.Tracks {
			if tr.Kind != kind {
				continue
			}
			_, err := l.client.MutePublishedTrack(ctx, &livekit.MuteRoomTrackRequest{
				Room:     roomID,
				Identity: identity,
				TrackSid: tr.SID,
				Muted:    true,
			})
			if err != nil {
				return fmt.Errorf("%w: mute %s in %s: %v", ErrUnavailable, identity, roomID, err)
			}
			return nil
		}
	}
	return fmt.Errorf("gateway: no %s track published by %s in room %s", kind, identity, roomID)
}

func (l *LiveKit) SendData(ctx context.Context, roomID string, payload []byte, identities ...string) error {
	_, err := l.client.SendData(ctx, &livekit.SendDataRequest{
		Room:                  roomID,
		Data:                  payload,
		Kind:                  livekit.DataPacket_RELIABLE,
		DestinationIdentities: identities,
	})
	if err != nil {
		return fmt.Errorf("%w: send data to %s: %v", ErrUnavailable, roomID, err)
	}
	return nil
}

func roomInfoFromProto(r *livekit.Room) RoomInfo {
	return RoomInfo{
		RoomID:          r.Name,
		SID:             r.Sid,
		NumParticipants: int(r.NumParticipants),
		MaxParticipants: int(r.MaxParticipants),
		CreatedAt:       time.Unix(r.CreationTime, 0).UTC(),
		Metadata:        r.Metadata,
	}
}

func participantFromProto(p *livekit.ParticipantInfo) Participant {
	out := Participant{
		Identity:    p.Identity,
		Name:        p.Name,
		Kind:        KindUnknown,
		State:       p.State.String(),
		JoinedAt:    time.Unix(p.JoinedAt, 0).UTC(),
		IsPublisher: p.IsPublisher,
	}
	if p.Metadata != "" {
		var meta tokenMetadata
		if err := json.Unmarshal([]byte(p.Metadata), &meta); err == nil && meta.Kind != "" {
			out.Kind = meta.Kind
		}
	}
	for _, tr := range p.Tracks {
		kind := TrackAudio
		if tr.Type == livekit.TrackType_VIDEO {
			kind = TrackVideo
		}
		out.Tracks = append(out.Tracks, TrackInfo{
			SID:   tr.Sid,
			Name:  tr.Name,
			Kind:  kind,
			Muted: tr.Muted,
		})
	}
	return out
}
