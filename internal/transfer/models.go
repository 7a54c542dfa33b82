package transfer

import "time"

// Status is the transfer lifecycle state.
//
//	initiated ──▶ in_progress ──▶ completed
//	    │             │
//	    └──▶ failed ◀─┘
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusInitiated, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Transfer struct {
	ID     string `json:"id" db:"id"`
	CallID string `json:"call_id" db:"call_id"`

	FromAgentID string `json:"from_agent_id" db:"from_agent_id"`
	ToAgentID   string `json:"to_agent_id" db:"to_agent_id"`

	Status Status `json:"status" db:"status"`
	Reason string `json:"reason,omitempty" db:"reason"`

	// BridgeRoomID is the private room where both agents talk before the
	// caller is handed over.
	BridgeRoomID string `json:"bridge_room_id" db:"bridge_room_id"`

	// Summary and Context are produced asynchronously after initiation;
	// empty until generation finishes.
	Summary string `json:"summary,omitempty" db:"summary"`
	Context string `json:"context,omitempty" db:"context"`

	InitiatedAt time.Time  `json:"initiated_at" db:"initiated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	// DurationSeconds is how long the handoff took, computed at completion
	// from InitiatedAt.
	DurationSeconds int64 `json:"duration_seconds,omitempty" db:"duration_seconds"`

	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
