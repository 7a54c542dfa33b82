package calls

import "time"

// Status is the call lifecycle state.
//
//	waiting ──────▶ active ◀────▶ transferring
//	   │              │                │
//	   └──▶ failed ◀──┴──▶ completed ◀─┘
type Status string

const (
	StatusWaiting      Status = "waiting"
	StatusActive       Status = "active"
	StatusTransferring Status = "transferring"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusTransferring, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusWaiting:      {StatusActive, StatusFailed},
	StatusActive:       {StatusTransferring, StatusCompleted, StatusFailed},
	StatusTransferring: {StatusActive, StatusCompleted, StatusFailed},
	StatusCompleted:    {},
	StatusFailed:       {},
}

// CanTransition reports whether from->to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type Call struct {
	ID          string `json:"id" db:"id"`
	CallerName  string `json:"caller_name" db:"caller_name"`
	CallerPhone string `json:"caller_phone,omitempty" db:"caller_phone"`
	Reason      string `json:"reason,omitempty" db:"reason"`

	Status   Status   `json:"status" db:"status"`
	Priority Priority `json:"priority" db:"priority"`

	// RoomID is the caller-facing media room. It stays stable for the whole
	// call; transfers bridge agents elsewhere and come back to this room.
	RoomID string `json:"room_id" db:"room_id"`

	// AgentAID is the first agent to handle the call, AgentBID the agent a
	// completed transfer handed it to. The current owner is B when set.
	AgentAID string `json:"agent_a_id,omitempty" db:"agent_a_id"`
	AgentBID string `json:"agent_b_id,omitempty" db:"agent_b_id"`

	// RequiredSkills constrain which agents the dispatcher may pick.
	RequiredSkills []string `json:"required_skills,omitempty" db:"required_skills"`

	Transcript string `json:"transcript,omitempty" db:"transcript"`
	Summary    string `json:"summary,omitempty" db:"summary"`

	StartedAt *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CurrentOwner is the agent currently responsible for the caller, if any.
func (c Call) CurrentOwner() string {
	if c.AgentBID != "" {
		return c.AgentBID
	}
	return c.AgentAID
}

// DurationSeconds is wall time from answer to hangup. Zero until answered.
func (c Call) DurationSeconds(now time.Time) int64 {
	if c.StartedAt == nil {
		return 0
	}
	end := now
	if c.EndedAt != nil {
		end = *c.EndedAt
	}
	d := int64(end.Sub(*c.StartedAt).Seconds())
	if d < 0 {
		return 0
	}
	return d
}

// WaitingCall is the queue view of an unanswered call.
type WaitingCall struct {
	Call          Call  `json:"call"`
	WaitedSeconds int64 `json:"waited_seconds"`
	Stale         bool  `json:"stale"`
}
