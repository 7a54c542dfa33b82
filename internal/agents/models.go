package agents

import "time"

// Agent represents a human operator.
//
// Invariants:
// - status=busy implies current_room_id is set.
// - active_calls never exceeds max_concurrent_calls.
// - Re-assignment beyond capacity is prevented at the repository boundary
//   (single atomic acquire), backed by the Redis call-slot cap across instances.
type Agent struct {
	ID    string `json:"id" db:"id"`
	Name  string `json:"name" db:"name"`
	Email string `json:"email" db:"email"`

	Status Status `json:"status" db:"status"`

	// CurrentRoomID is the media room the agent occupies, if any.
	CurrentRoomID string `json:"current_room_id,omitempty" db:"current_room_id"`

	MaxConcurrentCalls int `json:"max_concurrent_calls" db:"max_concurrent_calls"`

	// ActiveCalls counts call slots currently held by this agent.
	ActiveCalls int `json:"active_calls" db:"active_calls"`

	Skills []string `json:"skills" db:"skills"`

	// Version increments on every mutation; repositories compare-and-swap on it.
	Version int64 `json:"version" db:"version"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusOffline:
		return true
	default:
		return false
	}
}

// RemainingCapacity is how many more calls the agent could take.
func (a Agent) RemainingCapacity() int {
	n := a.MaxConcurrentCalls - a.ActiveCalls
	if n < 0 {
		return 0
	}
	return n
}

// HasSkills reports whether the agent's skill set covers all requested skills.
func (a Agent) HasSkills(requested []string) bool {
	if len(requested) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(a.Skills))
	for _, s := range a.Skills {
		have[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := have[s]; !ok {
			return false
		}
	}
	return true
}

// Availability is the projection served to transfer pickers.
type Availability struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Email             string   `json:"email"`
	Skills            []string `json:"skills"`
	ActiveCalls       int      `json:"active_calls"`
	MaxCalls          int      `json:"max_calls"`
	AvailableCapacity int      `json:"available_capacity"`
}
