package agents

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("agents: not found")
	ErrInvalidArgument = errors.New("agents: invalid argument")
	ErrConflict        = errors.New("agents: conflict")

	// ErrDuplicateEmail is a validation failure per the registry contract.
	ErrDuplicateEmail = errors.New("agents: duplicate email")
)

// Repository is the persistence contract for the agent registry.
//
// Acquire/Release methods are the atomic units that protect the capacity
// invariant: find-and-mark-busy must never be split across calls.
type Repository interface {
	Create(ctx context.Context, a Agent) error
	Get(ctx context.Context, id string) (Agent, error)
	// List returns agents, optionally filtered by status ("" = all), ordered by name.
	List(ctx context.Context, status Status) ([]Agent, error)
	// Update persists the record, compare-and-swapping on Version.
	// Returns ErrConflict if the stored version moved.
	Update(ctx context.Context, a Agent) (Agent, error)
	Delete(ctx context.Context, id string) error

	// AcquireAvailable atomically selects the best eligible agent and takes a
	// call slot: status=available, capacity left, skills superset of requested,
	// tie-broken by longest idle (oldest updated_at). The agent comes back
	// busy and bound to roomID. ok=false when nobody is eligible.
	AcquireAvailable(ctx context.Context, skills []string, roomID string, now time.Time) (agent Agent, ok bool, err error)

	// AcquireByID takes a call slot on a specific agent, for transfer targets.
	// Fails with ErrConflict unless the agent is available and under capacity.
	AcquireByID(ctx context.Context, id, roomID string, now time.Time) (Agent, error)

	// Release returns one call slot; at zero active calls the agent becomes
	// available and its room binding is cleared.
	Release(ctx context.Context, id string, now time.Time) (Agent, error)

	// BindRoom points a busy agent at a (new) room without touching slots,
	// e.g. when the receiving agent moves from the bridge to the caller room.
	BindRoom(ctx context.Context, id, roomID string, now time.Time) (Agent, error)
}
