package calls

import (
	"context"
	"errors"
)

var (
	ErrNotFound        = errors.New("calls: not found")
	ErrInvalidArgument = errors.New("calls: invalid argument")
	ErrConflict        = errors.New("calls: conflict")

	// ErrInvalidTransition rejects lifecycle edges outside the state table.
	ErrInvalidTransition = errors.New("calls: invalid status transition")
)

type Repository interface {
	Create(ctx context.Context, c Call) error
	Get(ctx context.Context, id string) (Call, error)
	// GetByRoom resolves the call bound to a caller room.
	GetByRoom(ctx context.Context, roomID string) (Call, error)
	// List returns calls, optionally filtered by status ("" = all),
	// newest first.
	List(ctx context.Context, status Status) ([]Call, error)
	// ListWaiting returns unanswered calls in FIFO order (oldest first).
	ListWaiting(ctx context.Context) ([]Call, error)
	// Update persists the record, compare-and-swapping on Version.
	// Returns ErrConflict if the stored version moved.
	Update(ctx context.Context, c Call) (Call, error)
	Delete(ctx context.Context, id string) error
}
