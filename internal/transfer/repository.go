package transfer

import (
	"context"
	"errors"
)

var (
	ErrNotFound        = errors.New("transfer: not found")
	ErrInvalidArgument = errors.New("transfer: invalid argument")
	ErrConflict        = errors.New("transfer: conflict")

	// ErrActiveTransferExists guards the one-non-terminal-transfer-per-call
	// invariant at the store boundary.
	ErrActiveTransferExists = errors.New("transfer: call already has an active transfer")
)

type Repository interface {
	// Create inserts the transfer, failing with ErrActiveTransferExists when
	// the call already has a non-terminal transfer. Insert and guard are one
	// atomic unit.
	Create(ctx context.Context, t Transfer) error
	Get(ctx context.Context, id string) (Transfer, error)
	// GetActiveByCall finds the non-terminal transfer for a call, if any.
	GetActiveByCall(ctx context.Context, callID string) (Transfer, error)
	// ListActive returns all non-terminal transfers, oldest first.
	ListActive(ctx context.Context) ([]Transfer, error)
	// ListByCall returns a call's transfer history, oldest first.
	ListByCall(ctx context.Context, callID string) ([]Transfer, error)
	// Update persists the record, compare-and-swapping on Version.
	// Returns ErrConflict if the stored version moved.
	Update(ctx context.Context, t Transfer) (Transfer, error)
}
