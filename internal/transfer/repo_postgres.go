package transfer

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"warm-transfer-platform/pkg/utils"
)

// PostgresRepo persists transfers in the transfers table.
//
// Assumed schema:
//   transfers(id TEXT PK, call_id TEXT, from_agent_id TEXT, to_agent_id TEXT,
//             status TEXT, reason TEXT, bridge_room_id TEXT,
//             summary TEXT, context TEXT,
//             initiated_at TIMESTAMPTZ, completed_at TIMESTAMPTZ NULL,
//             duration_seconds BIGINT,
//             version BIGINT, created_at TIMESTAMPTZ, updated_at TIMESTAMPTZ)
//   CREATE UNIQUE INDEX transfers_one_active_per_call
//     ON transfers (call_id) WHERE status NOT IN ('completed','failed');
//
// The partial unique index makes the one-active-transfer-per-call guard hold
// even across racing inserts.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const transferColumns = `id, call_id, from_agent_id, to_agent_id, status, reason, bridge_room_id, summary, context, initiated_at, completed_at, duration_seconds, version, created_at, updated_at`

type transferScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row transferScanner) (Transfer, error) {
	var t Transfer
	var reason, sum, tctx sql.NullString
	var completed sql.NullTime
	if err := row.Scan(
		&t.ID, &t.CallID, &t.FromAgentID, &t.ToAgentID, &t.Status,
		&reason, &t.BridgeRoomID, &sum, &tctx,
		&t.InitiatedAt, &completed, &t.DurationSeconds,
		&t.Version, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return Transfer{}, err
	}
	t.Reason = reason.String
	t.Summary = sum.String
	t.Context = tctx.String
	if completed.Valid {
		ts := completed.Time
		t.CompletedAt = &ts
	}
	return t, nil
}

func (r *PostgresRepo) Create(ctx context.Context, t Transfer) error {
	var completed sql.NullTime
	if t.CompletedAt != nil {
		completed = utils.NullTime(*t.CompletedAt)
	}
	const q = `
INSERT INTO transfers (` + transferColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
`
	_, err := r.db.ExecContext(ctx, q,
		t.ID, t.CallID, t.FromAgentID, t.ToAgentID, t.Status,
		utils.NullString(t.Reason), t.BridgeRoomID,
		utils.NullString(t.Summary), utils.NullString(t.Context),
		t.InitiatedAt, completed, t.DurationSeconds,
		t.Version, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "transfers_one_active_per_call") {
		return ErrActiveTransferExists
	}
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Transfer, error) {
	const q = `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1`
	t, err := scanTransfer(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Transfer{}, ErrNotFound
	}
	return t, err
}

func (r *PostgresRepo) GetActiveByCall(ctx context.Context, callID string) (Transfer, error) {
	const q = `
SELECT ` + transferColumns + `
FROM transfers
WHERE call_id = $1 AND status NOT IN ($2, $3)
`
	t, err := scanTransfer(r.db.QueryRowContext(ctx, q, callID, StatusCompleted, StatusFailed))
	if errors.Is(err, sql.ErrNoRows) {
		return Transfer{}, ErrNotFound
	}
	return t, err
}

func (r *PostgresRepo) ListActive(ctx context.Context) ([]Transfer, error) {
	const q = `
SELECT ` + transferColumns + `
FROM transfers
WHERE status NOT IN ($1, $2)
ORDER BY created_at ASC, id ASC
`
	return r.queryTransfers(ctx, q, StatusCompleted, StatusFailed)
}

func (r *PostgresRepo) ListByCall(ctx context.Context, callID string) ([]Transfer, error) {
	const q = `
SELECT ` + transferColumns + `
FROM transfers
WHERE call_id = $1
ORDER BY created_at ASC, id ASC
`
	return r.queryTransfers(ctx, q, callID)
}

func (r *PostgresRepo) queryTransfers(ctx context.Context, q string, args ...any) ([]Transfer, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Update(ctx context.Context, t Transfer) (Transfer, error) {
	var completed sql.NullTime
	if t.CompletedAt != nil {
		completed = utils.NullTime(*t.CompletedAt)
	}
	const q = `
UPDATE transfers
SET status = $1, reason = $2, summary = $3, context = $4, completed_at = $5,
    duration_seconds = $6, version = version + 1, updated_at = $7
WHERE id = $8 AND version = $9
RETURNING ` + transferColumns
	out, err := scanTransfer(r.db.QueryRowContext(ctx, q,
		t.Status, utils.NullString(t.Reason),
		utils.NullString(t.Summary), utils.NullString(t.Context),
		completed, t.DurationSeconds, t.UpdatedAt, t.ID, t.Version,
	))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.Get(ctx, t.ID); errors.Is(getErr, ErrNotFound) {
			return Transfer{}, ErrNotFound
		}
		return Transfer{}, ErrConflict
	}
	return out, err
}
