package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"warm-transfer-platform/pkg/utils"
)

// PostgresRepo persists agents in the agents table.
//
// Assumed schema:
//   agents(id TEXT PK, name TEXT, email TEXT UNIQUE, status TEXT,
//          current_room_id TEXT NULL, max_concurrent_calls INT,
//          active_calls INT, skills JSONB, version BIGINT,
//          created_at TIMESTAMPTZ, updated_at TIMESTAMPTZ)
//
// Acquire/Release run inside a transaction with FOR UPDATE row locks to keep
// the capacity invariant under concurrent assignment.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const agentColumns = `id, name, email, status, current_room_id, max_concurrent_calls, active_calls, skills, version, created_at, updated_at`

type agentScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row agentScanner) (Agent, error) {
	var a Agent
	var room sql.NullString
	var skills []byte
	if err := row.Scan(
		&a.ID,
		&a.Name,
		&a.Email,
		&a.Status,
		&room,
		&a.MaxConcurrentCalls,
		&a.ActiveCalls,
		&skills,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return Agent{}, err
	}
	a.CurrentRoomID = room.String
	if len(skills) > 0 {
		if err := json.Unmarshal(skills, &a.Skills); err != nil {
			return Agent{}, err
		}
	}
	return a, nil
}

func (r *PostgresRepo) Create(ctx context.Context, a Agent) error {
	skills, err := json.Marshal(a.Skills)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO agents (` + agentColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`
	_, err = r.db.ExecContext(ctx, q,
		a.ID, a.Name, a.Email, a.Status,
		utils.NullString(a.CurrentRoomID),
		a.MaxConcurrentCalls, a.ActiveCalls,
		skills, a.Version, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "agents_email_key") {
		return ErrDuplicateEmail
	}
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Agent, error) {
	const q = `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`
	a, err := scanAgent(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	return a, err
}

func (r *PostgresRepo) List(ctx context.Context, status Status) ([]Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents`
	args := []any{}
	if status != "" {
		q += ` WHERE status = $1`
		args = append(args, status)
	}
	q += ` ORDER BY name`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Update(ctx context.Context, a Agent) (Agent, error) {
	skills, err := json.Marshal(a.Skills)
	if err != nil {
		return Agent{}, err
	}
	const q = `
UPDATE agents
SET name = $1, email = $2, status = $3, current_room_id = $4,
    max_concurrent_calls = $5, active_calls = $6, skills = $7,
    version = version + 1, updated_at = $8
WHERE id = $9 AND version = $10
RETURNING ` + agentColumns
	out, err := scanAgent(r.db.QueryRowContext(ctx, q,
		a.Name, a.Email, a.Status,
		utils.NullString(a.CurrentRoomID),
		a.MaxConcurrentCalls, a.ActiveCalls, skills,
		a.UpdatedAt, a.ID, a.Version,
	))
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish a missing row from a version race.
		if _, getErr := r.Get(ctx, a.ID); errors.Is(getErr, ErrNotFound) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, ErrConflict
	}
	return out, err
}

func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) AcquireAvailable(ctx context.Context, skills []string, roomID string, now time.Time) (Agent, bool, error) {
	var out Agent
	var ok bool
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// Longest idle first. SKIP LOCKED lets concurrent assigners pick
		// different agents instead of queueing on the same row.
		const sel = `
SELECT ` + agentColumns + `
FROM agents
WHERE status = $1 AND active_calls < max_concurrent_calls
ORDER BY updated_at ASC, id ASC
FOR UPDATE SKIP LOCKED
`
		rows, err := tx.QueryContext(ctx, sel, StatusAvailable)
		if err != nil {
			return err
		}
		defer rows.Close()

		var picked Agent
		found := false
		for rows.Next() {
			a, err := scanAgent(rows)
			if err != nil {
				return err
			}
			if a.HasSkills(skills) {
				picked = a
				found = true
				break
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if !found {
			return nil
		}

		const upd = `
UPDATE agents
SET status = $1, current_room_id = $2, active_calls = active_calls + 1,
    version = version + 1, updated_at = $3
WHERE id = $4
RETURNING ` + agentColumns
		acquired, err := scanAgent(tx.QueryRowContext(ctx, upd, StatusBusy, roomID, now, picked.ID))
		if err != nil {
			return err
		}
		out = acquired
		ok = true
		return nil
	})
	return out, ok, err
}

func (r *PostgresRepo) AcquireByID(ctx context.Context, id, roomID string, now time.Time) (Agent, error) {
	var out Agent
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const sel = `SELECT ` + agentColumns + ` FROM agents WHERE id = $1 FOR UPDATE`
		a, err := scanAgent(tx.QueryRowContext(ctx, sel, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if a.Status != StatusAvailable || a.ActiveCalls >= a.MaxConcurrentCalls {
			return ErrConflict
		}

		const upd = `
UPDATE agents
SET status = $1, current_room_id = $2, active_calls = active_calls + 1,
    version = version + 1, updated_at = $3
WHERE id = $4
RETURNING ` + agentColumns
		acquired, err := scanAgent(tx.QueryRowContext(ctx, upd, StatusBusy, roomID, now, id))
		if err != nil {
			return err
		}
		out = acquired
		return nil
	})
	return out, err
}

func (r *PostgresRepo) Release(ctx context.Context, id string, now time.Time) (Agent, error) {
	var out Agent
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const sel = `SELECT ` + agentColumns + ` FROM agents WHERE id = $1 FOR UPDATE`
		a, err := scanAgent(tx.QueryRowContext(ctx, sel, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if a.ActiveCalls > 0 {
			a.ActiveCalls--
		}
		room := utils.NullString(a.CurrentRoomID)
		status := a.Status
		if a.ActiveCalls == 0 && a.Status == StatusBusy {
			status = StatusAvailable
			room = sql.NullString{}
		}

		const upd = `
UPDATE agents
SET status = $1, current_room_id = $2, active_calls = $3,
    version = version + 1, updated_at = $4
WHERE id = $5
RETURNING ` + agentColumns
		released, err := scanAgent(tx.QueryRowContext(ctx, upd, status, room, a.ActiveCalls, now, id))
		if err != nil {
			return err
		}
		out = released
		return nil
	})
	return out, err
}

func (r *PostgresRepo) BindRoom(ctx context.Context, id, roomID string, now time.Time) (Agent, error) {
	const q = `
UPDATE agents
SET status = $1, current_room_id = $2, version = version + 1, updated_at = $3
WHERE id = $4
RETURNING ` + agentColumns
	a, err := scanAgent(r.db.QueryRowContext(ctx, q, StatusBusy, roomID, now, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	return a, err
}
