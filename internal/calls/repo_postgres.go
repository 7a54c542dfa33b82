package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"warm-transfer-platform/pkg/utils"
)

// PostgresRepo persists calls in the calls table.
//
// Assumed schema:
//   calls(id TEXT PK, caller_name TEXT, caller_phone TEXT, reason TEXT,
//         status TEXT, priority TEXT, room_id TEXT UNIQUE,
//         agent_a_id TEXT NULL, agent_b_id TEXT NULL,
//         required_skills JSONB, transcript TEXT, summary TEXT,
//         started_at TIMESTAMPTZ NULL, ended_at TIMESTAMPTZ NULL,
//         version BIGINT, created_at TIMESTAMPTZ, updated_at TIMESTAMPTZ)
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const callColumns = `id, caller_name, caller_phone, reason, status, priority, room_id, agent_a_id, agent_b_id, required_skills, transcript, summary, started_at, ended_at, version, created_at, updated_at`

type callScanner interface {
	Scan(dest ...any) error
}

func scanCall(row callScanner) (Call, error) {
	var c Call
	var phone, reason, agentA, agentB, transcript, summary sql.NullString
	var skills []byte
	var started, ended sql.NullTime
	if err := row.Scan(
		&c.ID, &c.CallerName, &phone, &reason, &c.Status, &c.Priority,
		&c.RoomID, &agentA, &agentB, &skills, &transcript, &summary,
		&started, &ended, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return Call{}, err
	}
	c.CallerPhone = phone.String
	c.Reason = reason.String
	c.AgentAID = agentA.String
	c.AgentBID = agentB.String
	c.Transcript = transcript.String
	c.Summary = summary.String
	if started.Valid {
		t := started.Time
		c.StartedAt = &t
	}
	if ended.Valid {
		t := ended.Time
		c.EndedAt = &t
	}
	if len(skills) > 0 {
		if err := json.Unmarshal(skills, &c.RequiredSkills); err != nil {
			return Call{}, err
		}
	}
	return c, nil
}

func callArgs(c Call) ([]any, error) {
	skills, err := json.Marshal(c.RequiredSkills)
	if err != nil {
		return nil, err
	}
	var started, ended sql.NullTime
	if c.StartedAt != nil {
		started = utils.NullTime(*c.StartedAt)
	}
	if c.EndedAt != nil {
		ended = utils.NullTime(*c.EndedAt)
	}
	return []any{
		c.ID, c.CallerName,
		utils.NullString(c.CallerPhone), utils.NullString(c.Reason),
		c.Status, c.Priority, c.RoomID,
		utils.NullString(c.AgentAID), utils.NullString(c.AgentBID),
		skills,
		utils.NullString(c.Transcript), utils.NullString(c.Summary),
		started, ended,
		c.Version, c.CreatedAt, c.UpdatedAt,
	}, nil
}

func (r *PostgresRepo) Create(ctx context.Context, c Call) error {
	args, err := callArgs(c)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO calls (` + callColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
`
	_, err = r.db.ExecContext(ctx, q, args...)
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	c, err := scanCall(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	return c, err
}

func (r *PostgresRepo) GetByRoom(ctx context.Context, roomID string) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE room_id = $1`
	c, err := scanCall(r.db.QueryRowContext(ctx, q, roomID))
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	return c, err
}

func (r *PostgresRepo) List(ctx context.Context, status Status) ([]Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls`
	args := []any{}
	if status != "" {
		q += ` WHERE status = $1`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC`
	return r.queryCalls(ctx, q, args...)
}

func (r *PostgresRepo) ListWaiting(ctx context.Context) ([]Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE status = $1 ORDER BY created_at ASC, id ASC`
	return r.queryCalls(ctx, q, StatusWaiting)
}

func (r *PostgresRepo) queryCalls(ctx context.Context, q string, args ...any) ([]Call, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Update(ctx context.Context, c Call) (Call, error) {
	skills, err := json.Marshal(c.RequiredSkills)
	if err != nil {
		return Call{}, err
	}
	var started, ended sql.NullTime
	if c.StartedAt != nil {
		started = utils.NullTime(*c.StartedAt)
	}
	if c.EndedAt != nil {
		ended = utils.NullTime(*c.EndedAt)
	}
	const q = `
UPDATE calls
SET caller_name = $1, caller_phone = $2, reason = $3, status = $4,
    priority = $5, room_id = $6, agent_a_id = $7, agent_b_id = $8,
    required_skills = $9, transcript = $10, summary = $11,
    started_at = $12, ended_at = $13,
    version = version + 1, updated_at = $14
WHERE id = $15 AND version = $16
RETURNING ` + callColumns
	out, err := scanCall(r.db.QueryRowContext(ctx, q,
		c.CallerName, utils.NullString(c.CallerPhone), utils.NullString(c.Reason),
		c.Status, c.Priority, c.RoomID,
		utils.NullString(c.AgentAID), utils.NullString(c.AgentBID),
		skills, utils.NullString(c.Transcript), utils.NullString(c.Summary),
		started, ended, c.UpdatedAt, c.ID, c.Version,
	))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.Get(ctx, c.ID); errors.Is(getErr, ErrNotFound) {
			return Call{}, ErrNotFound
		}
		return Call{}, ErrConflict
	}
	return out, err
}

func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM calls WHERE id = $1`, id)
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
