package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dialer-platform/pkg/utils"
)

// NOTE: This store assumes the following table exists:
//
// CREATE TABLE call_log (
//     id            TEXT PRIMARY KEY,
//     line          TEXT NOT NULL,
//     lead_id       TEXT NOT NULL,
//     phone_number  TEXT NOT NULL,
//     campaign      TEXT NOT NULL,
//     cloud_call_id TEXT NOT NULL DEFAULT '',
//     legacy_leg    BOOLEAN NOT NULL DEFAULT FALSE,
//     status        TEXT NOT NULL,
//     cause         TEXT NOT NULL DEFAULT '',
//     started_at    TIMESTAMPTZ NOT NULL,
//     ended_at      TIMESTAMPTZ
// );

// Store persists the dial log.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Begin records a call the moment it is placed, in in_progress state.
func (s *Store) Begin(ctx context.Context, c Call) error {
	if c.ID == "" {
		return fmt.Errorf("call id is required")
	}
	const q = `
INSERT INTO call_log (id, line, lead_id, phone_number, campaign, cloud_call_id, legacy_leg, status, cause, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`
	_, err := s.db.ExecContext(ctx, q,
		c.ID, c.Line, c.LeadID, c.PhoneNumber, c.Campaign,
		c.CloudCallID, c.LegacyLeg, CallStatusInProgress, c.Cause, c.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert call %s: %w", c.ID, err)
	}
	return nil
}

// Finish closes out an in_progress call. Already-finished rows are left
// untouched, so replays from a retried teardown are harmless.
func (s *Store) Finish(ctx context.Context, id string, status CallStatus, cause string, endedAt time.Time) error {
	return utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const lockQ = `
SELECT status
FROM call_log
WHERE id = $1
FOR UPDATE
`
		var current CallStatus
		if err := tx.QueryRowContext(ctx, lockQ, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock call %s: %w", id, err)
		}
		if current != CallStatusInProgress {
			return nil
		}

		const updateQ = `
UPDATE call_log
SET status = $2, cause = $3, ended_at = $4
WHERE id = $1
`
		if _, err := tx.ExecContext(ctx, updateQ, id, status, cause, endedAt); err != nil {
			return fmt.Errorf("finish call %s: %w", id, err)
		}
		return nil
	})
}

// FinishOpenByLine closes every in_progress row for a line. Calls torn down
// asynchronously (leg failure, dial timeout) have no handler on the teardown
// path to close their row; the next end-call or start-call on the line
// reconciles them through here.
func (s *Store) FinishOpenByLine(ctx context.Context, line string, status CallStatus, cause string, endedAt time.Time) error {
	const q = `
UPDATE call_log
SET status = $2, cause = $3, ended_at = $4
WHERE line = $1 AND status = $5
`
	if _, err := s.db.ExecContext(ctx, q, line, status, cause, endedAt, CallStatusInProgress); err != nil {
		return fmt.Errorf("finish open calls for line %s: %w", line, err)
	}
	return nil
}

// Recent returns the newest calls first, bounded by limit.
func (s *Store) Recent(ctx context.Context, limit int) ([]Call, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const q = `
SELECT id, line, lead_id, phone_number, campaign, cloud_call_id, legacy_leg, status, cause, started_at, ended_at
FROM call_log
ORDER BY started_at DESC
LIMIT $1
`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	out := make([]Call, 0, limit)
	for rows.Next() {
		var c Call
		var endedAt sql.NullTime
		if err := rows.Scan(
			&c.ID, &c.Line, &c.LeadID, &c.PhoneNumber, &c.Campaign,
			&c.CloudCallID, &c.LegacyLeg, &c.Status, &c.Cause, &c.StartedAt, &endedAt,
		); err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		if endedAt.Valid {
			t := endedAt.Time
			c.EndedAt = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
