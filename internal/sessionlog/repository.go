package sessionlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-tokprompt/backend/internal/models"
)

// Summary aggregates watch time for a session.
type Summary struct {
	Joins             int   `json:"joins"`
	DistinctUsers     int   `json:"distinct_users"`
	TotalWatchSeconds int64 `json:"total_watch_seconds"`
	AvgWatchSeconds   int64 `json:"avg_watch_seconds"`
}

// Repository handles session_activity.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session activity repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Record appends one activity row.
func (r *Repository) Record(ctx context.Context, e models.ActivityEntry) (int64, error) {
	const q = `INSERT INTO session_activity (session_id, stream_id, company_id, user_id, action, role, at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7) RETURNING id`
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	var id int64
	err := r.pool.QueryRow(ctx, q, e.SessionID, e.StreamID, e.CompanyID, e.UserID, e.Action, e.Role, e.At).Scan(&id)
	return id, err
}

// RecordLeave closes the user's most recent open join row with its watch time and appends
// a leave_session row.
func (r *Repository) RecordLeave(ctx context.Context, e models.ActivityEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const closeJoin = `UPDATE session_activity u
			SET left_at = $3, watch_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($3 - u.at))::BIGINT)
			FROM (SELECT id FROM session_activity
			      WHERE session_id = $1 AND user_id = $2 AND action = 'join_session' AND left_at IS NULL
			      ORDER BY at DESC LIMIT 1) AS sub
			WHERE u.id = sub.id`
		if _, err := tx.Exec(ctx, closeJoin, e.SessionID, e.UserID, e.At); err != nil {
			return fmt.Errorf("close join: %w", err)
		}
		const q = `INSERT INTO session_activity (session_id, stream_id, company_id, user_id, action, role, at)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`
		_, err := tx.Exec(ctx, q, e.SessionID, e.StreamID, e.CompanyID, e.UserID, models.ActionLeaveSession, e.Role, e.At)
		return err
	})
}

// ListBySession returns a session's activity in time order.
func (r *Repository) ListBySession(ctx context.Context, sessionID string) ([]models.ActivityEntry, error) {
	const q = `SELECT id, session_id, stream_id, company_id, COALESCE(user_id, ''), action, COALESCE(role, ''),
		at, left_at, watch_seconds
		FROM session_activity WHERE session_id = $1 ORDER BY at, id`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.ActivityEntry
	for rows.Next() {
		var e models.ActivityEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.StreamID, &e.CompanyID, &e.UserID, &e.Action, &e.Role,
			&e.At, &e.LeftAt, &e.WatchSeconds); err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// Summarize returns join and watch-time aggregates for a session. Open joins do not count
// toward watch time.
func (r *Repository) Summarize(ctx context.Context, sessionID string) (*Summary, error) {
	const q = `SELECT COUNT(*), COUNT(DISTINCT user_id), COALESCE(SUM(watch_seconds), 0)
		FROM session_activity WHERE session_id = $1 AND action = 'join_session'`
	var s Summary
	if err := r.pool.QueryRow(ctx, q, sessionID).Scan(&s.Joins, &s.DistinctUsers, &s.TotalWatchSeconds); err != nil {
		return nil, err
	}
	if s.DistinctUsers > 0 {
		s.AvgWatchSeconds = s.TotalWatchSeconds / int64(s.DistinctUsers)
	}
	return &s, nil
}
