package access

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-tokprompt/backend/internal/models"
)

// Repository handles access grant persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an access grant repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const grantColumns = `code, company_id, stream_id, COALESCE(session_id,''), role, issued_by, issuer_privileged,
	max_uses, uses, expires_at, revoked_at, created_at`

func scanGrant(row pgx.Row) (*models.AccessGrant, error) {
	var g models.AccessGrant
	err := row.Scan(&g.Code, &g.CompanyID, &g.StreamID, &g.SessionID, &g.Role, &g.IssuedBy, &g.IssuerPrivileged,
		&g.MaxUses, &g.Uses, &g.ExpiresAt, &g.RevokedAt, &g.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// Create inserts g. It returns ErrCodeExists when the code is taken.
func (r *Repository) Create(ctx context.Context, g *models.AccessGrant) error {
	const q = `INSERT INTO access_grants (code, company_id, stream_id, session_id, role, issued_by, issuer_privileged, max_uses, expires_at, created_at)
		VALUES ($1, $2, $3, NULLIF($4,''), $5, $6, $7, $8, $9, $10)
		ON CONFLICT (code) DO NOTHING`
	tag, err := r.pool.Exec(ctx, q, g.Code, g.CompanyID, g.StreamID, g.SessionID, string(g.Role), g.IssuedBy,
		g.IssuerPrivileged, g.MaxUses, g.ExpiresAt, g.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCodeExists
	}
	return nil
}

// Get returns the grant for code, or nil when there is none.
func (r *Repository) Get(ctx context.Context, code string) (*models.AccessGrant, error) {
	g, err := scanGrant(r.pool.QueryRow(ctx, `SELECT `+grantColumns+` FROM access_grants WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

// ConsumeUse counts one redemption. It reports false when the code is revoked or used up.
func (r *Repository) ConsumeUse(ctx context.Context, code string) (bool, error) {
	const q = `UPDATE access_grants SET uses = uses + 1
		WHERE code = $1 AND revoked_at IS NULL AND (max_uses = 0 OR uses < max_uses)`
	tag, err := r.pool.Exec(ctx, q, code)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Revoke marks the code revoked and reports whether it was still live.
func (r *Repository) Revoke(ctx context.Context, code string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE access_grants SET revoked_at = $2 WHERE code = $1 AND revoked_at IS NULL`, code, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListByStream returns a stream's grants, newest first.
func (r *Repository) ListByStream(ctx context.Context, companyID, streamID string) ([]models.AccessGrant, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+grantColumns+` FROM access_grants
		WHERE company_id = $1 AND stream_id = $2 ORDER BY created_at DESC`, companyID, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.AccessGrant{}
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *g)
	}
	return list, rows.Err()
}
