package permissions

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-tokprompt/backend/internal/models"
)

// Repository handles stream permission persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a permissions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns the stream's authorities, or nil when it has none.
func (r *Repository) Get(ctx context.Context, companyID, streamID string) (*models.PermissionEntry, error) {
	const q = `SELECT principal_id, role_ceiling, granted_by, granted_at FROM stream_permissions
		WHERE company_id = $1 AND stream_id = $2 ORDER BY granted_at`
	rows, err := r.pool.Query(ctx, q, companyID, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entry := &models.PermissionEntry{CompanyID: companyID, StreamID: streamID}
	for rows.Next() {
		var a models.Authority
		if err := rows.Scan(&a.PrincipalID, &a.RoleCeiling, &a.GrantedBy, &a.GrantedAt); err != nil {
			return nil, err
		}
		entry.Principals = append(entry.Principals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entry.Principals) == 0 {
		return nil, nil
	}
	return entry, nil
}

// Upsert stores a, replacing any existing authority of the same principal.
func (r *Repository) Upsert(ctx context.Context, companyID, streamID string, a models.Authority) error {
	const q = `INSERT INTO stream_permissions (company_id, stream_id, principal_id, role_ceiling, granted_by, granted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (company_id, stream_id, principal_id)
		DO UPDATE SET role_ceiling = EXCLUDED.role_ceiling, granted_by = EXCLUDED.granted_by, granted_at = EXCLUDED.granted_at`
	_, err := r.pool.Exec(ctx, q, companyID, streamID, a.PrincipalID, string(a.RoleCeiling), a.GrantedBy, a.GrantedAt)
	return err
}

// Remove deletes a principal's authority and reports whether one existed.
func (r *Repository) Remove(ctx context.Context, companyID, streamID, principalID string) (bool, error) {
	const q = `DELETE FROM stream_permissions WHERE company_id = $1 AND stream_id = $2 AND principal_id = $3`
	tag, err := r.pool.Exec(ctx, q, companyID, streamID, principalID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// List returns every entry of a tenant, or of all tenants when companyID is empty.
func (r *Repository) List(ctx context.Context, companyID string) ([]models.PermissionEntry, error) {
	const q = `SELECT company_id, stream_id, principal_id, role_ceiling, granted_by, granted_at FROM stream_permissions
		WHERE $1 = '' OR company_id = $1 ORDER BY company_id, stream_id, granted_at`
	rows, err := r.pool.Query(ctx, q, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.PermissionEntry
	for rows.Next() {
		var (
			company, stream string
			a               models.Authority
		)
		if err := rows.Scan(&company, &stream, &a.PrincipalID, &a.RoleCeiling, &a.GrantedBy, &a.GrantedAt); err != nil {
			return nil, err
		}
		n := len(list)
		if n == 0 || list[n-1].CompanyID != company || list[n-1].StreamID != stream {
			list = append(list, models.PermissionEntry{CompanyID: company, StreamID: stream})
			n++
		}
		list[n-1].Principals = append(list[n-1].Principals, a)
	}
	return list, rows.Err()
}
