package repo

import (
	"context"
	"errors"
	"time"

	"reviewline/internal/domain"
)

// GrantRole persists a role for an actor. Granting an already-held role is a
// no-op.
func (r Repo) GrantRole(ctx context.Context, actorID, role string) error {
	if actorID == "" || role == "" {
		return errors.New("actor_id and role required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO role_grants(actor_id, role, created_at) VALUES (?,?,?)`, actorID, role, now)
	return err
}

// RevokeRole removes a persistent role grant.
func (r Repo) RevokeRole(ctx context.Context, actorID, role string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM role_grants WHERE actor_id=? AND role=?`, actorID, role)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActorRoles returns the persistent roles granted to an actor.
func (r Repo) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role FROM role_grants WHERE actor_id=? ORDER BY role`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// ListRoleGrants returns every grant, optionally filtered by role.
func (r Repo) ListRoleGrants(ctx context.Context, role string) ([]domain.RoleGrant, error) {
	query := `SELECT actor_id, role, created_at FROM role_grants`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, role)
	}
	query += ` ORDER BY actor_id, role`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []domain.RoleGrant
	for rows.Next() {
		var g domain.RoleGrant
		if err := rows.Scan(&g.ActorID, &g.Role, &g.CreatedAt); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
