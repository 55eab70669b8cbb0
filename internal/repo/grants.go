package repo

import (
	"context"
	"database/sql"

	"flowboard/internal/domain"
)

func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, userID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO users(id, created_at) VALUES (?,?)`, userID, now)
	return err
}

func (r Repo) SetUserAdmin(ctx context.Context, tx *sql.Tx, userID string, admin bool) error {
	_, err := tx.ExecContext(ctx, `UPDATE users SET is_admin=? WHERE id=?`, boolInt(admin), userID)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	var name sql.NullString
	var isAdmin int
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,is_admin,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &name, &isAdmin, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.Name = name.String
	u.IsAdmin = isAdmin != 0
	return u, err
}

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO roles(id, description) VALUES (?,?)`, id, desc)
	return err
}

func (r Repo) AddRoleGrant(ctx context.Context, tx *sql.Tx, roleID, resource, action string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_grants(role_id, resource, action) VALUES (?,?,?)`, roleID, resource, action)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, userID, roleID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO user_roles(user_id, role_id) VALUES (?,?)`, userID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, userID, roleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id=? AND role_id=?`, userID, roleID)
	return err
}

func (r Repo) InsertDirectGrant(ctx context.Context, tx *sql.Tx, g domain.DirectGrant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO direct_grants(id,user_id,resource,action,process_id,stage_id,expires_at,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		g.ID, g.UserID, g.Resource, g.Action, nullableStringPtr(g.ProcessID), nullableStringPtr(g.StageID), nullableStringPtr(g.ExpiresAt), g.CreatedAt)
	return err
}

func (r Repo) DeleteDirectGrant(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM direct_grants WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UserRoleGrants returns the resource/action pairs implied by the
// user's roles.
func (r Repo) UserRoleGrants(ctx context.Context, userID string) ([]domain.RoleGrant, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT rg.role_id, rg.resource, rg.action
FROM user_roles ur
JOIN role_grants rg ON rg.role_id=ur.role_id
WHERE ur.user_id=?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoleGrant
	for rows.Next() {
		var g domain.RoleGrant
		if err := rows.Scan(&g.RoleID, &g.Resource, &g.Action); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// UserDirectGrants returns all direct grants for the user, including
// expired ones; the resolver decides expiry.
func (r Repo) UserDirectGrants(ctx context.Context, userID string) ([]domain.DirectGrant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,user_id,resource,action,process_id,stage_id,expires_at,created_at
FROM direct_grants WHERE user_id=?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DirectGrant
	for rows.Next() {
		var g domain.DirectGrant
		var processID, stageID, expires sql.NullString
		if err := rows.Scan(&g.ID, &g.UserID, &g.Resource, &g.Action, &processID, &stageID, &expires, &g.CreatedAt); err != nil {
			return nil, err
		}
		if processID.Valid {
			g.ProcessID = &processID.String
		}
		if stageID.Valid {
			g.StageID = &stageID.String
		}
		if expires.Valid {
			g.ExpiresAt = &expires.String
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// ScopedGrantExists reports whether any user holds an unexpired
// process- or stage-scoped grant for the resource/action at the
// target. Presence of such a record makes scoped resolution
// authoritative even for admins; an expired record leaves no
// restriction behind.
func (r Repo) ScopedGrantExists(ctx context.Context, resource, action, processID, stageID, now string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `
SELECT 1 FROM direct_grants
WHERE resource=? AND action=?
  AND (expires_at IS NULL OR expires_at > ?)
  AND ((stage_id IS NOT NULL AND stage_id=?) OR (stage_id IS NULL AND process_id IS NOT NULL AND process_id=?))
LIMIT 1`, resource, action, now, stageID, processID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListRoles(ctx context.Context) ([]domain.Role, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, COALESCE(description,'') FROM roles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Role
	for rows.Next() {
		var role domain.Role
		if err := rows.Scan(&role.ID, &role.Description); err != nil {
			return nil, err
		}
		res = append(res, role)
	}
	return res, rows.Err()
}

func (r Repo) UserRoles(ctx context.Context, userID string) ([]string, error) {
	return listStrings(ctx, r.DB, `SELECT role_id FROM user_roles WHERE user_id=?`, userID)
}
