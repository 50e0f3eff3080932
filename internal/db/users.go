package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/strato-hq/strato/internal/models"
)

// UserDB handles database operations for users.
type UserDB struct {
	db *sql.DB
}

func NewUserDB(db *sql.DB) *UserDB {
	return &UserDB{db: db}
}

func (u *UserDB) DB() *sql.DB {
	return u.db
}

func (u *UserDB) CreateUser(ctx context.Context, orgID string, req *models.CreateUserRequest) (*models.User, error) {
	user := &models.User{
		ID: uuid.New().String(), OrgID: orgID, Username: req.Username, Email: req.Email, DisplayName: req.DisplayName,
		OrgRole: req.OrgRole, Provider: req.Provider, Active: true, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if user.OrgRole == "" {
		user.OrgRole = string(models.OrgRoleUser)
	}
	if user.Provider == "" {
		user.Provider = "local"
	}

	if user.Provider == "local" && req.Password != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hashing password: %w", err)
		}
		user.PasswordHash = string(hashed)
	}

	_, err := u.db.ExecContext(ctx,
		`INSERT INTO users (id, org_id, username, email, display_name, system_admin, org_role, provider, password_hash, active, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,false,$6,$7,$8,$9,$10,$10)`,
		user.ID, user.OrgID, user.Username, user.Email, user.DisplayName, user.OrgRole, user.Provider, user.PasswordHash, user.Active, user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return user, nil
}

const userColumns = `id, org_id, username, email, display_name, system_admin, COALESCE(org_role,''), provider, active, created_at, updated_at, last_login`

func scanUser(row interface{ Scan(...interface{}) error }) (*models.User, error) {
	user := &models.User{}
	var lastLogin sql.NullTime
	err := row.Scan(&user.ID, &user.OrgID, &user.Username, &user.Email, &user.DisplayName, &user.SystemAdmin,
		&user.OrgRole, &user.Provider, &user.Active, &user.CreatedAt, &user.UpdatedAt, &lastLogin)
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		user.LastLogin = &lastLogin.Time
	}
	return user, nil
}

func (u *UserDB) GetUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := scanUser(u.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return user, err
}

func (u *UserDB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	var lastLogin sql.NullTime
	err := u.db.QueryRowContext(ctx,
		`SELECT id, org_id, username, email, display_name, system_admin, COALESCE(org_role,''), provider, password_hash, active, created_at, updated_at, last_login
		 FROM users WHERE username = $1`, username,
	).Scan(&user.ID, &user.OrgID, &user.Username, &user.Email, &user.DisplayName, &user.SystemAdmin,
		&user.OrgRole, &user.Provider, &user.PasswordHash, &user.Active, &user.CreatedAt, &user.UpdatedAt, &lastLogin)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		user.LastLogin = &lastLogin.Time
	}
	return user, nil
}

func (u *UserDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	user, err := scanUser(u.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return user, err
}

func (u *UserDB) ListUsers(ctx context.Context, orgID string, activeOnly bool) ([]*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE org_id = $1`
	if activeOnly {
		query += ` AND active = true`
	}
	query += ` ORDER BY username ASC`

	rows, err := u.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (u *UserDB) UpdateUser(ctx context.Context, userID string, req *models.UpdateUserRequest) error {
	updates := []string{}
	args := []interface{}{}
	argIdx := 1

	if req.Email != nil {
		updates = append(updates, fmt.Sprintf("email = $%d", argIdx))
		args = append(args, *req.Email)
		argIdx++
	}
	if req.DisplayName != nil {
		updates = append(updates, fmt.Sprintf("display_name = $%d", argIdx))
		args = append(args, *req.DisplayName)
		argIdx++
	}
	if req.OrgRole != nil {
		updates = append(updates, fmt.Sprintf("org_role = $%d", argIdx))
		args = append(args, *req.OrgRole)
		argIdx++
	}
	if req.Active != nil {
		updates = append(updates, fmt.Sprintf("active = $%d", argIdx))
		args = append(args, *req.Active)
		argIdx++
	}
	if len(updates) == 0 {
		return nil
	}

	updates = append(updates, fmt.Sprintf("updated_at = $%d", argIdx))
	args = append(args, time.Now())
	argIdx++
	args = append(args, userID)

	query := fmt.Sprintf("UPDATE users SET %s WHERE id = $%d", join(updates, ", "), argIdx)
	_, err := u.db.ExecContext(ctx, query, args...)
	return err
}

func (u *UserDB) DeleteUser(ctx context.Context, userID string) error {
	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM group_memberships WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("deleting group memberships: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	return tx.Commit()
}

func (u *UserDB) UpdateLastLogin(ctx context.Context, userID string) error {
	_, err := u.db.ExecContext(ctx, `UPDATE users SET last_login = $1, updated_at = $1 WHERE id = $2`, time.Now(), userID)
	return err
}

func (u *UserDB) UpdatePassword(ctx context.Context, userID string, newPassword string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	_, err = u.db.ExecContext(ctx, `UPDATE users SET password_hash = $1, updated_at = $2 WHERE id = $3`,
		string(hashed), time.Now(), userID)
	return err
}

// VerifyPassword authenticates a local-provider user by bcrypt comparison,
// updating last_login on success.
func (u *UserDB) VerifyPassword(ctx context.Context, username, password string) (*models.User, error) {
	user, err := u.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("invalid credentials")
	}
	if user.Provider != "local" {
		return nil, fmt.Errorf("user is not configured for local authentication")
	}
	if !user.Active {
		return nil, fmt.Errorf("user account is disabled")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("invalid credentials")
	}

	_ = u.UpdateLastLogin(ctx, user.ID)
	return user, nil
}

// GetOrCreateSAMLUser implements just-in-time provisioning for SSO logins:
// an existing username is reused, otherwise a new non-local user is created.
func (u *UserDB) GetOrCreateSAMLUser(ctx context.Context, orgID, username, email, displayName, provider string) (*models.User, error) {
	user, err := u.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user != nil {
		_ = u.UpdateLastLogin(ctx, user.ID)
		return user, nil
	}

	return u.CreateUser(ctx, orgID, &models.CreateUserRequest{
		Username: username, Email: email, DisplayName: displayName, Provider: provider,
		OrgRole: string(models.OrgRoleUser),
	})
}

// AddUserToGroup adds userID to the group named groupName within userID's
// own organization, used by SSO group-claim syncing. A no-op if no such
// group exists yet (SSO groups are provisioned separately from the IdP
// assertion that names them).
func (u *UserDB) AddUserToGroup(ctx context.Context, userID, groupName string) error {
	var groupID string
	err := u.db.QueryRowContext(ctx,
		`SELECT g.id FROM groups g JOIN users u ON u.org_id = g.org_id WHERE u.id = $1 AND g.name = $2`,
		userID, groupName,
	).Scan(&groupID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = u.db.ExecContext(ctx,
		`INSERT INTO group_memberships (id, user_id, group_id, created_at) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (user_id, group_id) DO NOTHING`,
		uuid.New().String(), userID, groupID, time.Now())
	return err
}

func (u *UserDB) GetUserGroups(ctx context.Context, userID string) ([]string, error) {
	rows, err := u.db.QueryContext(ctx,
		`SELECT g.id FROM groups g JOIN group_memberships gm ON g.id = gm.group_id WHERE gm.user_id = $1 ORDER BY g.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groupIDs []string
	for rows.Next() {
		var groupID string
		if err := rows.Scan(&groupID); err != nil {
			return nil, err
		}
		groupIDs = append(groupIDs, groupID)
	}
	return groupIDs, rows.Err()
}

func join(strs []string, sep string) string {
	if len(strs) == 0 {
		return ""
	}
	result := strs[0]
	for i := 1; i < len(strs); i++ {
		result += sep + strs[i]
	}
	return result
}
