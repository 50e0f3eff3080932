package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/strato-hq/strato/internal/models"
)

// GroupDB handles groups and their memberships, scoped to an organization.
type GroupDB struct {
	db *sql.DB
}

func NewGroupDB(db *sql.DB) *GroupDB {
	return &GroupDB{db: db}
}

func (g *GroupDB) CreateGroup(ctx context.Context, orgID string, req *models.CreateGroupRequest) (*models.Group, error) {
	group := &models.Group{
		ID: uuid.New().String(), OrgID: orgID, Name: req.Name, DisplayName: req.DisplayName, Description: req.Description,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO groups (id, org_id, name, display_name, description, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		group.ID, group.OrgID, group.Name, group.DisplayName, group.Description, group.CreatedAt, group.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating group: %w", err)
	}
	return group, nil
}

func (g *GroupDB) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	group := &models.Group{}
	err := g.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, display_name, description, created_at, updated_at FROM groups WHERE id = $1`, groupID,
	).Scan(&group.ID, &group.OrgID, &group.Name, &group.DisplayName, &group.Description, &group.CreatedAt, &group.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return group, nil
}

func (g *GroupDB) ListGroups(ctx context.Context, orgID string) ([]*models.Group, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT id, org_id, name, display_name, description, created_at, updated_at FROM groups WHERE org_id = $1 ORDER BY name`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*models.Group
	for rows.Next() {
		group := &models.Group{}
		if err := rows.Scan(&group.ID, &group.OrgID, &group.Name, &group.DisplayName, &group.Description, &group.CreatedAt, &group.UpdatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

func (g *GroupDB) DeleteGroup(ctx context.Context, groupID string) error {
	if _, err := g.db.ExecContext(ctx, `DELETE FROM group_memberships WHERE group_id = $1`, groupID); err != nil {
		return err
	}
	_, err := g.db.ExecContext(ctx, `DELETE FROM groups WHERE id = $1`, groupID)
	return err
}

func (g *GroupDB) AddGroupMember(ctx context.Context, groupID string, req *models.AddGroupMemberRequest) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO group_memberships (id, user_id, group_id, created_at) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (user_id, group_id) DO NOTHING`,
		uuid.New().String(), req.UserID, groupID, time.Now())
	return err
}

func (g *GroupDB) RemoveGroupMember(ctx context.Context, groupID, userID string) error {
	_, err := g.db.ExecContext(ctx, `DELETE FROM group_memberships WHERE group_id = $1 AND user_id = $2`, groupID, userID)
	return err
}

func (g *GroupDB) GetGroupMembers(ctx context.Context, groupID string) ([]*models.GroupMembership, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT id, user_id, group_id, created_at FROM group_memberships WHERE group_id = $1 ORDER BY created_at`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []*models.GroupMembership
	for rows.Next() {
		m := &models.GroupMembership{}
		if err := rows.Scan(&m.ID, &m.UserID, &m.GroupID, &m.CreatedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (g *GroupDB) IsGroupMember(ctx context.Context, groupID, userID string) (bool, error) {
	var exists bool
	err := g.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM group_memberships WHERE group_id = $1 AND user_id = $2)`, groupID, userID,
	).Scan(&exists)
	return exists, err
}
