package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/strato-hq/strato/internal/models"
	"github.com/strato-hq/strato/internal/quota"
)

// HierarchyDB handles organizations, organizational units, and projects: the
// materialized-path hierarchy VMs and quotas hang off of.
type HierarchyDB struct {
	db *sql.DB
}

func NewHierarchyDB(db *sql.DB) *HierarchyDB {
	return &HierarchyDB{db: db}
}

func (h *HierarchyDB) CreateOrganization(ctx context.Context, req *models.CreateOrganizationRequest) (*models.Organization, error) {
	org := &models.Organization{
		ID: uuid.New().String(), Name: req.Name, DisplayName: req.DisplayName, Description: req.Description,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, display_name, description, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		org.ID, org.Name, org.DisplayName, org.Description, org.CreatedAt, org.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating organization: %w", err)
	}
	return org, nil
}

func (h *HierarchyDB) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	org := &models.Organization{}
	err := h.db.QueryRowContext(ctx,
		`SELECT id, name, display_name, description, created_at, updated_at FROM organizations WHERE id = $1`, id,
	).Scan(&org.ID, &org.Name, &org.DisplayName, &org.Description, &org.CreatedAt, &org.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return org, nil
}

// pathFor resolves a new OU/project's materialized path and depth from its
// declared parent.
func (h *HierarchyDB) pathFor(ctx context.Context, parentKind models.ParentKind, parentID string) (path string, depth int, orgID string, err error) {
	switch parentKind {
	case models.ParentOrganization:
		org, err := h.GetOrganization(ctx, parentID)
		if err != nil {
			return "", 0, "", err
		}
		if org == nil {
			return "", 0, "", fmt.Errorf("parent organization not found")
		}
		return org.ID, 0, org.ID, nil
	case models.ParentOrganizationalUnit:
		var parentPath string
		var parentDepth int
		var parentOrgID string
		err := h.db.QueryRowContext(ctx, `SELECT path, depth, org_id FROM organizational_units WHERE id = $1`, parentID).
			Scan(&parentPath, &parentDepth, &parentOrgID)
		if err == sql.ErrNoRows {
			return "", 0, "", fmt.Errorf("parent organizational unit not found")
		}
		if err != nil {
			return "", 0, "", err
		}
		return parentPath + "/" + parentID, parentDepth + 1, parentOrgID, nil
	default:
		return "", 0, "", fmt.Errorf("unknown parent kind: %s", parentKind)
	}
}

func (h *HierarchyDB) CreateOU(ctx context.Context, req *models.CreateOURequest) (*models.OrganizationalUnit, error) {
	path, depth, orgID, err := h.pathFor(ctx, req.ParentKind, req.ParentID)
	if err != nil {
		return nil, err
	}
	ou := &models.OrganizationalUnit{
		ID: uuid.New().String(), OrgID: orgID, Name: req.Name,
		Parent:     models.Parent{Kind: req.ParentKind, ID: req.ParentID},
		ParentKind: string(req.ParentKind), ParentID: req.ParentID,
		Path: path, Depth: depth, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	_, err = h.db.ExecContext(ctx,
		`INSERT INTO organizational_units (id, org_id, name, parent_kind, parent_id, path, depth, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		ou.ID, ou.OrgID, ou.Name, ou.ParentKind, ou.ParentID, ou.Path, ou.Depth, ou.CreatedAt, ou.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating organizational unit: %w", err)
	}
	return ou, nil
}

func (h *HierarchyDB) GetOU(ctx context.Context, id string) (*models.OrganizationalUnit, error) {
	ou := &models.OrganizationalUnit{}
	err := h.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, parent_kind, parent_id, path, depth, created_at, updated_at
		 FROM organizational_units WHERE id = $1`, id,
	).Scan(&ou.ID, &ou.OrgID, &ou.Name, &ou.ParentKind, &ou.ParentID, &ou.Path, &ou.Depth, &ou.CreatedAt, &ou.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ou.Parent = models.Parent{Kind: models.ParentKind(ou.ParentKind), ID: ou.ParentID}
	return ou, nil
}

func (h *HierarchyDB) CreateProject(ctx context.Context, req *models.CreateProjectRequest) (*models.Project, error) {
	path, depth, orgID, err := h.pathFor(ctx, req.ParentKind, req.ParentID)
	if err != nil {
		return nil, err
	}
	envJSON, err := json.Marshal(req.Environments)
	if err != nil {
		return nil, fmt.Errorf("marshaling environments: %w", err)
	}
	project := &models.Project{
		ID: uuid.New().String(), OrgID: orgID, Name: req.Name,
		ParentKind: string(req.ParentKind), ParentID: req.ParentID,
		Path: path, Depth: depth, Environments: req.Environments, DefaultEnvironment: req.DefaultEnvironment,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	_, err = h.db.ExecContext(ctx,
		`INSERT INTO projects (id, org_id, name, parent_kind, parent_id, path, depth, environments, default_environment, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		project.ID, project.OrgID, project.Name, project.ParentKind, project.ParentID,
		project.Path, project.Depth, envJSON, project.DefaultEnvironment, project.CreatedAt, project.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating project: %w", err)
	}
	return project, nil
}

func (h *HierarchyDB) GetProject(ctx context.Context, id string) (*models.Project, error) {
	project := &models.Project{}
	var envJSON []byte
	err := h.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, parent_kind, parent_id, path, depth, environments, default_environment, created_at, updated_at
		 FROM projects WHERE id = $1`, id,
	).Scan(&project.ID, &project.OrgID, &project.Name, &project.ParentKind, &project.ParentID,
		&project.Path, &project.Depth, &envJSON, &project.DefaultEnvironment, &project.CreatedAt, &project.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(envJSON, &project.Environments); err != nil {
		return nil, fmt.Errorf("unmarshaling environments: %w", err)
	}
	return project, nil
}

func (h *HierarchyDB) AddEnvironment(ctx context.Context, projectID, env string) error {
	project, err := h.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project == nil {
		return fmt.Errorf("project not found")
	}
	if project.HasEnvironment(env) {
		return nil
	}
	project.Environments = append(project.Environments, env)
	envJSON, err := json.Marshal(project.Environments)
	if err != nil {
		return err
	}
	_, err = h.db.ExecContext(ctx, `UPDATE projects SET environments = $1, updated_at = $2 WHERE id = $3`,
		envJSON, time.Now(), projectID)
	return err
}

// ScopeChain implements quota.Store: it returns projectID's ancestor chain,
// project first, by walking the OU path segments up to the owning
// organization.
func (h *HierarchyDB) ScopeChain(projectID string) ([]quota.ScopeRef, error) {
	ctx := context.Background()
	project, err := h.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("project not found")
	}

	chain := []quota.ScopeRef{{Kind: models.QuotaScopeProject, ID: project.ID}}

	if project.ParentKind == string(models.ParentOrganizationalUnit) {
		ou, err := h.GetOU(ctx, project.ParentID)
		if err != nil {
			return nil, err
		}
		if ou != nil {
			segments := strings.Split(ou.Path+"/"+ou.ID, "/")
			// segments run root (org) to leaf; the chain needs leaf-to-root.
			for i := len(segments) - 1; i >= 0; i-- {
				if segments[i] == project.OrgID {
					continue
				}
				chain = append(chain, quota.ScopeRef{Kind: models.QuotaScopeOU, ID: segments[i]})
			}
		}
	}

	chain = append(chain, quota.ScopeRef{Kind: models.QuotaScopeOrganization, ID: project.OrgID})
	return chain, nil
}
