package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strato-hq/strato/internal/models"
)

func TestCreateOrganization(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	h := NewHierarchyDB(mockDB)
	mock.ExpectExec("INSERT INTO organizations").WillReturnResult(sqlmock.NewResult(0, 1))

	org, err := h.CreateOrganization(context.Background(), &models.CreateOrganizationRequest{Name: "acme", DisplayName: "Acme"})
	require.NoError(t, err)
	assert.Equal(t, "acme", org.Name)
	assert.NotEmpty(t, org.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrganization_NotFound(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	h := NewHierarchyDB(mockDB)
	mock.ExpectQuery("SELECT (.+) FROM organizations WHERE id").WillReturnError(sql.ErrNoRows)

	org, err := h.GetOrganization(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, org)
}

func TestCreateOU_UnderOrganization(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	h := NewHierarchyDB(mockDB)
	now := time.Now()
	orgRows := sqlmock.NewRows([]string{"id", "name", "display_name", "description", "created_at", "updated_at"}).
		AddRow("org1", "acme", "Acme", "", now, now)
	mock.ExpectQuery("SELECT (.+) FROM organizations WHERE id").WillReturnRows(orgRows)
	mock.ExpectExec("INSERT INTO organizational_units").WillReturnResult(sqlmock.NewResult(0, 1))

	ou, err := h.CreateOU(context.Background(), &models.CreateOURequest{Name: "eng", ParentKind: models.ParentOrganization, ParentID: "org1"})
	require.NoError(t, err)
	assert.Equal(t, "org1", ou.OrgID)
	assert.Equal(t, "org1", ou.Path)
	assert.Equal(t, 0, ou.Depth)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOU_UnderMissingParentOU_Fails(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	h := NewHierarchyDB(mockDB)
	mock.ExpectQuery("SELECT path, depth, org_id FROM organizational_units WHERE id").WillReturnError(sql.ErrNoRows)

	_, err = h.CreateOU(context.Background(), &models.CreateOURequest{Name: "eng", ParentKind: models.ParentOrganizationalUnit, ParentID: "ghost"})
	assert.Error(t, err)
}

func TestGetOU_Found(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	h := NewHierarchyDB(mockDB)
	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "org_id", "name", "parent_kind", "parent_id", "path", "depth", "created_at", "updated_at"}).
		AddRow("ou1", "org1", "eng", "organization", "org1", "org1", 0, now, now)
	mock.ExpectQuery("SELECT (.+) FROM organizational_units WHERE id").WillReturnRows(rows)

	ou, err := h.GetOU(context.Background(), "ou1")
	require.NoError(t, err)
	require.NotNil(t, ou)
	assert.Equal(t, models.ParentOrganization, ou.Parent.Kind)
	assert.Equal(t, "org1", ou.Parent.ID)
}

func TestCreateProject_UnderOU(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	h := NewHierarchyDB(mockDB)
	now := time.Now()
	ouRows := sqlmock.NewRows([]string{"path", "depth", "org_id"}).AddRow("org1", 0, "org1")
	mock.ExpectQuery("SELECT path, depth, org_id FROM organizational_units WHERE id").WillReturnRows(ouRows)
	mock.ExpectExec("INSERT INTO projects").WillReturnResult(sqlmock.NewResult(0, 1))
	_ = now

	project, err := h.CreateProject(context.Background(), &models.CreateProjectRequest{
		Name: "web", ParentKind: models.ParentOrganizationalUnit, ParentID: "ou1",
		Environments: []string{"prod", "staging"}, DefaultEnvironment: "prod",
	})
	require.NoError(t, err)
	assert.Equal(t, "org1", project.OrgID)
	assert.Equal(t, "org1/ou1", project.Path)
	assert.Equal(t, 1, project.Depth)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProject_Found(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	h := NewHierarchyDB(mockDB)
	now := time.Now()
	envJSON, _ := json.Marshal([]string{"prod", "staging"})
	rows := sqlmock.NewRows([]string{"id", "org_id", "name", "parent_kind", "parent_id", "path", "depth", "environments", "default_environment", "created_at", "updated_at"}).
		AddRow("proj1", "org1", "web", "organizational_unit", "ou1", "org1/ou1", 1, envJSON, "prod", now, now)
	mock.ExpectQuery("SELECT (.+) FROM projects WHERE id").WillReturnRows(rows)

	project, err := h.GetProject(context.Background(), "proj1")
	require.NoError(t, err)
	require.NotNil(t, project)
	assert.Equal(t, []string{"prod", "staging"}, project.Environments)
}

func TestAddEnvironment_AlreadyPresent_NoOp(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	h := NewHierarchyDB(mockDB)
	now := time.Now()
	envJSON, _ := json.Marshal([]string{"prod"})
	rows := sqlmock.NewRows([]string{"id", "org_id", "name", "parent_kind", "parent_id", "path", "depth", "environments", "default_environment", "created_at", "updated_at"}).
		AddRow("proj1", "org1", "web", "organization", "org1", "org1", 0, envJSON, "prod", now, now)
	mock.ExpectQuery("SELECT (.+) FROM projects WHERE id").WillReturnRows(rows)

	require.NoError(t, h.AddEnvironment(context.Background(), "proj1", "prod"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddEnvironment_New_Persists(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	h := NewHierarchyDB(mockDB)
	now := time.Now()
	envJSON, _ := json.Marshal([]string{"prod"})
	rows := sqlmock.NewRows([]string{"id", "org_id", "name", "parent_kind", "parent_id", "path", "depth", "environments", "default_environment", "created_at", "updated_at"}).
		AddRow("proj1", "org1", "web", "organization", "org1", "org1", 0, envJSON, "prod", now, now)
	mock.ExpectQuery("SELECT (.+) FROM projects WHERE id").WillReturnRows(rows)
	mock.ExpectExec("UPDATE projects SET environments").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, h.AddEnvironment(context.Background(), "proj1", "staging"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScopeChain_ProjectUnderOrganization(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	h := NewHierarchyDB(mockDB)
	now := time.Now()
	envJSON, _ := json.Marshal([]string{"prod"})
	projRows := sqlmock.NewRows([]string{"id", "org_id", "name", "parent_kind", "parent_id", "path", "depth", "environments", "default_environment", "created_at", "updated_at"}).
		AddRow("proj1", "org1", "web", "organization", "org1", "org1", 0, envJSON, "prod", now, now)
	mock.ExpectQuery("SELECT (.+) FROM projects WHERE id").WillReturnRows(projRows)

	chain, err := h.ScopeChain("proj1")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, models.QuotaScopeProject, chain[0].Kind)
	assert.Equal(t, "proj1", chain[0].ID)
	assert.Equal(t, models.QuotaScopeOrganization, chain[1].Kind)
	assert.Equal(t, "org1", chain[1].ID)
}

func TestScopeChain_ProjectUnderOU_IncludesOUAndOrg(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	h := NewHierarchyDB(mockDB)
	now := time.Now()
	envJSON, _ := json.Marshal([]string{"prod"})
	projRows := sqlmock.NewRows([]string{"id", "org_id", "name", "parent_kind", "parent_id", "path", "depth", "environments", "default_environment", "created_at", "updated_at"}).
		AddRow("proj1", "org1", "web", "organizational_unit", "ou1", "org1/ou1", 1, envJSON, "prod", now, now)
	mock.ExpectQuery("SELECT (.+) FROM projects WHERE id").WillReturnRows(projRows)

	ouRows := sqlmock.NewRows([]string{"id", "org_id", "name", "parent_kind", "parent_id", "path", "depth", "created_at", "updated_at"}).
		AddRow("ou1", "org1", "eng", "organization", "org1", "org1", 0, now, now)
	mock.ExpectQuery("SELECT (.+) FROM organizational_units WHERE id").WillReturnRows(ouRows)

	chain, err := h.ScopeChain("proj1")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, models.QuotaScopeProject, chain[0].Kind)
	assert.Equal(t, models.QuotaScopeOU, chain[1].Kind)
	assert.Equal(t, "ou1", chain[1].ID)
	assert.Equal(t, models.QuotaScopeOrganization, chain[2].Kind)
	assert.Equal(t, "org1", chain[2].ID)
}
