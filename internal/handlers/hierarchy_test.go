package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strato-hq/strato/internal/db"
	"github.com/strato-hq/strato/internal/models"
)

func setupHierarchyTest(t *testing.T) (*HierarchyHandler, sqlmock.Sqlmock, func()) {
	gin.SetMode(gin.TestMode)

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	handler := NewHierarchyHandler(db.NewHierarchyDB(mockDB))

	return handler, mock, func() { mockDB.Close() }
}

func TestCreateOrganization_Success(t *testing.T) {
	handler, mock, cleanup := setupHierarchyTest(t)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO organizations`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	body, _ := json.Marshal(models.CreateOrganizationRequest{Name: "acme", DisplayName: "Acme Corp"})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/api/v1/organizations", bytes.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.CreateOrganization(c)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrganization_NotFound(t *testing.T) {
	handler, mock, cleanup := setupHierarchyTest(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT id, name, display_name, description, created_at, updated_at FROM organizations WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = []gin.Param{{Key: "id", Value: "ghost"}}
	c.Request = httptest.NewRequest("GET", "/api/v1/organizations/ghost", nil)

	handler.GetOrganization(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrganization_Success(t *testing.T) {
	handler, mock, cleanup := setupHierarchyTest(t)
	defer cleanup()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "name", "display_name", "description", "created_at", "updated_at"}).
		AddRow("org1", "acme", "Acme Corp", "", now, now)

	mock.ExpectQuery(`SELECT id, name, display_name, description, created_at, updated_at FROM organizations WHERE id = \$1`).
		WithArgs("org1").
		WillReturnRows(rows)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = []gin.Param{{Key: "id", Value: "org1"}}
	c.Request = httptest.NewRequest("GET", "/api/v1/organizations/org1", nil)

	handler.GetOrganization(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateProject_InvalidDefaultEnvironment(t *testing.T) {
	handler, _, cleanup := setupHierarchyTest(t)
	defer cleanup()

	body, _ := json.Marshal(models.CreateProjectRequest{
		Name: "web", ParentKind: models.ParentOrganization, ParentID: "org1",
		Environments: []string{"staging", "prod"}, DefaultEnvironment: "dev",
	})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/api/v1/projects", bytes.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.CreateProject(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetProject_NotFound(t *testing.T) {
	handler, mock, cleanup := setupHierarchyTest(t)
	defer cleanup()

	mock.ExpectQuery(`(?s)SELECT id, org_id, name, parent_kind, parent_id, path, depth, environments, default_environment, created_at, updated_at\s+FROM projects WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = []gin.Param{{Key: "id", Value: "ghost"}}
	c.Request = httptest.NewRequest("GET", "/api/v1/projects/ghost", nil)

	handler.GetProject(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
