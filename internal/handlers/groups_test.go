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
	"github.com/strato-hq/strato/internal/middleware"
	"github.com/strato-hq/strato/internal/models"
)

const testOrgID = "org123"

func setupGroupTest(t *testing.T) (*GroupHandler, sqlmock.Sqlmock, func()) {
	gin.SetMode(gin.TestMode)

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	groupDB := db.NewGroupDB(mockDB)
	userDB := db.NewUserDB(mockDB)

	handler := NewGroupHandler(groupDB, userDB)

	cleanup := func() {
		mockDB.Close()
	}

	return handler, mock, cleanup
}

func withOrgContext(c *gin.Context) {
	c.Set(middleware.ContextKeyOrgID, testOrgID)
}

func TestListGroups_Success(t *testing.T) {
	handler, mock, cleanup := setupGroupTest(t)
	defer cleanup()

	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "org_id", "name", "display_name", "description", "created_at", "updated_at",
	}).
		AddRow("group1", testOrgID, "engineering", "Engineering", "Engineering Team", now, now).
		AddRow("group2", testOrgID, "sales", "Sales", "Sales Team", now, now)

	mock.ExpectQuery(`SELECT id, org_id, name, display_name, description, created_at, updated_at FROM groups WHERE org_id = \$1 ORDER BY name`).
		WithArgs(testOrgID).
		WillReturnRows(rows)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	withOrgContext(c)
	c.Request = httptest.NewRequest("GET", "/api/v1/groups", nil)

	handler.ListGroups(c)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, float64(2), response["total"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListGroups_MissingOrgContext(t *testing.T) {
	handler, _, cleanup := setupGroupTest(t)
	defer cleanup()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/api/v1/groups", nil)

	handler.ListGroups(c)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreateGroup_Success(t *testing.T) {
	handler, mock, cleanup := setupGroupTest(t)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO groups`).
		WithArgs(sqlmock.AnyArg(), testOrgID, "engineering", "Engineering", "Engineering Team", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	withOrgContext(c)

	reqBody := models.CreateGroupRequest{
		Name:        "engineering",
		DisplayName: "Engineering",
		Description: "Engineering Team",
	}
	bodyBytes, _ := json.Marshal(reqBody)
	c.Request = httptest.NewRequest("POST", "/api/v1/groups", bytes.NewBuffer(bodyBytes))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.CreateGroup(c)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetGroup_Success(t *testing.T) {
	handler, mock, cleanup := setupGroupTest(t)
	defer cleanup()

	groupID := "group123"
	now := time.Now()

	mock.ExpectQuery(`SELECT id, org_id, name, display_name, description, created_at, updated_at FROM groups WHERE id = \$1`).
		WithArgs(groupID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "org_id", "name", "display_name", "description", "created_at", "updated_at",
		}).AddRow(groupID, testOrgID, "engineering", "Engineering", "Engineering Team", now, now))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = []gin.Param{{Key: "id", Value: groupID}}
	c.Request = httptest.NewRequest("GET", "/api/v1/groups/"+groupID, nil)

	handler.GetGroup(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetGroup_NotFound(t *testing.T) {
	handler, mock, cleanup := setupGroupTest(t)
	defer cleanup()

	groupID := "group123"

	mock.ExpectQuery(`SELECT id, org_id, name, display_name, description, created_at, updated_at FROM groups WHERE id = \$1`).
		WithArgs(groupID).
		WillReturnError(sql.ErrNoRows)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = []gin.Param{{Key: "id", Value: groupID}}
	c.Request = httptest.NewRequest("GET", "/api/v1/groups/"+groupID, nil)

	handler.GetGroup(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteGroup_Success(t *testing.T) {
	handler, mock, cleanup := setupGroupTest(t)
	defer cleanup()

	groupID := "group123"

	mock.ExpectExec(`DELETE FROM group_memberships WHERE group_id = \$1`).
		WithArgs(groupID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM groups WHERE id = \$1`).
		WithArgs(groupID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = []gin.Param{{Key: "id", Value: groupID}}
	c.Request = httptest.NewRequest("DELETE", "/api/v1/groups/"+groupID, nil)

	handler.DeleteGroup(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetGroupMembers_Success(t *testing.T) {
	handler, mock, cleanup := setupGroupTest(t)
	defer cleanup()

	groupID := "group123"
	userID := "user1"
	now := time.Now()

	mock.ExpectQuery(`SELECT id, user_id, group_id, created_at FROM group_memberships WHERE group_id = \$1 ORDER BY created_at`).
		WithArgs(groupID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "group_id", "created_at",
		}).AddRow("mem1", userID, groupID, now))

	mock.ExpectQuery(`SELECT .+ FROM users WHERE id = \$1`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "org_id", "username", "email", "display_name", "system_admin", "org_role", "provider", "active", "created_at", "updated_at", "last_login",
		}).AddRow(userID, testOrgID, "alice", "alice@example.com", "Alice Smith", false, "user", "local", true, now, now, nil))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = []gin.Param{{Key: "id", Value: groupID}}
	c.Request = httptest.NewRequest("GET", "/api/v1/groups/"+groupID+"/members", nil)

	handler.GetGroupMembers(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddGroupMember_Success(t *testing.T) {
	handler, mock, cleanup := setupGroupTest(t)
	defer cleanup()

	groupID := "group123"
	userID := "user1"

	mock.ExpectQuery(`SELECT .+ FROM users WHERE id = \$1`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "org_id", "username", "email", "display_name", "system_admin", "org_role", "provider", "active", "created_at", "updated_at", "last_login",
		}).AddRow(userID, testOrgID, "alice", "alice@example.com", "Alice Smith", false, "user", "local", true, time.Now(), time.Now(), nil))

	mock.ExpectExec(`INSERT INTO group_memberships`).
		WithArgs(sqlmock.AnyArg(), userID, groupID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = []gin.Param{{Key: "id", Value: groupID}}

	reqBody := models.AddGroupMemberRequest{UserID: userID}
	bodyBytes, _ := json.Marshal(reqBody)
	c.Request = httptest.NewRequest("POST", "/api/v1/groups/"+groupID+"/members", bytes.NewBuffer(bodyBytes))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.AddGroupMember(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddGroupMember_UserNotFound(t *testing.T) {
	handler, mock, cleanup := setupGroupTest(t)
	defer cleanup()

	groupID := "group123"
	userID := "ghost"

	mock.ExpectQuery(`SELECT .+ FROM users WHERE id = \$1`).
		WithArgs(userID).
		WillReturnError(sql.ErrNoRows)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = []gin.Param{{Key: "id", Value: groupID}}

	reqBody := models.AddGroupMemberRequest{UserID: userID}
	bodyBytes, _ := json.Marshal(reqBody)
	c.Request = httptest.NewRequest("POST", "/api/v1/groups/"+groupID+"/members", bytes.NewBuffer(bodyBytes))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.AddGroupMember(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveGroupMember_Success(t *testing.T) {
	handler, mock, cleanup := setupGroupTest(t)
	defer cleanup()

	groupID := "group123"
	userID := "user1"

	mock.ExpectExec(`DELETE FROM group_memberships WHERE group_id = \$1 AND user_id = \$2`).
		WithArgs(groupID, userID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = []gin.Param{{Key: "id", Value: groupID}, {Key: "userId", Value: userID}}
	c.Request = httptest.NewRequest("DELETE", "/api/v1/groups/"+groupID+"/members/"+userID, nil)

	handler.RemoveGroupMember(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
