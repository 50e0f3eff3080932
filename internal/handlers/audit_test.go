package handlers

import (
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
)

func setupAuditTest(t *testing.T) (*AuditHandler, sqlmock.Sqlmock, func()) {
	gin.SetMode(gin.TestMode)

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	database := db.NewDatabaseForTesting(mockDB)
	handler := NewAuditHandler(database)

	return handler, mock, func() { mockDB.Close() }
}

func TestListAuditEntries_Success(t *testing.T) {
	handler, mock, cleanup := setupAuditTest(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_log`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT id, actor, action, resource, ip_address, details, created_at\s+FROM audit_log`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "actor", "action", "resource", "ip_address", "details", "created_at"}).
			AddRow("a1", "user1", "create_vm", "vm/vm1", "10.0.0.1", []byte(`{"method":"POST"}`), now))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/api/v1/admin/audit", nil)

	handler.ListAuditEntries(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp AuditEntryListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Total)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "user1", resp.Entries[0].Actor)
	assert.Equal(t, "POST", resp.Entries[0].Details["method"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAuditEntries_WithFilters(t *testing.T) {
	handler, mock, cleanup := setupAuditTest(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_log WHERE actor = \$1 AND action = \$2`).
		WithArgs("user1", "create_vm").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT id, actor, action, resource, ip_address, details, created_at\s+FROM audit_log\s+WHERE actor = \$1 AND action = \$2`).
		WithArgs("user1", "create_vm", 100, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "actor", "action", "resource", "ip_address", "details", "created_at"}))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/api/v1/admin/audit?actor=user1&action=create_vm", nil)

	handler.ListAuditEntries(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAuditEntries_InvalidStartDate(t *testing.T) {
	handler, _, cleanup := setupAuditTest(t)
	defer cleanup()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/api/v1/admin/audit?start_date=not-a-date", nil)

	handler.ListAuditEntries(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAuditEntry_Success(t *testing.T) {
	handler, mock, cleanup := setupAuditTest(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery(`SELECT id, actor, action, resource, ip_address, details, created_at\s+FROM audit_log WHERE id = \$1`).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "actor", "action", "resource", "ip_address", "details", "created_at"}).
			AddRow("a1", "user1", "create_vm", "vm/vm1", "10.0.0.1", []byte(`{}`), now))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = []gin.Param{{Key: "id", Value: "a1"}}
	c.Request = httptest.NewRequest("GET", "/api/v1/admin/audit/a1", nil)

	handler.GetAuditEntry(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAuditEntry_NotFound(t *testing.T) {
	handler, mock, cleanup := setupAuditTest(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT id, actor, action, resource, ip_address, details, created_at\s+FROM audit_log WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "actor", "action", "resource", "ip_address", "details", "created_at"}))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = []gin.Param{{Key: "id", Value: "ghost"}}
	c.Request = httptest.NewRequest("GET", "/api/v1/admin/audit/ghost", nil)

	handler.GetAuditEntry(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExportAuditEntries_CSV(t *testing.T) {
	handler, mock, cleanup := setupAuditTest(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery(`SELECT id, actor, action, resource, ip_address, details, created_at\s+FROM audit_log`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "actor", "action", "resource", "ip_address", "details", "created_at"}).
			AddRow("a1", "user1", "create_vm", "vm/vm1", "10.0.0.1", []byte(`{}`), now))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/api/v1/admin/audit/export?format=csv", nil)

	handler.ExportAuditEntries(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "user1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExportAuditEntries_InvalidFormat(t *testing.T) {
	handler, _, cleanup := setupAuditTest(t)
	defer cleanup()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/api/v1/admin/audit/export?format=xml", nil)

	handler.ExportAuditEntries(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
