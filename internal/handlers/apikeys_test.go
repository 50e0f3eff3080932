package handlers

import (
	"bytes"
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

const testUserID = "user1"

func setupAPIKeyTest(t *testing.T) (*APIKeyHandler, sqlmock.Sqlmock, func()) {
	gin.SetMode(gin.TestMode)

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	apiKeyDB := db.NewAPIKeyDB(mockDB)
	handler := NewAPIKeyHandler(apiKeyDB)

	cleanup := func() {
		mockDB.Close()
	}

	return handler, mock, cleanup
}

func withUserContext(c *gin.Context) {
	c.Set(middleware.ContextKeyUserID, testUserID)
}

func TestCreateAPIKey_Success(t *testing.T) {
	handler, mock, cleanup := setupAPIKeyTest(t)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO api_keys`).
		WithArgs(sqlmock.AnyArg(), testUserID, "ci-bot", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	withUserContext(c)

	reqBody := models.CreateAPIKeyRequest{Name: "ci-bot"}
	bodyBytes, _ := json.Marshal(reqBody)
	c.Request = httptest.NewRequest("POST", "/api/v1/apikeys", bytes.NewBuffer(bodyBytes))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.CreateAPIKey(c)

	assert.Equal(t, http.StatusCreated, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	key, ok := response["key"].(string)
	require.True(t, ok)
	assert.Len(t, key, 64)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAPIKey_Unauthenticated(t *testing.T) {
	handler, _, cleanup := setupAPIKeyTest(t)
	defer cleanup()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	reqBody := models.CreateAPIKeyRequest{Name: "ci-bot"}
	bodyBytes, _ := json.Marshal(reqBody)
	c.Request = httptest.NewRequest("POST", "/api/v1/apikeys", bytes.NewBuffer(bodyBytes))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.CreateAPIKey(c)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreateAPIKey_InvalidExpiry(t *testing.T) {
	handler, _, cleanup := setupAPIKeyTest(t)
	defer cleanup()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	withUserContext(c)

	reqBody := models.CreateAPIKeyRequest{Name: "ci-bot", ExpiresIn: "bogus"}
	bodyBytes, _ := json.Marshal(reqBody)
	c.Request = httptest.NewRequest("POST", "/api/v1/apikeys", bytes.NewBuffer(bodyBytes))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.CreateAPIKey(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListAPIKeys_Success(t *testing.T) {
	handler, mock, cleanup := setupAPIKeyTest(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery(`SELECT id, user_id, name, prefix, last_used_at, expires_at, created_at\s+FROM api_keys WHERE user_id = \$1 ORDER BY created_at DESC`).
		WithArgs(testUserID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "name", "prefix", "last_used_at", "expires_at", "created_at",
		}).AddRow("key1", testUserID, "ci-bot", "a1b2c3d4", nil, nil, now))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	withUserContext(c)
	c.Request = httptest.NewRequest("GET", "/api/v1/apikeys", nil)

	handler.ListAPIKeys(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteAPIKey_Success(t *testing.T) {
	handler, mock, cleanup := setupAPIKeyTest(t)
	defer cleanup()

	keyID := "key1"

	mock.ExpectExec(`DELETE FROM api_keys WHERE id = \$1 AND user_id = \$2`).
		WithArgs(keyID, testUserID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	withUserContext(c)
	c.Params = []gin.Param{{Key: "id", Value: keyID}}
	c.Request = httptest.NewRequest("DELETE", "/api/v1/apikeys/"+keyID, nil)

	handler.DeleteAPIKey(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteAPIKey_NotFound(t *testing.T) {
	handler, mock, cleanup := setupAPIKeyTest(t)
	defer cleanup()

	keyID := "ghost"

	mock.ExpectExec(`DELETE FROM api_keys WHERE id = \$1 AND user_id = \$2`).
		WithArgs(keyID, testUserID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	withUserContext(c)
	c.Params = []gin.Param{{Key: "id", Value: keyID}}
	c.Request = httptest.NewRequest("DELETE", "/api/v1/apikeys/"+keyID, nil)

	handler.DeleteAPIKey(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
