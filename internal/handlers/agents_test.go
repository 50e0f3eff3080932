package handlers

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strato-hq/strato/internal/db"
	"github.com/strato-hq/strato/internal/models"
	"github.com/strato-hq/strato/internal/registry"
)

type fakeRegistryStore struct{}

func (fakeRegistryStore) UpdateAgentStatus(agentID string, status models.AgentStatus) error {
	return nil
}
func (fakeRegistryStore) UpdateAgentHeartbeat(agentID string, available models.Capacity, at time.Time) error {
	return nil
}

type fakeMinter struct {
	token     string
	expiresAt time.Time
	err       error
}

func (f *fakeMinter) MintJoinToken(agentID, createdBy string, ttl time.Duration) (string, time.Time, error) {
	return f.token, f.expiresAt, f.err
}

type fakeChannelCloser struct{ closed string }

func (f *fakeChannelCloser) ForceClose(agentID string) { f.closed = agentID }

const agentColumnsQuery = `SELECT id, name, COALESCE\(hostname,''\), COALESCE\(version,''\), capabilities,\s+total_cpu, total_memory, total_disk, available_cpu, available_memory, available_disk,\s+status, last_heartbeat, COALESCE\(certificate_serial,''\), created_at, updated_at\s+FROM agents`

func setupAgentTest(t *testing.T) (*AgentHandler, sqlmock.Sqlmock, func()) {
	gin.SetMode(gin.TestMode)

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	agentDB := db.NewAgentDB(mockDB)
	reg := registry.New(time.Minute, fakeRegistryStore{})
	handler := NewAgentHandler(agentDB, reg, &fakeMinter{token: "tok1.secret", expiresAt: time.Now().Add(time.Minute)}, nil, &fakeChannelCloser{})

	return handler, mock, func() { mockDB.Close() }
}

func agentRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "hostname", "version", "capabilities",
		"total_cpu", "total_memory", "total_disk", "available_cpu", "available_memory", "available_disk",
		"status", "last_heartbeat", "certificate_serial", "created_at", "updated_at",
	}).AddRow("agent1", "agent1", "host1", "1.0", []byte(`["kvm"]`),
		int64(16), int64(64), int64(1000), int64(8), int64(32), int64(500),
		models.AgentOnline, time.Now(), "serial1", time.Now(), time.Now())
}

func TestListAgents_Success(t *testing.T) {
	handler, mock, cleanup := setupAgentTest(t)
	defer cleanup()

	mock.ExpectQuery(agentColumnsQuery).WillReturnRows(agentRow())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/api/v1/agents", nil)

	handler.ListAgents(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAgent_NotFound(t *testing.T) {
	handler, mock, cleanup := setupAgentTest(t)
	defer cleanup()

	mock.ExpectQuery(agentColumnsQuery + `\s+WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = []gin.Param{{Key: "id", Value: "ghost"}}
	c.Request = httptest.NewRequest("GET", "/api/v1/agents/ghost", nil)

	handler.GetAgent(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMintJoinToken_Success(t *testing.T) {
	handler, _, cleanup := setupAgentTest(t)
	defer cleanup()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	withCaller(c)
	c.Request = httptest.NewRequest("POST", "/api/v1/agents/join-tokens", strings.NewReader(`{"agent_id":"agent1"}`))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.MintJoinToken(c)

	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestRevokeAgent_NoCertificate(t *testing.T) {
	handler, mock, cleanup := setupAgentTest(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{
		"id", "name", "hostname", "version", "capabilities",
		"total_cpu", "total_memory", "total_disk", "available_cpu", "available_memory", "available_disk",
		"status", "last_heartbeat", "certificate_serial", "created_at", "updated_at",
	}).AddRow("agent1", "agent1", "host1", "1.0", []byte(`["kvm"]`),
		int64(16), int64(64), int64(1000), int64(8), int64(32), int64(500),
		models.AgentOnline, time.Now(), "", time.Now(), time.Now())

	mock.ExpectQuery(agentColumnsQuery + `\s+WHERE id = \$1`).
		WithArgs("agent1").
		WillReturnRows(rows)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = []gin.Param{{Key: "id", Value: "agent1"}}
	c.Request = httptest.NewRequest("DELETE", "/api/v1/agents/agent1", nil)

	handler.RevokeAgent(c)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
