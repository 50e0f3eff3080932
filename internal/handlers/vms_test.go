package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strato-hq/strato/internal/agentchannel"
	"github.com/strato-hq/strato/internal/db"
	"github.com/strato-hq/strato/internal/lifecycle"
	"github.com/strato-hq/strato/internal/middleware"
	"github.com/strato-hq/strato/internal/models"
)

type fakeLedger struct {
	handle    string
	reserveErr error
}

func (f *fakeLedger) Reserve(vmID, projectID, env string, spec models.Capacity) (string, error) {
	if f.reserveErr != nil {
		return "", f.reserveErr
	}
	return f.handle, nil
}
func (f *fakeLedger) Commit(handle string) error  { return nil }
func (f *fakeLedger) Release(handle string) error { return nil }

type fakeRegistry struct {
	snapshot []models.AgentSnapshotEntry
}

func (f *fakeRegistry) Snapshot() []models.AgentSnapshotEntry { return f.snapshot }
func (f *fakeRegistry) Reserve(agentID string, delta models.Capacity) error   { return nil }
func (f *fakeRegistry) Unreserve(agentID string, delta models.Capacity) error { return nil }

type fakeScheduler struct {
	agentID string
	err     error
}

func (f *fakeScheduler) SelectAgent(snapshot []models.AgentSnapshotEntry, requested models.Capacity, requiredCapability, strategyOverride string) (string, error) {
	return f.agentID, f.err
}

type fakeAuthorizer struct{ denyErr error }

func (f *fakeAuthorizer) RequirePermission(ctx context.Context, subject, permission, resource string) error {
	return f.denyErr
}

type fakeChannel struct {
	result agentchannel.Result
	err    error
}

func (f *fakeChannel) Send(agentID, op string, vm []byte) (agentchannel.Result, error) {
	return f.result, f.err
}

type fakeStore struct {
	project *models.Project
	vms     map[string]*models.VM
}

func (f *fakeStore) GetProject(projectID string) (*models.Project, error) { return f.project, nil }
func (f *fakeStore) SaveVM(vm *models.VM) error                           { f.vms[vm.ID] = vm; return nil }
func (f *fakeStore) UpdateVM(vm *models.VM) error                        { f.vms[vm.ID] = vm; return nil }
func (f *fakeStore) GetVM(id string) (*models.VM, error)                 { return f.vms[id], nil }
func (f *fakeStore) ListActiveVMs() ([]*models.VM, error)                { return nil, nil }

func withCaller(c *gin.Context) {
	c.Set(middleware.ContextKeyUserID, "user1")
}

func TestCreateVM_Success(t *testing.T) {
	gin.SetMode(gin.TestMode)

	store := &fakeStore{
		project: &models.Project{ID: "proj1", Environments: []string{"prod"}},
		vms:     map[string]*models.VM{},
	}
	coordinator := lifecycle.New(
		&fakeLedger{handle: "h1"},
		&fakeRegistry{snapshot: []models.AgentSnapshotEntry{{AgentID: "agent1", Status: models.AgentOnline}}},
		&fakeScheduler{agentID: "agent1"},
		&fakeAuthorizer{},
		&fakeChannel{result: agentchannel.Result{Outcome: agentchannel.OutcomeOK}},
		store,
	)
	handler := NewVMHandler(coordinator, nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	withCaller(c)
	c.Params = []gin.Param{{Key: "id", Value: "proj1"}}

	reqBody := models.CreateVMRequest{Name: "vm1", Environment: "prod", CPU: 2, Memory: 4, Disk: 50}
	bodyBytes, _ := json.Marshal(reqBody)
	c.Request = httptest.NewRequest("POST", "/api/v1/projects/proj1/vms", bytes.NewBuffer(bodyBytes))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.CreateVM(c)

	assert.Equal(t, http.StatusCreated, w.Code)
	var vm models.VM
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vm))
	assert.Equal(t, models.VMStarting, vm.State)
}

func TestCreateVM_Unauthenticated(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewVMHandler(lifecycle.New(&fakeLedger{}, &fakeRegistry{}, &fakeScheduler{}, &fakeAuthorizer{}, &fakeChannel{}, &fakeStore{vms: map[string]*models.VM{}}), nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = []gin.Param{{Key: "id", Value: "proj1"}}
	reqBody := models.CreateVMRequest{Name: "vm1", Environment: "prod", CPU: 2, Memory: 4, Disk: 50}
	bodyBytes, _ := json.Marshal(reqBody)
	c.Request = httptest.NewRequest("POST", "/api/v1/projects/proj1/vms", bytes.NewBuffer(bodyBytes))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.CreateVM(c)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetVM_NotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	vmDB := db.NewVMDB(mockDB)
	handler := NewVMHandler(nil, vmDB)

	mock.ExpectQuery(`(?s)SELECT.*FROM vms WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = []gin.Param{{Key: "id", Value: "ghost"}}
	c.Request = httptest.NewRequest("GET", "/api/v1/vms/ghost", nil)

	handler.GetVM(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteVM_Success(t *testing.T) {
	gin.SetMode(gin.TestMode)

	vm := &models.VM{ID: "vm1", State: models.VMRunning, AssignedAgentID: strPtr("agent1"), Requested: models.Capacity{CPU: 2}}
	store := &fakeStore{vms: map[string]*models.VM{"vm1": vm}}
	coordinator := lifecycle.New(
		&fakeLedger{},
		&fakeRegistry{},
		&fakeScheduler{},
		&fakeAuthorizer{},
		&fakeChannel{result: agentchannel.Result{Outcome: agentchannel.OutcomeOK}},
		store,
	)
	handler := NewVMHandler(coordinator, nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	withCaller(c)
	c.Params = []gin.Param{{Key: "id", Value: "vm1"}}
	c.Request = httptest.NewRequest("DELETE", "/api/v1/vms/vm1", nil)

	handler.DeleteVM(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.VMDeleted, store.vms["vm1"].State)
}

func strPtr(s string) *string { return &s }
