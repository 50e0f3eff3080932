package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strato-hq/strato/internal/models"
)

func TestNewVM_StartsPending(t *testing.T) {
	vm := NewVM("user1", "proj1", "prod", &models.CreateVMRequest{Name: "web-1", CPU: 2, Memory: 2, Disk: 2})
	assert.Equal(t, models.VMPending, vm.State)
	assert.Equal(t, "proj1", vm.ProjectID)
	assert.NotEmpty(t, vm.ID)
}

func TestSaveAndGetVM(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	vmDB := NewVMDB(mockDB)
	vm := NewVM("user1", "proj1", "prod", &models.CreateVMRequest{Name: "web-1", CPU: 2, Memory: 2, Disk: 2})

	mock.ExpectExec("INSERT INTO vms").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, vmDB.SaveVM(vm))

	rows := sqlmock.NewRows([]string{"id", "name", "owner_user_id", "project_id", "environment", "cpu", "memory", "disk",
		"assigned_agent_id", "state", "reservation_handle", "scheduling_strategy", "failure_reason", "created_at", "updated_at"}).
		AddRow(vm.ID, "web-1", "user1", "proj1", "prod", 2, 2, 2, nil, "pending", nil, "", "", time.Now(), time.Now())
	mock.ExpectQuery("SELECT (.+) FROM vms WHERE id").WillReturnRows(rows)

	got, err := vmDB.GetVM(vm.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "web-1", got.Name)
	assert.Nil(t, got.AssignedAgentID)
}

func TestGetVM_NotFound(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	vmDB := NewVMDB(mockDB)
	mock.ExpectQuery("SELECT (.+) FROM vms WHERE id").WillReturnError(sql.ErrNoRows)

	got, err := vmDB.GetVM("ghost")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListActiveVMs_FiltersByState(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	vmDB := NewVMDB(mockDB)
	rows := sqlmock.NewRows([]string{"id", "name", "owner_user_id", "project_id", "environment", "cpu", "memory", "disk",
		"assigned_agent_id", "state", "reservation_handle", "scheduling_strategy", "failure_reason", "created_at", "updated_at"}).
		AddRow("vm1", "web-1", "user1", "proj1", "prod", 2, 2, 2, "agent-1", "running", "h1", "", "", time.Now(), time.Now())
	mock.ExpectQuery("SELECT (.+) FROM vms WHERE state IN").WillReturnRows(rows)

	vms, err := vmDB.ListActiveVMs()
	require.NoError(t, err)
	require.Len(t, vms, 1)
	assert.Equal(t, models.VMRunning, vms[0].State)
	require.NotNil(t, vms[0].AssignedAgentID)
	assert.Equal(t, "agent-1", *vms[0].AssignedAgentID)
}

func TestDeleteVM_NotFound(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	vmDB := NewVMDB(mockDB)
	mock.ExpectExec("DELETE FROM vms WHERE id").WillReturnResult(sqlmock.NewResult(0, 0))

	err = vmDB.DeleteVM(context.Background(), "ghost")
	assert.Error(t, err)
}
