package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/strato-hq/strato/internal/models"
)

// VMDB persists VM rows and satisfies internal/lifecycle.Store.
type VMDB struct {
	db *sql.DB
}

func NewVMDB(db *sql.DB) *VMDB {
	return &VMDB{db: db}
}

func scanVM(row interface{ Scan(...interface{}) error }) (*models.VM, error) {
	vm := &models.VM{}
	var assignedAgentID, reservationHandle sql.NullString
	err := row.Scan(&vm.ID, &vm.Name, &vm.OwnerUserID, &vm.ProjectID, &vm.Environment,
		&vm.Requested.CPU, &vm.Requested.Memory, &vm.Requested.Disk,
		&assignedAgentID, &vm.State, &reservationHandle, &vm.SchedulingStrategy, &vm.FailureReason,
		&vm.CreatedAt, &vm.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if assignedAgentID.Valid {
		vm.AssignedAgentID = &assignedAgentID.String
	}
	if reservationHandle.Valid {
		vm.ReservationHandle = &reservationHandle.String
	}
	return vm, nil
}

const vmColumns = `id, name, owner_user_id, project_id, environment, cpu, memory, disk,
	assigned_agent_id, state, reservation_handle, COALESCE(scheduling_strategy,''), COALESCE(failure_reason,''),
	created_at, updated_at`

// NewVM builds a pending VM row ready for SaveVM; the coordinator assigns
// agent/reservation/state as it progresses through CreateVM.
func NewVM(ownerUserID, projectID, environment string, req *models.CreateVMRequest) *models.VM {
	return &models.VM{
		ID: uuid.New().String(), Name: req.Name, OwnerUserID: ownerUserID, ProjectID: projectID, Environment: environment,
		Requested:          models.Capacity{CPU: req.CPU, Memory: req.Memory, Disk: req.Disk},
		State:              models.VMPending,
		SchedulingStrategy: req.SchedulingStrategy,
		CreatedAt:          time.Now(), UpdatedAt: time.Now(),
	}
}

func (v *VMDB) SaveVM(vm *models.VM) error {
	_, err := v.db.Exec(
		`INSERT INTO vms (id, name, owner_user_id, project_id, environment, cpu, memory, disk,
		                   assigned_agent_id, state, reservation_handle, scheduling_strategy, failure_reason, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)`,
		vm.ID, vm.Name, vm.OwnerUserID, vm.ProjectID, vm.Environment,
		vm.Requested.CPU, vm.Requested.Memory, vm.Requested.Disk,
		vm.AssignedAgentID, vm.State, vm.ReservationHandle, vm.SchedulingStrategy, vm.FailureReason, time.Now())
	return err
}

func (v *VMDB) UpdateVM(vm *models.VM) error {
	vm.UpdatedAt = time.Now()
	_, err := v.db.Exec(
		`UPDATE vms SET name = $1, assigned_agent_id = $2, state = $3, reservation_handle = $4,
		 scheduling_strategy = $5, failure_reason = $6, updated_at = $7 WHERE id = $8`,
		vm.Name, vm.AssignedAgentID, vm.State, vm.ReservationHandle, vm.SchedulingStrategy, vm.FailureReason, vm.UpdatedAt, vm.ID)
	return err
}

func (v *VMDB) GetVM(id string) (*models.VM, error) {
	vm, err := scanVM(v.db.QueryRow(`SELECT `+vmColumns+` FROM vms WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return vm, nil
}

// ListActiveVMs implements lifecycle.Store: VMs whose reservations must be
// re-derived into the Registry on restart (running or mid-transition to it).
func (v *VMDB) ListActiveVMs() ([]*models.VM, error) {
	rows, err := v.db.Query(`SELECT `+vmColumns+` FROM vms WHERE state IN ('running','starting') ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.VM
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, vm)
	}
	return out, rows.Err()
}

func (v *VMDB) ListVMsForProject(ctx context.Context, projectID string) ([]*models.VM, error) {
	rows, err := v.db.QueryContext(ctx, `SELECT `+vmColumns+` FROM vms WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.VM
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, vm)
	}
	return out, rows.Err()
}

func (v *VMDB) ListVMsForAgent(ctx context.Context, agentID string) ([]*models.VM, error) {
	rows, err := v.db.QueryContext(ctx, `SELECT `+vmColumns+` FROM vms WHERE assigned_agent_id = $1 ORDER BY created_at DESC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.VM
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, vm)
	}
	return out, rows.Err()
}

func (v *VMDB) DeleteVM(ctx context.Context, id string) error {
	res, err := v.db.ExecContext(ctx, `DELETE FROM vms WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("vm not found")
	}
	return nil
}
