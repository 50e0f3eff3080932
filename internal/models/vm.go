package models

import "time"

// VMState is the VM runtime state machine (§4.8).
type VMState string

const (
	VMPending   VMState = "pending"
	VMScheduled VMState = "scheduled"
	VMStarting  VMState = "starting"
	VMRunning   VMState = "running"
	VMStopping  VMState = "stopping"
	VMStopped   VMState = "stopped"
	VMFailed    VMState = "failed"
	VMDeleted   VMState = "deleted"
)

// legalTransitions enumerates the reachable successors of each VM state.
var legalTransitions = map[VMState][]VMState{
	VMPending:   {VMScheduled, VMFailed, VMDeleted},
	VMScheduled: {VMStarting, VMFailed, VMDeleted},
	VMStarting:  {VMRunning, VMFailed, VMDeleted},
	VMRunning:   {VMStopping, VMFailed, VMDeleted},
	VMStopping:  {VMStopped, VMFailed, VMDeleted},
	VMStopped:   {VMStarting, VMDeleted},
	VMFailed:    {VMDeleted},
	VMDeleted:   {},
}

// CanTransition reports whether to is a legal successor of from.
func CanTransition(from, to VMState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// VM is a virtual machine owned by a Project/Environment.
type VM struct {
	ID                string    `json:"id" db:"id"`
	Name              string    `json:"name" db:"name"`
	OwnerUserID       string    `json:"owner_user_id" db:"owner_user_id"`
	ProjectID         string    `json:"project_id" db:"project_id"`
	Environment       string    `json:"environment" db:"environment"`
	Requested         Capacity  `json:"requested" db:"-"`
	AssignedAgentID   *string   `json:"assigned_agent_id" db:"assigned_agent_id"`
	State             VMState   `json:"state" db:"state"`
	ReservationHandle *string   `json:"reservation_handle" db:"reservation_handle"`
	SchedulingStrategy string   `json:"scheduling_strategy,omitempty" db:"scheduling_strategy"`
	FailureReason     string    `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// CreateVMRequest is the body of POST /projects/:id/vms.
type CreateVMRequest struct {
	Name               string `json:"name" binding:"required" validate:"required,min=1,max=100"`
	Environment        string `json:"environment" binding:"required" validate:"required"`
	CPU                int64  `json:"cpu" binding:"required" validate:"required,gt=0"`
	Memory             int64  `json:"memory" binding:"required" validate:"required,gt=0"`
	Disk               int64  `json:"disk" binding:"required" validate:"required,gt=0"`
	RequiredCapability string `json:"required_capability,omitempty"`
	SchedulingStrategy string `json:"scheduling_strategy,omitempty" validate:"omitempty,oneof=least_loaded best_fit round_robin random"`
}
