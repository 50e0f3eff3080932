package models

import "time"

// QuotaScopeKind distinguishes what a ResourceQuota is attached to. Modeled
// as a tagged sum, like Parent: the Ledger dispatches walk-up behavior by
// this tag rather than branching on which nullable field is set.
type QuotaScopeKind string

const (
	QuotaScopeOrganization QuotaScopeKind = "organization"
	QuotaScopeOU           QuotaScopeKind = "organizational_unit"
	QuotaScopeProject      QuotaScopeKind = "project"
)

// ResourceQuota declares maxima for a scope, optionally narrowed to one
// environment within that scope. Per §12's resolution, an environment-scoped
// quota and its project-scope quota both apply, additively.
type ResourceQuota struct {
	ID            string         `json:"id" db:"id"`
	ScopeKind     QuotaScopeKind `json:"scope_kind" db:"scope_kind"`
	ScopeID       string         `json:"scope_id" db:"scope_id"`
	Environment   *string        `json:"environment,omitempty" db:"environment"`
	MaxCPU        int64          `json:"max_cpu" db:"max_cpu"`
	MaxMemory     int64          `json:"max_memory" db:"max_memory"`
	MaxDisk       int64          `json:"max_disk" db:"max_disk"`
	MaxVMs        int64          `json:"max_vms" db:"max_vms"`
	ReservedCPU   int64          `json:"reserved_cpu" db:"reserved_cpu"`
	ReservedMemory int64         `json:"reserved_memory" db:"reserved_memory"`
	ReservedDisk  int64          `json:"reserved_disk" db:"reserved_disk"`
	ReservedVMs   int64          `json:"reserved_vms" db:"reserved_vms"`
	Enabled       bool           `json:"enabled" db:"enabled"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}

// Headroom returns how much of each dimension remains before max is hit.
func (q *ResourceQuota) Headroom() (cpu, mem, disk, vms int64) {
	return q.MaxCPU - q.ReservedCPU, q.MaxMemory - q.ReservedMemory, q.MaxDisk - q.ReservedDisk, q.MaxVMs - q.ReservedVMs
}

type SetQuotaRequest struct {
	Environment *string `json:"environment,omitempty"`
	MaxCPU      int64   `json:"max_cpu" binding:"required" validate:"required,gt=0"`
	MaxMemory   int64   `json:"max_memory" binding:"required" validate:"required,gt=0"`
	MaxDisk     int64   `json:"max_disk" binding:"required" validate:"required,gt=0"`
	MaxVMs      int64   `json:"max_vms" binding:"required" validate:"required,gt=0"`
}

// Reservation is a durable row backing a Ledger handle, used for restart
// reconciliation and the TTL sweeper.
type Reservation struct {
	Handle      string    `json:"handle" db:"handle"`
	VMID        string    `json:"vm_id" db:"vm_id"`
	ProjectID   string    `json:"project_id" db:"project_id"`
	Environment string    `json:"environment" db:"environment"`
	CPU         int64     `json:"cpu" db:"cpu"`
	Memory      int64     `json:"memory" db:"memory"`
	Disk        int64     `json:"disk" db:"disk"`
	Committed   bool      `json:"committed" db:"committed"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
