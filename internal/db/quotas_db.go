package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/strato-hq/strato/internal/models"
)

// QuotaDB persists resource quotas and reservations and satisfies
// internal/quota.Store.
type QuotaDB struct {
	db *sql.DB
}

func NewQuotaDB(db *sql.DB) *QuotaDB {
	return &QuotaDB{db: db}
}

// QuotaForScope implements quota.Store.
func (q *QuotaDB) QuotaForScope(kind models.QuotaScopeKind, id string, env *string) (*models.ResourceQuota, error) {
	row := &models.ResourceQuota{}
	var environment sql.NullString
	var query string
	var args []interface{}
	if env == nil {
		query = `SELECT id, scope_kind, scope_id, environment, max_cpu, max_memory, max_disk, max_vms,
		                 reserved_cpu, reserved_memory, reserved_disk, reserved_vms, enabled, created_at, updated_at
		          FROM resource_quotas WHERE scope_kind = $1 AND scope_id = $2 AND environment IS NULL`
		args = []interface{}{kind, id}
	} else {
		query = `SELECT id, scope_kind, scope_id, environment, max_cpu, max_memory, max_disk, max_vms,
		                 reserved_cpu, reserved_memory, reserved_disk, reserved_vms, enabled, created_at, updated_at
		          FROM resource_quotas WHERE scope_kind = $1 AND scope_id = $2 AND environment = $3`
		args = []interface{}{kind, id, *env}
	}
	err := q.db.QueryRow(query, args...).Scan(
		&row.ID, &row.ScopeKind, &row.ScopeID, &environment, &row.MaxCPU, &row.MaxMemory, &row.MaxDisk, &row.MaxVMs,
		&row.ReservedCPU, &row.ReservedMemory, &row.ReservedDisk, &row.ReservedVMs, &row.Enabled, &row.CreatedAt, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if environment.Valid {
		row.Environment = &environment.String
	}
	return row, nil
}

// AdjustReserved implements quota.Store: atomically adds delta to a quota's
// reserved counters.
func (q *QuotaDB) AdjustReserved(quotaID string, cpu, mem, disk, vms int64) error {
	_, err := q.db.Exec(
		`UPDATE resource_quotas SET reserved_cpu = reserved_cpu + $1, reserved_memory = reserved_memory + $2,
		 reserved_disk = reserved_disk + $3, reserved_vms = reserved_vms + $4, updated_at = $5 WHERE id = $6`,
		cpu, mem, disk, vms, time.Now(), quotaID)
	return err
}

func (q *QuotaDB) SaveReservation(r *models.Reservation) error {
	_, err := q.db.Exec(
		`INSERT INTO reservations (handle, vm_id, project_id, environment, cpu, memory, disk, committed, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.Handle, r.VMID, r.ProjectID, r.Environment, r.CPU, r.Memory, r.Disk, r.Committed, r.CreatedAt)
	return err
}

func (q *QuotaDB) GetReservation(handle string) (*models.Reservation, error) {
	r := &models.Reservation{}
	err := q.db.QueryRow(
		`SELECT handle, vm_id, project_id, environment, cpu, memory, disk, committed, created_at
		 FROM reservations WHERE handle = $1`, handle,
	).Scan(&r.Handle, &r.VMID, &r.ProjectID, &r.Environment, &r.CPU, &r.Memory, &r.Disk, &r.Committed, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (q *QuotaDB) MarkReservationCommitted(handle string) error {
	_, err := q.db.Exec(`UPDATE reservations SET committed = true WHERE handle = $1`, handle)
	return err
}

func (q *QuotaDB) DeleteReservation(handle string) error {
	_, err := q.db.Exec(`DELETE FROM reservations WHERE handle = $1`, handle)
	return err
}

func (q *QuotaDB) ListUncommittedOlderThan(cutoff time.Time) ([]*models.Reservation, error) {
	rows, err := q.db.Query(
		`SELECT handle, vm_id, project_id, environment, cpu, memory, disk, committed, created_at
		 FROM reservations WHERE committed = false AND created_at < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Reservation
	for rows.Next() {
		r := &models.Reservation{}
		if err := rows.Scan(&r.Handle, &r.VMID, &r.ProjectID, &r.Environment, &r.CPU, &r.Memory, &r.Disk, &r.Committed, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetQuota creates or replaces the quota at (scopeKind, scopeID, environment).
// Rejects lowering a max below what is already reserved, and is the only
// mutation path handlers should use (direct SQL elsewhere must not touch
// resource_quotas.max_*).
func (q *QuotaDB) SetQuota(ctx context.Context, scopeKind models.QuotaScopeKind, scopeID string, req *models.SetQuotaRequest) (*models.ResourceQuota, error) {
	existing, err := q.QuotaForScope(scopeKind, scopeID, req.Environment)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if req.MaxCPU < existing.ReservedCPU || req.MaxMemory < existing.ReservedMemory ||
			req.MaxDisk < existing.ReservedDisk || req.MaxVMs < existing.ReservedVMs {
			return nil, fmt.Errorf("new maximum is below currently reserved usage")
		}
		_, err := q.db.ExecContext(ctx,
			`UPDATE resource_quotas SET max_cpu = $1, max_memory = $2, max_disk = $3, max_vms = $4, updated_at = $5 WHERE id = $6`,
			req.MaxCPU, req.MaxMemory, req.MaxDisk, req.MaxVMs, time.Now(), existing.ID)
		if err != nil {
			return nil, fmt.Errorf("updating quota: %w", err)
		}
		existing.MaxCPU, existing.MaxMemory, existing.MaxDisk, existing.MaxVMs = req.MaxCPU, req.MaxMemory, req.MaxDisk, req.MaxVMs
		return existing, nil
	}

	quota := &models.ResourceQuota{
		ID: uuid.New().String(), ScopeKind: scopeKind, ScopeID: scopeID, Environment: req.Environment,
		MaxCPU: req.MaxCPU, MaxMemory: req.MaxMemory, MaxDisk: req.MaxDisk, MaxVMs: req.MaxVMs,
		Enabled: true, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO resource_quotas (id, scope_kind, scope_id, environment, max_cpu, max_memory, max_disk, max_vms,
		                               reserved_cpu, reserved_memory, reserved_disk, reserved_vms, enabled, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,0,0,0,true,$9,$9)`,
		quota.ID, quota.ScopeKind, quota.ScopeID, quota.Environment, quota.MaxCPU, quota.MaxMemory, quota.MaxDisk, quota.MaxVMs, quota.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating quota: %w", err)
	}
	return quota, nil
}

// DeleteQuota removes a quota, refusing if it still has live reservations.
func (q *QuotaDB) DeleteQuota(ctx context.Context, id string) error {
	quota := &models.ResourceQuota{}
	err := q.db.QueryRowContext(ctx, `SELECT reserved_cpu, reserved_memory, reserved_disk, reserved_vms FROM resource_quotas WHERE id = $1`, id).
		Scan(&quota.ReservedCPU, &quota.ReservedMemory, &quota.ReservedDisk, &quota.ReservedVMs)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if quota.ReservedCPU > 0 || quota.ReservedMemory > 0 || quota.ReservedDisk > 0 || quota.ReservedVMs > 0 {
		return fmt.Errorf("quota has live reservations")
	}
	_, err = q.db.ExecContext(ctx, `DELETE FROM resource_quotas WHERE id = $1`, id)
	return err
}

func (q *QuotaDB) GetQuota(ctx context.Context, id string) (*models.ResourceQuota, error) {
	row := &models.ResourceQuota{}
	var environment sql.NullString
	err := q.db.QueryRowContext(ctx,
		`SELECT id, scope_kind, scope_id, environment, max_cpu, max_memory, max_disk, max_vms,
		        reserved_cpu, reserved_memory, reserved_disk, reserved_vms, enabled, created_at, updated_at
		 FROM resource_quotas WHERE id = $1`, id,
	).Scan(&row.ID, &row.ScopeKind, &row.ScopeID, &environment, &row.MaxCPU, &row.MaxMemory, &row.MaxDisk, &row.MaxVMs,
		&row.ReservedCPU, &row.ReservedMemory, &row.ReservedDisk, &row.ReservedVMs, &row.Enabled, &row.CreatedAt, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if environment.Valid {
		row.Environment = &environment.String
	}
	return row, nil
}

func (q *QuotaDB) ListQuotasForScope(ctx context.Context, scopeKind models.QuotaScopeKind, scopeID string) ([]*models.ResourceQuota, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, scope_kind, scope_id, environment, max_cpu, max_memory, max_disk, max_vms,
		        reserved_cpu, reserved_memory, reserved_disk, reserved_vms, enabled, created_at, updated_at
		 FROM resource_quotas WHERE scope_kind = $1 AND scope_id = $2 ORDER BY environment NULLS FIRST`, scopeKind, scopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ResourceQuota
	for rows.Next() {
		row := &models.ResourceQuota{}
		var environment sql.NullString
		if err := rows.Scan(&row.ID, &row.ScopeKind, &row.ScopeID, &environment, &row.MaxCPU, &row.MaxMemory, &row.MaxDisk, &row.MaxVMs,
			&row.ReservedCPU, &row.ReservedMemory, &row.ReservedDisk, &row.ReservedVMs, &row.Enabled, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, err
		}
		if environment.Valid {
			row.Environment = &environment.String
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
