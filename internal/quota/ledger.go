// Package quota implements the Quota Ledger: hierarchical, two-phase
// reservation accounting across organization -> OU -> project (optionally
// narrowed further to project+environment), generalizing the old
// multi-level "most restrictive wins" user/group quota enforcement into an
// explicit reserve/commit/release protocol with scope-chain locking.
package quota

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strato-hq/strato/internal/apierr"
	"github.com/strato-hq/strato/internal/logger"
	"github.com/strato-hq/strato/internal/models"
)

// CommitPolicy selects when a reservation's charge becomes permanent. The
// alternative (commit-on-reserve) is expressed but unused: the resolved
// default (spec §9/§12) is commit-on-running, i.e. Commit is called once
// the VM is durably observed running, not at reservation time.
type CommitPolicy int

const (
	CommitOnRunning CommitPolicy = iota
	CommitOnReserve
)

// ScopeRef is one link in a project's scope chain, ordered leaf (project)
// to root (organization).
type ScopeRef struct {
	Kind models.QuotaScopeKind
	ID   string
}

// Store is the persistence boundary the Ledger depends on.
type Store interface {
	// ScopeChain returns projectID's ancestor chain, project first, then its
	// parent OUs in order, ending at the owning organization.
	ScopeChain(projectID string) ([]ScopeRef, error)

	// QuotaForScope returns the enabled quota for (kind, id), scoped to env
	// if non-nil, or nil if none is configured (no constraint at that
	// scope).
	QuotaForScope(kind models.QuotaScopeKind, id string, env *string) (*models.ResourceQuota, error)

	// AdjustReserved atomically adds delta (possibly negative) to a quota's
	// reserved counters.
	AdjustReserved(quotaID string, cpu, mem, disk, vms int64) error

	SaveReservation(r *models.Reservation) error
	GetReservation(handle string) (*models.Reservation, error)
	MarkReservationCommitted(handle string) error
	DeleteReservation(handle string) error
	ListUncommittedOlderThan(cutoff time.Time) ([]*models.Reservation, error)
}

// Ledger is the Quota Ledger.
type Ledger struct {
	store  Store
	policy CommitPolicy

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(store Store) *Ledger {
	return &Ledger{
		store:  store,
		policy: CommitOnRunning,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) lockFor(scopeID string) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	m, ok := l.locks[scopeID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[scopeID] = m
	}
	return m
}

// scopeChain resolves projectID's ancestor chain alone, used up front to
// determine lock order before any quota is read.
func (l *Ledger) scopeChain(projectID string) ([]ScopeRef, error) {
	chain, err := l.store.ScopeChain(projectID)
	if err != nil {
		return nil, apierr.PersistenceUnavailable(err)
	}
	return chain, nil
}

// resolveQuotas resolves every enabled quota applicable to (projectID, env)
// given its already-resolved chain: the base (environment-less) quota at
// every scope in the chain, plus the environment-scoped quota at the
// project level if one exists. Per §12, both apply additively. Callers that
// act on the result (Reserve's headroom check) must hold every lock in
// orderedLockIDs(chain) first, so the reserved counters read here can't go
// stale before they're acted on.
func (l *Ledger) resolveQuotas(chain []ScopeRef, projectID, env string) ([]*models.ResourceQuota, error) {
	quotas := make([]*models.ResourceQuota, 0, len(chain)+1)
	for _, ref := range chain {
		q, err := l.store.QuotaForScope(ref.Kind, ref.ID, nil)
		if err != nil {
			return nil, apierr.PersistenceUnavailable(err)
		}
		quotas = append(quotas, q)
	}

	if len(chain) > 0 && chain[0].Kind == models.QuotaScopeProject {
		envQ, err := l.store.QuotaForScope(models.QuotaScopeProject, chain[0].ID, &env)
		if err != nil {
			return nil, apierr.PersistenceUnavailable(err)
		}
		if envQ != nil {
			quotas = append(quotas, envQ)
		}
	}

	return quotas, nil
}

// chainQuotas resolves both the chain and its quotas in one call, for
// callers (Release) that don't need the lock-then-reread split Reserve
// requires.
func (l *Ledger) chainQuotas(projectID, env string) ([]ScopeRef, []*models.ResourceQuota, error) {
	chain, err := l.scopeChain(projectID)
	if err != nil {
		return nil, nil, err
	}
	quotas, err := l.resolveQuotas(chain, projectID, env)
	if err != nil {
		return nil, nil, err
	}
	return chain, quotas, nil
}

// orderedLockIDs returns scope ids in root-first order so overlapping
// chains always acquire their shared prefix in the same sequence,
// preventing deadlock. ScopeChain returns leaf (project) first, so this is
// simply a reversal.
func orderedLockIDs(chain []ScopeRef) []string {
	reversed := make([]string, len(chain))
	for i, ref := range chain {
		reversed[len(chain)-1-i] = ref.ID
	}
	return reversed
}

// Reserve walks projectID's scope chain and, for every enabled quota found
// (including an additive environment-scoped one), verifies headroom for
// spec and one additional VM. All-or-nothing: if any quota lacks headroom,
// no counters change anywhere in the chain.
func (l *Ledger) Reserve(vmID, projectID, env string, spec models.Capacity) (handle string, err error) {
	chain, err := l.scopeChain(projectID)
	if err != nil {
		return "", err
	}

	lockIDs := orderedLockIDs(chain)
	for _, id := range lockIDs {
		l.lockFor(id).Lock()
	}
	defer func() {
		for i := len(lockIDs) - 1; i >= 0; i-- {
			l.lockFor(lockIDs[i]).Unlock()
		}
	}()

	// Quotas are read here, inside the lock, not before it: a pre-lock
	// snapshot would let two overlapping Reserve calls both see the same
	// stale reserved count, both pass headroom, and both adjust, pushing
	// reserved past max.
	quotas, err := l.resolveQuotas(chain, projectID, env)
	if err != nil {
		return "", err
	}

	for _, q := range quotas {
		if q == nil || !q.Enabled {
			continue
		}
		cpuHead, memHead, diskHead, vmHead := q.Headroom()
		if cpuHead < spec.CPU || memHead < spec.Memory || diskHead < spec.Disk || vmHead < 1 {
			return "", apierr.QuotaExceeded("quota exhausted in scope chain")
		}
	}

	for _, q := range quotas {
		if q == nil || !q.Enabled {
			continue
		}
		if err := l.store.AdjustReserved(q.ID, spec.CPU, spec.Memory, spec.Disk, 1); err != nil {
			return "", apierr.PersistenceUnavailable(err)
		}
	}

	handle = uuid.New().String()
	reservation := &models.Reservation{
		Handle:      handle,
		VMID:        vmID,
		ProjectID:   projectID,
		Environment: env,
		CPU:         spec.CPU,
		Memory:      spec.Memory,
		Disk:        spec.Disk,
		Committed:   l.policy == CommitOnReserve,
		CreatedAt:   time.Now(),
	}
	if err := l.store.SaveReservation(reservation); err != nil {
		return "", apierr.PersistenceUnavailable(err)
	}

	logger.Ledger().Info().Str("handle", handle).Str("vm_id", vmID).Msg("reservation created")
	return handle, nil
}

// Commit marks a reservation durable. The charged amounts remain; only the
// durability flag changes.
func (l *Ledger) Commit(handle string) error {
	if err := l.store.MarkReservationCommitted(handle); err != nil {
		return apierr.PersistenceUnavailable(err)
	}
	logger.Ledger().Info().Str("handle", handle).Msg("reservation committed")
	return nil
}

// Release decrements the charged counters back and removes the reservation.
func (l *Ledger) Release(handle string) error {
	reservation, err := l.store.GetReservation(handle)
	if err != nil {
		return apierr.PersistenceUnavailable(err)
	}
	if reservation == nil {
		return nil
	}

	chain, quotas, err := l.chainQuotas(reservation.ProjectID, reservation.Environment)
	if err != nil {
		return err
	}

	lockIDs := orderedLockIDs(chain)
	for _, id := range lockIDs {
		l.lockFor(id).Lock()
	}
	defer func() {
		for i := len(lockIDs) - 1; i >= 0; i-- {
			l.lockFor(lockIDs[i]).Unlock()
		}
	}()

	for _, q := range quotas {
		if q == nil || !q.Enabled {
			continue
		}
		if err := l.store.AdjustReserved(q.ID, -reservation.CPU, -reservation.Memory, -reservation.Disk, -1); err != nil {
			return apierr.PersistenceUnavailable(err)
		}
	}

	if err := l.store.DeleteReservation(handle); err != nil {
		return apierr.PersistenceUnavailable(err)
	}
	logger.Ledger().Info().Str("handle", handle).Msg("reservation released")
	return nil
}

// SweepExpired releases every uncommitted reservation older than ttl, run
// by a ticker (default every RESERVATION_TTL_SECS, spec §6).
func (l *Ledger) SweepExpired(ttl time.Duration) {
	expired, err := l.store.ListUncommittedOlderThan(time.Now().Add(-ttl))
	if err != nil {
		logger.Ledger().Error().Err(err).Msg("listing expired reservations failed")
		return
	}
	for _, r := range expired {
		if err := l.Release(r.Handle); err != nil {
			logger.Ledger().Error().Err(err).Str("handle", r.Handle).Msg("auto-release failed")
			continue
		}
		logger.Ledger().Warn().Str("handle", r.Handle).Msg("reservation auto-released on TTL expiry")
	}
}

// RunSweeper starts a ticker-driven TTL sweep, stopping when stopCh closes.
func (l *Ledger) RunSweeper(interval, ttl time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.SweepExpired(ttl)
		case <-stopCh:
			return
		}
	}
}
