package quota

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strato-hq/strato/internal/models"
)

// fakeStore is an in-memory Store good enough to exercise the Ledger's
// reserve/commit/release bookkeeping without a database.
type fakeStore struct {
	mu           sync.Mutex
	chains       map[string][]ScopeRef
	quotas       map[string]*models.ResourceQuota
	envQuotas    map[string]*models.ResourceQuota
	reservations map[string]*models.Reservation
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chains:       make(map[string][]ScopeRef),
		quotas:       make(map[string]*models.ResourceQuota),
		envQuotas:    make(map[string]*models.ResourceQuota),
		reservations: make(map[string]*models.Reservation),
	}
}

func (s *fakeStore) ScopeChain(projectID string) ([]ScopeRef, error) {
	return s.chains[projectID], nil
}

func (s *fakeStore) QuotaForScope(kind models.QuotaScopeKind, id string, env *string) (*models.ResourceQuota, error) {
	if env != nil {
		return s.envQuotas[id+"/"+*env], nil
	}
	return s.quotas[string(kind)+"/"+id], nil
}

func (s *fakeStore) AdjustReserved(quotaID string, cpu, mem, disk, vms int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.quotas {
		if q.ID == quotaID {
			q.ReservedCPU += cpu
			q.ReservedMemory += mem
			q.ReservedDisk += disk
			q.ReservedVMs += vms
			return nil
		}
	}
	for _, q := range s.envQuotas {
		if q.ID == quotaID {
			q.ReservedCPU += cpu
			q.ReservedMemory += mem
			q.ReservedDisk += disk
			q.ReservedVMs += vms
			return nil
		}
	}
	return nil
}

func (s *fakeStore) SaveReservation(r *models.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[r.Handle] = r
	return nil
}

func (s *fakeStore) GetReservation(handle string) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reservations[handle], nil
}

func (s *fakeStore) MarkReservationCommitted(handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.reservations[handle]; ok {
		r.Committed = true
	}
	return nil
}

func (s *fakeStore) DeleteReservation(handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reservations, handle)
	return nil
}

func (s *fakeStore) ListUncommittedOlderThan(cutoff time.Time) ([]*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Reservation
	for _, r := range s.reservations {
		if !r.Committed && r.CreatedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func projectQuota(id string, max models.Capacity, maxVMs int64) *models.ResourceQuota {
	return &models.ResourceQuota{
		ID: "quota-" + id, ScopeKind: models.QuotaScopeProject, ScopeID: id,
		MaxCPU: max.CPU, MaxMemory: max.Memory, MaxDisk: max.Disk, MaxVMs: maxVMs, Enabled: true,
	}
}

func TestReserve_WithinQuota_Succeeds(t *testing.T) {
	store := newFakeStore()
	store.chains["proj1"] = []ScopeRef{{Kind: models.QuotaScopeProject, ID: "proj1"}}
	store.quotas["project/proj1"] = projectQuota("proj1", models.Capacity{CPU: 10, Memory: 10, Disk: 10}, 5)

	ledger := New(store)
	handle, err := ledger.Reserve("vm1", "proj1", "prod", models.Capacity{CPU: 2, Memory: 2, Disk: 2})
	require.NoError(t, err)
	assert.NotEmpty(t, handle)

	q := store.quotas["project/proj1"]
	assert.Equal(t, int64(2), q.ReservedCPU)
	assert.Equal(t, int64(1), q.ReservedVMs)

	reservation, err := store.GetReservation(handle)
	require.NoError(t, err)
	require.NotNil(t, reservation)
	assert.Equal(t, "vm1", reservation.VMID)
	assert.False(t, reservation.Committed)
}

func TestReserve_ExceedsQuota_Fails(t *testing.T) {
	store := newFakeStore()
	store.chains["proj1"] = []ScopeRef{{Kind: models.QuotaScopeProject, ID: "proj1"}}
	store.quotas["project/proj1"] = projectQuota("proj1", models.Capacity{CPU: 4, Memory: 4, Disk: 4}, 5)

	ledger := New(store)
	_, err := ledger.Reserve("vm1", "proj1", "prod", models.Capacity{CPU: 8, Memory: 2, Disk: 2})
	assert.Error(t, err)

	q := store.quotas["project/proj1"]
	assert.Equal(t, int64(0), q.ReservedCPU, "rejected reservation must not partially charge the chain")
}

func TestReserve_AdditiveChain_ChargesEveryScope(t *testing.T) {
	store := newFakeStore()
	store.chains["proj1"] = []ScopeRef{
		{Kind: models.QuotaScopeProject, ID: "proj1"},
		{Kind: models.QuotaScopeOU, ID: "ou1"},
		{Kind: models.QuotaScopeOrganization, ID: "org1"},
	}
	store.quotas["project/proj1"] = projectQuota("proj1", models.Capacity{CPU: 10, Memory: 10, Disk: 10}, 5)
	store.quotas["organizational_unit/ou1"] = &models.ResourceQuota{ID: "quota-ou1", ScopeKind: models.QuotaScopeOU, ScopeID: "ou1", MaxCPU: 10, MaxMemory: 10, MaxDisk: 10, MaxVMs: 5, Enabled: true}
	store.quotas["organization/org1"] = &models.ResourceQuota{ID: "quota-org1", ScopeKind: models.QuotaScopeOrganization, ScopeID: "org1", MaxCPU: 10, MaxMemory: 10, MaxDisk: 10, MaxVMs: 5, Enabled: true}

	ledger := New(store)
	_, err := ledger.Reserve("vm1", "proj1", "prod", models.Capacity{CPU: 2, Memory: 2, Disk: 2})
	require.NoError(t, err)

	assert.Equal(t, int64(2), store.quotas["project/proj1"].ReservedCPU)
	assert.Equal(t, int64(2), store.quotas["organizational_unit/ou1"].ReservedCPU)
	assert.Equal(t, int64(2), store.quotas["organization/org1"].ReservedCPU)
}

func TestReserve_EnvironmentQuota_AppliesAdditively(t *testing.T) {
	store := newFakeStore()
	store.chains["proj1"] = []ScopeRef{{Kind: models.QuotaScopeProject, ID: "proj1"}}
	store.quotas["project/proj1"] = projectQuota("proj1", models.Capacity{CPU: 10, Memory: 10, Disk: 10}, 5)
	store.envQuotas["proj1/prod"] = &models.ResourceQuota{ID: "quota-proj1-prod", ScopeKind: models.QuotaScopeProject, ScopeID: "proj1", MaxCPU: 3, MaxMemory: 10, MaxDisk: 10, MaxVMs: 5, Enabled: true}

	ledger := New(store)
	_, err := ledger.Reserve("vm1", "proj1", "prod", models.Capacity{CPU: 2, Memory: 2, Disk: 2})
	require.NoError(t, err)

	_, err = ledger.Reserve("vm2", "proj1", "prod", models.Capacity{CPU: 2, Memory: 2, Disk: 2})
	assert.Error(t, err, "env-scoped quota of 3 CPU should reject a second 2-CPU reservation")
}

func TestCommitAndRelease(t *testing.T) {
	store := newFakeStore()
	store.chains["proj1"] = []ScopeRef{{Kind: models.QuotaScopeProject, ID: "proj1"}}
	store.quotas["project/proj1"] = projectQuota("proj1", models.Capacity{CPU: 10, Memory: 10, Disk: 10}, 5)

	ledger := New(store)
	handle, err := ledger.Reserve("vm1", "proj1", "prod", models.Capacity{CPU: 2, Memory: 2, Disk: 2})
	require.NoError(t, err)

	require.NoError(t, ledger.Commit(handle))
	reservation, _ := store.GetReservation(handle)
	assert.True(t, reservation.Committed)

	require.NoError(t, ledger.Release(handle))
	assert.Equal(t, int64(0), store.quotas["project/proj1"].ReservedCPU)

	reservation, _ = store.GetReservation(handle)
	assert.Nil(t, reservation)
}

func TestRelease_UnknownHandle_NoOp(t *testing.T) {
	store := newFakeStore()
	ledger := New(store)
	assert.NoError(t, ledger.Release("does-not-exist"))
}

func TestSweepExpired_ReleasesOnlyStaleUncommitted(t *testing.T) {
	store := newFakeStore()
	store.chains["proj1"] = []ScopeRef{{Kind: models.QuotaScopeProject, ID: "proj1"}}
	store.quotas["project/proj1"] = projectQuota("proj1", models.Capacity{CPU: 10, Memory: 10, Disk: 10}, 5)

	ledger := New(store)
	staleHandle, err := ledger.Reserve("vm-stale", "proj1", "prod", models.Capacity{CPU: 2, Memory: 2, Disk: 2})
	require.NoError(t, err)
	store.reservations[staleHandle].CreatedAt = time.Now().Add(-time.Hour)

	freshHandle, err := ledger.Reserve("vm-fresh", "proj1", "prod", models.Capacity{CPU: 2, Memory: 2, Disk: 2})
	require.NoError(t, err)

	ledger.SweepExpired(time.Minute)

	_, err = store.GetReservation(staleHandle)
	require.NoError(t, err)
	assert.Nil(t, store.reservations[staleHandle])
	assert.NotNil(t, store.reservations[freshHandle])
}
