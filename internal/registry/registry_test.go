package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strato-hq/strato/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	statuses map[string]models.AgentStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{statuses: make(map[string]models.AgentStatus)}
}

func (s *fakeStore) UpdateAgentStatus(agentID string, status models.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[agentID] = status
	return nil
}

func (s *fakeStore) UpdateAgentHeartbeat(agentID string, available models.Capacity, at time.Time) error {
	return nil
}

func TestRegister_FirstTime_SetsAvailableToTotal(t *testing.T) {
	r := New(time.Minute, newFakeStore())
	total := models.Capacity{CPU: 10, Memory: 10, Disk: 10}
	r.Register("agent-1", []string{"gpu"}, total)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, total, snap[0].AvailableCapacity)
	assert.Equal(t, models.AgentOnline, snap[0].Status)
}

func TestRegister_Reconnect_PreservesAvailable(t *testing.T) {
	r := New(time.Minute, newFakeStore())
	total := models.Capacity{CPU: 10, Memory: 10, Disk: 10}
	r.Register("agent-1", []string{"gpu"}, total)
	require.NoError(t, r.Reserve("agent-1", models.Capacity{CPU: 4, Memory: 4, Disk: 4}))

	r.Register("agent-1", []string{"gpu"}, total)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, models.Capacity{CPU: 6, Memory: 6, Disk: 6}, snap[0].AvailableCapacity, "reconnect must not reset an in-flight reservation")
}

func TestReserve_InsufficientCapacity_Rejected(t *testing.T) {
	r := New(time.Minute, newFakeStore())
	r.Register("agent-1", nil, models.Capacity{CPU: 2, Memory: 2, Disk: 2})

	err := r.Reserve("agent-1", models.Capacity{CPU: 4, Memory: 1, Disk: 1})
	assert.Error(t, err)
}

func TestReserve_UnknownAgent_NotFound(t *testing.T) {
	r := New(time.Minute, newFakeStore())
	assert.Error(t, r.Reserve("ghost", models.Capacity{CPU: 1, Memory: 1, Disk: 1}))
}

func TestUnreserve_ClampsAtTotal(t *testing.T) {
	r := New(time.Minute, newFakeStore())
	total := models.Capacity{CPU: 10, Memory: 10, Disk: 10}
	r.Register("agent-1", nil, total)

	require.NoError(t, r.Unreserve("agent-1", models.Capacity{CPU: 50, Memory: 50, Disk: 50}))

	snap := r.Snapshot()
	assert.Equal(t, total, snap[0].AvailableCapacity, "unreserve must never push available above total")
}

func TestHeartbeat_OutOfOrder_Dropped(t *testing.T) {
	r := New(time.Minute, newFakeStore())
	r.Register("agent-1", nil, models.Capacity{CPU: 10, Memory: 10, Disk: 10})

	newer := time.Now()
	require.NoError(t, r.Heartbeat("agent-1", models.Capacity{CPU: 5, Memory: 5, Disk: 5}, newer))

	older := newer.Add(-time.Minute)
	require.NoError(t, r.Heartbeat("agent-1", models.Capacity{CPU: 1, Memory: 1, Disk: 1}, older))

	snap := r.Snapshot()
	assert.Equal(t, models.Capacity{CPU: 5, Memory: 5, Disk: 5}, snap[0].AvailableCapacity, "an older heartbeat must not overwrite a newer one")
}

func TestSweepStale_MarksStaleAgentsOffline(t *testing.T) {
	store := newFakeStore()
	r := New(10*time.Millisecond, store)
	r.Register("agent-1", nil, models.Capacity{CPU: 1, Memory: 1, Disk: 1})

	time.Sleep(30 * time.Millisecond)
	r.SweepStale()

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, models.AgentOffline, snap[0].Status)
	assert.Equal(t, models.AgentOffline, store.statuses["agent-1"])
}

func TestMarkOffline_UnknownAgent_NoOp(t *testing.T) {
	r := New(time.Minute, newFakeStore())
	r.MarkOffline("ghost")
}
