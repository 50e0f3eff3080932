package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strato-hq/strato/internal/apierr"
	"github.com/strato-hq/strato/internal/models"
)

const gb = int64(1) << 30

func entry(id string, availCPU, totalCPU, availMemGB, totalMemGB, availDiskGB, totalDiskGB int64) models.AgentSnapshotEntry {
	return models.AgentSnapshotEntry{
		AgentID:           id,
		Status:            models.AgentOnline,
		TotalCapacity:     models.Capacity{CPU: totalCPU, Memory: totalMemGB * gb, Disk: totalDiskGB * gb},
		AvailableCapacity: models.Capacity{CPU: availCPU, Memory: availMemGB * gb, Disk: availDiskGB * gb},
	}
}

func TestSelectAgent_LeastLoadedThreeAgents(t *testing.T) {
	snapshot := []models.AgentSnapshotEntry{
		entry("agent-a", 8, 16, 16, 32, 400, 500),
		entry("agent-b", 12, 16, 24, 32, 400, 500),
		entry("agent-c", 4, 16, 8, 32, 100, 500),
	}
	s := New(LeastLoaded, BestFitWeights{Alpha: 1, Beta: 1}, 1)

	agentID, err := s.SelectAgent(snapshot, models.Capacity{CPU: 2, Memory: 4 * gb, Disk: 50 * gb}, "", "")

	require.NoError(t, err)
	assert.Equal(t, "agent-b", agentID)
}

func TestSelectAgent_BestFitPacking(t *testing.T) {
	snapshot := []models.AgentSnapshotEntry{
		entry("agent-a", 16, 16, 32, 32, 500, 500),
		entry("agent-b", 2, 16, 4, 32, 50, 500),
	}
	s := New(BestFit, BestFitWeights{Alpha: 1, Beta: 1}, 1)

	agentID, err := s.SelectAgent(snapshot, models.Capacity{CPU: 2, Memory: 4 * gb, Disk: 50 * gb}, "", "")

	require.NoError(t, err)
	assert.Equal(t, "agent-b", agentID)
}

func TestSelectAgent_RoundRobinCycles(t *testing.T) {
	snapshot := []models.AgentSnapshotEntry{
		entry("agent-a", 16, 16, 32, 32, 500, 500),
		entry("agent-b", 16, 16, 32, 32, 500, 500),
		entry("agent-c", 16, 16, 32, 32, 500, 500),
	}
	s := New(RoundRobin, BestFitWeights{}, 1)
	want := []string{"agent-a", "agent-b", "agent-c", "agent-a", "agent-b", "agent-c"}

	for i, expected := range want {
		agentID, err := s.SelectAgent(snapshot, models.Capacity{CPU: 1, Memory: gb, Disk: gb}, "", "")
		require.NoError(t, err)
		assert.Equal(t, expected, agentID, "call %d", i)
	}
}

func TestSelectAgent_NoAgentsVsInsufficientCapacity(t *testing.T) {
	s := New(LeastLoaded, BestFitWeights{}, 1)

	_, err := s.SelectAgent(nil, models.Capacity{CPU: 1, Memory: gb, Disk: gb}, "", "")
	require.Error(t, err)
	assert.True(t, apierr.As(err, apierr.KindNoAgents))

	snapshot := []models.AgentSnapshotEntry{entry("agent-a", 1, 16, 1, 32, 1, 500)}
	_, err = s.SelectAgent(snapshot, models.Capacity{CPU: 8, Memory: 16 * gb, Disk: 200 * gb}, "", "")
	require.Error(t, err)
	assert.True(t, apierr.As(err, apierr.KindInsufficientCapacity))
}

func TestSelectAgent_CapabilityFilter(t *testing.T) {
	snapshot := []models.AgentSnapshotEntry{
		{AgentID: "agent-a", Status: models.AgentOnline, Capabilities: models.Capabilities{"hvf"},
			TotalCapacity: models.Capacity{CPU: 16, Memory: 32 * gb, Disk: 500 * gb},
			AvailableCapacity: models.Capacity{CPU: 16, Memory: 32 * gb, Disk: 500 * gb}},
		{AgentID: "agent-b", Status: models.AgentOnline, Capabilities: models.Capabilities{"kvm"},
			TotalCapacity: models.Capacity{CPU: 16, Memory: 32 * gb, Disk: 500 * gb},
			AvailableCapacity: models.Capacity{CPU: 16, Memory: 32 * gb, Disk: 500 * gb}},
	}
	s := New(LeastLoaded, BestFitWeights{}, 1)

	agentID, err := s.SelectAgent(snapshot, models.Capacity{CPU: 1, Memory: gb, Disk: gb}, "kvm", "")

	require.NoError(t, err)
	assert.Equal(t, "agent-b", agentID)
}

func TestSelectAgent_TieBreakByAgentID(t *testing.T) {
	snapshot := []models.AgentSnapshotEntry{
		entry("agent-z", 8, 16, 16, 32, 400, 500),
		entry("agent-a", 8, 16, 16, 32, 400, 500),
	}
	s := New(LeastLoaded, BestFitWeights{}, 1)

	agentID, err := s.SelectAgent(snapshot, models.Capacity{CPU: 1, Memory: gb, Disk: gb}, "", "")

	require.NoError(t, err)
	assert.Equal(t, "agent-a", agentID)
}

func TestSelectAgent_StrategyOverride(t *testing.T) {
	snapshot := []models.AgentSnapshotEntry{
		entry("agent-a", 16, 16, 32, 32, 500, 500),
		entry("agent-b", 2, 16, 4, 32, 50, 500),
	}
	s := New(LeastLoaded, BestFitWeights{Alpha: 1, Beta: 1}, 1)

	agentID, err := s.SelectAgent(snapshot, models.Capacity{CPU: 2, Memory: 4 * gb, Disk: 50 * gb}, "", "best_fit")

	require.NoError(t, err)
	assert.Equal(t, "agent-b", agentID)
}
