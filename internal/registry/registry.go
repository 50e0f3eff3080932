// Package registry implements the Agent Registry: the in-memory
// authoritative map of connected agents, their declared capacity, and their
// liveness, with a durable snapshot for restart recovery.
//
// Concurrency discipline (spec §5): a per-agent mutex protects available
// capacity and liveness; Snapshot is taken under a registry-global read
// guard that yields a deep copy, so the Scheduler never observes a
// partially-updated fleet.
package registry

import (
	"sync"
	"time"

	"github.com/strato-hq/strato/internal/apierr"
	"github.com/strato-hq/strato/internal/logger"
	"github.com/strato-hq/strato/internal/models"
)

// Store persists agent status/heartbeat transitions for restart recovery.
// Implemented by internal/db.AgentDB.
type Store interface {
	UpdateAgentStatus(agentID string, status models.AgentStatus) error
	UpdateAgentHeartbeat(agentID string, available models.Capacity, at time.Time) error
}

type entry struct {
	mu sync.Mutex

	agentID      string
	capabilities models.Capabilities
	total        models.Capacity
	available    models.Capacity
	status       models.AgentStatus
	lastHeartbeat time.Time
}

// Registry is the Agent Registry.
type Registry struct {
	guard sync.RWMutex
	byID  map[string]*entry

	heartbeatWindow time.Duration
	store           Store
}

func New(heartbeatWindow time.Duration, store Store) *Registry {
	return &Registry{
		byID:            make(map[string]*entry),
		heartbeatWindow: heartbeatWindow,
		store:           store,
	}
}

// Register is idempotent on reconnect: an already-known agent's capabilities
// and totals are refreshed but its available capacity is left untouched
// unless this is its first registration.
func (r *Registry) Register(agentID string, capabilities []string, total models.Capacity) {
	r.guard.Lock()
	e, ok := r.byID[agentID]
	if !ok {
		e = &entry{agentID: agentID, available: total}
		r.byID[agentID] = e
	}
	r.guard.Unlock()

	e.mu.Lock()
	e.capabilities = models.Capabilities(capabilities)
	e.total = total
	if !ok {
		e.available = total
	}
	e.status = models.AgentOnline
	e.lastHeartbeat = time.Now()
	e.mu.Unlock()

	if err := r.store.UpdateAgentStatus(agentID, models.AgentOnline); err != nil {
		logger.Registry().Error().Err(err).Str("agent_id", agentID).Msg("persisting register status failed")
	}
}

// Heartbeat updates liveness and available capacity from the agent's
// locally-reported view. Out-of-order heartbeats (older than the last seen
// timestamp) are dropped.
func (r *Registry) Heartbeat(agentID string, available models.Capacity, at time.Time) error {
	e := r.get(agentID)
	if e == nil {
		return apierr.NotFound("agent")
	}

	e.mu.Lock()
	if at.Before(e.lastHeartbeat) {
		e.mu.Unlock()
		return nil
	}
	e.available = available
	e.lastHeartbeat = at
	wasOffline := e.status != models.AgentOnline
	e.status = models.AgentOnline
	e.mu.Unlock()

	if err := r.store.UpdateAgentHeartbeat(agentID, available, at); err != nil {
		logger.Registry().Error().Err(err).Str("agent_id", agentID).Msg("persisting heartbeat failed")
	}
	if wasOffline {
		logger.Registry().Info().Str("agent_id", agentID).Msg("agent back online")
	}
	return nil
}

// Reserve decrements available capacity by delta, failing if any dimension
// would go negative. Serialized per-agent.
func (r *Registry) Reserve(agentID string, delta models.Capacity) error {
	e := r.get(agentID)
	if e == nil {
		return apierr.NotFound("agent")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.available.Sub(delta)
	if next.AnyNegative() {
		return apierr.New(apierr.KindInsufficientCapacity, "agent lacks available capacity")
	}
	e.available = next
	return nil
}

// Unreserve returns previously-reserved capacity. Clamped so it can never
// push available above total (defends against double-release bugs).
func (r *Registry) Unreserve(agentID string, delta models.Capacity) error {
	e := r.get(agentID)
	if e == nil {
		return apierr.NotFound("agent")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.available.Add(delta)
	if !e.total.GreaterOrEqual(next) {
		next = e.total
	}
	e.available = next
	return nil
}

// MarkOffline flips status without touching capacity accounting.
func (r *Registry) MarkOffline(agentID string) {
	e := r.get(agentID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.status = models.AgentOffline
	e.mu.Unlock()

	if err := r.store.UpdateAgentStatus(agentID, models.AgentOffline); err != nil {
		logger.Registry().Error().Err(err).Str("agent_id", agentID).Msg("persisting offline status failed")
	}
	logger.Registry().Warn().Str("agent_id", agentID).Msg("agent marked offline")
}

func (r *Registry) get(agentID string) *entry {
	r.guard.RLock()
	defer r.guard.RUnlock()
	return r.byID[agentID]
}

// Snapshot returns an immutable, deep-copied view of every known agent,
// taken atomically under the registry-global read guard.
func (r *Registry) Snapshot() []models.AgentSnapshotEntry {
	r.guard.RLock()
	defer r.guard.RUnlock()

	out := make([]models.AgentSnapshotEntry, 0, len(r.byID))
	for _, e := range r.byID {
		e.mu.Lock()
		out = append(out, models.AgentSnapshotEntry{
			AgentID:           e.agentID,
			Capabilities:      e.capabilities,
			TotalCapacity:     e.total,
			AvailableCapacity: e.available,
			Status:            e.status,
		})
		e.mu.Unlock()
	}
	return out
}

// SweepStale flips online agents whose last heartbeat is older than the
// heartbeat window to offline. Intended to be run by a ticker no less
// frequently than every 10s.
func (r *Registry) SweepStale() {
	now := time.Now()

	r.guard.RLock()
	stale := make([]string, 0)
	for id, e := range r.byID {
		e.mu.Lock()
		if e.status == models.AgentOnline && now.Sub(e.lastHeartbeat) > r.heartbeatWindow {
			stale = append(stale, id)
		}
		e.mu.Unlock()
	}
	r.guard.RUnlock()

	for _, id := range stale {
		r.MarkOffline(id)
	}
}

// RunSweeper starts a ticker-driven stale sweep, stopping when ctx-like
// stopCh is closed. Runs at least as often as every 10s per spec §4.3.
func (r *Registry) RunSweeper(interval time.Duration, stopCh <-chan struct{}) {
	if interval <= 0 || interval > 10*time.Second {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.SweepStale()
		case <-stopCh:
			return
		}
	}
}
