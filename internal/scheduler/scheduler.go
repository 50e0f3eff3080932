// Package scheduler implements agent selection for new VMs. The Scheduler
// is stateless: every decision is a pure function of a Registry snapshot and
// a request, never mutating the Registry or Ledger itself.
package scheduler

import (
	"math/rand"
	"sort"
	"sync/atomic"

	"github.com/strato-hq/strato/internal/apierr"
	"github.com/strato-hq/strato/internal/models"
)

const gigabyte = 1 << 30

// Strategy is one of the four agent-selection policies.
type Strategy string

const (
	LeastLoaded Strategy = "least_loaded"
	BestFit     Strategy = "best_fit"
	RoundRobin  Strategy = "round_robin"
	Random      Strategy = "random"
)

func ValidStrategy(s string) bool {
	switch Strategy(s) {
	case LeastLoaded, BestFit, RoundRobin, Random:
		return true
	default:
		return false
	}
}

// BestFitWeights are the fixed α, β coefficients for best_fit's memory and
// disk terms, expressed per GB so the three dimensions are comparable.
type BestFitWeights struct {
	Alpha float64
	Beta  float64
}

// Scheduler holds only the state intrinsic to round_robin (a monotonically
// increasing counter) and random (a seeded PRNG); it owns no agent or quota
// state.
type Scheduler struct {
	defaultStrategy Strategy
	weights         BestFitWeights
	counter         uint64
	rng             *rand.Rand
}

func New(defaultStrategy Strategy, weights BestFitWeights, seed int64) *Scheduler {
	return &Scheduler{
		defaultStrategy: defaultStrategy,
		weights:         weights,
		rng:             rand.New(rand.NewSource(seed)),
	}
}

// SelectAgent runs the filter/score/tie-break pipeline against snapshot for
// a VM requesting requested capacity and, optionally, requiredCapability.
func (s *Scheduler) SelectAgent(snapshot []models.AgentSnapshotEntry, requested models.Capacity, requiredCapability string, strategyOverride string) (string, error) {
	strategy := s.defaultStrategy
	if strategyOverride != "" {
		strategy = Strategy(strategyOverride)
	}

	filtered := filter(snapshot, requested, requiredCapability)
	if len(filtered) == 0 {
		if len(snapshot) == 0 {
			return "", apierr.New(apierr.KindNoAgents, "no agents registered")
		}
		return "", apierr.New(apierr.KindInsufficientCapacity, "no agent has sufficient capacity")
	}

	switch strategy {
	case LeastLoaded:
		return s.selectLeastLoaded(filtered), nil
	case BestFit:
		return s.selectBestFit(filtered, requested), nil
	case RoundRobin:
		return s.selectRoundRobin(filtered), nil
	case Random:
		return s.selectRandom(filtered), nil
	default:
		return "", apierr.BadRequest("unknown scheduling strategy: " + string(strategy))
	}
}

func filter(snapshot []models.AgentSnapshotEntry, requested models.Capacity, requiredCapability string) []models.AgentSnapshotEntry {
	out := make([]models.AgentSnapshotEntry, 0, len(snapshot))
	for _, a := range snapshot {
		if a.Status != models.AgentOnline {
			continue
		}
		if !a.AvailableCapacity.GreaterOrEqual(requested) {
			continue
		}
		if requiredCapability != "" && !a.Capabilities.Has(requiredCapability) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func sortedByID(entries []models.AgentSnapshotEntry) []models.AgentSnapshotEntry {
	out := make([]models.AgentSnapshotEntry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (s *Scheduler) selectLeastLoaded(entries []models.AgentSnapshotEntry) string {
	ordered := sortedByID(entries)
	best := ordered[0]
	bestScore := best.Utilization()
	for _, a := range ordered[1:] {
		score := a.Utilization()
		if score < bestScore {
			best, bestScore = a, score
		}
	}
	return best.AgentID
}

func (s *Scheduler) selectBestFit(entries []models.AgentSnapshotEntry, requested models.Capacity) string {
	ordered := sortedByID(entries)
	score := func(a models.AgentSnapshotEntry) float64 {
		cpuRemain := float64(a.AvailableCapacity.CPU - requested.CPU)
		memRemain := float64(a.AvailableCapacity.Memory-requested.Memory) / gigabyte
		diskRemain := float64(a.AvailableCapacity.Disk-requested.Disk) / gigabyte
		return cpuRemain + s.weights.Alpha*memRemain + s.weights.Beta*diskRemain
	}
	best := ordered[0]
	bestScore := score(best)
	for _, a := range ordered[1:] {
		sc := score(a)
		if sc < bestScore {
			best, bestScore = a, sc
		}
	}
	return best.AgentID
}

func (s *Scheduler) selectRoundRobin(entries []models.AgentSnapshotEntry) string {
	ordered := sortedByID(entries)
	idx := atomic.AddUint64(&s.counter, 1) - 1
	return ordered[int(idx%uint64(len(ordered)))].AgentID
}

func (s *Scheduler) selectRandom(entries []models.AgentSnapshotEntry) string {
	return entries[s.rng.Intn(len(entries))].AgentID
}
