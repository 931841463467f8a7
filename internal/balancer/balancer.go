// Package balancer selects one agent from a candidate set under the
// observed load snapshot.
package balancer

import (
	"math/rand"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmesh/core/internal/common/logger"
	"github.com/agentmesh/core/internal/core"
)

// Strategy names an agent selection policy.
type Strategy string

const (
	RoundRobin          Strategy = "round-robin"
	LeastLoaded         Strategy = "least-loaded"
	WeightedPerformance Strategy = "weighted-performance"
	CapabilityScore     Strategy = "capability-score"
)

// ParseStrategy validates a strategy name, falling back to def when the
// name is empty.
func ParseStrategy(name string, def Strategy) (Strategy, bool) {
	switch Strategy(name) {
	case RoundRobin, LeastLoaded, WeightedPerformance, CapabilityScore:
		return Strategy(name), true
	case "":
		return def, true
	default:
		return def, false
	}
}

// Balancer is a stateless selection function plus the small amount of
// memory round-robin needs (a cursor per candidate-set key). It never
// blocks: when every candidate is at capacity it returns nil.
type Balancer struct {
	mu       sync.Mutex
	defaults Strategy
	cursors  map[string]int
	rng      *rand.Rand
	logger   *logger.Logger
}

// New creates a Balancer with the given default strategy. src seeds the
// weighted-performance draw; pass a fixed-seed source for reproducible
// dispatch sequences.
func New(def Strategy, src rand.Source, log *logger.Logger) *Balancer {
	if src == nil {
		src = rand.NewSource(1)
	}
	return &Balancer{
		defaults: def,
		cursors:  make(map[string]int),
		rng:      rand.New(src),
		logger:   log.WithFields(zap.String("component", "balancer")),
	}
}

// DefaultStrategy returns the balancer's configured default.
func (b *Balancer) DefaultStrategy() Strategy {
	return b.defaults
}

// Select picks one agent from candidates under the given strategy (empty
// means the default). capID is consulted only by capability-score.
// Returns nil when no candidate has spare capacity.
func (b *Balancer) Select(candidates []*core.Agent, strategy Strategy, capID string) *core.Agent {
	if strategy == "" {
		strategy = b.defaults
	}

	eligible := make([]*core.Agent, 0, len(candidates))
	for _, a := range candidates {
		if a.HasCapacity() {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	// Total order on id keeps every tie-break deterministic.
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })

	switch strategy {
	case RoundRobin:
		return b.roundRobin(eligible)
	case LeastLoaded:
		return leastLoaded(eligible)
	case WeightedPerformance:
		return b.weighted(eligible)
	case CapabilityScore:
		return capabilityScore(eligible, capID)
	default:
		return leastLoaded(eligible)
	}
}

// roundRobin cycles a cursor over the candidate set, keyed by the set's
// membership so distinct pools rotate independently.
func (b *Balancer) roundRobin(eligible []*core.Agent) *core.Agent {
	key := ""
	for _, a := range eligible {
		key += a.ID + "|"
	}

	b.mu.Lock()
	idx := b.cursors[key] % len(eligible)
	b.cursors[key] = idx + 1
	b.mu.Unlock()

	return eligible[idx]
}

// leastLoaded picks the candidate with the lowest active/capacity
// fraction; ties resolve to lower active count, then higher success
// rate, then lexicographically lower id (already sorted).
func leastLoaded(eligible []*core.Agent) *core.Agent {
	best := eligible[0]
	for _, a := range eligible[1:] {
		if loadLess(a, best) {
			best = a
		}
	}
	return best
}

func loadLess(a, b *core.Agent) bool {
	af, bf := a.LoadFraction(), b.LoadFraction()
	if af != bf {
		return af < bf
	}
	if a.ActiveTasks != b.ActiveTasks {
		return a.ActiveTasks < b.ActiveTasks
	}
	ar, br := a.SuccessRate(), b.SuccessRate()
	if ar != br {
		return ar > br
	}
	return false // equal on all keys; earlier (lower id) wins
}

// weighted draws a candidate with probability proportional to
// success_rate x (1 - load). When every weight is zero it falls back to
// round-robin over the zero-weight set.
func (b *Balancer) weighted(eligible []*core.Agent) *core.Agent {
	weights := make([]float64, len(eligible))
	total := 0.0
	for i, a := range eligible {
		w := a.SuccessRate() * (1 - a.LoadFraction())
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}
	if total == 0 {
		return b.roundRobin(eligible)
	}

	b.mu.Lock()
	draw := b.rng.Float64() * total
	b.mu.Unlock()

	for i, w := range weights {
		draw -= w
		if draw < 0 {
			return eligible[i]
		}
	}
	return eligible[len(eligible)-1]
}

// capabilityScore filters to exact capability match, then applies
// least-loaded over the filtered set.
func capabilityScore(eligible []*core.Agent, capID string) *core.Agent {
	if capID == "" {
		return leastLoaded(eligible)
	}
	matched := make([]*core.Agent, 0, len(eligible))
	for _, a := range eligible {
		if a.DeclaresCapability(capID) {
			matched = append(matched, a)
		}
	}
	if len(matched) == 0 {
		return nil
	}
	return leastLoaded(matched)
}
