// Package consensus implements the voting primitives collaboration modes
// reduce agent opinions with.
package consensus

import (
	"sort"

	"github.com/agentmesh/core/internal/common/apperrors"
	"github.com/agentmesh/core/internal/core"
)

// Strategy names a rule for turning opinions into one decision.
type Strategy string

const (
	Majority  Strategy = "majority"
	Weighted  Strategy = "weighted"
	Unanimous Strategy = "unanimous"
	Threshold Strategy = "threshold"
)

// Params carries the strategy knobs: per-agent weights for weighted and
// threshold voting (missing agents default to weight 1.0), and the
// required weight share for threshold voting.
type Params struct {
	Weights   map[string]float64
	Threshold float64
}

// Result is the outcome of a successful vote.
type Result struct {
	Strategy Strategy      `json:"strategy"`
	Decision core.Decision `json:"decision"`
	// Support is the winner's share: opinion fraction for majority and
	// unanimous, weight fraction for weighted and threshold.
	Support float64 `json:"support"`
	// Counts maps each decision key to the number of opinions backing it.
	Counts map[string]int `json:"counts"`
}

// bucket accumulates the opinions behind one distinct decision.
type bucket struct {
	decision core.Decision
	count    int
	weight   float64
}

// collect groups opinions by decision key. Opinions without a decision
// are ignored; opinions with a malformed decision (wire input that
// never passed through the constructors) reject the whole vote.
func collect(opinions []core.AgentOpinion, params Params) (map[string]*bucket, float64, error) {
	buckets := make(map[string]*bucket)
	total := 0.0
	for _, op := range opinions {
		if op.Decision == nil {
			continue
		}
		if err := op.Decision.Validate(); err != nil {
			return nil, 0, apperrors.ValidationError("opinions",
				"agent '"+op.AgentID+"': "+err.Error())
		}
		w := 1.0
		if params.Weights != nil {
			if ow, ok := params.Weights[op.AgentID]; ok {
				w = ow
			}
		}
		w *= op.Confidence
		key := op.Decision.Key()
		b := buckets[key]
		if b == nil {
			b = &bucket{decision: *op.Decision}
			buckets[key] = b
		}
		b.count++
		b.weight += w
		total += w
	}
	if len(buckets) == 0 {
		return nil, 0, apperrors.ValidationError("opinions", "no opinions carry a decision")
	}
	return buckets, total, nil
}

// sortedKeys returns the bucket keys in lexicographic order, the total
// order every tie-break bottoms out on.
func sortedKeys(buckets map[string]*bucket) []string {
	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func counts(buckets map[string]*bucket) map[string]int {
	out := make(map[string]int, len(buckets))
	for k, b := range buckets {
		out[k] = b.count
	}
	return out
}

// majorityWinner returns the bucket with the most opinions; ties resolve
// to the lexicographically lowest decision key.
func majorityWinner(buckets map[string]*bucket) *bucket {
	var winner *bucket
	for _, key := range sortedKeys(buckets) {
		b := buckets[key]
		if winner == nil || b.count > winner.count {
			winner = b
		}
	}
	return winner
}

// Vote reduces opinions to one decision under the given strategy.
func Vote(opinions []core.AgentOpinion, strategy Strategy, params Params) (*Result, error) {
	if len(opinions) == 0 {
		return nil, apperrors.ValidationError("opinions", "must not be empty")
	}

	buckets, totalWeight, err := collect(opinions, params)
	if err != nil {
		return nil, err
	}
	totalCount := 0
	for _, b := range buckets {
		totalCount += b.count
	}

	switch strategy {
	case Majority:
		winner := majorityWinner(buckets)
		return &Result{
			Strategy: Majority,
			Decision: winner.decision,
			Support:  float64(winner.count) / float64(totalCount),
			Counts:   counts(buckets),
		}, nil

	case Weighted:
		var winner *bucket
		tied := false
		for _, key := range sortedKeys(buckets) {
			b := buckets[key]
			switch {
			case winner == nil || b.weight > winner.weight:
				winner, tied = b, false
			case b.weight == winner.weight:
				tied = true
			}
		}
		// Weight tie falls back to majority rule among the tied
		// buckets, then lexicographic decision.
		if tied {
			top := make(map[string]*bucket)
			for key, b := range buckets {
				if b.weight == winner.weight {
					top[key] = b
				}
			}
			winner = majorityWinner(top)
		}
		support := 0.0
		if totalWeight > 0 {
			support = winner.weight / totalWeight
		}
		return &Result{
			Strategy: Weighted,
			Decision: winner.decision,
			Support:  support,
			Counts:   counts(buckets),
		}, nil

	case Unanimous:
		if len(buckets) != 1 {
			return nil, apperrors.NoConsensus(string(Unanimous))
		}
		var only *bucket
		for _, b := range buckets {
			only = b
		}
		return &Result{
			Strategy: Unanimous,
			Decision: only.decision,
			Support:  1.0,
			Counts:   counts(buckets),
		}, nil

	case Threshold:
		if params.Threshold <= 0 || params.Threshold > 1 {
			return nil, apperrors.ValidationError("threshold", "must be in (0, 1]")
		}
		required := params.Threshold * totalWeight
		var winner *bucket
		for _, key := range sortedKeys(buckets) {
			b := buckets[key]
			if b.weight >= required && (winner == nil || b.weight > winner.weight) {
				winner = b
			}
		}
		if winner == nil {
			return nil, apperrors.NoConsensus(string(Threshold))
		}
		support := 0.0
		if totalWeight > 0 {
			support = winner.weight / totalWeight
		}
		return &Result{
			Strategy: Threshold,
			Decision: winner.decision,
			Support:  support,
			Counts:   counts(buckets),
		}, nil

	default:
		return nil, apperrors.ValidationError("strategy", "unknown strategy '"+string(strategy)+"'")
	}
}
