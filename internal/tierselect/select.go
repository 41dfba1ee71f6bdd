// Package tierselect implements the Tier Selector: it binds an abstract
// (tier, count, capabilities, budget) request to a concrete, ordered list of
// model identifiers sourced from a registry.
package tierselect

import (
	"errors"
	"sort"

	"github.com/amiable-dev/llm-council/internal/council"
)

// ErrInsufficientPanel is returned when fewer than two viable candidates
// remain after filtering.
var ErrInsufficientPanel = errors.New("tierselect: insufficient panel, fewer than two viable candidates")

// Weights controls the diversity-aware scoring function. Defaults are
// 0.6 quality, 0.3 cost, 0.1 diversity.
type Weights struct {
	Quality   float64
	Cost      float64
	Diversity float64
}

// DefaultWeights matches the spec's default scoring weights.
func DefaultWeights() Weights {
	return Weights{Quality: 0.6, Cost: 0.3, Diversity: 0.1}
}

// Request is the input to Select.
type Request struct {
	Tier                 council.Tier
	RequiredCount        int
	RequiredCapabilities []string
	BudgetCeiling        float64 // 0 means unlimited
	PromptTokens         int
	CompletionTokens     int
}

// Descriptors is the narrow capability Select needs from a registry: list
// every currently known descriptor. Callers pass a registry snapshot, not a
// live dependency, keeping Select a pure function of its inputs.
type Descriptors interface {
	All() []council.ModelDescriptor
}

// Select implements the §4.2 algorithm: tier filter, capability/budget
// filter, diversity-aware scoring, top-N pick, deterministic tie-break.
func Select(descs Descriptors, req Request, weights Weights) ([]council.ModelDescriptor, error) {
	candidates := filterCandidates(descs.All(), req)
	if len(candidates) < 2 {
		return nil, ErrInsufficientPanel
	}

	n := req.RequiredCount
	if n <= 0 || n > len(candidates) {
		n = len(candidates)
	}

	out := make([]council.ModelDescriptor, 0, n)
	remaining := candidates
	pickedProviders := make(map[string]int)
	costs := precomputeCosts(candidates, req)

	for len(out) < n && len(remaining) > 0 {
		scored := scoreRemaining(remaining, costs, pickedProviders, weights)
		sort.SliceStable(scored, func(i, j int) bool {
			return lessScored(scored[i], scored[j])
		})
		best := scored[0]
		out = append(out, best.desc)
		pickedProviders[best.desc.Provider]++

		next := make([]council.ModelDescriptor, 0, len(remaining)-1)
		for _, d := range remaining {
			if d.ID != best.desc.ID {
				next = append(next, d)
			}
		}
		remaining = next
	}

	if len(out) < 2 {
		return nil, ErrInsufficientPanel
	}
	return out, nil
}

func precomputeCosts(candidates []council.ModelDescriptor, req Request) map[string]float64 {
	costs := make(map[string]float64, len(candidates))
	for _, d := range candidates {
		costs[d.ID] = d.EstimatedCost(req.PromptTokens, req.CompletionTokens)
	}
	return costs
}

func filterCandidates(all []council.ModelDescriptor, req Request) []council.ModelDescriptor {
	out := make([]council.ModelDescriptor, 0, len(all))
	for _, d := range all {
		if !d.Available {
			continue
		}
		if d.Tier.Rank() < req.Tier.Rank() {
			continue
		}
		hasAll := true
		for _, cap := range req.RequiredCapabilities {
			if !d.HasCapability(cap) {
				hasAll = false
				break
			}
		}
		if !hasAll {
			continue
		}
		if req.BudgetCeiling > 0 {
			cost := d.EstimatedCost(req.PromptTokens, req.CompletionTokens)
			if cost > req.BudgetCeiling {
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

type scoredCandidate struct {
	desc  council.ModelDescriptor
	score float64
	cost  float64
}

// scoreRemaining scores the not-yet-picked candidates against the providers
// already picked in this selection run, so diversityBonus actually penalizes
// a second pick from the same provider family rather than a static index.
func scoreRemaining(remaining []council.ModelDescriptor, costs map[string]float64, pickedProviders map[string]int, w Weights) []scoredCandidate {
	maxCost := 0.0
	for _, d := range remaining {
		if costs[d.ID] > maxCost {
			maxCost = costs[d.ID]
		}
	}

	out := make([]scoredCandidate, len(remaining))
	for i, d := range remaining {
		normalizedCost := 0.0
		if maxCost > 0 {
			normalizedCost = costs[d.ID] / maxCost
		}
		diversityBonus := 1.0 / float64(1+pickedProviders[d.Provider])
		score := w.Quality*d.QualityScore - w.Cost*normalizedCost + w.Diversity*diversityBonus
		out[i] = scoredCandidate{desc: d, score: score, cost: costs[d.ID]}
	}
	return out
}

func lessScored(a, b scoredCandidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.cost != b.cost {
		return a.cost < b.cost
	}
	return a.desc.ID < b.desc.ID
}
