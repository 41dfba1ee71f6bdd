// Package aggregator converts a matrix of peer rankings/scores into a final
// ordering and, optionally, a binary verdict. It implements Normalized
// Borda Count (default) and an optional Schulze method, self-vote
// exclusion, deterministic tie-break, bias-weighted recomputation, and the
// confidence formula.
package aggregator

import (
	"math"
	"sort"

	"github.com/amiable-dev/llm-council/internal/council"
)

// BiasDeviationThreshold is the Borda-scaled deviation magnitude beyond
// which a reviewer is down-weighted for this session's recomputation, per
// §4.5 (reusing the §4.6 threshold).
const BiasDeviationThreshold = 0.25

// BiasDownweight is the multiplier applied to a flagged reviewer's votes.
const BiasDownweight = 0.5

// TieBreakInfo supplies the data the deterministic tie-break chain needs
// per candidate slot: mean rubric accuracy (if any), total generation cost,
// and a stable content hash for the final lexicographic comparison.
type TieBreakInfo struct {
	MeanAccuracy float64
	TotalCost    float64
	ContentHash  string
}

// Input is everything Aggregate needs for one session.
type Input struct {
	CandidateSlots  []int
	Reviews         []council.PeerReview
	VerdictType     council.VerdictType
	Method          council.RankingMethod
	TieBreak        map[int]TieBreakInfo
	ExternalWeights map[int]float64 // reviewer slot -> cross-session weight multiplier
}

// ErrInsufficientReviewers is returned when fewer than two valid reviews
// remain after abstentions are removed.
type ErrInsufficientReviewers struct{}

func (ErrInsufficientReviewers) Error() string {
	return "aggregator: fewer than two valid reviews remain"
}

// Aggregate runs the full §4.5 pipeline and returns a council.AggregateResult.
func Aggregate(in Input) (council.AggregateResult, error) {
	valid := make([]council.PeerReview, 0, len(in.Reviews))
	for _, r := range in.Reviews {
		if !r.Abstained {
			valid = append(valid, r)
		}
	}
	if len(valid) < 2 {
		return council.AggregateResult{}, ErrInsufficientReviewers{}
	}

	method := in.Method
	if method == "" {
		method = council.RankingBorda
	}
	if method == council.RankingSchulze && len(in.CandidateSlots) < 5 {
		// Schulze is only preferred at panel size >= 5; smaller panels stay
		// on Borda even if requested, since the spec ties the recommendation
		// to panel size.
		method = council.RankingBorda
	}

	weights := initialWeights(valid, in.ExternalWeights)
	result := computeOnce(in.CandidateSlots, valid, method, weights)

	flagged := flagBiasedReviewers(in.CandidateSlots, valid, result.ScoresBySlot)
	if len(flagged) > 0 {
		for slot := range flagged {
			weights[slot] *= BiasDownweight
		}
		result = computeOnce(in.CandidateSlots, valid, method, weights)
		result.BiasCorrected = true
	}

	applyTieBreak(&result, in.TieBreak)
	result.Confidence = computeConfidence(result)
	if in.VerdictType == council.VerdictTypeBinary {
		verdict, vconf := binaryVerdict(in.CandidateSlots, valid)
		result.Verdict = verdict
		result.VerdictConfidence = vconf
	}

	return result, nil
}

func initialWeights(valid []council.PeerReview, external map[int]float64) map[int]float64 {
	weights := make(map[int]float64, len(valid))
	for _, r := range valid {
		w := 1.0
		if external != nil {
			if ew, ok := external[r.ReviewerSlot]; ok {
				w = ew
			}
		}
		weights[r.ReviewerSlot] = w
	}
	return weights
}

func computeOnce(candidates []int, valid []council.PeerReview, method council.RankingMethod, weights map[int]float64) council.AggregateResult {
	if method == council.RankingSchulze {
		return computeSchulze(candidates, valid, weights)
	}
	return computeBorda(candidates, valid, weights)
}

// nonSelfRank strips self-votes (P1): a reviewer never contributes a ranking
// entry for its own slot. council.PeerReview already models Stage 2 output
// as covering only non-self candidates, but we defensively strip any
// self-entry that slipped through.
func nonSelfRank(r council.PeerReview) []council.RankEntry {
	out := make([]council.RankEntry, 0, len(r.Rankings))
	for _, e := range r.Rankings {
		if e.CandidateSlot != r.ReviewerSlot {
			out = append(out, e)
		}
	}
	return out
}

func computeBorda(candidates []int, valid []council.PeerReview, weights map[int]float64) council.AggregateResult {
	M := len(candidates)
	sums := make(map[int]float64)
	voteCounts := make(map[int]int)

	for _, r := range valid {
		entries := nonSelfRank(r)
		w := weights[r.ReviewerSlot]
		for _, e := range entries {
			score := bordaScore(e.Rank, M)
			sums[e.CandidateSlot] += score * w
			voteCounts[e.CandidateSlot]++
		}
	}

	avg := make(map[int]float64, len(candidates))
	weightSums := make(map[int]float64, len(candidates))
	for _, r := range valid {
		w := weights[r.ReviewerSlot]
		for _, e := range nonSelfRank(r) {
			weightSums[e.CandidateSlot] += w
		}
	}
	for _, slot := range candidates {
		if ws := weightSums[slot]; ws > 0 {
			avg[slot] = sums[slot] / ws
		}
	}

	ordering := append([]int(nil), candidates...)
	sort.SliceStable(ordering, func(i, j int) bool {
		return avg[ordering[i]] > avg[ordering[j]]
	})

	return council.AggregateResult{
		Ordering:        ordering,
		ScoresBySlot:    avg,
		VoteCountBySlot: voteCounts,
		Method:          council.RankingBorda,
	}
}

// bordaScore implements s_{r,c} = (M-1-rank)/(M-2), with the M=2 special
// case (the lone non-self vote always scores 1.0 since there is exactly one
// candidate to rank).
func bordaScore(rank, M int) float64 {
	if M <= 2 {
		return 1.0
	}
	return float64(M-1-rank) / float64(M-2)
}

func computeSchulze(candidates []int, valid []council.PeerReview, weights map[int]float64) council.AggregateResult {
	n := len(candidates)
	idx := make(map[int]int, n)
	for i, s := range candidates {
		idx[s] = i
	}

	// Pairwise preference matrix P[i][j]: weighted count of reviewers
	// ranking i strictly ahead of j.
	pref := make([][]float64, n)
	for i := range pref {
		pref[i] = make([]float64, n)
	}
	voteCounts := make(map[int]int)

	for _, r := range valid {
		entries := nonSelfRank(r)
		w := weights[r.ReviewerSlot]
		ranks := make(map[int]int, len(entries))
		for _, e := range entries {
			ranks[e.CandidateSlot] = e.Rank
			voteCounts[e.CandidateSlot]++
		}
		for _, a := range candidates {
			for _, b := range candidates {
				if a == b {
					continue
				}
				ra, aok := ranks[a]
				rb, bok := ranks[b]
				if aok && bok && ra < rb {
					pref[idx[a]][idx[b]] += w
				}
			}
		}
	}

	// Floyd-Warshall strongest paths.
	strength := make([][]float64, n)
	for i := range strength {
		strength[i] = make([]float64, n)
		copy(strength[i], pref[i])
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			for k := 0; k < n; k++ {
				if i == k || j == k {
					continue
				}
				alt := math.Min(strength[j][i], strength[i][k])
				if alt > strength[j][k] {
					strength[j][k] = alt
				}
			}
		}
	}

	wins := make(map[int]int, n)
	scoreProxy := make(map[int]float64, n)
	for i, a := range candidates {
		for j := range candidates {
			if i == j {
				continue
			}
			if strength[i][j] > strength[j][i] {
				wins[a]++
			}
			scoreProxy[a] += strength[i][j]
		}
	}

	ordering := append([]int(nil), candidates...)
	sort.SliceStable(ordering, func(i, j int) bool {
		if wins[ordering[i]] != wins[ordering[j]] {
			return wins[ordering[i]] > wins[ordering[j]]
		}
		return scoreProxy[ordering[i]] > scoreProxy[ordering[j]]
	})

	// Normalize scoreProxy into [0,1] for confidence/tie-break reuse downstream.
	maxProxy := 0.0
	for _, v := range scoreProxy {
		if v > maxProxy {
			maxProxy = v
		}
	}
	normalized := make(map[int]float64, n)
	for _, slot := range candidates {
		if maxProxy > 0 {
			normalized[slot] = scoreProxy[slot] / maxProxy
		}
	}

	return council.AggregateResult{
		Ordering:        ordering,
		ScoresBySlot:    normalized,
		VoteCountBySlot: voteCounts,
		Method:          council.RankingSchulze,
	}
}

// flagBiasedReviewers computes each reviewer's mean signed deviation (in
// Borda-scaled units) between the scores it awarded and the pre-correction
// consensus scores, flagging those whose magnitude exceeds the threshold.
func flagBiasedReviewers(candidates []int, valid []council.PeerReview, consensus map[int]float64) map[int]bool {
	M := len(candidates)
	flagged := make(map[int]bool)
	for _, r := range valid {
		entries := nonSelfRank(r)
		if len(entries) == 0 {
			continue
		}
		var sum float64
		for _, e := range entries {
			s := bordaScore(e.Rank, M)
			sum += s - consensus[e.CandidateSlot]
		}
		mean := sum / float64(len(entries))
		if math.Abs(mean) > BiasDeviationThreshold {
			flagged[r.ReviewerSlot] = true
		}
	}
	return flagged
}

func applyTieBreak(result *council.AggregateResult, info map[int]TieBreakInfo) {
	if len(result.Ordering) < 2 || info == nil {
		return
	}
	const epsilon = 1e-9
	applied := false
	ordering := append([]int(nil), result.Ordering...)
	sort.SliceStable(ordering, func(i, j int) bool {
		a, b := ordering[i], ordering[j]
		sa, sb := result.ScoresBySlot[a], result.ScoresBySlot[b]
		if math.Abs(sa-sb) > epsilon {
			return sa > sb
		}
		ia, ib := info[a], info[b]
		if ia.MeanAccuracy != ib.MeanAccuracy {
			applied = true
			return ia.MeanAccuracy > ib.MeanAccuracy
		}
		if ia.TotalCost != ib.TotalCost {
			applied = true
			return ia.TotalCost < ib.TotalCost
		}
		if ia.ContentHash != ib.ContentHash {
			applied = true
			return ia.ContentHash < ib.ContentHash
		}
		return a < b
	})
	result.Ordering = ordering
	result.TieBreakApplied = applied
}

func computeConfidence(result council.AggregateResult) float64 {
	if len(result.Ordering) < 2 {
		return 1.0
	}
	s1 := result.ScoresBySlot[result.Ordering[0]]
	s2 := result.ScoresBySlot[result.Ordering[1]]
	diff := s1 - s2
	normalizedVariance := diff * diff // variance/(max variance 0.25) reduces to (s1-s2)^2
	confidence := 1 - normalizedVariance
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

func binaryVerdict(candidates []int, valid []council.PeerReview) (council.Verdict, float64) {
	M := len(valid)
	var passVotes, failVotes, abstentions int
	for _, r := range valid {
		if r.BinaryVote == nil {
			abstentions++
			continue
		}
		if *r.BinaryVote {
			passVotes++
		} else {
			failVotes++
		}
	}
	// Strict majority: floor((M-abstentions)/2) + 1. Go's integer division
	// truncates toward zero, which is floor for non-negative operands.
	remaining := M - abstentions
	threshold := remaining/2 + 1
	total := passVotes + failVotes
	var confidence float64
	if total > 0 {
		confidence = math.Abs(float64(passVotes-failVotes)) / float64(total)
	}

	switch {
	case passVotes >= threshold:
		return council.VerdictPass, confidence
	case failVotes >= threshold:
		return council.VerdictFail, confidence
	default:
		return council.VerdictUnclear, confidence
	}
}
