// Package bias implements the per-session and cross-session bias checks
// described in §4.6: self-preference exclusion, positional-bias detection
// via response-order records, co-bias correlation between reviewer pairs,
// and a cross-session EWMA of signed deviation from consensus that feeds
// the aggregator's down-weighting.
package bias

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/amiable-dev/llm-council/internal/council"
)

// DeviationThreshold mirrors aggregator.BiasDeviationThreshold; kept as an
// independent constant here since the two packages must not import each
// other just to share a number.
const DeviationThreshold = 0.25

// CoBiasCorrelationThreshold is the Spearman correlation above which two
// reviewers are flagged as systematically co-biased.
const CoBiasCorrelationThreshold = 0.9

// CoBiasMinSessions is the minimum number of shared cross-session samples
// required before a co-bias flag is considered meaningful.
const CoBiasMinSessions = 5

// PositionalBiasThreshold is the absolute Spearman correlation above which
// a single session's position/score correlation is worth surfacing.
const PositionalBiasThreshold = 0.7

// ewmaAlpha weights the most recent session's deviation against the running
// mean; smaller values smooth over more history.
const ewmaAlpha = 0.2

// SessionReview is one reviewer's contribution to a single session, as seen
// by the auditor: its Borda-scaled scores for each candidate and the slot
// position each candidate occupied in that reviewer's shuffled prompt.
type SessionReview struct {
	ReviewerSlot   int
	ScoresBySlot   map[int]float64 // this reviewer's per-candidate Borda-scaled score
	PositionBySlot map[int]int     // candidate slot -> 0-based position shown to this reviewer
}

// SelfPreferenceAttempt records a reviewer ranking that included its own
// slot, caught and excluded before scoring ever saw it.
type SelfPreferenceAttempt struct {
	ReviewerSlot int
	QueryID      string
}

// DetectSelfPreference scans raw rankings (before self-vote stripping) and
// reports any reviewer that attempted to rank itself.
func DetectSelfPreference(queryID string, reviews []council.PeerReview) []SelfPreferenceAttempt {
	var attempts []SelfPreferenceAttempt
	for _, r := range reviews {
		for _, e := range r.Rankings {
			if e.CandidateSlot == r.ReviewerSlot {
				attempts = append(attempts, SelfPreferenceAttempt{ReviewerSlot: r.ReviewerSlot, QueryID: queryID})
				break
			}
		}
	}
	return attempts
}

// PositionalBiasReport records how strongly a reviewer's awarded scores
// correlate with candidate position rather than content. It applies no
// threshold itself; callers compare |Correlation| against
// PositionalBiasThreshold.
type PositionalBiasReport struct {
	ReviewerSlot int
	Correlation  float64 // Spearman correlation between position and score, signed
}

// DetectPositionalBias computes, for each session review, the Spearman
// correlation between a candidate's position in that reviewer's shuffled
// prompt and the score the reviewer awarded it. A strong correlation in
// either direction (negative when earlier positions score higher) indicates
// positional bias, which response-order randomization averages out across
// sessions; a single session's correlation is informative but not
// dispositive on its own.
func DetectPositionalBias(reviews []SessionReview) []PositionalBiasReport {
	var out []PositionalBiasReport
	for _, r := range reviews {
		if len(r.ScoresBySlot) < 3 {
			continue // too few points for a meaningful rank correlation
		}
		positions := make([]float64, 0, len(r.ScoresBySlot))
		scores := make([]float64, 0, len(r.ScoresBySlot))
		slots := make([]int, 0, len(r.ScoresBySlot))
		for slot := range r.ScoresBySlot {
			slots = append(slots, slot)
		}
		sort.Ints(slots)
		for _, slot := range slots {
			positions = append(positions, float64(r.PositionBySlot[slot]))
			scores = append(scores, r.ScoresBySlot[slot])
		}
		corr := spearman(positions, scores)
		out = append(out, PositionalBiasReport{ReviewerSlot: r.ReviewerSlot, Correlation: corr})
	}
	return out
}

// CoBiasReport flags a pair of reviewers whose ranking vectors correlate
// suspiciously strongly across sessions.
type CoBiasReport struct {
	ReviewerA, ReviewerB int
	Correlation          float64
	Sessions             int
}

// DetectCoBias computes pairwise Spearman correlation between reviewers'
// per-candidate scores within a single session. A single session's
// correlation is noisy; feed the result into Store.CrossSessionCoBias for
// the cross-session, sample-gated version that actually drives flags.
func DetectCoBias(reviews []SessionReview) []CoBiasReport {
	var out []CoBiasReport
	for i := 0; i < len(reviews); i++ {
		for j := i + 1; j < len(reviews); j++ {
			a, b := reviews[i], reviews[j]
			slots := commonSlots(a.ScoresBySlot, b.ScoresBySlot)
			if len(slots) < 3 {
				continue
			}
			va := make([]float64, len(slots))
			vb := make([]float64, len(slots))
			for k, s := range slots {
				va[k] = a.ScoresBySlot[s]
				vb[k] = b.ScoresBySlot[s]
			}
			corr := spearman(va, vb)
			if corr >= CoBiasCorrelationThreshold {
				out = append(out, CoBiasReport{ReviewerA: a.ReviewerSlot, ReviewerB: b.ReviewerSlot, Correlation: corr, Sessions: 1})
			}
		}
	}
	return out
}

func commonSlots(a, b map[int]float64) []int {
	var out []int
	for slot := range a {
		if _, ok := b[slot]; ok {
			out = append(out, slot)
		}
	}
	sort.Ints(out)
	return out
}

// spearman computes the Spearman rank correlation coefficient between two
// equal-length samples. Ties are broken by averaging ranks.
func spearman(x, y []float64) float64 {
	n := len(x)
	if n == 0 || n != len(y) {
		return 0
	}
	rx := rankOf(x)
	ry := rankOf(y)
	var sumSqDiff float64
	for i := 0; i < n; i++ {
		d := rx[i] - ry[i]
		sumSqDiff += d * d
	}
	nf := float64(n)
	if nf < 2 {
		return 0
	}
	return 1 - (6*sumSqDiff)/(nf*(nf*nf-1))
}

func rankOf(v []float64) []float64 {
	type idxVal struct {
		idx int
		val float64
	}
	indexed := make([]idxVal, len(v))
	for i, val := range v {
		indexed[i] = idxVal{i, val}
	}
	sort.Slice(indexed, func(i, j int) bool { return indexed[i].val < indexed[j].val })

	ranks := make([]float64, len(v))
	i := 0
	for i < len(indexed) {
		j := i
		for j+1 < len(indexed) && indexed[j+1].val == indexed[i].val {
			j++
		}
		// Average rank (1-based) across the tied run [i, j].
		avgRank := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[indexed[k].idx] = avgRank
		}
		i = j + 1
	}
	return ranks
}

// ReviewerState is one reviewer's persisted cross-session bias record.
type ReviewerState struct {
	ReviewerID    string  `json:"reviewer_id"`
	EWMADeviation float64 `json:"ewma_deviation"`
	SampleCount   int     `json:"sample_count"`
}

// Flagged reports whether the reviewer's current EWMA deviation exceeds the
// down-weight threshold.
func (s ReviewerState) Flagged() bool {
	return math.Abs(s.EWMADeviation) > DeviationThreshold
}

// ErrNoSuchReviewer names the "no persisted state for reviewer" condition.
// Store.Get does not return it: for a reviewer with no persisted state it
// returns a zero-value, unflagged ReviewerState and a nil error.
var ErrNoSuchReviewer = errors.New("bias: no persisted state for reviewer")

// Store persists cross-session reviewer bias state in Redis, keyed by a
// stable reviewer identity (not the per-session slot index, which is
// reassigned every session).
type Store struct {
	client redis.Cmdable
	prefix string
	log    *logrus.Logger
}

// NewStore constructs a Store. prefix namespaces keys separately from the
// registry's dynamic-provider cache sharing the same Redis client.
func NewStore(client redis.Cmdable, prefix string, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if prefix == "" {
		prefix = "council:bias:"
	}
	return &Store{client: client, prefix: prefix, log: log}
}

// Get loads a reviewer's persisted state, or a zero-value unflagged state if
// none exists yet.
func (s *Store) Get(ctx context.Context, reviewerID string) (ReviewerState, error) {
	data, err := s.client.Get(ctx, s.prefix+reviewerID).Bytes()
	if errors.Is(err, redis.Nil) {
		return ReviewerState{ReviewerID: reviewerID}, nil
	}
	if err != nil {
		s.log.WithError(err).WithField("reviewer_id", reviewerID).Warn("bias: redis read failed, treating as unflagged")
		return ReviewerState{ReviewerID: reviewerID}, nil
	}
	var st ReviewerState
	if jsonErr := json.Unmarshal(data, &st); jsonErr != nil {
		return ReviewerState{ReviewerID: reviewerID}, nil
	}
	return st, nil
}

// RecordSession folds one session's signed deviation (Borda-scaled,
// reviewer-awarded score minus pre-correction consensus score, averaged
// across that reviewer's ranked candidates) into the reviewer's running
// EWMA and persists the result.
func (s *Store) RecordSession(ctx context.Context, reviewerID string, sessionDeviation float64) (ReviewerState, error) {
	st, err := s.Get(ctx, reviewerID)
	if err != nil {
		return st, err
	}
	if st.SampleCount == 0 {
		st.EWMADeviation = sessionDeviation
	} else {
		st.EWMADeviation = ewmaAlpha*sessionDeviation + (1-ewmaAlpha)*st.EWMADeviation
	}
	st.SampleCount++
	st.ReviewerID = reviewerID

	data, jsonErr := json.Marshal(st)
	if jsonErr != nil {
		return st, jsonErr
	}
	if err := s.client.Set(ctx, s.prefix+reviewerID, data, 0).Err(); err != nil {
		s.log.WithError(err).WithField("reviewer_id", reviewerID).Warn("bias: redis write failed")
	}
	return st, nil
}

// ExternalWeights builds the aggregator.Input.ExternalWeights map for the
// given session's reviewer slots, looking up each reviewer's persisted
// cross-session state and applying the down-weight to any flagged reviewer
// with at least CoBiasMinSessions of history (avoids flagging on a thin
// sample).
func (s *Store) ExternalWeights(ctx context.Context, reviewerIDsBySlot map[int]string) map[int]float64 {
	weights := make(map[int]float64, len(reviewerIDsBySlot))
	for slot, id := range reviewerIDsBySlot {
		st, err := s.Get(ctx, id)
		if err != nil || st.SampleCount < CoBiasMinSessions || !st.Flagged() {
			weights[slot] = 1.0
			continue
		}
		weights[slot] = 0.5
	}
	return weights
}

// pairState is one reviewer pair's persisted cross-session co-bias record,
// keyed by a stable, order-independent pair identity.
type pairState struct {
	EWMACorrelation float64 `json:"ewma_correlation"`
	SampleCount     int     `json:"sample_count"`
}

// pairKey builds an order-independent Redis key suffix for a reviewer pair
// so (a, b) and (b, a) always land on the same record.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "pair:" + a + ":" + b
}

// CrossSessionCoBias folds this session's within-session co-bias reports
// (see DetectCoBias) into each reviewer pair's cross-session EWMA
// correlation, keyed by idBySlot's durable reviewer identities rather than
// the session-local slot indices DetectCoBias reports in. It returns only
// the pairs whose cross-session correlation has crossed
// CoBiasCorrelationThreshold with at least CoBiasMinSessions of shared
// history, so one noisy session can never flag a pair on its own.
func (s *Store) CrossSessionCoBias(ctx context.Context, reports []CoBiasReport, idBySlot map[int]string) []CoBiasReport {
	var flagged []CoBiasReport
	for _, report := range reports {
		idA, idB := idBySlot[report.ReviewerA], idBySlot[report.ReviewerB]
		if idA == "" || idB == "" {
			continue
		}
		key := s.prefix + pairKey(idA, idB)

		var st pairState
		if data, err := s.client.Get(ctx, key).Bytes(); err == nil {
			_ = json.Unmarshal(data, &st)
		} else if !errors.Is(err, redis.Nil) {
			s.log.WithError(err).WithField("pair", key).Warn("bias: redis read failed, treating pair as new")
		}

		if st.SampleCount == 0 {
			st.EWMACorrelation = report.Correlation
		} else {
			st.EWMACorrelation = ewmaAlpha*report.Correlation + (1-ewmaAlpha)*st.EWMACorrelation
		}
		st.SampleCount++

		if data, jsonErr := json.Marshal(st); jsonErr == nil {
			if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
				s.log.WithError(err).WithField("pair", key).Warn("bias: redis write failed")
			}
		}

		if st.SampleCount >= CoBiasMinSessions && st.EWMACorrelation >= CoBiasCorrelationThreshold {
			flagged = append(flagged, CoBiasReport{
				ReviewerA:   report.ReviewerA,
				ReviewerB:   report.ReviewerB,
				Correlation: st.EWMACorrelation,
				Sessions:    st.SampleCount,
			})
		}
	}
	return flagged
}

// SessionDeviation computes one reviewer's mean signed deviation for a
// session given its awarded scores and the consensus scores, in the same
// Borda-scaled units the aggregator uses.
func SessionDeviation(awarded, consensus map[int]float64) float64 {
	if len(awarded) == 0 {
		return 0
	}
	var sum float64
	for slot, score := range awarded {
		sum += score - consensus[slot]
	}
	return sum / float64(len(awarded))
}
