package bias

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/amiable-dev/llm-council/internal/council"
)

func TestDetectSelfPreferenceCatchesOwnSlot(t *testing.T) {
	reviews := []council.PeerReview{
		{ReviewerSlot: 0, Rankings: []council.RankEntry{{CandidateSlot: 0, Rank: 1}, {CandidateSlot: 1, Rank: 2}}},
		{ReviewerSlot: 1, Rankings: []council.RankEntry{{CandidateSlot: 0, Rank: 1}}},
	}
	attempts := DetectSelfPreference("q1", reviews)
	require.Len(t, attempts, 1)
	require.Equal(t, 0, attempts[0].ReviewerSlot)
}

func TestDetectPositionalBiasFlagsFirstPositionPreference(t *testing.T) {
	reviews := []SessionReview{
		{
			ReviewerSlot:   0,
			ScoresBySlot:   map[int]float64{0: 1.0, 1: 0.5, 2: 0.0},
			PositionBySlot: map[int]int{0: 0, 1: 1, 2: 2},
		},
	}
	reports := DetectPositionalBias(reviews)
	require.Len(t, reports, 1)
	require.InDelta(t, -1.0, reports[0].Correlation, 1e-9, "score decreasing with position gives -1 correlation(position,score)")
}

func TestSpearmanPerfectAgreement(t *testing.T) {
	require.InDelta(t, 1.0, spearman([]float64{1, 2, 3}, []float64{10, 20, 30}), 1e-9)
}

func TestSpearmanHandlesTies(t *testing.T) {
	corr := spearman([]float64{1, 1, 2}, []float64{5, 5, 9})
	require.InDelta(t, 1.0, corr, 1e-9)
}

func TestDetectCoBiasFlagsCorrelatedReviewers(t *testing.T) {
	reviews := []SessionReview{
		{ReviewerSlot: 0, ScoresBySlot: map[int]float64{0: 1.0, 1: 0.5, 2: 0.0}},
		{ReviewerSlot: 1, ScoresBySlot: map[int]float64{0: 0.9, 1: 0.4, 2: 0.1}},
	}
	reports := DetectCoBias(reviews)
	require.Len(t, reports, 1)
	require.Equal(t, 0, reports[0].ReviewerA)
	require.Equal(t, 1, reports[0].ReviewerB)
}

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(client, "test:bias:", nil), mr
}

func TestStoreRecordSessionEWMAConverges(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	var st ReviewerState
	var err error
	for i := 0; i < 50; i++ {
		st, err = store.RecordSession(ctx, "reviewer-x", 0.5)
		require.NoError(t, err)
	}
	require.InDelta(t, 0.5, st.EWMADeviation, 0.01, "EWMA should converge to a constant input")
	require.True(t, st.Flagged())
}

func TestStoreGetUnknownReviewerIsUnflagged(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()
	st, err := store.Get(context.Background(), "never-seen")
	require.NoError(t, err)
	require.False(t, st.Flagged())
	require.Equal(t, 0, st.SampleCount)
}

func TestExternalWeightsRequiresMinimumSamples(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	// Only two sessions recorded, below CoBiasMinSessions, even though the
	// deviation itself is well past the threshold.
	_, _ = store.RecordSession(ctx, "reviewer-thin", 0.9)
	_, _ = store.RecordSession(ctx, "reviewer-thin", 0.9)

	weights := store.ExternalWeights(ctx, map[int]string{0: "reviewer-thin"})
	require.Equal(t, 1.0, weights[0], "a thin sample must not trigger the down-weight")
}

func TestExternalWeightsDownweightsFlaggedReviewer(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	for i := 0; i < CoBiasMinSessions+1; i++ {
		_, _ = store.RecordSession(ctx, "reviewer-biased", 0.9)
	}
	weights := store.ExternalWeights(ctx, map[int]string{2: "reviewer-biased"})
	require.Equal(t, 0.5, weights[2])
}

func TestCrossSessionCoBiasRequiresMinimumSessions(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	idBySlot := map[int]string{0: "reviewer-a", 1: "reviewer-b"}
	reports := []CoBiasReport{{ReviewerA: 0, ReviewerB: 1, Correlation: 0.95, Sessions: 1}}

	var flagged []CoBiasReport
	for i := 0; i < CoBiasMinSessions-1; i++ {
		flagged = store.CrossSessionCoBias(ctx, reports, idBySlot)
	}
	require.Empty(t, flagged, "a thin cross-session sample must not flag the pair")
}

func TestCrossSessionCoBiasFlagsAfterMinimumSessions(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	idBySlot := map[int]string{0: "reviewer-a", 1: "reviewer-b"}
	reports := []CoBiasReport{{ReviewerA: 0, ReviewerB: 1, Correlation: 0.95, Sessions: 1}}

	var flagged []CoBiasReport
	for i := 0; i < CoBiasMinSessions+1; i++ {
		flagged = store.CrossSessionCoBias(ctx, reports, idBySlot)
	}
	require.Len(t, flagged, 1)
	require.InDelta(t, 0.95, flagged[0].Correlation, 0.01)
	require.Equal(t, CoBiasMinSessions+1, flagged[0].Sessions)
}

func TestCrossSessionCoBiasIsOrderIndependent(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	for i := 0; i < CoBiasMinSessions; i++ {
		reports := []CoBiasReport{{ReviewerA: 0, ReviewerB: 1, Correlation: 0.95}}
		store.CrossSessionCoBias(ctx, reports, map[int]string{0: "reviewer-a", 1: "reviewer-b"})
	}
	// Same pair, slots swapped: must hit the same persisted record.
	flagged := store.CrossSessionCoBias(ctx, []CoBiasReport{{ReviewerA: 1, ReviewerB: 0, Correlation: 0.95}}, map[int]string{1: "reviewer-a", 0: "reviewer-b"})
	require.Len(t, flagged, 1)
	require.Equal(t, CoBiasMinSessions+1, flagged[0].Sessions)
}

func TestSessionDeviationAveragesSignedDiffs(t *testing.T) {
	awarded := map[int]float64{0: 1.0, 1: 0.0}
	consensus := map[int]float64{0: 0.5, 1: 0.5}
	d := SessionDeviation(awarded, consensus)
	require.InDelta(t, 0.0, d, 1e-9, "symmetric over/under-scoring should average to zero")
}
