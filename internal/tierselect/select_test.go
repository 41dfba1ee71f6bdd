package tierselect

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amiable-dev/llm-council/internal/council"
)

type fakeDescriptors struct {
	descs []council.ModelDescriptor
}

func (f fakeDescriptors) All() []council.ModelDescriptor { return f.descs }

func TestSelectFiltersByTierAndCapability(t *testing.T) {
	descs := fakeDescriptors{descs: []council.ModelDescriptor{
		{ID: "quick-a", Provider: "p1", Tier: council.TierQuick, QualityScore: 0.5, Available: true},
		{ID: "high-a", Provider: "p2", Tier: council.TierHigh, QualityScore: 0.8, Available: true, Capabilities: []string{"reasoning"}},
		{ID: "high-b", Provider: "p3", Tier: council.TierHigh, QualityScore: 0.75, Available: true, Capabilities: []string{"reasoning"}},
		{ID: "high-c-no-reason", Provider: "p4", Tier: council.TierHigh, QualityScore: 0.9, Available: true},
	}}

	out, err := Select(descs, Request{
		Tier:                 council.TierHigh,
		RequiredCount:        2,
		RequiredCapabilities: []string{"reasoning"},
	}, DefaultWeights())
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, d := range out {
		require.True(t, d.HasCapability("reasoning"))
		require.True(t, d.Tier.AtLeast(council.TierHigh))
	}
}

func TestSelectInsufficientPanel(t *testing.T) {
	descs := fakeDescriptors{descs: []council.ModelDescriptor{
		{ID: "only-one", Provider: "p1", Tier: council.TierHigh, QualityScore: 0.9, Available: true},
	}}
	_, err := Select(descs, Request{Tier: council.TierHigh, RequiredCount: 2}, DefaultWeights())
	require.ErrorIs(t, err, ErrInsufficientPanel)
}

func TestSelectDiversityPenalizesRepeatedProvider(t *testing.T) {
	descs := fakeDescriptors{descs: []council.ModelDescriptor{
		{ID: "p1-a", Provider: "p1", Tier: council.TierStandard, QualityScore: 0.80, Available: true},
		{ID: "p1-b", Provider: "p1", Tier: council.TierStandard, QualityScore: 0.79, Available: true},
		{ID: "p2-a", Provider: "p2", Tier: council.TierStandard, QualityScore: 0.70, Available: true},
	}}
	out, err := Select(descs, Request{Tier: council.TierStandard, RequiredCount: 2}, Weights{Quality: 0.5, Cost: 0, Diversity: 0.5})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "p1-a", out[0].ID)
}

func TestSelectTieBreakDeterministic(t *testing.T) {
	descs := fakeDescriptors{descs: []council.ModelDescriptor{
		{ID: "zzz", Provider: "p1", Tier: council.TierStandard, QualityScore: 0.5, Available: true},
		{ID: "aaa", Provider: "p2", Tier: council.TierStandard, QualityScore: 0.5, Available: true},
	}}
	out, err := Select(descs, Request{Tier: council.TierStandard, RequiredCount: 2}, Weights{Quality: 1, Cost: 0, Diversity: 0})
	require.NoError(t, err)
	require.Equal(t, "aaa", out[0].ID)
}
