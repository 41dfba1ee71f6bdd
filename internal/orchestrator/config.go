package orchestrator

import (
	"time"

	"github.com/amiable-dev/llm-council/internal/council"
	"github.com/amiable-dev/llm-council/internal/tierselect"
)

// Config holds the orchestrator's tunable policy, separate from any single
// query: selection weights, which models play normalizer/chairman/title
// roles, and the stage-deadline split.
type Config struct {
	Weights tierselect.Weights

	// ChairmanModelID pins the chairman to a specific model. If empty, the
	// chairman is the available registry model at or above ChairmanTier with
	// the highest QualityScore that holds no participant slot; if there is
	// none, the highest-quality participant also serves as chairman.
	ChairmanModelID string
	ChairmanTier    council.Tier

	StyleNormalization bool
	NormalizerModelID  string

	// TitleModelID, if set, is used to generate a short session title via
	// GenerateTitle. Left empty, callers fall back to a truncated prompt.
	TitleModelID string

	// MaxPanelSize caps how many participants the tier selector picks; 0
	// means "select every available candidate matching the tier/capability
	// filter".
	MaxPanelSize int

	MaxReviewers          int // 0 disables stratified sampling
	PositionRandomization bool
	ExcludeSelfVotes      bool // always honored; kept explicit for clarity
	RankingMethod         council.RankingMethod

	// MaxConcurrentCalls bounds how many gateway.Complete calls Stage 1 and
	// Stage 2 run at once, protecting a large panel from overwhelming a
	// shared rate-limited backend. 0 means unbounded.
	MaxConcurrentCalls int64

	// DefaultBudget is the total time budget used when a query carries no
	// deadline.
	DefaultBudget time.Duration

	// SafetyMargin shaves a fraction off every stage deadline so a slow
	// gateway call doesn't blow past the query's own deadline.
	SafetyMargin float64
}

// DefaultConfig matches the engine's documented configuration-surface
// defaults: Borda ranking, style normalization off, no reviewer cap, 90s
// total budget absent an explicit deadline.
func DefaultConfig() Config {
	return Config{
		Weights:               tierselect.DefaultWeights(),
		ChairmanTier:          council.TierFrontier,
		StyleNormalization:    false,
		MaxReviewers:          0,
		PositionRandomization: true,
		ExcludeSelfVotes:      true,
		RankingMethod:         council.RankingBorda,
		DefaultBudget:         90 * time.Second,
		SafetyMargin:          0.05,
		MaxConcurrentCalls:    10,
	}
}

// stageBudget is the start-relative fraction of the total budget at which
// each stage's deadline falls, per §4.7's 60/25/15 split.
type stageBudget struct {
	stage1End float64
	stage2End float64
	stage3End float64
}

var defaultStageBudget = stageBudget{stage1End: 0.60, stage2End: 0.85, stage3End: 1.00}

func (c Config) totalBudget(q council.Query) time.Duration {
	if d := q.Deadline(); !d.IsZero() {
		if remaining := time.Until(d); remaining > 0 {
			return remaining
		}
	}
	if c.DefaultBudget > 0 {
		return c.DefaultBudget
	}
	return 90 * time.Second
}

func (c Config) margin(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (1 - c.SafetyMargin))
}
