// Package orchestrator implements the deliberation engine's central state
// machine: IDLE through SEALED (or FAILED from any state), fanning Stage 1
// generation and Stage 2 review out concurrently, then driving aggregation
// and Stage 3 synthesis.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/amiable-dev/llm-council/internal/aggregator"
	"github.com/amiable-dev/llm-council/internal/bias"
	"github.com/amiable-dev/llm-council/internal/council"
	"github.com/amiable-dev/llm-council/internal/events"
	"github.com/amiable-dev/llm-council/internal/gateway"
	"github.com/amiable-dev/llm-council/internal/rubric"
	"github.com/amiable-dev/llm-council/internal/tierselect"
)

// Orchestrator wires the Tier Selector, Gateway, Rubric parser, Aggregator
// and Bias Auditor together behind one state machine.
type Orchestrator struct {
	registry tierselect.Descriptors
	gw       *gateway.Gateway
	bus      *events.Bus
	bias     *bias.Store // nil disables cross-session bias down-weighting
	cfg      Config
	log      *logrus.Logger
}

// New constructs an Orchestrator. biasStore may be nil, in which case every
// reviewer's cross-session weight is treated as 1.0.
func New(registry tierselect.Descriptors, gw *gateway.Gateway, bus *events.Bus, biasStore *bias.Store, cfg Config, log *logrus.Logger) *Orchestrator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{registry: registry, gw: gw, bus: bus, bias: biasStore, cfg: cfg, log: log}
}

// run carries the mutable state of a single Run call, threaded through the
// stage methods instead of stored on the Orchestrator (which is shared
// across concurrent queries).
type run struct {
	query   council.Query
	start   time.Time
	total   time.Duration
	slots   []council.PanelSlot
	descBySlot map[int]council.ModelDescriptor
	chairman   council.PanelSlot

	stage1  []council.StageOneResponse
	reviews []council.PeerReview

	// sessionReviews carries each non-abstaining reviewer's awarded scores
	// and the candidate positions it saw, for this session's bias audit.
	sessionReviews []bias.SessionReview
	auditNotices   []string

	rng *safeRand
}

// safeRand wraps math/rand.Rand with a mutex: Stage 1 and Stage 2 fan out
// across goroutines that each shuffle independently, and rand.Rand is not
// safe for concurrent use.
type safeRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newSafeRand(seed int64) *safeRand {
	return &safeRand{rng: rand.New(rand.NewSource(seed))}
}

func (s *safeRand) Shuffle(n int, swap func(i, j int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng.Shuffle(n, swap)
}

func (o *Orchestrator) publish(r *run, typ council.EventType, stage string, slot *int, payload interface{}) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(&council.LayerEvent{
		Type:    typ,
		QueryID: r.query.ID,
		Stage:   stage,
		Slot:    slot,
		Payload: payload,
	})
}

// Run executes one full deliberation for query and returns the sealed
// result, or an error wrapping a *FailedError if the run terminated early.
func (o *Orchestrator) Run(ctx context.Context, query council.Query) (council.DeliberationResult, error) {
	r := &run{
		query: query,
		start: time.Now(),
		rng:   newSafeRand(seedFor(query.ID)),
	}
	r.total = o.cfg.totalBudget(query)

	result := council.DeliberationResult{
		QueryID:      query.ID,
		StageStarted: make(map[string]time.Time),
		StageEnded:   make(map[string]time.Time),
	}

	o.publish(r, council.EventCouncilStarted, string(StateIdle), nil, nil)

	if err := validateContextIsolation(query); err != nil {
		return o.fail(r, result, ReasonContextIsolationViolation, err)
	}

	if err := ctx.Err(); err != nil {
		return o.fail(r, result, ReasonCancelled, err)
	}

	result.StageStarted["selecting_panel"] = time.Now()
	if err := o.selectPanel(ctx, r); err != nil {
		return o.fail(r, result, ReasonPanelSelectionFailed, err)
	}
	result.StageEnded["selecting_panel"] = time.Now()

	result.StageStarted["stage1"] = time.Now()
	stage1Deadline := r.start.Add(o.cfg.margin(time.Duration(float64(r.total) * defaultStageBudget.stage1End)))
	survivors := o.runStage1(ctx, r, stage1Deadline)
	result.StageEnded["stage1"] = time.Now()
	if len(survivors) < 2 {
		return o.fail(r, result, ReasonInsufficientStage1, fmt.Errorf("%d of %d participants survived", len(survivors), len(r.slots)))
	}
	r.stage1 = survivors

	if err := ctx.Err(); err != nil {
		return o.fail(r, result, ReasonCancelled, err)
	}

	if o.cfg.StyleNormalization && o.cfg.NormalizerModelID != "" {
		result.StageStarted["stage1_5"] = time.Now()
		o.runStage1_5(ctx, r, stage1Deadline)
		result.StageEnded["stage1_5"] = time.Now()
	}

	result.StageStarted["stage2"] = time.Now()
	stage2Deadline := r.start.Add(o.cfg.margin(time.Duration(float64(r.total) * defaultStageBudget.stage2End)))
	reviews := o.runStage2(ctx, r, stage2Deadline)
	result.StageEnded["stage2"] = time.Now()
	r.reviews = reviews

	validCount := 0
	for _, rv := range reviews {
		if !rv.Abstained {
			validCount++
		}
	}
	if validCount < 2 {
		return o.fail(r, result, ReasonInsufficientStage2, fmt.Errorf("%d of %d reviews valid", validCount, len(reviews)))
	}

	if err := ctx.Err(); err != nil {
		return o.fail(r, result, ReasonCancelled, err)
	}

	result.StageStarted["aggregating"] = time.Now()
	agg, err := o.aggregate(ctx, r)
	result.StageEnded["aggregating"] = time.Now()
	if err != nil {
		return o.fail(r, result, ReasonInsufficientStage2, err)
	}
	result.Aggregate = agg

	result.StageStarted["stage3"] = time.Now()
	stage3Deadline := r.start.Add(o.cfg.margin(r.total))
	synthesis, degradation := o.runStage3(ctx, r, stage3Deadline, agg)
	result.StageEnded["stage3"] = time.Now()

	result.Synthesis = synthesis
	result.WinningSlot = agg.Winner()
	result.Stage1 = survivors
	result.Reviews = reviews
	if degradation != "" {
		result.DegradationNotices = append(result.DegradationNotices, degradation)
	}
	for _, s := range survivors {
		result.DegradationNotices = append(result.DegradationNotices, s.DegradationNotices...)
	}
	result.DegradationNotices = append(result.DegradationNotices, r.auditNotices...)
	result.ExitCode = exitCodeFor(query, agg)

	if result.ExitCode != council.ExitPass {
		o.publish(r, council.EventDegradationNotice, string(StateAggregating), nil, map[string]interface{}{"exit_code": result.ExitCode})
	}

	o.publish(r, council.EventCouncilCompleted, string(StateSealed), nil, map[string]interface{}{"exit_code": result.ExitCode})
	if o.bus != nil {
		o.bus.ReleaseQuery(query.ID)
	}
	return result, nil
}

func exitCodeFor(q council.Query, agg council.AggregateResult) int {
	if q.VerdictType == council.VerdictTypeBinary {
		switch agg.Verdict {
		case council.VerdictPass:
			return council.ExitPass
		case council.VerdictFail:
			return council.ExitFail
		default:
			return council.ExitUnclearOrLowConfidence
		}
	}
	if agg.Confidence < 0.5 {
		return council.ExitUnclearOrLowConfidence
	}
	return council.ExitPass
}

func (o *Orchestrator) fail(r *run, result council.DeliberationResult, reason FailureReason, cause error) (council.DeliberationResult, error) {
	exitCode := council.ExitSystemError
	if reason == ReasonPanelSelectionFailed || reason == ReasonInsufficientStage1 {
		exitCode = council.ExitInsufficientPanel
	}
	result.ExitCode = exitCode
	o.log.WithError(cause).WithField("query_id", r.query.ID).WithField("reason", reason).Warn("orchestrator: deliberation failed")
	o.publish(r, council.EventCouncilFailed, string(StateFailed), nil, map[string]interface{}{"reason": string(reason)})
	if o.bus != nil {
		o.bus.ReleaseQuery(r.query.ID)
	}
	return result, &FailedError{State: StateFailed, Reason: reason, Cause: cause}
}

// seedFor derives a deterministic-per-query RNG seed from the query id so
// shuffles are reproducible within a single run's replays/tests without
// needing a shared global RNG.
func seedFor(queryID string) int64 {
	h := sha256.Sum256([]byte(queryID))
	var seed int64
	for i := 0; i < 8; i++ {
		seed = seed<<8 | int64(h[i])
	}
	if seed < 0 {
		seed = -seed
	}
	if seed == 0 {
		seed = 1
	}
	return seed
}

// selectPanel runs the tier selector for participants and resolves a
// chairman, assigning PanelSlot indices.
func (o *Orchestrator) selectPanel(ctx context.Context, r *run) error {
	req := tierselect.Request{
		Tier:                 r.query.Tier,
		RequiredCount:        o.cfg.MaxPanelSize,
		RequiredCapabilities: r.query.Capabilities,
	}
	descs, err := tierselect.Select(o.registry, req, o.cfg.Weights)
	if err != nil {
		return err
	}

	r.slots = make([]council.PanelSlot, len(descs))
	r.descBySlot = make(map[int]council.ModelDescriptor, len(descs))
	participantIDs := make(map[string]bool, len(descs))
	for i, d := range descs {
		r.slots[i] = council.PanelSlot{Index: i, ModelID: d.ID, Role: council.RoleParticipant}
		r.descBySlot[i] = d
		participantIDs[d.ID] = true
	}

	chairmanDesc := o.selectChairman(participantIDs, descs)
	r.chairman = council.PanelSlot{Index: len(r.slots), ModelID: chairmanDesc.ID, Role: council.RoleChairman}
	return nil
}

func (o *Orchestrator) selectChairman(exclude map[string]bool, participants []council.ModelDescriptor) council.ModelDescriptor {
	if o.cfg.ChairmanModelID != "" {
		return council.ModelDescriptor{ID: o.cfg.ChairmanModelID, Tier: o.cfg.ChairmanTier, Available: true}
	}

	var best council.ModelDescriptor
	haveBest := false
	for _, d := range o.registry.All() {
		if !d.Available || exclude[d.ID] {
			continue
		}
		if d.Tier.Rank() < o.cfg.ChairmanTier.Rank() {
			continue
		}
		if !haveBest || d.QualityScore > best.QualityScore {
			best = d
			haveBest = true
		}
	}
	if haveBest {
		return best
	}

	// No distinct frontier-tier model available: fall back to the
	// highest-quality participant, who then plays both roles.
	for _, d := range participants {
		if !haveBest || d.QualityScore > best.QualityScore {
			best = d
			haveBest = true
		}
	}
	return best
}

// runStage1 fans out generation calls to every participant slot
// concurrently. A slot's failure never cancels its peers.
func (o *Orchestrator) runStage1(ctx context.Context, r *run, deadline time.Time) []council.StageOneResponse {
	responses := make([]council.StageOneResponse, len(r.slots))
	sem := concurrencyLimiter(o.cfg.MaxConcurrentCalls)
	var wg sync.WaitGroup
	for _, slot := range r.slots {
		wg.Add(1)
		go func(slot council.PanelSlot) {
			defer wg.Done()
			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					return
				}
				defer sem.Release(1)
			}
			idx := slot.Index
			o.publish(r, council.EventStage1SlotStarted, string(StateStage1Running), &idx, nil)

			start := time.Now()
			res, err := o.gw.Complete(ctx, gateway.CompletionRequest{
				ModelID:  slot.ModelID,
				Prompt:   stage1Prompt(r.query),
				Deadline: deadline,
			})
			resp := council.StageOneResponse{SlotIndex: idx, Latency: time.Since(start)}
			if err != nil {
				if ctx.Err() != nil {
					resp.Status = council.SlotTimeout
				} else {
					resp.Status = council.SlotFailed
				}
				o.log.WithError(err).WithField("model_id", slot.ModelID).Warn("orchestrator: stage1 slot failed")
			} else {
				resp.Status = council.SlotOK
				resp.Content = res.Content
				resp.PromptTokens = res.PromptTokens
				resp.CompletionTokens = res.CompletionTokens
				resp.DegradationNotices = res.DegradationNotices
			}
			responses[idx] = resp
			o.publish(r, council.EventStage1SlotComplete, string(StateStage1Running), &idx, map[string]interface{}{"status": string(resp.Status)})
		}(slot)
	}
	wg.Wait()

	survivors := make([]council.StageOneResponse, 0, len(responses))
	for _, resp := range responses {
		if resp.Status == council.SlotOK {
			survivors = append(survivors, resp)
		}
	}
	o.publish(r, council.EventStage1Complete, string(StateStage1Running), nil, map[string]interface{}{"survivors": len(survivors)})
	return survivors
}

// concurrencyLimiter returns a weighted semaphore bounding concurrent
// gateway calls, or nil when n is not positive (unbounded fan-out).
func concurrencyLimiter(n int64) *semaphore.Weighted {
	if n <= 0 {
		return nil
	}
	return semaphore.NewWeighted(n)
}

// foreignSnapshotPattern finds hex tokens shaped like a commit or snapshot
// id anywhere in free text, used to catch a second, undeclared snapshot
// reference smuggled into the prompt body.
var foreignSnapshotPattern = regexp.MustCompile(`\b[0-9a-fA-F]{7,40}\b`)

// validateContextIsolation enforces the isolation flag: a query that asks
// for isolation must pin its input material to a snapshot, and its prompt
// must not reference any snapshot other than the one it declared. Query
// carries no conversation history field, so "no prior conversation turns"
// is enforced structurally by never threading anything but query.Prompt
// and query.SnapshotID into the Stage 1 request.
func validateContextIsolation(query council.Query) error {
	if !query.ContextIsolated {
		return nil
	}
	if query.SnapshotID == "" {
		return fmt.Errorf("context isolation requires a snapshot_id to pin input material against")
	}
	for _, tok := range foreignSnapshotPattern.FindAllString(query.Prompt, -1) {
		if !strings.EqualFold(tok, query.SnapshotID) {
			return fmt.Errorf("prompt references %q, which was not declared in snapshot %q", tok, query.SnapshotID)
		}
	}
	return nil
}

// stage1Prompt builds the exact text sent to a Stage 1 participant. Under
// context isolation it is scoped to query.Prompt and the declared snapshot
// only, per validateContextIsolation.
func stage1Prompt(query council.Query) string {
	if query.ContextIsolated {
		return fmt.Sprintf("Snapshot: %s\n\n%s", query.SnapshotID, query.Prompt)
	}
	return query.Prompt
}

func normalizePrompt(original string) string {
	return "Rewrite the following text to have a neutral, consistent style while preserving ALL content and meaning exactly.\n\n" +
		"Rules:\n" +
		"- Remove any AI-assistant preambles such as \"As an AI...\" or \"I'd be happy to help...\"\n" +
		"- Use consistent markdown formatting\n" +
		"- Maintain a professional, neutral tone\n" +
		"- Do NOT add or remove any substantive content\n\n" +
		"Original text:\n" + original + "\n\nRewritten text:"
}

// runStage1_5 rewrites each surviving response in neutral voice. Failures
// here are non-fatal: the original content is kept.
func (o *Orchestrator) runStage1_5(ctx context.Context, r *run, deadline time.Time) {
	var wg sync.WaitGroup
	for i := range r.stage1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := o.gw.Complete(ctx, gateway.CompletionRequest{
				ModelID:  o.cfg.NormalizerModelID,
				Prompt:   normalizePrompt(r.stage1[i].Content),
				Deadline: deadline,
			})
			if err != nil {
				o.log.WithError(err).Debug("orchestrator: stage1.5 normalization failed, using original text")
				return
			}
			r.stage1[i].NormalizedContent = res.Content
		}(i)
	}
	wg.Wait()
}

// runStage2 builds one anonymized, position-randomized review prompt per
// reviewer and fans out the calls concurrently. An unparsable reply becomes
// an abstention rather than aborting the session.
func (o *Orchestrator) runStage2(ctx context.Context, r *run, deadline time.Time) []council.PeerReview {
	reviewers := r.stage1
	if o.cfg.MaxReviewers > 0 && len(reviewers) > o.cfg.MaxReviewers {
		reviewers = stratifiedSample(reviewers, o.cfg.MaxReviewers, r.rng)
	}

	content := make(map[int]string, len(r.stage1))
	allSlots := make([]int, 0, len(r.stage1))
	for _, s := range r.stage1 {
		content[s.SlotIndex] = s.EffectiveContent()
		allSlots = append(allSlots, s.SlotIndex)
	}

	reviews := make([]council.PeerReview, len(reviewers))
	sessionReviews := make([]bias.SessionReview, len(reviewers))
	sem := concurrencyLimiter(o.cfg.MaxConcurrentCalls)
	var wg sync.WaitGroup
	for i, reviewer := range reviewers {
		wg.Add(1)
		go func(i int, reviewer council.StageOneResponse) {
			defer wg.Done()
			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					return
				}
				defer sem.Release(1)
			}
			reviewerSlot := reviewer.SlotIndex
			candidateSlots := excludeSlot(allSlots, reviewerSlot)

			labeled, positionBySlot := buildLabeledCandidates(candidateSlots, content, o.cfg.PositionRandomization, r.rng)
			prompt := buildStage2Prompt(r.query, labeled)

			o.publish(r, council.EventStage2SlotStarted, string(StateStage2Running), &reviewerSlot, nil)
			res, err := o.gw.Complete(ctx, gateway.CompletionRequest{
				ModelID:  r.descBySlot[reviewerSlot].ID,
				Prompt:   prompt,
				Deadline: deadline,
			})

			var review council.PeerReview
			if err != nil {
				review = council.PeerReview{ReviewerSlot: reviewerSlot, Abstained: true, AbstainedReason: err.Error()}
			} else {
				review = rubric.ParseReview(reviewerSlot, res.Content, candidateSlots)
			}
			reviews[i] = review
			if !review.Abstained {
				sessionReviews[i] = bias.SessionReview{
					ReviewerSlot:   reviewerSlot,
					ScoresBySlot:   awardedScores(review),
					PositionBySlot: positionBySlot,
				}
			}
			o.publish(r, council.EventStage2SlotComplete, string(StateStage2Running), &reviewerSlot, map[string]interface{}{"abstained": review.Abstained})
		}(i, reviewer)
	}
	wg.Wait()

	for _, sr := range sessionReviews {
		if sr.ScoresBySlot != nil {
			r.sessionReviews = append(r.sessionReviews, sr)
		}
	}

	o.publish(r, council.EventStage2Complete, string(StateStage2Running), nil, map[string]interface{}{"reviews": len(reviews)})
	return reviews
}

func excludeSlot(slots []int, exclude int) []int {
	out := make([]int, 0, len(slots)-1)
	for _, s := range slots {
		if s != exclude {
			out = append(out, s)
		}
	}
	return out
}

// buildLabeledCandidates assigns each candidate its canonical label (the
// same scheme rubric.ParseReview reconstructs) and, if enabled, shuffles the
// order the candidates are rendered in the prompt to mitigate positional
// bias without disturbing the label mapping. The returned map records the
// 0-based position each slot was shown at, for the positional-bias audit.
func buildLabeledCandidates(candidateSlots []int, content map[int]string, positionRandom bool, rng *safeRand) ([]labeledCandidate, map[int]int) {
	labels := rubric.LabelCandidates(candidateSlots)
	order := append([]int(nil), candidateSlots...)
	if positionRandom {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	out := make([]labeledCandidate, len(order))
	positionBySlot := make(map[int]int, len(order))
	for i, slot := range order {
		out[i] = labeledCandidate{Label: labels[slot], Slot: slot, Text: content[slot]}
		positionBySlot[slot] = i
	}
	return out, positionBySlot
}

// awardedScores derives each candidate's Borda-scaled awarded score from a
// reviewer's rank positions, in the same units the aggregator and the bias
// auditor's cross-session deviation both use.
func awardedScores(rv council.PeerReview) map[int]float64 {
	m := len(rv.Rankings)
	awarded := make(map[int]float64, m)
	for _, e := range rv.Rankings {
		if m <= 1 {
			awarded[e.CandidateSlot] = 1.0
			continue
		}
		awarded[e.CandidateSlot] = 1 - float64(e.Rank-1)/float64(m-1)
	}
	return awarded
}

// stratifiedSample draws k reviewers at random without replacement, per the
// large-council stratified-sampling supplement.
func stratifiedSample(pool []council.StageOneResponse, k int, rng *safeRand) []council.StageOneResponse {
	shuffled := append([]council.StageOneResponse(nil), pool...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:k]
}

// aggregate runs the Aggregator, folding in cross-session bias weights if a
// Store is configured, and records this session's per-reviewer deviation
// back into that store for future sessions.
func (o *Orchestrator) aggregate(ctx context.Context, r *run) (council.AggregateResult, error) {
	slots := make([]int, len(r.stage1))
	for i, s := range r.stage1 {
		slots[i] = s.SlotIndex
	}

	var externalWeights map[int]float64
	if o.bias != nil {
		reviewerIDs := make(map[int]string, len(r.reviews))
		for _, rv := range r.reviews {
			reviewerIDs[rv.ReviewerSlot] = r.descBySlot[rv.ReviewerSlot].ID
		}
		externalWeights = o.bias.ExternalWeights(ctx, reviewerIDs)
	}

	agg, err := aggregator.Aggregate(aggregator.Input{
		CandidateSlots:  slots,
		Reviews:         r.reviews,
		VerdictType:     r.query.VerdictType,
		Method:          o.cfg.RankingMethod,
		TieBreak:        buildTieBreak(r),
		ExternalWeights: externalWeights,
	})
	if err != nil {
		return council.AggregateResult{}, err
	}

	if o.bias != nil {
		o.recordBiasSessions(ctx, r, agg)
	}
	r.auditNotices = o.auditSession(ctx, r)
	return agg, nil
}

func buildTieBreak(r *run) map[int]aggregator.TieBreakInfo {
	info := make(map[int]aggregator.TieBreakInfo, len(r.stage1))
	accuracySum := make(map[int]float64)
	accuracyCount := make(map[int]int)
	for _, rv := range r.reviews {
		if rv.Abstained {
			continue
		}
		for slot, scores := range rv.Scores {
			if scores.Accuracy != nil {
				accuracySum[slot] += *scores.Accuracy
				accuracyCount[slot]++
			}
		}
	}
	for _, s := range r.stage1 {
		desc := r.descBySlot[s.SlotIndex]
		cost := desc.EstimatedCost(s.PromptTokens, s.CompletionTokens)
		var meanAccuracy float64
		if n := accuracyCount[s.SlotIndex]; n > 0 {
			meanAccuracy = accuracySum[s.SlotIndex] / float64(n)
		}
		sum := sha256.Sum256([]byte(s.Content))
		info[s.SlotIndex] = aggregator.TieBreakInfo{
			MeanAccuracy: meanAccuracy,
			TotalCost:    cost,
			ContentHash:  hex.EncodeToString(sum[:8]),
		}
	}
	return info
}

// recordBiasSessions folds each valid reviewer's approximate awarded scores
// (derived from its rank positions, since the Aggregator's internal Borda
// arithmetic is private) against the session's consensus scores into the
// cross-session EWMA store.
func (o *Orchestrator) recordBiasSessions(ctx context.Context, r *run, agg council.AggregateResult) {
	for _, rv := range r.reviews {
		if rv.Abstained || len(rv.Rankings) == 0 {
			continue
		}
		deviation := bias.SessionDeviation(awardedScores(rv), agg.ScoresBySlot)
		reviewerID := r.descBySlot[rv.ReviewerSlot].ID
		if _, err := o.bias.RecordSession(ctx, reviewerID, deviation); err != nil {
			o.log.WithError(err).WithField("reviewer_id", reviewerID).Debug("orchestrator: failed to record bias session")
		}
	}
}

// auditSession runs the per-session bias checks against this session's raw
// reviews and records each named in §4.6: self-preference attempts caught
// before scoring ever saw them, positional-bias correlation per reviewer,
// and reviewer-pair co-bias correlation (persisted cross-session when a
// Store is configured, so a single noisy session can't flag a pair alone).
func (o *Orchestrator) auditSession(ctx context.Context, r *run) []string {
	var notices []string

	if attempts := bias.DetectSelfPreference(r.query.ID, r.reviews); len(attempts) > 0 {
		o.log.WithField("query_id", r.query.ID).WithField("count", len(attempts)).Warn("orchestrator: reviewer attempted to rank itself")
		notices = append(notices, fmt.Sprintf("%d reviewer(s) attempted self-preference and were excluded", len(attempts)))
	}

	for _, p := range bias.DetectPositionalBias(r.sessionReviews) {
		if math.Abs(p.Correlation) < bias.PositionalBiasThreshold {
			continue
		}
		o.log.WithField("query_id", r.query.ID).WithField("reviewer_slot", p.ReviewerSlot).WithField("correlation", p.Correlation).Warn("orchestrator: positional bias detected")
		notices = append(notices, fmt.Sprintf("reviewer slot %d shows positional bias (correlation %.2f)", p.ReviewerSlot, p.Correlation))
	}

	sessionCoBias := bias.DetectCoBias(r.sessionReviews)
	if o.bias != nil && len(sessionCoBias) > 0 {
		idBySlot := make(map[int]string, len(r.descBySlot))
		for slot, d := range r.descBySlot {
			idBySlot[slot] = d.ID
		}
		for _, flagged := range o.bias.CrossSessionCoBias(ctx, sessionCoBias, idBySlot) {
			o.log.WithField("query_id", r.query.ID).WithField("reviewer_a", flagged.ReviewerA).WithField("reviewer_b", flagged.ReviewerB).WithField("correlation", flagged.Correlation).Warn("orchestrator: cross-session co-bias flagged")
			notices = append(notices, fmt.Sprintf("reviewer slots %d/%d flagged for co-bias across %d sessions (correlation %.2f)", flagged.ReviewerA, flagged.ReviewerB, flagged.Sessions, flagged.Correlation))
		}
	}

	return notices
}

// runStage3 drives the chairman's synthesis, streaming tokens via the event
// bus when the query requested streaming. A chairman failure degrades to a
// fallback synthesis message rather than failing the whole session.
func (o *Orchestrator) runStage3(ctx context.Context, r *run, deadline time.Time, agg council.AggregateResult) (synthesis string, degradationNotice string) {
	idx := r.chairman.Index
	o.publish(r, council.EventStage3Started, string(StateStage3Running), &idx, nil)

	slotModel := make(map[int]string, len(r.descBySlot))
	for slot, d := range r.descBySlot {
		slotModel[slot] = d.ID
	}
	prompt := buildStage3Prompt(r.query, r.stage1, slotModel, r.reviews, agg)
	req := gateway.CompletionRequest{ModelID: r.chairman.ModelID, Prompt: prompt, Deadline: deadline}

	if !r.query.Streaming {
		res, err := o.gw.Complete(ctx, req)
		if err != nil {
			o.log.WithError(err).Warn("orchestrator: chairman synthesis failed, using fallback text")
			o.publish(r, council.EventStage3Complete, string(StateStage3Running), &idx, map[string]interface{}{"degraded": true})
			return "Unable to generate a chairman synthesis for this session; see stage1/stage2 detail for candidate answers and rankings.", "chairman synthesis failed: " + err.Error()
		}
		o.publish(r, council.EventStage3Complete, string(StateStage3Running), &idx, nil)
		return res.Content, ""
	}

	chunks, err := o.gw.CompleteStream(ctx, req)
	if err != nil {
		o.publish(r, council.EventStage3Complete, string(StateStage3Running), &idx, map[string]interface{}{"degraded": true})
		return "Unable to generate a chairman synthesis for this session.", "chairman synthesis failed: " + err.Error()
	}
	var sb []byte
	var streamErr error
	for chunk := range chunks {
		if chunk.Err != nil {
			streamErr = chunk.Err
			continue
		}
		sb = append(sb, chunk.Content...)
		o.publish(r, council.EventStage3Token, string(StateStage3Running), &idx, chunk.Content)
	}
	o.publish(r, council.EventStage3Complete, string(StateStage3Running), &idx, nil)
	if streamErr != nil && len(sb) == 0 {
		return "Unable to generate a chairman synthesis for this session.", "chairman synthesis failed: " + streamErr.Error()
	}
	return string(sb), ""
}

// GenerateTitle produces a short session title. If cfg.TitleModelID is
// unset, it falls back to a truncated prompt rather than spending a model
// call on a cosmetic feature.
func (o *Orchestrator) GenerateTitle(ctx context.Context, prompt string) string {
	const maxLen = 60
	fallback := prompt
	if len(fallback) > maxLen {
		fallback = fallback[:maxLen]
	}
	if o.cfg.TitleModelID == "" {
		return fallback
	}
	res, err := o.gw.Complete(ctx, gateway.CompletionRequest{
		ModelID: o.cfg.TitleModelID,
		Prompt:  titlePrompt(prompt),
		Deadline: time.Now().Add(10 * time.Second),
	})
	if err != nil {
		return fallback
	}
	return res.Content
}
