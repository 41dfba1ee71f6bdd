// Package rubric parses one reviewer's Stage 2 output into a
// council.PeerReview, preferring structured JSON and falling back through
// two progressively looser textual forms before giving up and abstaining.
package rubric

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/amiable-dev/llm-council/internal/council"
)

// DissentCap bounds how much dissent text is preserved verbatim.
const DissentCap = 2000

// jsonReviewPayload is the structured shape reviewers are asked to emit: a
// "Response X" ranking array plus a parallel scores/critique map, mirroring
// the council.py ranking-prompt's expected JSON.
type jsonReviewPayload struct {
	Ranking  []string                  `json:"ranking"`
	Scores   map[string]float64        `json:"scores"`
	Rubric   map[string]map[string]*float64 `json:"rubric"`
	Critique map[string]string        `json:"critique"`
	Dissent  string                    `json:"dissent"`
	Vote     *bool                     `json:"vote"`
	Blocking []blockingIssueJSON       `json:"blocking_issues"`
}

type blockingIssueJSON struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Location    string `json:"location"`
}

var fencedJSONRe = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")
var legacyRankingRe = regexp.MustCompile(`(?im)^FINAL RANKING:\s*$`)
var bareResponseRe = regexp.MustCompile(`Response\s+([A-Z])`)

// ParseReview parses raw reviewer text for reviewerSlot into a PeerReview
// covering the given non-self candidate slots (labelled "Response A",
// "Response B", ... in ascending slot order). An invalid or unparsable review
// returns Abstained=true with a reason, never an error a caller must branch
// on specially — the caller always gets a usable PeerReview value.
func ParseReview(reviewerSlot int, raw string, candidateSlots []int) council.PeerReview {
	labels := labelCandidates(candidateSlots)

	review, err := parseJSONForm(reviewerSlot, raw, labels)
	if err != nil {
		review, err = parseLegacyForm(reviewerSlot, raw, labels)
	}
	if err != nil {
		review, err = parseBareForm(reviewerSlot, raw, labels)
	}
	if err != nil {
		return council.PeerReview{
			ReviewerSlot:    reviewerSlot,
			Abstained:       true,
			AbstainedReason: err.Error(),
		}
	}

	if !isPermutation(review.Rankings, candidateSlots) {
		return council.PeerReview{
			ReviewerSlot:    reviewerSlot,
			Abstained:       true,
			AbstainedReason: "ranking is not a permutation of non-self candidates",
		}
	}

	if len(review.DissentNote) > DissentCap {
		review.DissentNote = review.DissentNote[:DissentCap]
	}
	clampScores(review.Scores)

	return review
}

// LabelCandidates maps each candidate slot to its canonical "Response X"
// label in ascending slot order. Callers building the Stage 2 prompt must
// use this exact scheme when assigning labels to candidates, since
// ParseReview reconstructs the same mapping independently from the same
// candidate slot set.
func LabelCandidates(slots []int) map[int]string {
	sorted := append([]int(nil), slots...)
	sort.Ints(sorted)
	out := make(map[int]string, len(sorted))
	for i, slot := range sorted {
		out[slot] = fmt.Sprintf("Response %c", 'A'+i)
	}
	return out
}

func labelCandidates(slots []int) map[string]int {
	sorted := append([]int(nil), slots...)
	sort.Ints(sorted)
	labels := make(map[string]int, len(sorted))
	for i, slot := range sorted {
		label := fmt.Sprintf("Response %c", 'A'+i)
		labels[label] = slot
	}
	return labels
}

func extractFencedJSON(raw string) string {
	if m := fencedJSONRe.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		return trimmed
	}
	// Brace-matching scan for a bare JSON object embedded in prose.
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(raw); i++ {
		switch raw[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return ""
}

func parseJSONForm(reviewerSlot int, raw string, labels map[string]int) (council.PeerReview, error) {
	candidate := extractFencedJSON(raw)
	if candidate == "" {
		return council.PeerReview{}, fmt.Errorf("no JSON object found")
	}
	var payload jsonReviewPayload
	if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
		return council.PeerReview{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if len(payload.Ranking) == 0 {
		return council.PeerReview{}, fmt.Errorf("JSON payload has empty ranking")
	}

	rankings := make([]council.RankEntry, 0, len(payload.Ranking))
	for i, label := range payload.Ranking {
		slot, ok := labels[strings.TrimSpace(label)]
		if !ok {
			return council.PeerReview{}, fmt.Errorf("unknown candidate label %q", label)
		}
		rankings = append(rankings, council.RankEntry{CandidateSlot: slot, Rank: i + 1})
	}

	scores := make(map[int]council.RubricScores)
	for label, rubricDims := range payload.Rubric {
		slot, ok := labels[strings.TrimSpace(label)]
		if !ok {
			continue
		}
		scores[slot] = council.RubricScores{
			Accuracy:     rubricDims["accuracy"],
			Completeness: rubricDims["completeness"],
			Clarity:      rubricDims["clarity"],
			Conciseness:  rubricDims["conciseness"],
			Relevance:    rubricDims["relevance"],
		}
	}

	critique := make(map[int]string)
	for label, text := range payload.Critique {
		if slot, ok := labels[strings.TrimSpace(label)]; ok {
			critique[slot] = text
		}
	}

	var blocking []council.BlockingIssue
	for _, b := range payload.Blocking {
		blocking = append(blocking, council.BlockingIssue{
			Severity:    b.Severity,
			Description: b.Description,
			Location:    b.Location,
		})
	}

	return council.PeerReview{
		ReviewerSlot:   reviewerSlot,
		Rankings:       rankings,
		Scores:         scores,
		Critique:       critique,
		DissentNote:    payload.Dissent,
		BinaryVote:     payload.Vote,
		BlockingIssues: blocking,
	}, nil
}

// parseLegacyForm handles a "FINAL RANKING:" section followed by an ordered
// list of "Response X" lines.
func parseLegacyForm(reviewerSlot int, raw string, labels map[string]int) (council.PeerReview, error) {
	loc := legacyRankingRe.FindStringIndex(raw)
	if loc == nil {
		return council.PeerReview{}, fmt.Errorf("no FINAL RANKING section found")
	}
	section := raw[loc[1]:]
	matches := bareResponseRe.FindAllStringSubmatch(section, -1)
	if len(matches) == 0 {
		return council.PeerReview{}, fmt.Errorf("FINAL RANKING section has no Response entries")
	}

	var rankings []council.RankEntry
	for i, m := range matches {
		label := "Response " + m[1]
		slot, ok := labels[label]
		if !ok {
			return council.PeerReview{}, fmt.Errorf("unknown candidate label %q", label)
		}
		rankings = append(rankings, council.RankEntry{CandidateSlot: slot, Rank: i + 1})
	}
	return council.PeerReview{ReviewerSlot: reviewerSlot, Rankings: rankings}, nil
}

// parseBareForm is the last-resort fallback: scan the whole text for
// "Response X" occurrences in order of first appearance.
func parseBareForm(reviewerSlot int, raw string, labels map[string]int) (council.PeerReview, error) {
	matches := bareResponseRe.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return council.PeerReview{}, fmt.Errorf("no Response references found in reviewer output")
	}

	seen := make(map[string]bool)
	var rankings []council.RankEntry
	rank := 1
	for _, m := range matches {
		label := "Response " + m[1]
		if seen[label] {
			continue
		}
		slot, ok := labels[label]
		if !ok {
			continue
		}
		seen[label] = true
		rankings = append(rankings, council.RankEntry{CandidateSlot: slot, Rank: rank})
		rank++
	}
	if len(rankings) == 0 {
		return council.PeerReview{}, fmt.Errorf("no recognizable candidate labels found")
	}
	return council.PeerReview{ReviewerSlot: reviewerSlot, Rankings: rankings}, nil
}

func isPermutation(rankings []council.RankEntry, candidateSlots []int) bool {
	if len(rankings) != len(candidateSlots) {
		return false
	}
	want := make(map[int]bool, len(candidateSlots))
	for _, s := range candidateSlots {
		want[s] = true
	}
	seenSlot := make(map[int]bool, len(rankings))
	seenRank := make(map[int]bool, len(rankings))
	for _, e := range rankings {
		if !want[e.CandidateSlot] || seenSlot[e.CandidateSlot] {
			return false
		}
		if e.Rank < 1 || e.Rank > len(candidateSlots) || seenRank[e.Rank] {
			return false
		}
		seenSlot[e.CandidateSlot] = true
		seenRank[e.Rank] = true
	}
	return true
}

func clampScores(scores map[int]council.RubricScores) {
	clamp := func(v *float64) *float64 {
		if v == nil {
			return nil
		}
		c := *v
		if c < 0 {
			c = 0
		}
		if c > 10 {
			c = 10
		}
		return &c
	}
	for slot, s := range scores {
		s.Accuracy = clamp(s.Accuracy)
		s.Completeness = clamp(s.Completeness)
		s.Clarity = clamp(s.Clarity)
		s.Conciseness = clamp(s.Conciseness)
		s.Relevance = clamp(s.Relevance)
		scores[slot] = s
	}
}

