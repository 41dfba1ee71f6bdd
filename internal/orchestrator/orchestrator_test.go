package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amiable-dev/llm-council/internal/council"
	"github.com/amiable-dev/llm-council/internal/events"
	"github.com/amiable-dev/llm-council/internal/gateway"
)

// fakeDescriptors implements tierselect.Descriptors over a fixed slice.
type fakeDescriptors struct {
	descs []council.ModelDescriptor
}

func (f fakeDescriptors) All() []council.ModelDescriptor { return f.descs }

// scriptedProvider answers every Complete call with a fixed responder
// function, keyed by model id, so a test can give each panel member its own
// canned Stage 1 / Stage 2 reply.
type scriptedProvider struct {
	reply func(req gateway.CompletionRequest) (string, error)
}

func (p scriptedProvider) Complete(ctx context.Context, req gateway.CompletionRequest) (*gateway.CompletionResult, error) {
	text, err := p.reply(req)
	if err != nil {
		return nil, err
	}
	return &gateway.CompletionResult{Content: text}, nil
}

func (p scriptedProvider) CompleteStream(ctx context.Context, req gateway.CompletionRequest) (<-chan gateway.CompletionChunk, error) {
	return nil, fmt.Errorf("scriptedProvider does not stream")
}

func (p scriptedProvider) HealthCheck(ctx context.Context) error { return nil }

func jsonRanking(rankingLabels ...string) string {
	var sb strings.Builder
	sb.WriteString("My analysis follows.\n```json\n{\"ranking\": [")
	for i, l := range rankingLabels {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%q", l)
	}
	sb.WriteString("]}\n```\n")
	return sb.String()
}

// buildHarness wires four participant models plus a chairman, each
// answering Stage 1 with a distinct canned response and Stage 2 with a
// ranking of the candidates in the order its review prompt shows them
// (an order that position randomization shuffles).
func buildHarness(t *testing.T) (*Orchestrator, []string) {
	t.Helper()
	modelIDs := []string{"model/a", "model/b", "model/c", "model/d"}
	descs := make([]council.ModelDescriptor, len(modelIDs))
	providers := make(map[string]gateway.CompletionProvider, len(modelIDs)+1)
	for i, id := range modelIDs {
		descs[i] = council.ModelDescriptor{ID: id, Provider: id, Tier: council.TierStandard, QualityScore: 0.5 + float64(i)*0.01, Available: true}
		providers[id] = scriptedProvider{reply: func(req gateway.CompletionRequest) (string, error) {
			if strings.Contains(req.Prompt, "<evaluation_task>") {
				// Stage 2: rank whatever candidates are visible, in the
				// order they were shown (simulating a reviewer that always
				// agrees with the order given).
				var labels []string
				for _, line := range strings.Split(req.Prompt, "\n") {
					if strings.Contains(line, "<candidate_response id=") {
						start := strings.Index(line, "\"") + 1
						end := strings.Index(line[start:], "\"") + start
						labels = append(labels, line[start:end])
					}
				}
				return jsonRanking(labels...), nil
			}
			return "stage1 answer from " + req.ModelID, nil
		}}
	}
	providers["chairman/x"] = scriptedProvider{reply: func(req gateway.CompletionRequest) (string, error) {
		return "final synthesis", nil
	}}

	gw := gateway.NewGateway(gateway.NewStaticBackends(providers), gateway.DefaultRetryConfig(), gateway.DefaultCircuitBreakerConfig(), nil)
	bus := events.NewBus(events.DefaultBusConfig(), nil)
	cfg := DefaultConfig()
	cfg.ChairmanModelID = "chairman/x"
	cfg.MaxPanelSize = 4

	o := New(fakeDescriptors{descs: descs}, gw, bus, nil, cfg, nil)
	return o, modelIDs
}

func TestRunHappyPathSeals(t *testing.T) {
	o, _ := buildHarness(t)
	query := council.Query{
		ID:         "q1",
		Prompt:     "What is the capital of France?",
		Mode:       council.ModeConsensus,
		Tier:       council.TierStandard,
		DeadlineMS: int64(30 * time.Second / time.Millisecond),
		CreatedAt:  time.Now(),
	}

	result, err := o.Run(context.Background(), query)
	require.NoError(t, err)
	require.Equal(t, council.ExitPass, result.ExitCode)
	require.Equal(t, "final synthesis", result.Synthesis)
	require.Len(t, result.Stage1, 4)
	require.GreaterOrEqual(t, len(result.Reviews), 2)
}

func TestRunInsufficientStage1Fails(t *testing.T) {
	modelIDs := []string{"model/a", "model/b"}
	descs := []council.ModelDescriptor{
		{ID: modelIDs[0], Tier: council.TierStandard, Available: true},
		{ID: modelIDs[1], Tier: council.TierStandard, Available: true},
	}
	providers := map[string]gateway.CompletionProvider{
		modelIDs[0]: scriptedProvider{reply: func(req gateway.CompletionRequest) (string, error) {
			return "", fmt.Errorf("upstream exploded")
		}},
		modelIDs[1]: scriptedProvider{reply: func(req gateway.CompletionRequest) (string, error) {
			return "", fmt.Errorf("upstream exploded")
		}},
	}
	gw := gateway.NewGateway(gateway.NewStaticBackends(providers), gateway.RetryConfig{MaxAttempts: 1}, gateway.DefaultCircuitBreakerConfig(), nil)
	bus := events.NewBus(events.DefaultBusConfig(), nil)
	cfg := DefaultConfig()
	cfg.ChairmanModelID = "model/a"
	cfg.MaxPanelSize = 2

	o := New(fakeDescriptors{descs: descs}, gw, bus, nil, cfg, nil)
	query := council.Query{ID: "q2", Prompt: "test", Tier: council.TierStandard, CreatedAt: time.Now()}

	result, err := o.Run(context.Background(), query)
	require.Error(t, err)
	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	require.Equal(t, ReasonInsufficientStage1, failed.Reason)
	require.Equal(t, council.ExitInsufficientPanel, result.ExitCode)
}

func TestRunPanelSelectionFailsWithSingleCandidate(t *testing.T) {
	descs := []council.ModelDescriptor{{ID: "only/one", Tier: council.TierStandard, Available: true}}
	gw := gateway.NewGateway(gateway.NewStaticBackends(nil), gateway.DefaultRetryConfig(), gateway.DefaultCircuitBreakerConfig(), nil)
	cfg := DefaultConfig()
	o := New(fakeDescriptors{descs: descs}, gw, nil, nil, cfg, nil)

	query := council.Query{ID: "q3", Prompt: "test", Tier: council.TierStandard, CreatedAt: time.Now()}
	_, err := o.Run(context.Background(), query)
	require.Error(t, err)
	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	require.Equal(t, ReasonPanelSelectionFailed, failed.Reason)
}

func TestGenerateTitleFallsBackWithoutTitleModel(t *testing.T) {
	o, _ := buildHarness(t)
	title := o.GenerateTitle(context.Background(), "a very long question that exceeds the truncation window for a generated title")
	require.LessOrEqual(t, len(title), 60)
}

func TestRunContextIsolationRejectsMissingSnapshot(t *testing.T) {
	o, _ := buildHarness(t)
	query := council.Query{
		ID:              "q4",
		Prompt:          "review this change",
		Tier:            council.TierStandard,
		ContextIsolated: true,
		CreatedAt:       time.Now(),
	}

	_, err := o.Run(context.Background(), query)
	require.Error(t, err)
	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	require.Equal(t, ReasonContextIsolationViolation, failed.Reason)
}

func TestRunContextIsolationRejectsForeignSnapshotReference(t *testing.T) {
	o, _ := buildHarness(t)
	query := council.Query{
		ID:              "q5",
		Prompt:          "compare against commit 0123456789abcdef0123456789abcdef01234567",
		Tier:            council.TierStandard,
		ContextIsolated: true,
		SnapshotID:      "abcdef0123456789",
		CreatedAt:       time.Now(),
	}

	_, err := o.Run(context.Background(), query)
	require.Error(t, err)
	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	require.Equal(t, ReasonContextIsolationViolation, failed.Reason)
}

func TestRunContextIsolationAllowsDeclaredSnapshot(t *testing.T) {
	o, _ := buildHarness(t)
	query := council.Query{
		ID:              "q6",
		Prompt:          "review commit abcdef0123456789",
		Tier:            council.TierStandard,
		ContextIsolated: true,
		SnapshotID:      "abcdef0123456789",
		DeadlineMS:      int64(30 * time.Second / time.Millisecond),
		CreatedAt:       time.Now(),
	}

	result, err := o.Run(context.Background(), query)
	require.NoError(t, err)
	require.Equal(t, council.ExitPass, result.ExitCode)
}

func TestStage1PromptScopesToSnapshotUnderIsolation(t *testing.T) {
	isolated := council.Query{Prompt: "do the thing", ContextIsolated: true, SnapshotID: "deadbeef"}
	prompt := stage1Prompt(isolated)
	require.Contains(t, prompt, "deadbeef")
	require.Contains(t, prompt, "do the thing")

	plain := council.Query{Prompt: "do the thing"}
	require.Equal(t, "do the thing", stage1Prompt(plain))
}
