package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StaticBackends resolves model identifiers against a fixed map, used for
// offline mode and for tests. It implements Backends.
type StaticBackends struct {
	providers map[string]CompletionProvider
}

// NewStaticBackends builds a StaticBackends from a model-id → provider map.
func NewStaticBackends(providers map[string]CompletionProvider) *StaticBackends {
	return &StaticBackends{providers: providers}
}

// Resolve implements Backends.
func (s *StaticBackends) Resolve(modelID string) (CompletionProvider, error) {
	p, ok := s.providers[modelID]
	if !ok {
		return nil, fmt.Errorf("gateway: no backend registered for model %q", modelID)
	}
	return p, nil
}

// RemoteRouterProvider implements CompletionProvider over an HTTP completion
// router (e.g. an OpenRouter-shaped endpoint), the remote-gateway variant
// described by the spec. It categorizes transport/status failures so the
// Gateway's retry and circuit-breaker layers can reason about them.
type RemoteRouterProvider struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client
}

// NewRemoteRouterProvider constructs a RemoteRouterProvider with a sane
// default client timeout; the Gateway layer still enforces its own
// request-scoped deadline via context.
func NewRemoteRouterProvider(endpoint, apiKey string) *RemoteRouterProvider {
	return &RemoteRouterProvider{
		Endpoint:   endpoint,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type routerCompletionRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	JSONMode    bool    `json:"json_mode,omitempty"`
}

type routerCompletionResponse struct {
	Content      string `json:"content"`
	PromptTokens int    `json:"prompt_tokens"`
	OutputTokens int    `json:"completion_tokens"`
}

func (p *RemoteRouterProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	start := time.Now()
	body, err := json.Marshal(routerCompletionRequest{
		Model:       req.ModelID,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		JSONMode:    req.JSONMode,
	})
	if err != nil {
		return nil, &CategorizedError{Category: FailureNetwork, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &CategorizedError{Category: FailureNetwork, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &CategorizedError{Category: FailureTimeout, Err: err}
		}
		return nil, &CategorizedError{Category: FailureNetwork, Err: err}
	}
	defer resp.Body.Close()

	if cat := categoryForStatus(resp.StatusCode); cat != FailureNone {
		return nil, &CategorizedError{Category: cat, Err: fmt.Errorf("router returned HTTP %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &CategorizedError{Category: FailureNetwork, Err: err}
	}
	var parsed routerCompletionResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &CategorizedError{Category: FailureNetwork, Err: fmt.Errorf("decoding router response: %w", err)}
	}

	return &CompletionResult{
		Content:          parsed.Content,
		PromptTokens:     parsed.PromptTokens,
		CompletionTokens: parsed.OutputTokens,
		Latency:          time.Since(start),
	}, nil
}

func categoryForStatus(code int) FailureCategory {
	switch {
	case code == http.StatusTooManyRequests:
		return FailureRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return FailureAuthFailure
	case code == http.StatusUnprocessableEntity:
		return FailureContentPolicy
	case code >= 500:
		return FailureServerError
	case code >= 400:
		return FailureContentPolicy
	default:
		return FailureNone
	}
}

// CompleteStream always returns an error: RemoteRouterProvider does not speak the router's SSE
// streaming variant, so the Gateway's synthesized single-chunk fallback
// path is exercised for this backend.
func (p *RemoteRouterProvider) CompleteStream(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error) {
	return nil, fmt.Errorf("gateway: remote router backend does not support streaming")
}

func (p *RemoteRouterProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("router health check failed: HTTP %d", resp.StatusCode)
	}
	return nil
}

// LocalInferenceProvider implements CompletionProvider for a hardware-hosted
// model reachable over a local HTTP endpoint (e.g. an Ollama-shaped server).
// When DegradationNote is non-empty it is attached to every result as a
// degradation notice; NewLocalInferenceProvider leaves it empty.
type LocalInferenceProvider struct {
	Endpoint        string
	HTTPClient      *http.Client
	DegradationNote string
}

func NewLocalInferenceProvider(endpoint string) *LocalInferenceProvider {
	return &LocalInferenceProvider{
		Endpoint:   endpoint,
		HTTPClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *LocalInferenceProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	start := time.Now()
	body, _ := json.Marshal(routerCompletionRequest{
		Model:       req.ModelID,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &CategorizedError{Category: FailureNetwork, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, &CategorizedError{Category: FailureNetwork, Err: err}
	}
	defer resp.Body.Close()
	if cat := categoryForStatus(resp.StatusCode); cat != FailureNone {
		return nil, &CategorizedError{Category: cat, Err: fmt.Errorf("local inference returned HTTP %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &CategorizedError{Category: FailureNetwork, Err: err}
	}
	var parsed routerCompletionResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &CategorizedError{Category: FailureNetwork, Err: err}
	}

	notices := []string{}
	if p.DegradationNote != "" {
		notices = append(notices, p.DegradationNote)
	}
	return &CompletionResult{
		Content:            parsed.Content,
		PromptTokens:       parsed.PromptTokens,
		CompletionTokens:   parsed.OutputTokens,
		Latency:            time.Since(start),
		DegradationNotices: notices,
	}, nil
}

func (p *LocalInferenceProvider) CompleteStream(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error) {
	return nil, fmt.Errorf("gateway: local inference backend does not support streaming")
}

func (p *LocalInferenceProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
