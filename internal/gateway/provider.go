// Package gateway implements the uniform completion capability over
// heterogeneous LLM backends: retry with full jitter, per-model circuit
// breaking on a rolling failure-ratio window, and degradation notices.
package gateway

import (
	"context"
	"errors"
	"time"
)

// CompletionRequest is one prompt dispatched to a concrete model.
type CompletionRequest struct {
	ModelID     string
	Prompt      string
	Deadline    time.Time
	MaxTokens   int
	Temperature float64
	JSONMode    bool
}

// CompletionChunk is one piece of a streamed completion. Terminal is true on
// the final chunk of the stream.
type CompletionChunk struct {
	Content  string
	Terminal bool
	Err      error
}

// CompletionResult is the outcome of one non-streaming completion call.
type CompletionResult struct {
	Content            string
	PromptTokens       int
	CompletionTokens   int
	Latency            time.Duration
	DegradationNotices []string
}

// CompletionProvider is the narrow capability every backend (remote router,
// local inference) must satisfy. There is no inheritance hierarchy: callers
// depend on this interface, never on a concrete backend type.
type CompletionProvider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
	CompleteStream(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error)
	HealthCheck(ctx context.Context) error
}

// FailureCategory classifies a gateway error for retry and circuit-breaker
// accounting. Only Network, ServerError, and RateLimited are idempotent
// enough to retry; ContentPolicy and AuthFailure never retry.
type FailureCategory int

const (
	FailureNone FailureCategory = iota
	FailureNetwork
	FailureServerError
	FailureRateLimited
	FailureContentPolicy
	FailureAuthFailure
	FailureTimeout
	FailureCancelled
)

// Retryable reports whether a failure category warrants a retry attempt.
func (c FailureCategory) Retryable() bool {
	switch c {
	case FailureNetwork, FailureServerError, FailureRateLimited:
		return true
	default:
		return false
	}
}

// CategorizedError pairs an upstream error with its retry category. Backends
// should return this (wrapped) from Complete/CompleteStream/HealthCheck so
// the Gateway's resilience layer can decide whether to retry or trip the
// breaker without inspecting backend-specific error types.
type CategorizedError struct {
	Category FailureCategory
	Err      error
}

func (e *CategorizedError) Error() string {
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// Categorize extracts the FailureCategory from err, defaulting to
// FailureNetwork for uncategorized errors since most transport failures are
// safe to retry.
func Categorize(err error) FailureCategory {
	if err == nil {
		return FailureNone
	}
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return FailureNetwork
}
