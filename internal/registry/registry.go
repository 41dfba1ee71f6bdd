// Package registry implements the Model Registry & Metadata Provider: a
// static, manifest-backed provider and a dynamic, TTL-cached provider that
// wraps a remote index, unified behind one describe(modelId) capability.
package registry

import (
	"context"

	"github.com/amiable-dev/llm-council/internal/council"
)

// Provider is the single capability every registry variant exposes.
type Provider interface {
	Describe(ctx context.Context, modelID string) (council.ModelDescriptor, bool)
	All() []council.ModelDescriptor
}

// Factory chooses a concrete Provider at startup based on the offline flag
// and environment signals, per §4.1. It never itself blocks: a Dynamic
// provider's background refresh runs off the hot path.
func Factory(static *StaticProvider, dynamic *DynamicProvider, offline, modelIntelligenceEnabled bool) Provider {
	if offline || !modelIntelligenceEnabled || dynamic == nil {
		return static
	}
	return &fallbackProvider{primary: dynamic, fallback: static}
}

// fallbackProvider tries the dynamic provider first and falls back to
// static data when the dynamic provider has nothing cached for a model yet.
type fallbackProvider struct {
	primary  *DynamicProvider
	fallback *StaticProvider
}

func (f *fallbackProvider) Describe(ctx context.Context, modelID string) (council.ModelDescriptor, bool) {
	if d, ok := f.primary.Describe(ctx, modelID); ok {
		return d, true
	}
	return f.fallback.Describe(ctx, modelID)
}

func (f *fallbackProvider) All() []council.ModelDescriptor {
	merged := make(map[string]council.ModelDescriptor)
	for _, d := range f.fallback.All() {
		merged[d.ID] = d
	}
	for _, d := range f.primary.All() {
		merged[d.ID] = d
	}
	out := make([]council.ModelDescriptor, 0, len(merged))
	for _, d := range merged {
		out = append(out, d)
	}
	return out
}
