package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/amiable-dev/llm-council/internal/council"
)

// RemoteIndexClient fetches current metadata (prices, context windows,
// availability) for one model from an upstream index. Implementations call
// out to whatever remote source the deployment configures; the registry
// only depends on this narrow interface.
type RemoteIndexClient interface {
	FetchDescriptor(ctx context.Context, modelID string) (council.ModelDescriptor, error)
	ListModelIDs(ctx context.Context) ([]string, error)
}

// DynamicConfig tunes the dynamic provider's cache TTL and refresh cadence.
type DynamicConfig struct {
	CacheTTL        time.Duration
	RefreshInterval time.Duration
	KeyPrefix       string
}

// DefaultDynamicConfig uses a short, minutes-scale TTL as required by §4.1.
func DefaultDynamicConfig() DynamicConfig {
	return DynamicConfig{
		CacheTTL:        5 * time.Minute,
		RefreshInterval: 5 * time.Minute,
		KeyPrefix:       "council:model-metadata:",
	}
}

// DynamicProvider wraps a RemoteIndexClient with a short-TTL Redis cache. A
// failed fetch never blocks a caller: Describe always returns the last
// cached value (possibly stale) and the caller's own fallback chain (via
// Factory) handles the case where nothing has ever been cached.
type DynamicProvider struct {
	client redis.Cmdable
	remote RemoteIndexClient
	cfg    DynamicConfig
	log    *logrus.Logger

	mu        sync.RWMutex
	lastKnown map[string]council.ModelDescriptor

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewDynamicProvider constructs a DynamicProvider and starts its background
// refresh loop. Call Close to stop it.
func NewDynamicProvider(client redis.Cmdable, remote RemoteIndexClient, cfg DynamicConfig, log *logrus.Logger) *DynamicProvider {
	if log == nil {
		log = logrus.StandardLogger()
	}
	dp := &DynamicProvider{
		client:    client,
		remote:    remote,
		cfg:       cfg,
		log:       log,
		lastKnown: make(map[string]council.ModelDescriptor),
		stopCh:    make(chan struct{}),
	}
	go dp.refreshLoop()
	return dp
}

func (dp *DynamicProvider) refreshLoop() {
	ticker := time.NewTicker(dp.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-dp.stopCh:
			return
		case <-ticker.C:
			dp.refreshAll(context.Background())
		}
	}
}

func (dp *DynamicProvider) refreshAll(ctx context.Context) {
	ids, err := dp.remote.ListModelIDs(ctx)
	if err != nil {
		dp.log.WithError(err).Warn("registry: dynamic provider refresh failed, serving stale data")
		return
	}
	for _, id := range ids {
		desc, err := dp.remote.FetchDescriptor(ctx, id)
		if err != nil {
			dp.log.WithError(err).WithField("model_id", id).Warn("registry: failed to refresh model descriptor")
			continue
		}
		dp.store(ctx, desc)
	}
}

func (dp *DynamicProvider) store(ctx context.Context, desc council.ModelDescriptor) {
	dp.mu.Lock()
	dp.lastKnown[desc.ID] = desc
	dp.mu.Unlock()

	if dp.client == nil {
		return
	}
	data, err := json.Marshal(desc)
	if err != nil {
		return
	}
	if err := dp.client.Set(ctx, dp.cfg.KeyPrefix+desc.ID, data, dp.cfg.CacheTTL).Err(); err != nil {
		dp.log.WithError(err).Warn("registry: redis cache write failed")
	}
}

// Describe implements Provider. It checks the Redis cache first (fast
// path), falls back to the in-memory last-known value, and triggers a
// best-effort background fetch on a cache miss without blocking the caller.
func (dp *DynamicProvider) Describe(ctx context.Context, modelID string) (council.ModelDescriptor, bool) {
	if dp.client != nil {
		data, err := dp.client.Get(ctx, dp.cfg.KeyPrefix+modelID).Bytes()
		if err == nil {
			var desc council.ModelDescriptor
			if jsonErr := json.Unmarshal(data, &desc); jsonErr == nil {
				return desc, true
			}
		} else if !errors.Is(err, redis.Nil) {
			dp.log.WithError(err).Warn("registry: redis cache read failed, falling back to last-known value")
		}
	}

	dp.mu.RLock()
	desc, ok := dp.lastKnown[modelID]
	dp.mu.RUnlock()
	if ok {
		return desc, true
	}

	go dp.fetchOne(modelID)
	return council.ModelDescriptor{}, false
}

func (dp *DynamicProvider) fetchOne(modelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	desc, err := dp.remote.FetchDescriptor(ctx, modelID)
	if err != nil {
		dp.log.WithError(err).WithField("model_id", modelID).Debug("registry: off-hot-path fetch failed")
		return
	}
	dp.store(ctx, desc)
}

// All implements Provider, returning the union of everything cached in
// memory. It does not block on Redis or the remote client.
func (dp *DynamicProvider) All() []council.ModelDescriptor {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	out := make([]council.ModelDescriptor, 0, len(dp.lastKnown))
	for _, d := range dp.lastKnown {
		out = append(out, d)
	}
	return out
}

// Close stops the background refresh loop.
func (dp *DynamicProvider) Close() {
	dp.stopOnce.Do(func() { close(dp.stopCh) })
}
