package registry

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/amiable-dev/llm-council/internal/council"
)

// manifestFile is the on-disk shape of the bundled static manifest.
type manifestFile struct {
	Models []council.ModelDescriptor `yaml:"models"`
}

// StaticProvider serves descriptors from a bundled YAML manifest, hot
// reloaded on file change via fsnotify, grounded on the teacher's
// fsnotify-backed plugin hot-reload pattern.
type StaticProvider struct {
	path string
	log  *logrus.Logger

	mu      sync.RWMutex
	byID    map[string]council.ModelDescriptor
	watcher *fsnotify.Watcher
}

// NewStaticProvider loads path once and starts watching it for changes. The
// caller should call Close when the provider is no longer needed.
func NewStaticProvider(path string, log *logrus.Logger) (*StaticProvider, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	sp := &StaticProvider{path: path, log: log, byID: make(map[string]council.ModelDescriptor)}
	if err := sp.reload(); err != nil {
		return nil, err
	}
	if err := sp.watch(); err != nil {
		log.WithError(err).Warn("registry: manifest hot-reload watcher unavailable, continuing without it")
	}
	return sp, nil
}

// NewStaticProviderFromDescriptors builds a provider directly from an
// in-memory descriptor set, used in tests and for embedded defaults.
func NewStaticProviderFromDescriptors(descs []council.ModelDescriptor) *StaticProvider {
	sp := &StaticProvider{byID: make(map[string]council.ModelDescriptor, len(descs))}
	for _, d := range descs {
		sp.byID[d.ID] = d
	}
	return sp
}

func (sp *StaticProvider) reload() error {
	data, err := os.ReadFile(sp.path)
	if err != nil {
		return fmt.Errorf("registry: reading manifest %s: %w", sp.path, err)
	}
	var mf manifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return fmt.Errorf("registry: parsing manifest %s: %w", sp.path, err)
	}

	byID := make(map[string]council.ModelDescriptor, len(mf.Models))
	for _, d := range mf.Models {
		byID[d.ID] = d
	}

	sp.mu.Lock()
	sp.byID = byID
	sp.mu.Unlock()
	return nil
}

func (sp *StaticProvider) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(sp.path); err != nil {
		w.Close()
		return err
	}
	sp.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := sp.reload(); err != nil {
						sp.log.WithError(err).Error("registry: manifest reload failed")
					} else {
						sp.log.Info("registry: manifest reloaded")
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				sp.log.WithError(err).Warn("registry: manifest watcher error")
			}
		}
	}()
	return nil
}

// Close stops the hot-reload watcher, if running.
func (sp *StaticProvider) Close() error {
	if sp.watcher != nil {
		return sp.watcher.Close()
	}
	return nil
}

// Describe implements Provider.
func (sp *StaticProvider) Describe(ctx context.Context, modelID string) (council.ModelDescriptor, bool) {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	d, ok := sp.byID[modelID]
	return d, ok
}

// All implements Provider.
func (sp *StaticProvider) All() []council.ModelDescriptor {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	out := make([]council.ModelDescriptor, 0, len(sp.byID))
	for _, d := range sp.byID {
		out = append(out, d)
	}
	return out
}
