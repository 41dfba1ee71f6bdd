// Package config loads the deliberation engine's runtime configuration from
// a YAML file with ${VAR}-style environment substitution, then layers
// LLM_COUNCIL_*-prefixed environment variables on top so operators can
// override a single field without editing the file. Priority is env var >
// config file > built-in default, mirroring the original council's env >
// config.json > default chain.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/amiable-dev/llm-council/internal/council"
)

// Config is the full configuration surface for one deployment: the
// deliberation defaults applied to a query that doesn't override them, plus
// the server/provider settings needed to stand up cmd/council.
type Config struct {
	// Deliberation defaults, per the engine's documented configuration
	// surface. A query's own fields always take precedence over these.
	Mode                     council.Mode              `yaml:"mode"`
	VerdictType              council.VerdictType       `yaml:"verdict_type"`
	RankingMethod            council.RankingMethod     `yaml:"ranking_method"`
	ExcludeSelfVotes         bool                      `yaml:"exclude_self_votes"`
	StyleNormalization       bool                      `yaml:"style_normalization"`
	MaxReviewers             int                       `yaml:"max_reviewers"`
	PositionRandomization    bool                      `yaml:"position_randomization"`
	Offline                  bool                      `yaml:"offline"`
	ModelIntelligenceEnabled bool                      `yaml:"model_intelligence_enabled"`

	ChairmanTier      council.Tier `yaml:"chairman_tier"`
	NormalizerModelID string       `yaml:"normalizer_model_id"`
	TitleModelID      string       `yaml:"title_model_id"`

	Server      ServerConfig      `yaml:"server"`
	Registry    RegistryConfig    `yaml:"registry"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Transcript  TranscriptConfig  `yaml:"transcript"`
}

// ServerConfig controls the HTTP listener and bearer-token auth.
type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	JWTSecret   string `yaml:"jwt_secret"`
	RequireAuth bool   `yaml:"require_auth"`
}

// RegistryConfig locates the static manifest and, when model intelligence
// is enabled, the Redis cache backing the dynamic provider.
type RegistryConfig struct {
	ManifestPath string `yaml:"manifest_path"`
	RedisAddr    string `yaml:"redis_addr"`
}

// WebhookConfig tunes the process-wide webhook dispatcher.
type WebhookConfig struct {
	WorkerCount int `yaml:"worker_count"`
	QueueSize   int `yaml:"queue_size"`
}

// TranscriptConfig points at the Postgres store backing transcript
// persistence.
type TranscriptConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Default returns the engine's documented defaults: Borda ranking, style
// normalization off, self-votes excluded, position randomization on, no
// reviewer cap, online metadata.
func Default() Config {
	return Config{
		Mode:                     council.ModeConsensus,
		VerdictType:              council.VerdictTypeFreeForm,
		RankingMethod:            council.RankingBorda,
		ExcludeSelfVotes:         true,
		StyleNormalization:       false,
		MaxReviewers:             0,
		PositionRandomization:    true,
		Offline:                  false,
		ModelIntelligenceEnabled: true,
		ChairmanTier:             council.TierFrontier,
		Server: ServerConfig{
			ListenAddr:  ":8080",
			RequireAuth: true,
		},
		Registry: RegistryConfig{
			ManifestPath: "configs/models.yaml",
		},
		Webhook: WebhookConfig{
			WorkerCount: 5,
			QueueSize:   1000,
		},
	}
}

// Loader owns the active Config and reloads it on file change.
type Loader struct {
	path string
	log  *logrus.Logger

	mu      sync.RWMutex
	current Config

	watcher *fsnotify.Watcher
}

// Load reads path (if it exists), applies environment overrides, validates
// the result, and starts watching the file for changes. A missing path is
// not an error: the caller gets Default() plus environment overrides, which
// is the expected shape for an entirely env-configured deployment. That
// result is still validated: since require_auth defaults to true, Load
// fails unless LLM_COUNCIL_JWT_SECRET is set or auth is turned off.
func Load(path string, log *logrus.Logger) (*Loader, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	// Best-effort: a .env file alongside the binary seeds process
	// environment variables before we read any of them below.
	_ = godotenv.Load()

	l := &Loader{path: path, log: log}
	cfg, err := l.build()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()

	if path != "" {
		if err := l.watch(); err != nil {
			log.WithError(err).Warn("config: hot-reload watcher unavailable, continuing without it")
		}
	}
	return l, nil
}

// Get returns the current, validated configuration.
func (l *Loader) Get() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Reload re-reads the config file and environment, swapping the active
// config atomically on success. A bad reload keeps serving the last-known
// good configuration and returns the error for the caller to log.
func (l *Loader) Reload() error {
	cfg, err := l.build()
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return nil
}

// Close stops the hot-reload watcher, if running.
func (l *Loader) Close() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

func (l *Loader) build() (Config, error) {
	cfg := Default()

	if l.path != "" {
		if err := applyFile(l.path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyFile loads YAML from path into cfg, expanding ${VAR} references
// against the process environment before parsing. A missing file is not an
// error: it means this deployment configures entirely via environment.
func applyFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(raw))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides individual fields from LLM_COUNCIL_*-prefixed
// environment variables, taking precedence over whatever the file set.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LLM_COUNCIL_MODE"); v != "" {
		cfg.Mode = council.Mode(v)
	}
	if v := os.Getenv("LLM_COUNCIL_VERDICT_TYPE"); v != "" {
		cfg.VerdictType = council.VerdictType(v)
	}
	if v := os.Getenv("LLM_COUNCIL_RANKING_METHOD"); v != "" {
		cfg.RankingMethod = council.RankingMethod(v)
	}
	if v, ok := envBool("LLM_COUNCIL_EXCLUDE_SELF_VOTES"); ok {
		cfg.ExcludeSelfVotes = v
	}
	if v, ok := envBool("LLM_COUNCIL_STYLE_NORMALIZATION"); ok {
		cfg.StyleNormalization = v
	}
	if v, ok := envInt("LLM_COUNCIL_MAX_REVIEWERS"); ok {
		cfg.MaxReviewers = v
	}
	if v, ok := envBool("LLM_COUNCIL_POSITION_RANDOMIZATION"); ok {
		cfg.PositionRandomization = v
	}
	if v, ok := envBool("LLM_COUNCIL_OFFLINE"); ok {
		cfg.Offline = v
	}
	if v, ok := envBool("LLM_COUNCIL_MODEL_INTELLIGENCE_ENABLED"); ok {
		cfg.ModelIntelligenceEnabled = v
	}
	if v := os.Getenv("LLM_COUNCIL_CHAIRMAN_TIER"); v != "" {
		cfg.ChairmanTier = council.Tier(v)
	}
	if v := os.Getenv("LLM_COUNCIL_NORMALIZER_MODEL"); v != "" {
		cfg.NormalizerModelID = v
	}
	if v := os.Getenv("LLM_COUNCIL_TITLE_MODEL"); v != "" {
		cfg.TitleModelID = v
	}
	if v := os.Getenv("LLM_COUNCIL_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("LLM_COUNCIL_JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v, ok := envBool("LLM_COUNCIL_REQUIRE_AUTH"); ok {
		cfg.Server.RequireAuth = v
	}
	if v := os.Getenv("LLM_COUNCIL_MANIFEST_PATH"); v != "" {
		cfg.Registry.ManifestPath = v
	}
	if v := os.Getenv("LLM_COUNCIL_REDIS_ADDR"); v != "" {
		cfg.Registry.RedisAddr = v
	}
	if v := os.Getenv("LLM_COUNCIL_POSTGRES_DSN"); v != "" {
		cfg.Transcript.PostgresDSN = v
	}
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	default:
		return false, false
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// validate rejects configuration that would cause the engine to fail every
// session rather than fail fast at startup, per the engine's "configuration
// errors are fatal at startup" error-handling contract.
func validate(cfg Config) error {
	switch cfg.Mode {
	case council.ModeConsensus, council.ModeDebate:
	default:
		return fmt.Errorf("config: invalid mode %q", cfg.Mode)
	}
	switch cfg.VerdictType {
	case council.VerdictTypeFreeForm, council.VerdictTypeBinary, council.VerdictTypeRubric:
	default:
		return fmt.Errorf("config: invalid verdict_type %q", cfg.VerdictType)
	}
	switch cfg.RankingMethod {
	case council.RankingBorda, council.RankingSchulze:
	default:
		return fmt.Errorf("config: invalid ranking_method %q", cfg.RankingMethod)
	}
	if cfg.MaxReviewers < 0 {
		return fmt.Errorf("config: max_reviewers must be >= 0, got %d", cfg.MaxReviewers)
	}
	if cfg.Server.RequireAuth && cfg.Server.JWTSecret == "" {
		return fmt.Errorf("config: server.require_auth is true but no jwt_secret is configured")
	}
	return nil
}

func (l *Loader) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return err
	}
	l.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := l.Reload(); err != nil {
						l.log.WithError(err).Error("config: reload failed, keeping last-known-good config")
					} else {
						l.log.Info("config: reloaded")
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.log.WithError(err).Warn("config: watcher error")
			}
		}
	}()
	return nil
}
