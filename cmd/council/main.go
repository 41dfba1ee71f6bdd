// Command council runs the deliberation engine's HTTP server: panel
// selection, gateway dispatch, peer review, aggregation, and chairman
// synthesis behind POST /v1/council/deliberate, plus the binary-verdict
// convenience endpoint POST /v1/council/verify.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/amiable-dev/llm-council/internal/bias"
	"github.com/amiable-dev/llm-council/internal/config"
	"github.com/amiable-dev/llm-council/internal/council"
	"github.com/amiable-dev/llm-council/internal/events"
	"github.com/amiable-dev/llm-council/internal/gateway"
	"github.com/amiable-dev/llm-council/internal/middleware"
	"github.com/amiable-dev/llm-council/internal/orchestrator"
	"github.com/amiable-dev/llm-council/internal/registry"
	"github.com/amiable-dev/llm-council/internal/services"
	"github.com/amiable-dev/llm-council/internal/transcript"
	"github.com/amiable-dev/llm-council/internal/webhook"
)

// Server holds every long-lived dependency the HTTP handlers need. One
// instance serves the whole process.
type Server struct {
	log *logrus.Logger
	cfg *config.Loader

	registry     registry.Provider
	gw           *gateway.Gateway
	bus          *events.Bus
	biasStore    *bias.Store
	orchestrator *orchestrator.Orchestrator
	transcripts  *transcript.Store
	webhooks     *webhook.Dispatcher
	cbMonitor    *services.CircuitBreakerMonitor
	streamer     *events.StreamServer
}

// NewServer wires every component from cfg and returns a Server ready to
// have its router built. Redis clients connect lazily; when a Postgres DSN
// is configured, NewServer opens the pool and creates the transcript tables
// before returning, so it blocks on that I/O.
func NewServer(cfgPath string) (*Server, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	loader, err := config.Load(cfgPath, log)
	if err != nil {
		return nil, fmt.Errorf("council: loading config: %w", err)
	}
	cfg := loader.Get()

	staticProvider, err := registry.NewStaticProvider(cfg.Registry.ManifestPath, log)
	if err != nil {
		return nil, fmt.Errorf("council: loading model manifest: %w", err)
	}

	var dynamicProvider *registry.DynamicProvider
	if cfg.ModelIntelligenceEnabled && cfg.Registry.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:        cfg.Registry.RedisAddr,
			DialTimeout: 5 * time.Second,
		})
		dynamicProvider = registry.NewDynamicProvider(rdb, nil, registry.DefaultDynamicConfig(), log)
	}
	reg := registry.Factory(staticProvider, dynamicProvider, cfg.Offline, cfg.ModelIntelligenceEnabled)

	backendMap := map[string]gateway.CompletionProvider{}
	for _, d := range staticProvider.All() {
		if d.HardwareProfile != "" {
			backendMap[d.ID] = gateway.NewLocalInferenceProvider(d.HardwareProfile)
			continue
		}
		backendMap[d.ID] = gateway.NewRemoteRouterProvider(routerEndpointFor(d.Provider), os.Getenv("LLM_COUNCIL_ROUTER_API_KEY"))
	}
	backends := gateway.NewStaticBackends(backendMap)
	cbCfg := gateway.DefaultCircuitBreakerConfig()
	gw := gateway.NewGateway(backends, gateway.DefaultRetryConfig(), cbCfg, log)

	bus := events.NewBus(events.DefaultBusConfig(), log)

	var biasStore *bias.Store
	if cfg.Registry.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:        cfg.Registry.RedisAddr,
			DialTimeout: 5 * time.Second,
		})
		biasStore = bias.NewStore(rdb, "council:bias", log)
	}

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.StyleNormalization = cfg.StyleNormalization
	orchCfg.ExcludeSelfVotes = cfg.ExcludeSelfVotes
	orchCfg.MaxReviewers = cfg.MaxReviewers
	orchCfg.PositionRandomization = cfg.PositionRandomization
	orchCfg.RankingMethod = cfg.RankingMethod
	orchCfg.ChairmanTier = cfg.ChairmanTier
	orch := orchestrator.New(reg, gw, bus, biasStore, orchCfg, log)

	var transcripts *transcript.Store
	if cfg.Transcript.PostgresDSN != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Transcript.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("council: connecting to transcript store: %w", err)
		}
		transcripts = transcript.NewStore(pool, log)
		if err := transcripts.CreateTables(context.Background()); err != nil {
			return nil, fmt.Errorf("council: preparing transcript tables: %w", err)
		}
	}

	whCfg := webhook.DefaultConfig()
	whCfg.WorkerCount = cfg.Webhook.WorkerCount
	whCfg.QueueSize = cfg.Webhook.QueueSize
	dispatcher := webhook.NewDispatcher(&whCfg, log)
	if err := dispatcher.Start(); err != nil {
		return nil, fmt.Errorf("council: starting webhook dispatcher: %w", err)
	}

	cbMonitor := services.NewCircuitBreakerMonitor(gw.Breakers(), log, services.DefaultCircuitBreakerMonitorConfig())
	streamer := events.NewStreamServer(events.DefaultWebSocketConfig(), bus, log)

	return &Server{
		log:          log,
		cfg:          loader,
		registry:     reg,
		gw:           gw,
		bus:          bus,
		biasStore:    biasStore,
		orchestrator: orch,
		transcripts:  transcripts,
		webhooks:     dispatcher,
		cbMonitor:    cbMonitor,
		streamer:     streamer,
	}, nil
}

// routerEndpointFor picks a default remote-router endpoint per provider.
// Real deployments override this via LLM_COUNCIL_ROUTER_ENDPOINT_<PROVIDER>;
// this is only the fallback used when that isn't set.
func routerEndpointFor(provider string) string {
	if v := os.Getenv("LLM_COUNCIL_ROUTER_ENDPOINT_" + provider); v != "" {
		return v
	}
	if v := os.Getenv("LLM_COUNCIL_ROUTER_ENDPOINT"); v != "" {
		return v
	}
	return "https://openrouter.ai/api/v1/chat/completions"
}

// Router builds the gin engine: health check and metrics are open, the
// deliberation surface requires a bearer token when configured to.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	cfg := s.cfg.Get()

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	group := r.Group("/v1/council")
	if cfg.Server.RequireAuth {
		group.Use(middleware.AuthMiddleware(cfg.Server.JWTSecret))
	}
	group.POST("/deliberate", s.handleDeliberate)
	group.POST("/verify", s.handleVerify)
	group.GET("/stream/:query_id", s.handleStream)

	return r
}

// handleStream upgrades to a WebSocket and relays one query's LayerEvent
// stream live, for dashboards that want a persistent connection rather than
// the one-shot SSE response /deliberate returns.
func (s *Server) handleStream(c *gin.Context) {
	s.streamer.ServeQuery(c.Writer, c.Request, c.Param("query_id"))
}

// Start runs the HTTP server and background workers until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	go s.cbMonitor.Start(ctx)

	cfg := s.cfg.Get()
	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.cbMonitor.Stop()
		_ = s.webhooks.Stop()
	}()

	s.log.WithField("addr", cfg.Server.ListenAddr).Info("council: listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	status := s.cbMonitor.GetStatus()
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"circuit_breakers": status,
	})
}

// deliberateRequest is the caller-facing request body for a deliberation.
// It maps onto council.Query; fields the caller omits take the server's
// configured defaults.
type deliberateRequest struct {
	Prompt          string              `json:"prompt" binding:"required"`
	Mode            council.Mode        `json:"mode"`
	VerdictType     council.VerdictType `json:"verdict_type"`
	RubricFocus     string              `json:"rubric_focus"`
	ContextIsolated bool                `json:"context_isolation"`
	SnapshotID      string              `json:"snapshot_id"`
	Tier            council.Tier        `json:"tier"`
	Capabilities    []string            `json:"capabilities"`
	DeadlineMS      int64               `json:"deadline_ms"`
	Streaming       bool                `json:"streaming"`
	Webhook         *council.WebhookSpec `json:"webhook"`
}

func (s *Server) buildQuery(req deliberateRequest) council.Query {
	cfg := s.cfg.Get()
	mode := req.Mode
	if mode == "" {
		mode = cfg.Mode
	}
	verdictType := req.VerdictType
	if verdictType == "" {
		verdictType = cfg.VerdictType
	}
	tier := req.Tier
	if tier == "" {
		tier = cfg.ChairmanTier
	}
	return council.Query{
		ID:              uuid.NewString(),
		Prompt:          req.Prompt,
		Mode:            mode,
		VerdictType:     verdictType,
		RubricFocus:     req.RubricFocus,
		ContextIsolated: req.ContextIsolated,
		SnapshotID:      req.SnapshotID,
		Tier:            tier,
		Capabilities:    req.Capabilities,
		DeadlineMS:      req.DeadlineMS,
		Streaming:       req.Streaming,
		Webhook:         req.Webhook,
		CreatedAt:       time.Now(),
	}
}

// handleDeliberate runs a full deliberation. When the caller sets
// streaming:true and sends Accept: text/event-stream, the response is a
// line-delimited stream of LayerEvent JSON terminated by a
// council.completed or council.failed event; otherwise it blocks and
// returns the final DeliberationResult.
func (s *Server) handleDeliberate(c *gin.Context) {
	var req deliberateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	query := s.buildQuery(req)

	if query.Streaming && c.GetHeader("Accept") == "text/event-stream" {
		s.streamDeliberation(c, query)
		return
	}

	detach := s.webhooks.Attach(s.bus, query)
	defer detach()

	result, err := s.orchestrator.Run(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if s.transcripts != nil {
		s.persistTranscript(c.Request.Context(), query, result)
	}
	c.JSON(http.StatusOK, result)
}

// streamDeliberation subscribes to the event bus before starting the run so
// no event between subscription and council.started is missed, then
// writes each LayerEvent as its own JSON line as it arrives.
func (s *Server) streamDeliberation(c *gin.Context, query council.Query) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	sub := s.bus.Subscribe(query.ID, query.ID, func(e *council.LayerEvent) bool {
		return e.QueryID == query.ID
	})
	defer s.bus.Unsubscribe(query.ID)
	detach := s.webhooks.Attach(s.bus, query)
	defer detach()

	done := make(chan council.DeliberationResult, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := s.orchestrator.Run(context.Background(), query)
		if err != nil {
			errCh <- err
			return
		}
		done <- result
	}()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-sub.Channel:
			if !ok {
				return false
			}
			line, _ := json.Marshal(event)
			_, _ = w.Write(append(line, '\n'))
			return event.Type != council.EventCouncilCompleted && event.Type != council.EventCouncilFailed
		case result := <-done:
			if s.transcripts != nil {
				s.persistTranscript(context.Background(), query, result)
			}
			return false
		case <-errCh:
			return false
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) persistTranscript(ctx context.Context, query council.Query, result council.DeliberationResult) {
	if err := s.transcripts.WriteRequest(ctx, query); err != nil {
		s.log.WithError(err).Warn("council: failed to persist request")
	}
	if err := s.transcripts.WriteStage1(ctx, query.ID, result.Stage1); err != nil {
		s.log.WithError(err).Warn("council: failed to persist stage1")
	}
	if err := s.transcripts.WriteStage2(ctx, query.ID, result.Reviews); err != nil {
		s.log.WithError(err).Warn("council: failed to persist stage2")
	}
	if err := s.transcripts.WriteStage3(ctx, query.ID, result.Synthesis, result.Aggregate); err != nil {
		s.log.WithError(err).Warn("council: failed to persist stage3")
	}
	if err := s.transcripts.WriteResult(ctx, result); err != nil {
		s.log.WithError(err).Warn("council: failed to persist result")
	}
}

// gitSHAPattern matches the snapshot_id format the verification endpoint
// requires: 7-40 hex characters, same bound as a valid abbreviated or full
// git commit SHA.
var gitSHAPattern = regexp.MustCompile(`^[0-9a-fA-F]{7,40}$`)

type verifyRequest struct {
	SnapshotID          string   `json:"snapshot_id" binding:"required"`
	TargetPaths         []string `json:"target_paths"`
	RubricFocus         string   `json:"rubric_focus"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
}

type rubricScoresResponse struct {
	Accuracy     *float64 `json:"accuracy,omitempty"`
	Relevance    *float64 `json:"relevance,omitempty"`
	Completeness *float64 `json:"completeness,omitempty"`
	Conciseness  *float64 `json:"conciseness,omitempty"`
	Clarity      *float64 `json:"clarity,omitempty"`
}

type blockingIssueResponse struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Location    string `json:"location,omitempty"`
}

type verifyResponse struct {
	VerificationID string                  `json:"verification_id"`
	Verdict        council.Verdict         `json:"verdict"`
	Confidence     float64                 `json:"confidence"`
	ExitCode       int                     `json:"exit_code"`
	RubricScores   rubricScoresResponse    `json:"rubric_scores"`
	BlockingIssues []blockingIssueResponse `json:"blocking_issues"`
	Rationale      string                  `json:"rationale"`
	TranscriptLocation string              `json:"transcript_location"`
}

// handleVerify is the binary-verdict convenience endpoint: it validates
// snapshot_id as a git SHA, runs a deliberation with verdict_type=binary,
// and reduces the result to a pass/fail/unclear exit code suitable for a
// CI gate.
func (s *Server) handleVerify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !gitSHAPattern.MatchString(req.SnapshotID) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "snapshot_id must be a valid git SHA (7-40 hexadecimal characters)",
		})
		return
	}
	if req.ConfidenceThreshold <= 0 {
		req.ConfidenceThreshold = 0.7
	}

	query := council.Query{
		ID:              uuid.NewString(),
		Prompt:          verificationPrompt(req),
		Mode:            council.ModeConsensus,
		VerdictType:     council.VerdictTypeBinary,
		RubricFocus:     req.RubricFocus,
		ContextIsolated: true,
		SnapshotID:      req.SnapshotID,
		Tier:            s.cfg.Get().ChairmanTier,
		CreatedAt:       time.Now(),
	}

	result, err := s.orchestrator.Run(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "type": fmt.Sprintf("%T", err)})
		return
	}
	if s.transcripts != nil {
		s.persistTranscript(c.Request.Context(), query, result)
	}

	resp := buildVerifyResponse(query.ID, result, req.ConfidenceThreshold)
	c.JSON(http.StatusOK, resp)
}

func verificationPrompt(req verifyRequest) string {
	focus := req.RubricFocus
	if focus == "" {
		focus = "overall correctness"
	}
	prompt := fmt.Sprintf(
		"Verify snapshot %s for %s. Respond with a binary pass/fail verdict and name any blocking issues.",
		req.SnapshotID, focus,
	)
	if len(req.TargetPaths) > 0 {
		prompt += fmt.Sprintf(" Limit review to: %v.", req.TargetPaths)
	}
	return prompt
}

// buildVerifyResponse reduces a full DeliberationResult to the verify
// endpoint's compact shape: average rubric scores for the winning
// candidate across reviewers that scored it, and every blocking issue any
// reviewer raised, not filtered by candidate. Below-threshold confidence
// downgrades a pass verdict to unclear, matching the CI-gate contract.
func buildVerifyResponse(queryID string, result council.DeliberationResult, threshold float64) verifyResponse {
	verdict := result.Aggregate.Verdict
	confidence := result.Aggregate.VerdictConfidence
	if verdict == council.VerdictPass && confidence < threshold {
		verdict = council.VerdictUnclear
	}

	scores, issues := reduceReviews(result.Reviews, result.WinningSlot)

	return verifyResponse{
		VerificationID:     queryID,
		Verdict:            verdict,
		Confidence:         confidence,
		ExitCode:           exitCodeForVerdict(verdict),
		RubricScores:       scores,
		BlockingIssues:      issues,
		Rationale:          result.Synthesis,
		TranscriptLocation: transcript.Location(queryID),
	}
}

func exitCodeForVerdict(v council.Verdict) int {
	switch v {
	case council.VerdictPass:
		return council.ExitPass
	case council.VerdictFail:
		return council.ExitFail
	default:
		return council.ExitUnclearOrLowConfidence
	}
}

func reduceReviews(reviews []council.PeerReview, winningSlot int) (rubricScoresResponse, []blockingIssueResponse) {
	sums := map[string]float64{}
	counts := map[string]int{}
	var issues []blockingIssueResponse

	add := func(dim string, v *float64) {
		if v == nil {
			return
		}
		sums[dim] += *v
		counts[dim]++
	}

	for _, review := range reviews {
		if scores, ok := review.Scores[winningSlot]; ok {
			add("accuracy", scores.Accuracy)
			add("relevance", scores.Relevance)
			add("completeness", scores.Completeness)
			add("conciseness", scores.Conciseness)
			add("clarity", scores.Clarity)
		}
		for _, issue := range review.BlockingIssues {
			issues = append(issues, blockingIssueResponse{
				Severity:    issue.Severity,
				Description: issue.Description,
				Location:    issue.Location,
			})
		}
	}

	avg := func(dim string) *float64 {
		if counts[dim] == 0 {
			return nil
		}
		v := sums[dim] / float64(counts[dim])
		return &v
	}

	return rubricScoresResponse{
		Accuracy:     avg("accuracy"),
		Relevance:    avg("relevance"),
		Completeness: avg("completeness"),
		Conciseness:  avg("conciseness"),
		Clarity:      avg("clarity"),
	}, issues
}

func main() {
	cfgPath := os.Getenv("LLM_COUNCIL_CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/council.yaml"
	}

	srv, err := NewServer(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "council: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		srv.log.WithError(err).Fatal("council: server exited")
	}
}
