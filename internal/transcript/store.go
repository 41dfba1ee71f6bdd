// Package transcript persists one append-only record per deliberation
// session: the original request, each stage's output, the final result, and
// the full event log, mirroring the five-file-plus-events layout the engine
// exposes externally as transcript_location.
package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/amiable-dev/llm-council/internal/council"
)

// pgExecutor is the subset of *pgxpool.Pool the store needs, narrowed to an
// interface so tests can supply a fake instead of a live Postgres instance.
type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconnCommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// pgconnCommandTag mirrors pgconn.CommandTag's shape just enough that Store
// never imports pgconn directly; pgxpool.Pool.Exec already returns this type.
type pgconnCommandTag interface {
	RowsAffected() int64
}

// poolAdapter makes *pgxpool.Pool satisfy pgExecutor without a direct pgconn
// dependency in this package's exported surface.
type poolAdapter struct{ pool *pgxpool.Pool }

func (p poolAdapter) Exec(ctx context.Context, sql string, args ...interface{}) (pgconnCommandTag, error) {
	tag, err := p.pool.Exec(ctx, sql, args...)
	return tag, err
}

func (p poolAdapter) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return p.pool.QueryRow(ctx, sql, args...)
}

// Store is the pgx-backed transcript writer/reader for one council
// deployment. One row per query id, upserted stage by stage as the
// deliberation progresses, plus an append-only events table for the
// ndjson-equivalent event log.
type Store struct {
	db  pgExecutor
	log *logrus.Logger
}

// NewStore wraps a live connection pool.
func NewStore(pool *pgxpool.Pool, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.New()
	}
	return &Store{db: poolAdapter{pool: pool}, log: log}
}

// CreateTables creates the transcript tables if they don't already exist.
func (s *Store) CreateTables(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS council_transcripts (
			query_id   VARCHAR(255) PRIMARY KEY,
			request    JSONB,
			stage1     JSONB,
			stage2     JSONB,
			stage3     JSONB,
			result     JSONB,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS council_transcript_events (
			query_id    VARCHAR(255) NOT NULL,
			seq_num     BIGINT NOT NULL,
			event       JSONB NOT NULL,
			recorded_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			PRIMARY KEY (query_id, seq_num)
		);

		CREATE INDEX IF NOT EXISTS idx_council_transcripts_created_at ON council_transcripts(created_at);
	`
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create transcript tables: %w", err)
	}
	s.log.Info("transcript tables created/verified")
	return nil
}

// WriteRequest inserts the request.json row for a new session, creating the
// parent row if it doesn't already exist.
func (s *Store) WriteRequest(ctx context.Context, query council.Query) error {
	payload, err := json.Marshal(query)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	sql := `
		INSERT INTO council_transcripts (query_id, request, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (query_id) DO UPDATE SET request = EXCLUDED.request, updated_at = NOW()
	`
	if _, err := s.db.Exec(ctx, sql, query.ID, payload); err != nil {
		return fmt.Errorf("failed to write request transcript: %w", err)
	}
	return nil
}

// WriteStage1 records the stage1.json content: every surviving and failed
// participant response.
func (s *Store) WriteStage1(ctx context.Context, queryID string, responses []council.StageOneResponse) error {
	return s.writeStageColumn(ctx, queryID, "stage1", responses)
}

// WriteStage2 records the stage2.json content: every reviewer's PeerReview,
// including abstentions.
func (s *Store) WriteStage2(ctx context.Context, queryID string, reviews []council.PeerReview) error {
	return s.writeStageColumn(ctx, queryID, "stage2", reviews)
}

// stage3Payload is the stage3.json shape: the chairman's synthesis alongside
// the aggregate it was built from, so a transcript reader never has to
// cross-reference the result row to understand the chairman's inputs.
type stage3Payload struct {
	Synthesis string                  `json:"synthesis"`
	Aggregate council.AggregateResult `json:"aggregate"`
}

// WriteStage3 records the stage3.json content.
func (s *Store) WriteStage3(ctx context.Context, queryID string, synthesis string, agg council.AggregateResult) error {
	return s.writeStageColumn(ctx, queryID, "stage3", stage3Payload{Synthesis: synthesis, Aggregate: agg})
}

// WriteResult records the result.json content: the full, sealed
// DeliberationResult.
func (s *Store) WriteResult(ctx context.Context, result council.DeliberationResult) error {
	return s.writeStageColumn(ctx, result.QueryID, "result", result)
}

func (s *Store) writeStageColumn(ctx context.Context, queryID, column string, value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s transcript: %w", column, err)
	}
	// column is always one of the fixed literals above, never caller input,
	// so building the statement by format is safe from injection here.
	sql := fmt.Sprintf(`
		INSERT INTO council_transcripts (query_id, %s, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (query_id) DO UPDATE SET %s = EXCLUDED.%s, updated_at = NOW()
	`, column, column, column)
	if _, err := s.db.Exec(ctx, sql, queryID, payload); err != nil {
		return fmt.Errorf("failed to write %s transcript: %w", column, err)
	}
	return nil
}

// AppendEvent appends one LayerEvent to the session's events.ndjson
// equivalent. Events are keyed by (query_id, seq_num), so replaying the same
// event twice is a harmless no-op rather than a duplicate row.
func (s *Store) AppendEvent(ctx context.Context, event *council.LayerEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	sql := `
		INSERT INTO council_transcript_events (query_id, seq_num, event, recorded_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (query_id, seq_num) DO NOTHING
	`
	if _, err := s.db.Exec(ctx, sql, event.QueryID, event.SeqNum, payload); err != nil {
		return fmt.Errorf("failed to append transcript event: %w", err)
	}
	return nil
}

// Location returns the caller-facing transcript_location string for a
// sealed session, which TranscriptLocation on DeliberationResult is set to.
func Location(queryID string) string {
	return fmt.Sprintf("council_transcripts/%s", queryID)
}

// Snapshot is the full read-back shape for one session, used by the
// verification endpoint and by any offline audit tooling.
type Snapshot struct {
	QueryID   string          `json:"query_id"`
	Request   json.RawMessage `json:"request,omitempty"`
	Stage1    json.RawMessage `json:"stage1,omitempty"`
	Stage2    json.RawMessage `json:"stage2,omitempty"`
	Stage3    json.RawMessage `json:"stage3,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// GetByQueryID reads back the full transcript row for one session.
func (s *Store) GetByQueryID(ctx context.Context, queryID string) (*Snapshot, error) {
	sql := `
		SELECT query_id, request, stage1, stage2, stage3, result, created_at, updated_at
		FROM council_transcripts
		WHERE query_id = $1
	`
	row := s.db.QueryRow(ctx, sql, queryID)
	var snap Snapshot
	var request, stage1, stage2, stage3, result []byte
	if err := row.Scan(&snap.QueryID, &request, &stage1, &stage2, &stage3, &result, &snap.CreatedAt, &snap.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan transcript row: %w", err)
	}
	snap.Request = request
	snap.Stage1 = stage1
	snap.Stage2 = stage2
	snap.Stage3 = stage3
	snap.Result = result
	return &snap, nil
}
